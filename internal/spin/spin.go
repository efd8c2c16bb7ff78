// Package spin provides a spin mutex for critical sections that must be
// enterable from a context that cannot be suspended, such as a timer callback
// racing a vCPU thread over list-register state. Acquisition never parks the
// goroutine on a runtime semaphore; it loops on a compare-and-swap.
//
// Critical sections guarded by a spin.Mutex must be short and must never
// block.
package spin

import (
	"runtime"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

const (
	unlocked = 0
	locked   = 1
)

// Mutex is a spin lock. The zero value is unlocked. A Mutex must not be
// copied after first use.
type Mutex struct {
	word atomicbitops.Uint32
}

// Lock acquires m, spinning until it is available.
func (m *Mutex) Lock() {
	for spins := 0; !m.word.CompareAndSwap(unlocked, locked); spins++ {
		if spins >= 64 {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock attempts to acquire m without spinning.
func (m *Mutex) TryLock() bool {
	return m.word.CompareAndSwap(unlocked, locked)
}

// Unlock releases m. It must only be called while m is held.
func (m *Mutex) Unlock() {
	if !m.word.CompareAndSwap(locked, unlocked) {
		panic("spin: unlock of unlocked Mutex")
	}
}
