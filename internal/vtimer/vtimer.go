// Package vtimer emulates the per-vCPU EL1 physical timer. Guest accesses to
// the CNTP registers trap here; when the programmed deadline is in the
// future a physical callback is scheduled, and on expiry the timer interrupt
// is buffered at the interrupt controller from the callback context.
package vtimer

import (
	"log/slog"
	"math"
	"time"

	"github.com/elena19m/armvmm/internal/vgic"
)

// CNTP_CTL_EL0 bits.
const (
	CTLEnable  = 1 << 0
	CTLIMask   = 1 << 1
	CTLIStatus = 1 << 2
)

// Clock abstracts the physical counter the compare value is measured
// against.
type Clock interface {
	// Counter returns the current count.
	Counter() uint64
	// Frequency returns the counter frequency in Hz.
	Frequency() uint64
}

// Injector is the slice of the interrupt controller the timer drives.
// Implemented by *vgic.GIC.
type Injector interface {
	Inject(vcpu int, irq uint32, class vgic.Class) error
	Remove(vcpu int, irq uint32, ignoreActive bool) (int, error)
}

// cpuTimer is the per-vCPU timer state. The register fields are only
// accessed from the owning vCPU thread, in trap context; the callout carries
// its own synchronization.
type cpuTimer struct {
	ctl  uint64
	cval uint64

	callout callout
}

// Timer is the virtual timer of one VM.
type Timer struct {
	clock Clock
	gic   Injector
	log   *slog.Logger

	cpus []*cpuTimer

	irq      uint32
	freq     uint64
	attached bool
}

// New builds the timer for a VM with numCPUs virtual processors. Every vCPU
// starts with its timer masked and disabled.
func New(clock Clock, gic Injector, numCPUs int, log *slog.Logger) *Timer {
	if log == nil {
		log = slog.Default()
	}
	t := &Timer{
		clock: clock,
		gic:   gic,
		log:   log,
		cpus:  make([]*cpuTimer, numCPUs),
	}
	for i := range t.cpus {
		t.cpus[i] = &cpuTimer{ctl: CTLIMask}
	}
	return t
}

// Attach records the interrupt line and counter frequency used to signal the
// guest. Idempotent; only the first call takes effect.
func (t *Timer) Attach(irq uint32, freq uint64) {
	if t.attached {
		return
	}
	t.irq = irq
	t.freq = freq
	t.attached = true
}

// Detach cancels every per-vCPU callback and waits for in-flight ones, so no
// injection can target the VM afterwards.
func (t *Timer) Detach() {
	for _, c := range t.cpus {
		c.callout.drain()
	}
	t.attached = false
}

func (t *Timer) inject(vcpu int) {
	// A full buffer means the interrupt is dropped for now; the timer
	// condition still holds, so it is retried on the next expiry or control
	// write.
	if err := t.gic.Inject(vcpu, t.irq, vgic.ClassClock); err != nil {
		t.log.Debug("timer injection failed", "vcpu", vcpu, "err", err)
	}
}

func enabled(ctl uint64) bool {
	return ctl&CTLEnable != 0 && ctl&CTLIMask == 0
}

// schedule arms the deadline callback for vcpu, or injects immediately when
// the compare value has already elapsed.
func (t *Timer) schedule(vcpu int) {
	c := t.cpus[vcpu]

	now := t.clock.Counter()
	if c.cval < now {
		t.inject(vcpu)
		return
	}

	diff := c.cval - now
	// Split to keep the tick-to-duration conversion from overflowing;
	// deadlines past the duration range saturate.
	secs := diff / t.freq
	frac := diff % t.freq
	d := time.Duration(math.MaxInt64)
	if secs < uint64(d/time.Second) {
		d = time.Duration(secs)*time.Second +
			time.Duration(frac*uint64(time.Second)/t.freq)
	}
	c.callout.reset(d, func() { t.inject(vcpu) })
}

// remove cancels the callback for vcpu, waiting for an in-flight one, and
// withdraws the timer interrupt from the controller. Withdrawal happens
// regardless of whether the callback ran: the guest can mask the timer with
// IMASK instead of acknowledging the interrupt, which leaves it in a list
// register.
func (t *Timer) remove(vcpu int) {
	c := t.cpus[vcpu]

	c.callout.drain()
	if _, err := t.gic.Remove(vcpu, t.irq, false); err != nil {
		t.log.Warn("timer interrupt withdrawal failed", "vcpu", vcpu, "err", err)
	}
}

// ReadCTL returns the control register with ISTATUS computed from the
// current counter: the status bit reports the timer condition, not whether
// an interrupt was delivered.
func (t *Timer) ReadCTL(vcpu int) uint64 {
	c := t.cpus[vcpu]

	if c.cval < t.clock.Counter() {
		return c.ctl | CTLIStatus
	}
	return c.ctl &^ CTLIStatus
}

// WriteCTL stores the control register and reconciles the callback: a rising
// edge of the effective enable arms or fires the timer, a falling edge
// cancels it and withdraws the interrupt.
func (t *Timer) WriteCTL(vcpu int, val uint64) {
	c := t.cpus[vcpu]

	wasEnabled := enabled(c.ctl)
	nowEnabled := enabled(val)
	c.ctl = val

	switch {
	case !wasEnabled && nowEnabled:
		t.schedule(vcpu)
	case wasEnabled && !nowEnabled:
		t.remove(vcpu)
	}
}

// ReadCVAL returns the absolute compare value.
func (t *Timer) ReadCVAL(vcpu int) uint64 {
	return t.cpus[vcpu].cval
}

// WriteCVAL stores a new absolute deadline. If the timer is enabled the
// outstanding callback and injection are withdrawn and the timer re-armed
// against the new value.
func (t *Timer) WriteCVAL(vcpu int, val uint64) {
	c := t.cpus[vcpu]

	c.cval = val
	if enabled(c.ctl) {
		t.remove(vcpu)
		t.schedule(vcpu)
	}
}

// ReadTVAL returns the deadline as a 32-bit offset from the current counter.
// Reading while the timer is disabled is architecturally unknown; the
// maximum 32-bit value is returned, placing the apparent deadline far in
// the future.
func (t *Timer) ReadTVAL(vcpu int) uint64 {
	c := t.cpus[vcpu]

	if c.ctl&CTLEnable == 0 {
		return 0xffffffff
	}
	return uint64(uint32(c.cval - t.clock.Counter()))
}

// WriteTVAL sets the deadline to a signed 32-bit offset from the current
// counter, with the same reconciliation as WriteCVAL.
func (t *Timer) WriteTVAL(vcpu int, val uint64) {
	c := t.cpus[vcpu]

	c.cval = t.clock.Counter() + uint64(int64(int32(val)))
	if enabled(c.ctl) {
		t.remove(vcpu)
		t.schedule(vcpu)
	}
}

// Armed reports whether vcpu has a deadline callback scheduled.
func (t *Timer) Armed(vcpu int) bool {
	return t.cpus[vcpu].callout.armed()
}
