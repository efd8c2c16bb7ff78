package vtimer

import (
	"sync"
	"time"
)

// callout is a single re-armable timer callback. At most one callback is
// outstanding; reset replaces any armed one, and drain cancels it and waits
// out an in-flight invocation. The callback must never call back into reset
// or drain.
type callout struct {
	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// reset arms the callout to invoke fn after d, replacing any armed callback.
func (c *callout) reset(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	done := make(chan struct{})
	c.done = done
	c.timer = time.AfterFunc(d, func() {
		defer close(done)
		fn()
	})
}

// drain cancels the armed callback. If the callback has already started it
// waits for it to finish, so that after drain returns no invocation is in
// flight.
func (c *callout) drain() {
	c.mu.Lock()
	timer, done := c.timer, c.done
	c.timer, c.done = nil, nil
	c.mu.Unlock()

	if timer == nil {
		return
	}
	if !timer.Stop() {
		<-done
	}
}

// armed reports whether a callback is currently scheduled and has not fired.
func (c *callout) armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
