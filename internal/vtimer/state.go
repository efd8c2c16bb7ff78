package vtimer

import "fmt"

// CPUState is the serializable per-vCPU timer state.
type CPUState struct {
	CTL  uint64
	CVAL uint64
}

// SaveState copies the per-vCPU register state. Call with the vCPUs stopped.
func (t *Timer) SaveState() []CPUState {
	st := make([]CPUState, len(t.cpus))
	for i, c := range t.cpus {
		st[i] = CPUState{CTL: c.ctl, CVAL: c.cval}
	}
	return st
}

// RestoreState loads timer state saved by SaveState and re-arms every timer
// that was enabled, measuring the saved deadline against the current
// counter. Call with the vCPUs stopped.
func (t *Timer) RestoreState(st []CPUState) error {
	if len(st) != len(t.cpus) {
		return fmt.Errorf("state has %d vCPUs, timer has %d", len(st), len(t.cpus))
	}
	for i, c := range t.cpus {
		c.callout.drain()
		c.ctl = st[i].CTL
		c.cval = st[i].CVAL
		if enabled(c.ctl) {
			t.schedule(i)
		}
	}
	return nil
}
