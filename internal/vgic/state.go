package vgic

import "fmt"

// DistState is the serializable distributor register file. Read-only
// identification registers are rebuilt from host capabilities and are not
// part of the state.
type DistState struct {
	CTLR       uint32
	IGroupR    []uint32
	IEnableR   []uint32
	IPriorityR []uint8
	ICfgR      []uint32
	IRouter    []uint64
}

// RedistState is the serializable per-vCPU redistributor register file.
type RedistState struct {
	CTLR       uint32
	Waker      uint32
	IGroupR0   uint32
	IEnableR0  uint32
	IPriorityR [lastPPI + 1]uint8
	ICfgR0     uint32
	ICfgR1     uint32
}

// BufferedIRQ is one buffered interrupt in serialized form.
type BufferedIRQ struct {
	IRQ      uint32
	Class    Class
	Group    uint8
	Enabled  bool
	Priority uint8
}

// CPUState is the serializable per-vCPU interface state.
type CPUState struct {
	Redist   RedistState
	HCR      uint64
	VMCR     uint64
	LR       []uint64
	AP0R     [4]uint32
	AP1R     [4]uint32
	Buffered []BufferedIRQ
}

// State captures the complete mutable controller state for a snapshot.
type State struct {
	Dist DistState
	CPUs []CPUState
}

// SaveState copies the mutable controller state. Safe to call while vCPUs
// are stopped; calling it concurrently with running vCPUs captures a
// consistent but arbitrary interleaving.
func (g *GIC) SaveState() *State {
	g.dist.mu.Lock()
	st := &State{
		Dist: DistState{
			CTLR:       g.dist.ctlr,
			IGroupR:    append([]uint32(nil), g.dist.igroupr...),
			IEnableR:   append([]uint32(nil), g.dist.ienabler...),
			IPriorityR: append([]uint8(nil), g.dist.ipriority...),
			ICfgR:      append([]uint32(nil), g.dist.icfgr...),
			IRouter:    append([]uint64(nil), g.dist.irouter...),
		},
	}
	g.dist.mu.Unlock()

	st.CPUs = make([]CPUState, len(g.cpus))
	for i, c := range g.cpus {
		c.mu.Lock()
		cs := &st.CPUs[i]
		cs.Redist = RedistState{
			CTLR:       c.redist.ctlr,
			Waker:      c.redist.waker,
			IGroupR0:   c.redist.igroupr0,
			IEnableR0:  c.redist.ienabler0,
			IPriorityR: c.redist.ipriority,
			ICfgR0:     c.redist.icfgr0,
			ICfgR1:     c.redist.icfgr1,
		}
		cs.HCR = c.hcr
		cs.VMCR = c.vmcr
		cs.LR = make([]uint64, len(c.lr))
		for j := range c.lr {
			cs.LR[j] = c.lr[j].Encode()
		}
		cs.AP0R = c.ap0r
		cs.AP1R = c.ap1r
		cs.Buffered = make([]BufferedIRQ, len(c.irqbuf))
		for j, vip := range c.irqbuf {
			cs.Buffered[j] = BufferedIRQ{
				IRQ:      vip.irq,
				Class:    vip.class,
				Group:    vip.group,
				Enabled:  vip.enabled,
				Priority: vip.priority,
			}
		}
		c.mu.Unlock()
	}

	return st
}

// RestoreState loads controller state saved by SaveState. The controller
// must have been built with the same host features and vCPU count.
func (g *GIC) RestoreState(st *State) error {
	if len(st.CPUs) != len(g.cpus) {
		return fmt.Errorf("state has %d vCPUs, controller has %d", len(st.CPUs), len(g.cpus))
	}
	if len(st.Dist.IPriorityR) != int(g.dist.nirqs) {
		return fmt.Errorf("state covers %d interrupt ids, controller supports %d",
			len(st.Dist.IPriorityR), g.dist.nirqs)
	}

	g.dist.mu.Lock()
	g.dist.ctlr = st.Dist.CTLR
	copy(g.dist.igroupr, st.Dist.IGroupR)
	copy(g.dist.ienabler, st.Dist.IEnableR)
	copy(g.dist.ipriority, st.Dist.IPriorityR)
	copy(g.dist.icfgr, st.Dist.ICfgR)
	copy(g.dist.irouter, st.Dist.IRouter)
	g.dist.mu.Unlock()

	for i, c := range g.cpus {
		cs := &st.CPUs[i]
		if len(cs.LR) != len(c.lr) {
			return fmt.Errorf("vCPU %d state has %d list registers, controller has %d",
				i, len(cs.LR), len(c.lr))
		}

		c.mu.Lock()
		c.redist.ctlr = cs.Redist.CTLR
		c.redist.waker = cs.Redist.Waker
		c.redist.igroupr0 = cs.Redist.IGroupR0
		c.redist.ienabler0 = cs.Redist.IEnableR0
		c.redist.ipriority = cs.Redist.IPriorityR
		c.redist.icfgr0 = cs.Redist.ICfgR0
		c.redist.icfgr1 = cs.Redist.ICfgR1
		c.hcr = cs.HCR
		c.vmcr = cs.VMCR
		for j := range c.lr {
			c.lr[j] = DecodeListRegister(cs.LR[j])
		}
		c.ap0r = cs.AP0R
		c.ap1r = cs.AP1R
		c.irqbuf = c.irqbuf[:0]
		for _, b := range cs.Buffered {
			vip := c.irqbufAdd()
			if vip == nil {
				c.mu.Unlock()
				return fmt.Errorf("vCPU %d buffered interrupt overflow", i)
			}
			*vip = bufferedIRQ{
				irq:      b.IRQ,
				class:    b.Class,
				group:    b.Group,
				enabled:  b.Enabled,
				priority: b.Priority,
			}
		}
		c.mu.Unlock()
	}

	return nil
}
