package chipset

import (
	"log/slog"
	"sync"

	"github.com/elena19m/armvmm/internal/vgic"
)

// InterruptSink receives interrupt assertions by INTID. The virtual machine
// satisfies this interface: assertions are routed through the distributor's
// affinity configuration and withdrawals reach every vCPU.
type InterruptSink interface {
	AssertIRQ(irq uint32, class vgic.Class) error
	DeassertIRQ(irq uint32) error
}

// LineSet hands out interrupt lines backed by a shared sink. Each line is
// one INTID; level semantics assert on the rising edge and withdraw on the
// falling edge, so a device holding its line high keeps the interrupt
// buffered until the guest services it.
type LineSet struct {
	mu sync.Mutex

	sink InterruptSink
	log  *slog.Logger

	lines map[uint32]*lineState
}

type lineState struct {
	class vgic.Class
	level bool
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink, log *slog.Logger) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &LineSet{
		sink:  sink,
		log:   log,
		lines: make(map[uint32]*lineState),
	}
}

// AllocateLine returns a LineInterrupt handle for the given INTID. The class
// orders the interrupt against others of equal priority under list-register
// pressure.
func (l *LineSet) AllocateLine(irq uint32, class vgic.Class) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{class: class}
	}
	return &lineHandle{owner: l, irq: irq}
}

type lineHandle struct {
	owner *LineSet
	irq   uint32
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.irq)
}

func (l *LineSet) setLevel(irq uint32, high bool) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{class: vgic.ClassMisc}
		l.lines[irq] = state
	}
	changed := state.level != high
	state.level = high
	class := state.class
	l.mu.Unlock()

	if !changed {
		return
	}
	if high {
		if err := l.sink.AssertIRQ(irq, class); err != nil {
			l.log.Warn("interrupt assertion dropped", "irq", irq, "err", err)
		}
		return
	}
	if err := l.sink.DeassertIRQ(irq); err != nil {
		l.log.Warn("interrupt withdrawal failed", "irq", irq, "err", err)
	}
}

// pulse asserts without a matching withdrawal. The interrupt stays buffered
// until the guest takes it.
func (l *LineSet) pulse(irq uint32) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{class: vgic.ClassMisc}
		l.lines[irq] = state
	}
	class := state.class
	l.mu.Unlock()

	if err := l.sink.AssertIRQ(irq, class); err != nil {
		l.log.Warn("interrupt assertion dropped", "irq", irq, "err", err)
	}
}

type noopInterruptSink struct{}

func (noopInterruptSink) AssertIRQ(uint32, vgic.Class) error { return nil }
func (noopInterruptSink) DeassertIRQ(uint32) error           { return nil }
