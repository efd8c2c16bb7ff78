package chipset

import (
	"sync"
	"testing"

	"github.com/elena19m/armvmm/internal/vgic"
)

type sinkEvent struct {
	irq    uint32
	class  vgic.Class
	assert bool
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (f *fakeSink) AssertIRQ(irq uint32, class vgic.Class) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sinkEvent{irq: irq, class: class, assert: true})
	return nil
}

func (f *fakeSink) DeassertIRQ(irq uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sinkEvent{irq: irq})
	return nil
}

func (f *fakeSink) log(t *testing.T) []sinkEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sinkEvent(nil), f.events...)
}

func TestLineSetLevelEdges(t *testing.T) {
	sink := &fakeSink{}
	lines := NewLineSet(sink, nil)
	line := lines.AllocateLine(33, vgic.ClassMisc)

	line.SetLevel(true)
	line.SetLevel(true) // no edge, no event
	line.SetLevel(false)
	line.SetLevel(false)

	want := []sinkEvent{
		{irq: 33, class: vgic.ClassMisc, assert: true},
		{irq: 33},
	}
	got := sink.log(t)
	if len(got) != len(want) {
		t.Fatalf("sink saw %d events, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLineSetPulseAssertsOnly(t *testing.T) {
	sink := &fakeSink{}
	lines := NewLineSet(sink, nil)
	line := lines.AllocateLine(40, vgic.ClassVirtio)

	line.PulseInterrupt()
	line.PulseInterrupt()

	got := sink.log(t)
	if len(got) != 2 {
		t.Fatalf("sink saw %d events, want 2", len(got))
	}
	for i, ev := range got {
		if !ev.assert || ev.irq != 40 || ev.class != vgic.ClassVirtio {
			t.Errorf("event %d = %+v, want an assertion of irq 40", i, ev)
		}
	}
}

func TestLineSetSharedLineState(t *testing.T) {
	sink := &fakeSink{}
	lines := NewLineSet(sink, nil)
	a := lines.AllocateLine(35, vgic.ClassMisc)
	b := lines.AllocateLine(35, vgic.ClassMisc)

	a.SetLevel(true)
	b.SetLevel(true) // already high through the other handle

	if got := sink.log(t); len(got) != 1 {
		t.Errorf("sink saw %d events, want the single rising edge", len(got))
	}
}

func TestLineSetNilSink(t *testing.T) {
	lines := NewLineSet(nil, nil)
	line := lines.AllocateLine(33, vgic.ClassMisc)

	// Must not panic.
	line.SetLevel(true)
	line.PulseInterrupt()
	line.SetLevel(false)
}

func TestLineInterruptFromFunc(t *testing.T) {
	var levels []bool
	line := LineInterruptFromFunc(func(high bool) { levels = append(levels, high) })

	line.SetLevel(true)
	line.PulseInterrupt()

	want := []bool{true, true, false}
	if len(levels) != len(want) {
		t.Fatalf("recorded %v, want %v", levels, want)
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Fatalf("recorded %v, want %v", levels, want)
		}
	}
}
