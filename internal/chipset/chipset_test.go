package chipset

import (
	"context"
	"strings"
	"testing"

	"github.com/elena19m/armvmm/internal/hv"
)

// testDevice is a minimal ChipsetDevice with an optional MMIO window and
// poll hook, recording lifecycle transitions.
type testDevice struct {
	regions []hv.MMIORegion

	started, stopped, resets int
	polled                   int

	reads, writes []uint64
}

func (d *testDevice) Start() error { d.started++; return nil }
func (d *testDevice) Stop() error  { d.stopped++; return nil }
func (d *testDevice) Reset() error { d.resets++; return nil }

func (d *testDevice) SupportsMmio() *MmioIntercept {
	if len(d.regions) == 0 {
		return nil
	}
	return &MmioIntercept{Regions: d.regions, Handler: d}
}

func (d *testDevice) SupportsPollDevice() *PollDevice {
	return &PollDevice{Handler: d}
}

func (d *testDevice) ReadMMIO(addr uint64, data []byte) error {
	d.reads = append(d.reads, addr)
	return nil
}

func (d *testDevice) WriteMMIO(addr uint64, data []byte) error {
	d.writes = append(d.writes, addr)
	return nil
}

func (d *testDevice) Poll(ctx context.Context) error {
	d.polled++
	return nil
}

func TestBuilderRejectsDuplicateName(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("uart", &testDevice{}); err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}
	if err := b.RegisterDevice("uart", &testDevice{}); err == nil {
		t.Error("expected error registering the same name twice")
	}
}

func TestBuilderRejectsOverlappingRegions(t *testing.T) {
	b := NewBuilder()
	dev := &testDevice{regions: []hv.MMIORegion{{Address: 0x0900_0000, Size: 0x1000}}}
	if err := b.RegisterDevice("uart", dev); err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}

	clash := &testDevice{regions: []hv.MMIORegion{{Address: 0x0900_0800, Size: 0x1000}}}
	err := b.RegisterDevice("rtc", clash)
	if err == nil || !strings.Contains(err.Error(), "overlaps") {
		t.Errorf("expected overlap error, got %v", err)
	}
}

func TestBuilderRejectsBadRegions(t *testing.T) {
	b := NewBuilder()
	if err := b.WithMmioRegion(0x1000, 0, &testDevice{}); err == nil {
		t.Error("expected error for a zero-size region")
	}
	if err := b.WithMmioRegion(^uint64(0)-0xff, 0x1000, &testDevice{}); err == nil {
		t.Error("expected error for a region wrapping the address space")
	}
	if err := b.WithMmioRegion(0x1000, 0x1000, nil); err == nil {
		t.Error("expected error for a nil handler")
	}
}

func TestChipsetDispatchesMMIO(t *testing.T) {
	uart := &testDevice{regions: []hv.MMIORegion{{Address: 0x0900_0000, Size: 0x1000}}}
	rtc := &testDevice{regions: []hv.MMIORegion{{Address: 0x0901_0000, Size: 0x1000}}}

	b := NewBuilder()
	if err := b.RegisterDevice("uart", uart); err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}
	if err := b.RegisterDevice("rtc", rtc); err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	var data [4]byte
	if err := cs.ReadMMIO(0x0900_0004, data[:]); err != nil {
		t.Fatalf("ReadMMIO failed: %v", err)
	}
	if err := cs.WriteMMIO(0x0901_0008, data[:]); err != nil {
		t.Fatalf("WriteMMIO failed: %v", err)
	}

	if len(uart.reads) != 1 || uart.reads[0] != 0x0900_0004 {
		t.Errorf("uart reads = %v, want [0x9000004]", uart.reads)
	}
	if len(rtc.writes) != 1 || rtc.writes[0] != 0x0901_0008 {
		t.Errorf("rtc writes = %v, want [0x9010008]", rtc.writes)
	}

	if err := cs.ReadMMIO(0x0a00_0000, data[:]); err == nil {
		t.Error("expected error for an unclaimed address")
	}
	// An access straddling the end of a region is refused, not split.
	if err := cs.ReadMMIO(0x0900_0ffe, data[:]); err == nil {
		t.Error("expected error for an access crossing the region end")
	}

	if got := len(cs.MMIORegions()); got != 2 {
		t.Errorf("MMIORegions() returned %d regions, want 2", got)
	}
}

func TestChipsetLifecycleAndPoll(t *testing.T) {
	uart := &testDevice{}
	b := NewBuilder()
	if err := b.RegisterDevice("uart", uart); err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if err := cs.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := cs.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if err := cs.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if err := cs.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if uart.started != 1 || uart.stopped != 1 || uart.resets != 1 || uart.polled != 1 {
		t.Errorf("lifecycle counts = %+v", uart)
	}
}
