package hv

import (
	"strings"
	"testing"
)

func TestAllocatePlacesRegionsAboveRAM(t *testing.T) {
	as := NewAddressSpace(0x4000_0000, 0x800_0000) // 128MiB at 1GiB

	a, err := as.Allocate(MMIOAllocationRequest{Name: "virtio-0", Size: 0x200})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if a.Base < as.RAMEnd() {
		t.Errorf("allocation at 0x%x overlaps RAM ending at 0x%x", a.Base, as.RAMEnd())
	}
	if a.Base%0x1000 != 0 {
		t.Errorf("allocation at 0x%x not page-aligned by default", a.Base)
	}
	if a.Size != 0x1000 {
		t.Errorf("size = 0x%x, want the request rounded to 0x1000", a.Size)
	}

	b, err := as.Allocate(MMIOAllocationRequest{Name: "virtio-1", Size: 0x1000})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if b.Base < a.Base+a.Size {
		t.Errorf("second allocation at 0x%x overlaps the first ending at 0x%x", b.Base, a.Base+a.Size)
	}

	if got := len(as.Allocations()); got != 2 {
		t.Errorf("Allocations() returned %d regions, want 2", got)
	}
}

func TestAllocateHonorsAlignment(t *testing.T) {
	as := NewAddressSpace(0x4000_0000, 0x100_0000)

	a, err := as.Allocate(MMIOAllocationRequest{Name: "frame", Size: 0x8000, Alignment: 0x1_0000})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if a.Base%0x1_0000 != 0 {
		t.Errorf("allocation at 0x%x not 64KiB aligned", a.Base)
	}
	if a.Size != 0x1_0000 {
		t.Errorf("size = 0x%x, want rounded to the alignment", a.Size)
	}
}

func TestAllocateRejectsBadRequests(t *testing.T) {
	as := NewAddressSpace(0x4000_0000, 0x100_0000)

	if _, err := as.Allocate(MMIOAllocationRequest{Name: "empty"}); err == nil {
		t.Error("expected error for a zero-size request")
	}
	if _, err := as.Allocate(MMIOAllocationRequest{Name: "odd", Size: 0x100, Alignment: 0x300}); err == nil {
		t.Error("expected error for a non-power-of-2 alignment")
	}
}

func TestRegisterFixedOverlapChecks(t *testing.T) {
	as := NewAddressSpace(0x4000_0000, 0x800_0000)

	if err := as.RegisterFixed("distributor", 0x0800_0000, 0x1_0000); err != nil {
		t.Fatalf("RegisterFixed failed: %v", err)
	}

	err := as.RegisterFixed("clash", 0x0800_8000, 0x1_0000)
	if err == nil || !strings.Contains(err.Error(), "overlaps distributor") {
		t.Errorf("expected overlap with the distributor, got %v", err)
	}

	err = as.RegisterFixed("in-ram", 0x4000_1000, 0x1000)
	if err == nil || !strings.Contains(err.Error(), "overlaps RAM") {
		t.Errorf("expected overlap with RAM, got %v", err)
	}

	if err := as.RegisterFixed("uart", 0x0900_0000, 0x1000); err != nil {
		t.Fatalf("RegisterFixed failed: %v", err)
	}
	if got := len(as.FixedRegions()); got != 2 {
		t.Errorf("FixedRegions() returned %d regions, want 2", got)
	}
}

func TestRAMAccessors(t *testing.T) {
	as := NewAddressSpace(0x4000_0000, 0x800_0000)
	if as.RAMBase() != 0x4000_0000 || as.RAMSize() != 0x800_0000 || as.RAMEnd() != 0x4800_0000 {
		t.Errorf("RAM = [0x%x, 0x%x) size 0x%x", as.RAMBase(), as.RAMEnd(), as.RAMSize())
	}
}
