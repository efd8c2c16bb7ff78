package vmm

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/elena19m/armvmm/internal/vgic"
)

func TestSnapshotRoundTrip(t *testing.T) {
	vm, _ := newTestVM(t)

	// Dirty every layer of state.
	if _, err := vm.WriteAt([]byte("guest image"), defaultMemoryBase+0x2000); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	v := vm.VCPU(0)
	v.SetEntry(defaultMemoryBase + 0x2000)
	v.ctx.X[0] = 0x1234
	v.ctx.SP = defaultMemoryBase + 0x8000
	if err := vm.AssertIRQ(40, vgic.ClassMisc); err != nil {
		t.Fatalf("AssertIRQ failed: %v", err)
	}
	vm.Timer().WriteCVAL(0, 0xdead_0000)

	path := filepath.Join(t.TempDir(), "vm.snap")
	if err := vm.SaveSnapshot(path); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	other, _ := newTestVM(t)
	if err := other.LoadSnapshot(path); err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}

	if diff := cmp.Diff(v.ctx, other.VCPU(0).ctx); diff != "" {
		t.Errorf("vCPU context mismatch (-saved +restored):\n%s", diff)
	}

	mem := make([]byte, 11)
	if _, err := other.ReadAt(mem, defaultMemoryBase+0x2000); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(mem) != "guest image" {
		t.Errorf("restored memory = %q, want %q", mem, "guest image")
	}

	if got := other.GIC().PendingCount(0); got != 1 {
		t.Errorf("restored PendingCount = %d, want the buffered interrupt", got)
	}
	if got := other.Timer().ReadCVAL(0); got != 0xdead_0000 {
		t.Errorf("restored timer CVAL = 0x%x, want 0xdead0000", got)
	}
}

func TestSnapshotRejectsDifferentLayout(t *testing.T) {
	vm, _ := newTestVM(t)

	path := filepath.Join(t.TempDir(), "vm.snap")
	if err := vm.SaveSnapshot(path); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	tramp := &fakeTrampoline{caps: testCaps()}
	host, err := NewHost(tramp, nil, nil)
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	other, err := NewVM(host, Config{CPUs: 2, MemorySize: 1 << 20})
	if err != nil {
		t.Fatalf("NewVM failed: %v", err)
	}
	defer other.Close()

	err = other.LoadSnapshot(path)
	if err == nil || !strings.Contains(err.Error(), "configuration mismatch") {
		t.Errorf("expected configuration mismatch, got %v", err)
	}
}

func TestSnapshotRejectsMissingFile(t *testing.T) {
	vm, _ := newTestVM(t)
	if err := vm.LoadSnapshot(filepath.Join(t.TempDir(), "absent.snap")); err == nil {
		t.Error("expected error loading a nonexistent snapshot")
	}
}
