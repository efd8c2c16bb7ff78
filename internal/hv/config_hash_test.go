package hv

import "testing"

func TestConfigHashDeterministic(t *testing.T) {
	devices := []DeviceConfig{
		{ID: "distributor", Base: 0x0800_0000, Size: 0x1_0000},
		{ID: "timer", IRQLine: 27},
	}

	a := ComputeConfigHash(0x4000_0000, 128<<20, 2, devices)
	b := ComputeConfigHash(0x4000_0000, 128<<20, 2, devices)
	if a != b {
		t.Error("identical configurations produced different hashes")
	}
}

func TestConfigHashSensitivity(t *testing.T) {
	base := func() (uint64, uint64, int, []DeviceConfig) {
		return 0x4000_0000, 128 << 20, 2, []DeviceConfig{{ID: "timer", IRQLine: 27}}
	}

	mb, ms, cpus, devs := base()
	ref := ComputeConfigHash(mb, ms, cpus, devs)

	if got := ComputeConfigHash(mb+0x1000, ms, cpus, devs); got == ref {
		t.Error("memory base change not reflected in the hash")
	}
	if got := ComputeConfigHash(mb, ms*2, cpus, devs); got == ref {
		t.Error("memory size change not reflected in the hash")
	}
	if got := ComputeConfigHash(mb, ms, cpus+1, devs); got == ref {
		t.Error("CPU count change not reflected in the hash")
	}
	if got := ComputeConfigHash(mb, ms, cpus, []DeviceConfig{{ID: "timer", IRQLine: 30}}); got == ref {
		t.Error("device interrupt change not reflected in the hash")
	}
	if got := ComputeConfigHash(mb, ms, cpus, nil); got == ref {
		t.Error("device removal not reflected in the hash")
	}
}

func TestConfigHashString(t *testing.T) {
	h := ComputeConfigHash(0, 0, 0, nil)
	s := h.String()
	if len(s) != 64 {
		t.Fatalf("hash string length = %d, want 64", len(s))
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("hash string %q contains non-hex character %q", s, c)
		}
	}
}
