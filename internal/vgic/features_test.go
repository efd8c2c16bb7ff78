package vgic

import "testing"

func vtr(lrs, prebits, pribits int) uint64 {
	return uint64(lrs-1) | uint64(prebits-1)<<26 | uint64(pribits-1)<<29
}

func TestDetectFeatures(t *testing.T) {
	tests := []struct {
		name string
		vtr  uint64
		want Features
	}{
		{"typical", vtr(4, 5, 5), Features{MinPriority: 0xf8, NumListRegs: 4, NumAP0R: 1, NumAP1R: 1}},
		{"full width", vtr(16, 7, 8), Features{MinPriority: 0xff, NumListRegs: 16, NumAP0R: 4, NumAP1R: 4}},
		{"six bits", vtr(8, 6, 6), Features{MinPriority: 0xfc, NumListRegs: 8, NumAP0R: 2, NumAP1R: 2}},
		{"seven priority bits", vtr(4, 5, 7), Features{MinPriority: 0xfe, NumListRegs: 4, NumAP0R: 1, NumAP1R: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFeatures(tt.vtr)
			if err != nil {
				t.Fatalf("DetectFeatures(0x%x) failed: %v", tt.vtr, err)
			}
			if got != tt.want {
				t.Errorf("DetectFeatures(0x%x) = %+v, want %+v", tt.vtr, got, tt.want)
			}
		})
	}
}

func TestDetectFeaturesRejectsUnsupported(t *testing.T) {
	tests := []struct {
		name string
		vtr  uint64
	}{
		{"too few priority bits", vtr(4, 5, 4)},
		{"too few preemption bits", vtr(4, 4, 5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DetectFeatures(tt.vtr); err == nil {
				t.Errorf("DetectFeatures(0x%x) accepted an unsupported layout", tt.vtr)
			}
		})
	}
}
