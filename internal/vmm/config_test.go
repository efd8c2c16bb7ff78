package vmm

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	want := Config{
		CPUs:       1,
		MemoryBase: defaultMemoryBase,
		MemorySize: defaultMemorySize,
		DistBase:   defaultDistBase,
		DistSize:   defaultDistSize,
		RedistBase: defaultRedistBase,
		TimerIRQ:   defaultTimerIRQ,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigParsesFields(t *testing.T) {
	doc := `
cpus: 4
memory_base: 0x40000000
memory_size: 0x10000000
timer_irq: 30
counter_frequency: 24000000
`
	cfg, err := LoadConfig(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.CPUs != 4 || cfg.MemorySize != 0x1000_0000 {
		t.Errorf("cpus=%d memory_size=0x%x, want 4 and 0x10000000", cfg.CPUs, cfg.MemorySize)
	}
	if cfg.TimerIRQ != 30 || cfg.CounterFrequency != 24_000_000 {
		t.Errorf("timer_irq=%d counter_frequency=%d", cfg.TimerIRQ, cfg.CounterFrequency)
	}
	if cfg.DistBase != defaultDistBase {
		t.Errorf("gic_dist_base = 0x%x, want the default", cfg.DistBase)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	if _, err := LoadConfig(strings.NewReader("cores: 4\n")); err == nil {
		t.Error("expected error for an unknown configuration key")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"negative cpus", "cpus: -1\n"},
		{"unaligned memory", "memory_size: 0x1001\n"},
		{"timer irq not a PPI", "timer_irq: 40\n"},
		{"gic regions overlap", "gic_dist_base: 0x08000000\ngic_dist_size: 0x100000\ngic_redist_base: 0x080a0000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(strings.NewReader(tt.doc)); err == nil {
				t.Errorf("config %q validated", tt.doc)
			}
		})
	}
}
