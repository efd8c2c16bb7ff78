package vmm

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Config describes one guest VM. The zero value is usable after
// setDefaults; Load fills it from a YAML document.
type Config struct {
	CPUs       int    `yaml:"cpus"`
	MemoryBase uint64 `yaml:"memory_base"`
	MemorySize uint64 `yaml:"memory_size"`

	// GIC frame placement in guest-physical space.
	DistBase   uint64 `yaml:"gic_dist_base"`
	DistSize   uint64 `yaml:"gic_dist_size"`
	RedistBase uint64 `yaml:"gic_redist_base"`

	// TimerIRQ is the PPI the virtual timer asserts.
	TimerIRQ uint32 `yaml:"timer_irq"`
	// CounterFrequency overrides the host counter frequency when non-zero.
	CounterFrequency uint64 `yaml:"counter_frequency"`
}

const (
	defaultMemoryBase = 0x4000_0000
	defaultMemorySize = 128 << 20
	defaultDistBase   = 0x0800_0000
	defaultDistSize   = 0x1_0000
	defaultRedistBase = 0x080a_0000
	defaultTimerIRQ   = 27
)

func (c *Config) setDefaults() {
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.MemoryBase == 0 {
		c.MemoryBase = defaultMemoryBase
	}
	if c.MemorySize == 0 {
		c.MemorySize = defaultMemorySize
	}
	if c.DistBase == 0 {
		c.DistBase = defaultDistBase
	}
	if c.DistSize == 0 {
		c.DistSize = defaultDistSize
	}
	if c.RedistBase == 0 {
		c.RedistBase = defaultRedistBase
	}
	if c.TimerIRQ == 0 {
		c.TimerIRQ = defaultTimerIRQ
	}
}

// redistSize is the size of the redistributor region, two 64KiB frames per
// vCPU.
func (c *Config) redistSize() uint64 {
	return uint64(c.CPUs) * 0x2_0000
}

func (c *Config) validate() error {
	if c.CPUs < 1 {
		return fmt.Errorf("invalid vCPU count %d", c.CPUs)
	}
	if c.MemorySize%pageSize != 0 {
		return fmt.Errorf("memory size 0x%x is not page-aligned", c.MemorySize)
	}
	if c.TimerIRQ < 16 || c.TimerIRQ > 31 {
		return fmt.Errorf("timer irq %d is not a private interrupt", c.TimerIRQ)
	}
	distEnd := c.DistBase + c.DistSize
	if c.RedistBase < distEnd && c.DistBase < c.RedistBase+c.redistSize() {
		return fmt.Errorf("distributor and redistributor regions overlap")
	}
	return nil
}

// LoadConfig reads a YAML VM description, applies defaults and validates it.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("parsing VM config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
