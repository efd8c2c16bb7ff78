package hv

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrVMHalted    = errors.New("virtual machine halted")
	ErrUnsupported = errors.New("hardware virtualization unsupported on this platform")
)

// Register identifies one guest register that can be read or written by id.
type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterX0
	RegisterX1
	RegisterX2
	RegisterX3
	RegisterX4
	RegisterX5
	RegisterX6
	RegisterX7
	RegisterX8
	RegisterX9
	RegisterX10
	RegisterX11
	RegisterX12
	RegisterX13
	RegisterX14
	RegisterX15
	RegisterX16
	RegisterX17
	RegisterX18
	RegisterX19
	RegisterX20
	RegisterX21
	RegisterX22
	RegisterX23
	RegisterX24
	RegisterX25
	RegisterX26
	RegisterX27
	RegisterX28
	RegisterX29
	RegisterLR
	RegisterSP
	RegisterELR
	RegisterSPSR
	RegisterELREL2

	// RegisterXZR reads as zero and discards writes. It is produced when an
	// instruction syndrome names transfer register 31.
	RegisterXZR
)

func (r Register) String() string {
	switch {
	case r >= RegisterX0 && r <= RegisterX29:
		return fmt.Sprintf("X%d", r-RegisterX0)
	case r == RegisterLR:
		return "LR"
	case r == RegisterSP:
		return "SP"
	case r == RegisterELR:
		return "ELR"
	case r == RegisterSPSR:
		return "SPSR"
	case r == RegisterELREL2:
		return "ELR_EL2"
	case r == RegisterXZR:
		return "XZR"
	default:
		return fmt.Sprintf("Register(%d)", uint64(r))
	}
}

// RegisterFromIndex maps a register index from a trap syndrome to a Register.
// Indices 0-29 are the general-purpose registers, 30 the link register and 31
// the zero register (the encoding used by instruction syndromes).
func RegisterFromIndex(idx uint32) (Register, bool) {
	switch {
	case idx < 30:
		return RegisterX0 + Register(idx), true
	case idx == 30:
		return RegisterLR, true
	case idx == 31:
		return RegisterXZR, true
	default:
		return RegisterInvalid, false
	}
}

// CPUContext is the architectural state of one vCPU that crosses the world
// switch. The trampoline consumes the register file and control registers on
// guest entry and fills in the trap fields on exit.
type CPUContext struct {
	X    [30]uint64
	LR   uint64
	SP   uint64
	ELR  uint64
	SPSR uint64

	// ELREL2 is the hypervisor's shadow of the guest program counter. The
	// world-switch loop advances it past a trapped instruction on resume.
	ELREL2 uint64

	// EL1/EL2 control state, written once at vCPU initialization.
	HCR     uint64
	VMPIDR  uint64
	VPIDR   uint64
	CPTR    uint64
	SCTLR   uint64
	MAIR    uint64
	CPACR   uint64
	VTTBR   uint64
	CNTHCTL uint64

	// Trap state, valid after EnterGuest returns.
	ESR   uint64
	FAR   uint64
	HPFAR uint64

	// GIC is the hardware-mirrored interrupt-controller state loaded into
	// the ICH registers on entry and stored back on exit.
	GIC GICState
}

// GICState is the per-vCPU slice of GIC CPU-interface hardware state that
// crosses the world switch.
type GICState struct {
	HCR   uint64
	VMCR  uint64
	LR    [16]uint64
	NumLR int
	AP0R  [4]uint32
	AP1R  [4]uint32
}

var errRegisterInvalid = errors.New("invalid register")

// Reg returns the value of register r.
func (c *CPUContext) Reg(r Register) (uint64, error) {
	switch {
	case r >= RegisterX0 && r <= RegisterX29:
		return c.X[r-RegisterX0], nil
	case r == RegisterLR:
		return c.LR, nil
	case r == RegisterSP:
		return c.SP, nil
	case r == RegisterELR:
		return c.ELR, nil
	case r == RegisterSPSR:
		return c.SPSR, nil
	case r == RegisterELREL2:
		return c.ELREL2, nil
	case r == RegisterXZR:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %s", errRegisterInvalid, r)
	}
}

// SetReg sets register r to val. Writes to the zero register are discarded.
func (c *CPUContext) SetReg(r Register, val uint64) error {
	switch {
	case r >= RegisterX0 && r <= RegisterX29:
		c.X[r-RegisterX0] = val
	case r == RegisterLR:
		c.LR = val
	case r == RegisterSP:
		c.SP = val
	case r == RegisterELR:
		c.ELR = val
	case r == RegisterSPSR:
		c.SPSR = val
	case r == RegisterELREL2:
		c.ELREL2 = val
	case r == RegisterXZR:
		// Discarded.
	default:
		return fmt.Errorf("%w: %s", errRegisterInvalid, r)
	}
	return nil
}

// TrapReason is the raw exception category reported by the trampoline after a
// world switch.
type TrapReason int

const (
	TrapEL1Sync TrapReason = iota
	TrapEL1IRQ
	TrapEL1FIQ
	TrapEL1Error
	TrapEL2Sync
	TrapEL2IRQ
	TrapEL2FIQ
	TrapEL2Error
)

func (t TrapReason) String() string {
	switch t {
	case TrapEL1Sync:
		return "el1_sync"
	case TrapEL1IRQ:
		return "el1_irq"
	case TrapEL1FIQ:
		return "el1_fiq"
	case TrapEL1Error:
		return "el1_error"
	case TrapEL2Sync:
		return "el2_sync"
	case TrapEL2IRQ:
		return "el2_irq"
	case TrapEL2FIQ:
		return "el2_fiq"
	case TrapEL2Error:
		return "el2_error"
	default:
		return fmt.Sprintf("trap(%d)", int(t))
	}
}

// Capability names a hardware register the trampoline can read once at host
// initialization.
type Capability int

const (
	CapabilityICHVTR Capability = iota
	CapabilityGICDTyper
	CapabilityGICDPIDR2
	CapabilityGICDICFGR0
	CapabilityCNTHCTL
	CapabilityCounterFrequency
)

// Trampoline is the narrow interface to the EL2 world-switch code. EnterGuest
// blocks until the guest traps; it is the only suspension point of the
// world-switch loop. Implementations must be safe for concurrent use by
// multiple vCPU threads.
type Trampoline interface {
	EnterGuest(ctx context.Context, cpu *CPUContext) (TrapReason, error)
	ReadCapability(cap Capability) (uint64, error)
}

// MMIORegion describes one guest-physical address range claimed by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) Contains(addr uint64) bool {
	return addr >= r.Address && addr < r.Address+r.Size
}

// MemoryMappedIODevice is an emulated device reachable through stage-2
// translation faults.
type MemoryMappedIODevice interface {
	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}

var _ MemoryMappedIODevice = SimpleMMIODevice{}
