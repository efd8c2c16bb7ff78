package hv

import "fmt"

// ExitKind discriminates the payload of an Exit.
type ExitKind int

const (
	// ExitBogus is a trap this layer does not own or could not decode. The
	// caller decides whether to terminate the guest.
	ExitBogus ExitKind = iota
	// ExitInstEmul is a stage-2 translation fault on an emulated MMIO
	// region, decoded into a memory access request.
	ExitInstEmul
	// ExitRegEmul is a trapped system-register access.
	ExitRegEmul
)

func (k ExitKind) String() string {
	switch k {
	case ExitBogus:
		return "bogus"
	case ExitInstEmul:
		return "inst_emul"
	case ExitRegEmul:
		return "reg_emul"
	default:
		return fmt.Sprintf("exit(%d)", int(k))
	}
}

// RawTrap carries the undecoded trap state. It is populated on every exit.
type RawTrap struct {
	Reason TrapReason
	ESR    uint64
	FAR    uint64
	HPFAR  uint64
	PC     uint64
}

// InstEmul describes a decoded MMIO access awaiting emulation.
type InstEmul struct {
	GPA        uint64
	Write      bool
	Register   Register
	AccessSize uint8
	SignExtend bool
}

// RegEmul describes a trapped MSR/MRS access awaiting emulation.
type RegEmul struct {
	Write    bool
	Register Register
	// ISS is the raw instruction-specific syndrome, including the system
	// register encoding.
	ISS uint32
}

// Exit is the descriptor returned to the VM lifecycle driver when the
// world-switch loop cannot make further progress internally. Exactly one of
// Inst and Reg is populated, selected by Kind; Raw is always valid.
type Exit struct {
	Kind ExitKind
	Raw  RawTrap

	Inst *InstEmul
	Reg  *RegEmul
}

func (e *Exit) String() string {
	switch e.Kind {
	case ExitInstEmul:
		dir := "read"
		if e.Inst.Write {
			dir = "write"
		}
		return fmt.Sprintf("inst_emul %s gpa=0x%x size=%d reg=%s",
			dir, e.Inst.GPA, e.Inst.AccessSize, e.Inst.Register)
	case ExitRegEmul:
		dir := "read"
		if e.Reg.Write {
			dir = "write"
		}
		return fmt.Sprintf("reg_emul %s iss=0x%x reg=%s", dir, e.Reg.ISS, e.Reg.Register)
	default:
		return fmt.Sprintf("%s reason=%s esr=0x%x", e.Kind, e.Raw.Reason, e.Raw.ESR)
	}
}
