package vmm

import (
	"errors"
	"fmt"

	"github.com/elena19m/armvmm/internal/hv"
)

// exceptionClass is ESR_EL2.EC, the coarse reason for a synchronous trap.
type exceptionClass uint32

const (
	ecUnknown          exceptionClass = 0x00
	ecHVC              exceptionClass = 0x16
	ecSMC              exceptionClass = 0x17
	ecMSRTrap          exceptionClass = 0x18
	ecInstAbortLowerEL exceptionClass = 0x20
	ecDataAbortLowerEL exceptionClass = 0x24
)

func (e exceptionClass) String() string {
	switch e {
	case ecUnknown:
		return "unknown"
	case ecHVC:
		return "hvc"
	case ecSMC:
		return "smc"
	case ecMSRTrap:
		return "msr/mrs"
	case ecInstAbortLowerEL:
		return "instruction abort (lower EL)"
	case ecDataAbortLowerEL:
		return "data abort (lower EL)"
	default:
		return fmt.Sprintf("ec 0x%02x", uint32(e))
	}
}

const (
	esrECShift = 26
	esrISSMask = 0x01ffffff

	instSize = 4
)

func esrEC(esr uint64) exceptionClass { return exceptionClass(esr >> esrECShift) }
func esrISS(esr uint64) uint32        { return uint32(esr & esrISSMask) }

// Data-abort ISS fields.
const (
	issDataISV      = 1 << 24
	issDataSASShift = 22
	issDataSASMask  = 0x3 << issDataSASShift
	issDataSSE      = 1 << 21
	issDataSRTShift = 16
	issDataSRTMask  = 0x1f << issDataSRTShift
	issDataWnR      = 1 << 6
	issDataDFSCMask = 0x3f
)

// dfscTranslationFault reports whether the fault status code is a stage-2
// translation fault at any level, the signature of an access to unmapped
// guest-physical space.
func dfscTranslationFault(iss uint32) bool {
	return iss&issDataDFSCMask>>2 == 1
}

// HPFAR_EL2 holds bits [51:12] of the faulting intermediate physical
// address, starting at bit 4.
const (
	hpfarFIPAShift = 4
	pageShift      = 12
	pageOffMask    = 1<<pageShift - 1
)

var (
	errNoSyndrome   = errors.New("data abort without a valid instruction syndrome")
	errNotTranslate = errors.New("data abort not caused by a stage-2 translation fault")
)

// decodeDataAbort turns a lower-EL data abort into a memory-access request.
// The faulting guest physical address combines the page frame from HPFAR_EL2
// with the page offset of the virtual fault address.
func decodeDataAbort(esr, far, hpfar uint64) (*hv.InstEmul, error) {
	iss := esrISS(esr)

	if iss&issDataISV == 0 {
		return nil, errNoSyndrome
	}
	if !dfscTranslationFault(iss) {
		return nil, errNotTranslate
	}

	gpa := hpfar >> hpfarFIPAShift << pageShift
	gpa |= far & pageOffMask

	reg, ok := hv.RegisterFromIndex(iss & issDataSRTMask >> issDataSRTShift)
	if !ok {
		return nil, fmt.Errorf("invalid transfer register in syndrome 0x%x", iss)
	}

	return &hv.InstEmul{
		GPA:        gpa,
		Write:      iss&issDataWnR != 0,
		Register:   reg,
		AccessSize: 1 << (iss & issDataSASMask >> issDataSASShift),
		SignExtend: iss&issDataSSE != 0,
	}, nil
}

// MSR/MRS ISS fields.
const (
	issMSRDirection = 1 << 0 // set means a read (MRS)
	issMSRRtShift   = 5
	issMSRRtMask    = 0x1f << issMSRRtShift

	issMSROp0Shift = 20
	issMSROp2Shift = 17
	issMSROp1Shift = 14
	issMSRCRnShift = 10
	issMSRCRmShift = 1
)

// decodeSysRegAccess turns a trapped system-register access into a register
// emulation request. The raw syndrome is preserved so the consumer can
// identify the system register.
func decodeSysRegAccess(iss uint32) (*hv.RegEmul, error) {
	reg, ok := hv.RegisterFromIndex(iss & issMSRRtMask >> issMSRRtShift)
	if !ok {
		return nil, fmt.Errorf("invalid transfer register in syndrome 0x%x", iss)
	}

	return &hv.RegEmul{
		Write:    iss&issMSRDirection == 0,
		Register: reg,
		ISS:      iss,
	}, nil
}

// sysReg is the (op0, op1, CRn, CRm, op2) encoding of a system register.
type sysReg struct {
	op0, op1, crn, crm, op2 uint32
}

func sysRegFromISS(iss uint32) sysReg {
	return sysReg{
		op0: iss >> issMSROp0Shift & 0x3,
		op1: iss >> issMSROp1Shift & 0x7,
		crn: iss >> issMSRCRnShift & 0xf,
		crm: iss >> issMSRCRmShift & 0xf,
		op2: iss >> issMSROp2Shift & 0x7,
	}
}

// EL1 physical timer registers, trapped by CNTHCTL_EL2.
var (
	sysRegCNTPTVAL = sysReg{op0: 3, op1: 3, crn: 14, crm: 2, op2: 0}
	sysRegCNTPCTL  = sysReg{op0: 3, op1: 3, crn: 14, crm: 2, op2: 1}
	sysRegCNTPCVAL = sysReg{op0: 3, op1: 3, crn: 14, crm: 2, op2: 2}
)
