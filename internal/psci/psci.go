// Package psci handles the minimal PSCI firmware-call ABI: the guest issues
// an HVC with a function identifier in x0 and receives the result in x0.
package psci

import (
	"errors"
	"fmt"

	"github.com/elena19m/armvmm/internal/hv"
)

// SMC32 function identifiers.
const (
	FnVersion = 0x84000000
)

const (
	// Version02 is PSCI 0.2, reported by the version query.
	Version02 = 0x2
	// RetNotSupported is the sentinel returned in x0 for any unrecognized
	// function identifier.
	RetNotSupported = 0xffffffff
)

var (
	ErrMalformedCall = errors.New("HVC with non-zero immediate")
	ErrNotSupported  = errors.New("unimplemented PSCI function")
)

// Handle dispatches one trapped HVC. iss is the instruction-specific
// syndrome of the trap, which carries the HVC immediate; a non-zero
// immediate is not a firmware call and is rejected without touching guest
// state. Unrecognized function identifiers store the not-supported sentinel
// and report an error so the caller can surface the call.
func Handle(cpu *hv.CPUContext, iss uint32) error {
	if iss != 0 {
		return fmt.Errorf("%w: 0x%x", ErrMalformedCall, iss)
	}

	funcID := cpu.X[0]
	switch funcID {
	case FnVersion:
		cpu.X[0] = Version02
		return nil
	default:
		cpu.X[0] = RetNotSupported
		return fmt.Errorf("%w: 0x%016x", ErrNotSupported, funcID)
	}
}
