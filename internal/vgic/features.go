package vgic

import "fmt"

// Features describes the virtualization capabilities of the host GIC CPU
// interface, derived once from ICH_VTR_EL2.
type Features struct {
	// MinPriority is the lowest (numerically largest) priority the CPU
	// interface can represent, used as the initial priority mask.
	MinPriority uint8
	// NumListRegs is the number of implemented list registers, at most 16.
	NumListRegs int
	// NumAP0R and NumAP1R are the number of implemented active-priority
	// registers per group.
	NumAP0R int
	NumAP1R int
}

// DetectFeatures decodes ICH_VTR_EL2 into the supported feature set.
func DetectFeatures(ichVTR uint64) (Features, error) {
	var feat Features

	switch pribits := ichVTRPRIBits(ichVTR); pribits {
	case 5:
		feat.MinPriority = 0xf8
	case 6:
		feat.MinPriority = 0xfc
	case 7:
		feat.MinPriority = 0xfe
	case 8:
		feat.MinPriority = 0xff
	default:
		return Features{}, fmt.Errorf("unsupported priority bit count %d", pribits)
	}

	switch prebits := ichVTRPREBits(ichVTR); prebits {
	case 5:
		feat.NumAP0R, feat.NumAP1R = 1, 1
	case 6:
		feat.NumAP0R, feat.NumAP1R = 2, 2
	case 7:
		feat.NumAP0R, feat.NumAP1R = 4, 4
	default:
		return Features{}, fmt.Errorf("unsupported preemption bit count %d", prebits)
	}

	feat.NumListRegs = ichVTRListRegs(ichVTR)
	if feat.NumListRegs > 16 {
		return Features{}, fmt.Errorf("implausible list register count %d", feat.NumListRegs)
	}

	return feat, nil
}
