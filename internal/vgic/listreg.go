package vgic

import "fmt"

// LRState is the lifecycle state of a list register.
type LRState uint8

const (
	LRInactive LRState = iota
	LRPending
	LRActive
	LRPendingActive
)

func (s LRState) String() string {
	switch s {
	case LRInactive:
		return "inactive"
	case LRPending:
		return "pending"
	case LRActive:
		return "active"
	case LRPendingActive:
		return "pending+active"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ICH_LR_EL2 bit layout.
const (
	lrStateShift = 62
	lrGroupShift = 60
	lrPrioShift  = 48
	lrIntIDMask  = 0xffffffff
)

// ListRegister is one CPU-interface presentation slot in its decoded form.
// The hardware representation is a packed 64-bit word; Encode and
// DecodeListRegister convert at the world-switch boundary.
type ListRegister struct {
	State    LRState
	Group    uint8
	Priority uint8
	IntID    uint32
}

// Encode packs lr into the ICH_LR_EL2 format.
func (lr ListRegister) Encode() uint64 {
	return uint64(lr.State)<<lrStateShift |
		uint64(lr.Group&1)<<lrGroupShift |
		uint64(lr.Priority)<<lrPrioShift |
		uint64(lr.IntID)
}

// DecodeListRegister unpacks a raw ICH_LR_EL2 value.
func DecodeListRegister(raw uint64) ListRegister {
	return ListRegister{
		State:    LRState(raw >> lrStateShift & 0x3),
		Group:    uint8(raw >> lrGroupShift & 0x1),
		Priority: uint8(raw >> lrPrioShift),
		IntID:    uint32(raw & lrIntIDMask),
	}
}

// Inactive reports whether the slot can be overwritten by the scheduler.
func (lr ListRegister) Inactive() bool { return lr.State == LRInactive }

// NotActive reports whether the slot holds no interrupt the guest is
// currently servicing.
func (lr ListRegister) NotActive() bool {
	return lr.State != LRActive && lr.State != LRPendingActive
}

// clear drops the held interrupt, leaving the slot inactive.
func (lr *ListRegister) clear() {
	lr.State = LRInactive
}
