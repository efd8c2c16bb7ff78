package vgic

// GICv3 interrupt id ranges.
const (
	firstSGI = 0
	lastSGI  = 15
	firstPPI = 16
	lastPPI  = 31
	firstSPI = 32
	lastSPI  = 1019
)

// irqScheduled marks a buffered interrupt that has just been copied into a
// list register; entries carrying it are compacted away at the end of a
// scheduling pass. It is outside the valid interrupt id domain.
const irqScheduled = lastSPI + 1

// Pending-buffer capacity bounds. The buffer doubles between them; growth
// beyond the maximum rejects the injection.
const (
	irqbufSizeMin = 32
	irqbufSizeMax = 1024
)

// GICD_CTLR bits (single security state).
const (
	gicdCTLRG1    = 1 << 0
	gicdCTLRG1A   = 1 << 1
	gicdCTLRARENS = 1 << 4
	gicdCTLRDS    = 1 << 6
)

// GICD_TYPER fields.
const (
	gicdTyperITLinesMask  = 0x1f
	gicdTyperSecurityExtn = 1 << 10
	gicdTyperLPIS         = 1 << 17
	gicdTyperDVIS         = 1 << 18
)

// typerNumIRQs returns the number of supported interrupt ids encoded in
// GICD_TYPER.ITLinesNumber.
func typerNumIRQs(typer uint32) uint32 {
	return 32 * ((typer & gicdTyperITLinesMask) + 1)
}

// GICD_IROUTER fields.
const gicdIRouterIRM = 1 << 31

// GICR_TYPER fields.
const (
	gicrTyperPLPIS    = 1 << 0
	gicrTyperVLPIS    = 1 << 1
	gicrTyperLast     = 1 << 4
	gicrTyperAffShift = 32
)

// GICR_CTLR fields. The DPG bits control participation in 1-of-N routing.
const (
	gicrCTLREnableLPIs = 1 << 0
	gicrCTLRDPG0       = 1 << 24
	gicrCTLRDPG1NS     = 1 << 25
)

// GICR_WAKER fields.
const (
	gicrWakerProcessorSleep = 1 << 1
	gicrWakerChildrenAsleep = 1 << 2
)

// Distributor register offsets.
const (
	gicdCTLROff      = 0x0000
	gicdTYPEROff     = 0x0004
	gicdIIDROff      = 0x0008
	gicdIGROUPROff   = 0x0080 // ..0x00fc
	gicdISENABLEROff = 0x0100 // ..0x017c
	gicdICENABLEROff = 0x0180 // ..0x01fc
	gicdISPENDROff   = 0x0200
	gicdICPENDROff   = 0x0280
	gicdISACTIVEROff = 0x0300
	gicdICACTIVEROff = 0x0380
	gicdIPRIORITYOff = 0x0400 // ..0x07f8, byte per interrupt
	gicdICFGROff     = 0x0c00 // ..0x0cfc
	gicdIROUTEROff   = 0x6000 // ..0x7fd8, 8 bytes per interrupt
	gicdPIDR2Off     = 0xffe8
)

// Redistributor register offsets. Each vCPU owns two 64KiB frames: the RD
// frame followed by the SGI frame.
const (
	gicrFrameSize = 0x10000
	gicrStride    = 2 * gicrFrameSize

	gicrCTLROff  = 0x0000
	gicrIIDROff  = 0x0004
	gicrTYPEROff = 0x0008 // 64-bit
	gicrWAKEROff = 0x0014
	gicrPIDR2Off = 0xffe8

	// SGI frame, relative to the frame base.
	gicrIGROUPR0Off   = 0x0080
	gicrISENABLER0Off = 0x0100
	gicrICENABLER0Off = 0x0180
	gicrIPRIORITYROff = 0x0400 // ..0x041c
	gicrICFGR0Off     = 0x0c00
	gicrICFGR1Off     = 0x0c04
)

// ICH_VMCR_EL2 fields.
const (
	ichVMCRVENG0      = 1 << 0
	ichVMCRVENG1      = 1 << 1
	ichVMCRVEOIM      = 1 << 9
	ichVMCRVBPR1Shift = 18
	ichVMCRVBPR0Shift = 21
	ichVMCRVPMRShift  = 24
	ichVMCRVPMRMask   = uint64(0xff) << ichVMCRVPMRShift

	// A binary point of 7 disables preemption for the group.
	ichVMCRNoPreemption = 7
)

// ICH_HCR_EL2 fields.
const ichHCREn = 1 << 0

// ICH_VTR_EL2 fields.
func ichVTRListRegs(vtr uint64) int { return int(vtr&0x1f) + 1 }
func ichVTRPREBits(vtr uint64) int  { return int(vtr>>26&0x7) + 1 }
func ichVTRPRIBits(vtr uint64) int  { return int(vtr>>29&0x7) + 1 }
