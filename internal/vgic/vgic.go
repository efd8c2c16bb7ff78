// Package vgic emulates a GICv3 interrupt controller for a guest VM: the
// distributor and per-vCPU redistributor register files, a growable buffer of
// pending interrupts, and the scheduler that maps buffered interrupts onto
// the hardware list registers before every guest entry.
package vgic

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/elena19m/armvmm/internal/hv"
	"github.com/elena19m/armvmm/internal/spin"
)

var (
	ErrMalformedIRQ   = errors.New("malformed interrupt id")
	ErrSGIUnsupported = errors.New("software-generated interrupts not supported")
	ErrBufferFull     = errors.New("pending interrupt buffer full")
)

// Class orders interrupts of equal priority when list registers are scarce.
// Lower-numbered classes win ties.
type Class int

const (
	ClassMaxPriority Class = iota
	ClassClock
	ClassVirtio
	ClassMisc

	classInvalid
)

func (c Class) String() string {
	switch c {
	case ClassMaxPriority:
		return "maxprio"
	case ClassClock:
		return "clock"
	case ClassVirtio:
		return "virtio"
	case ClassMisc:
		return "misc"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// bufferedIRQ is one pending interrupt waiting for a list register.
type bufferedIRQ struct {
	irq      uint32
	class    Class
	group    uint8
	enabled  bool
	priority uint8
}

// distributor is the VM-wide slice of the emulated GIC. The per-interrupt
// tables cover [0, nirqs); rows for private interrupts are unused when
// affinity routing is enabled, the redistributors hold them instead.
type distributor struct {
	// mu serializes configuration writes. Readers on the world-switch path
	// go without it: all guest distributor writes trap and complete before
	// the next entry, so sync never races a write to the same VM.
	mu spin.Mutex

	ctlr  uint32
	typer uint32
	pidr2 uint32
	nirqs uint32

	igroupr   []uint32
	ienabler  []uint32
	ipriority []uint8
	icfgr     []uint32
	irouter   []uint64
}

// redistributor is the per-vCPU private-interrupt register file.
type redistributor struct {
	ctlr  uint32
	typer uint64
	waker uint32

	igroupr0  uint32
	ienabler0 uint32
	ipriority [lastPPI + 1]uint8
	icfgr0    uint32
	icfgr1    uint32
}

// cpuInterface is the per-vCPU CPU-interface state: the list registers
// mirrored to hardware at every world switch and the buffer of interrupts
// that did not fit.
type cpuInterface struct {
	// mu guards lr and irqbuf. It is a spin lock because the timer callback
	// injects from a context that must not be suspended.
	mu spin.Mutex

	redist redistributor

	hcr  uint64
	vmcr uint64

	lr     []ListRegister
	irqbuf []bufferedIRQ

	// Active-priority registers, carried between world switches; only the
	// first numAP0R/numAP1R entries are implemented by the hardware.
	ap0r [4]uint32
	ap1r [4]uint32

	numAP0R int
	numAP1R int
}

// RORegs are host distributor registers mirrored read-only to the guest.
type RORegs struct {
	Typer  uint32
	PIDR2  uint32
	ICFGR0 uint32
}

// ReadRORegs captures the guest-visible read-only distributor registers from
// the host GIC. Security extensions, direct LPI injection and LPIs are masked
// off the type register.
func ReadRORegs(tr hv.Trampoline) (RORegs, error) {
	var (
		ro  RORegs
		err error
	)

	typer, err := tr.ReadCapability(hv.CapabilityGICDTyper)
	if err != nil {
		return RORegs{}, fmt.Errorf("reading GICD_TYPER: %w", err)
	}
	ro.Typer = uint32(typer) &^ (gicdTyperSecurityExtn | gicdTyperDVIS | gicdTyperLPIS)

	pidr2, err := tr.ReadCapability(hv.CapabilityGICDPIDR2)
	if err != nil {
		return RORegs{}, fmt.Errorf("reading GICD_PIDR2: %w", err)
	}
	ro.PIDR2 = uint32(pidr2)

	icfgr0, err := tr.ReadCapability(hv.CapabilityGICDICFGR0)
	if err != nil {
		return RORegs{}, fmt.Errorf("reading GICD_ICFGR0: %w", err)
	}
	ro.ICFGR0 = uint32(icfgr0)

	return ro, nil
}

// GIC is a virtual GICv3 for one VM.
type GIC struct {
	feat Features
	dist distributor
	cpus []*cpuInterface

	// clockIntID is the interrupt id of the virtual timer, subject to the
	// one-per-sync scheduling rule.
	clockIntID uint32

	log *slog.Logger
}

// New builds the distributor for a VM with numCPUs virtual processors. Group
// 0 and group 1 interrupts start enabled, with affinity routing on (DS and
// ARE are RAO/WI for a single-security-state distributor).
func New(feat Features, ro RORegs, numCPUs int, clockIntID uint32, log *slog.Logger) (*GIC, error) {
	if numCPUs < 1 {
		return nil, fmt.Errorf("invalid vCPU count %d", numCPUs)
	}
	if feat.NumListRegs < 1 || feat.NumListRegs > 16 {
		return nil, fmt.Errorf("invalid list register count %d", feat.NumListRegs)
	}
	if log == nil {
		log = slog.Default()
	}

	nirqs := typerNumIRQs(ro.Typer)

	g := &GIC{
		feat:       feat,
		clockIntID: clockIntID,
		log:        log,
		cpus:       make([]*cpuInterface, numCPUs),
	}
	g.dist = distributor{
		ctlr:      gicdCTLRG1 | gicdCTLRG1A | gicdCTLRARENS | gicdCTLRDS,
		typer:     ro.Typer,
		pidr2:     ro.PIDR2,
		nirqs:     nirqs,
		igroupr:   make([]uint32, nirqs/32),
		ienabler:  make([]uint32, nirqs/32),
		ipriority: make([]uint8, nirqs),
		icfgr:     make([]uint32, nirqs/16),
		irouter:   make([]uint64, nirqs),
	}
	g.dist.icfgr[0] = ro.ICFGR0

	for i := range g.cpus {
		g.cpus[i] = &cpuInterface{
			irqbuf: make([]bufferedIRQ, 0, irqbufSizeMin),
		}
	}

	return g, nil
}

// NumIRQs returns the size of the supported interrupt id domain.
func (g *GIC) NumIRQs() uint32 { return g.dist.nirqs }

// Features returns the host capability set the controller was built with.
func (g *GIC) Features() Features { return g.feat }

// CPUInit initializes the redistributor and CPU interface for one vCPU. The
// redistributor affinity is fixed here, derived from the guest-visible
// VMPIDR value; the last vCPU's redistributor is marked as the end of the
// redistributor range.
func (g *GIC) CPUInit(vcpu int, vmpidr uint64) error {
	c, err := g.cpu(vcpu)
	if err != nil {
		return err
	}

	aff := (vmpidr >> 32 & 0xff << 24) |
		(vmpidr >> 16 & 0xff << 16) |
		(vmpidr >> 8 & 0xff << 8) |
		(vmpidr & 0xff)

	c.redist.typer = aff << gicrTyperAffShift
	c.redist.typer &^= gicrTyperVLPIS | gicrTyperPLPIS
	if vcpu == len(g.cpus)-1 {
		c.redist.typer |= gicrTyperLast
	}
	c.redist.ctlr = 0
	c.redist.waker = gicrWakerProcessorSleep | gicrWakerChildrenAsleep

	// Virtual CPU interface enabled, maintenance interrupts off.
	c.hcr = ichHCREn

	// Priority mask at the minimum, preemption disabled for both groups,
	// EOI performs priority drop and deactivation, both groups enabled.
	c.vmcr = uint64(g.feat.MinPriority) << ichVMCRVPMRShift
	c.vmcr |= ichVMCRNoPreemption << ichVMCRVBPR0Shift
	c.vmcr |= ichVMCRNoPreemption << ichVMCRVBPR1Shift
	c.vmcr &^= ichVMCRVEOIM
	c.vmcr |= ichVMCRVENG0 | ichVMCRVENG1

	c.lr = make([]ListRegister, g.feat.NumListRegs)
	c.numAP0R = g.feat.NumAP0R
	c.numAP1R = g.feat.NumAP1R

	c.irqbuf = make([]bufferedIRQ, 0, irqbufSizeMin)

	return nil
}

func (g *GIC) cpu(vcpu int) (*cpuInterface, error) {
	if vcpu < 0 || vcpu >= len(g.cpus) {
		return nil, fmt.Errorf("invalid vCPU %d", vcpu)
	}
	return g.cpus[vcpu], nil
}

// affRoutingEnabled reports whether the guest has affinity routing on. It is
// RAO/WI here, but the check mirrors the register so the rest of the code
// does not bake the assumption in.
func (g *GIC) affRoutingEnabled() bool {
	return g.dist.ctlr&gicdCTLRARENS != 0
}

// intGroup returns the interrupt group of irq as seen by c.
func (g *GIC) intGroup(irq uint32, c *cpuInterface) int {
	mask := uint32(1) << (irq % 32)
	if irq <= lastPPI {
		if c.redist.igroupr0&mask != 0 {
			return 1
		}
		return 0
	}
	if g.dist.igroupr[irq/32]&mask != 0 {
		return 1
	}
	return 0
}

// groupEnabled checks the distributor-wide group enable bits.
func (g *GIC) groupEnabled(group int) bool {
	switch group {
	case 0:
		return g.dist.ctlr&gicdCTLRG1 != 0
	case 1:
		return g.dist.ctlr&gicdCTLRG1A != 0
	default:
		return false
	}
}

// intidEnabled checks the individual enable bit for irq: in the
// redistributor for private ids, in the distributor for shared ones.
func (g *GIC) intidEnabled(irq uint32, c *cpuInterface) bool {
	mask := uint32(1) << (irq % 32)
	if irq <= lastPPI {
		return c.redist.ienabler0&mask != 0
	}
	return g.dist.ienabler[irq/32]&mask != 0
}

// priority returns the configured priority of irq for c.
func (g *GIC) priority(irq uint32, c *cpuInterface) uint8 {
	if g.affRoutingEnabled() && irq <= lastPPI {
		return c.redist.ipriority[irq]
	}
	return g.dist.ipriority[irq]
}

// intTarget reports whether irq targets the vCPU owning c. Private
// interrupts always target their owner. Shared interrupts match either the
// exact affinity in the routing register, or, under 1-of-N routing, the
// redistributor's participation flag for the interrupt's group.
func (g *GIC) intTarget(irq uint32, c *cpuInterface) bool {
	if irq <= lastPPI {
		return true
	}
	if !g.affRoutingEnabled() {
		return true
	}

	irouter := g.dist.irouter[irq]
	if irouter&gicdIRouterIRM != 0 {
		switch g.intGroup(irq, c) {
		case 0:
			return c.redist.ctlr&gicrCTLRDPG0 != 0
		default:
			return c.redist.ctlr&gicrCTLRDPG1NS != 0
		}
	}

	// The redistributor affinity in the routing register's layout.
	typer := c.redist.typer >> gicrTyperAffShift
	aff := (typer & 0xff) |
		(typer >> 8 & 0xff << 8) |
		(typer >> 16 & 0xff << 16) |
		(typer >> 24 & 0xff << 32)
	const affMask = 0xff<<32 | 0xffffff
	return irouter&affMask == aff
}

// Route returns the vCPU a shared interrupt would be delivered to: the first
// vCPU the routing configuration targets. Private interrupts route to the
// caller's own vCPU, reported as vCPU 0 here.
func (g *GIC) Route(irq uint32) int {
	if irq <= lastPPI {
		return 0
	}
	for i, c := range g.cpus {
		if g.intTarget(irq, c) {
			return i
		}
	}
	return 0
}

// irqbufAdd reserves the next slot in the pending buffer, growing it by
// doubling up to the maximum. It returns nil when the buffer cannot grow
// further. Caller holds c.mu.
func (c *cpuInterface) irqbufAdd() *bufferedIRQ {
	if len(c.irqbuf) == cap(c.irqbuf) {
		newSize := 2 * cap(c.irqbuf)
		if newSize > irqbufSizeMax {
			return nil
		}
		grown := make([]bufferedIRQ, len(c.irqbuf), newSize)
		copy(grown, c.irqbuf)
		c.irqbuf = grown
	}
	c.irqbuf = append(c.irqbuf, bufferedIRQ{})
	return &c.irqbuf[len(c.irqbuf)-1]
}

// irqbufRemove compacts away every buffered entry carrying irq and returns
// how many were dropped. Caller holds c.mu.
func (c *cpuInterface) irqbufRemove(irq uint32) int {
	kept := c.irqbuf[:0]
	removed := 0
	for i := range c.irqbuf {
		if c.irqbuf[i].irq == irq {
			removed++
			continue
		}
		kept = append(kept, c.irqbuf[i])
	}
	c.irqbuf = kept
	return removed
}

// Inject buffers interrupt irq for delivery at vcpu. The descriptor snapshots
// the group, priority and eligibility of the interrupt at injection time;
// sync re-checks eligibility before presenting it. Safe to call from any
// goroutine, including the timer callback.
func (g *GIC) Inject(vcpu int, irq uint32, class Class) error {
	c, err := g.cpu(vcpu)
	if err != nil {
		return err
	}
	if irq <= lastSGI {
		g.log.Warn("rejecting SGI injection", "irq", irq, "vcpu", vcpu)
		return fmt.Errorf("%w: irq %d", ErrSGIUnsupported, irq)
	}
	if irq >= g.dist.nirqs || class < 0 || class >= classInvalid {
		g.log.Warn("malformed IRQ", "irq", irq, "class", class)
		return fmt.Errorf("%w: irq %d class %d", ErrMalformedIRQ, irq, class)
	}

	g.dist.mu.Lock()
	defer g.dist.mu.Unlock()

	group := g.intGroup(irq, c)
	enabled := g.groupEnabled(group) &&
		g.intidEnabled(irq, c) &&
		g.intTarget(irq, c)
	priority := g.priority(irq, c)

	c.mu.Lock()
	defer c.mu.Unlock()

	vip := c.irqbufAdd()
	if vip == nil {
		g.log.Warn("dropping interrupt, pending buffer full", "irq", irq, "vcpu", vcpu)
		return fmt.Errorf("%w: irq %d", ErrBufferFull, irq)
	}
	*vip = bufferedIRQ{
		irq:      irq,
		class:    class,
		group:    uint8(group),
		enabled:  enabled,
		priority: priority,
	}

	return nil
}

// Remove withdraws every instance of irq from vcpu: list registers not held
// ACTIVE by the guest (all of them when ignoreActive is set) and all buffered
// entries. It returns the number of instances withdrawn; removing an absent
// interrupt is a no-op.
func (g *GIC) Remove(vcpu int, irq uint32, ignoreActive bool) (int, error) {
	c, err := g.cpu(vcpu)
	if err != nil {
		return 0, err
	}
	if irq >= g.dist.nirqs {
		g.log.Warn("malformed IRQ", "irq", irq)
		return 0, fmt.Errorf("%w: irq %d", ErrMalformedIRQ, irq)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for i := range c.lr {
		if c.lr[i].IntID != irq || c.lr[i].Inactive() {
			continue
		}
		if c.lr[i].NotActive() || ignoreActive {
			c.lr[i].clear()
			removed++
		}
	}
	removed += c.irqbufRemove(irq)

	return removed, nil
}

// setPriorityCPU updates buffered entries and PENDING list registers
// carrying irq on one vCPU. ACTIVE list registers are never touched.
func (c *cpuInterface) setPriorityCPU(irq uint32, priority uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.irqbuf {
		if c.irqbuf[i].irq == irq {
			c.irqbuf[i].priority = priority
		}
	}
	for i := range c.lr {
		if c.lr[i].State == LRPending && c.lr[i].IntID == irq {
			c.lr[i].Priority = priority
		}
	}
}

// SetPriority propagates a priority change for irq to in-flight state: any
// buffered descriptor and any PENDING list register on every vCPU the
// interrupt can reach. vcpu names the owner for private interrupts and is
// ignored for shared ones.
func (g *GIC) SetPriority(irq uint32, priority uint8, vcpu int) {
	if irq <= lastPPI {
		if c, err := g.cpu(vcpu); err == nil {
			c.setPriorityCPU(irq, priority)
		}
		return
	}
	for _, c := range g.cpus {
		c.setPriorityCPU(irq, priority)
	}
}

func (c *cpuInterface) setGroupCPU(irq uint32, group uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.irqbuf {
		if c.irqbuf[i].irq == irq {
			c.irqbuf[i].group = group
		}
	}
	for i := range c.lr {
		if c.lr[i].State == LRPending && c.lr[i].IntID == irq {
			c.lr[i].Group = group & 1
		}
	}
}

// SetGroup propagates a group change for irq, with the same reach as
// SetPriority.
func (g *GIC) SetGroup(irq uint32, group uint8, vcpu int) {
	if irq <= lastPPI {
		if c, err := g.cpu(vcpu); err == nil {
			c.setGroupCPU(irq, group)
		}
		return
	}
	for _, c := range g.cpus {
		c.setGroupCPU(irq, group)
	}
}

// ToggleGroupEnabled reflects a distributor group enable change into every
// vCPU's buffered entries. Re-enabling re-checks the individual enable bit;
// disabling marks matching entries ineligible without dropping them.
func (g *GIC) ToggleGroupEnabled(group int, enabled bool) {
	for _, c := range g.cpus {
		c.mu.Lock()
		for i := range c.irqbuf {
			vip := &c.irqbuf[i]
			if int(vip.group) != group {
				continue
			}
			if !enabled {
				vip.enabled = false
			} else if g.intidEnabled(vip.irq, c) {
				vip.enabled = true
			}
		}
		c.mu.Unlock()
	}
}

func (c *cpuInterface) toggleEnabledCPU(irq uint32, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enabled {
		// Re-mark interrupts that were buffered while the id was disabled.
		for i := range c.irqbuf {
			if c.irqbuf[i].irq == irq {
				c.irqbuf[i].enabled = true
			}
		}
		return
	}

	// Drop the disabled interrupt from PENDING list registers and the
	// buffer. ACTIVE interrupts keep running until the guest completes them.
	for i := range c.lr {
		if c.lr[i].State == LRPending && c.lr[i].IntID == irq {
			c.lr[i].clear()
		}
	}
	c.irqbufRemove(irq)
}

// ToggleEnabled reflects an individual interrupt enable change, with the same
// per-vCPU reach as SetPriority.
func (g *GIC) ToggleEnabled(irq uint32, enabled bool, vcpu int) error {
	if irq >= g.dist.nirqs {
		return fmt.Errorf("%w: irq %d", ErrMalformedIRQ, irq)
	}
	if irq <= lastPPI {
		c, err := g.cpu(vcpu)
		if err != nil {
			return err
		}
		c.toggleEnabledCPU(irq, enabled)
		return nil
	}
	for _, c := range g.cpus {
		c.toggleEnabledCPU(irq, enabled)
	}
	return nil
}

// PendingCount returns the number of buffered interrupts for vcpu.
func (g *GIC) PendingCount(vcpu int) int {
	c, err := g.cpu(vcpu)
	if err != nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.irqbuf)
}

// clockBusy reports whether the timer interrupt already occupies a list
// register in a non-inactive state. Presenting another one before the guest
// completes the first would leave it servicing timer interrupts back to
// back. Caller holds c.mu.
func (g *GIC) clockBusy(c *cpuInterface) bool {
	for i := range c.lr {
		if c.lr[i].IntID == g.clockIntID && !c.lr[i].Inactive() {
			return true
		}
	}
	return false
}

// nextEnabled returns the index of the first buffered entry at or after
// start that is enabled and belongs to a group the virtual CPU interface has
// enabled, or -1.
func (c *cpuInterface) nextEnabled(start int) int {
	for i := start; i < len(c.irqbuf); i++ {
		if !c.irqbuf[i].enabled {
			continue
		}
		if c.irqbuf[i].group == 1 && c.vmcr&ichVMCRVENG1 == 0 {
			continue
		}
		if c.irqbuf[i].group == 0 && c.vmcr&ichVMCRVENG0 == 0 {
			continue
		}
		return i
	}
	return -1
}

// nextInactive returns the index of the first free list register at or after
// start, or -1.
func (c *cpuInterface) nextInactive(start int) int {
	for i := start; i < len(c.lr); i++ {
		if c.lr[i].Inactive() {
			return i
		}
	}
	return -1
}

// scheduleInto writes a buffered entry into a free list register as PENDING
// and marks the entry for compaction. Caller holds c.mu.
func scheduleInto(lr *ListRegister, vip *bufferedIRQ) {
	*lr = ListRegister{
		State:    LRPending,
		Group:    vip.group & 1,
		Priority: vip.priority,
		IntID:    vip.irq,
	}
	vip.irq = irqScheduled
}

// irqbufToLR moves buffered interrupts into free list registers in buffer
// order. Used when every buffered interrupt fits. Caller holds c.mu.
func (g *GIC) irqbufToLR(c *cpuInterface) {
	clockDone := g.clockBusy(c)

	irqIdx, lrIdx := 0, 0
	for {
		irqIdx = c.nextEnabled(irqIdx)
		if irqIdx == -1 {
			break
		}
		lrIdx = c.nextInactive(lrIdx)
		if lrIdx == -1 {
			break
		}

		vip := &c.irqbuf[irqIdx]
		if vip.class == ClassClock && clockDone {
			irqIdx++
			continue
		}
		if vip.class == ClassClock {
			clockDone = true
		}

		scheduleInto(&c.lr[lrIdx], vip)
		irqIdx++
		lrIdx++
	}

	c.irqbufRemove(irqScheduled)
}

// highestPriorityPending selects the best buffered entry still eligible for
// presentation: full eligibility re-check, priority below the virtual
// priority mask, numerically smallest priority first, ties to the
// lower-numbered class. Caller holds c.mu.
func (g *GIC) highestPriorityPending(c *cpuInterface, skipClock bool) *bufferedIRQ {
	vpmr := uint8(c.vmcr >> ichVMCRVPMRShift)

	best := -1
	for i := range c.irqbuf {
		vip := &c.irqbuf[i]
		if vip.irq == irqScheduled {
			continue
		}
		if vip.class == ClassClock && skipClock {
			continue
		}
		if !g.groupEnabled(g.intGroup(vip.irq, c)) {
			continue
		}
		if !g.intidEnabled(vip.irq, c) {
			continue
		}
		if !g.intTarget(vip.irq, c) {
			continue
		}
		if vip.priority >= vpmr {
			continue
		}

		switch {
		case best == -1:
			best = i
		case vip.priority < c.irqbuf[best].priority:
			best = i
		case vip.priority == c.irqbuf[best].priority && vip.class < c.irqbuf[best].class:
			best = i
		}
	}

	if best == -1 {
		return nil
	}
	return &c.irqbuf[best]
}

// schedulePartial fills the free list registers with the highest-priority
// eligible buffered entries and leaves the rest buffered for the next world
// switch. Used under scheduling pressure. Caller holds c.mu.
func (g *GIC) schedulePartial(c *cpuInterface) {
	clockDone := g.clockBusy(c)

	for i := range c.lr {
		if !c.lr[i].Inactive() {
			continue
		}

		vip := g.highestPriorityPending(c, clockDone)
		if vip == nil {
			break
		}
		if vip.class == ClassClock {
			clockDone = true
		}
		scheduleInto(&c.lr[i], vip)
	}

	c.irqbufRemoveScheduled()
}

func (c *cpuInterface) irqbufRemoveScheduled() {
	c.irqbufRemove(irqScheduled)
}

// Sync reconciles vcpu's buffered interrupts into its list registers. It
// runs once per world-switch iteration, immediately before guest entry, and
// holds the CPU-interface lock for its whole duration. Only INACTIVE list
// registers are written; interrupts the guest holds ACTIVE are never
// disturbed.
func (g *GIC) Sync(vcpu int) error {
	c, err := g.cpu(vcpu)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.irqbuf) == 0 {
		return nil
	}

	free := 0
	for i := range c.lr {
		if c.lr[i].Inactive() {
			free++
		}
	}

	if len(c.irqbuf) <= free {
		g.irqbufToLR(c)
		return nil
	}

	// More buffered interrupts than free slots. Present the best subset
	// now; the remainder stays buffered for the next iteration.
	g.log.Debug("list register pressure",
		"vcpu", vcpu, "free", free, "buffered", len(c.irqbuf))
	g.schedulePartial(c)

	return nil
}

// Flush encodes vcpu's CPU-interface state for the trampoline to load on
// guest entry.
func (g *GIC) Flush(vcpu int, st *hv.GICState) error {
	c, err := g.cpu(vcpu)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st.HCR = c.hcr
	st.VMCR = c.vmcr
	st.NumLR = len(c.lr)
	for i := range c.lr {
		st.LR[i] = c.lr[i].Encode()
	}
	for i := 0; i < c.numAP0R; i++ {
		st.AP0R[i] = c.ap0r[i]
	}
	for i := 0; i < c.numAP1R; i++ {
		st.AP1R[i] = c.ap1r[i]
	}

	return nil
}

// Capture decodes the CPU-interface state stored back by the trampoline
// after a guest exit. The guest may have acknowledged or completed
// interrupts, moving list registers through PENDING, ACTIVE and back to
// INACTIVE.
func (g *GIC) Capture(vcpu int, st *hv.GICState) error {
	c, err := g.cpu(vcpu)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.hcr = st.HCR
	c.vmcr = st.VMCR
	for i := range c.lr {
		c.lr[i] = DecodeListRegister(st.LR[i])
	}
	for i := 0; i < c.numAP0R; i++ {
		c.ap0r[i] = st.AP0R[i]
	}
	for i := 0; i < c.numAP1R; i++ {
		c.ap1r[i] = st.AP1R[i]
	}

	return nil
}
