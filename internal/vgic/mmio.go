package vgic

import (
	"encoding/binary"
	"fmt"

	"github.com/elena19m/armvmm/internal/hv"
)

func readU32LE(data []byte) uint32       { return binary.LittleEndian.Uint32(data) }
func writeU32LE(data []byte, val uint32) { binary.LittleEndian.PutUint32(data, val) }
func readU64LE(data []byte) uint64       { return binary.LittleEndian.Uint64(data) }
func writeU64LE(data []byte, val uint64) { binary.LittleEndian.PutUint64(data, val) }

// Distributor returns the MMIO device emulating the distributor frame for
// the guest at region.
func (g *GIC) Distributor(region hv.MMIORegion) hv.MemoryMappedIODevice {
	return &distDevice{gic: g, region: region}
}

// Redistributor returns the MMIO device emulating the redistributor frames.
// Each vCPU owns one RD frame and one SGI frame, laid out consecutively in
// vCPU order.
func (g *GIC) Redistributor(region hv.MMIORegion) hv.MemoryMappedIODevice {
	return &redistDevice{gic: g, region: region}
}

type distDevice struct {
	gic    *GIC
	region hv.MMIORegion
}

func (d *distDevice) MMIORegions() []hv.MMIORegion { return []hv.MMIORegion{d.region} }

func (d *distDevice) ReadMMIO(addr uint64, data []byte) error {
	g := d.gic
	off := addr - d.region.Address

	// The priority table is byte-accessible.
	if off >= gicdIPRIORITYOff && off < gicdIPRIORITYOff+uint64(g.dist.nirqs) {
		for i := range data {
			irq := uint32(off) - gicdIPRIORITYOff + uint32(i)
			if irq <= lastPPI || irq >= g.dist.nirqs {
				// Private rows are banked in the redistributors when
				// affinity routing is on.
				data[i] = 0
			} else {
				data[i] = g.dist.ipriority[irq]
			}
		}
		return nil
	}

	if off >= gicdIROUTEROff && off < gicdIROUTEROff+8*uint64(g.dist.nirqs) {
		irq := uint32(off-gicdIROUTEROff) / 8
		if irq <= lastPPI {
			return readReg64(data, off%8, 0)
		}
		return readReg64(data, off%8, g.dist.irouter[irq])
	}

	if len(data) != 4 {
		return fmt.Errorf("unsupported %d-byte distributor read at 0x%X", len(data), off)
	}

	var val uint32
	switch {
	case off == gicdCTLROff:
		val = g.dist.ctlr
	case off == gicdTYPEROff:
		val = g.dist.typer
	case off == gicdIIDROff:
		val = 0
	case off == gicdPIDR2Off:
		val = g.dist.pidr2
	case regIndex(off, gicdIGROUPROff, g.dist.nirqs/32) >= 0:
		if n := regIndex(off, gicdIGROUPROff, g.dist.nirqs/32); n > 0 {
			val = g.dist.igroupr[n]
		}
	case regIndex(off, gicdISENABLEROff, g.dist.nirqs/32) >= 0:
		if n := regIndex(off, gicdISENABLEROff, g.dist.nirqs/32); n > 0 {
			val = g.dist.ienabler[n]
		}
	case regIndex(off, gicdICENABLEROff, g.dist.nirqs/32) >= 0:
		if n := regIndex(off, gicdICENABLEROff, g.dist.nirqs/32); n > 0 {
			val = g.dist.ienabler[n]
		}
	case regIndex(off, gicdISPENDROff, g.dist.nirqs/32) >= 0,
		regIndex(off, gicdICPENDROff, g.dist.nirqs/32) >= 0,
		regIndex(off, gicdISACTIVEROff, g.dist.nirqs/32) >= 0,
		regIndex(off, gicdICACTIVEROff, g.dist.nirqs/32) >= 0:
		// Pending and active state lives in the list registers, not here.
		val = 0
	case regIndex(off, gicdICFGROff, g.dist.nirqs/16) >= 0:
		val = g.dist.icfgr[regIndex(off, gicdICFGROff, g.dist.nirqs/16)]
	default:
		return fmt.Errorf("unhandled distributor read at 0x%X", off)
	}

	writeU32LE(data, val)
	return nil
}

func (d *distDevice) WriteMMIO(addr uint64, data []byte) error {
	g := d.gic
	off := addr - d.region.Address

	g.dist.mu.Lock()
	defer g.dist.mu.Unlock()

	if off >= gicdIPRIORITYOff && off < gicdIPRIORITYOff+uint64(g.dist.nirqs) {
		for i := range data {
			irq := uint32(off) - gicdIPRIORITYOff + uint32(i)
			if irq <= lastPPI || irq >= g.dist.nirqs {
				continue
			}
			if g.dist.ipriority[irq] == data[i] {
				continue
			}
			g.dist.ipriority[irq] = data[i]
			g.SetPriority(irq, data[i], 0)
		}
		return nil
	}

	if off >= gicdIROUTEROff && off < gicdIROUTEROff+8*uint64(g.dist.nirqs) {
		irq := uint32(off-gicdIROUTEROff) / 8
		if irq <= lastPPI {
			return nil
		}
		return writeReg64(data, off%8, &g.dist.irouter[irq])
	}

	if len(data) != 4 {
		return fmt.Errorf("unsupported %d-byte distributor write at 0x%X", len(data), off)
	}
	val := readU32LE(data)

	switch {
	case off == gicdCTLROff:
		// Only the group enables are writable; ARE and DS are RAO/WI for a
		// single security state.
		old := g.dist.ctlr
		g.dist.ctlr = val&(gicdCTLRG1|gicdCTLRG1A) | gicdCTLRARENS | gicdCTLRDS
		if old&gicdCTLRG1 != g.dist.ctlr&gicdCTLRG1 {
			g.ToggleGroupEnabled(0, g.dist.ctlr&gicdCTLRG1 != 0)
		}
		if old&gicdCTLRG1A != g.dist.ctlr&gicdCTLRG1A {
			g.ToggleGroupEnabled(1, g.dist.ctlr&gicdCTLRG1A != 0)
		}
	case off == gicdTYPEROff, off == gicdIIDROff, off == gicdPIDR2Off:
		// Read-only.
	case regIndex(off, gicdIGROUPROff, g.dist.nirqs/32) >= 0:
		n := regIndex(off, gicdIGROUPROff, g.dist.nirqs/32)
		if n == 0 {
			return nil
		}
		old := g.dist.igroupr[n]
		g.dist.igroupr[n] = val
		for bit := uint32(0); bit < 32; bit++ {
			if (old^val)&(1<<bit) == 0 {
				continue
			}
			g.SetGroup(uint32(n)*32+bit, uint8(val>>bit&1), 0)
		}
	case regIndex(off, gicdISENABLEROff, g.dist.nirqs/32) >= 0:
		n := regIndex(off, gicdISENABLEROff, g.dist.nirqs/32)
		if n == 0 {
			return nil
		}
		g.dist.ienabler[n] |= val
		for bit := uint32(0); bit < 32; bit++ {
			if val&(1<<bit) != 0 {
				g.ToggleEnabled(uint32(n)*32+bit, true, 0)
			}
		}
	case regIndex(off, gicdICENABLEROff, g.dist.nirqs/32) >= 0:
		n := regIndex(off, gicdICENABLEROff, g.dist.nirqs/32)
		if n == 0 {
			return nil
		}
		g.dist.ienabler[n] &^= val
		for bit := uint32(0); bit < 32; bit++ {
			if val&(1<<bit) != 0 {
				g.ToggleEnabled(uint32(n)*32+bit, false, 0)
			}
		}
	case regIndex(off, gicdISPENDROff, g.dist.nirqs/32) >= 0,
		regIndex(off, gicdICPENDROff, g.dist.nirqs/32) >= 0,
		regIndex(off, gicdISACTIVEROff, g.dist.nirqs/32) >= 0,
		regIndex(off, gicdICACTIVEROff, g.dist.nirqs/32) >= 0:
		// Write-ignored.
	case regIndex(off, gicdICFGROff, g.dist.nirqs/16) >= 0:
		n := regIndex(off, gicdICFGROff, g.dist.nirqs/16)
		if n >= 2 {
			// Rows 0 and 1 configure private interrupts, banked in the
			// redistributors; row 0 is read-only besides.
			g.dist.icfgr[n] = val
		}
	default:
		return fmt.Errorf("unhandled distributor write at 0x%X", off)
	}

	return nil
}

// regIndex maps off into a register file starting at base with count 32-bit
// rows, returning -1 when off is outside it.
func regIndex(off, base uint64, count uint32) int {
	if off < base || off >= base+4*uint64(count) {
		return -1
	}
	return int(off-base) / 4
}

// readReg64 serves a 4- or 8-byte read of a 64-bit register.
func readReg64(data []byte, byteOff uint64, val uint64) error {
	switch {
	case len(data) == 8 && byteOff == 0:
		writeU64LE(data, val)
	case len(data) == 4 && byteOff == 0:
		writeU32LE(data, uint32(val))
	case len(data) == 4 && byteOff == 4:
		writeU32LE(data, uint32(val>>32))
	default:
		return fmt.Errorf("unsupported %d-byte access at byte offset %d", len(data), byteOff)
	}
	return nil
}

// writeReg64 applies a 4- or 8-byte write to a 64-bit register.
func writeReg64(data []byte, byteOff uint64, reg *uint64) error {
	switch {
	case len(data) == 8 && byteOff == 0:
		*reg = readU64LE(data)
	case len(data) == 4 && byteOff == 0:
		*reg = *reg&^0xffffffff | uint64(readU32LE(data))
	case len(data) == 4 && byteOff == 4:
		*reg = *reg&0xffffffff | uint64(readU32LE(data))<<32
	default:
		return fmt.Errorf("unsupported %d-byte access at byte offset %d", len(data), byteOff)
	}
	return nil
}

type redistDevice struct {
	gic    *GIC
	region hv.MMIORegion
}

func (d *redistDevice) MMIORegions() []hv.MMIORegion { return []hv.MMIORegion{d.region} }

// frame resolves an offset into the owning vCPU's redistributor and the
// offset within its pair of frames.
func (d *redistDevice) frame(off uint64) (*cpuInterface, uint64, error) {
	vcpu := int(off / gicrStride)
	if vcpu >= len(d.gic.cpus) {
		return nil, 0, fmt.Errorf("redistributor access beyond last vCPU at 0x%X", off)
	}
	return d.gic.cpus[vcpu], off % gicrStride, nil
}

func (d *redistDevice) ReadMMIO(addr uint64, data []byte) error {
	g := d.gic
	off := addr - d.region.Address

	c, frameOff, err := d.frame(off)
	if err != nil {
		return err
	}

	if frameOff >= gicrFrameSize {
		return d.readSGIFrame(c, frameOff-gicrFrameSize, data)
	}

	if frameOff == gicrTYPEROff {
		return readReg64(data, 0, c.redist.typer)
	}
	if frameOff == gicrTYPEROff+4 {
		return readReg64(data, 4, c.redist.typer)
	}

	if len(data) != 4 {
		return fmt.Errorf("unsupported %d-byte redistributor read at 0x%X", len(data), frameOff)
	}

	var val uint32
	switch frameOff {
	case gicrCTLROff:
		val = c.redist.ctlr
	case gicrIIDROff:
		val = 0
	case gicrWAKEROff:
		val = c.redist.waker
	case gicrPIDR2Off:
		val = g.dist.pidr2
	default:
		return fmt.Errorf("unhandled redistributor read at 0x%X", frameOff)
	}

	writeU32LE(data, val)
	return nil
}

func (d *redistDevice) WriteMMIO(addr uint64, data []byte) error {
	off := addr - d.region.Address

	c, frameOff, err := d.frame(off)
	if err != nil {
		return err
	}

	if frameOff >= gicrFrameSize {
		return d.writeSGIFrame(c, int(off/gicrStride), frameOff-gicrFrameSize, data)
	}

	if len(data) != 4 {
		return fmt.Errorf("unsupported %d-byte redistributor write at 0x%X", len(data), frameOff)
	}
	val := readU32LE(data)

	switch frameOff {
	case gicrCTLROff:
		// LPIs stay off; only the 1-of-N participation bits are writable.
		c.redist.ctlr = val & (gicrCTLRDPG0 | gicrCTLRDPG1NS)
	case gicrWAKEROff:
		if val&gicrWakerProcessorSleep != 0 {
			c.redist.waker |= gicrWakerProcessorSleep | gicrWakerChildrenAsleep
		} else {
			c.redist.waker &^= gicrWakerProcessorSleep | gicrWakerChildrenAsleep
		}
	case gicrIIDROff, gicrPIDR2Off:
		// Read-only.
	default:
		return fmt.Errorf("unhandled redistributor write at 0x%X", frameOff)
	}

	return nil
}

func (d *redistDevice) readSGIFrame(c *cpuInterface, sgiOff uint64, data []byte) error {
	g := d.gic

	if sgiOff >= gicrIPRIORITYROff && sgiOff < gicrIPRIORITYROff+lastPPI+1 {
		for i := range data {
			irq := sgiOff - gicrIPRIORITYROff + uint64(i)
			if irq > lastPPI {
				data[i] = 0
				continue
			}
			data[i] = c.redist.ipriority[irq]
		}
		return nil
	}

	if len(data) != 4 {
		return fmt.Errorf("unsupported %d-byte SGI frame read at 0x%X", len(data), sgiOff)
	}

	var val uint32
	switch sgiOff {
	case gicrIGROUPR0Off:
		val = c.redist.igroupr0
	case gicrISENABLER0Off, gicrICENABLER0Off:
		val = c.redist.ienabler0
	case gicrICFGR0Off:
		// SGI configuration mirrors the host and is read-only.
		val = g.dist.icfgr[0]
	case gicrICFGR1Off:
		val = c.redist.icfgr1
	default:
		return fmt.Errorf("unhandled SGI frame read at 0x%X", sgiOff)
	}

	writeU32LE(data, val)
	return nil
}

func (d *redistDevice) writeSGIFrame(c *cpuInterface, vcpu int, sgiOff uint64, data []byte) error {
	g := d.gic

	g.dist.mu.Lock()
	defer g.dist.mu.Unlock()

	if sgiOff >= gicrIPRIORITYROff && sgiOff < gicrIPRIORITYROff+lastPPI+1 {
		for i := range data {
			irq := uint32(sgiOff) - gicrIPRIORITYROff + uint32(i)
			if irq > lastPPI {
				continue
			}
			if c.redist.ipriority[irq] == data[i] {
				continue
			}
			c.redist.ipriority[irq] = data[i]
			if irq >= firstPPI {
				g.SetPriority(irq, data[i], vcpu)
			}
		}
		return nil
	}

	if len(data) != 4 {
		return fmt.Errorf("unsupported %d-byte SGI frame write at 0x%X", len(data), sgiOff)
	}
	val := readU32LE(data)

	switch sgiOff {
	case gicrIGROUPR0Off:
		old := c.redist.igroupr0
		c.redist.igroupr0 = val
		for bit := uint32(firstPPI); bit <= lastPPI; bit++ {
			if (old^val)&(1<<bit) != 0 {
				g.SetGroup(bit, uint8(val>>bit&1), vcpu)
			}
		}
	case gicrISENABLER0Off:
		c.redist.ienabler0 |= val
		for bit := uint32(firstPPI); bit <= lastPPI; bit++ {
			if val&(1<<bit) != 0 {
				g.ToggleEnabled(bit, true, vcpu)
			}
		}
	case gicrICENABLER0Off:
		c.redist.ienabler0 &^= val
		for bit := uint32(firstPPI); bit <= lastPPI; bit++ {
			if val&(1<<bit) != 0 {
				g.ToggleEnabled(bit, false, vcpu)
			}
		}
	case gicrICFGR0Off:
		// Read-only.
	case gicrICFGR1Off:
		c.redist.icfgr1 = val
	default:
		return fmt.Errorf("unhandled SGI frame write at 0x%X", sgiOff)
	}

	return nil
}
