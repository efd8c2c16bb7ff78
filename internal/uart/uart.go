// Package uart emulates a PL011 serial port, the guest console of the VM.
package uart

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/elena19m/armvmm/internal/chipset"
	"github.com/elena19m/armvmm/internal/hv"
)

const (
	regDR    = 0x00
	regFR    = 0x18
	regIBRD  = 0x24
	regFBRD  = 0x28
	regLCRH  = 0x2c
	regCR    = 0x30
	regIFLS  = 0x34
	regIMSC  = 0x38
	regRIS   = 0x3c
	regMIS   = 0x40
	regICR   = 0x44
	regPerID = 0xfe0
	regCelID = 0xff0

	frRXFE = 1 << 4 // receive FIFO empty
	frTXFE = 1 << 7 // transmit FIFO empty

	intRX = 1 << 4
	intTX = 1 << 5

	// Reset value: UART and both directions enabled, so a guest that skips
	// setup still gets console output.
	crReset = 1<<0 | 1<<8 | 1<<9

	rxFIFOSize = 128

	MMIOWindowSize = 0x1000
)

// Identification registers of a PL011 revision 3.
var periphID = [8]uint32{0x11, 0x10, 0x34, 0x00, 0x0d, 0xf0, 0x05, 0xb1}

// Device is one PL011 instance. Output bytes go to out as they are written;
// input bytes are pulled from in by a reader goroutine and drained into the
// receive FIFO on Poll.
type Device struct {
	base uint64
	out  io.Writer
	line chipset.LineInterrupt

	in    io.Reader
	inCh  chan byte
	close chan struct{}

	mu   sync.Mutex
	rx   []byte
	ibrd uint32
	fbrd uint32
	lcrh uint32
	cr   uint32
	ifls uint32
	imsc uint32
}

// New constructs a PL011 mapped at base. in may be nil for an output-only
// console; line carries the combined interrupt and may be detached.
func New(base uint64, in io.Reader, out io.Writer, line chipset.LineInterrupt) *Device {
	if out == nil {
		out = io.Discard
	}
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	return &Device{
		base:  base,
		out:   out,
		line:  line,
		in:    in,
		inCh:  make(chan byte, rxFIFOSize),
		close: make(chan struct{}),
		cr:    crReset,
	}
}

// Start launches the input reader goroutine.
func (d *Device) Start() error {
	if d.in == nil {
		return nil
	}
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := d.in.Read(buf)
			if n > 0 {
				select {
				case d.inCh <- buf[0]:
				case <-d.close:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

// Stop detaches the input reader. Safe to call once.
func (d *Device) Stop() error {
	close(d.close)
	return nil
}

// Reset restores the register file to its power-on state.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx = d.rx[:0]
	d.ibrd, d.fbrd, d.lcrh, d.ifls, d.imsc = 0, 0, 0, 0, 0
	d.cr = crReset
	d.updateLineLocked()
	return nil
}

// SupportsMmio registers the PL011 register window.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{{Address: d.base, Size: MMIOWindowSize}},
		Handler: d,
	}
}

// SupportsPollDevice drains queued input into the receive FIFO.
func (d *Device) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: d}
}

// Poll moves buffered input bytes into the receive FIFO and re-evaluates the
// interrupt line.
func (d *Device) Poll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.rx) < rxFIFOSize {
		select {
		case b := <-d.inCh:
			d.rx = append(d.rx, b)
		default:
			d.updateLineLocked()
			return nil
		}
	}
	d.updateLineLocked()
	return nil
}

// ris computes the raw interrupt status: receive pends while the FIFO holds
// data, transmit pends always since output never blocks. Caller holds d.mu.
func (d *Device) ris() uint32 {
	var ris uint32 = intTX
	if len(d.rx) > 0 {
		ris |= intRX
	}
	return ris
}

func (d *Device) updateLineLocked() {
	d.line.SetLevel(d.ris()&d.imsc != 0)
}

func (d *Device) offsetFor(addr uint64) (uint64, error) {
	if addr < d.base || addr >= d.base+MMIOWindowSize {
		return 0, fmt.Errorf("uart: address 0x%x outside MMIO window", addr)
	}
	return addr - d.base, nil
}

// ReadMMIO handles PL011 register reads.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	offset, err := d.offsetFor(addr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var val uint32
	switch {
	case offset == regDR:
		if len(d.rx) > 0 {
			val = uint32(d.rx[0])
			d.rx = d.rx[1:]
			d.updateLineLocked()
		}
	case offset == regFR:
		val = frTXFE
		if len(d.rx) == 0 {
			val |= frRXFE
		}
	case offset == regIBRD:
		val = d.ibrd
	case offset == regFBRD:
		val = d.fbrd
	case offset == regLCRH:
		val = d.lcrh
	case offset == regCR:
		val = d.cr
	case offset == regIFLS:
		val = d.ifls
	case offset == regIMSC:
		val = d.imsc
	case offset == regRIS:
		val = d.ris()
	case offset == regMIS:
		val = d.ris() & d.imsc
	case offset >= regPerID && offset < regCelID+0x10:
		val = periphID[(offset-regPerID)/4]
	default:
		// Unimplemented registers read as zero.
	}

	for i := range data {
		data[i] = byte(val >> (8 * i))
	}
	return nil
}

// WriteMMIO handles PL011 register writes.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	offset, err := d.offsetFor(addr)
	if err != nil {
		return err
	}

	var val uint32
	for i := len(data) - 1; i >= 0; i-- {
		val = val<<8 | uint32(data[i])
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case regDR:
		if _, err := d.out.Write([]byte{byte(val)}); err != nil {
			return fmt.Errorf("uart: console write: %w", err)
		}
	case regIBRD:
		d.ibrd = val
	case regFBRD:
		d.fbrd = val
	case regLCRH:
		d.lcrh = val
	case regCR:
		d.cr = val
	case regIFLS:
		d.ifls = val
	case regIMSC:
		d.imsc = val
		d.updateLineLocked()
	case regICR:
		// Receive and transmit interrupts are level, recomputed from FIFO
		// state; the clear register has nothing latched to clear.
		d.updateLineLocked()
	default:
		// Unimplemented registers ignore writes.
	}
	return nil
}
