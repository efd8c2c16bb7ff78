// Package vmm drives guest execution: it owns the per-host capability
// context, per-VM guest memory and interrupt/timer wiring, and the per-vCPU
// world-switch loop that classifies traps into emulation requests.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/elena19m/armvmm/internal/hv"
	"github.com/elena19m/armvmm/internal/psci"
	"github.com/elena19m/armvmm/internal/vgic"
	"github.com/elena19m/armvmm/internal/vtimer"
)

// HCR_EL2 configuration for guests.
const (
	hcrVM    = 1 << 0
	hcrSWIO  = 1 << 1
	hcrFMO   = 1 << 3
	hcrIMO   = 1 << 4
	hcrAMO   = 1 << 5
	hcrFB    = 1 << 9
	hcrBSUIS = 1 << 10
	hcrRW    = 1 << 31
)

const (
	vmpidrRES1 = 1 << 31

	spsrF    = 1 << 6
	spsrI    = 1 << 7
	spsrA    = 1 << 8
	spsrD    = 1 << 9
	spsrEL1h = 0x5

	sctlrRES1 = 0x30c50830
	sctlrM    = 1 << 0

	cptrRES1 = 0x32ff

	cpacrFPENNone = 0x3 << 20

	cnthctlEL1PCTEN = 1 << 0
	cnthctlEL1PCEN  = 1 << 1
)

// Stage-2 address-space tagging.
const (
	vmidMask  = 0xff
	vmidShift = 48
)

// Host is the process-wide virtualization context: the capability state read
// once from hardware and the VMID generation counter shared by every VM. It
// is constructed explicitly and injected into each VM.
type Host struct {
	tramp hv.Trampoline
	log   *slog.Logger

	feat    vgic.Features
	ro      vgic.RORegs
	cnthctl uint64
	freq    uint64
	clock   vtimer.Clock

	vmidMu  sync.Mutex
	vmidGen uint64
}

// NewHost probes the virtualization capabilities through the trampoline. A
// nil clock selects the monotonic system clock at the host counter
// frequency.
func NewHost(tramp hv.Trampoline, clock vtimer.Clock, log *slog.Logger) (*Host, error) {
	if log == nil {
		log = slog.Default()
	}

	vtr, err := tramp.ReadCapability(hv.CapabilityICHVTR)
	if err != nil {
		return nil, fmt.Errorf("reading ICH_VTR_EL2: %w", err)
	}
	feat, err := vgic.DetectFeatures(vtr)
	if err != nil {
		return nil, fmt.Errorf("detecting GIC features: %w", err)
	}

	ro, err := vgic.ReadRORegs(tramp)
	if err != nil {
		return nil, fmt.Errorf("reading host GIC registers: %w", err)
	}

	cnthctl, err := tramp.ReadCapability(hv.CapabilityCNTHCTL)
	if err != nil {
		return nil, fmt.Errorf("reading CNTHCTL_EL2: %w", err)
	}

	freq, err := tramp.ReadCapability(hv.CapabilityCounterFrequency)
	if err != nil {
		return nil, fmt.Errorf("reading counter frequency: %w", err)
	}

	if clock == nil {
		clock = vtimer.NewSystemClock(freq)
	}

	return &Host{
		tramp:   tramp,
		log:     log,
		feat:    feat,
		ro:      ro,
		cnthctl: cnthctl,
		freq:    freq,
		clock:   clock,
	}, nil
}

// Features returns the detected GIC virtualization capabilities.
func (h *Host) Features() vgic.Features { return h.feat }

// CounterFrequency returns the host counter frequency in Hz.
func (h *Host) CounterFrequency() uint64 { return h.freq }

// nextVMID advances the generation counter, skipping values whose VMID
// field is zero so that a fresh VM never aliases the reserved tag.
func (h *Host) nextVMID() uint64 {
	h.vmidMu.Lock()
	defer h.vmidMu.Unlock()

	h.vmidGen++
	if h.vmidGen&vmidMask == 0 {
		h.vmidGen++
	}
	return h.vmidGen
}

// VM is one guest: its memory, interrupt controller, timer and vCPUs.
type VM struct {
	host *Host
	cfg  Config
	log  *slog.Logger

	mem   *memory
	space *hv.AddressSpace
	gic   *vgic.GIC
	timer *vtimer.Timer
	cpus  []*VCPU

	devMu   sync.Mutex
	devices []hv.MemoryMappedIODevice

	vmid  uint64
	vttbr uint64
}

// NewVM builds a guest from cfg. The distributor and redistributor MMIO
// devices are registered automatically; the timer is attached with the
// configured interrupt and frequency.
func NewVM(host *Host, cfg Config) (*VM, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	mem, err := newMemory(cfg.MemoryBase, cfg.MemorySize)
	if err != nil {
		return nil, err
	}

	space := hv.NewAddressSpace(cfg.MemoryBase, cfg.MemorySize)
	if err := space.RegisterFixed("distributor", cfg.DistBase, cfg.DistSize); err != nil {
		mem.close()
		return nil, err
	}
	if err := space.RegisterFixed("redistributor", cfg.RedistBase, cfg.redistSize()); err != nil {
		mem.close()
		return nil, err
	}

	gic, err := vgic.New(host.feat, host.ro, cfg.CPUs, cfg.TimerIRQ, host.log)
	if err != nil {
		mem.close()
		return nil, fmt.Errorf("building interrupt controller: %w", err)
	}

	freq := cfg.CounterFrequency
	if freq == 0 {
		freq = host.freq
	}
	timer := vtimer.New(host.clock, gic, cfg.CPUs, host.log)
	timer.Attach(cfg.TimerIRQ, freq)

	vm := &VM{
		host:  host,
		cfg:   cfg,
		log:   host.log,
		mem:   mem,
		space: space,
		gic:   gic,
		timer: timer,
	}
	vm.vmid = host.nextVMID()
	vm.vttbr = vm.vmid & vmidMask << vmidShift

	vm.AddDevice(gic.Distributor(hv.MMIORegion{Address: cfg.DistBase, Size: cfg.DistSize}))
	vm.AddDevice(gic.Redistributor(hv.MMIORegion{Address: cfg.RedistBase, Size: cfg.redistSize()}))

	// Trap guest accesses to CNTP_{CTL,CVAL,TVAL}_EL0, leave the counter
	// itself untrapped.
	cnthctl := host.cnthctl&^cnthctlEL1PCEN | cnthctlEL1PCTEN

	vm.cpus = make([]*VCPU, cfg.CPUs)
	for i := range vm.cpus {
		vcpu := newVCPU(vm, i, cnthctl)
		if err := gic.CPUInit(i, vcpu.ctx.VMPIDR); err != nil {
			mem.close()
			return nil, fmt.Errorf("initializing vCPU %d: %w", i, err)
		}
		vm.cpus[i] = vcpu
	}

	return vm, nil
}

// Close tears the VM down: the timer is drained first so no callback can
// inject into a freed vCPU context, then guest memory is unmapped.
func (vm *VM) Close() error {
	vm.timer.Detach()
	return vm.mem.close()
}

func (vm *VM) GIC() *vgic.GIC { return vm.gic }

// AddressSpace exposes the guest physical layout for placing extra devices.
func (vm *VM) AddressSpace() *hv.AddressSpace { return vm.space }

func (vm *VM) Timer() *vtimer.Timer { return vm.timer }
func (vm *VM) NumCPUs() int         { return len(vm.cpus) }

// VCPU returns virtual processor id, or nil when out of range.
func (vm *VM) VCPU(id int) *VCPU {
	if id < 0 || id >= len(vm.cpus) {
		return nil
	}
	return vm.cpus[id]
}

// ReadAt reads guest physical memory. off is a guest-physical address.
func (vm *VM) ReadAt(p []byte, off int64) (int, error) { return vm.mem.ReadAt(p, off) }

// WriteAt writes guest physical memory. off is a guest-physical address.
func (vm *VM) WriteAt(p []byte, off int64) (int, error) { return vm.mem.WriteAt(p, off) }

// AddDevice registers an emulated MMIO device.
func (vm *VM) AddDevice(dev hv.MemoryMappedIODevice) {
	vm.devMu.Lock()
	defer vm.devMu.Unlock()
	vm.devices = append(vm.devices, dev)
}

func (vm *VM) deviceAt(gpa uint64) (hv.MemoryMappedIODevice, bool) {
	vm.devMu.Lock()
	defer vm.devMu.Unlock()
	for _, dev := range vm.devices {
		for _, region := range dev.MMIORegions() {
			if region.Contains(gpa) {
				return dev, true
			}
		}
	}
	return nil, false
}

// AssertIRQ buffers a shared device interrupt at the vCPU its routing
// configuration selects.
func (vm *VM) AssertIRQ(irq uint32, class vgic.Class) error {
	return vm.gic.Inject(vm.gic.Route(irq), irq, class)
}

// DeassertIRQ withdraws a device interrupt from every vCPU it may have been
// buffered or presented at.
func (vm *VM) DeassertIRQ(irq uint32) error {
	for id := range vm.cpus {
		if _, err := vm.gic.Remove(id, irq, false); err != nil {
			return err
		}
	}
	return nil
}

// VCPU is one virtual processor, driven by one host thread through Run.
type VCPU struct {
	vm  *VM
	id  int
	ctx hv.CPUContext
}

func newVCPU(vm *VM, id int, cnthctl uint64) *VCPU {
	v := &VCPU{vm: vm, id: id}

	// AArch64 EL1 guest, stage-2 translation on, physical interrupts and
	// SErrors routed to EL2, set/way maintenance upgraded and broadcast.
	v.ctx.HCR = hcrRW | hcrBSUIS | hcrSWIO | hcrFB | hcrVM | hcrAMO | hcrIMO | hcrFMO

	// One thread per affinity-0 node, sixteen nodes per cluster.
	v.ctx.VMPIDR = vmpidrRES1 | uint64(id&0xf) | uint64(id>>4&0xff)<<8

	v.ctx.CPTR = cptrRES1
	v.ctx.CPACR = cpacrFPENNone

	// Interrupts masked until the guest unmasks them, EL1h stack on entry.
	v.ctx.SPSR = spsrD | spsrA | spsrI | spsrF | spsrEL1h

	// MMU off at reset.
	v.ctx.SCTLR = sctlrRES1 &^ sctlrM

	v.ctx.VTTBR = vm.vttbr
	v.ctx.CNTHCTL = cnthctl

	return v
}

func (v *VCPU) ID() int                 { return v.id }
func (v *VCPU) Context() *hv.CPUContext { return &v.ctx }

// SetEntry places the guest program counter at pc for the next Run.
func (v *VCPU) SetEntry(pc uint64) { v.ctx.ELREL2 = pc }

// Run drives the world-switch loop: reconcile buffered interrupts into list
// registers, enter the guest, classify the trap. Traps resolved internally
// (firmware calls, timer register accesses) resume the guest; everything
// else is returned as a typed exit for the caller to emulate or surface.
func (v *VCPU) Run(ctx context.Context) (*hv.Exit, error) {
	vm := v.vm

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := vm.gic.Sync(v.id); err != nil {
			return nil, fmt.Errorf("synchronizing interrupt state: %w", err)
		}
		if err := vm.gic.Flush(v.id, &v.ctx.GIC); err != nil {
			return nil, err
		}

		reason, err := vm.host.tramp.EnterGuest(ctx, &v.ctx)
		if err != nil {
			return nil, fmt.Errorf("entering guest: %w", err)
		}

		if err := vm.gic.Capture(v.id, &v.ctx.GIC); err != nil {
			return nil, err
		}

		exit, resume := v.classify(hv.RawTrap{
			Reason: reason,
			ESR:    v.ctx.ESR,
			FAR:    v.ctx.FAR,
			HPFAR:  v.ctx.HPFAR,
			PC:     v.ctx.ELREL2,
		})
		if exit != nil {
			return exit, nil
		}
		if resume {
			v.ctx.ELREL2 += instSize
		}
	}
}

// classify decodes a trap. A nil exit means the trap was handled internally
// and the guest resumes; resume selects whether the program counter advances
// past the trapped instruction first.
func (v *VCPU) classify(raw hv.RawTrap) (exit *hv.Exit, resume bool) {
	log := v.vm.log

	bogus := func() *hv.Exit { return &hv.Exit{Kind: hv.ExitBogus, Raw: raw} }

	switch raw.Reason {
	case hv.TrapEL1Sync:
		ec := esrEC(raw.ESR)
		iss := esrISS(raw.ESR)

		switch ec {
		case ecHVC:
			if err := psci.Handle(&v.ctx, iss); err != nil {
				if errors.Is(err, psci.ErrMalformedCall) {
					log.Warn("malformed firmware call", "vcpu", v.id, "err", err)
					return bogus(), false
				}
				// The not-supported sentinel is already in x0.
				log.Debug("firmware call not supported", "vcpu", v.id, "err", err)
			}
			// The exception link register already points past the HVC.
			return nil, false

		case ecMSRTrap:
			re, err := decodeSysRegAccess(iss)
			if err != nil {
				log.Warn("undecodable system register trap", "vcpu", v.id, "err", err)
				return bogus(), false
			}
			if v.vm.handleSysReg(v.id, re, &v.ctx) {
				return nil, true
			}
			return &hv.Exit{Kind: hv.ExitRegEmul, Raw: raw, Reg: re}, false

		case ecDataAbortLowerEL:
			ie, err := decodeDataAbort(raw.ESR, raw.FAR, raw.HPFAR)
			if err != nil {
				log.Warn("unsupported data abort", "vcpu", v.id,
					"esr", fmt.Sprintf("0x%x", raw.ESR), "err", err)
				return bogus(), false
			}
			return &hv.Exit{Kind: hv.ExitInstEmul, Raw: raw, Inst: ie}, false

		default:
			log.Warn("unsupported synchronous exception", "vcpu", v.id, "class", ec.String())
			return bogus(), false
		}

	case hv.TrapEL1IRQ, hv.TrapEL1FIQ:
		// Physical interrupts are serviced by the host, not emulated
		// here. Surfaced so the driver decides when to re-enter.
		return bogus(), false

	default:
		log.Warn("unhandled trap", "vcpu", v.id, "reason", raw.Reason.String())
		return bogus(), false
	}
}
