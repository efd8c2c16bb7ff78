//go:build linux

// Package vmmdev drives the EL2 world-switch driver through its character
// device: guest entries and capability reads are ioctls carrying the CPU
// context across the user/kernel boundary.
package vmmdev

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/elena19m/armvmm/internal/hv"
)

const devicePath = "/dev/armvmm"

const (
	vmmdevGetCapability = 0xc010aa00
	vmmdevRun           = 0xc238aa01
	vmmdevAPIVersion    = 0x0000aa02

	apiVersion = 1
)

// wireGICState mirrors hv.GICState with a fixed layout for the run ioctl.
type wireGICState struct {
	HCR   uint64
	VMCR  uint64
	LR    [16]uint64
	NumLR uint32
	_     uint32
	AP0R  [4]uint32
	AP1R  [4]uint32
}

// wireContext mirrors hv.CPUContext with a fixed layout for the run ioctl.
// Trap carries the world-switch result back from the driver.
type wireContext struct {
	X    [30]uint64
	LR   uint64
	SP   uint64
	ELR  uint64
	SPSR uint64
	ELR2 uint64

	HCR     uint64
	VMPIDR  uint64
	VPIDR   uint64
	CPTR    uint64
	SCTLR   uint64
	MAIR    uint64
	CPACR   uint64
	VTTBR   uint64
	CNTHCTL uint64

	ESR   uint64
	FAR   uint64
	HPFAR uint64

	Trap uint32
	_    uint32

	GIC wireGICState
}

type wireCapability struct {
	ID    uint32
	_     uint32
	Value uint64
}

// Device is an open handle on the world-switch driver. It implements
// hv.Trampoline; the ioctls are thread safe, so one handle serves every
// vCPU of a VM.
type Device struct {
	fd int
}

// Open connects to the driver and validates its interface version.
func Open() (*Device, error) {
	fd, err := unix.Open(devicePath, unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devicePath, err)
	}

	version, err := ioctlWithRetry(uintptr(fd), vmmdevAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get interface version: %w", err)
	}
	if version != apiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("vmmdev: unsupported interface version %d, want %d", version, apiVersion)
	}

	return &Device{fd: fd}, nil
}

// Close releases the driver handle.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// EnterGuest runs the guest described by cpu until the next trap. The
// context is checked between EINTR retries, so cancellation interrupts a
// signal-riddled run loop.
func (d *Device) EnterGuest(ctx context.Context, cpu *hv.CPUContext) (hv.TrapReason, error) {
	var wire wireContext
	contextToWire(cpu, &wire)

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		_, err := ioctl(uintptr(d.fd), vmmdevRun, uintptr(unsafe.Pointer(&wire)))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("run ioctl: %w", err)
		}
		break
	}

	wireToContext(&wire, cpu)
	if wire.Trap > uint32(hv.TrapEL2Error) {
		return 0, fmt.Errorf("vmmdev: unknown trap code %d", wire.Trap)
	}
	return hv.TrapReason(wire.Trap), nil
}

// ReadCapability queries one hardware capability from the driver.
func (d *Device) ReadCapability(cap hv.Capability) (uint64, error) {
	arg := wireCapability{ID: uint32(cap)}
	if _, err := ioctlWithRetry(uintptr(d.fd), vmmdevGetCapability, uintptr(unsafe.Pointer(&arg))); err != nil {
		return 0, fmt.Errorf("capability ioctl: %w", err)
	}
	return arg.Value, nil
}

func contextToWire(cpu *hv.CPUContext, wire *wireContext) {
	wire.X = cpu.X
	wire.LR = cpu.LR
	wire.SP = cpu.SP
	wire.ELR = cpu.ELR
	wire.SPSR = cpu.SPSR
	wire.ELR2 = cpu.ELREL2
	wire.HCR = cpu.HCR
	wire.VMPIDR = cpu.VMPIDR
	wire.VPIDR = cpu.VPIDR
	wire.CPTR = cpu.CPTR
	wire.SCTLR = cpu.SCTLR
	wire.MAIR = cpu.MAIR
	wire.CPACR = cpu.CPACR
	wire.VTTBR = cpu.VTTBR
	wire.CNTHCTL = cpu.CNTHCTL
	wire.ESR = cpu.ESR
	wire.FAR = cpu.FAR
	wire.HPFAR = cpu.HPFAR
	wire.Trap = 0

	wire.GIC.HCR = cpu.GIC.HCR
	wire.GIC.VMCR = cpu.GIC.VMCR
	wire.GIC.LR = cpu.GIC.LR
	wire.GIC.NumLR = uint32(cpu.GIC.NumLR)
	wire.GIC.AP0R = cpu.GIC.AP0R
	wire.GIC.AP1R = cpu.GIC.AP1R
}

func wireToContext(wire *wireContext, cpu *hv.CPUContext) {
	cpu.X = wire.X
	cpu.LR = wire.LR
	cpu.SP = wire.SP
	cpu.ELR = wire.ELR
	cpu.SPSR = wire.SPSR
	cpu.ELREL2 = wire.ELR2
	cpu.SCTLR = wire.SCTLR
	cpu.MAIR = wire.MAIR
	cpu.CPACR = wire.CPACR
	cpu.ESR = wire.ESR
	cpu.FAR = wire.FAR
	cpu.HPFAR = wire.HPFAR

	cpu.GIC.HCR = wire.GIC.HCR
	cpu.GIC.VMCR = wire.GIC.VMCR
	cpu.GIC.LR = wire.GIC.LR
	cpu.GIC.NumLR = int(wire.GIC.NumLR)
	cpu.GIC.AP0R = wire.GIC.AP0R
	cpu.GIC.AP1R = wire.GIC.AP1R
}

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

var _ hv.Trampoline = &Device{}
