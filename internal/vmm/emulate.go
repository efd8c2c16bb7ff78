package vmm

import (
	"fmt"

	"github.com/elena19m/armvmm/internal/hv"
)

// MemReadFunc reads size bytes at a guest physical address, returning the
// value zero-extended to 64 bits.
type MemReadFunc func(gpa uint64, size int) (uint64, error)

// MemWriteFunc writes the low size bytes of val at a guest physical address.
type MemWriteFunc func(gpa uint64, val uint64, size int) error

// Emulate completes a trapped load or store against cpu's register file.
// Stores forward the source register through write; loads forward the value
// from read into the destination register, sign-extending when the trapped
// instruction requested it. The program counter is not touched.
func Emulate(cpu *hv.CPUContext, inst *hv.InstEmul, read MemReadFunc, write MemWriteFunc) error {
	size := int(inst.AccessSize)
	switch size {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("unsupported access size %d", size)
	}

	if inst.Write {
		val, err := cpu.Reg(inst.Register)
		if err != nil {
			return err
		}
		if size < 8 {
			val &= 1<<(8*size) - 1
		}
		return write(inst.GPA, val, size)
	}

	val, err := read(inst.GPA, size)
	if err != nil {
		return err
	}
	if inst.SignExtend && size < 8 {
		val = signExtend(val, size)
	}
	return cpu.SetReg(inst.Register, val)
}

func signExtend(val uint64, size int) uint64 {
	shift := 64 - 8*size
	return uint64(int64(val<<shift) >> shift)
}

// HandleExit resolves an exit returned by VCPU.Run against the VM's
// registered devices and advances the guest past the trapped instruction.
// Exits the VM cannot resolve are returned as errors for the caller.
func (vm *VM) HandleExit(vcpu int, exit *hv.Exit) error {
	v := vm.VCPU(vcpu)
	if v == nil {
		return fmt.Errorf("no such vCPU %d", vcpu)
	}

	switch exit.Kind {
	case hv.ExitInstEmul:
		if err := Emulate(&v.ctx, exit.Inst, vm.readMMIO, vm.writeMMIO); err != nil {
			return fmt.Errorf("emulating access at 0x%x: %w", exit.Inst.GPA, err)
		}
		v.ctx.ELREL2 += instSize
		return nil

	default:
		return fmt.Errorf("unhandled exit: %s", exit)
	}
}

func (vm *VM) readMMIO(gpa uint64, size int) (uint64, error) {
	dev, ok := vm.deviceAt(gpa)
	if !ok {
		return 0, fmt.Errorf("no device at 0x%x", gpa)
	}
	buf := make([]byte, size)
	if err := dev.ReadMMIO(gpa, buf); err != nil {
		return 0, err
	}
	var val uint64
	for i := size - 1; i >= 0; i-- {
		val = val<<8 | uint64(buf[i])
	}
	return val, nil
}

func (vm *VM) writeMMIO(gpa uint64, val uint64, size int) error {
	dev, ok := vm.deviceAt(gpa)
	if !ok {
		return fmt.Errorf("no device at 0x%x", gpa)
	}
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(val >> (8 * i))
	}
	return dev.WriteMMIO(gpa, buf)
}

// handleSysReg services trapped timer register accesses in place. It
// reports whether the access was recognized; unrecognized registers are
// surfaced to the caller as a register-emulation exit.
func (vm *VM) handleSysReg(vcpu int, re *hv.RegEmul, cpu *hv.CPUContext) bool {
	reg := sysRegFromISS(re.ISS)

	var read func(int) uint64
	var write func(int, uint64)
	switch reg {
	case sysRegCNTPCTL:
		read, write = vm.timer.ReadCTL, vm.timer.WriteCTL
	case sysRegCNTPCVAL:
		read, write = vm.timer.ReadCVAL, vm.timer.WriteCVAL
	case sysRegCNTPTVAL:
		read, write = vm.timer.ReadTVAL, vm.timer.WriteTVAL
	default:
		return false
	}

	if re.Write {
		val, err := cpu.Reg(re.Register)
		if err != nil {
			return false
		}
		write(vcpu, val)
	} else {
		if err := cpu.SetReg(re.Register, read(vcpu)); err != nil {
			return false
		}
	}
	return true
}
