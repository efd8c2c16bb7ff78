package vmm

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/elena19m/armvmm/internal/hv"
	"github.com/elena19m/armvmm/internal/vgic"
	"github.com/elena19m/armvmm/internal/vtimer"
)

// vmSnapshot is the structured machine state stored in a snapshot file,
// between the header and the compressed memory image.
type vmSnapshot struct {
	CPUs  []hv.CPUContext
	GIC   *vgic.State
	Timer []vtimer.CPUState
}

// configHash fingerprints the parts of the configuration a snapshot depends
// on. Restoring into a VM with a different layout is refused.
func (vm *VM) configHash() hv.VMConfigHash {
	devices := []hv.DeviceConfig{
		{ID: "distributor", Base: vm.cfg.DistBase, Size: vm.cfg.DistSize},
		{ID: "redistributor", Base: vm.cfg.RedistBase, Size: vm.cfg.redistSize()},
		{ID: "timer", IRQLine: vm.cfg.TimerIRQ},
	}
	return hv.ComputeConfigHash(vm.cfg.MemoryBase, vm.cfg.MemorySize, len(vm.cpus), devices)
}

// SaveSnapshot writes the complete VM state to path. The vCPUs must be
// stopped; nothing prevents a concurrent Run from tearing the image.
func (vm *VM) SaveSnapshot(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if err := vm.writeSnapshot(f); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores VM state saved by SaveSnapshot. The VM must have
// been built from the same configuration.
func (vm *VM) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	if err := vm.readSnapshot(f); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	return nil
}

func (vm *VM) writeSnapshot(w io.Writer) error {
	// Header
	for _, field := range []uint32{hv.SnapshotMagic, hv.SnapshotVersion, 0 /* flags */} {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	hash := vm.configHash()
	if _, err := w.Write(hash[:]); err != nil {
		return fmt.Errorf("write config hash: %w", err)
	}

	// Structured state, length-prefixed so the memory image can follow on
	// the same stream.
	snap := vmSnapshot{
		CPUs:  make([]hv.CPUContext, len(vm.cpus)),
		GIC:   vm.gic.SaveState(),
		Timer: vm.timer.SaveState(),
	}
	for i, v := range vm.cpus {
		snap.CPUs[i] = v.ctx
	}

	var stateBuf bytes.Buffer
	if err := gob.NewEncoder(&stateBuf).Encode(&snap); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(stateBuf.Len())); err != nil {
		return fmt.Errorf("write state length: %w", err)
	}
	if _, err := w.Write(stateBuf.Bytes()); err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	return writeCompressedMemory(w, vm.mem.data)
}

func (vm *VM) readSnapshot(r io.Reader) error {
	var magic, version, flags uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return fmt.Errorf("read flags: %w", err)
	}
	if magic != hv.SnapshotMagic {
		return fmt.Errorf("invalid magic: expected %#x, got %#x", hv.SnapshotMagic, magic)
	}
	if version != hv.SnapshotVersion {
		return fmt.Errorf("unsupported version: %d", version)
	}
	_ = flags // reserved

	var hash hv.VMConfigHash
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return fmt.Errorf("read config hash: %w", err)
	}
	if want := vm.configHash(); hash != want {
		return fmt.Errorf("configuration mismatch: snapshot %s, VM %s", hash, want)
	}

	var stateLen uint64
	if err := binary.Read(r, binary.LittleEndian, &stateLen); err != nil {
		return fmt.Errorf("read state length: %w", err)
	}
	stateBytes := make([]byte, stateLen)
	if _, err := io.ReadFull(r, stateBytes); err != nil {
		return fmt.Errorf("read state: %w", err)
	}

	var snap vmSnapshot
	if err := gob.NewDecoder(bytes.NewReader(stateBytes)).Decode(&snap); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	if len(snap.CPUs) != len(vm.cpus) {
		return fmt.Errorf("snapshot has %d vCPUs, VM has %d", len(snap.CPUs), len(vm.cpus))
	}

	if err := readCompressedMemory(r, vm.mem.data); err != nil {
		return err
	}

	for i, v := range vm.cpus {
		v.ctx = snap.CPUs[i]
	}
	if err := vm.gic.RestoreState(snap.GIC); err != nil {
		return fmt.Errorf("restore interrupt controller: %w", err)
	}
	if err := vm.timer.RestoreState(snap.Timer); err != nil {
		return fmt.Errorf("restore timer: %w", err)
	}
	return nil
}

func writeCompressedMemory(w io.Writer, memory []byte) error {
	var compressedBuf bytes.Buffer
	gzw := gzip.NewWriter(&compressedBuf)
	if _, err := gzw.Write(memory); err != nil {
		gzw.Close()
		return fmt.Errorf("compress memory: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("finish compression: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(memory))); err != nil {
		return fmt.Errorf("write memory size: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(compressedBuf.Len())); err != nil {
		return fmt.Errorf("write compressed size: %w", err)
	}
	if _, err := w.Write(compressedBuf.Bytes()); err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	return nil
}

func readCompressedMemory(r io.Reader, memory []byte) error {
	var origSize, compSize uint64
	if err := binary.Read(r, binary.LittleEndian, &origSize); err != nil {
		return fmt.Errorf("read memory size: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &compSize); err != nil {
		return fmt.Errorf("read compressed size: %w", err)
	}
	if origSize != uint64(len(memory)) {
		return fmt.Errorf("snapshot memory is %d bytes, VM has %d", origSize, len(memory))
	}

	gzr, err := gzip.NewReader(io.LimitReader(r, int64(compSize)))
	if err != nil {
		return fmt.Errorf("open compressed memory: %w", err)
	}
	defer gzr.Close()

	if _, err := io.ReadFull(gzr, memory); err != nil {
		return fmt.Errorf("decompress memory: %w", err)
	}
	return nil
}
