package vmm

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// memory is the anonymous mapping backing guest physical RAM, addressed by
// guest-physical address starting at base.
type memory struct {
	base uint64
	data []byte
}

func newMemory(base, size uint64) (*memory, error) {
	if size == 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("memory size 0x%x is not a multiple of the page size", size)
	}

	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping guest memory: %w", err)
	}

	return &memory{base: base, data: data}, nil
}

const pageSize = 1 << pageShift

func (m *memory) size() uint64 { return uint64(len(m.data)) }

func (m *memory) close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// contains reports whether the guest-physical range [gpa, gpa+size) is
// backed by RAM.
func (m *memory) contains(gpa, size uint64) bool {
	return gpa >= m.base && gpa+size >= gpa && gpa+size <= m.base+m.size()
}

func (m *memory) ReadAt(p []byte, off int64) (int, error) {
	gpa := uint64(off)
	if !m.contains(gpa, uint64(len(p))) {
		return 0, fmt.Errorf("read outside guest memory at 0x%x: %w", gpa, io.EOF)
	}
	return copy(p, m.data[gpa-m.base:]), nil
}

func (m *memory) WriteAt(p []byte, off int64) (int, error) {
	gpa := uint64(off)
	if !m.contains(gpa, uint64(len(p))) {
		return 0, fmt.Errorf("write outside guest memory at 0x%x: %w", gpa, io.ErrShortWrite)
	}
	return copy(m.data[gpa-m.base:], p), nil
}
