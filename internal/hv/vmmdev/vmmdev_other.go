//go:build !linux

package vmmdev

import (
	"context"
	"fmt"

	"github.com/elena19m/armvmm/internal/hv"
)

// Device is unavailable on this platform.
type Device struct{}

func Open() (*Device, error) {
	return nil, fmt.Errorf("vmmdev: %w", hv.ErrUnsupported)
}

func (d *Device) Close() error { return nil }

func (d *Device) EnterGuest(ctx context.Context, cpu *hv.CPUContext) (hv.TrapReason, error) {
	return 0, fmt.Errorf("vmmdev: %w", hv.ErrUnsupported)
}

func (d *Device) ReadCapability(cap hv.Capability) (uint64, error) {
	return 0, fmt.Errorf("vmmdev: %w", hv.ErrUnsupported)
}
