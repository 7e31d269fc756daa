package hv

import (
	"errors"
	"fmt"
)

var (
	ErrAddressNotHandled   = errors.New("address not handled")
	ErrInvalidSnapshotType = errors.New("invalid snapshot type")
)

// ExitContext describes the vCPU exit that produced a device access. A nil
// ExitContext is valid and means the access did not originate from a guest
// exit (tests, tooling).
type ExitContext interface {
	// Frame returns the number of 1ms frames the machine has executed.
	Frame() uint64
}

// FrameContext is a trivial ExitContext carrying only a frame counter.
type FrameContext uint64

func (f FrameContext) Frame() uint64 { return uint64(f) }

type Device interface {
	DeviceId() string
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether the access [addr, addr+size) lies entirely inside r.
func (r MMIORegion) Contains(addr uint64, size int) bool {
	end := addr + uint64(size)
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

type SimpleMMIODevice struct {
	ID      string
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) DeviceId() string          { return d.ID }
func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(ctx ExitContext, addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X: %w", addr, ErrAddressNotHandled)
}
func (d SimpleMMIODevice) WriteMMIO(ctx ExitContext, addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X: %w", addr, ErrAddressNotHandled)
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
)
