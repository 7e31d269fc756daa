package chipset

import (
	"context"

	"github.com/tinyrange/xhci/internal/hv"
)

// MmioHandler serves accesses to guest-physical addresses inside the
// windows it was registered for.
type MmioHandler interface {
	ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
}

// MmioIntercept lists a device's windows. Window i is relocated by index i.
type MmioIntercept struct {
	Regions []hv.MMIORegion
	Handler MmioHandler
}

// Relocatable devices are told when one of their windows moves, such as a
// PCI BAR the guest reprogrammed.
type Relocatable interface {
	RelocateMmio(index int, base uint64)
}

// PollHandler runs once per frame.
type PollHandler interface {
	Poll(ctx context.Context) error
}

type PollDevice struct {
	Handler PollHandler
}

// LineInterrupt is the device end of an interrupt line.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type funcLine func(bool)

func (f funcLine) SetLevel(high bool) {
	if f != nil {
		f(high)
	}
}

func (f funcLine) PulseInterrupt() {
	f.SetLevel(true)
	f.SetLevel(false)
}

// LineInterruptFromFunc calls fn with every level change. A nil fn drops
// them.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt { return funcLine(fn) }

// LineInterruptDetached returns a line that is not wired to anything.
func LineInterruptDetached() LineInterrupt { return funcLine(nil) }

// ChipsetDevice is a device the chipset owns: identity, lifecycle, and the
// optional MMIO and polling hooks. Either hook may return nil.
type ChipsetDevice interface {
	hv.Device
	Start() error
	Stop() error
	Reset() error

	SupportsMmio() *MmioIntercept
	SupportsPollDevice() *PollDevice
}

// MmioDevice wraps a plain MMIO device with no lifecycle or polling.
func MmioDevice(dev hv.MemoryMappedIODevice) ChipsetDevice { return mmioOnly{dev} }

type mmioOnly struct {
	hv.MemoryMappedIODevice
}

func (mmioOnly) Start() error { return nil }
func (mmioOnly) Stop() error  { return nil }
func (mmioOnly) Reset() error { return nil }

func (d mmioOnly) SupportsMmio() *MmioIntercept {
	return &MmioIntercept{Regions: d.MMIORegions(), Handler: d.MemoryMappedIODevice}
}

func (mmioOnly) SupportsPollDevice() *PollDevice { return nil }
