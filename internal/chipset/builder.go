package chipset

import (
	"fmt"
	"maps"
	"slices"

	"github.com/tinyrange/xhci/internal/hv"
)

// InterruptSink receives interrupt line edges.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// window is one MMIO region owned by a device.
type window struct {
	owner   string
	index   int
	region  hv.MMIORegion
	handler MmioHandler
}

func (w window) end() uint64 { return w.region.Address + w.region.Size }

// windows is the MMIO dispatch table. Windows never overlap.
type windows []window

// fits reports why [base, base+size) cannot be placed, ignoring the window
// at skip.
func (ws windows) fits(skip int, base, size uint64) error {
	if size == 0 {
		return fmt.Errorf("MMIO region at %#x has zero size", base)
	}
	end := base + size
	if end < base {
		return fmt.Errorf("MMIO region %#x+%#x wraps the address space", base, size)
	}
	for i, w := range ws {
		if i != skip && base < w.end() && w.region.Address < end {
			return fmt.Errorf("MMIO region %#x-%#x overlaps %q at %#x-%#x",
				base, end-1, w.owner, w.region.Address, w.end()-1)
		}
	}
	return nil
}

func (ws windows) find(owner string, index int) int {
	return slices.IndexFunc(ws, func(w window) bool { return w.owner == owner && w.index == index })
}

// Builder collects devices before the Chipset is assembled.
type Builder struct {
	devices map[string]ChipsetDevice
	mmio    windows
	polls   []PollHandler
}

func NewBuilder() *Builder {
	return &Builder{devices: make(map[string]ChipsetDevice)}
}

// RegisterDevice adds dev under name along with its MMIO regions and poll
// handler. Nothing is registered if any region is rejected.
func (b *Builder) RegisterDevice(name string, dev ChipsetDevice) error {
	switch {
	case name == "":
		return fmt.Errorf("chipset: device name is empty")
	case dev == nil:
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, dup := b.devices[name]; dup {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	mmio := b.mmio
	if icpt := dev.SupportsMmio(); icpt != nil {
		if icpt.Handler == nil {
			return fmt.Errorf("chipset: device %q has MMIO regions but no handler", name)
		}
		for i, r := range icpt.Regions {
			if err := mmio.fits(-1, r.Address, r.Size); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
			mmio = append(mmio, window{owner: name, index: i, region: r, handler: icpt.Handler})
		}
	}
	var poll PollHandler
	if p := dev.SupportsPollDevice(); p != nil {
		if p.Handler == nil {
			return fmt.Errorf("chipset: device %q has a nil poll handler", name)
		}
		poll = p.Handler
	}

	b.mmio = mmio
	if poll != nil {
		b.polls = append(b.polls, poll)
	}
	b.devices[name] = dev
	return nil
}

// Build returns a Chipset with a copy of the registered layout.
func (b *Builder) Build() (*Chipset, error) {
	if len(b.devices) == 0 {
		return nil, fmt.Errorf("chipset: no devices registered")
	}
	names := make([]string, 0, len(b.devices))
	for name := range b.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return &Chipset{
		devices: maps.Clone(b.devices),
		order:   names,
		polls:   slices.Clone(b.polls),
		mmio:    slices.Clone(b.mmio),
	}, nil
}
