// Package chipset routes guest MMIO to devices, drives their per-frame
// polling, and models the interrupt lines between them and the host.
package chipset

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyrange/xhci/internal/hv"
)

// Chipset is an assembled device layout. MMIO dispatch may run
// concurrently with RelocateMmio.
type Chipset struct {
	devices map[string]ChipsetDevice
	order   []string
	polls   []PollHandler

	mu   sync.RWMutex
	mmio windows
}

func (c *Chipset) each(verb string, fn func(ChipsetDevice) error) error {
	for _, name := range c.order {
		if err := fn(c.devices[name]); err != nil {
			return fmt.Errorf("chipset: %s device %q: %w", verb, name, err)
		}
	}
	return nil
}

// Start starts every device in name order.
func (c *Chipset) Start() error {
	return c.each("start", func(d ChipsetDevice) error { return d.Start() })
}

// Stop stops every device in name order.
func (c *Chipset) Stop() error {
	return c.each("stop", func(d ChipsetDevice) error { return d.Stop() })
}

// Reset resets every device in name order.
func (c *Chipset) Reset() error {
	return c.each("reset", func(d ChipsetDevice) error { return d.Reset() })
}

// HandleMMIO dispatches an access that lies entirely inside one window.
func (c *Chipset) HandleMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) error {
	c.mu.RLock()
	var handler MmioHandler
	for _, w := range c.mmio {
		if w.region.Contains(addr, len(data)) {
			handler = w.handler
			break
		}
	}
	c.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("chipset: MMIO %#016x/%d: %w", addr, len(data), hv.ErrAddressNotHandled)
	}
	if isWrite {
		return handler.WriteMMIO(ctx, addr, data)
	}
	return handler.ReadMMIO(ctx, addr, data)
}

// RelocateMmio moves window index of the named device to base, keeping its
// size. A device implementing Relocatable is told after the table changes.
func (c *Chipset) RelocateMmio(name string, index int, base uint64) error {
	dev, ok := c.devices[name]
	if !ok {
		return fmt.Errorf("chipset: relocate unknown device %q", name)
	}
	c.mu.Lock()
	i := c.mmio.find(name, index)
	if i < 0 {
		c.mu.Unlock()
		return fmt.Errorf("chipset: device %q has no MMIO region %d", name, index)
	}
	if err := c.mmio.fits(i, base, c.mmio[i].region.Size); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("chipset: relocate %q: %w", name, err)
	}
	c.mmio[i].region.Address = base
	c.mu.Unlock()

	if r, ok := dev.(Relocatable); ok {
		r.RelocateMmio(index, base)
	}
	return nil
}

// Regions returns the named device's current windows in index order.
func (c *Chipset) Regions(name string) []hv.MMIORegion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []hv.MMIORegion
	for i := 0; ; i++ {
		j := c.mmio.find(name, i)
		if j < 0 {
			return out
		}
		out = append(out, c.mmio[j].region)
	}
}

// Poll runs one frame on every poll-capable device in registration order.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, h := range c.polls {
		if err := h.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}
