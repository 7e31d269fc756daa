package xhci

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyrange/xhci/internal/chipset"
	"github.com/tinyrange/xhci/internal/hv"
)

// ChipsetDevice exposes a Controller to the chipset: MMIO at a movable
// base, one Step per poll, and the interrupter level on an interrupt line.
// All access to the controller is serialized.
type ChipsetDevice struct {
	mu     sync.Mutex
	ctrl   *Controller
	mem    Bus
	base   uint64
	irq    chipset.LineInterrupt
	level  bool
	decode func() bool
}

// NewChipsetDevice wraps ctrl. A nil irq drops interrupts.
func NewChipsetDevice(ctrl *Controller, mem Bus, base uint64, irq chipset.LineInterrupt) *ChipsetDevice {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	return &ChipsetDevice{ctrl: ctrl, mem: mem, base: base, irq: irq}
}

// SetDecodeGate installs the predicate for whether the register window
// responds. While it reports false reads return all ones and writes are
// dropped, like a PCI function with memory space disabled.
func (d *ChipsetDevice) SetDecodeGate(fn func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decode = fn
}

// Do runs fn with exclusive access to the controller and resamples the
// interrupt line afterwards.
func (d *ChipsetDevice) Do(fn func(c *Controller) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := fn(d.ctrl)
	d.updateIRQ()
	return err
}

// Base returns the current base address of the register window.
func (d *ChipsetDevice) Base() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.base
}

func (d *ChipsetDevice) updateIRQ() {
	level := d.ctrl.IRQLevel()
	if level == d.level {
		return
	}
	d.level = level
	d.irq.SetLevel(level)
}

// DeviceId implements hv.Device.
func (d *ChipsetDevice) DeviceId() string { return d.ctrl.DeviceId() }

// Start implements chipset.ChipsetDevice.
func (d *ChipsetDevice) Start() error { return nil }

// Stop implements chipset.ChipsetDevice.
func (d *ChipsetDevice) Stop() error { return nil }

// Reset implements chipset.ChipsetDevice.
func (d *ChipsetDevice) Reset() error {
	return d.Do(func(c *Controller) error {
		c.Reset()
		return nil
	})
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *ChipsetDevice) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{{Address: d.Base(), Size: MMIOSize}},
		Handler: d,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (d *ChipsetDevice) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: d}
}

// RelocateMmio implements chipset.Relocatable.
func (d *ChipsetDevice) RelocateMmio(index int, base uint64) {
	if index != 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.base = base
}

func (d *ChipsetDevice) offset(addr uint64, size int) (uint64, error) {
	region := hv.MMIORegion{Address: d.base, Size: MMIOSize}
	if !region.Contains(addr, size) {
		return 0, fmt.Errorf("xhci: MMIO address %#x: %w", addr, hv.ErrAddressNotHandled)
	}
	return addr - d.base, nil
}

func (d *ChipsetDevice) decoding() bool { return d.decode == nil || d.decode() }

// ReadMMIO implements chipset.MmioHandler.
func (d *ChipsetDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off, err := d.offset(addr, len(data))
	if err != nil {
		return err
	}
	if !d.decoding() {
		for i := range data {
			data[i] = 0xff
		}
		return nil
	}
	err = d.ctrl.ReadMMIO(off, data)
	d.updateIRQ()
	return err
}

// WriteMMIO implements chipset.MmioHandler.
func (d *ChipsetDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off, err := d.offset(addr, len(data))
	if err != nil {
		return err
	}
	if !d.decoding() {
		return nil
	}
	err = d.ctrl.WriteMMIO(off, data)
	d.updateIRQ()
	return err
}

// Poll implements chipset.PollHandler by running one frame.
func (d *ChipsetDevice) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctrl.Step(d.mem)
	d.updateIRQ()
	return nil
}

var (
	_ chipset.ChipsetDevice = (*ChipsetDevice)(nil)
	_ chipset.Relocatable   = (*ChipsetDevice)(nil)
	_ chipset.PollHandler   = (*ChipsetDevice)(nil)
)
