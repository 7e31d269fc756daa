// Package machine assembles a minimal guest platform around the xHCI
// controller: RAM, a PCI host bridge with the controller as function
// 00:01.0, a chipset that routes MMIO and polls devices once per frame, and
// a level-triggered interrupt line.
package machine

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/xhci/internal/chipset"
	"github.com/tinyrange/xhci/internal/devices/pci"
	"github.com/tinyrange/xhci/internal/devices/usb"
	"github.com/tinyrange/xhci/internal/devices/xhci"
	"github.com/tinyrange/xhci/internal/guestmem"
	"github.com/tinyrange/xhci/internal/hv"
	"github.com/tinyrange/xhci/internal/timeslice"
)

var (
	tsMachineBuild = timeslice.RegisterKind("machine_build", timeslice.SliceFlagInitTime)
	tsMachineFrame = timeslice.RegisterKind("machine_frame", timeslice.SliceFlagGuestTime)
)

const (
	ecamSize     = 1 << 20
	pciMMIOSize  = 16 << 20
	xhciSlot     = 1
	hostBridgeID = "pci-host"
)

// Config describes the machine layout.
type Config struct {
	MemoryBase uint64      `yaml:"memory_base"`
	MemorySize uint64      `yaml:"memory_size"`
	IRQLine    uint8       `yaml:"irq_line"`
	Controller xhci.Config `yaml:"controller"`
}

// DefaultConfig returns 16MiB of RAM at address 0 with the controller on
// line 11.
func DefaultConfig() Config {
	return Config{
		MemorySize: 16 << 20,
		IRQLine:    11,
		Controller: xhci.DefaultConfig(),
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MemorySize == 0 {
		c.MemorySize = def.MemorySize
	}
	if c.IRQLine == 0 {
		c.IRQLine = def.IRQLine
	}
	return c
}

// Machine is a guest platform hosting one xHCI controller.
type Machine struct {
	cfg    Config
	layout *hv.AddressSpace
	ecam   hv.MMIOAllocation

	mem     *guestmem.Memory
	host    *pci.HostBridge
	fn      *pci.Function
	xhci    *xhci.ChipsetDevice
	chipset *chipset.Chipset
	lines   *chipset.LineSet

	initialBAR uint64
	frame      uint64
}

// New builds a machine. The controller's BAR0 is assigned by the host
// bridge's allocator, the way firmware would before handing over.
func New(cfg Config) (*Machine, error) {
	rec := timeslice.NewRecorder()
	cfg = cfg.normalize()

	mem, err := guestmem.New(cfg.MemoryBase, cfg.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	m, err := build(cfg, mem)
	if err != nil {
		mem.Close()
		return nil, err
	}
	rec.Record(tsMachineBuild)
	slog.Debug("machine: built",
		"ram", fmt.Sprintf("%#x+%#x", cfg.MemoryBase, cfg.MemorySize),
		"ecam", fmt.Sprintf("%#x", m.ecam.Base),
		"bar0", fmt.Sprintf("%#x", m.initialBAR),
		"irq", cfg.IRQLine)
	return m, nil
}

func build(cfg Config, mem *guestmem.Memory) (*Machine, error) {
	layout := hv.NewAddressSpace(cfg.MemoryBase, cfg.MemorySize)
	ecam, err := layout.Allocate(hv.MMIOAllocationRequest{Name: "pci-ecam", Size: ecamSize, Alignment: ecamSize})
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	window, err := layout.Allocate(hv.MMIOAllocationRequest{Name: "pci-mmio", Size: pciMMIOSize, Alignment: pciMMIOSize})
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	host := pci.NewHostBridge(pci.HostBridgeConfig{
		ConfigBase: ecam.Base,
		ConfigSize: ecam.Size,
		MMIOBase:   window.Base,
		MMIOSize:   window.Size,
	})
	fnCfg := pci.XHCIFunctionConfig()
	fnCfg.InterruptLine = cfg.IRQLine
	fn, err := pci.NewFunction(fnCfg)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	handle, err := host.RegisterEndpoint(0, xhciSlot, 0, fn)
	if err != nil {
		return nil, fmt.Errorf("machine: register xhci function: %w", err)
	}
	bar, err := handle.AllocateMemoryBAR(0, uint32(fn.BARSize()), 0)
	if err != nil {
		return nil, fmt.Errorf("machine: allocate BAR0: %w", err)
	}
	if err := fn.SetBAR0(bar); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	ctrl, err := xhci.New(cfg.Controller)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	lines := chipset.NewLineSet(nil)
	dev := xhci.NewChipsetDevice(ctrl, mem, bar, lines.AllocateLine(cfg.IRQLine))
	dev.SetDecodeGate(fn.MemorySpace)
	mem.SetDMAGate(fn.BusMaster)

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice(hostBridgeID, chipset.MmioDevice(host)); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	if err := builder.RegisterDevice(dev.DeviceId(), dev); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	cs, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("machine: build chipset: %w", err)
	}

	fn.SetBARListener(func(base uint64) {
		if err := cs.RelocateMmio(dev.DeviceId(), 0, base); err != nil {
			slog.Debug("machine: BAR0 relocation rejected", "base", fmt.Sprintf("%#x", base), "err", err)
		}
	})

	return &Machine{
		cfg:        cfg,
		layout:     layout,
		ecam:       ecam,
		mem:        mem,
		host:       host,
		fn:         fn,
		xhci:       dev,
		chipset:    cs,
		lines:      lines,
		initialBAR: bar,
	}, nil
}

// Close releases guest memory.
func (m *Machine) Close() error { return m.mem.Close() }

// Config returns the normalized configuration.
func (m *Machine) Config() Config { return m.cfg }

// Memory returns guest RAM.
func (m *Machine) Memory() *guestmem.Memory { return m.mem }

// Frame returns the number of frames run.
func (m *Machine) Frame() uint64 { return m.frame }

// BAR0 returns the current base of the controller's register window.
func (m *Machine) BAR0() uint64 { return m.fn.BAR0() }

// Regions returns the guest-physical layout: RAM followed by the
// allocations made while building the machine.
func (m *Machine) Regions() []hv.MMIOAllocation {
	out := []hv.MMIOAllocation{{Name: "ram", Base: m.layout.RAMBase(), Size: m.layout.RAMSize()}}
	return append(out, m.layout.Allocations()...)
}

// ReadMMIO performs a guest MMIO read.
func (m *Machine) ReadMMIO(addr uint64, data []byte) error {
	return m.chipset.HandleMMIO(hv.FrameContext(m.frame), addr, data, false)
}

// WriteMMIO performs a guest MMIO write.
func (m *Machine) WriteMMIO(addr uint64, data []byte) error {
	return m.chipset.HandleMMIO(hv.FrameContext(m.frame), addr, data, true)
}

// ConfigAddress returns the ECAM address of a register in the controller's
// configuration space.
func (m *Machine) ConfigAddress(offset uint16) uint64 {
	return m.host.ConfigAddress(0, xhciSlot, 0, offset)
}

// ReadConfig32 reads a dword of the controller's configuration space.
func (m *Machine) ReadConfig32(offset uint16) (uint32, error) {
	var b [4]byte
	if err := m.ReadMMIO(m.ConfigAddress(offset), b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// WriteConfig32 writes a dword of the controller's configuration space.
func (m *Machine) WriteConfig32(offset uint16, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return m.WriteMMIO(m.ConfigAddress(offset), b[:])
}

// RunFrame advances the machine by one 1ms frame.
func (m *Machine) RunFrame(ctx context.Context) error {
	rec := timeslice.NewRecorder()
	if err := m.chipset.Poll(ctx); err != nil {
		return err
	}
	m.frame++
	rec.Record(tsMachineFrame)
	return nil
}

// IRQ reports the current level of the controller's interrupt line and the
// number of times it has been asserted.
func (m *Machine) IRQ() (level bool, asserts uint64) {
	return m.lines.Level(m.cfg.IRQLine), m.lines.Asserts(m.cfg.IRQLine)
}

// EOI signals end of interrupt for the controller's line.
func (m *Machine) EOI() { m.lines.BroadcastEOI(m.cfg.IRQLine) }

// Controller runs fn with exclusive access to the xHCI controller.
func (m *Machine) Controller(fn func(c *xhci.Controller) error) error { return m.xhci.Do(fn) }

// AttachDevice connects dev to a root port.
func (m *Machine) AttachDevice(port uint8, dev usb.Device) error {
	return m.Controller(func(c *xhci.Controller) error { return c.AttachDevice(port, dev) })
}

// DetachDevice disconnects a root port.
func (m *Machine) DetachDevice(port uint8) error {
	return m.Controller(func(c *xhci.Controller) error { return c.DetachDevice(port) })
}

// Reset resets every chipset device.
func (m *Machine) Reset() error { return m.chipset.Reset() }

// ConfigHash identifies the guest-visible layout of the machine.
func (m *Machine) ConfigHash() hv.ConfigHash {
	ctrl := m.cfg.Controller
	return hv.ComputeConfigHash(m.cfg.MemoryBase, m.cfg.MemorySize, []hv.DeviceConfig{
		{ID: hostBridgeID, Base: m.ecam.Base, Size: m.ecam.Size},
		{
			ID:      m.fn.DeviceId(),
			Base:    m.initialBAR,
			Size:    m.fn.BARSize(),
			IRQLine: uint32(m.cfg.IRQLine),
			Params:  []uint64{uint64(ctrl.Ports), uint64(ctrl.MaxSlots), uint64(ctrl.PendingEvents)},
		},
	})
}
