package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/xhci/internal/hv"
)

const (
	ecamBusShift      = 20
	ecamDeviceShift   = 15
	ecamFunctionShift = 12
	ecamRegisterMask  = 0xfff

	barFirst = regBAR0
	barLast  = regBAR0 + 6*4

	rootVendorID = 0x1b36 // Red Hat, as used by QEMU's generic PCIe host
	rootDeviceID = 0x0008
)

var ErrWindowExhausted = errors.New("pci: BAR window exhausted")

// ConfigSpace is a function's type-0 configuration space. Offsets are
// byte offsets into the first 256 bytes. Sizes are 1, 2 or 4.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint is a function behind the host bridge. OnBARReprogram is called
// after a dword write to a BAR register that is not a sizing probe.
type Endpoint interface {
	ConfigSpace() ConfigSpace
	OnBARReprogram(index int, value uint32) error
}

// HostBridgeConfig places the ECAM window and the memory window BARs are
// allocated from.
type HostBridgeConfig struct {
	ConfigBase uint64
	ConfigSize uint64
	MMIOBase   uint64
	MMIOSize   uint64
}

type location struct {
	dev, fn uint8
}

func (l location) String() string { return fmt.Sprintf("00:%02x.%x", l.dev, l.fn) }

// HostBridge is a bus-0 ECAM root complex. Function 00:00.0 is the bridge
// itself and reads as a host bridge with no BARs.
type HostBridge struct {
	configBase uint64
	configSize uint64

	mu        sync.Mutex
	endpoints map[location]Endpoint
	next      uint64
	limit     uint64
}

// NewHostBridge returns a bridge with no functions registered.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	if cfg.ConfigSize == 0 {
		cfg.ConfigSize = 1 << ecamBusShift
	}
	if cfg.MMIOBase == 0 {
		cfg.MMIOBase = 0x2000_0000
	}
	if cfg.MMIOSize == 0 {
		cfg.MMIOSize = 0x1000_0000
	}
	return &HostBridge{
		configBase: cfg.ConfigBase,
		configSize: min(cfg.ConfigSize, 1<<ecamBusShift),
		endpoints:  make(map[location]Endpoint),
		next:       cfg.MMIOBase,
		limit:      cfg.MMIOBase + cfg.MMIOSize,
	}
}

// DeviceHandle lets a registered function reserve BAR space.
type DeviceHandle struct {
	host *HostBridge
	at   location
}

// AllocateMemoryBAR reserves size bytes of the memory window, naturally
// aligned unless align is given, for BAR index.
func (h *DeviceHandle) AllocateMemoryBAR(index int, size, align uint32) (uint64, error) {
	if index < 0 || index > 5 {
		return 0, fmt.Errorf("pci: %v: BAR index %d out of range", h.at, index)
	}
	if size == 0 {
		return 0, fmt.Errorf("pci: %v: zero-sized BAR %d", h.at, index)
	}
	if align == 0 {
		align = size
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("pci: %v: BAR alignment %#x is not a power of two", h.at, align)
	}
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	mask := uint64(align) - 1
	base := (h.host.next + mask) &^ mask
	end := base + uint64(size)
	if end < base || end > h.host.limit {
		return 0, fmt.Errorf("%w: %v BAR %d needs %#x bytes", ErrWindowExhausted, h.at, index, size)
	}
	h.host.next = end
	return base, nil
}

// RegisterEndpoint places ep at 00:device.function.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, ep Endpoint) (*DeviceHandle, error) {
	switch {
	case ep == nil || ep.ConfigSpace() == nil:
		return nil, fmt.Errorf("pci: endpoint has no config space")
	case bus != 0:
		return nil, fmt.Errorf("pci: bus %d: only bus 0 is implemented", bus)
	case device > 0x1f || function > 7:
		return nil, fmt.Errorf("pci: invalid location %02x:%02x.%x", bus, device, function)
	case device == 0 && function == 0:
		return nil, fmt.Errorf("pci: 00:00.0 is the host bridge")
	}
	at := location{dev: device, fn: function}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.endpoints[at]; taken {
		return nil, fmt.Errorf("pci: %v already registered", at)
	}
	h.endpoints[at] = ep
	return &DeviceHandle{host: h, at: at}, nil
}

// ConfigAddress returns the ECAM address of a config register.
func (h *HostBridge) ConfigAddress(bus, device, function uint8, offset uint16) uint64 {
	return h.configBase |
		uint64(bus)<<ecamBusShift |
		uint64(device&0x1f)<<ecamDeviceShift |
		uint64(function&7)<<ecamFunctionShift |
		uint64(offset&ecamRegisterMask)
}

// DeviceId implements hv.Device.
func (*HostBridge) DeviceId() string { return "pci-host" }

// MMIORegions implements hv.MemoryMappedIODevice.
func (h *HostBridge) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: h.configBase, Size: h.configSize}}
}

func (h *HostBridge) decode(addr uint64, n int) (location, uint16, error) {
	if addr < h.configBase || addr-h.configBase+uint64(n) > h.configSize {
		return location{}, 0, fmt.Errorf("pci: config access %#x/%d outside ECAM window", addr, n)
	}
	off := addr - h.configBase
	at := location{
		dev: uint8(off>>ecamDeviceShift) & 0x1f,
		fn:  uint8(off>>ecamFunctionShift) & 7,
	}
	return at, uint16(off & ecamRegisterMask), nil
}

func (h *HostBridge) lookup(at location) Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoints[at]
}

// split breaks an access into naturally aligned pieces of at most a dword.
func split(reg uint16, n int, fn func(reg uint16, off int, size uint8)) {
	for off := 0; off < n; {
		size := uint8(1)
		switch r := reg + uint16(off); {
		case r%4 == 0 && n-off >= 4:
			size = 4
		case r%2 == 0 && n-off >= 2:
			size = 2
		}
		fn(reg+uint16(off), off, size)
		off += int(size)
	}
}

// ReadMMIO implements hv.MemoryMappedIODevice. Absent functions and
// registers past the 256-byte header read as all ones.
func (h *HostBridge) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	at, reg, err := h.decode(addr, len(data))
	if err != nil {
		return err
	}
	ep := h.lookup(at)
	split(reg, len(data), func(reg uint16, off int, size uint8) {
		v := uint32(0xffff_ffff)
		switch {
		case at == location{}:
			v = rootConfig(reg, size)
		case ep != nil && int(reg)+int(size) <= 256:
			got, err := ep.ConfigSpace().ReadConfig(reg, size)
			if err != nil {
				slog.Debug("pci: config read", "device", at, "offset", reg, "size", size, "error", err)
			} else {
				v = got
			}
		}
		for i := 0; i < int(size); i++ {
			data[off+i] = byte(v >> (8 * i))
		}
	})
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice. Writes to the bridge and
// to absent functions are dropped.
func (h *HostBridge) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	at, reg, err := h.decode(addr, len(data))
	if err != nil {
		return err
	}
	ep := h.lookup(at)
	if ep == nil {
		return nil
	}
	split(reg, len(data), func(reg uint16, off int, size uint8) {
		if int(reg)+int(size) > 256 {
			return
		}
		var v uint32
		for i := 0; i < int(size); i++ {
			v |= uint32(data[off+i]) << (8 * i)
		}
		if err := ep.ConfigSpace().WriteConfig(reg, size, v); err != nil {
			slog.Debug("pci: config write", "device", at, "offset", reg, "size", size, "error", err)
			return
		}
		// Sizing probes write all ones and must not move the window.
		if size == 4 && reg >= barFirst && reg < barLast && v != 0xffff_ffff {
			index := int(reg-barFirst) / 4
			if err := ep.OnBARReprogram(index, v); err != nil {
				slog.Debug("pci: BAR reprogram rejected", "device", at, "bar", index, "value", v, "error", err)
			}
		}
	})
	return nil
}

func rootConfig(reg uint16, size uint8) uint32 {
	var hdr [16]byte
	binary.LittleEndian.PutUint16(hdr[0:], rootVendorID)
	binary.LittleEndian.PutUint16(hdr[2:], rootDeviceID)
	hdr[0x0b] = 0x06 // bridge, host
	var v uint32
	for i := 0; i < int(size); i++ {
		if r := int(reg) + i; r < len(hdr) {
			v |= uint32(hdr[r]) << (8 * i)
		}
	}
	return v
}

var _ hv.MemoryMappedIODevice = (*HostBridge)(nil)
