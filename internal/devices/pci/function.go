package pci

import (
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/tinyrange/xhci/internal/hv"
)

// Type-0 header offsets.
const (
	regVendorID      = 0x00
	regCommand       = 0x04
	regClassRevision = 0x08
	regHeader        = 0x0c
	regBAR0          = 0x10
	regBAR1          = 0x14
	regSubsystem     = 0x2c
	regInterrupt     = 0x3c
	regSBRN          = 0x60 // xHCI serial bus release number, FLADJ, DBESL
)

// Command register bits.
const (
	CommandMemorySpace = 1 << 1
	CommandBusMaster   = 1 << 2
	CommandINTxDisable = 1 << 10

	commandWritable = CommandMemorySpace | CommandBusMaster | CommandINTxDisable
)

const (
	barMem64    = 0x4
	barAttrMask = 0xf
)

// FunctionConfig describes the fixed identity of a type-0 function with a
// single 64-bit memory BAR.
type FunctionConfig struct {
	VendorID    uint16
	DeviceID    uint16
	ClassCode   uint32 // class, subclass, prog-if
	Revision    uint8
	SubsystemID uint16

	BARSize       uint32
	InterruptPin  uint8
	InterruptLine uint8

	// SerialBusRelease is placed at 0x60 when non-zero.
	SerialBusRelease uint8
}

// XHCIFunctionConfig returns the identity of a QEMU-compatible xHCI
// controller with a 64KiB register BAR.
func XHCIFunctionConfig() FunctionConfig {
	return FunctionConfig{
		VendorID:         0x1b36,
		DeviceID:         0x000d,
		ClassCode:        0x0c0330,
		Revision:         1,
		SubsystemID:      0x1100,
		BARSize:          0x10000,
		InterruptPin:     1,
		SerialBusRelease: 0x30,
	}
}

// Function is a type-0 PCI function with a 64-bit memory BAR0.
type Function struct {
	cfg FunctionConfig

	mu            sync.Mutex
	command       uint16
	bar           uint64
	interruptLine uint8
	onBAR         func(base uint64)
}

// NewFunction validates cfg and returns a function with memory decoding and
// bus mastering disabled.
func NewFunction(cfg FunctionConfig) (*Function, error) {
	if cfg.BARSize < 16 || cfg.BARSize&(cfg.BARSize-1) != 0 {
		return nil, fmt.Errorf("pci: BAR size %#x must be a power of two of at least 16", cfg.BARSize)
	}
	if cfg.ClassCode > 0xffffff {
		return nil, fmt.Errorf("pci: class code %#x exceeds 24 bits", cfg.ClassCode)
	}
	if cfg.InterruptPin > 4 {
		return nil, fmt.Errorf("pci: interrupt pin %d out of range", cfg.InterruptPin)
	}
	return &Function{cfg: cfg, interruptLine: cfg.InterruptLine}, nil
}

// SetBARListener installs fn, called with the new BAR0 base whenever the
// guest reprograms BAR0.
func (f *Function) SetBARListener(fn func(base uint64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onBAR = fn
}

// SetBAR0 places BAR0 at base without notifying the listener. Firmware does
// this before the guest starts.
func (f *Function) SetBAR0(base uint64) error {
	if base&uint64(f.cfg.BARSize-1) != 0 {
		return fmt.Errorf("pci: BAR0 base %#x not aligned to %#x", base, f.cfg.BARSize)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bar = base
	return nil
}

// BAR0 returns the current BAR0 base address.
func (f *Function) BAR0() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bar
}

// BARSize returns the size of BAR0.
func (f *Function) BARSize() uint64 { return uint64(f.cfg.BARSize) }

// Command returns the command register.
func (f *Function) Command() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.command
}

// BusMaster reports whether the function may issue DMA.
func (f *Function) BusMaster() bool { return f.Command()&CommandBusMaster != 0 }

// MemorySpace reports whether BAR0 decodes MMIO.
func (f *Function) MemorySpace() bool { return f.Command()&CommandMemorySpace != 0 }

// InterruptLine returns the value firmware wrote to the interrupt line register.
func (f *Function) InterruptLine() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interruptLine
}

// ConfigSpace implements Endpoint.
func (f *Function) ConfigSpace() ConfigSpace { return f }

// OnBARReprogram implements Endpoint.
func (f *Function) OnBARReprogram(index int, value uint32) error {
	if index != 0 && index != 1 {
		return nil
	}
	f.mu.Lock()
	fn := f.onBAR
	base := f.bar
	f.mu.Unlock()
	if fn != nil {
		fn(base)
	}
	return nil
}

func checkConfigAccess(offset uint16, size uint8) error {
	switch size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("pci: bad config access size %d", size)
	}
	if offset%uint16(size) != 0 || int(offset)+int(size) > 256 {
		return fmt.Errorf("pci: bad config access %#x/%d", offset, size)
	}
	return nil
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	default:
		return value
	}
}

// ReadConfig implements ConfigSpace.
func (f *Function) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := checkConfigAccess(offset, size); err != nil {
		return 0, err
	}
	f.mu.Lock()
	dword := f.readDword(offset &^ 3)
	f.mu.Unlock()
	shift := uint(offset&3) * 8
	return maskValue(dword>>shift, size), nil
}

// WriteConfig implements ConfigSpace.
func (f *Function) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := checkConfigAccess(offset, size); err != nil {
		return err
	}
	shift := uint(offset&3) * 8
	mask := maskValue(0xffff_ffff, size) << shift
	f.mu.Lock()
	f.writeDword(offset&^3, value<<shift, mask)
	f.mu.Unlock()
	return nil
}

func (f *Function) barMask() uint32 { return ^(f.cfg.BARSize - 1) &^ barAttrMask }

func (f *Function) readDword(off uint16) uint32 {
	switch off {
	case regVendorID:
		return uint32(f.cfg.DeviceID)<<16 | uint32(f.cfg.VendorID)
	case regCommand:
		return uint32(f.command)
	case regClassRevision:
		return f.cfg.ClassCode<<8 | uint32(f.cfg.Revision)
	case regHeader:
		return 0 // type 0, single function
	case regBAR0:
		return uint32(f.bar)&f.barMask() | barMem64
	case regBAR1:
		return uint32(f.bar >> 32)
	case regSubsystem:
		return uint32(f.cfg.SubsystemID)<<16 | uint32(f.cfg.VendorID)
	case regInterrupt:
		return uint32(f.cfg.InterruptPin)<<8 | uint32(f.interruptLine)
	case regSBRN:
		return uint32(f.cfg.SerialBusRelease)
	default:
		return 0
	}
}

func (f *Function) writeDword(off uint16, value, mask uint32) {
	switch off {
	case regCommand:
		writable := mask & commandWritable
		f.command = uint16(uint32(f.command)&^writable | value&writable)
	case regBAR0:
		low := uint32(f.bar)&^mask | value&mask
		f.bar = f.bar&^0xffff_ffff | uint64(low&f.barMask())
	case regBAR1:
		high := uint32(f.bar>>32)&^mask | value&mask
		f.bar = f.bar&0xffff_ffff | uint64(high)<<32
	case regInterrupt:
		if mask&0xff != 0 {
			f.interruptLine = uint8(value)
		}
	}
}

type functionSnapshot struct {
	Command       uint16
	BAR           uint64
	InterruptLine uint8
}

func init() {
	gob.Register(&functionSnapshot{})
}

var _ hv.DeviceSnapshotter = (*Function)(nil)

// DeviceId implements hv.DeviceSnapshotter.
func (f *Function) DeviceId() string { return fmt.Sprintf("pci-%04x:%04x", f.cfg.VendorID, f.cfg.DeviceID) }

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (f *Function) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &functionSnapshot{
		Command:       f.command,
		BAR:           f.bar,
		InterruptLine: f.interruptLine,
	}, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter. The BAR listener is
// notified when the restored base differs from the current one.
func (f *Function) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	s, ok := snap.(*functionSnapshot)
	if !ok {
		return hv.ErrInvalidSnapshotType
	}
	if s.BAR&uint64(f.cfg.BARSize-1) != 0 {
		return fmt.Errorf("pci: snapshot BAR0 %#x not aligned to %#x", s.BAR, f.cfg.BARSize)
	}
	f.mu.Lock()
	moved := f.bar != s.BAR
	f.command = s.Command & commandWritable
	f.bar = s.BAR
	f.interruptLine = s.InterruptLine
	fn := f.onBAR
	f.mu.Unlock()
	if moved && fn != nil {
		fn(s.BAR)
	}
	return nil
}

var _ Endpoint = (*Function)(nil)
