// Package driver is a small xHCI guest driver. It brings a controller up
// through its register window, enumerates devices on root ports and behind
// hubs, and runs control, bulk and interrupt transfers. Every wait advances
// the platform one frame at a time, so a driver and an emulated controller
// can share a single goroutine.
package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/xhci/internal/devices/xhci"
)

var (
	ErrTimeout       = errors.New("driver: timed out")
	ErrStall         = errors.New("driver: endpoint stalled")
	ErrNoDevice      = errors.New("driver: no device connected")
	ErrOutOfMemory   = errors.New("driver: DMA heap exhausted")
	ErrNotRunning    = errors.New("driver: controller not running")
	ErrHostError     = errors.New("driver: host controller error")
	ErrNoEndpoint    = errors.New("driver: endpoint not configured")
	ErrTransferLimit = errors.New("driver: transfer larger than bounce buffer")
)

// CompletionError reports a command or transfer that completed with a code
// other than Success.
type CompletionError struct {
	Op       string
	Slot     uint8
	Endpoint uint8
	Code     xhci.CompletionCode
}

func (e *CompletionError) Error() string {
	if e.Endpoint != 0 {
		return fmt.Sprintf("driver: %s slot %d dci %d: %v", e.Op, e.Slot, e.Endpoint, e.Code)
	}
	return fmt.Sprintf("driver: %s slot %d: %v", e.Op, e.Slot, e.Code)
}

func (e *CompletionError) Is(target error) bool {
	return target == ErrStall && e.Code == xhci.CompletionStallError
}

// Platform is the machine the driver runs on.
type Platform interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
	RunFrame(ctx context.Context) error
}

// Memory is guest RAM as seen by the driver.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Config places the driver's data structures.
type Config struct {
	// Base is the guest-physical address of the register window.
	Base uint64
	// HeapBase and HeapSize bound the guest RAM the driver allocates rings,
	// contexts and transfer buffers from.
	HeapBase uint64
	HeapSize uint64

	CommandRingTRBs  int
	EventRingTRBs    int
	TransferRingTRBs int
	BounceSize       int
	// TimeoutFrames bounds every wait.
	TimeoutFrames int

	// OnEvent, if set, sees every event TRB in ring order.
	OnEvent func(frame uint64, ev xhci.TRB)
}

const (
	defaultRingTRBs      = 256
	defaultBounceSize    = 64 << 10
	defaultTimeoutFrames = 2000
)

func (c Config) normalize() Config {
	if c.CommandRingTRBs == 0 {
		c.CommandRingTRBs = defaultRingTRBs
	}
	if c.EventRingTRBs == 0 {
		c.EventRingTRBs = defaultRingTRBs
	}
	if c.TransferRingTRBs == 0 {
		c.TransferRingTRBs = defaultRingTRBs
	}
	if c.BounceSize == 0 {
		c.BounceSize = defaultBounceSize
	}
	if c.TimeoutFrames == 0 {
		c.TimeoutFrames = defaultTimeoutFrames
	}
	return c
}

type endpointKey struct {
	slot uint8
	dci  uint8
}

// Driver owns one xHCI controller.
type Driver struct {
	p   Platform
	mem Memory
	cfg Config

	op, rt, db uint64
	maxSlots   int
	ports      int

	heap   heap
	dcbaa  uint64
	bounce uint64
	cmd    *ring
	events eventRing

	running     bool
	frames      uint64
	completions map[uint64]xhci.TRB
	transfers   map[endpointKey][]xhci.TRB
	portChanges map[uint8]int
	hostEvents  []xhci.TRB

	devices    map[uint8]*Device
	slotMemory map[uint8]slotMemory
}

// New returns a driver for the controller at cfg.Base. Nothing is touched
// until Start.
func New(p Platform, mem Memory, cfg Config) (*Driver, error) {
	cfg = cfg.normalize()
	if cfg.HeapSize == 0 {
		return nil, fmt.Errorf("driver: heap size must be non-zero")
	}
	if cfg.CommandRingTRBs < 2 || cfg.EventRingTRBs < 16 || cfg.TransferRingTRBs < 2 {
		return nil, fmt.Errorf("driver: ring sizes too small")
	}
	return &Driver{
		p:           p,
		mem:         mem,
		cfg:         cfg,
		heap:        heap{next: cfg.HeapBase, end: cfg.HeapBase + cfg.HeapSize},
		completions: make(map[uint64]xhci.TRB),
		transfers:   make(map[endpointKey][]xhci.TRB),
		portChanges: make(map[uint8]int),
		devices:     make(map[uint8]*Device),
		slotMemory:  make(map[uint8]slotMemory),
	}, nil
}

// Rebind points the driver at a different platform and memory holding the
// same controller state, such as a machine restored from a snapshot.
func (d *Driver) Rebind(p Platform, mem Memory) {
	d.p = p
	d.mem = mem
}

// Ports returns the number of root ports. Valid after Start.
func (d *Driver) Ports() int { return d.ports }

// MaxSlots returns the number of device slots enabled in CONFIG.
func (d *Driver) MaxSlots() int { return d.maxSlots }

// Frames returns the number of frames the driver has run while waiting.
func (d *Driver) Frames() uint64 { return d.frames }

// Devices returns the enumerated devices keyed by slot.
func (d *Driver) Devices() map[uint8]*Device { return d.devices }

func (d *Driver) read32(addr uint64) (uint32, error) {
	var b [4]byte
	if err := d.p.ReadMMIO(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (d *Driver) write32(addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return d.p.WriteMMIO(addr, b[:])
}

func (d *Driver) write64(addr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return d.p.WriteMMIO(addr, b[:])
}

// Start resets the controller, programs the DCBAA, command ring and a
// single-segment event ring, enables interrupter 0 and sets RUN.
func (d *Driver) Start(ctx context.Context) error {
	base := d.cfg.Base
	caps, err := d.read32(base + capLength)
	if err != nil {
		return fmt.Errorf("driver: read CAPLENGTH: %w", err)
	}
	if caps == 0xffff_ffff {
		return fmt.Errorf("driver: register window at %#x does not decode", base)
	}
	hcs1, err := d.read32(base + capHCSParams1)
	if err != nil {
		return err
	}
	dboff, err := d.read32(base + capDBOff)
	if err != nil {
		return err
	}
	rtsoff, err := d.read32(base + capRTSOff)
	if err != nil {
		return err
	}
	d.op = base + uint64(caps&0xff)
	d.db = base + uint64(dboff&^0x3)
	d.rt = base + uint64(rtsoff&^0x1f)
	d.maxSlots = int(hcs1 & 0xff)
	d.ports = int(hcs1 >> 24)
	slog.Debug("driver: controller",
		"version", fmt.Sprintf("%#x", caps>>16), "slots", d.maxSlots, "ports", d.ports)

	if err := d.write32(d.op+opUSBCmd, cmdHCRst); err != nil {
		return err
	}
	if err := d.waitRegister(ctx, d.op+opUSBCmd, cmdHCRst, 0); err != nil {
		return fmt.Errorf("driver: HCRST: %w", err)
	}
	if err := d.waitRegister(ctx, d.op+opUSBSts, stsCNR, 0); err != nil {
		return fmt.Errorf("driver: controller not ready: %w", err)
	}
	d.running = false
	clear(d.completions)
	clear(d.transfers)
	clear(d.portChanges)
	clear(d.devices)
	d.hostEvents = nil

	if d.dcbaa == 0 {
		if err := d.allocateRings(); err != nil {
			return err
		}
	} else {
		// Reuse the allocations from the previous Start.
		d.cmd.reset()
		d.events.reset()
		if err := d.zero(d.dcbaa, uint64(d.maxSlots+1)*8); err != nil {
			return err
		}
		if err := d.zero(d.cmd.base, uint64(d.cmd.size)*xhci.TRBSize); err != nil {
			return err
		}
		if err := d.zero(d.events.base, uint64(d.events.size)*xhci.TRBSize); err != nil {
			return err
		}
	}

	if err := d.write64(d.op+opDCBAAP, d.dcbaa); err != nil {
		return err
	}
	if err := d.write32(d.op+opConfig, uint32(d.maxSlots)); err != nil {
		return err
	}
	if err := d.write64(d.op+opCRCR, d.cmd.base|crcrRCS); err != nil {
		return err
	}
	if err := d.write32(d.rt+rtERSTSZ, 1); err != nil {
		return err
	}
	if err := d.write64(d.rt+rtERDP, d.events.base); err != nil {
		return err
	}
	if err := d.write64(d.rt+rtERSTBA, d.events.erst); err != nil {
		return err
	}
	if err := d.write32(d.rt+rtIMAN, imanIP|imanIE); err != nil {
		return err
	}
	if err := d.write32(d.op+opUSBCmd, cmdRun|cmdINTE); err != nil {
		return err
	}
	if err := d.waitRegister(ctx, d.op+opUSBSts, stsHCH, 0); err != nil {
		return fmt.Errorf("driver: controller did not start: %w", err)
	}
	d.running = true
	return nil
}

func (d *Driver) allocateRings() error {
	var err error
	if d.dcbaa, err = d.heap.alloc(uint64(d.maxSlots+1)*8, 64); err != nil {
		return err
	}
	if d.cmd, err = d.newRing(d.cfg.CommandRingTRBs); err != nil {
		return err
	}
	evBase, err := d.heap.alloc(uint64(d.cfg.EventRingTRBs)*xhci.TRBSize, 4096)
	if err != nil {
		return err
	}
	erst, err := d.heap.alloc(16, 64)
	if err != nil {
		return err
	}
	d.events = eventRing{base: evBase, size: d.cfg.EventRingTRBs, erst: erst, cycle: true}
	var entry [16]byte
	binary.LittleEndian.PutUint64(entry[0:], evBase)
	binary.LittleEndian.PutUint32(entry[8:], uint32(d.cfg.EventRingTRBs))
	if err := d.writeMem(erst, entry[:]); err != nil {
		return err
	}
	d.bounce, err = d.heap.alloc(uint64(d.cfg.BounceSize), 4096)
	return err
}

// Stop clears RUN and waits for the controller to halt.
func (d *Driver) Stop(ctx context.Context) error {
	if err := d.write32(d.op+opUSBCmd, 0); err != nil {
		return err
	}
	d.running = false
	return d.waitRegister(ctx, d.op+opUSBSts, stsHCH, stsHCH)
}

// waitRegister runs frames until reg&mask == want.
func (d *Driver) waitRegister(ctx context.Context, reg uint64, mask, want uint32) error {
	for i := 0; ; i++ {
		v, err := d.read32(reg)
		if err != nil {
			return err
		}
		if v&mask == want {
			return nil
		}
		if i >= d.cfg.TimeoutFrames {
			return ErrTimeout
		}
		if err := d.runFrame(ctx); err != nil {
			return err
		}
	}
}

func (d *Driver) runFrame(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.p.RunFrame(ctx); err != nil {
		return err
	}
	d.frames++
	return nil
}

// wait drains events and runs frames until done reports true.
func (d *Driver) wait(ctx context.Context, done func() bool) error {
	if !d.running {
		return ErrNotRunning
	}
	for i := 0; ; i++ {
		if err := d.Poll(); err != nil {
			return err
		}
		if done() {
			return nil
		}
		if i >= d.cfg.TimeoutFrames {
			return ErrTimeout
		}
		if err := d.runFrame(ctx); err != nil {
			return err
		}
	}
}

// RunFrames runs n frames, consuming events after each.
func (d *Driver) RunFrames(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := d.runFrame(ctx); err != nil {
			return err
		}
		if err := d.Poll(); err != nil {
			return err
		}
	}
	return nil
}

// Poll consumes every pending event TRB, updates ERDP and acknowledges the
// interrupter. It fails if the controller has latched an error.
func (d *Driver) Poll() error {
	n := 0
	for {
		ev, err := d.readTRB(d.events.pointer())
		if err != nil {
			return err
		}
		if ev.Cycle() != d.events.cycle {
			break
		}
		d.dispatch(ev)
		d.events.advance()
		n++
	}
	if n > 0 {
		if err := d.write64(d.rt+rtERDP, d.events.pointer()|erdpEHB); err != nil {
			return err
		}
		if err := d.write32(d.rt+rtIMAN, imanIP|imanIE); err != nil {
			return err
		}
		if err := d.write32(d.op+opUSBSts, stsEINT); err != nil {
			return err
		}
	}
	sts, err := d.read32(d.op + opUSBSts)
	if err != nil {
		return err
	}
	if sts&(stsHCE|stsHSE) != 0 {
		d.running = false
		return fmt.Errorf("%w: USBSTS %#x", ErrHostError, sts)
	}
	return nil
}

func (d *Driver) dispatch(ev xhci.TRB) {
	if d.cfg.OnEvent != nil {
		d.cfg.OnEvent(d.frames, ev)
	}
	switch ev.Type() {
	case xhci.TRBCommandCompletion:
		d.completions[ev.Parameter] = ev
	case xhci.TRBTransferEvent:
		key := endpointKey{slot: ev.SlotID(), dci: ev.EndpointID()}
		d.transfers[key] = append(d.transfers[key], ev)
	case xhci.TRBPortStatusChange:
		d.portChanges[uint8(ev.Parameter>>24)]++
	case xhci.TRBHostControllerEvent:
		slog.Debug("driver: host controller event", "code", ev.CompletionCode())
		d.hostEvents = append(d.hostEvents, ev)
	default:
		slog.Debug("driver: unexpected event", "trb", ev)
	}
}

// HostEvents returns and clears the Host Controller Events seen so far.
func (d *Driver) HostEvents() []xhci.TRB {
	out := d.hostEvents
	d.hostEvents = nil
	return out
}

// PortChanges returns the root ports that reported a Port Status Change
// Event since the last call.
func (d *Driver) PortChanges() []uint8 {
	var out []uint8
	for p := uint8(1); int(p) <= d.ports; p++ {
		if d.portChanges[p] > 0 {
			out = append(out, p)
		}
	}
	clear(d.portChanges)
	return out
}

func (d *Driver) takeTransferEvent(key endpointKey) (xhci.TRB, bool) {
	q := d.transfers[key]
	if len(q) == 0 {
		return xhci.TRB{}, false
	}
	ev := q[0]
	if len(q) == 1 {
		delete(d.transfers, key)
	} else {
		d.transfers[key] = q[1:]
	}
	return ev, true
}

func (d *Driver) ringDoorbell(slot, target uint8) error {
	return d.write32(d.db+uint64(slot)*4, uint32(target))
}
