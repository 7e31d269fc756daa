package xhci

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/xhci/internal/devices/usb"
	"github.com/tinyrange/xhci/internal/timeslice"
)

var (
	tsPorts     = timeslice.RegisterKind("xhci_ports", timeslice.SliceFlagGuestTime)
	tsCommands  = timeslice.RegisterKind("xhci_commands", timeslice.SliceFlagGuestTime)
	tsTransfers = timeslice.RegisterKind("xhci_transfers", timeslice.SliceFlagGuestTime)
	tsEvents    = timeslice.RegisterKind("xhci_events", timeslice.SliceFlagGuestTime)
)

var (
	ErrNoSuchPort    = errors.New("xhci: no such root port")
	ErrPortOccupied  = errors.New("xhci: root port already has a device")
	errNoDevice      = errors.New("xhci: no device at topology position")
	errSlotNotBound  = errors.New("xhci: slot not bound to a device")
	errSlotNotActive = errors.New("xhci: slot not enabled")
)

// slot is the controller-local state of one device slot. Controller-owned
// Slot Context fields are authoritative here; the guest Device Context is a
// mirror written through commit.
type slot struct {
	enabled bool
	// bound is set once Address Device has resolved the slot to a device.
	bound         bool
	port          uint8
	route         uint32
	deviceContext uint64

	ctx       SlotContext
	endpoints [32]EndpointContext
	rings     [32]RingCursor

	control controlTD
	skip    [32]skipState
	exec    [32]*transferExecutor
}

func (s *slot) reset() { *s = slot{} }

// unbind forgets the device binding and every endpoint so doorbells for the
// slot are ignored until the guest addresses it again.
func (s *slot) unbind() {
	s.bound = false
	s.control.reset()
	for dci := 1; dci <= maxEndpoints; dci++ {
		s.endpoints[dci].SetState(EndpointDisabled)
		s.skip[dci] = skipNone
		s.exec[dci] = nil
	}
}

type commandRing struct {
	cursor  RingCursor
	running bool
	kick    bool
}

type interrupter struct {
	iman uint32
	imod uint32
	ring eventRing
}

// Controller is an xHCI host controller with one interrupter.
//
// Controller is not safe for concurrent use.
type Controller struct {
	cfg Config

	usbcmd uint32
	usbsts uint32 // stored W1C bits; HCH, HCE and CNR are derived
	dnctrl uint32
	config uint32
	dcbaap uint64
	hce    bool

	ports []*port
	slots []slot

	cmd  commandRing
	intr interrupter

	pending eventQueue
	active  activeQueue

	mfindex uint32
	frames  uint64
}

// New returns a powered-on, halted controller.
func New(cfg Config) (*Controller, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:     cfg,
		ports:   make([]*port, cfg.Ports),
		slots:   make([]slot, cfg.MaxSlots+1),
		pending: newEventQueue(cfg.PendingEvents),
		active:  newActiveQueue(cfg.MaxSlots),
	}
	for i := range c.ports {
		c.ports[i] = newPort(uint8(i + 1))
	}
	return c, nil
}

func (c *Controller) Config() Config { return c.cfg }

// DroppedEvents returns the number of events lost to pending queue overflow.
func (c *Controller) DroppedEvents() uint64 { return c.pending.dropped }

// PendingEvents returns the number of events not yet written to the guest.
func (c *Controller) PendingEvents() int { return c.pending.len() }

// Halted reports whether USBSTS.HCH is set.
func (c *Controller) Halted() bool { return c.usbcmd&cmdRun == 0 || c.hce }

// HostControllerError reports whether the fatal error latch is set.
func (c *Controller) HostControllerError() bool { return c.hce }

// Frames returns the number of Step calls since construction.
func (c *Controller) Frames() uint64 { return c.frames }

// IRQLevel reports the level of interrupter 0's interrupt line.
func (c *Controller) IRQLevel() bool {
	return c.intr.iman&imanIE != 0 && c.intr.iman&imanIP != 0 && c.usbcmd&cmdINTE != 0
}

// AttachDevice connects dev to root port portID (1-based).
func (c *Controller) AttachDevice(portID uint8, dev usb.Device) error {
	p, err := c.port(portID)
	if err != nil {
		return err
	}
	if p.connected() {
		return fmt.Errorf("%w: port %d", ErrPortOccupied, portID)
	}
	slog.Debug("xhci: device attached", "port", portID, "speed", dev.Speed())
	if p.attach(dev) {
		c.portChanged(p)
	}
	return nil
}

// DetachDevice disconnects the device on root port portID. Slots bound to
// the port lose their binding.
func (c *Controller) DetachDevice(portID uint8) error {
	p, err := c.port(portID)
	if err != nil {
		return err
	}
	if !p.connected() {
		return nil
	}
	slog.Debug("xhci: device detached", "port", portID)
	for id := 1; id < len(c.slots); id++ {
		s := &c.slots[id]
		if s.enabled && s.bound && s.port == portID {
			c.active.removeSlot(uint8(id))
			s.unbind()
		}
	}
	if p.detach() {
		c.portChanged(p)
	}
	return nil
}

// PortDevice returns the device attached to root port portID, if any.
func (c *Controller) PortDevice(portID uint8) usb.Device {
	p, err := c.port(portID)
	if err != nil {
		return nil
	}
	return p.device
}

func (c *Controller) port(portID uint8) (*port, error) {
	if portID == 0 || int(portID) > len(c.ports) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchPort, portID)
	}
	return c.ports[portID-1], nil
}

func (c *Controller) portChanged(p *port) {
	c.usbsts |= stsPCD
	c.postEvent(portStatusChangeEvent(p.id))
}

// resolve walks from a root port through hubs along route. The returned
// device must not be retained past the current operation.
func (c *Controller) resolve(portID uint8, route uint32) (usb.Device, error) {
	p, err := c.port(portID)
	if err != nil {
		return nil, err
	}
	hops, err := parseRoute(route)
	if err != nil {
		return nil, err
	}
	dev := p.device
	if dev == nil {
		return nil, fmt.Errorf("%w: root port %d", errNoDevice, portID)
	}
	for tier, hop := range hops {
		hub, ok := dev.(usb.Hub)
		if !ok || int(hop) > hub.NumPorts() {
			return nil, fmt.Errorf("%w: tier %d port %d", errNoDevice, tier+1, hop)
		}
		dev = hub.PortDevice(hop)
		if dev == nil {
			return nil, fmt.Errorf("%w: tier %d port %d", errNoDevice, tier+1, hop)
		}
	}
	return dev, nil
}

func (c *Controller) slotDevice(id uint8) (usb.Device, error) {
	if int(id) >= len(c.slots) || id == 0 {
		return nil, errSlotNotActive
	}
	s := &c.slots[id]
	if !s.enabled {
		return nil, errSlotNotActive
	}
	if !s.bound {
		return nil, errSlotNotBound
	}
	return c.resolve(s.port, s.route)
}

func (c *Controller) postEvent(trb TRB) {
	c.pending.push(trb)
}

// latchFatal sets the sticky host controller error. Only HCRST clears it.
func (c *Controller) latchFatal(reason error) {
	if c.hce {
		return
	}
	slog.Error("xhci: host controller error", "err", reason)
	c.hce = true
	c.cmd.kick = false
	c.active.clear()
}

// hostReset performs HCRST.
func (c *Controller) hostReset() {
	slog.Debug("xhci: host controller reset")
	c.usbcmd = 0
	c.usbsts = 0
	c.dnctrl = 0
	c.config = 0
	c.dcbaap = 0
	c.hce = false
	c.cmd = commandRing{}
	c.intr = interrupter{}
	c.pending.clear()
	c.active.clear()
	c.mfindex = 0
	for i := range c.slots {
		c.slots[i].reset()
	}
	for _, p := range c.ports {
		if p.hostReset() {
			c.usbsts |= stsPCD
			c.postEvent(portStatusChangeEvent(p.id))
		}
	}
}

// Reset performs a host controller reset as if the guest had set
// USBCMD.HCRST. Attached devices stay connected.
func (c *Controller) Reset() { c.hostReset() }

func (c *Controller) maxSlotsEnabled() int {
	return min(int(c.config&0xff), c.cfg.MaxSlots)
}

func (c *Controller) dmaAllowed(mem Bus) bool {
	return c.usbcmd&cmdRun != 0 && !c.hce && mem.DMAEnabled()
}

// Step runs one 1ms frame: port timers, MFINDEX, then (when running and DMA
// is permitted) the command ring, transfer rings and event delivery, each
// within its frame budget.
func (c *Controller) Step(mem Bus) {
	c.frames++
	rec := timeslice.NewRecorder()

	for _, p := range c.ports {
		if p.connected() || p.resetting {
			if p.tick() {
				c.portChanged(p)
			}
		}
	}
	if c.usbcmd&cmdRun != 0 {
		c.mfindex = (c.mfindex + 8) & 0x3fff
	}
	rec.Record(tsPorts)

	if c.dmaAllowed(mem) {
		budget := newFrameBudget(c.cfg.Budgets)
		c.processCommands(mem, &budget)
		rec.Record(tsCommands)
		c.processTransfers(mem, &budget)
		rec.Record(tsTransfers)
		c.deliverEvents(mem, &budget)
		rec.Record(tsEvents)
	}
}

// deliverEvents writes pending events into the guest event ring.
func (c *Controller) deliverEvents(mem Bus, budget *frameBudget) {
	for budget.eventTRBs > 0 && !c.hce {
		trb, ok := c.pending.peek()
		if !ok {
			return
		}
		err := c.intr.ring.tryEnqueue(mem, trb)
		switch {
		case err == nil:
			c.pending.pop()
			budget.eventTRBs--
			c.intr.iman |= imanIP
			c.usbsts |= stsEINT
		case errors.Is(err, ErrEventRingNotConfigured), errors.Is(err, ErrEventRingFull):
			return
		default:
			c.latchFatal(err)
			return
		}
	}
}

// doorbell handles a write to doorbell register n.
func (c *Controller) doorbell(n int, value uint32) {
	if c.hce {
		return
	}
	if n == 0 {
		if value&0xff != 0 {
			return
		}
		c.cmd.kick = true
		c.cmd.running = true
		return
	}
	if n >= len(c.slots) {
		return
	}
	dci := uint8(value & 0xff)
	if dci == 0 || dci > maxEndpoints {
		return
	}
	s := &c.slots[n]
	if !s.enabled || !s.bound {
		return
	}
	if s.endpoints[dci].State() != EndpointRunning {
		return
	}
	c.active.push(endpointKey{Slot: uint8(n), DCI: dci})
}

// commitSlot writes the shadow Slot Context to the guest Device Context.
func (c *Controller) commitSlot(mem Bus, id uint8) error {
	s := &c.slots[id]
	return writeContext(mem, s.deviceContext, s.ctx)
}

// commitEndpoint writes shadow endpoint dci to the guest Device Context.
func (c *Controller) commitEndpoint(mem Bus, id, dci uint8) error {
	s := &c.slots[id]
	return writeContext(mem, deviceEndpointAddr(s.deviceContext, dci), s.endpoints[dci])
}

// commitDevice validates that the whole output Device Context is writable,
// then applies slotCtx and endpoints to both the guest and the shadow.
func (c *Controller) commitDevice(mem Bus, id uint8, base uint64, slotCtx SlotContext, endpoints *[32]EndpointContext) error {
	if base%16 != 0 {
		return fmt.Errorf("%w: device context %#x", ErrContextMisaligned, base)
	}
	if !inGuestRange(mem, base, uint64(maxEndpoints+1)*contextSize) {
		return fmt.Errorf("%w: device context %#x", ErrContextOutOfRange, base)
	}
	s := &c.slots[id]
	s.deviceContext = base
	s.ctx = slotCtx
	s.endpoints = *endpoints
	if err := writeContext(mem, base, s.ctx); err != nil {
		return err
	}
	for dci := uint8(1); dci <= maxEndpoints; dci++ {
		if err := writeContext(mem, deviceEndpointAddr(base, dci), s.endpoints[dci]); err != nil {
			return err
		}
	}
	return nil
}

// syncDequeue stores the ring position of endpoint dci in the shadow and the
// guest context.
func (c *Controller) syncDequeue(mem Bus, id, dci uint8, cursor RingCursor) {
	s := &c.slots[id]
	s.endpoints[dci].SetDequeue(cursor.Dequeue, cursor.Cycle)
	if err := c.commitEndpoint(mem, id, dci); err != nil {
		slog.Debug("xhci: endpoint context write failed", "slot", id, "dci", dci, "err", err)
	}
}

// SlotState returns the shadow slot state for slot id.
func (c *Controller) SlotState(id uint8) SlotState {
	if id == 0 || int(id) >= len(c.slots) || !c.slots[id].enabled {
		return SlotDisabled
	}
	return c.slots[id].ctx.State()
}

// EndpointState returns the shadow state of endpoint dci of slot id.
func (c *Controller) EndpointState(id, dci uint8) EndpointState {
	if id == 0 || int(id) >= len(c.slots) || dci == 0 || dci > maxEndpoints {
		return EndpointDisabled
	}
	return c.slots[id].endpoints[dci].State()
}

// EndpointQueued reports whether endpoint dci of slot id has pending
// doorbell work.
func (c *Controller) EndpointQueued(id, dci uint8) bool {
	return c.active.contains(endpointKey{Slot: id, DCI: dci})
}
