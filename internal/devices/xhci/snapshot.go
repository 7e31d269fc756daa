package xhci

import (
	"fmt"

	"github.com/tinyrange/xhci/internal/hv"
)

type cursorSnapshot struct {
	Dequeue uint64
	Cycle   bool
	Links   int
}

func snapshotCursor(c RingCursor) cursorSnapshot {
	return cursorSnapshot{Dequeue: c.Dequeue, Cycle: c.Cycle, Links: c.links}
}

func (s cursorSnapshot) restore() (RingCursor, error) {
	if s.Dequeue%TRBSize != 0 {
		return RingCursor{}, fmt.Errorf("cursor dequeue %#x misaligned", s.Dequeue)
	}
	if s.Links < 0 || s.Links > maxConsecutiveLinks {
		return RingCursor{}, fmt.Errorf("cursor link count %d out of range", s.Links)
	}
	return RingCursor{Dequeue: s.Dequeue, Cycle: s.Cycle, links: s.Links}, nil
}

type portSnapshot struct {
	Connected bool
	Enabled   bool
	Resetting bool
	ResetLeft int
	Link      uint32
	Change    uint32
}

type controlTDSnapshot struct {
	Active      bool
	Start       cursorSnapshot
	Cursor      cursorSnapshot
	Expected    uint32
	Transferred uint32
	Code        uint8
	DirIn       bool
	Reported    bool
	Short       bool
}

type slotSnapshot struct {
	Enabled       bool
	Bound         bool
	Port          uint8
	Route         uint32
	DeviceContext uint64
	Context       SlotContext
	Endpoints     [32]EndpointContext
	Rings         [32]cursorSnapshot
	Skip          [32]uint8
	Control       controlTDSnapshot
}

type eventRingSnapshot struct {
	ERSTSZ      uint32
	ERSTBA      uint64
	ERDP        uint64
	Loaded      bool
	Reload      bool
	Segments    []erstSegment
	Segment     int
	Index       uint32
	Cycle       bool
	Outstanding uint32
}

type controllerSnapshot struct {
	Ports    int
	MaxSlots int

	USBCmd  uint32
	USBSts  uint32
	DNCtrl  uint32
	Config  uint32
	DCBAAP  uint64
	HCE     bool
	MFIndex uint32
	Frames  uint64

	PortState []portSnapshot
	Slots     []slotSnapshot

	Command    cursorSnapshot
	CmdRunning bool
	CmdKick    bool

	IMAN      uint32
	IMOD      uint32
	EventRing eventRingSnapshot

	Pending []TRB
	Dropped uint64
	Active  []endpointKey
}

var _ hv.DeviceSnapshotter = (*Controller)(nil)

func (c *Controller) DeviceId() string { return "xhci" }

// CaptureSnapshot records the complete controller state. Attached devices
// are topology and are not included; the same devices must be attached
// before RestoreSnapshot.
func (c *Controller) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	snap := &controllerSnapshot{
		Ports:      len(c.ports),
		MaxSlots:   c.cfg.MaxSlots,
		USBCmd:     c.usbcmd,
		USBSts:     c.usbsts,
		DNCtrl:     c.dnctrl,
		Config:     c.config,
		DCBAAP:     c.dcbaap,
		HCE:        c.hce,
		MFIndex:    c.mfindex,
		Frames:     c.frames,
		Command:    snapshotCursor(c.cmd.cursor),
		CmdRunning: c.cmd.running,
		CmdKick:    c.cmd.kick,
		IMAN:       c.intr.iman,
		IMOD:       c.intr.imod,
		Pending:    c.pending.items(),
		Dropped:    c.pending.dropped,
		Active:     c.active.keys(),
	}
	r := &c.intr.ring
	snap.EventRing = eventRingSnapshot{
		ERSTSZ:      r.erstsz,
		ERSTBA:      r.erstba,
		ERDP:        r.erdp,
		Loaded:      r.loaded,
		Reload:      r.reload,
		Segments:    append([]erstSegment(nil), r.segments...),
		Segment:     r.segment,
		Index:       r.index,
		Cycle:       r.cycle,
		Outstanding: r.outstanding,
	}
	for _, p := range c.ports {
		snap.PortState = append(snap.PortState, portSnapshot{
			Connected: p.connected(),
			Enabled:   p.enabled,
			Resetting: p.resetting,
			ResetLeft: p.resetLeft,
			Link:      p.link,
			Change:    p.change,
		})
	}
	for i := range c.slots {
		s := &c.slots[i]
		ss := slotSnapshot{
			Enabled:       s.enabled,
			Bound:         s.bound,
			Port:          s.port,
			Route:         s.route,
			DeviceContext: s.deviceContext,
			Context:       s.ctx,
			Endpoints:     s.endpoints,
			Control: controlTDSnapshot{
				Active:      s.control.active,
				Start:       snapshotCursor(s.control.start),
				Cursor:      snapshotCursor(s.control.cursor),
				Expected:    s.control.expected,
				Transferred: s.control.transferred,
				Code:        uint8(s.control.code),
				DirIn:       s.control.dirIn,
				Reported:    s.control.reported,
				Short:       s.control.short,
			},
		}
		for dci := range s.rings {
			ss.Rings[dci] = snapshotCursor(s.rings[dci])
			ss.Skip[dci] = uint8(s.skip[dci])
		}
		snap.Slots = append(snap.Slots, ss)
	}
	return snap, nil
}

func (s *eventRingSnapshot) validate() error {
	if s.ERSTSZ > 0xffff || len(s.Segments) > maxERSTEntries {
		return fmt.Errorf("event ring: %d segments", len(s.Segments))
	}
	if !s.Loaded {
		return nil
	}
	if len(s.Segments) == 0 || s.Segment < 0 || s.Segment >= len(s.Segments) {
		return fmt.Errorf("event ring: segment %d of %d", s.Segment, len(s.Segments))
	}
	var total uint32
	for i, seg := range s.Segments {
		if seg.Size == 0 || seg.Size > maxSegmentTRBs {
			return fmt.Errorf("event ring: segment %d size %d", i, seg.Size)
		}
		total += seg.Size
	}
	if s.Index >= s.Segments[s.Segment].Size {
		return fmt.Errorf("event ring: index %d past segment end", s.Index)
	}
	if s.Outstanding > total {
		return fmt.Errorf("event ring: %d outstanding of %d", s.Outstanding, total)
	}
	return nil
}

func (c *Controller) restoreSlot(id int, ss *slotSnapshot) (slot, error) {
	s := slot{
		enabled:       ss.Enabled,
		bound:         ss.Bound,
		port:          ss.Port,
		route:         ss.Route,
		deviceContext: ss.DeviceContext,
		ctx:           ss.Context,
		endpoints:     ss.Endpoints,
	}
	if s.bound {
		if s.port == 0 || int(s.port) > len(c.ports) {
			return slot{}, fmt.Errorf("slot %d: root port %d out of range", id, s.port)
		}
		if _, err := parseRoute(s.route); err != nil {
			return slot{}, fmt.Errorf("slot %d: %w", id, err)
		}
	}
	for dci := range s.rings {
		ring, err := ss.Rings[dci].restore()
		if err != nil {
			return slot{}, fmt.Errorf("slot %d dci %d: %w", id, dci, err)
		}
		s.rings[dci] = ring
		if ss.Skip[dci] > uint8(skipPending) {
			return slot{}, fmt.Errorf("slot %d dci %d: skip state %d", id, dci, ss.Skip[dci])
		}
		s.skip[dci] = skipState(ss.Skip[dci])
	}
	cs := &ss.Control
	start, err := cs.Start.restore()
	if err != nil {
		return slot{}, fmt.Errorf("slot %d control TD: %w", id, err)
	}
	cursor, err := cs.Cursor.restore()
	if err != nil {
		return slot{}, fmt.Errorf("slot %d control TD: %w", id, err)
	}
	s.control = controlTD{
		active:      cs.Active,
		start:       start,
		cursor:      cursor,
		expected:    cs.Expected,
		transferred: cs.Transferred,
		code:        CompletionCode(cs.Code),
		dirIn:       cs.DirIn,
		reported:    cs.Reported,
		short:       cs.Short,
	}
	return s, nil
}

// RestoreSnapshot replaces the controller state with snap. Transfer
// executors are re-derived from the restored contexts and topology.
func (c *Controller) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*controllerSnapshot)
	if !ok {
		return fmt.Errorf("xhci: %w", hv.ErrInvalidSnapshotType)
	}
	if data.Ports != len(c.ports) || len(data.PortState) != len(c.ports) {
		return fmt.Errorf("xhci: snapshot has %d ports, controller has %d", data.Ports, len(c.ports))
	}
	if data.MaxSlots != c.cfg.MaxSlots || len(data.Slots) != len(c.slots) {
		return fmt.Errorf("xhci: snapshot has %d slots, controller has %d", data.MaxSlots, c.cfg.MaxSlots)
	}
	if len(data.Pending) > len(c.pending.buf) {
		return fmt.Errorf("xhci: snapshot has %d pending events, capacity %d", len(data.Pending), len(c.pending.buf))
	}
	for i, ps := range data.PortState {
		if ps.Connected != c.ports[i].connected() {
			return fmt.Errorf("xhci: port %d attachment differs from snapshot", i+1)
		}
		if ps.ResetLeft < 0 || ps.Link > 0xf {
			return fmt.Errorf("xhci: port %d state out of range", i+1)
		}
	}
	for _, key := range data.Active {
		if int(key.Slot) >= len(c.slots) || key.Slot == 0 || key.DCI == 0 || key.DCI > maxEndpoints {
			return fmt.Errorf("xhci: active endpoint %d/%d out of range", key.Slot, key.DCI)
		}
	}
	if err := data.EventRing.validate(); err != nil {
		return fmt.Errorf("xhci: %w", err)
	}
	cmd, err := data.Command.restore()
	if err != nil {
		return fmt.Errorf("xhci: command ring: %w", err)
	}

	slots := make([]slot, len(c.slots))
	for id := range data.Slots {
		s, err := c.restoreSlot(id, &data.Slots[id])
		if err != nil {
			return fmt.Errorf("xhci: %w", err)
		}
		slots[id] = s
	}
	c.slots = slots

	c.usbcmd = data.USBCmd & cmdWritable
	c.usbsts = data.USBSts & stsW1C
	c.dnctrl = data.DNCtrl
	c.config = data.Config
	c.dcbaap = data.DCBAAP
	c.hce = data.HCE
	c.mfindex = data.MFIndex & 0x3fff
	c.frames = data.Frames
	c.cmd = commandRing{cursor: cmd, running: data.CmdRunning, kick: data.CmdKick}
	c.intr.iman = data.IMAN & (imanIP | imanIE)
	c.intr.imod = data.IMOD

	er := &data.EventRing
	c.intr.ring = eventRing{
		erstsz:      er.ERSTSZ,
		erstba:      er.ERSTBA,
		erdp:        er.ERDP,
		loaded:      er.Loaded,
		reload:      er.Reload,
		segments:    append([]erstSegment(nil), er.Segments...),
		segment:     er.Segment,
		index:       er.Index,
		cycle:       er.Cycle,
		outstanding: er.Outstanding,
	}
	c.intr.ring.total = 0
	for _, seg := range c.intr.ring.segments {
		c.intr.ring.total += seg.Size
	}

	for i, ps := range data.PortState {
		p := c.ports[i]
		p.enabled = ps.Enabled
		p.resetting = ps.Resetting
		p.resetLeft = ps.ResetLeft
		p.link = ps.Link
		p.change = ps.Change & portChangeBits
	}

	c.pending.clear()
	c.pending.dropped = data.Dropped
	for _, trb := range data.Pending {
		c.pending.push(trb)
	}
	c.active.clear()
	for _, key := range data.Active {
		c.active.push(key)
	}

	for id := 1; id < len(c.slots); id++ {
		for dci := uint8(2); dci <= maxEndpoints; dci++ {
			if c.slots[id].endpoints[dci].State() != EndpointDisabled {
				c.slots[id].exec[dci] = c.bindExecutor(uint8(id), dci)
			}
		}
	}
	return nil
}
