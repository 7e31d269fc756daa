package xhci

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/xhci/internal/devices/usb"
)

// processCommands drains the command ring within the frame budget. Every
// command TRB yields exactly one Command Completion Event.
func (c *Controller) processCommands(mem Bus, budget *frameBudget) {
	if !c.cmd.kick || !c.cmd.running {
		return
	}
	for budget.commandTRBs > 0 {
		trb, addr, status, err := c.cmd.cursor.Poll(mem, budget.steps)
		if err != nil {
			if errors.Is(err, ErrStepBudgetExceeded) {
				return
			}
			c.latchFatal(fmt.Errorf("command ring: %w", err))
			return
		}
		if status == PollNotReady {
			c.cmd.kick = false
			return
		}
		c.cmd.cursor.Consume()
		budget.commandTRBs--

		code, slotID := c.executeCommand(mem, trb)
		slog.Debug("xhci: command", "type", trb.Type(), "slot", slotID, "code", code)
		c.postEvent(commandCompletionEvent(addr, code, slotID))
	}
}

// stopCommandRing handles CRCR.CS and CRCR.CA.
func (c *Controller) stopCommandRing() {
	if !c.cmd.running {
		return
	}
	c.cmd.running = false
	c.cmd.kick = false
	c.postEvent(commandCompletionEvent(c.cmd.cursor.Dequeue, CompletionCommandRingStopped, 0))
}

func (c *Controller) executeCommand(mem Bus, trb TRB) (CompletionCode, uint8) {
	switch trb.Type() {
	case TRBEnableSlot:
		return c.cmdEnableSlot()
	case TRBDisableSlot:
		return c.cmdDisableSlot(mem, trb), trb.SlotID()
	case TRBAddressDevice:
		return c.cmdAddressDevice(mem, trb), trb.SlotID()
	case TRBEvaluateContext:
		return c.cmdEvaluateContext(mem, trb), trb.SlotID()
	case TRBConfigureEndpoint:
		return c.cmdConfigureEndpoint(mem, trb), trb.SlotID()
	case TRBStopEndpoint:
		return c.cmdStopEndpoint(mem, trb), trb.SlotID()
	case TRBResetEndpoint:
		return c.cmdResetEndpoint(mem, trb), trb.SlotID()
	case TRBSetTRDequeue:
		return c.cmdSetTRDequeue(mem, trb), trb.SlotID()
	case TRBResetDevice:
		return c.cmdResetDevice(mem, trb), trb.SlotID()
	case TRBNoOpCommand:
		return CompletionSuccess, trb.SlotID()
	default:
		return CompletionTrbError, trb.SlotID()
	}
}

// enabledSlot returns the slot addressed by a command TRB.
func (c *Controller) enabledSlot(trb TRB) (*slot, CompletionCode) {
	id := trb.SlotID()
	if id == 0 || int(id) >= len(c.slots) || !c.slots[id].enabled {
		return nil, CompletionSlotNotEnabled
	}
	return &c.slots[id], CompletionSuccess
}

// boundEndpoint validates the endpoint id of an endpoint command and the
// presence of the slot's Device Context.
func (c *Controller) boundEndpoint(trb TRB) (*slot, uint8, CompletionCode) {
	s, code := c.enabledSlot(trb)
	if code != CompletionSuccess {
		return nil, 0, code
	}
	dci := trb.EndpointID()
	if dci == 0 || dci > maxEndpoints {
		return nil, 0, CompletionParameterError
	}
	if !s.bound || s.deviceContext == 0 {
		return nil, 0, CompletionContextStateError
	}
	return s, dci, CompletionSuccess
}

func (c *Controller) cmdEnableSlot() (CompletionCode, uint8) {
	if c.dcbaap == 0 {
		return CompletionContextStateError, 0
	}
	limit := c.maxSlotsEnabled()
	for id := 1; id <= limit; id++ {
		s := &c.slots[id]
		if s.enabled {
			continue
		}
		s.reset()
		s.enabled = true
		return CompletionSuccess, uint8(id)
	}
	return CompletionNoSlotsAvailable, 0
}

func (c *Controller) cmdDisableSlot(mem Bus, trb TRB) CompletionCode {
	s, code := c.enabledSlot(trb)
	if code != CompletionSuccess {
		return code
	}
	id := trb.SlotID()
	c.active.removeSlot(id)
	if c.dcbaap != 0 {
		if err := writeGuestUint64(mem, c.dcbaap+uint64(id)*8, 0); err != nil {
			slog.Debug("xhci: clear DCBAA entry", "slot", id, "err", err)
		}
	}
	s.reset()
	return CompletionSuccess
}

// setAddress runs the SET_ADDRESS control transfer Address Device issues on
// behalf of the guest.
func setAddress(dev usb.Device, address uint8) CompletionCode {
	setup := usb.SetupPacket{
		RequestType: usb.RequestTypeStandard | usb.RecipientDevice,
		Request:     usb.RequestSetAddress,
		Value:       uint16(address),
	}
	switch dev.HandleSetup(setup) {
	case usb.StatusAck:
	case usb.StatusStall:
		return CompletionStallError
	default:
		return CompletionUsbTransactionError
	}
	res := dev.HandleIn(0, 0)
	switch res.Status {
	case usb.StatusAck:
		if len(res.Data) != 0 {
			return CompletionUsbTransactionError
		}
		return CompletionSuccess
	case usb.StatusStall:
		return CompletionStallError
	default:
		return CompletionUsbTransactionError
	}
}

// outputContext reads the DCBAA entry for id and checks the Device Context
// it points at.
func (c *Controller) outputContext(mem Bus, id uint8) (uint64, CompletionCode) {
	if c.dcbaap == 0 {
		return 0, CompletionContextStateError
	}
	base, err := dcbaaEntry(mem, c.dcbaap, id)
	if err != nil || base == 0 {
		return 0, CompletionContextStateError
	}
	if base%64 != 0 || !inGuestRange(mem, base, uint64(maxEndpoints+1)*contextSize) {
		return 0, CompletionParameterError
	}
	return base, CompletionSuccess
}

func (c *Controller) cmdAddressDevice(mem Bus, trb TRB) CompletionCode {
	s, code := c.enabledSlot(trb)
	if code != CompletionSuccess {
		return code
	}
	id := trb.SlotID()
	bsr := trb.BSR()

	ptr := trb.Parameter
	if !validInputPointer(mem, ptr, 2) {
		return CompletionParameterError
	}
	ic := inputContext{base: ptr}
	ctl, err := ic.control(mem)
	if err != nil {
		return CompletionParameterError
	}
	if ctl.Drop != 0 || ctl.Add != addSlot|addEP0 {
		return CompletionParameterError
	}
	base, code := c.outputContext(mem, id)
	if code != CompletionSuccess {
		return code
	}
	if s.bound {
		switch s.ctx.State() {
		case SlotAddressed, SlotConfigured:
			return CompletionContextStateError
		}
	}

	in, err := ic.slot(mem)
	if err != nil {
		return CompletionParameterError
	}
	ep0, err := ic.endpoint(mem, 1)
	if err != nil {
		return CompletionParameterError
	}
	portID, route := in.RootHubPort(), in.Route()
	if _, err := parseRoute(route); err != nil {
		return CompletionParameterError
	}
	if portID == 0 || int(portID) > len(c.ports) {
		return CompletionParameterError
	}
	dev, err := c.resolve(portID, route)
	if err != nil {
		slog.Debug("xhci: address device", "slot", id, "err", err)
		return CompletionContextStateError
	}
	if ep0.Type() != EndpointTypeControl {
		return CompletionParameterError
	}
	deq, cycle := ep0.Dequeue()
	if deq == 0 || !inGuestRange(mem, deq, TRBSize) {
		return CompletionParameterError
	}

	address := uint8(0)
	state := SlotDefault
	if !bsr {
		address = id
		state = SlotAddressed
		if code := setAddress(dev, address); code != CompletionSuccess {
			return code
		}
	}

	out := in
	out.SetRoute(route)
	out.SetRootHubPort(portID)
	out.SetSpeed(dev.Speed().PSIV())
	out.SetContextEntries(1)
	out.SetDeviceAddress(address)
	out.SetState(state)

	var endpoints [32]EndpointContext
	ep0.SetState(EndpointRunning)
	if ep0.MaxPacketSize() == 0 {
		ep0.SetMaxPacketSize(dev.Speed().DefaultMaxPacket0())
	}
	endpoints[1] = ep0

	if err := c.commitDevice(mem, id, base, out, &endpoints); err != nil {
		slog.Debug("xhci: address device commit", "slot", id, "err", err)
		return CompletionParameterError
	}
	c.active.removeSlot(id)
	s.bound = true
	s.port = portID
	s.route = route
	s.rings = [32]RingCursor{}
	s.rings[1] = NewRingCursor(deq, cycle)
	s.control.reset()
	s.exec = [32]*transferExecutor{}
	return CompletionSuccess
}

func (c *Controller) cmdEvaluateContext(mem Bus, trb TRB) CompletionCode {
	s, code := c.enabledSlot(trb)
	if code != CompletionSuccess {
		return code
	}
	id := trb.SlotID()
	if !s.bound || s.deviceContext == 0 {
		return CompletionContextStateError
	}
	if !validInputPointer(mem, trb.Parameter, 2) {
		return CompletionParameterError
	}
	ic := inputContext{base: trb.Parameter}
	ctl, err := ic.control(mem)
	if err != nil {
		return CompletionParameterError
	}
	if ctl.Drop != 0 || ctl.Add&^(addSlot|addEP0) != 0 {
		return CompletionParameterError
	}

	slotCtx := s.ctx
	ep0 := s.endpoints[1]
	ring := s.rings[1]
	if ctl.Adds(0) {
		in, err := ic.slot(mem)
		if err != nil {
			return CompletionParameterError
		}
		slotCtx.mergeGuestFields(in)
	}
	if ctl.Adds(1) {
		in, err := ic.endpoint(mem, 1)
		if err != nil {
			return CompletionParameterError
		}
		if mps := in.MaxPacketSize(); mps != 0 {
			ep0.SetMaxPacketSize(mps)
		}
		ep0[0] = setBits(ep0[0], 16, 8, uint32(in.Interval()))
		if deq, cycle := in.Dequeue(); deq != 0 {
			ep0.SetDequeue(deq, cycle)
			ring = NewRingCursor(deq, cycle)
		}
	}

	if !inGuestRange(mem, s.deviceContext, 2*contextSize) {
		return CompletionContextStateError
	}
	s.ctx = slotCtx
	s.endpoints[1] = ep0
	s.rings[1] = ring
	s.control.reset()
	if err := c.commitSlot(mem, id); err != nil {
		return CompletionContextStateError
	}
	if err := c.commitEndpoint(mem, id, 1); err != nil {
		return CompletionContextStateError
	}
	return CompletionSuccess
}

// validConfigureEndpoint checks an endpoint context added by Configure
// Endpoint.
func validConfigureEndpoint(mem Bus, dci uint8, ep EndpointContext) bool {
	t := ep.Type()
	switch {
	case t == EndpointTypeInvalid, t == EndpointTypeControl, t.Isoch():
		return false
	case t.In() != (dci%2 == 1):
		return false
	case ep.MaxPacketSize() == 0:
		return false
	case ep.MaxPStreams() != 0:
		// Streams are not supported.
		return false
	}
	deq, _ := ep.Dequeue()
	return deq != 0 && inGuestRange(mem, deq, TRBSize)
}

func (c *Controller) cmdConfigureEndpoint(mem Bus, trb TRB) CompletionCode {
	s, code := c.enabledSlot(trb)
	if code != CompletionSuccess {
		return code
	}
	id := trb.SlotID()
	if !s.bound || s.deviceContext == 0 {
		return CompletionContextStateError
	}
	switch s.ctx.State() {
	case SlotAddressed, SlotConfigured:
	default:
		return CompletionContextStateError
	}

	slotCtx := s.ctx
	endpoints := s.endpoints

	if trb.DC() {
		for dci := 2; dci <= maxEndpoints; dci++ {
			endpoints[dci] = EndpointContext{}
		}
		slotCtx.SetContextEntries(1)
		slotCtx.SetState(SlotAddressed)
		if err := c.commitDevice(mem, id, s.deviceContext, slotCtx, &endpoints); err != nil {
			return CompletionContextStateError
		}
		for dci := uint8(2); dci <= maxEndpoints; dci++ {
			c.active.remove(endpointKey{Slot: id, DCI: dci})
			s.rings[dci] = RingCursor{}
			s.exec[dci] = nil
			s.skip[dci] = skipNone
		}
		return CompletionSuccess
	}

	if !validInputPointer(mem, trb.Parameter, inputContextEntries-1) {
		return CompletionParameterError
	}
	ic := inputContext{base: trb.Parameter}
	ctl, err := ic.control(mem)
	if err != nil {
		return CompletionParameterError
	}
	if ctl.Drop&(addSlot|addEP0) != 0 {
		return CompletionParameterError
	}
	if ctl.Adds(0) {
		in, err := ic.slot(mem)
		if err != nil {
			return CompletionParameterError
		}
		slotCtx.mergeGuestFields(in)
	}

	var added [32]bool
	for dci := uint8(2); dci <= maxEndpoints; dci++ {
		if ctl.Drops(dci) {
			endpoints[dci] = EndpointContext{}
		}
		if !ctl.Adds(dci) {
			continue
		}
		ep, err := ic.endpoint(mem, dci)
		if err != nil || !validConfigureEndpoint(mem, dci, ep) {
			return CompletionParameterError
		}
		ep.SetState(EndpointRunning)
		endpoints[dci] = ep
		added[dci] = true
	}

	last := uint8(1)
	for dci := uint8(2); dci <= maxEndpoints; dci++ {
		if endpoints[dci].State() != EndpointDisabled {
			last = dci
		}
	}
	slotCtx.SetContextEntries(last)
	slotCtx.SetState(SlotConfigured)

	if err := c.commitDevice(mem, id, s.deviceContext, slotCtx, &endpoints); err != nil {
		return CompletionContextStateError
	}
	for dci := uint8(2); dci <= maxEndpoints; dci++ {
		if !ctl.Drops(dci) && !added[dci] {
			continue
		}
		c.active.remove(endpointKey{Slot: id, DCI: dci})
		s.rings[dci] = RingCursor{}
		s.exec[dci] = nil
		s.skip[dci] = skipNone
		if added[dci] {
			deq, cycle := endpoints[dci].Dequeue()
			s.rings[dci] = NewRingCursor(deq, cycle)
			s.exec[dci] = c.bindExecutor(id, dci)
		}
	}
	return CompletionSuccess
}

func (c *Controller) cmdStopEndpoint(mem Bus, trb TRB) CompletionCode {
	s, dci, code := c.boundEndpoint(trb)
	if code != CompletionSuccess {
		return code
	}
	id := trb.SlotID()
	if s.endpoints[dci].State() == EndpointDisabled {
		return CompletionEndpointNotEnabled
	}
	if dci == 1 && s.control.active {
		s.rings[1] = s.control.start
	}
	if dci == 1 {
		s.control.reset()
	}
	s.skip[dci] = skipNone
	c.active.remove(endpointKey{Slot: id, DCI: dci})
	s.endpoints[dci].SetState(EndpointStopped)
	c.syncDequeue(mem, id, dci, s.rings[dci])
	return CompletionSuccess
}

func (c *Controller) cmdResetEndpoint(mem Bus, trb TRB) CompletionCode {
	s, dci, code := c.boundEndpoint(trb)
	if code != CompletionSuccess {
		return code
	}
	id := trb.SlotID()
	switch s.endpoints[dci].State() {
	case EndpointDisabled:
		return CompletionEndpointNotEnabled
	case EndpointHalted, EndpointStopped:
	default:
		return CompletionContextStateError
	}
	if dci == 1 {
		s.control.reset()
	}
	s.skip[dci] = skipNone
	s.endpoints[dci].SetState(EndpointRunning)
	if err := c.commitEndpoint(mem, id, dci); err != nil {
		slog.Debug("xhci: reset endpoint commit", "slot", id, "dci", dci, "err", err)
	}
	return CompletionSuccess
}

func (c *Controller) cmdSetTRDequeue(mem Bus, trb TRB) CompletionCode {
	s, dci, code := c.boundEndpoint(trb)
	if code != CompletionSuccess {
		return code
	}
	id := trb.SlotID()
	switch s.endpoints[dci].State() {
	case EndpointDisabled:
		return CompletionEndpointNotEnabled
	case EndpointRunning:
		return CompletionContextStateError
	}
	ptr := trb.Parameter
	deq := ptr &^ 0xf
	if ptr&0xe != 0 || deq == 0 || !inGuestRange(mem, deq, TRBSize) {
		return CompletionParameterError
	}
	if trb.Status>>16 != 0 {
		// Stream ID.
		return CompletionParameterError
	}
	if dci == 1 {
		s.control.reset()
	}
	s.skip[dci] = skipNone
	s.rings[dci] = NewRingCursor(deq, ptr&1 != 0)
	c.syncDequeue(mem, id, dci, s.rings[dci])
	return CompletionSuccess
}

func (c *Controller) cmdResetDevice(mem Bus, trb TRB) CompletionCode {
	s, code := c.enabledSlot(trb)
	if code != CompletionSuccess {
		return code
	}
	id := trb.SlotID()
	if !s.bound || s.deviceContext == 0 {
		return CompletionContextStateError
	}
	if s.ctx.State() == SlotDefault {
		return CompletionContextStateError
	}

	slotCtx := s.ctx
	endpoints := s.endpoints
	for dci := 2; dci <= maxEndpoints; dci++ {
		endpoints[dci] = EndpointContext{}
	}
	slotCtx.SetContextEntries(1)
	slotCtx.SetDeviceAddress(0)
	slotCtx.SetState(SlotDefault)
	if err := c.commitDevice(mem, id, s.deviceContext, slotCtx, &endpoints); err != nil {
		return CompletionContextStateError
	}

	c.active.removeSlot(id)
	s.control.reset()
	for dci := 2; dci <= maxEndpoints; dci++ {
		s.rings[dci] = RingCursor{}
		s.exec[dci] = nil
		s.skip[dci] = skipNone
	}
	if dev, err := c.resolve(s.port, s.route); err == nil {
		dev.Reset()
	}
	return CompletionSuccess
}
