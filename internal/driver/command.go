package driver

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xhci/internal/devices/usb"
	"github.com/tinyrange/xhci/internal/devices/xhci"
)

const (
	contextSize          = 32
	inputContextEntries  = 33
	deviceContextEntries = 32

	addSlot = 1 << 0
	addEP0  = 1 << 1

	trbBSR = 1 << 9
	trbDC  = 1 << 9
)

func newTRB(typ xhci.TRBType, parameter uint64, status, control uint32) xhci.TRB {
	t := xhci.TRB{Parameter: parameter, Status: status, Control: control}
	t.SetType(typ)
	return t
}

func slotTRB(typ xhci.TRBType, parameter uint64, control uint32, slot, dci uint8) xhci.TRB {
	t := newTRB(typ, parameter, 0, control)
	t.SetSlotID(slot)
	t.SetEndpointID(dci)
	return t
}

// command queues trb on the command ring and waits for its completion.
func (d *Driver) command(ctx context.Context, op string, trb xhci.TRB) (xhci.TRB, error) {
	if !d.running {
		return xhci.TRB{}, fmt.Errorf("driver: %s: %w", op, ErrNotRunning)
	}
	addr, err := d.push(d.cmd, trb)
	if err != nil {
		return xhci.TRB{}, err
	}
	if err := d.ringDoorbell(0, 0); err != nil {
		return xhci.TRB{}, err
	}
	var ev xhci.TRB
	err = d.wait(ctx, func() bool {
		var ok bool
		if ev, ok = d.completions[addr]; ok {
			delete(d.completions, addr)
		}
		return ok
	})
	if err != nil {
		return xhci.TRB{}, fmt.Errorf("driver: %s: %w", op, err)
	}
	if code := ev.CompletionCode(); code != xhci.CompletionSuccess {
		return ev, &CompletionError{Op: op, Slot: trb.SlotID(), Endpoint: trb.EndpointID(), Code: code}
	}
	return ev, nil
}

// NoOp runs a No Op command.
func (d *Driver) NoOp(ctx context.Context) error {
	_, err := d.command(ctx, "no-op", newTRB(xhci.TRBNoOpCommand, 0, 0, 0))
	return err
}

// EnableSlot allocates a device slot.
func (d *Driver) EnableSlot(ctx context.Context) (uint8, error) {
	ev, err := d.command(ctx, "enable slot", newTRB(xhci.TRBEnableSlot, 0, 0, 0))
	if err != nil {
		return 0, err
	}
	return ev.SlotID(), nil
}

// DisableSlot releases a slot and forgets the device bound to it.
func (d *Driver) DisableSlot(ctx context.Context, slot uint8) error {
	if _, err := d.command(ctx, "disable slot", slotTRB(xhci.TRBDisableSlot, 0, 0, slot, 0)); err != nil {
		return err
	}
	if dev := d.devices[slot]; dev != nil && dev.Parent != nil {
		dev.Parent.removeChild(dev)
	}
	delete(d.devices, slot)
	for key := range d.transfers {
		if key.slot == slot {
			delete(d.transfers, key)
		}
	}
	return nil
}

// slotContext builds the Slot Context the driver hands the controller for
// dev, covering endpoints up to entries.
func (dev *Device) slotContext(entries uint8) xhci.SlotContext {
	var s xhci.SlotContext
	s.SetRoute(dev.Route)
	s.SetSpeed(dev.Speed.PSIV())
	s.SetContextEntries(entries)
	s.SetRootHubPort(dev.Port)
	if dev.HubPorts > 0 {
		s[0] |= 1 << 26
		s[1] |= uint32(dev.HubPorts) << 24
	}
	s[2] = uint32(dev.ttHub) | uint32(dev.ttPort)<<8
	return s
}

func (d *Driver) ep0Context(dev *Device) xhci.EndpointContext {
	var ep xhci.EndpointContext
	ep.SetType(xhci.EndpointTypeControl)
	ep.SetMaxPacketSize(dev.MaxPacket0)
	ep[1] |= 3 << 1 // CErr
	r := dev.rings[1]
	ep.SetDequeue(r.base+uint64(r.enq)*xhci.TRBSize, r.cycle)
	ep[4] = 8
	return ep
}

// writeInput fills dev's Input Context. Unlisted endpoint contexts are
// zeroed.
func (d *Driver) writeInput(dev *Device, drop, add uint32, slot xhci.SlotContext, eps map[uint8]xhci.EndpointContext) error {
	if err := d.zero(dev.input, inputContextEntries*contextSize); err != nil {
		return err
	}
	if err := d.writeContext(dev.input, [8]uint32{drop, add}); err != nil {
		return err
	}
	if err := d.writeContext(dev.input+contextSize, slot); err != nil {
		return err
	}
	for dci, ep := range eps {
		if err := d.writeContext(dev.input+uint64(dci+1)*contextSize, ep); err != nil {
			return err
		}
	}
	return nil
}

// AddressDevice points the DCBAA entry for dev's slot at its output
// context and issues Address Device. With bsr set the controller stops
// short of SET_ADDRESS and leaves the slot Default.
func (d *Driver) AddressDevice(ctx context.Context, dev *Device, bsr bool) error {
	eps := map[uint8]xhci.EndpointContext{1: d.ep0Context(dev)}
	if err := d.writeInput(dev, 0, addSlot|addEP0, dev.slotContext(1), eps); err != nil {
		return err
	}
	var entry [8]byte
	binary.LittleEndian.PutUint64(entry[:], dev.output)
	if err := d.writeMem(d.dcbaa+uint64(dev.Slot)*8, entry[:]); err != nil {
		return err
	}
	var flags uint32
	if bsr {
		flags |= trbBSR
	}
	_, err := d.command(ctx, "address device", slotTRB(xhci.TRBAddressDevice, dev.input, flags, dev.Slot, 0))
	return err
}

// EvaluateContext updates EP0's max packet size to dev.MaxPacket0.
func (d *Driver) EvaluateContext(ctx context.Context, dev *Device) error {
	var ep0 xhci.EndpointContext
	ep0.SetMaxPacketSize(dev.MaxPacket0)
	eps := map[uint8]xhci.EndpointContext{1: ep0}
	if err := d.writeInput(dev, 0, addEP0, xhci.SlotContext{}, eps); err != nil {
		return err
	}
	_, err := d.command(ctx, "evaluate context", slotTRB(xhci.TRBEvaluateContext, dev.input, 0, dev.Slot, 0))
	return err
}

// endpointType maps a descriptor to the Endpoint Context type. Isochronous
// and control endpoints report false.
func endpointType(ep usb.EndpointDescriptor) (xhci.EndpointType, bool) {
	switch {
	case ep.TransferType() == usb.TransferBulk && ep.In():
		return xhci.EndpointTypeBulkIn, true
	case ep.TransferType() == usb.TransferBulk:
		return xhci.EndpointTypeBulkOut, true
	case ep.TransferType() == usb.TransferInterrupt && ep.In():
		return xhci.EndpointTypeIntIn, true
	case ep.TransferType() == usb.TransferInterrupt:
		return xhci.EndpointTypeIntOut, true
	}
	return xhci.EndpointTypeInvalid, false
}

// DCI returns the Device Context Index of endpoint number n.
func DCI(n uint8, in bool) uint8 {
	if n == 0 {
		return 1
	}
	dci := 2 * n
	if in {
		dci++
	}
	return dci
}

// ConfigureEndpoint adds a transfer ring for every bulk and interrupt
// endpoint in dev.Config and publishes dev's hub fields.
func (d *Driver) ConfigureEndpoint(ctx context.Context, dev *Device) error {
	eps := make(map[uint8]xhci.EndpointContext)
	add := uint32(addSlot)
	last := uint8(1)
	for _, intf := range dev.Config.Interfaces {
		for _, desc := range intf.Endpoints {
			typ, ok := endpointType(desc)
			if !ok {
				continue
			}
			dci := DCI(desc.Number(), desc.In())
			r := dev.rings[dci]
			if r == nil {
				m := d.slotMemory[dev.Slot]
				if r = m.rings[dci]; r == nil {
					var err error
					if r, err = d.newRing(d.cfg.TransferRingTRBs); err != nil {
						return err
					}
					m.rings[dci] = r
					d.slotMemory[dev.Slot] = m
				}
				dev.rings[dci] = r
			}
			var ep xhci.EndpointContext
			ep.SetType(typ)
			ep.SetMaxPacketSize(desc.MaxPacketSize & 0x7ff)
			ep[0] |= uint32(desc.Interval) << 16
			ep[1] |= 3 << 1
			ep.SetDequeue(r.base+uint64(r.enq)*xhci.TRBSize, r.cycle)
			ep[4] = uint32(desc.MaxPacketSize)
			eps[dci] = ep
			add |= 1 << dci
			last = max(last, dci)
			dev.endpoints[desc.Address] = dci
		}
	}
	if err := d.writeInput(dev, 0, add, dev.slotContext(last), eps); err != nil {
		return err
	}
	_, err := d.command(ctx, "configure endpoint", slotTRB(xhci.TRBConfigureEndpoint, dev.input, 0, dev.Slot, 0))
	return err
}

// DeconfigureEndpoints drops every endpoint except EP0.
func (d *Driver) DeconfigureEndpoints(ctx context.Context, dev *Device) error {
	if _, err := d.command(ctx, "deconfigure", slotTRB(xhci.TRBConfigureEndpoint, 0, trbDC, dev.Slot, 0)); err != nil {
		return err
	}
	clear(dev.endpoints)
	for dci := 2; dci < len(dev.rings); dci++ {
		dev.rings[dci] = nil
	}
	return nil
}

// StopEndpoint stops the ring for dci.
func (d *Driver) StopEndpoint(ctx context.Context, slot, dci uint8) error {
	_, err := d.command(ctx, "stop endpoint", slotTRB(xhci.TRBStopEndpoint, 0, 0, slot, dci))
	return err
}

// ResetEndpoint returns a halted or stopped endpoint to Running.
func (d *Driver) ResetEndpoint(ctx context.Context, slot, dci uint8) error {
	_, err := d.command(ctx, "reset endpoint", slotTRB(xhci.TRBResetEndpoint, 0, 0, slot, dci))
	return err
}

// SetTRDequeue moves the controller's dequeue pointer for dci. ptr carries
// the dequeue cycle state in bit 0.
func (d *Driver) SetTRDequeue(ctx context.Context, slot, dci uint8, ptr uint64) error {
	_, err := d.command(ctx, "set TR dequeue", slotTRB(xhci.TRBSetTRDequeue, ptr, 0, slot, dci))
	return err
}

// OutputContext reads dev's Slot Context and the Endpoint Context for dci
// back from the Device Context the controller maintains.
func (d *Driver) OutputContext(dev *Device, dci uint8) (xhci.SlotContext, xhci.EndpointContext, error) {
	slot, err := d.readContext(dev.output)
	if err != nil {
		return xhci.SlotContext{}, xhci.EndpointContext{}, err
	}
	ep, err := d.readContext(dev.output + uint64(dci)*contextSize)
	if err != nil {
		return xhci.SlotContext{}, xhci.EndpointContext{}, err
	}
	return xhci.SlotContext(slot), xhci.EndpointContext(ep), nil
}
