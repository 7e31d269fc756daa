package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/xhci/internal/devices/usb"
	"github.com/tinyrange/xhci/internal/devices/xhci"
)

// Device is an addressed USB device and the structures the driver keeps
// for it.
type Device struct {
	Slot  uint8
	Port  uint8 // root hub port
	Route uint32
	Depth int
	Speed usb.Speed

	// Parent is the hub the device is attached to, nil on a root port.
	Parent     *Device
	ParentPort uint8
	Children   []*Device

	MaxPacket0 uint16
	Descriptor usb.DeviceDescriptor
	Config     usb.ConfigurationDescriptor
	// HubPorts is the downstream port count for hubs.
	HubPorts int

	ttHub, ttPort uint8

	output, input uint64
	rings         [32]*ring
	endpoints     map[uint8]uint8 // endpoint address to DCI
}

func (dev *Device) String() string {
	return fmt.Sprintf("slot %d port %d route %#x %s %04x:%04x",
		dev.Slot, dev.Port, dev.Route, dev.Speed, dev.Descriptor.VendorID, dev.Descriptor.ProductID)
}

// IsHub reports whether the device is a hub.
func (dev *Device) IsHub() bool { return dev.Descriptor.Class == hubClass }

// Endpoint returns the DCI of a configured endpoint address.
func (dev *Device) Endpoint(address uint8) (uint8, bool) {
	dci, ok := dev.endpoints[address]
	return dci, ok
}

func (dev *Device) removeChild(child *Device) {
	for i, c := range dev.Children {
		if c == child {
			dev.Children = append(dev.Children[:i], dev.Children[i+1:]...)
			return
		}
	}
}

func speedFromPSIV(psiv uint32) (usb.Speed, bool) {
	switch psiv {
	case speedFull:
		return usb.SpeedFull, true
	case speedLow:
		return usb.SpeedLow, true
	case speedHigh:
		return usb.SpeedHigh, true
	case speedSuper:
		return usb.SpeedSuper, true
	}
	return usb.SpeedFull, false
}

// initialMaxPacket0 is the EP0 size used until the device descriptor has
// been read.
func initialMaxPacket0(s usb.Speed) uint16 {
	switch s {
	case usb.SpeedHigh:
		return 64
	case usb.SpeedSuper:
		return 512
	}
	return 8
}

func (d *Driver) portRegister(port uint8) uint64 {
	return d.op + opPortSC + portStride*uint64(port-1)
}

// PortStatus returns the raw PORTSC value of a root port.
func (d *Driver) PortStatus(port uint8) (uint32, error) {
	if port == 0 || int(port) > d.ports {
		return 0, fmt.Errorf("driver: port %d out of range", port)
	}
	return d.read32(d.portRegister(port))
}

// ResetPort resets a root port, acknowledges its change bits and returns
// the speed of the device behind it.
func (d *Driver) ResetPort(ctx context.Context, port uint8) (usb.Speed, error) {
	v, err := d.PortStatus(port)
	if err != nil {
		return 0, err
	}
	if v&portCCS == 0 {
		return 0, fmt.Errorf("%w: port %d", ErrNoDevice, port)
	}
	reg := d.portRegister(port)
	// PED is write-1-to-disable; never echo it back.
	if err := d.write32(reg, portPP|portPR); err != nil {
		return 0, err
	}
	if err := d.waitRegister(ctx, reg, portPRC, portPRC); err != nil {
		return 0, fmt.Errorf("driver: port %d reset: %w", port, err)
	}
	if v, err = d.read32(reg); err != nil {
		return 0, err
	}
	if err := d.write32(reg, portPP|v&portChangeBits); err != nil {
		return 0, err
	}
	if v&portPED == 0 {
		return 0, fmt.Errorf("%w: port %d not enabled after reset", ErrNoDevice, port)
	}
	speed, ok := speedFromPSIV((v >> portSpeedSh) & 0xf)
	if !ok {
		return 0, fmt.Errorf("driver: port %d reports unknown speed %d", port, (v>>portSpeedSh)&0xf)
	}
	return speed, nil
}

type slotMemory struct {
	output, input uint64
	rings         [32]*ring
}

// newDevice enables a slot and prepares its contexts and EP0 ring.
// Structures of a previously disabled slot are reused.
func (d *Driver) newDevice(ctx context.Context, port uint8, route uint32, depth int, speed usb.Speed) (*Device, error) {
	slot, err := d.EnableSlot(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := d.slotMemory[slot]
	if !ok {
		if m.output, err = d.heap.alloc(deviceContextEntries*contextSize, 64); err != nil {
			return nil, err
		}
		if m.input, err = d.heap.alloc(inputContextEntries*contextSize, 64); err != nil {
			return nil, err
		}
		if m.rings[1], err = d.newRing(d.cfg.TransferRingTRBs); err != nil {
			return nil, err
		}
		d.slotMemory[slot] = m
	} else {
		for _, r := range m.rings {
			if r == nil {
				continue
			}
			r.reset()
			if err := d.zero(r.base, uint64(r.size)*xhci.TRBSize); err != nil {
				return nil, err
			}
		}
	}
	if err := d.zero(m.output, deviceContextEntries*contextSize); err != nil {
		return nil, err
	}
	dev := &Device{
		Slot:       slot,
		Port:       port,
		Route:      route,
		Depth:      depth,
		Speed:      speed,
		MaxPacket0: initialMaxPacket0(speed),
		output:     m.output,
		input:      m.input,
		endpoints:  make(map[uint8]uint8),
	}
	dev.rings[1] = m.rings[1]
	return dev, nil
}

// EnumerateAll enumerates every connected root port, descending into hubs.
// Ports that fail are reported in the joined error; the rest are returned.
func (d *Driver) EnumerateAll(ctx context.Context) ([]*Device, error) {
	var (
		out  []*Device
		errs []error
	)
	for p := uint8(1); int(p) <= d.ports; p++ {
		v, err := d.PortStatus(p)
		if err != nil {
			return out, err
		}
		if v&portCCS == 0 {
			continue
		}
		dev, err := d.EnumeratePort(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", p, err))
			continue
		}
		out = append(out, dev)
	}
	return out, errors.Join(errs...)
}

// EnumeratePort resets a root port and enumerates the device behind it.
func (d *Driver) EnumeratePort(ctx context.Context, port uint8) (*Device, error) {
	speed, err := d.ResetPort(ctx, port)
	if err != nil {
		return nil, err
	}
	dev, err := d.newDevice(ctx, port, 0, 0, speed)
	if err != nil {
		return nil, err
	}
	if err := d.enumerate(ctx, dev); err != nil {
		return dev, err
	}
	return dev, nil
}

// enumerate addresses dev, reads its descriptors, configures its endpoints
// and selects its first configuration.
func (d *Driver) enumerate(ctx context.Context, dev *Device) error {
	if err := d.AddressDevice(ctx, dev, false); err != nil {
		return err
	}
	d.devices[dev.Slot] = dev

	head, err := d.GetDescriptor(ctx, dev, usb.DescriptorDevice, 0, 8)
	if err != nil {
		return err
	}
	if len(head) < 8 {
		return fmt.Errorf("driver: slot %d: %w", dev.Slot, usb.ErrShortDescriptor)
	}
	mps := uint16(head[7])
	if dev.Speed == usb.SpeedSuper && mps < 32 {
		// USB 3 encodes bMaxPacketSize0 as an exponent.
		mps = 1 << mps
	}
	if mps != 0 && mps != dev.MaxPacket0 {
		dev.MaxPacket0 = mps
		if err := d.EvaluateContext(ctx, dev); err != nil {
			return err
		}
	}

	raw, err := d.GetDescriptor(ctx, dev, usb.DescriptorDevice, 0, usb.DeviceDescriptorSize)
	if err != nil {
		return err
	}
	if dev.Descriptor, err = usb.ParseDeviceDescriptor(raw); err != nil {
		return err
	}
	raw, err = d.GetDescriptor(ctx, dev, usb.DescriptorConfiguration, 0, usb.ConfigurationDescriptorSize)
	if err != nil {
		return err
	}
	total, err := usb.ConfigurationTotalLength(raw)
	if err != nil {
		return err
	}
	if raw, err = d.GetDescriptor(ctx, dev, usb.DescriptorConfiguration, 0, uint16(total)); err != nil {
		return err
	}
	if dev.Config, err = usb.ParseConfiguration(raw); err != nil {
		return err
	}

	if dev.IsHub() {
		raw, err := d.hubDescriptor(ctx, dev)
		if err != nil {
			return err
		}
		if dev.HubPorts, err = usb.ParseHubPortCount(raw); err != nil {
			return err
		}
	}
	if err := d.ConfigureEndpoint(ctx, dev); err != nil {
		return err
	}
	if err := d.SetConfiguration(ctx, dev, dev.Config.Value); err != nil {
		return err
	}
	slog.Debug("driver: enumerated", "device", dev.String(), "mps0", dev.MaxPacket0, "endpoints", len(dev.endpoints))

	if dev.IsHub() {
		return d.enumerateHub(ctx, dev)
	}
	return nil
}

func (d *Driver) hubDescriptor(ctx context.Context, hub *Device) ([]byte, error) {
	buf := make([]byte, 16)
	n, err := d.Control(ctx, hub, usb.SetupPacket{
		RequestType: hubDescriptorIn,
		Request:     usb.RequestGetDescriptor,
		Value:       uint16(usb.DescriptorHub) << 8,
		Length:      uint16(len(buf)),
	}, buf)
	return buf[:n], err
}

func (d *Driver) hubPortFeature(ctx context.Context, hub *Device, request uint8, feature uint16, port uint8) error {
	_, err := d.Control(ctx, hub, usb.SetupPacket{
		RequestType: hubRequestTypeOut,
		Request:     request,
		Value:       feature,
		Index:       uint16(port),
	}, nil)
	return err
}

func (d *Driver) hubPortStatus(ctx context.Context, hub *Device, port uint8) (status, change uint16, err error) {
	var buf [4]byte
	n, err := d.Control(ctx, hub, usb.SetupPacket{
		RequestType: hubRequestTypeIn,
		Request:     usb.RequestGetStatus,
		Index:       uint16(port),
		Length:      4,
	}, buf[:])
	if err != nil {
		return 0, 0, err
	}
	if n < 4 {
		return 0, 0, fmt.Errorf("driver: hub slot %d port %d: short status", hub.Slot, port)
	}
	return binary.LittleEndian.Uint16(buf[0:]), binary.LittleEndian.Uint16(buf[2:]), nil
}

// enumerateHub powers the hub's ports and enumerates each connected one.
func (d *Driver) enumerateHub(ctx context.Context, hub *Device) error {
	if hub.Depth+1 > maxHubDepth {
		return fmt.Errorf("driver: hub slot %d at depth %d: %w", hub.Slot, hub.Depth, xhci.ErrInvalidRoute)
	}
	for p := 1; p <= hub.HubPorts; p++ {
		if err := d.hubPortFeature(ctx, hub, usb.RequestSetFeature, hubFeaturePortPower, uint8(p)); err != nil {
			return err
		}
	}
	var errs []error
	for p := uint8(1); int(p) <= hub.HubPorts; p++ {
		child, err := d.enumerateHubPort(ctx, hub, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("hub slot %d port %d: %w", hub.Slot, p, err))
		}
		if child != nil {
			hub.Children = append(hub.Children, child)
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) enumerateHubPort(ctx context.Context, hub *Device, port uint8) (*Device, error) {
	status, _, err := d.hubPortStatus(ctx, hub, port)
	if err != nil {
		return nil, err
	}
	if status&usb.PortStatusConnection == 0 {
		return nil, nil
	}
	if err := d.hubPortFeature(ctx, hub, usb.RequestSetFeature, hubFeaturePortReset, port); err != nil {
		return nil, err
	}
	var change uint16
	for i := 0; ; i++ {
		if status, change, err = d.hubPortStatus(ctx, hub, port); err != nil {
			return nil, err
		}
		if change&usb.PortChangeReset != 0 {
			break
		}
		if i >= d.cfg.TimeoutFrames {
			return nil, fmt.Errorf("driver: hub port reset: %w", ErrTimeout)
		}
		if err := d.runFrame(ctx); err != nil {
			return nil, err
		}
	}
	if err := d.hubPortFeature(ctx, hub, usb.RequestClearFeature, hubFeatureCPortReset, port); err != nil {
		return nil, err
	}
	if err := d.hubPortFeature(ctx, hub, usb.RequestClearFeature, hubFeatureCPortConnection, port); err != nil {
		return nil, err
	}
	if status&usb.PortStatusEnable == 0 {
		return nil, fmt.Errorf("%w: hub port not enabled after reset", ErrNoDevice)
	}

	speed := usb.SpeedFull
	switch {
	case status&usb.PortStatusLowSpeed != 0:
		speed = usb.SpeedLow
	case status&usb.PortStatusHighSpeed != 0:
		speed = usb.SpeedHigh
	}
	route := hub.Route | uint32(port)<<(4*hub.Depth)
	dev, err := d.newDevice(ctx, hub.Port, route, hub.Depth+1, speed)
	if err != nil {
		return nil, err
	}
	dev.Parent = hub
	dev.ParentPort = port
	switch {
	case hub.Speed == usb.SpeedHigh && (speed == usb.SpeedLow || speed == usb.SpeedFull):
		dev.ttHub, dev.ttPort = hub.Slot, port
	default:
		dev.ttHub, dev.ttPort = hub.ttHub, hub.ttPort
	}
	if err := d.enumerate(ctx, dev); err != nil {
		return dev, err
	}
	return dev, nil
}

// Disconnect disables the slots of dev and everything behind it.
func (d *Driver) Disconnect(ctx context.Context, dev *Device) error {
	for len(dev.Children) > 0 {
		if err := d.Disconnect(ctx, dev.Children[len(dev.Children)-1]); err != nil {
			return err
		}
	}
	return d.DisableSlot(ctx, dev.Slot)
}

// GetDescriptor reads up to length bytes of a standard descriptor.
func (d *Driver) GetDescriptor(ctx context.Context, dev *Device, typ, index uint8, length uint16) ([]byte, error) {
	buf := make([]byte, length)
	n, err := d.Control(ctx, dev, usb.SetupPacket{
		RequestType: usb.RequestDirectionIn,
		Request:     usb.RequestGetDescriptor,
		Value:       uint16(typ)<<8 | uint16(index),
		Length:      length,
	}, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// SetConfiguration selects configuration value on dev.
func (d *Driver) SetConfiguration(ctx context.Context, dev *Device, value uint8) error {
	_, err := d.Control(ctx, dev, usb.SetupPacket{
		Request: usb.RequestSetConfiguration,
		Value:   uint16(value),
	}, nil)
	return err
}

// ClearHalt sends CLEAR_FEATURE(ENDPOINT_HALT) for an endpoint address.
func (d *Driver) ClearHalt(ctx context.Context, dev *Device, address uint8) error {
	_, err := d.Control(ctx, dev, usb.SetupPacket{
		RequestType: usb.RecipientEndpoint,
		Request:     usb.RequestClearFeature,
		Value:       usb.FeatureEndpointHalt,
		Index:       uint16(address),
	}, nil)
	return err
}

// tdResult collects the events of one transfer descriptor.
type tdResult struct {
	last    uint64
	short   uint64
	residue uint32
	done    bool
	failed  *xhci.TRB
}

func (d *Driver) collect(key endpointKey, td *tdResult) bool {
	for {
		ev, ok := d.takeTransferEvent(key)
		if !ok {
			return td.done || td.failed != nil
		}
		switch code := ev.CompletionCode(); code {
		case xhci.CompletionSuccess, xhci.CompletionShortPacket:
			if code == xhci.CompletionShortPacket && ev.Parameter == td.short {
				td.residue = ev.Residual()
			}
			if ev.Parameter == td.last {
				if code == xhci.CompletionShortPacket {
					td.residue = ev.Residual()
				}
				td.done = true
				return true
			}
		default:
			td.failed = &ev
			return true
		}
	}
}

// runTD rings the doorbell for key and waits for the TD to finish. A stall
// or error halts the endpoint; the TD is skipped and the endpoint reset
// before the error is returned. A timeout stops the endpoint and skips the
// TD.
func (d *Driver) runTD(ctx context.Context, op string, dev *Device, dci uint8, td *tdResult) error {
	key := endpointKey{slot: dev.Slot, dci: dci}
	if err := d.ringDoorbell(dev.Slot, dci); err != nil {
		return err
	}
	err := d.wait(ctx, func() bool { return d.collect(key, td) })
	switch {
	case errors.Is(err, ErrTimeout):
		if cerr := d.cancel(ctx, dev, dci); cerr != nil {
			return errors.Join(fmt.Errorf("driver: %s: %w", op, err), cerr)
		}
		return fmt.Errorf("driver: %s slot %d dci %d: %w", op, dev.Slot, dci, err)
	case err != nil:
		return err
	case td.failed != nil:
		code := td.failed.CompletionCode()
		slog.Debug("driver: transfer failed", "op", op, "slot", dev.Slot, "dci", dci, "code", code)
		if rerr := d.recover(ctx, dev, dci); rerr != nil {
			return errors.Join(&CompletionError{Op: op, Slot: dev.Slot, Endpoint: dci, Code: code}, rerr)
		}
		return &CompletionError{Op: op, Slot: dev.Slot, Endpoint: dci, Code: code}
	}
	return nil
}

// recover moves a halted endpoint past the failed TD and restarts it. The
// device side of a halted bulk or interrupt endpoint is cleared too.
func (d *Driver) recover(ctx context.Context, dev *Device, dci uint8) error {
	if err := d.SetTRDequeue(ctx, dev.Slot, dci, dev.rings[dci].pointer()); err != nil {
		return err
	}
	if err := d.ResetEndpoint(ctx, dev.Slot, dci); err != nil {
		return err
	}
	if dci == 1 {
		return nil
	}
	for addr, n := range dev.endpoints {
		if n == dci {
			return d.ClearHalt(ctx, dev, addr)
		}
	}
	return nil
}

// cancel abandons every TD queued on dci.
func (d *Driver) cancel(ctx context.Context, dev *Device, dci uint8) error {
	if err := d.StopEndpoint(ctx, dev.Slot, dci); err != nil {
		return err
	}
	if err := d.SetTRDequeue(ctx, dev.Slot, dci, dev.rings[dci].pointer()); err != nil {
		return err
	}
	delete(d.transfers, endpointKey{slot: dev.Slot, dci: dci})
	return d.ResetEndpoint(ctx, dev.Slot, dci)
}

// Control runs a control transfer on EP0. For IN requests data receives up
// to setup.Length bytes and the count is returned. For OUT requests data is
// the payload and must be setup.Length bytes long.
func (d *Driver) Control(ctx context.Context, dev *Device, setup usb.SetupPacket, data []byte) (int, error) {
	length := int(setup.Length)
	in := setup.DeviceToHost()
	switch {
	case length > d.cfg.BounceSize:
		return 0, ErrTransferLimit
	case in && len(data) < length, !in && len(data) != length:
		return 0, fmt.Errorf("driver: control buffer is %d bytes for wLength %d", len(data), length)
	}
	if !in && length > 0 {
		if err := d.writeMem(d.bounce, data); err != nil {
			return 0, err
		}
	}
	if err := d.Poll(); err != nil {
		return 0, err
	}
	delete(d.transfers, endpointKey{slot: dev.Slot, dci: 1})

	r := dev.rings[1]
	trt := uint32(trtNone)
	switch {
	case length > 0 && in:
		trt = trtIn
	case length > 0:
		trt = trtOut
	}
	if _, err := d.push(r, newTRB(xhci.TRBSetupStage, setup.Uint64(), 8, trbIDT|trt<<trtShift)); err != nil {
		return 0, err
	}
	var td tdResult
	if length > 0 {
		flags := uint32(trbISP)
		if in {
			flags |= trbDirIn
		}
		addr, err := d.push(r, newTRB(xhci.TRBDataStage, d.bounce, uint32(length), flags))
		if err != nil {
			return 0, err
		}
		td.short = addr
	}
	status := uint32(trbIOC)
	if !in || length == 0 {
		status |= trbDirIn
	}
	addr, err := d.push(r, newTRB(xhci.TRBStatusStage, 0, 0, status))
	if err != nil {
		return 0, err
	}
	td.last = addr

	if err := d.runTD(ctx, "control", dev, 1, &td); err != nil {
		return 0, err
	}
	n := length - int(td.residue)
	if in && n > 0 {
		if err := d.readMem(d.bounce, data[:n]); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// transfer runs a single Normal TRB on the endpoint with the given address.
func (d *Driver) transfer(ctx context.Context, op string, dev *Device, address uint8, data []byte) (int, error) {
	dci, ok := dev.endpoints[address]
	if !ok {
		return 0, fmt.Errorf("%w: slot %d endpoint %#x", ErrNoEndpoint, dev.Slot, address)
	}
	if len(data) > d.cfg.BounceSize {
		return 0, ErrTransferLimit
	}
	in := address&usb.RequestDirectionIn != 0
	if !in {
		if err := d.writeMem(d.bounce, data); err != nil {
			return 0, err
		}
	}
	if err := d.Poll(); err != nil {
		return 0, err
	}
	key := endpointKey{slot: dev.Slot, dci: dci}
	delete(d.transfers, key)

	addr, err := d.push(dev.rings[dci], newTRB(xhci.TRBNormal, d.bounce, uint32(len(data)), trbIOC|trbISP))
	if err != nil {
		return 0, err
	}
	td := tdResult{last: addr, short: addr}
	if err := d.runTD(ctx, op, dev, dci, &td); err != nil {
		return 0, err
	}
	n := len(data) - int(td.residue)
	if in && n > 0 {
		if err := d.readMem(d.bounce, data[:n]); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// BulkOut writes data to bulk OUT endpoint number ep.
func (d *Driver) BulkOut(ctx context.Context, dev *Device, ep uint8, data []byte) error {
	_, err := d.transfer(ctx, "bulk out", dev, ep&0x0f, data)
	return err
}

// BulkIn reads up to n bytes from bulk IN endpoint number ep.
func (d *Driver) BulkIn(ctx context.Context, dev *Device, ep uint8, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := d.transfer(ctx, "bulk in", dev, ep|usb.RequestDirectionIn, buf)
	if err != nil {
		return nil, err
	}
	return buf[:got], nil
}

// InterruptIn reads one report of up to n bytes from interrupt IN endpoint
// number ep.
func (d *Driver) InterruptIn(ctx context.Context, dev *Device, ep uint8, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := d.transfer(ctx, "interrupt in", dev, ep|usb.RequestDirectionIn, buf)
	if err != nil {
		return nil, err
	}
	return buf[:got], nil
}
