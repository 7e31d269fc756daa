package usb

import (
	"encoding/binary"
	"fmt"
)

// Hub class feature selectors and port status bits (USB 2.0 §11.24).
const (
	hubFeaturePortEnable       = 1
	hubFeaturePortSuspend      = 2
	hubFeaturePortReset        = 4
	hubFeaturePortPower        = 8
	hubFeatureCPortConnection  = 16
	hubFeatureCPortEnable      = 17
	hubFeatureCPortSuspend     = 18
	hubFeatureCPortOverCurrent = 19
	hubFeatureCPortReset       = 20

	PortStatusConnection = 1 << 0
	PortStatusEnable     = 1 << 1
	PortStatusSuspend    = 1 << 2
	PortStatusReset      = 1 << 4
	PortStatusPower      = 1 << 8
	PortStatusLowSpeed   = 1 << 9
	PortStatusHighSpeed  = 1 << 10

	PortChangeConnection = 1 << 0
	PortChangeEnable     = 1 << 1
	PortChangeSuspend    = 1 << 2
	PortChangeReset      = 1 << 4
)

type hubPort struct {
	device    Device
	powered   bool
	enabled   bool
	suspended bool
	change    uint16
}

// HubModel is a USB 2.0 hub with a status-change interrupt endpoint (1 IN).
// Port resets complete immediately.
type HubModel struct {
	ports      []hubPort
	configured uint8
}

// NewHub returns a hub with n downstream ports (1..15).
func NewHub(n int) (*HubModel, error) {
	if n < 1 || n > 15 {
		return nil, fmt.Errorf("usb: hub port count %d out of range", n)
	}
	return &HubModel{ports: make([]hubPort, n)}, nil
}

func (h *HubModel) port(n uint16) *hubPort {
	if n < 1 || int(n) > len(h.ports) {
		return nil
	}
	return &h.ports[n-1]
}

// Attach connects dev to downstream port n (1-based).
func (h *HubModel) Attach(n uint8, dev Device) error {
	p := h.port(uint16(n))
	if p == nil {
		return fmt.Errorf("usb: hub port %d out of range", n)
	}
	if p.device != nil {
		return fmt.Errorf("usb: hub port %d already occupied", n)
	}
	p.device = dev
	p.change |= PortChangeConnection
	return nil
}

// Detach disconnects whatever is on downstream port n.
func (h *HubModel) Detach(n uint8) {
	p := h.port(uint16(n))
	if p == nil || p.device == nil {
		return
	}
	p.device = nil
	p.enabled = false
	p.change |= PortChangeConnection
}

func (h *HubModel) NumPorts() int { return len(h.ports) }

func (h *HubModel) PortDevice(n uint8) Device {
	p := h.port(uint16(n))
	if p == nil || !p.powered || !p.enabled {
		return nil
	}
	return p.device
}

func (h *HubModel) Speed() Speed { return SpeedHigh }

func (h *HubModel) Reset() {
	h.configured = 0
	for i := range h.ports {
		p := &h.ports[i]
		p.powered = false
		p.enabled = false
		p.suspended = false
		p.change = 0
		if p.device != nil {
			p.change |= PortChangeConnection
		}
	}
}

// Tick1ms forwards time to downstream devices.
func (h *HubModel) Tick1ms() {
	for _, p := range h.ports {
		if t, ok := p.device.(Ticker); ok {
			t.Tick1ms()
		}
	}
}

func (h *HubModel) portStatus(p *hubPort) uint16 {
	var st uint16
	if p.device != nil {
		st |= PortStatusConnection
		switch p.device.Speed() {
		case SpeedLow:
			st |= PortStatusLowSpeed
		case SpeedHigh:
			st |= PortStatusHighSpeed
		}
	}
	if p.enabled {
		st |= PortStatusEnable
	}
	if p.suspended {
		st |= PortStatusSuspend
	}
	if p.powered {
		st |= PortStatusPower
	}
	return st
}

func (h *HubModel) descriptor() []byte {
	// Bitmap bytes cover ports 0..n (bit 0 reserved).
	bitmapLen := (len(h.ports) + 8) / 8
	b := []byte{0, DescriptorHub, uint8(len(h.ports)), 0x09, 0x00, 50, 0}
	b = append(b, make([]byte, bitmapLen)...)
	for i := 0; i < bitmapLen; i++ {
		b = append(b, 0xff)
	}
	b[0] = uint8(len(b))
	return b
}

var hubDeviceDescriptor = DeviceDescriptor{
	USBVersion:     0x0200,
	Class:          0x09,
	Protocol:       0x01,
	MaxPacketSize0: 64,
	VendorID:       0x1d6b,
	ProductID:      0x0002,
	DeviceVersion:  0x0100,
	NumConfigs:     1,
}

var hubConfiguration = ConfigurationDescriptor{
	Value:      1,
	Attributes: 0x40,
	Interfaces: []InterfaceDescriptor{{
		Class: 0x09,
		Endpoints: []EndpointDescriptor{{
			Address:       0x81,
			Attributes:    TransferInterrupt,
			MaxPacketSize: 2,
			Interval:      12,
		}},
	}},
}

func (h *HubModel) HandleControl(setup SetupPacket, data []byte) ControlResponse {
	switch setup.Type() {
	case RequestTypeStandard:
		return h.handleStandard(setup)
	case RequestTypeClass:
		return h.handleClass(setup)
	default:
		return ControlStall()
	}
}

func (h *HubModel) handleStandard(setup SetupPacket) ControlResponse {
	switch setup.Request {
	case RequestGetDescriptor:
		switch uint8(setup.Value >> 8) {
		case DescriptorDevice:
			return ControlData(hubDeviceDescriptor.Bytes())
		case DescriptorConfiguration:
			return ControlData(hubConfiguration.Bytes())
		case DescriptorHub:
			return ControlData(h.descriptor())
		}
		return ControlStall()
	case RequestSetConfiguration:
		if setup.Value > 1 {
			return ControlStall()
		}
		h.configured = uint8(setup.Value)
		return ControlAck()
	case RequestGetConfiguration:
		return ControlData([]byte{h.configured})
	case RequestGetStatus:
		return ControlData([]byte{0x01, 0x00})
	case RequestSetInterface, RequestClearFeature, RequestSetFeature:
		return ControlAck()
	}
	return ControlStall()
}

func (h *HubModel) handleClass(setup SetupPacket) ControlResponse {
	switch setup.Recipient() {
	case RecipientDevice:
		switch setup.Request {
		case RequestGetDescriptor:
			return ControlData(h.descriptor())
		case RequestGetStatus:
			return ControlData([]byte{0, 0, 0, 0})
		case RequestSetFeature, RequestClearFeature:
			return ControlAck()
		}
	case RecipientOther:
		p := h.port(setup.Index & 0xff)
		if p == nil {
			return ControlStall()
		}
		switch setup.Request {
		case RequestGetStatus:
			out := make([]byte, 4)
			binary.LittleEndian.PutUint16(out[0:], h.portStatus(p))
			binary.LittleEndian.PutUint16(out[2:], p.change)
			return ControlData(out)
		case RequestSetFeature:
			return h.setPortFeature(p, setup.Value)
		case RequestClearFeature:
			return h.clearPortFeature(p, setup.Value)
		}
	}
	return ControlStall()
}

func (h *HubModel) setPortFeature(p *hubPort, feature uint16) ControlResponse {
	switch feature {
	case hubFeaturePortPower:
		p.powered = true
	case hubFeaturePortReset:
		if !p.powered || p.device == nil {
			return ControlAck()
		}
		p.device.Reset()
		p.enabled = true
		p.suspended = false
		p.change |= PortChangeReset
	case hubFeaturePortSuspend:
		if p.enabled {
			p.suspended = true
		}
	default:
		return ControlStall()
	}
	return ControlAck()
}

func (h *HubModel) clearPortFeature(p *hubPort, feature uint16) ControlResponse {
	switch feature {
	case hubFeaturePortEnable:
		p.enabled = false
	case hubFeaturePortSuspend:
		if p.suspended {
			p.suspended = false
			p.change |= PortChangeSuspend
		}
	case hubFeaturePortPower:
		p.powered = false
		p.enabled = false
	case hubFeatureCPortConnection:
		p.change &^= PortChangeConnection
	case hubFeatureCPortEnable:
		p.change &^= PortChangeEnable
	case hubFeatureCPortSuspend:
		p.change &^= PortChangeSuspend
	case hubFeatureCPortOverCurrent:
	case hubFeatureCPortReset:
		p.change &^= PortChangeReset
	default:
		return ControlStall()
	}
	return ControlAck()
}

// HandleIn serves the status-change bitmap on endpoint 1.
func (h *HubModel) HandleIn(endpoint uint8, maxLen int) InResult {
	if endpoint != 1 || h.configured == 0 {
		return InStall()
	}
	bitmap := make([]byte, (len(h.ports)+8)/8)
	pending := false
	for i := range h.ports {
		if h.ports[i].change != 0 {
			n := i + 1
			bitmap[n/8] |= 1 << (n % 8)
			pending = true
		}
	}
	if !pending {
		return InNak()
	}
	if len(bitmap) > maxLen {
		bitmap = bitmap[:max(maxLen, 0)]
	}
	return InData(bitmap)
}

func (h *HubModel) HandleOut(uint8, []byte) Status { return StatusStall }

var (
	_ Model    = (*HubModel)(nil)
	_ HubPorts = (*HubModel)(nil)
	_ Ticker   = (*HubModel)(nil)
)
