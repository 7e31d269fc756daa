package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// ErrShortDescriptor is returned when a descriptor is truncated.
var ErrShortDescriptor = errors.New("usb: descriptor too short")

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
)

// DeviceDescriptor is the standard 18-byte device descriptor.
type DeviceDescriptor struct {
	USBVersion     uint16
	Class          uint8
	SubClass       uint8
	Protocol       uint8
	MaxPacketSize0 uint8
	VendorID       uint16
	ProductID      uint16
	DeviceVersion  uint16
	Manufacturer   uint8
	Product        uint8
	SerialNumber   uint8
	NumConfigs     uint8
}

func (d DeviceDescriptor) Bytes() []byte {
	b := make([]byte, 18)
	b[0] = 18
	b[1] = DescriptorDevice
	binary.LittleEndian.PutUint16(b[2:], d.USBVersion)
	b[4] = d.Class
	b[5] = d.SubClass
	b[6] = d.Protocol
	b[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(b[8:], d.VendorID)
	binary.LittleEndian.PutUint16(b[10:], d.ProductID)
	binary.LittleEndian.PutUint16(b[12:], d.DeviceVersion)
	b[14] = d.Manufacturer
	b[15] = d.Product
	b[16] = d.SerialNumber
	b[17] = d.NumConfigs
	return b
}

// Transfer types for EndpointDescriptor.Attributes.
const (
	TransferControl     uint8 = 0
	TransferIsochronous uint8 = 1
	TransferBulk        uint8 = 2
	TransferInterrupt   uint8 = 3
)

type EndpointDescriptor struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

type InterfaceDescriptor struct {
	Number    uint8
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Endpoints []EndpointDescriptor
}

// ConfigurationDescriptor renders a configuration with its interfaces and
// endpoints in the order GET_DESCRIPTOR returns them.
type ConfigurationDescriptor struct {
	Value      uint8
	Attributes uint8
	MaxPower   uint8
	Interfaces []InterfaceDescriptor
}

func (c ConfigurationDescriptor) Bytes() []byte {
	out := make([]byte, 9)
	out[0] = 9
	out[1] = DescriptorConfiguration
	out[4] = uint8(len(c.Interfaces))
	out[5] = c.Value
	out[7] = c.Attributes | 0x80
	out[8] = c.MaxPower
	for _, iface := range c.Interfaces {
		out = append(out, 9, DescriptorInterface, iface.Number, 0,
			uint8(len(iface.Endpoints)), iface.Class, iface.SubClass, iface.Protocol, 0)
		for _, ep := range iface.Endpoints {
			out = append(out, 7, DescriptorEndpoint, ep.Address, ep.Attributes,
				uint8(ep.MaxPacketSize), uint8(ep.MaxPacketSize>>8), ep.Interval)
		}
	}
	binary.LittleEndian.PutUint16(out[2:], uint16(len(out)))
	return out
}

// StringDescriptor encodes s as a UTF-16LE string descriptor.
func StringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	if len(units) > 126 {
		units = units[:126]
	}
	out := make([]byte, 2+2*len(units))
	out[0] = uint8(len(out))
	out[1] = DescriptorString
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[2+2*i:], u)
	}
	return out
}

// LanguageDescriptor is string descriptor zero advertising US English.
func LanguageDescriptor() []byte {
	return []byte{4, DescriptorString, 0x09, 0x04}
}

// ParseDeviceDescriptor decodes a standard device descriptor.
func ParseDeviceDescriptor(b []byte) (DeviceDescriptor, error) {
	if len(b) < DeviceDescriptorSize {
		return DeviceDescriptor{}, fmt.Errorf("%w: device descriptor is %d bytes", ErrShortDescriptor, len(b))
	}
	if b[1] != DescriptorDevice {
		return DeviceDescriptor{}, fmt.Errorf("usb: descriptor type %#x is not a device descriptor", b[1])
	}
	return DeviceDescriptor{
		USBVersion:     binary.LittleEndian.Uint16(b[2:]),
		Class:          b[4],
		SubClass:       b[5],
		Protocol:       b[6],
		MaxPacketSize0: b[7],
		VendorID:       binary.LittleEndian.Uint16(b[8:]),
		ProductID:      binary.LittleEndian.Uint16(b[10:]),
		DeviceVersion:  binary.LittleEndian.Uint16(b[12:]),
		Manufacturer:   b[14],
		Product:        b[15],
		SerialNumber:   b[16],
		NumConfigs:     b[17],
	}, nil
}

// ConfigurationTotalLength returns wTotalLength from a configuration
// descriptor header.
func ConfigurationTotalLength(b []byte) (int, error) {
	if len(b) < ConfigurationDescriptorSize || b[1] != DescriptorConfiguration {
		return 0, fmt.Errorf("%w: configuration header", ErrShortDescriptor)
	}
	return int(binary.LittleEndian.Uint16(b[2:])), nil
}

// ParseConfiguration decodes a configuration descriptor and the interface
// and endpoint descriptors that follow it. Class-specific descriptors are
// skipped. Endpoints before the first interface are dropped.
func ParseConfiguration(b []byte) (ConfigurationDescriptor, error) {
	total, err := ConfigurationTotalLength(b)
	if err != nil {
		return ConfigurationDescriptor{}, err
	}
	if total > len(b) {
		return ConfigurationDescriptor{}, fmt.Errorf("%w: wTotalLength %d, have %d", ErrShortDescriptor, total, len(b))
	}
	cfg := ConfigurationDescriptor{
		Value:      b[5],
		Attributes: b[7] &^ 0x80,
		MaxPower:   b[8],
	}
	for off := int(b[0]); off+2 <= total; {
		length, typ := int(b[off]), b[off+1]
		if length < 2 || off+length > total {
			return cfg, fmt.Errorf("usb: malformed descriptor at offset %d", off)
		}
		d := b[off : off+length]
		switch typ {
		case DescriptorInterface:
			if length < 9 {
				return cfg, fmt.Errorf("%w: interface at offset %d", ErrShortDescriptor, off)
			}
			cfg.Interfaces = append(cfg.Interfaces, InterfaceDescriptor{
				Number:   d[2],
				Class:    d[5],
				SubClass: d[6],
				Protocol: d[7],
			})
		case DescriptorEndpoint:
			if length < 7 {
				return cfg, fmt.Errorf("%w: endpoint at offset %d", ErrShortDescriptor, off)
			}
			if n := len(cfg.Interfaces); n > 0 {
				iface := &cfg.Interfaces[n-1]
				iface.Endpoints = append(iface.Endpoints, EndpointDescriptor{
					Address:       d[2],
					Attributes:    d[3],
					MaxPacketSize: binary.LittleEndian.Uint16(d[4:]),
					Interval:      d[6],
				})
			}
		}
		off += length
	}
	return cfg, nil
}

// Number returns the endpoint number without the direction bit.
func (e EndpointDescriptor) Number() uint8 { return e.Address & 0x0f }

// In reports whether the endpoint is device-to-host.
func (e EndpointDescriptor) In() bool { return e.Address&0x80 != 0 }

// TransferType returns the transfer type bits of bmAttributes.
func (e EndpointDescriptor) TransferType() uint8 { return e.Attributes & 0x3 }

// ParseHubPortCount returns bNbrPorts from a hub descriptor.
func ParseHubPortCount(b []byte) (int, error) {
	if len(b) < 3 || b[1] != DescriptorHub {
		return 0, fmt.Errorf("%w: hub descriptor", ErrShortDescriptor)
	}
	return int(b[2]), nil
}
