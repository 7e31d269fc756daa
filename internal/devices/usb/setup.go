package usb

import (
	"encoding/binary"
	"fmt"
)

// Standard request codes (bRequest).
const (
	RequestGetStatus        uint8 = 0x00
	RequestClearFeature     uint8 = 0x01
	RequestSetFeature       uint8 = 0x03
	RequestSetAddress       uint8 = 0x05
	RequestGetDescriptor    uint8 = 0x06
	RequestSetDescriptor    uint8 = 0x07
	RequestGetConfiguration uint8 = 0x08
	RequestSetConfiguration uint8 = 0x09
	RequestGetInterface     uint8 = 0x0a
	RequestSetInterface     uint8 = 0x0b
)

// bmRequestType fields.
const (
	RequestDirectionIn uint8 = 0x80

	RequestTypeStandard uint8 = 0x00
	RequestTypeClass    uint8 = 0x20
	RequestTypeVendor   uint8 = 0x40
	requestTypeMask     uint8 = 0x60

	RecipientDevice    uint8 = 0x00
	RecipientInterface uint8 = 0x01
	RecipientEndpoint  uint8 = 0x02
	RecipientOther     uint8 = 0x03
	recipientMask      uint8 = 0x1f
)

// Descriptor types (high byte of wValue for GET_DESCRIPTOR).
const (
	DescriptorDevice        uint8 = 0x01
	DescriptorConfiguration uint8 = 0x02
	DescriptorString        uint8 = 0x03
	DescriptorInterface     uint8 = 0x04
	DescriptorEndpoint      uint8 = 0x05
	DescriptorHub           uint8 = 0x29
)

// Feature selectors.
const (
	FeatureEndpointHalt uint16 = 0
)

// SetupPacket is the 8-byte payload of a control transfer's SETUP stage.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetup decodes a SETUP packet from its wire form.
func ParseSetup(b []byte) (SetupPacket, error) {
	if len(b) < 8 {
		return SetupPacket{}, fmt.Errorf("usb: setup packet too short (%d bytes)", len(b))
	}
	return SetupPacket{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// SetupFromUint64 decodes a SETUP packet carried as immediate TRB data.
func SetupFromUint64(v uint64) SetupPacket {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	s, _ := ParseSetup(b[:])
	return s
}

// Bytes returns the wire form of the packet.
func (s SetupPacket) Bytes() [8]byte {
	var b [8]byte
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

// Uint64 returns the packet as a little-endian quadword.
func (s SetupPacket) Uint64() uint64 {
	b := s.Bytes()
	return binary.LittleEndian.Uint64(b[:])
}

// DeviceToHost reports whether the data stage (if any) is IN.
func (s SetupPacket) DeviceToHost() bool { return s.RequestType&RequestDirectionIn != 0 }

// Type returns the request type bits (standard, class, vendor).
func (s SetupPacket) Type() uint8 { return s.RequestType & requestTypeMask }

// Recipient returns the request recipient bits.
func (s SetupPacket) Recipient() uint8 { return s.RequestType & recipientMask }

// IsSetAddress reports whether the packet is a standard device SET_ADDRESS.
func (s SetupPacket) IsSetAddress() bool {
	return s.RequestType == 0x00 && s.Request == RequestSetAddress
}

func (s SetupPacket) String() string {
	return fmt.Sprintf("setup{type=%#02x req=%#02x value=%#04x index=%#04x len=%d}",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}
