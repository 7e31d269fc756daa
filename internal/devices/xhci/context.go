package xhci

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	contextSize  = 32
	maxEndpoints = 31 // DCI 1..31

	// Input context layout: [control][slot][ep0]...[ep30].
	inputContextEntries = 33
)

var (
	ErrContextOutOfRange = errors.New("xhci: context outside guest memory")
	ErrContextMisaligned = errors.New("xhci: context misaligned")
	ErrInvalidRoute      = errors.New("xhci: invalid route string")
)

// SlotState is the Slot Context slot state field.
type SlotState uint8

const (
	SlotDisabled   SlotState = 0
	SlotDefault    SlotState = 1
	SlotAddressed  SlotState = 2
	SlotConfigured SlotState = 3
)

func (s SlotState) String() string {
	switch s {
	case SlotDisabled:
		return "disabled"
	case SlotDefault:
		return "default"
	case SlotAddressed:
		return "addressed"
	case SlotConfigured:
		return "configured"
	}
	return fmt.Sprintf("SlotState(%d)", uint8(s))
}

// EndpointState is the Endpoint Context endpoint state field.
type EndpointState uint8

const (
	EndpointDisabled EndpointState = 0
	EndpointRunning  EndpointState = 1
	EndpointHalted   EndpointState = 2
	EndpointStopped  EndpointState = 3
	EndpointError    EndpointState = 4
)

func (s EndpointState) String() string {
	switch s {
	case EndpointDisabled:
		return "disabled"
	case EndpointRunning:
		return "running"
	case EndpointHalted:
		return "halted"
	case EndpointStopped:
		return "stopped"
	case EndpointError:
		return "error"
	}
	return fmt.Sprintf("EndpointState(%d)", uint8(s))
}

// EndpointType is the Endpoint Context EP Type field.
type EndpointType uint8

const (
	EndpointTypeInvalid  EndpointType = 0
	EndpointTypeIsochOut EndpointType = 1
	EndpointTypeBulkOut  EndpointType = 2
	EndpointTypeIntOut   EndpointType = 3
	EndpointTypeControl  EndpointType = 4
	EndpointTypeIsochIn  EndpointType = 5
	EndpointTypeBulkIn   EndpointType = 6
	EndpointTypeIntIn    EndpointType = 7
)

const (
	endpointTypeInDirMask EndpointType = 4
	endpointTypeKindMask  EndpointType = 3
	endpointKindIsoch     EndpointType = 1
	endpointKindBulk      EndpointType = 2
	endpointKindInterrupt EndpointType = 3
)

// In reports whether the type is an IN endpoint. Control reports false.
func (t EndpointType) In() bool {
	return t != EndpointTypeControl && t&endpointTypeInDirMask != 0
}

func (t EndpointType) Isoch() bool     { return t != EndpointTypeInvalid && t&endpointTypeKindMask == endpointKindIsoch }
func (t EndpointType) Bulk() bool      { return t&endpointTypeKindMask == endpointKindBulk }
func (t EndpointType) Interrupt() bool { return t&endpointTypeKindMask == endpointKindInterrupt }

func (t EndpointType) String() string {
	switch t {
	case EndpointTypeIsochOut:
		return "isoch-out"
	case EndpointTypeBulkOut:
		return "bulk-out"
	case EndpointTypeIntOut:
		return "interrupt-out"
	case EndpointTypeControl:
		return "control"
	case EndpointTypeIsochIn:
		return "isoch-in"
	case EndpointTypeBulkIn:
		return "bulk-in"
	case EndpointTypeIntIn:
		return "interrupt-in"
	}
	return "invalid"
}

func getBits(v uint32, shift, width uint) uint32 { return (v >> shift) & (1<<width - 1) }

func setBits(v uint32, shift, width uint, field uint32) uint32 {
	mask := uint32(1<<width-1) << shift
	return v&^mask | (field<<shift)&mask
}

// SlotContext is a 32-byte Slot Context.
type SlotContext [8]uint32

func (s SlotContext) Route() uint32              { return getBits(s[0], 0, 20) }
func (s *SlotContext) SetRoute(r uint32)         { s[0] = setBits(s[0], 0, 20, r) }
func (s SlotContext) Speed() uint8               { return uint8(getBits(s[0], 20, 4)) }
func (s *SlotContext) SetSpeed(psiv uint8)       { s[0] = setBits(s[0], 20, 4, uint32(psiv)) }
func (s SlotContext) ContextEntries() uint8      { return uint8(getBits(s[0], 27, 5)) }
func (s *SlotContext) SetContextEntries(n uint8) { s[0] = setBits(s[0], 27, 5, uint32(n)) }
func (s SlotContext) MaxExitLatency() uint16     { return uint16(getBits(s[1], 0, 16)) }
func (s SlotContext) RootHubPort() uint8         { return uint8(getBits(s[1], 16, 8)) }
func (s *SlotContext) SetRootHubPort(p uint8)    { s[1] = setBits(s[1], 16, 8, uint32(p)) }
func (s SlotContext) InterrupterTarget() uint16  { return uint16(getBits(s[2], 22, 10)) }
func (s SlotContext) DeviceAddress() uint8       { return uint8(getBits(s[3], 0, 8)) }
func (s *SlotContext) SetDeviceAddress(a uint8)  { s[3] = setBits(s[3], 0, 8, uint32(a)) }
func (s SlotContext) State() SlotState           { return SlotState(getBits(s[3], 27, 5)) }
func (s *SlotContext) SetState(st SlotState)     { s[3] = setBits(s[3], 27, 5, uint32(st)) }

// mergeGuestFields copies the guest-owned fields of in (max exit latency,
// interrupter target, hub/TT information) into s, keeping the
// controller-owned route, speed, root port, address and state.
func (s *SlotContext) mergeGuestFields(in SlotContext) {
	// DW0 bits 26:25 (Hub, MTT) and DW1 31:24 (number of ports) for hubs.
	s[0] = s[0]&^(0x3<<25) | in[0]&(0x3<<25)
	s[1] = s[1]&^0xff00ffff | in[1]&0xff00ffff
	s[2] = in[2]
}

// EndpointContext is a 32-byte Endpoint Context.
type EndpointContext [8]uint32

func (e EndpointContext) State() EndpointState       { return EndpointState(getBits(e[0], 0, 3)) }
func (e *EndpointContext) SetState(st EndpointState) { e[0] = setBits(e[0], 0, 3, uint32(st)) }
func (e EndpointContext) Interval() uint8            { return uint8(getBits(e[0], 16, 8)) }
func (e EndpointContext) MaxPStreams() uint8         { return uint8(getBits(e[0], 10, 5)) }
func (e EndpointContext) Type() EndpointType         { return EndpointType(getBits(e[1], 3, 3)) }
func (e *EndpointContext) SetType(t EndpointType)    { e[1] = setBits(e[1], 3, 3, uint32(t)) }
func (e EndpointContext) MaxPacketSize() uint16      { return uint16(getBits(e[1], 16, 16)) }
func (e *EndpointContext) SetMaxPacketSize(n uint16) { e[1] = setBits(e[1], 16, 16, uint32(n)) }

// Dequeue returns the TR Dequeue Pointer and the dequeue cycle state.
func (e EndpointContext) Dequeue() (uint64, bool) {
	raw := uint64(e[2]) | uint64(e[3])<<32
	return raw &^ 0xf, raw&1 != 0
}

func (e *EndpointContext) SetDequeue(ptr uint64, cycle bool) {
	raw := ptr &^ 0xf
	if cycle {
		raw |= 1
	}
	e[2] = uint32(raw)
	e[3] = uint32(raw >> 32)
}

// InputControlContext holds the add/drop flags that head an Input Context.
type InputControlContext struct {
	Drop uint32
	Add  uint32
}

func (c InputControlContext) Adds(dci uint8) bool  { return c.Add&(1<<dci) != 0 }
func (c InputControlContext) Drops(dci uint8) bool { return c.Drop&(1<<dci) != 0 }

// Add/drop flag bits for the slot context (A0) and EP0 (A1).
const (
	addSlot uint32 = 1 << 0
	addEP0  uint32 = 1 << 1
)

func readContext(mem Bus, addr uint64) ([8]uint32, error) {
	var out [8]uint32
	if addr%16 != 0 {
		return out, fmt.Errorf("%w: %#x", ErrContextMisaligned, addr)
	}
	if !inGuestRange(mem, addr, contextSize) {
		return out, fmt.Errorf("%w: %#x", ErrContextOutOfRange, addr)
	}
	var buf [contextSize]byte
	if err := readGuestInto(mem, addr, buf[:]); err != nil {
		return out, fmt.Errorf("%w: %v", ErrContextOutOfRange, err)
	}
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return out, nil
}

func writeContext(mem Bus, addr uint64, ctx [8]uint32) error {
	if addr%16 != 0 {
		return fmt.Errorf("%w: %#x", ErrContextMisaligned, addr)
	}
	if !inGuestRange(mem, addr, contextSize) {
		return fmt.Errorf("%w: %#x", ErrContextOutOfRange, addr)
	}
	var buf [contextSize]byte
	for i, dw := range ctx {
		binary.LittleEndian.PutUint32(buf[i*4:], dw)
	}
	return writeGuestFrom(mem, addr, buf[:])
}

// inputContext is a view over a guest Input Context.
type inputContext struct {
	base uint64
}

func (ic inputContext) control(mem Bus) (InputControlContext, error) {
	raw, err := readContext(mem, ic.base)
	if err != nil {
		return InputControlContext{}, err
	}
	return InputControlContext{Drop: raw[0], Add: raw[1]}, nil
}

func (ic inputContext) slot(mem Bus) (SlotContext, error) {
	raw, err := readContext(mem, ic.base+contextSize)
	return SlotContext(raw), err
}

func (ic inputContext) endpoint(mem Bus, dci uint8) (EndpointContext, error) {
	raw, err := readContext(mem, ic.base+uint64(dci+1)*contextSize)
	return EndpointContext(raw), err
}

// validInputPointer checks that an Input Context covering entries up to and
// including lastEntry lies in guest memory.
func validInputPointer(mem Bus, ptr uint64, lastEntry int) bool {
	if ptr == 0 || ptr%16 != 0 {
		return false
	}
	return inGuestRange(mem, ptr, uint64(lastEntry+1)*contextSize)
}

func deviceEndpointAddr(base uint64, dci uint8) uint64 {
	return base + uint64(dci)*contextSize
}

// dcbaaEntry reads the Device Context pointer for slotID.
func dcbaaEntry(mem Bus, dcbaap uint64, slotID uint8) (uint64, error) {
	if slotID == 0 {
		return 0, fmt.Errorf("xhci: DCBAA slot 0 is reserved")
	}
	return readGuestUint64(mem, dcbaap+uint64(slotID)*8)
}

// Route strings carry up to five 4-bit hub port numbers, tier 1 in bits
// 3:0. The first zero nibble terminates the string.
const (
	routeMaxDepth = 5
	routeMaxPort  = 15
)

func parseRoute(route uint32) ([]uint8, error) {
	if route>>20 != 0 {
		return nil, fmt.Errorf("%w: %#x has bits above 19", ErrInvalidRoute, route)
	}
	var hops []uint8
	ended := false
	for tier := 0; tier < routeMaxDepth; tier++ {
		port := uint8((route >> (4 * tier)) & 0xf)
		if port == 0 {
			ended = true
			continue
		}
		if ended {
			return nil, fmt.Errorf("%w: %#x has a gap at tier %d", ErrInvalidRoute, route, tier+1)
		}
		hops = append(hops, port)
	}
	return hops, nil
}

func encodeRoute(hops []uint8) (uint32, error) {
	if len(hops) > routeMaxDepth {
		return 0, fmt.Errorf("%w: depth %d", ErrInvalidRoute, len(hops))
	}
	var route uint32
	for i, p := range hops {
		if p == 0 || p > routeMaxPort {
			return 0, fmt.Errorf("%w: port %d at tier %d", ErrInvalidRoute, p, i+1)
		}
		route |= uint32(p) << (4 * i)
	}
	return route, nil
}
