package xhci

import (
	"encoding/binary"
	"fmt"
)

// TRBSize is the size in bytes of every transfer, command and event TRB.
const TRBSize = 16

// TRBType is the 6-bit type field in TRB dword 3.
type TRBType uint8

const (
	TRBNormal              TRBType = 1
	TRBSetupStage          TRBType = 2
	TRBDataStage           TRBType = 3
	TRBStatusStage         TRBType = 4
	TRBIsoch               TRBType = 5
	TRBLink                TRBType = 6
	TRBEventData           TRBType = 7
	TRBNoOp                TRBType = 8
	TRBEnableSlot          TRBType = 9
	TRBDisableSlot         TRBType = 10
	TRBAddressDevice       TRBType = 11
	TRBConfigureEndpoint   TRBType = 12
	TRBEvaluateContext     TRBType = 13
	TRBResetEndpoint       TRBType = 14
	TRBStopEndpoint        TRBType = 15
	TRBSetTRDequeue        TRBType = 16
	TRBResetDevice         TRBType = 17
	TRBNoOpCommand         TRBType = 23
	TRBTransferEvent       TRBType = 32
	TRBCommandCompletion   TRBType = 33
	TRBPortStatusChange    TRBType = 34
	TRBHostControllerEvent TRBType = 37
)

var trbTypeNames = map[TRBType]string{
	TRBNormal:              "Normal",
	TRBSetupStage:          "SetupStage",
	TRBDataStage:           "DataStage",
	TRBStatusStage:         "StatusStage",
	TRBIsoch:               "Isoch",
	TRBLink:                "Link",
	TRBEventData:           "EventData",
	TRBNoOp:                "NoOp",
	TRBEnableSlot:          "EnableSlot",
	TRBDisableSlot:         "DisableSlot",
	TRBAddressDevice:       "AddressDevice",
	TRBConfigureEndpoint:   "ConfigureEndpoint",
	TRBEvaluateContext:     "EvaluateContext",
	TRBResetEndpoint:       "ResetEndpoint",
	TRBStopEndpoint:        "StopEndpoint",
	TRBSetTRDequeue:        "SetTRDequeuePointer",
	TRBResetDevice:         "ResetDevice",
	TRBNoOpCommand:         "NoOpCommand",
	TRBTransferEvent:       "TransferEvent",
	TRBCommandCompletion:   "CommandCompletionEvent",
	TRBPortStatusChange:    "PortStatusChangeEvent",
	TRBHostControllerEvent: "HostControllerEvent",
}

func (t TRBType) String() string {
	if name, ok := trbTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TRBType(%d)", uint8(t))
}

// Control dword bits.
const (
	trbCycle  = 1 << 0
	trbToggle = 1 << 1 // Link: toggle cycle
	trbENT    = 1 << 1
	trbISP    = 1 << 2
	trbChain  = 1 << 4
	trbIOC    = 1 << 5
	trbIDT    = 1 << 6
	trbBSR    = 1 << 9 // Address Device
	trbDC     = 1 << 9 // Configure Endpoint
	trbDirIn  = 1 << 16

	trbTypeShift     = 10
	trbTypeMask      = 0x3f
	trbEndpointShift = 16
	trbEndpointMask  = 0x1f
	trbSlotShift     = 24
	trbSlotMask      = 0xff

	trbLengthMask   = 0x1ffff
	trbCodeShift    = 24
	trbResidualMask = 0xffffff
)

// TRB is a decoded 16-byte ring element.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

func decodeTRB(b []byte) TRB {
	return TRB{
		Parameter: binary.LittleEndian.Uint64(b[0:8]),
		Status:    binary.LittleEndian.Uint32(b[8:12]),
		Control:   binary.LittleEndian.Uint32(b[12:16]),
	}
}

// Bytes returns the little-endian wire form.
func (t TRB) Bytes() [TRBSize]byte {
	var b [TRBSize]byte
	binary.LittleEndian.PutUint64(b[0:8], t.Parameter)
	binary.LittleEndian.PutUint32(b[8:12], t.Status)
	binary.LittleEndian.PutUint32(b[12:16], t.Control)
	return b
}

func (t TRB) Type() TRBType { return TRBType((t.Control >> trbTypeShift) & trbTypeMask) }

func (t *TRB) SetType(typ TRBType) {
	t.Control = t.Control&^(trbTypeMask<<trbTypeShift) | uint32(typ)<<trbTypeShift
}

func (t TRB) Cycle() bool { return t.Control&trbCycle != 0 }

func (t *TRB) SetCycle(c bool) {
	if c {
		t.Control |= trbCycle
	} else {
		t.Control &^= trbCycle
	}
}

func (t TRB) SlotID() uint8 { return uint8((t.Control >> trbSlotShift) & trbSlotMask) }

func (t *TRB) SetSlotID(id uint8) {
	t.Control = t.Control&^(trbSlotMask<<trbSlotShift) | uint32(id)<<trbSlotShift
}

// EndpointID returns the DCI field used by endpoint commands and transfer
// events.
func (t TRB) EndpointID() uint8 { return uint8((t.Control >> trbEndpointShift) & trbEndpointMask) }

func (t *TRB) SetEndpointID(dci uint8) {
	t.Control = t.Control&^(trbEndpointMask<<trbEndpointShift) | uint32(dci&trbEndpointMask)<<trbEndpointShift
}

func (t TRB) TransferLength() uint32 { return t.Status & trbLengthMask }

func (t TRB) IOC() bool    { return t.Control&trbIOC != 0 }
func (t TRB) IDT() bool    { return t.Control&trbIDT != 0 }
func (t TRB) ISP() bool    { return t.Control&trbISP != 0 }
func (t TRB) Chain() bool  { return t.Control&trbChain != 0 }
func (t TRB) DirIn() bool  { return t.Control&trbDirIn != 0 }
func (t TRB) Toggle() bool { return t.Control&trbToggle != 0 }
func (t TRB) BSR() bool    { return t.Control&trbBSR != 0 }
func (t TRB) DC() bool     { return t.Control&trbDC != 0 }

// LinkTarget returns the segment pointer of a Link TRB.
func (t TRB) LinkTarget() uint64 { return t.Parameter &^ 0xf }

// CompletionCode returns the completion code of an event TRB.
func (t TRB) CompletionCode() CompletionCode { return CompletionCode(t.Status >> trbCodeShift) }

// Residual returns the 24-bit completion parameter / transfer residue of an
// event TRB.
func (t TRB) Residual() uint32 { return t.Status & trbResidualMask }

func (t TRB) String() string {
	return fmt.Sprintf("%v{param=%#x status=%#x control=%#x}", t.Type(), t.Parameter, t.Status, t.Control)
}

// CompletionCode is the xHCI completion status reported in event TRBs.
type CompletionCode uint8

const (
	CompletionInvalid             CompletionCode = 0
	CompletionSuccess             CompletionCode = 1
	CompletionDataBufferError     CompletionCode = 2
	CompletionBabbleDetected      CompletionCode = 3
	CompletionUsbTransactionError CompletionCode = 4
	CompletionTrbError            CompletionCode = 5
	CompletionStallError          CompletionCode = 6
	CompletionResourceError       CompletionCode = 7
	CompletionNoSlotsAvailable    CompletionCode = 9
	CompletionSlotNotEnabled      CompletionCode = 11
	CompletionEndpointNotEnabled  CompletionCode = 12
	CompletionShortPacket         CompletionCode = 13
	CompletionParameterError      CompletionCode = 17
	CompletionContextStateError   CompletionCode = 19
	CompletionEventRingFullError  CompletionCode = 21
	CompletionCommandRingStopped  CompletionCode = 24
	CompletionCommandAborted      CompletionCode = 25
	CompletionStopped             CompletionCode = 26
)

var completionNames = map[CompletionCode]string{
	CompletionInvalid:             "Invalid",
	CompletionSuccess:             "Success",
	CompletionDataBufferError:     "DataBufferError",
	CompletionBabbleDetected:      "BabbleDetected",
	CompletionUsbTransactionError: "UsbTransactionError",
	CompletionTrbError:            "TrbError",
	CompletionStallError:          "StallError",
	CompletionResourceError:       "ResourceError",
	CompletionNoSlotsAvailable:    "NoSlotsAvailableError",
	CompletionSlotNotEnabled:      "SlotNotEnabledError",
	CompletionEndpointNotEnabled:  "EndpointNotEnabledError",
	CompletionShortPacket:         "ShortPacket",
	CompletionParameterError:      "ParameterError",
	CompletionContextStateError:   "ContextStateError",
	CompletionEventRingFullError:  "EventRingFullError",
	CompletionCommandRingStopped:  "CommandRingStopped",
	CompletionCommandAborted:      "CommandAborted",
	CompletionStopped:             "Stopped",
}

func (c CompletionCode) String() string {
	if name, ok := completionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CompletionCode(%d)", uint8(c))
}

func newEvent(typ TRBType, parameter uint64, code CompletionCode, residual uint32) TRB {
	ev := TRB{
		Parameter: parameter,
		Status:    uint32(code)<<trbCodeShift | residual&trbResidualMask,
	}
	ev.SetType(typ)
	return ev
}

// commandCompletionEvent reports the outcome of the command TRB at addr.
func commandCompletionEvent(addr uint64, code CompletionCode, slotID uint8) TRB {
	ev := newEvent(TRBCommandCompletion, addr, code, 0)
	ev.SetSlotID(slotID)
	return ev
}

// transferEvent reports completion of the transfer TRB at addr.
func transferEvent(addr uint64, code CompletionCode, residual uint32, slotID, dci uint8) TRB {
	ev := newEvent(TRBTransferEvent, addr, code, residual)
	ev.SetSlotID(slotID)
	ev.SetEndpointID(dci)
	return ev
}

// portStatusChangeEvent reports a change on the 1-based root port.
func portStatusChangeEvent(port uint8) TRB {
	return newEvent(TRBPortStatusChange, uint64(port)<<24, CompletionSuccess, 0)
}

func hostControllerEvent(code CompletionCode) TRB {
	return newEvent(TRBHostControllerEvent, 0, code, 0)
}
