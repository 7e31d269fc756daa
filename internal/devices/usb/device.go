package usb

// Status is the handshake a device returns for a transaction.
type Status uint8

const (
	StatusAck Status = iota
	StatusNak
	StatusStall
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusAck:
		return "ack"
	case StatusNak:
		return "nak"
	case StatusStall:
		return "stall"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// InResult is the outcome of an IN transaction. Data is only meaningful
// when Status is StatusAck.
type InResult struct {
	Status Status
	Data   []byte
}

func InData(data []byte) InResult { return InResult{Status: StatusAck, Data: data} }

func InNak() InResult { return InResult{Status: StatusNak} }

func InStall() InResult { return InResult{Status: StatusStall} }

// Device is the transaction-level view of a USB device that a host
// controller drives. Endpoint numbers exclude the direction bit.
type Device interface {
	Speed() Speed
	HandleSetup(setup SetupPacket) Status
	HandleIn(endpoint uint8, maxLen int) InResult
	HandleOut(endpoint uint8, data []byte) Status
	Reset()
}

// Hub is a Device with downstream ports. PortDevice returns nil when the
// port has no enabled device.
type Hub interface {
	Device
	NumPorts() int
	PortDevice(port uint8) Device
}

// Ticker is implemented by devices that keep time.
type Ticker interface {
	Tick1ms()
}
