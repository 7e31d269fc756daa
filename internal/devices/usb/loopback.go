package usb

// Endpoint numbers served by Loopback.
const (
	LoopbackInterruptIn uint8 = 1
	LoopbackBulkOut     uint8 = 2
	LoopbackBulkIn      uint8 = 3

	loopbackVendorWrite uint8 = 0x01
	loopbackVendorRead  uint8 = 0x02
)

// Loopback is a vendor-class function used to exercise a host controller.
// Reports queued with QueueInterrupt are returned on interrupt IN endpoint
// 1. Bytes written to bulk OUT endpoint 2 are echoed on bulk IN endpoint 3.
// Vendor requests 0x01 (OUT) and 0x02 (IN) write and read a scratch buffer.
type Loopback struct {
	speed Speed

	configured uint8
	interrupt  [][]byte
	bulk       []byte
	scratch    []byte

	stalled  map[uint8]bool
	nakCount map[uint8]int

	// Transactions counts every HandleIn/HandleOut call per endpoint,
	// including NAKed ones.
	Transactions map[uint8]int
}

// NewLoopback returns an unconfigured loopback function at the given speed.
func NewLoopback(speed Speed) *Loopback {
	return &Loopback{
		speed:        speed,
		stalled:      make(map[uint8]bool),
		nakCount:     make(map[uint8]int),
		Transactions: make(map[uint8]int),
	}
}

// QueueInterrupt appends a report for the interrupt IN endpoint.
func (l *Loopback) QueueInterrupt(report []byte) {
	l.interrupt = append(l.interrupt, append([]byte(nil), report...))
}

// Halt makes endpoint return STALL until cleared by CLEAR_FEATURE.
func (l *Loopback) Halt(endpoint uint8) { l.stalled[endpoint] = true }

// NakNext makes the next n transactions on endpoint return NAK.
func (l *Loopback) NakNext(endpoint uint8, n int) { l.nakCount[endpoint] = n }

// Pending returns the number of bulk bytes waiting to be echoed.
func (l *Loopback) Pending() int { return len(l.bulk) }

func (l *Loopback) Speed() Speed { return l.speed }

func (l *Loopback) Reset() {
	l.configured = 0
	clear(l.stalled)
	clear(l.nakCount)
}

func (l *Loopback) deviceDescriptor() DeviceDescriptor {
	return DeviceDescriptor{
		USBVersion:     0x0200,
		Class:          0xff,
		MaxPacketSize0: uint8(min(l.speed.DefaultMaxPacket0(), 64)),
		VendorID:       0x1209,
		ProductID:      0x0001,
		DeviceVersion:  0x0100,
		Manufacturer:   1,
		Product:        2,
		NumConfigs:     1,
	}
}

func (l *Loopback) configuration() ConfigurationDescriptor {
	bulkMax := uint16(64)
	if l.speed == SpeedHigh {
		bulkMax = 512
	}
	return ConfigurationDescriptor{
		Value: 1,
		Interfaces: []InterfaceDescriptor{{
			Class: 0xff,
			Endpoints: []EndpointDescriptor{
				{Address: 0x80 | LoopbackInterruptIn, Attributes: TransferInterrupt, MaxPacketSize: 8, Interval: 10},
				{Address: LoopbackBulkOut, Attributes: TransferBulk, MaxPacketSize: bulkMax},
				{Address: 0x80 | LoopbackBulkIn, Attributes: TransferBulk, MaxPacketSize: bulkMax},
			},
		}},
	}
}

func (l *Loopback) HandleControl(setup SetupPacket, data []byte) ControlResponse {
	if setup.Type() == RequestTypeVendor {
		switch setup.Request {
		case loopbackVendorWrite:
			l.scratch = append([]byte(nil), data...)
			return ControlAck()
		case loopbackVendorRead:
			return ControlData(append([]byte(nil), l.scratch...))
		}
		return ControlStall()
	}
	if setup.Type() != RequestTypeStandard {
		return ControlStall()
	}
	switch setup.Request {
	case RequestGetDescriptor:
		switch uint8(setup.Value >> 8) {
		case DescriptorDevice:
			return ControlData(l.deviceDescriptor().Bytes())
		case DescriptorConfiguration:
			return ControlData(l.configuration().Bytes())
		case DescriptorString:
			switch uint8(setup.Value) {
			case 0:
				return ControlData(LanguageDescriptor())
			case 1:
				return ControlData(StringDescriptor("tinyrange"))
			case 2:
				return ControlData(StringDescriptor("usb loopback"))
			}
		}
		return ControlStall()
	case RequestSetConfiguration:
		if setup.Value > 1 {
			return ControlStall()
		}
		l.configured = uint8(setup.Value)
		return ControlAck()
	case RequestGetConfiguration:
		return ControlData([]byte{l.configured})
	case RequestGetStatus:
		return ControlData([]byte{0, 0})
	case RequestClearFeature:
		if setup.Recipient() == RecipientEndpoint && setup.Value == FeatureEndpointHalt {
			delete(l.stalled, uint8(setup.Index&0x0f))
		}
		return ControlAck()
	case RequestSetFeature, RequestSetInterface:
		return ControlAck()
	}
	return ControlStall()
}

func (l *Loopback) gate(endpoint uint8) (Status, bool) {
	l.Transactions[endpoint]++
	if l.stalled[endpoint] {
		return StatusStall, true
	}
	if n := l.nakCount[endpoint]; n > 0 {
		l.nakCount[endpoint] = n - 1
		return StatusNak, true
	}
	return StatusAck, false
}

func (l *Loopback) HandleIn(endpoint uint8, maxLen int) InResult {
	if st, done := l.gate(endpoint); done {
		return InResult{Status: st}
	}
	switch endpoint {
	case LoopbackInterruptIn:
		if len(l.interrupt) == 0 {
			return InNak()
		}
		report := l.interrupt[0]
		l.interrupt = l.interrupt[1:]
		if len(report) > maxLen {
			report = report[:max(maxLen, 0)]
		}
		return InData(report)
	case LoopbackBulkIn:
		if len(l.bulk) == 0 {
			return InNak()
		}
		n := min(len(l.bulk), max(maxLen, 0))
		out := append([]byte(nil), l.bulk[:n]...)
		l.bulk = l.bulk[n:]
		return InData(out)
	}
	return InStall()
}

func (l *Loopback) HandleOut(endpoint uint8, data []byte) Status {
	if st, done := l.gate(endpoint); done {
		return st
	}
	if endpoint != LoopbackBulkOut {
		return StatusStall
	}
	l.bulk = append(l.bulk, data...)
	return StatusAck
}

var _ Model = (*Loopback)(nil)
