package usb

import "log/slog"

// ControlResponse is a Model's answer to a complete control request.
type ControlResponse struct {
	Status Status
	Data   []byte
}

func ControlAck() ControlResponse { return ControlResponse{Status: StatusAck} }

func ControlData(b []byte) ControlResponse { return ControlResponse{Status: StatusAck, Data: b} }

func ControlStall() ControlResponse { return ControlResponse{Status: StatusStall} }

func ControlNak() ControlResponse { return ControlResponse{Status: StatusNak} }

func (r ControlResponse) ok() bool { return r.Status == StatusAck }

// Model is a request-level device implementation. HandleControl sees each
// control request exactly once, with OUT data already collected. SET_ADDRESS
// never reaches the model.
type Model interface {
	Speed() Speed
	HandleControl(setup SetupPacket, data []byte) ControlResponse
	HandleIn(endpoint uint8, maxLen int) InResult
	HandleOut(endpoint uint8, data []byte) Status
	Reset()
}

// HubPorts is implemented by models that expose downstream ports.
type HubPorts interface {
	NumPorts() int
	PortDevice(port uint8) Device
}

type controlStage uint8

const (
	stageIdle controlStage = iota
	stageDataIn
	stageDataOut
	stageStatusIn
)

// AttachedDevice adapts a Model to the transaction-level Device interface
// by running the default control pipe's stage machine.
type AttachedDevice struct {
	model Model

	address        uint8
	pendingAddress int

	stage    controlStage
	setup    SetupPacket
	inData   []byte
	inOffset int
	outData  []byte
}

// Attach wraps model in a control pipe. The device starts at address 0.
func Attach(model Model) *AttachedDevice {
	return &AttachedDevice{model: model, pendingAddress: -1}
}

// Model returns the wrapped model.
func (d *AttachedDevice) Model() Model { return d.model }

// Address returns the USB address assigned by the last SET_ADDRESS.
func (d *AttachedDevice) Address() uint8 { return d.address }

func (d *AttachedDevice) Speed() Speed { return d.model.Speed() }

func (d *AttachedDevice) abort() {
	d.stage = stageIdle
	d.inData = nil
	d.inOffset = 0
	d.outData = nil
	d.pendingAddress = -1
}

// HandleSetup starts a new control transfer, aborting any in-flight one.
func (d *AttachedDevice) HandleSetup(setup SetupPacket) Status {
	d.abort()
	d.setup = setup

	if setup.IsSetAddress() {
		if setup.Value > 127 || setup.Length != 0 {
			return StatusStall
		}
		d.pendingAddress = int(setup.Value)
		d.stage = stageStatusIn
		return StatusAck
	}

	switch {
	case setup.DeviceToHost():
		resp := d.model.HandleControl(setup, nil)
		if !resp.ok() {
			return resp.Status
		}
		data := resp.Data
		if len(data) > int(setup.Length) {
			data = data[:setup.Length]
		}
		d.inData = data
		d.stage = stageDataIn
	case setup.Length > 0:
		d.outData = make([]byte, 0, setup.Length)
		d.stage = stageDataOut
	default:
		resp := d.model.HandleControl(setup, nil)
		if !resp.ok() {
			return resp.Status
		}
		d.stage = stageStatusIn
	}
	return StatusAck
}

// HandleIn runs an IN transaction. Endpoint 0 serves the data and status
// stages of the current control transfer.
func (d *AttachedDevice) HandleIn(endpoint uint8, maxLen int) InResult {
	if endpoint != 0 {
		return d.model.HandleIn(endpoint, maxLen)
	}
	switch d.stage {
	case stageDataIn:
		remaining := len(d.inData) - d.inOffset
		n := min(remaining, max(maxLen, 0))
		chunk := make([]byte, n)
		copy(chunk, d.inData[d.inOffset:d.inOffset+n])
		d.inOffset += n
		return InData(chunk)
	case stageStatusIn:
		if d.pendingAddress >= 0 {
			d.address = uint8(d.pendingAddress)
			slog.Debug("usb: address assigned", "address", d.address)
		}
		d.abort()
		return InData(nil)
	default:
		return InStall()
	}
}

// HandleOut runs an OUT transaction. Endpoint 0 serves the data stage of a
// host-to-device request and the status stage of a device-to-host one.
func (d *AttachedDevice) HandleOut(endpoint uint8, data []byte) Status {
	if endpoint != 0 {
		return d.model.HandleOut(endpoint, data)
	}
	switch d.stage {
	case stageDataOut:
		prev := len(d.outData)
		d.outData = append(d.outData, data...)
		if len(d.outData) < int(d.setup.Length) {
			return StatusAck
		}
		resp := d.model.HandleControl(d.setup, d.outData[:d.setup.Length])
		switch resp.Status {
		case StatusAck:
			d.stage = stageStatusIn
		case StatusNak:
			d.outData = d.outData[:prev]
		default:
			d.abort()
		}
		return resp.Status
	case stageDataIn:
		if len(data) != 0 {
			d.abort()
			return StatusStall
		}
		d.abort()
		return StatusAck
	default:
		return StatusStall
	}
}

// Reset models a bus reset: the device returns to address 0 and forgets any
// in-flight control transfer.
func (d *AttachedDevice) Reset() {
	d.abort()
	d.address = 0
	d.model.Reset()
}

// NumPorts returns the downstream port count, or 0 for non-hub models.
func (d *AttachedDevice) NumPorts() int {
	if hub, ok := d.model.(HubPorts); ok {
		return hub.NumPorts()
	}
	return 0
}

// PortDevice returns the device behind a downstream port of a hub model.
func (d *AttachedDevice) PortDevice(port uint8) Device {
	if hub, ok := d.model.(HubPorts); ok {
		return hub.PortDevice(port)
	}
	return nil
}

// Tick1ms forwards time to models that keep it.
func (d *AttachedDevice) Tick1ms() {
	if t, ok := d.model.(Ticker); ok {
		t.Tick1ms()
	}
}

var (
	_ Device = (*AttachedDevice)(nil)
	_ Hub    = (*AttachedDevice)(nil)
	_ Ticker = (*AttachedDevice)(nil)
)
