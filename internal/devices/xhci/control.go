package xhci

import (
	"errors"
	"log/slog"

	"github.com/tinyrange/xhci/internal/devices/usb"
)

const (
	maxImmediateData = 8
	maxTRBBuffer     = 64 * 1024
)

// controlTD tracks a control transfer on EP0 that spans several frames.
// While active the architectural dequeue pointer (the slot's EP0 ring) stays
// at start and cursor walks the TD's remaining stages.
type controlTD struct {
	active bool
	start  RingCursor
	cursor RingCursor
	// expected sums the lengths of the TD's data TRBs walked so far.
	expected    uint32
	transferred uint32
	code        CompletionCode
	dirIn       bool
	// reported is set once a Short Packet event has been posted for the
	// data stage.
	reported bool
	// short is set after a short data stage; later chained data TRBs are
	// skipped.
	short bool
}

func (t *controlTD) reset() { *t = controlTD{} }

func (t *controlTD) residue() uint32 {
	if t.transferred >= t.expected {
		return 0
	}
	return t.expected - t.transferred
}

// runControl services EP0 of slot id.
func (c *Controller) runControl(mem Bus, id uint8, budget *frameBudget) endpointOutcome {
	s := &c.slots[id]
	td := &s.control

	for budget.transferTRBs > 0 {
		cursor := &s.rings[1]
		if td.active {
			cursor = &td.cursor
		}
		trb, addr, status, err := cursor.Poll(mem, budget.steps)
		if err != nil {
			if errors.Is(err, ErrStepBudgetExceeded) {
				return endpointRequeue
			}
			slog.Debug("xhci: control ring error", "slot", id, "err", err)
			return c.haltControl(mem, id, cursor.Dequeue, CompletionTrbError)
		}
		if status == PollNotReady {
			return endpointIdle
		}

		dev, err := c.slotDevice(id)
		if err != nil {
			return c.haltControl(mem, id, addr, CompletionUsbTransactionError)
		}

		var out endpointOutcome
		var done bool
		if !td.active {
			out, done = c.controlIdle(mem, id, dev, trb, addr)
		} else {
			out, done = c.controlStage(mem, id, dev, trb, addr)
		}
		if done {
			return out
		}
		budget.transferTRBs--
	}
	if td.active {
		return moreWork(mem, td.cursor, budget)
	}
	return moreWork(mem, s.rings[1], budget)
}

// controlIdle handles a TRB found at the architectural dequeue pointer with
// no TD in flight. done reports that servicing must stop with out.
func (c *Controller) controlIdle(mem Bus, id uint8, dev usb.Device, trb TRB, addr uint64) (out endpointOutcome, done bool) {
	s := &c.slots[id]
	td := &s.control

	switch trb.Type() {
	case TRBSetupStage:
	case TRBNoOp:
		s.rings[1].Consume()
		if trb.IOC() {
			c.postEvent(transferEvent(addr, CompletionSuccess, 0, id, 1))
		}
		c.syncDequeue(mem, id, 1, s.rings[1])
		return endpointIdle, false
	default:
		return c.haltControl(mem, id, addr, CompletionTrbError), true
	}

	if !trb.IDT() || trb.TransferLength() != 8 {
		return c.haltControl(mem, id, addr, CompletionTrbError), true
	}
	setup := usb.SetupFromUint64(trb.Parameter)
	switch st := dev.HandleSetup(setup); st {
	case usb.StatusAck:
	case usb.StatusNak:
		return endpointRequeue, true
	default:
		return c.haltControl(mem, id, addr, statusCompletion(st)), true
	}

	td.reset()
	td.active = true
	td.start = s.rings[1]
	td.cursor = s.rings[1]
	td.cursor.Consume()
	td.dirIn = setup.DeviceToHost()
	td.code = CompletionSuccess
	if trb.IOC() {
		c.postEvent(transferEvent(addr, CompletionSuccess, 0, id, 1))
	}
	return endpointIdle, false
}

// controlStage handles a Data, Normal or Status TRB inside an active TD.
func (c *Controller) controlStage(mem Bus, id uint8, dev usb.Device, trb TRB, addr uint64) (out endpointOutcome, done bool) {
	td := &c.slots[id].control

	switch trb.Type() {
	case TRBDataStage, TRBNormal:
		return c.controlData(mem, id, dev, trb, addr)
	case TRBStatusStage:
	case TRBEventData, TRBNoOp:
		td.cursor.Consume()
		return endpointIdle, false
	default:
		return c.haltControl(mem, id, addr, CompletionTrbError), true
	}

	var st usb.Status
	if trb.DirIn() {
		st = dev.HandleIn(0, 0).Status
	} else {
		st = dev.HandleOut(0, nil)
	}
	switch st {
	case usb.StatusAck:
	case usb.StatusNak:
		return endpointRequeue, true
	default:
		return c.haltControl(mem, id, addr, statusCompletion(st)), true
	}

	td.cursor.Consume()
	code, residue := td.code, td.residue()
	if td.reported {
		code, residue = CompletionSuccess, 0
	}
	if code != CompletionShortPacket {
		residue = 0
	}
	if trb.IOC() || code != CompletionSuccess {
		c.postEvent(transferEvent(addr, code, residue, id, 1))
	}
	next := td.cursor
	td.reset()
	c.slots[id].rings[1] = next
	c.syncDequeue(mem, id, 1, next)
	return endpointIdle, false
}

func (c *Controller) controlData(mem Bus, id uint8, dev usb.Device, trb TRB, addr uint64) (out endpointOutcome, done bool) {
	td := &c.slots[id].control
	if trb.Type() == TRBDataStage && trb.DirIn() != td.dirIn {
		return c.haltControl(mem, id, addr, CompletionTrbError), true
	}
	length := trb.TransferLength()
	if td.short {
		td.expected += length
		td.cursor.Consume()
		return endpointIdle, false
	}
	if trb.IDT() && (td.dirIn || length > maxImmediateData) {
		return c.haltControl(mem, id, addr, CompletionTrbError), true
	}
	if length > maxTRBBuffer {
		return c.haltControl(mem, id, addr, CompletionTrbError), true
	}

	if td.dirIn {
		res := dev.HandleIn(0, int(length))
		switch res.Status {
		case usb.StatusAck:
		case usb.StatusNak:
			return endpointRequeue, true
		default:
			td.expected += length
			return c.haltControl(mem, id, addr, statusCompletion(res.Status)), true
		}
		td.expected += length
		data := res.Data
		if uint32(len(data)) > length {
			data = data[:length]
		}
		if err := writeGuestFrom(mem, trb.Parameter, data); err != nil {
			slog.Debug("xhci: control data write", "slot", id, "err", err)
		}
		n := uint32(len(data))
		td.transferred += n
		td.cursor.Consume()
		if n < length {
			td.short = true
			td.code = CompletionShortPacket
			if trb.ISP() || trb.IOC() {
				td.reported = true
				c.postEvent(transferEvent(addr, CompletionShortPacket, length-n, id, 1))
			}
		} else if trb.IOC() {
			c.postEvent(transferEvent(addr, CompletionSuccess, 0, id, 1))
		}
		return endpointIdle, false
	}

	data := make([]byte, length)
	if trb.IDT() {
		imm := TRB{Parameter: trb.Parameter}.Bytes()
		copy(data, imm[:length])
	} else if err := readGuestInto(mem, trb.Parameter, data); err != nil {
		slog.Debug("xhci: control data read", "slot", id, "err", err)
	}
	switch st := dev.HandleOut(0, data); st {
	case usb.StatusAck:
	case usb.StatusNak:
		return endpointRequeue, true
	default:
		td.expected += length
		return c.haltControl(mem, id, addr, statusCompletion(st)), true
	}
	td.expected += length
	td.transferred += length
	td.cursor.Consume()
	if trb.IOC() {
		c.postEvent(transferEvent(addr, CompletionSuccess, 0, id, 1))
	}
	return endpointIdle, false
}

// haltControl posts code for the TRB at addr and halts EP0. The context
// dequeue pointer is left at the start of the failed TD.
func (c *Controller) haltControl(mem Bus, id uint8, addr uint64, code CompletionCode) endpointOutcome {
	s := &c.slots[id]
	residue := uint32(0)
	if s.control.active {
		residue = s.control.residue()
		s.rings[1] = s.control.start
	}
	slog.Debug("xhci: EP0 halted", "slot", id, "trb", addr, "code", code)
	c.postEvent(transferEvent(addr, code, residue, id, 1))
	s.control.reset()
	s.endpoints[1].SetState(EndpointHalted)
	c.syncDequeue(mem, id, 1, s.rings[1])
	return endpointHalted
}

// statusCompletion maps a failed device transaction to a completion code.
func statusCompletion(st usb.Status) CompletionCode {
	if st == usb.StatusStall {
		return CompletionStallError
	}
	return CompletionUsbTransactionError
}
