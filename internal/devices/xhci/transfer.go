package xhci

import (
	"errors"
	"log/slog"

	"github.com/tinyrange/xhci/internal/devices/usb"
)

// endpointOutcome is the result of servicing one queued endpoint.
type endpointOutcome uint8

const (
	// endpointIdle means the ring is empty or waiting on the guest.
	endpointIdle endpointOutcome = iota
	// endpointRequeue means work remains: a NAK or exhausted budget.
	endpointRequeue
	endpointHalted
)

// skipState tracks the remainder of a TD cut short by a short packet.
type skipState uint8

const (
	skipNone skipState = iota
	// skipReported: the short packet event was already posted.
	skipReported
	// skipPending: post the short packet event at the TD's last TRB if it
	// asks for one.
	skipPending
)

// transferExecutor runs a bulk or interrupt endpoint. It holds a topology
// handle (root port and route) rather than a device reference; the device is
// resolved for each service pass.
type transferExecutor struct {
	slot     uint8
	dci      uint8
	endpoint uint8
	in       bool
	port     uint8
	route    uint32
}

// bindExecutor derives the executor for endpoint dci from the slot's shadow
// contexts.
func (c *Controller) bindExecutor(id, dci uint8) *transferExecutor {
	s := &c.slots[id]
	if !s.bound || dci < 2 || dci > maxEndpoints {
		return nil
	}
	t := s.endpoints[dci].Type()
	if !t.Bulk() && !t.Interrupt() {
		return nil
	}
	return &transferExecutor{
		slot:     id,
		dci:      dci,
		endpoint: dci / 2,
		in:       dci%2 == 1,
		port:     s.port,
		route:    s.route,
	}
}

// moreWork reports whether the ring at cursor has a TRB ready or could not
// be checked within the remaining step budget.
func moreWork(mem Bus, cursor RingCursor, budget *frameBudget) endpointOutcome {
	_, _, status, err := cursor.Peek(mem, budget.steps)
	if errors.Is(err, ErrStepBudgetExceeded) || (err == nil && status == PollReady) {
		return endpointRequeue
	}
	return endpointIdle
}

// runEndpoint services bulk/interrupt endpoint dci of slot id. The executor
// works on a copy of the slot's ring cursor; progress is written back to the
// shadow and the guest Endpoint Context afterwards.
func (c *Controller) runEndpoint(mem Bus, id, dci uint8, budget *frameBudget) endpointOutcome {
	s := &c.slots[id]
	ex := s.exec[dci]
	if ex == nil {
		ex = c.bindExecutor(id, dci)
		if ex == nil {
			return endpointIdle
		}
		s.exec[dci] = ex
	}

	cursor := s.rings[dci]
	before := cursor.Dequeue
	skip := s.skip[dci]

	var out endpointOutcome
	dev, err := c.resolve(ex.port, ex.route)
	if err != nil {
		slog.Debug("xhci: endpoint device missing", "slot", id, "dci", dci, "err", err)
		c.postEvent(transferEvent(cursor.Dequeue, CompletionUsbTransactionError, 0, id, dci))
		out = endpointHalted
	} else {
		out = ex.run(mem, dev, &cursor, &skip, budget, c.postEvent)
	}

	s.rings[dci] = cursor
	s.skip[dci] = skip
	if out == endpointHalted {
		s.endpoints[dci].SetState(EndpointHalted)
		s.skip[dci] = skipNone
		c.syncDequeue(mem, id, dci, cursor)
		return out
	}
	if cursor.Dequeue != before {
		c.syncDequeue(mem, id, dci, cursor)
	}
	return out
}

func (e *transferExecutor) event(post func(TRB), addr uint64, code CompletionCode, residue uint32) {
	post(transferEvent(addr, code, residue, e.slot, e.dci))
}

// run walks the transfer ring, issuing one device transaction per Normal
// TRB.
func (e *transferExecutor) run(mem Bus, dev usb.Device, cursor *RingCursor, skip *skipState, budget *frameBudget, post func(TRB)) endpointOutcome {
	for budget.transferTRBs > 0 {
		trb, addr, status, err := cursor.Poll(mem, budget.steps)
		if err != nil {
			if errors.Is(err, ErrStepBudgetExceeded) {
				return endpointRequeue
			}
			slog.Debug("xhci: transfer ring error", "slot", e.slot, "dci", e.dci, "err", err)
			e.event(post, cursor.Dequeue, CompletionTrbError, 0)
			return endpointHalted
		}
		if status == PollNotReady {
			return endpointIdle
		}

		switch trb.Type() {
		case TRBNormal:
		case TRBNoOp:
			cursor.Consume()
			budget.transferTRBs--
			if trb.IOC() {
				e.event(post, addr, CompletionSuccess, 0)
			}
			continue
		case TRBEventData:
			cursor.Consume()
			budget.transferTRBs--
			continue
		default:
			e.event(post, addr, CompletionTrbError, 0)
			return endpointHalted
		}

		length := trb.TransferLength()
		if *skip != skipNone {
			cursor.Consume()
			budget.transferTRBs--
			if !trb.Chain() {
				if *skip == skipPending && trb.IOC() {
					e.event(post, addr, CompletionShortPacket, length)
				}
				*skip = skipNone
			}
			continue
		}
		if length > maxTRBBuffer || (trb.IDT() && (e.in || length > maxImmediateData)) {
			e.event(post, addr, CompletionTrbError, length)
			return endpointHalted
		}

		if e.in {
			res := dev.HandleIn(e.endpoint, int(length))
			switch res.Status {
			case usb.StatusAck:
			case usb.StatusNak:
				return endpointRequeue
			default:
				e.event(post, addr, statusCompletion(res.Status), length)
				return endpointHalted
			}
			data := res.Data
			if uint32(len(data)) > length {
				data = data[:length]
			}
			if err := writeGuestFrom(mem, trb.Parameter, data); err != nil {
				slog.Debug("xhci: transfer buffer write", "slot", e.slot, "dci", e.dci, "err", err)
			}
			cursor.Consume()
			budget.transferTRBs--
			n := uint32(len(data))
			if n < length {
				reported := trb.ISP() || trb.IOC()
				if reported {
					e.event(post, addr, CompletionShortPacket, length-n)
				}
				if trb.Chain() {
					*skip = skipPending
					if reported {
						*skip = skipReported
					}
				}
			} else if trb.IOC() {
				e.event(post, addr, CompletionSuccess, 0)
			}
			continue
		}

		data := make([]byte, length)
		if trb.IDT() {
			imm := TRB{Parameter: trb.Parameter}.Bytes()
			copy(data, imm[:length])
		} else if err := readGuestInto(mem, trb.Parameter, data); err != nil {
			slog.Debug("xhci: transfer buffer read", "slot", e.slot, "dci", e.dci, "err", err)
		}
		switch st := dev.HandleOut(e.endpoint, data); st {
		case usb.StatusAck:
		case usb.StatusNak:
			return endpointRequeue
		default:
			e.event(post, addr, statusCompletion(st), length)
			return endpointHalted
		}
		cursor.Consume()
		budget.transferTRBs--
		if trb.IOC() {
			e.event(post, addr, CompletionSuccess, 0)
		}
	}
	return moreWork(mem, *cursor, budget)
}

// processTransfers services queued endpoints in FIFO order. Each endpoint is
// visited at most once per frame; endpoints with remaining work go to the
// back of the queue.
func (c *Controller) processTransfers(mem Bus, budget *frameBudget) {
	n := c.active.len()
	for i := 0; i < n && budget.doorbells > 0 && budget.transferTRBs > 0 && !c.hce; i++ {
		key, ok := c.active.pop()
		if !ok {
			return
		}
		budget.doorbells--
		s := &c.slots[key.Slot]
		if !s.enabled || !s.bound || s.endpoints[key.DCI].State() != EndpointRunning {
			continue
		}
		var out endpointOutcome
		if key.DCI == 1 {
			out = c.runControl(mem, key.Slot, budget)
		} else {
			out = c.runEndpoint(mem, key.Slot, key.DCI, budget)
		}
		if out == endpointRequeue {
			c.active.push(key)
		}
	}
}
