package xhci

import (
	"errors"
	"fmt"
)

var (
	// ErrStepBudgetExceeded means the walk ran out of steps before reaching
	// a non-Link TRB. The cursor keeps its progress; retry on a later frame.
	ErrStepBudgetExceeded = errors.New("xhci: ring walk step budget exceeded")
	// ErrRingFatal wraps unrecoverable ring corruption.
	ErrRingFatal = errors.New("xhci: ring corrupt")
)

// maxConsecutiveLinks bounds how many Link TRBs a cursor follows without
// finding a non-Link TRB before declaring the ring corrupt. The count
// persists across polls so a cyclic chain is caught even under small
// per-frame budgets.
const maxConsecutiveLinks = 64

// PollStatus is the non-error outcome of RingCursor.Poll.
type PollStatus uint8

const (
	PollNotReady PollStatus = iota
	PollReady
)

func (s PollStatus) String() string {
	if s == PollReady {
		return "ready"
	}
	return "not-ready"
}

// StepBudget counts the TRB reads a frame may still perform.
type StepBudget struct {
	remaining int
}

func NewStepBudget(steps int) *StepBudget { return &StepBudget{remaining: max(steps, 0)} }

func (b *StepBudget) take() bool {
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// RingCursor is a consumer position on a guest TRB ring.
type RingCursor struct {
	Dequeue uint64
	Cycle   bool

	links int
}

func NewRingCursor(dequeue uint64, cycle bool) RingCursor {
	return RingCursor{Dequeue: dequeue, Cycle: cycle}
}

func ringFatal(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRingFatal, fmt.Sprintf(format, args...))
}

// Poll returns the TRB at the dequeue pointer, following Link TRBs. Each TRB
// read costs one step from budget. Poll does not consume the returned TRB.
func (c *RingCursor) Poll(mem Bus, budget *StepBudget) (TRB, uint64, PollStatus, error) {
	for {
		addr := c.Dequeue
		if addr == 0 || addr%TRBSize != 0 {
			return TRB{}, 0, PollNotReady, ringFatal("dequeue pointer %#x invalid", addr)
		}
		if !inGuestRange(mem, addr, TRBSize) {
			return TRB{}, 0, PollNotReady, ringFatal("dequeue pointer %#x outside guest memory", addr)
		}
		if !budget.take() {
			return TRB{}, 0, PollNotReady, ErrStepBudgetExceeded
		}

		var buf [TRBSize]byte
		if err := readGuestInto(mem, addr, buf[:]); err != nil {
			return TRB{}, 0, PollNotReady, ringFatal("read TRB at %#x: %v", addr, err)
		}
		trb := decodeTRB(buf[:])

		if trb.Cycle() != c.Cycle {
			c.links = 0
			return TRB{}, 0, PollNotReady, nil
		}
		if trb.Type() != TRBLink {
			c.links = 0
			return trb, addr, PollReady, nil
		}

		target := trb.Parameter
		switch {
		case target == 0:
			return TRB{}, 0, PollNotReady, ringFatal("link at %#x has null target", addr)
		case target%TRBSize != 0:
			return TRB{}, 0, PollNotReady, ringFatal("link at %#x has misaligned target %#x", addr, target)
		case target == addr && !trb.Toggle():
			return TRB{}, 0, PollNotReady, ringFatal("link at %#x points at itself without toggle", addr)
		}
		c.links++
		if c.links > maxConsecutiveLinks {
			return TRB{}, 0, PollNotReady, ringFatal("more than %d consecutive link TRBs at %#x", maxConsecutiveLinks, addr)
		}
		c.Dequeue = target
		if trb.Toggle() {
			c.Cycle = !c.Cycle
		}
	}
}

// Peek is Poll on a copy of the cursor; the receiver is left unchanged.
func (c RingCursor) Peek(mem Bus, budget *StepBudget) (TRB, uint64, PollStatus, error) {
	return c.Poll(mem, budget)
}

// Consume advances past the TRB most recently returned by Poll.
func (c *RingCursor) Consume() {
	c.Dequeue += TRBSize
}

// Pointer returns the dequeue pointer with the cycle state in bit 0, the
// encoding used by endpoint contexts and CRCR.
func (c RingCursor) Pointer() uint64 {
	p := c.Dequeue &^ 0xf
	if c.Cycle {
		p |= 1
	}
	return p
}
