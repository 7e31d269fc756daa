package xhci

import (
	"errors"
	"testing"
)

func TestRingCursorCycleMismatch(t *testing.T) {
	mem := newTestMemory(0x10000)
	const base = 0x1000

	pattern := []bool{true, true, false, true, false}
	for i, cycle := range pattern {
		trb := makeTRB(TRBNormal, uint64(i), 0, 0)
		trb.SetCycle(cycle)
		mem.writeTRB(base+uint64(i)*TRBSize, trb)
	}

	for _, consumer := range []bool{true, false} {
		for i, cycle := range pattern {
			cursor := NewRingCursor(base+uint64(i)*TRBSize, consumer)
			_, addr, status, err := cursor.Poll(mem, NewStepBudget(8))
			if err != nil {
				t.Fatalf("entry %d: unexpected error %v", i, err)
			}
			want := PollNotReady
			if cycle == consumer {
				want = PollReady
			}
			if status != want {
				t.Errorf("entry %d consumer=%v: got %v, want %v", i, consumer, status, want)
			}
			if status == PollReady && addr != base+uint64(i)*TRBSize {
				t.Errorf("entry %d: got addr %#x", i, addr)
			}
		}
	}
}

func TestRingCursorFollowsToggleLink(t *testing.T) {
	mem := newTestMemory(0x10000)
	const base = 0x2000

	mem.writeTRB(base, makeTRB(TRBNormal, 1, 0, trbCycle))
	mem.writeTRB(base+TRBSize, makeTRB(TRBLink, base, 0, trbCycle|trbToggle))

	cursor := NewRingCursor(base, true)
	budget := NewStepBudget(16)
	trb, _, status, err := cursor.Poll(mem, budget)
	if err != nil || status != PollReady || trb.Parameter != 1 {
		t.Fatalf("first poll: got %v %v %v", trb, status, err)
	}
	cursor.Consume()

	// The link is followed and toggles the consumer cycle; the old TRB at
	// base still has cycle 1 so the ring now appears empty.
	_, _, status, err = cursor.Poll(mem, budget)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if status != PollNotReady {
		t.Fatalf("got %v, want not-ready", status)
	}
	if cursor.Dequeue != base || cursor.Cycle {
		t.Fatalf("got cursor %#x cycle=%v, want %#x cycle=false", cursor.Dequeue, cursor.Cycle, base)
	}
	if got := cursor.Pointer(); got != base {
		t.Fatalf("got pointer %#x, want %#x", got, base)
	}

	// Producer writes the next lap.
	mem.writeTRB(base, makeTRB(TRBNormal, 2, 0, 0))
	trb, _, status, _ = cursor.Poll(mem, budget)
	if status != PollReady || trb.Parameter != 2 {
		t.Fatalf("got %v %v, want ready TRB 2", trb, status)
	}
}

func TestRingCursorLinkChainBudget(t *testing.T) {
	mem := newTestMemory(0x10000)
	const base = 0x1000
	const links = 10

	for i := 0; i < links; i++ {
		next := uint64(base + (i+1)*0x100)
		mem.writeTRB(uint64(base+i*0x100), makeTRB(TRBLink, next, 0, trbCycle))
	}
	final := uint64(base + links*0x100)
	mem.writeTRB(final, makeTRB(TRBNoOp, 0, 0, trbCycle))

	cursor := NewRingCursor(base, true)
	_, _, _, err := cursor.Poll(mem, NewStepBudget(links/2))
	if !errors.Is(err, ErrStepBudgetExceeded) {
		t.Fatalf("got %v, want ErrStepBudgetExceeded", err)
	}

	_, addr, status, err := cursor.Poll(mem, NewStepBudget(100))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if status != PollReady || addr != final {
		t.Fatalf("got %v at %#x, want ready at %#x", status, addr, final)
	}
}

func TestRingCursorFatal(t *testing.T) {
	tests := []struct {
		name  string
		setup func(mem *testMemory) RingCursor
	}{
		{"zero dequeue", func(mem *testMemory) RingCursor {
			return NewRingCursor(0, true)
		}},
		{"misaligned dequeue", func(mem *testMemory) RingCursor {
			return NewRingCursor(0x1008, true)
		}},
		{"out of range", func(mem *testMemory) RingCursor {
			return NewRingCursor(mem.Size(), true)
		}},
		{"link to null", func(mem *testMemory) RingCursor {
			mem.writeTRB(0x1000, makeTRB(TRBLink, 0, 0, trbCycle))
			return NewRingCursor(0x1000, true)
		}},
		{"misaligned link", func(mem *testMemory) RingCursor {
			mem.writeTRB(0x1000, makeTRB(TRBLink, 0x2004, 0, trbCycle))
			return NewRingCursor(0x1000, true)
		}},
		{"self link without toggle", func(mem *testMemory) RingCursor {
			mem.writeTRB(0x1000, makeTRB(TRBLink, 0x1000, 0, trbCycle))
			return NewRingCursor(0x1000, true)
		}},
		{"link loop", func(mem *testMemory) RingCursor {
			mem.writeTRB(0x1000, makeTRB(TRBLink, 0x2000, 0, trbCycle))
			mem.writeTRB(0x2000, makeTRB(TRBLink, 0x1000, 0, trbCycle))
			return NewRingCursor(0x1000, true)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newTestMemory(0x10000)
			cursor := tt.setup(mem)
			_, _, status, err := cursor.Poll(mem, NewStepBudget(1000))
			if !errors.Is(err, ErrRingFatal) {
				t.Fatalf("got %v, want ErrRingFatal", err)
			}
			if status != PollNotReady {
				t.Fatalf("got %v with fatal error", status)
			}
		})
	}
}

func TestRingCursorLinkLoopAcrossFrames(t *testing.T) {
	mem := newTestMemory(0x10000)
	mem.writeTRB(0x1000, makeTRB(TRBLink, 0x2000, 0, trbCycle))
	mem.writeTRB(0x2000, makeTRB(TRBLink, 0x1000, 0, trbCycle))

	// With a small per-call budget the loop is still detected, because the
	// consecutive link count persists.
	cursor := NewRingCursor(0x1000, true)
	for i := 0; i < maxConsecutiveLinks; i++ {
		_, _, _, err := cursor.Poll(mem, NewStepBudget(4))
		if errors.Is(err, ErrRingFatal) {
			return
		}
		if !errors.Is(err, ErrStepBudgetExceeded) {
			t.Fatalf("poll %d: got %v", i, err)
		}
	}
	t.Fatalf("link loop not detected")
}

func TestRingCursorPeek(t *testing.T) {
	mem := newTestMemory(0x10000)
	mem.writeTRB(0x1000, makeTRB(TRBLink, 0x2000, 0, trbCycle))
	mem.writeTRB(0x2000, makeTRB(TRBNormal, 7, 0, trbCycle))

	cursor := NewRingCursor(0x1000, true)
	trb, addr, status, err := cursor.Peek(mem, NewStepBudget(4))
	if err != nil || status != PollReady || addr != 0x2000 || trb.Parameter != 7 {
		t.Fatalf("got %v %#x %v %v", trb, addr, status, err)
	}
	if cursor.Dequeue != 0x1000 {
		t.Fatalf("peek moved cursor to %#x", cursor.Dequeue)
	}
}
