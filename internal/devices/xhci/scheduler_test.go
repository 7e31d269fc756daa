package xhci

import (
	"slices"
	"testing"
)

func TestActiveQueue(t *testing.T) {
	q := newActiveQueue(4)
	a := endpointKey{Slot: 1, DCI: 3}
	b := endpointKey{Slot: 2, DCI: 1}
	c := endpointKey{Slot: 1, DCI: 5}

	for _, k := range []endpointKey{a, b, c} {
		if !q.push(k) {
			t.Fatalf("push(%v) rejected", k)
		}
	}
	if q.push(a) {
		t.Fatalf("duplicate push accepted")
	}
	for _, k := range []endpointKey{{Slot: 5, DCI: 1}, {Slot: 1, DCI: 0}, {Slot: 1, DCI: 32}} {
		if q.push(k) {
			t.Errorf("push(%v) accepted", k)
		}
	}
	if q.len() != 3 {
		t.Fatalf("got len %d, want 3", q.len())
	}

	q.remove(b)
	if q.contains(b) || !slices.Equal(q.keys(), []endpointKey{a, c}) {
		t.Fatalf("after remove got %v", q.keys())
	}

	got, ok := q.pop()
	if !ok || got != a || q.contains(a) {
		t.Fatalf("pop got %v %v", got, ok)
	}
	if !q.push(a) {
		t.Fatalf("re-push after pop rejected")
	}
	if !slices.Equal(q.keys(), []endpointKey{c, a}) {
		t.Fatalf("got order %v", q.keys())
	}

	q.push(b)
	q.removeSlot(1)
	if !slices.Equal(q.keys(), []endpointKey{b}) || q.contains(a) || q.contains(c) {
		t.Fatalf("after removeSlot got %v", q.keys())
	}

	q.clear()
	if q.len() != 0 || q.contains(b) {
		t.Fatalf("clear left %v", q.keys())
	}
	if _, ok := q.pop(); ok {
		t.Fatalf("pop from empty queue")
	}
}

func TestDoorbellBudgetRoundRobin(t *testing.T) {
	dev := newFakeDevice()
	r := newTestRig(t, Config{Budgets: Budgets{Doorbells: 1}})
	id := r.bringUp(dev)
	ringA := r.configureEndpoint(id, 3, EndpointTypeIntIn, 8)
	ringB := r.configureEndpoint(id, 5, EndpointTypeBulkIn, 512)
	ringA.push(makeTRB(TRBNormal, r.alloc(8), 8, trbIOC))
	ringB.push(makeTRB(TRBNormal, r.alloc(512), 512, trbIOC))
	r.ringDoorbell(id, 3)
	r.ringDoorbell(id, 5)

	// Both devices NAK; one endpoint is serviced per frame.
	r.step(1)
	if dev.inCalls[1] != 1 || dev.inCalls[2] != 0 {
		t.Fatalf("frame 1: got calls %v", dev.inCalls)
	}
	r.step(1)
	if dev.inCalls[1] != 1 || dev.inCalls[2] != 1 {
		t.Fatalf("frame 2: got calls %v", dev.inCalls)
	}
	r.step(1)
	if dev.inCalls[1] != 2 || dev.inCalls[2] != 1 {
		t.Fatalf("frame 3: got calls %v", dev.inCalls)
	}
}

func TestEndpointVisitedOncePerFrame(t *testing.T) {
	dev := newFakeDevice()
	r := newTestRig(t, Config{})
	id := r.bringUp(dev)
	ring := r.configureEndpoint(id, 3, EndpointTypeIntIn, 8)
	ring.push(makeTRB(TRBNormal, r.alloc(8), 8, trbIOC))
	r.ringDoorbell(id, 3)

	r.step(1)
	if dev.inCalls[1] != 1 {
		t.Fatalf("NAKed endpoint serviced %d times in one frame", dev.inCalls[1])
	}
}

func TestFrameBudgetFromConfig(t *testing.T) {
	cfg, err := Config{Budgets: Budgets{CommandTRBs: 3}}.normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	b := newFrameBudget(cfg.Budgets)
	if b.commandTRBs != 3 || b.doorbells != MaxDoorbellsPerFrame || b.transferTRBs != MaxTransferTrbsPerFrame || b.eventTRBs != MaxEventTrbsPerFrame {
		t.Fatalf("got %+v", b)
	}
	if b.steps == nil {
		t.Fatalf("no ring walk budget")
	}
}
