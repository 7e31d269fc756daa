package xhci

// frameBudget is the work a single Step may still perform.
type frameBudget struct {
	steps        *StepBudget
	commandTRBs  int
	doorbells    int
	transferTRBs int
	eventTRBs    int
}

func newFrameBudget(b Budgets) frameBudget {
	return frameBudget{
		steps:        NewStepBudget(b.RingWalkSteps),
		commandTRBs:  b.CommandTRBs,
		doorbells:    b.Doorbells,
		transferTRBs: b.TransferTRBs,
		eventTRBs:    b.EventTRBs,
	}
}

type endpointKey struct {
	Slot uint8
	DCI  uint8
}

// activeQueue is a FIFO of endpoints with doorbell work. Membership is
// tracked in a bitmap so each (slot, DCI) appears at most once.
type activeQueue struct {
	queue  []endpointKey
	queued [][32]bool
}

func newActiveQueue(maxSlots int) activeQueue {
	return activeQueue{queued: make([][32]bool, maxSlots+1)}
}

func (q *activeQueue) push(key endpointKey) bool {
	if int(key.Slot) >= len(q.queued) || key.DCI == 0 || key.DCI > maxEndpoints {
		return false
	}
	if q.queued[key.Slot][key.DCI] {
		return false
	}
	q.queued[key.Slot][key.DCI] = true
	q.queue = append(q.queue, key)
	return true
}

func (q *activeQueue) pop() (endpointKey, bool) {
	if len(q.queue) == 0 {
		return endpointKey{}, false
	}
	key := q.queue[0]
	q.queue = q.queue[1:]
	q.queued[key.Slot][key.DCI] = false
	return key, true
}

func (q *activeQueue) contains(key endpointKey) bool {
	if int(key.Slot) >= len(q.queued) || key.DCI > maxEndpoints {
		return false
	}
	return q.queued[key.Slot][key.DCI]
}

func (q *activeQueue) remove(key endpointKey) {
	if !q.contains(key) {
		return
	}
	q.queued[key.Slot][key.DCI] = false
	for i, k := range q.queue {
		if k == key {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return
		}
	}
}

// removeSlot drops every endpoint of slot from the queue.
func (q *activeQueue) removeSlot(slot uint8) {
	if int(slot) >= len(q.queued) {
		return
	}
	kept := q.queue[:0]
	for _, k := range q.queue {
		if k.Slot == slot {
			q.queued[k.Slot][k.DCI] = false
			continue
		}
		kept = append(kept, k)
	}
	q.queue = kept
}

func (q *activeQueue) len() int { return len(q.queue) }

func (q *activeQueue) clear() {
	for _, k := range q.queue {
		q.queued[k.Slot][k.DCI] = false
	}
	q.queue = q.queue[:0]
}

func (q *activeQueue) keys() []endpointKey {
	return append([]endpointKey(nil), q.queue...)
}
