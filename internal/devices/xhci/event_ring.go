package xhci

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrEventRingNotConfigured = errors.New("xhci: event ring not configured")
	ErrEventRingFull          = errors.New("xhci: event ring full")
	ErrEventRingInvalid       = errors.New("xhci: event ring configuration invalid")
)

const (
	maxERSTEntries       = 16 // HCSPARAMS2.ERST Max = 4
	erstEntrySize        = 16
	maxSegmentTRBs       = 4096
	erstBaseAlignMask    = 0x3f
	segmentBaseAlignMask = 0x3f
)

type erstSegment struct {
	Base uint64
	Size uint32
}

// eventRing is the producer side of interrupter 0's event ring.
type eventRing struct {
	// Guest-written registers.
	erstsz uint32
	erstba uint64
	erdp   uint64

	// Producer state, valid once loaded.
	loaded      bool
	reload      bool
	segments    []erstSegment
	total       uint32
	segment     int
	index       uint32
	cycle       bool
	outstanding uint32
}

func (r *eventRing) reset() {
	*r = eventRing{}
}

func (r *eventRing) setERSTSZ(v uint32) {
	r.erstsz = v & 0xffff
	r.reload = true
}

func (r *eventRing) setERSTBA(v uint64) {
	r.erstba = v
	r.reload = true
}

// setERDP records a dequeue pointer write and resynchronises the count of
// events the guest has not yet consumed.
func (r *eventRing) setERDP(v uint64) {
	r.erdp = r.erdp&erdpEHB | v&^uint64(erdpEHB)
	if v&erdpEHB != 0 {
		r.erdp &^= erdpEHB
	}
	if !r.loaded {
		return
	}
	pos, ok := r.position(v &^ 0xf)
	if !ok {
		return
	}
	enq := r.enqueuePosition()
	r.outstanding = (enq + r.total - pos) % r.total
}

func (r *eventRing) busy() bool { return r.erdp&erdpEHB != 0 }

func (r *eventRing) position(ptr uint64) (uint32, bool) {
	var before uint32
	for _, seg := range r.segments {
		end := seg.Base + uint64(seg.Size)*TRBSize
		if ptr >= seg.Base && ptr < end {
			return before + uint32((ptr-seg.Base)/TRBSize), true
		}
		before += seg.Size
	}
	return 0, false
}

func (r *eventRing) enqueuePosition() uint32 {
	var before uint32
	for i := 0; i < r.segment; i++ {
		before += r.segments[i].Size
	}
	return before + r.index
}

// enqueuePointer returns the guest address the next event will be written to.
func (r *eventRing) enqueuePointer() uint64 {
	if !r.loaded || len(r.segments) == 0 {
		return 0
	}
	return r.segments[r.segment].Base + uint64(r.index)*TRBSize
}

func (r *eventRing) load(mem Bus) error {
	if r.erstsz > maxERSTEntries {
		return fmt.Errorf("%w: ERSTSZ %d exceeds %d", ErrEventRingInvalid, r.erstsz, maxERSTEntries)
	}
	if r.erstba&erstBaseAlignMask != 0 {
		return fmt.Errorf("%w: ERSTBA %#x misaligned", ErrEventRingInvalid, r.erstba)
	}
	if !inGuestRange(mem, r.erstba, uint64(r.erstsz)*erstEntrySize) {
		return fmt.Errorf("%w: ERST %#x outside guest memory", ErrEventRingInvalid, r.erstba)
	}
	segments := make([]erstSegment, 0, r.erstsz)
	var total uint32
	for i := uint32(0); i < r.erstsz; i++ {
		var buf [erstEntrySize]byte
		if err := readGuestInto(mem, r.erstba+uint64(i)*erstEntrySize, buf[:]); err != nil {
			return fmt.Errorf("%w: read ERST entry %d: %v", ErrEventRingInvalid, i, err)
		}
		seg := erstSegment{
			Base: binary.LittleEndian.Uint64(buf[0:8]),
			Size: binary.LittleEndian.Uint32(buf[8:12]) & 0xffff,
		}
		switch {
		case seg.Size == 0:
			return fmt.Errorf("%w: segment %d has zero entries", ErrEventRingInvalid, i)
		case seg.Size > maxSegmentTRBs:
			return fmt.Errorf("%w: segment %d has %d entries", ErrEventRingInvalid, i, seg.Size)
		case seg.Base == 0 || seg.Base&segmentBaseAlignMask != 0:
			return fmt.Errorf("%w: segment %d base %#x invalid", ErrEventRingInvalid, i, seg.Base)
		case !inGuestRange(mem, seg.Base, uint64(seg.Size)*TRBSize):
			return fmt.Errorf("%w: segment %d outside guest memory", ErrEventRingInvalid, i)
		}
		segments = append(segments, seg)
		total += seg.Size
	}
	r.segments = segments
	r.total = total
	r.segment = 0
	r.index = 0
	r.cycle = true
	r.outstanding = 0
	r.loaded = true
	r.reload = false
	return nil
}

// tryEnqueue writes trb at the producer position. NotConfigured and Full are
// transient; Invalid must latch a host controller error.
func (r *eventRing) tryEnqueue(mem Bus, trb TRB) error {
	if r.erstsz == 0 || r.erstba == 0 {
		return ErrEventRingNotConfigured
	}
	if r.reload || !r.loaded {
		if err := r.load(mem); err != nil {
			r.loaded = false
			return err
		}
	}
	if r.outstanding >= r.total {
		return ErrEventRingFull
	}

	trb.SetCycle(r.cycle)
	b := trb.Bytes()
	if err := writeGuestFrom(mem, r.enqueuePointer(), b[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrEventRingInvalid, err)
	}

	r.index++
	if r.index >= r.segments[r.segment].Size {
		r.index = 0
		r.segment++
		if r.segment >= len(r.segments) {
			r.segment = 0
			r.cycle = !r.cycle
		}
	}
	r.outstanding++
	r.erdp |= erdpEHB
	return nil
}

// eventQueue is the bounded host-side queue of events awaiting delivery.
// Overflow drops the oldest entry.
type eventQueue struct {
	buf     []TRB
	head    int
	count   int
	dropped uint64
}

func newEventQueue(capacity int) eventQueue {
	return eventQueue{buf: make([]TRB, max(capacity, 1))}
}

func (q *eventQueue) push(trb TRB) {
	if q.count == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped++
	}
	q.buf[(q.head+q.count)%len(q.buf)] = trb
	q.count++
}

func (q *eventQueue) peek() (TRB, bool) {
	if q.count == 0 {
		return TRB{}, false
	}
	return q.buf[q.head], true
}

func (q *eventQueue) pop() {
	if q.count == 0 {
		return
	}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
}

func (q *eventQueue) len() int { return q.count }

func (q *eventQueue) clear() {
	q.head = 0
	q.count = 0
}

func (q *eventQueue) items() []TRB {
	out := make([]TRB, 0, q.count)
	for i := 0; i < q.count; i++ {
		out = append(out, q.buf[(q.head+i)%len(q.buf)])
	}
	return out
}
