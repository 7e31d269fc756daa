package chipset

import "sync"

// LineSet is a bank of level-triggered interrupt lines. It latches each
// line's level, counts low-to-high transitions, and forwards every edge to
// an optional sink.
type LineSet struct {
	mu    sync.Mutex
	sink  InterruptSink
	lines map[uint8]*line
}

type line struct {
	level   bool
	asserts uint64
}

// NewLineSet returns a LineSet forwarding edges to sink, which may be nil.
func NewLineSet(sink InterruptSink) *LineSet {
	return &LineSet{sink: sink, lines: make(map[uint8]*line)}
}

func (l *LineSet) get(irq uint8) *line {
	ln := l.lines[irq]
	if ln == nil {
		ln = &line{}
		l.lines[irq] = ln
	}
	return ln
}

// AllocateLine returns the device side of line irq.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	l.get(irq)
	l.mu.Unlock()
	return lineHandle{owner: l, irq: irq}
}

// Level reports whether irq is held high.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(irq).level
}

// Asserts returns how many times irq has gone high.
func (l *LineSet) Asserts(irq uint8) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(irq).asserts
}

// BroadcastEOI ends servicing of irq. A line still held high is delivered
// to the sink again.
func (l *LineSet) BroadcastEOI(irq uint8) {
	if l.Level(irq) {
		l.deliver(irq, true)
	}
}

func (l *LineSet) set(irq uint8, high bool) {
	l.mu.Lock()
	ln := l.get(irq)
	changed := ln.level != high
	ln.level = high
	if changed && high {
		ln.asserts++
	}
	l.mu.Unlock()
	if changed {
		l.deliver(irq, high)
	}
}

func (l *LineSet) deliver(irq uint8, high bool) {
	if l.sink != nil {
		l.sink.SetIRQ(irq, high)
	}
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
}

func (h lineHandle) SetLevel(high bool) { h.owner.set(h.irq, high) }

func (h lineHandle) PulseInterrupt() {
	h.owner.set(h.irq, true)
	h.owner.set(h.irq, false)
}
