package driver

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xhci/internal/devices/xhci"
)

// heap is a bump allocator over the driver's slice of guest RAM. Nothing
// is ever freed; a controller reset reuses the first allocations.
type heap struct {
	next, end uint64
}

func (h *heap) alloc(size, align uint64) (uint64, error) {
	addr := (h.next + align - 1) &^ (align - 1)
	if addr+size > h.end || addr+size < addr {
		return 0, fmt.Errorf("%w: %d bytes", ErrOutOfMemory, size)
	}
	h.next = addr + size
	return addr, nil
}

// ring is a producer ring terminated by a Link TRB back to its base.
type ring struct {
	base  uint64
	size  int
	enq   int
	cycle bool
}

func (d *Driver) newRing(trbs int) (*ring, error) {
	base, err := d.heap.alloc(uint64(trbs)*xhci.TRBSize, 64)
	if err != nil {
		return nil, err
	}
	if err := d.zero(base, uint64(trbs)*xhci.TRBSize); err != nil {
		return nil, err
	}
	return &ring{base: base, size: trbs, cycle: true}, nil
}

func (r *ring) reset() {
	r.enq = 0
	r.cycle = true
}

// pointer is the enqueue address with the producer cycle state in bit 0, as
// Set TR Dequeue Pointer and the endpoint context expect it.
func (r *ring) pointer() uint64 {
	p := r.base + uint64(r.enq)*xhci.TRBSize
	if r.cycle {
		p |= 1
	}
	return p
}

// push writes trb at the enqueue pointer and returns its address. Reaching
// the last slot emits the Link TRB and flips the producer cycle.
func (d *Driver) push(r *ring, trb xhci.TRB) (uint64, error) {
	addr := r.base + uint64(r.enq)*xhci.TRBSize
	trb.SetCycle(r.cycle)
	if err := d.writeTRB(addr, trb); err != nil {
		return 0, err
	}
	r.enq++
	if r.enq == r.size-1 {
		link := newTRB(xhci.TRBLink, r.base, 0, trbToggle)
		if trb.Chain() {
			link.Control |= trbChain
		}
		link.SetCycle(r.cycle)
		if err := d.writeTRB(r.base+uint64(r.enq)*xhci.TRBSize, link); err != nil {
			return 0, err
		}
		r.enq = 0
		r.cycle = !r.cycle
	}
	return addr, nil
}

// eventRing is the consumer side of the single-segment event ring.
type eventRing struct {
	base  uint64
	size  int
	erst  uint64
	deq   int
	cycle bool
}

func (e *eventRing) reset() {
	e.deq = 0
	e.cycle = true
}

func (e *eventRing) pointer() uint64 {
	return e.base + uint64(e.deq)*xhci.TRBSize
}

func (e *eventRing) advance() {
	e.deq++
	if e.deq == e.size {
		e.deq = 0
		e.cycle = !e.cycle
	}
}

func (d *Driver) writeMem(addr uint64, b []byte) error {
	if _, err := d.mem.WriteAt(b, int64(addr)); err != nil {
		return fmt.Errorf("driver: write guest %#x: %w", addr, err)
	}
	return nil
}

func (d *Driver) readMem(addr uint64, b []byte) error {
	if _, err := d.mem.ReadAt(b, int64(addr)); err != nil {
		return fmt.Errorf("driver: read guest %#x: %w", addr, err)
	}
	return nil
}

func (d *Driver) zero(addr, size uint64) error {
	return d.writeMem(addr, make([]byte, size))
}

func (d *Driver) writeTRB(addr uint64, trb xhci.TRB) error {
	b := trb.Bytes()
	return d.writeMem(addr, b[:])
}

func (d *Driver) readTRB(addr uint64) (xhci.TRB, error) {
	var b [xhci.TRBSize]byte
	if err := d.readMem(addr, b[:]); err != nil {
		return xhci.TRB{}, err
	}
	return xhci.TRB{
		Parameter: binary.LittleEndian.Uint64(b[0:]),
		Status:    binary.LittleEndian.Uint32(b[8:]),
		Control:   binary.LittleEndian.Uint32(b[12:]),
	}, nil
}

func (d *Driver) writeContext(addr uint64, ctx [8]uint32) error {
	var b [32]byte
	for i, dw := range ctx {
		binary.LittleEndian.PutUint32(b[i*4:], dw)
	}
	return d.writeMem(addr, b[:])
}

func (d *Driver) readContext(addr uint64) ([8]uint32, error) {
	var b [32]byte
	var out [8]uint32
	if err := d.readMem(addr, b[:]); err != nil {
		return out, err
	}
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out, nil
}
