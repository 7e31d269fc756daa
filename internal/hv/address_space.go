package hv

import (
	"fmt"
	"sync"
)

const pageSize = 0x1000

// MMIOAllocationRequest asks for a window above RAM. Alignment defaults to
// a page and the size is rounded up to it.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a named region of guest-physical address space.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

func (a MMIOAllocation) Region() MMIORegion { return MMIORegion{Address: a.Base, Size: a.Size} }

func (a MMIOAllocation) end() uint64 { return a.Base + a.Size }

func (a MMIOAllocation) overlaps(base, size uint64) bool {
	return base < a.end() && a.Base < base+size
}

// AddressSpace lays out a machine's physical map: RAM at a fixed place,
// then MMIO windows handed out in ascending order above it. Fixed regions
// are skipped over by later allocations.
type AddressSpace struct {
	mu    sync.Mutex
	ram   MMIOAllocation
	next  uint64
	fixed []MMIOAllocation
	alloc []MMIOAllocation
}

func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	ram := MMIOAllocation{Name: "ram", Base: ramBase, Size: ramSize}
	return &AddressSpace{ram: ram, next: alignUp(ram.end(), pageSize)}
}

// Allocate places req at the lowest suitable address past every earlier
// allocation.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	align := req.Alignment
	if align == 0 {
		align = pageSize
	}
	switch {
	case req.Size == 0:
		return MMIOAllocation{}, fmt.Errorf("hv: %s: zero-sized MMIO window", req.Name)
	case align&(align-1) != 0:
		return MMIOAllocation{}, fmt.Errorf("hv: %s: alignment %#x is not a power of two", req.Name, align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	size := alignUp(req.Size, align)
	base := alignUp(a.next, align)
	for moved := true; moved; {
		moved = false
		for _, f := range a.fixed {
			if f.overlaps(base, size) {
				base = alignUp(f.end(), align)
				moved = true
			}
		}
	}
	if base+size < base {
		return MMIOAllocation{}, fmt.Errorf("hv: %s: no room for %#x bytes", req.Name, size)
	}
	out := MMIOAllocation{Name: req.Name, Base: base, Size: size}
	a.alloc = append(a.alloc, out)
	a.next = out.end()
	return out, nil
}

// RegisterFixed reserves a region chosen by the caller. It may not overlap
// RAM or another fixed region.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	if size == 0 || base+size < base {
		return fmt.Errorf("hv: fixed region %s %#x+%#x is empty or wraps", name, base, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, other := range append([]MMIOAllocation{a.ram}, a.fixed...) {
		if other.overlaps(base, size) {
			return fmt.Errorf("hv: fixed region %s %#x-%#x overlaps %s", name, base, base+size, other.Name)
		}
	}
	a.fixed = append(a.fixed, MMIOAllocation{Name: name, Base: base, Size: size})
	return nil
}

// Allocations returns the windows handed out by Allocate, in order.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MMIOAllocation(nil), a.alloc...)
}

func (a *AddressSpace) RAMBase() uint64 { return a.ram.Base }
func (a *AddressSpace) RAMSize() uint64 { return a.ram.Size }
func (a *AddressSpace) RAMEnd() uint64  { return a.ram.end() }

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
