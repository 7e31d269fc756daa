package guestmem

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

var ErrOutOfRange = errors.New("guestmem: access out of range")

// Memory is a contiguous region of guest-physical RAM starting at a base
// address. Accesses outside the region fail with ErrOutOfRange.
type Memory struct {
	base    uint64
	data    []byte
	release func([]byte) error

	gate   atomic.Pointer[func() bool]
	closed atomic.Bool
}

// New allocates size bytes of zeroed guest RAM mapped at base.
func New(base, size uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("guestmem: size must be non-zero")
	}
	if base+size < base {
		return nil, fmt.Errorf("guestmem: region 0x%x+0x%x overflows", base, size)
	}
	data, release, err := allocate(int(size))
	if err != nil {
		return nil, fmt.Errorf("guestmem: allocate %d bytes: %w", size, err)
	}
	return &Memory{base: base, data: data, release: release}, nil
}

// Base returns the first guest-physical address backed by the region.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the exclusive upper bound of addressable guest memory.
func (m *Memory) Size() uint64 { return m.base + uint64(len(m.data)) }

// SetDMAGate installs the predicate consulted by DMAEnabled. Passing nil
// restores the default of DMA always enabled.
func (m *Memory) SetDMAGate(fn func() bool) {
	if fn == nil {
		m.gate.Store(nil)
		return
	}
	m.gate.Store(&fn)
}

// DMAEnabled reports whether devices may currently master the bus.
func (m *Memory) DMAEnabled() bool {
	if fn := m.gate.Load(); fn != nil {
		return (*fn)()
	}
	return true
}

func (m *Memory) slice(off int64, n int) ([]byte, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("guestmem: memory closed")
	}
	addr := uint64(off)
	if off < 0 || addr < m.base {
		return nil, ErrOutOfRange
	}
	start := addr - m.base
	end := start + uint64(n)
	if end < start || end > uint64(len(m.data)) {
		return nil, ErrOutOfRange
	}
	return m.data[start:end], nil
}

// ReadAt implements io.ReaderAt over guest-physical addresses.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	src, err := m.slice(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt implements io.WriterAt over guest-physical addresses.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	dst, err := m.slice(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// Close releases the backing mapping.
func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.release == nil {
		return nil
	}
	return m.release(m.data)
}

var (
	_ io.ReaderAt = (*Memory)(nil)
	_ io.WriterAt = (*Memory)(nil)
	_ io.Closer   = (*Memory)(nil)
)
