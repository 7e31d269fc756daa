package xhci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Bus is the guest-physical address space the controller masters. Size is
// the exclusive upper bound of addressable memory. DMAEnabled models the
// PCI bus-master enable bit; no guest memory is touched while it is false.
type Bus interface {
	io.ReaderAt
	io.WriterAt
	Size() uint64
	DMAEnabled() bool
}

var errGuestRange = errors.New("xhci: guest address out of range")

func inGuestRange(mem Bus, addr uint64, length uint64) bool {
	end := addr + length
	if end < addr || addr > math.MaxInt64 {
		return false
	}
	return end <= mem.Size()
}

// readGuestInto fills buf from guest memory. On failure buf is zeroed so
// callers that ignore the error observe soft-fail semantics.
func readGuestInto(mem Bus, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if !inGuestRange(mem, addr, uint64(len(buf))) {
		clear(buf)
		return fmt.Errorf("%w: read 0x%x+%d", errGuestRange, addr, len(buf))
	}
	n, err := mem.ReadAt(buf, int64(addr))
	if err != nil || n != len(buf) {
		clear(buf)
		if err == nil {
			err = fmt.Errorf("xhci: short guest memory read (want %d, got %d)", len(buf), n)
		}
		return err
	}
	return nil
}

// writeGuestFrom copies data into guest memory. Out-of-range writes are
// dropped and reported.
func writeGuestFrom(mem Bus, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !inGuestRange(mem, addr, uint64(len(data))) {
		return fmt.Errorf("%w: write 0x%x+%d", errGuestRange, addr, len(data))
	}
	n, err := mem.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("xhci: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func readGuestUint64(mem Bus, addr uint64) (uint64, error) {
	var buf [8]byte
	err := readGuestInto(mem, addr, buf[:])
	return binary.LittleEndian.Uint64(buf[:]), err
}

func writeGuestUint64(mem Bus, addr uint64, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return writeGuestFrom(mem, addr, buf[:])
}
