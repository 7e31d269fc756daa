package machine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/xhci/internal/devices/xhci"
	"github.com/tinyrange/xhci/internal/hv"
)

// ErrConfigMismatch is returned when a snapshot was taken on a machine with
// a different layout.
var ErrConfigMismatch = errors.New("machine: snapshot configuration mismatch")

type snapshotHeader struct {
	Magic   uint32
	Hash    hv.ConfigHash
	Frame   uint64
	RAMBase uint64
	RAMSize uint64
}

// WriteSnapshot saves guest RAM, the PCI function and the controller to w.
// Attached USB device models are not part of the snapshot.
func (m *Machine) WriteSnapshot(w io.Writer) error {
	hdr := snapshotHeader{
		Magic:   hv.SnapshotMagic,
		Hash:    m.ConfigHash(),
		Frame:   m.frame,
		RAMBase: m.cfg.MemoryBase,
		RAMSize: m.cfg.MemorySize,
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("machine: write header: %w", err)
	}
	ram := io.NewSectionReader(m.mem, int64(hdr.RAMBase), int64(hdr.RAMSize))
	if _, err := io.Copy(w, ram); err != nil {
		return fmt.Errorf("machine: write RAM: %w", err)
	}
	if err := xhci.WriteSnapshot(w, m.fn); err != nil {
		return fmt.Errorf("machine: %s: %w", m.fn.DeviceId(), err)
	}
	if err := m.Controller(func(c *xhci.Controller) error { return xhci.WriteSnapshot(w, c) }); err != nil {
		return fmt.Errorf("machine: xhci: %w", err)
	}
	return nil
}

// ReadSnapshot restores state written by WriteSnapshot. The header is
// checked before anything is modified; a failure after that leaves the
// machine in an undefined state.
func (m *Machine) ReadSnapshot(r io.Reader) error {
	var hdr snapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("machine: read header: %w", err)
	}
	if hdr.Magic != hv.SnapshotMagic {
		return fmt.Errorf("machine: invalid snapshot magic %#x", hdr.Magic)
	}
	if want := m.ConfigHash(); hdr.Hash != want {
		return fmt.Errorf("%w: snapshot %s, machine %s", ErrConfigMismatch, hdr.Hash, want)
	}

	ram := io.NewOffsetWriter(m.mem, int64(hdr.RAMBase))
	if _, err := io.CopyN(ram, r, int64(hdr.RAMSize)); err != nil {
		return fmt.Errorf("machine: read RAM: %w", err)
	}
	if err := xhci.ReadSnapshot(r, m.fn); err != nil {
		return fmt.Errorf("machine: %s: %w", m.fn.DeviceId(), err)
	}
	if err := m.Controller(func(c *xhci.Controller) error { return xhci.ReadSnapshot(r, c) }); err != nil {
		return fmt.Errorf("machine: xhci: %w", err)
	}
	m.frame = hdr.Frame
	slog.Debug("machine: restored snapshot", "frame", hdr.Frame, "bar0", fmt.Sprintf("%#x", m.BAR0()))
	return nil
}

// SaveSnapshot writes a snapshot to path.
func (m *Machine) SaveSnapshot(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("machine: create snapshot: %w", err)
	}
	defer f.Close()

	if err := m.WriteSnapshot(f); err != nil {
		return err
	}
	return f.Close()
}

// LoadSnapshot restores the snapshot at path.
func (m *Machine) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("machine: open snapshot: %w", err)
	}
	defer f.Close()
	return m.ReadSnapshot(f)
}
