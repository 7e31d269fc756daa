package xhci

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/xhci/internal/hv"
)

// SnapshotFormatVersion is written into snapshot files. Files with a
// different major version are refused.
const SnapshotFormatVersion = "v1.1.0"

const maxSnapshotField = 64 << 20

func writeField(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readField(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > maxSnapshotField {
		return nil, fmt.Errorf("field length %d too large", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteSnapshot writes a device snapshot to w.
func WriteSnapshot(w io.Writer, dev hv.DeviceSnapshotter) error {
	snap, err := dev.CaptureSnapshot()
	if err != nil {
		return fmt.Errorf("capture snapshot: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, hv.SnapshotMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := writeField(w, []byte(SnapshotFormatVersion)); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	if err := writeField(w, []byte(dev.DeviceId())); err != nil {
		return fmt.Errorf("write id: %w", err)
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := writeField(w, buf.Bytes()); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

// ReadSnapshot reads a snapshot written by WriteSnapshot and restores it
// into dev.
func ReadSnapshot(r io.Reader, dev hv.DeviceSnapshotter) error {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if magic != hv.SnapshotMagic {
		return fmt.Errorf("invalid snapshot magic %#x", magic)
	}
	version, err := readField(r)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if err := checkSnapshotVersion(string(version)); err != nil {
		return err
	}
	id, err := readField(r)
	if err != nil {
		return fmt.Errorf("read id: %w", err)
	}
	if string(id) != dev.DeviceId() {
		return fmt.Errorf("snapshot is for device %q, not %q", id, dev.DeviceId())
	}
	data, err := readField(r)
	if err != nil {
		return fmt.Errorf("read data: %w", err)
	}

	var snap hv.DeviceSnapshot
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&snap); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return dev.RestoreSnapshot(snap)
}

func checkSnapshotVersion(v string) error {
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid snapshot version %q", v)
	}
	if semver.Major(v) != semver.Major(SnapshotFormatVersion) {
		return fmt.Errorf("snapshot version %s incompatible with %s", v, SnapshotFormatVersion)
	}
	if semver.Compare(v, SnapshotFormatVersion) > 0 {
		return fmt.Errorf("snapshot version %s is newer than %s", v, SnapshotFormatVersion)
	}
	return nil
}

// SaveSnapshot writes a snapshot of dev to path.
func SaveSnapshot(path string, dev hv.DeviceSnapshotter) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if err := WriteSnapshot(f, dev); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return f.Close()
}

// LoadSnapshot restores dev from the snapshot file at path.
func LoadSnapshot(path string, dev hv.DeviceSnapshotter) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	if err := ReadSnapshot(f, dev); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	return nil
}
