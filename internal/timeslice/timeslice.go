// Package timeslice records how long each phase of a simulated frame takes.
// Records are streamed to a writer in the background and can be read back
// with ReadAllRecords or aggregated with Summarize.
package timeslice

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3

	headerAlign = 4096
)

type fileHeader struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

// TimesliceInit covers setup performed before the first frame.
var TimesliceInit = RegisterKind("init", SliceFlagInitTime)

type SliceFlags uint32

const (
	// SliceFlagGuestTime marks work the emulated controller performs on
	// behalf of the guest.
	SliceFlagGuestTime SliceFlags = 1 << iota
	SliceFlagInitTime
)

func (f SliceFlags) String() string {
	var flags []string
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagInitTime != 0 {
		flags = append(flags, "init")
	}
	return strings.Join(flags, ",")
}

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[TimesliceID]SliceInfo)
)

// RegisterKind allocates an id for a named phase. It is normally called from
// package-level var declarations.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	ID       TimesliceID
	Duration int64
}

var recordSize = binary.Size(record{})

type recording struct {
	w      io.Writer
	ch     chan record
	done   chan error
	closed atomic.Bool
}

func (rec *recording) run() {
	bw := bufio.NewWriterSize(rec.w, headerAlign)
	var b [16]byte
	for r := range rec.ch {
		binary.LittleEndian.PutUint64(b[0:8], uint64(r.ID))
		binary.LittleEndian.PutUint64(b[8:16], uint64(r.Duration))
		if _, err := bw.Write(b[:]); err != nil {
			// Keep draining so Record never blocks on a dead writer.
			for range rec.ch {
			}
			rec.done <- err
			return
		}
	}
	rec.done <- bw.Flush()
}

// Close stops the recording and flushes buffered records.
func (rec *recording) Close() error {
	if !rec.closed.CompareAndSwap(false, true) {
		return errors.New("timeslice: already closed")
	}
	current.CompareAndSwap(rec, nil)
	close(rec.ch)
	if err := <-rec.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

var current atomic.Pointer[recording]

// Record adds one sample for id. It is a no-op unless a recording is open.
// Record must not race with Close.
func Record(id TimesliceID, d time.Duration) {
	if rec := current.Load(); rec != nil && !rec.closed.Load() {
		rec.ch <- record{ID: id, Duration: d.Nanoseconds()}
	}
}

// Recorder measures consecutive phases: each Record call charges the time
// since the previous one (or since NewRecorder) to id. It is not safe for
// concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder { return &Recorder{last: time.Now()} }

func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	d := now.Sub(r.last)
	r.last = now
	Record(id, d)
}

// StartRecording writes the kind table to w and starts streaming records to
// it. Only one recording may be open at a time.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, errors.New("timeslice: recording already open")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	hdr := fileHeader{Magic: Magic, Version: Version, KindsLength: uint32(len(table))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(hdr) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	rec := &recording{
		w:    w,
		ch:   make(chan record, 4096),
		done: make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, rec) {
		return nil, errors.New("timeslice: recording already open")
	}
	go rec.run()
	return rec, nil
}

func padding(off int) int {
	if off%headerAlign == 0 {
		return 0
	}
	return headerAlign - off%headerAlign
}

// ReadAllRecords calls fn for every record in a stream written by
// StartRecording.
func ReadAllRecords(r io.Reader, fn func(kind string, flags SliceFlags, d time.Duration) error) error {
	br := bufio.NewReaderSize(r, headerAlign)

	var hdr fileHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[TimesliceID]SliceInfo
	if err := json.NewDecoder(io.LimitReader(br, int64(hdr.KindsLength))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if _, err := br.Discard(padding(binary.Size(hdr) + int(hdr.KindsLength))); err != nil {
		return fmt.Errorf("timeslice: skip padding: %w", err)
	}

	var b [16]byte
	for {
		if _, err := io.ReadFull(br, b[:recordSize]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		id := TimesliceID(binary.LittleEndian.Uint64(b[0:8]))
		d := time.Duration(binary.LittleEndian.Uint64(b[8:16]))
		kind, ok := table[id]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", id)
		}
		if err := fn(kind.Name, kind.Flags, d); err != nil {
			return err
		}
	}
}

// Summary aggregates the samples of one kind.
type Summary struct {
	Name  string
	Flags SliceFlags
	Count int
	Total time.Duration
	Max   time.Duration
}

func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize reads a recording and returns per-kind totals, largest first.
func Summarize(r io.Reader) ([]Summary, error) {
	byName := make(map[string]*Summary)
	err := ReadAllRecords(r, func(kind string, flags SliceFlags, d time.Duration) error {
		s, ok := byName[kind]
		if !ok {
			s = &Summary{Name: kind, Flags: flags}
			byName[kind] = s
		}
		s.Count++
		s.Total += d
		s.Max = max(s.Max, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Summary) int {
		if c := cmp.Compare(b.Total, a.Total); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}
