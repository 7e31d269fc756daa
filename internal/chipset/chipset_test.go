package chipset

import (
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/xhci/internal/hv"
)

type testDevice struct {
	name    string
	regions []hv.MMIORegion
	poll    bool

	reads, writes []uint64
	polls         int
	resets        int
	moved         map[int]uint64
}

func (d *testDevice) DeviceId() string { return d.name }
func (d *testDevice) Start() error     { return nil }
func (d *testDevice) Stop() error      { return nil }

func (d *testDevice) Reset() error {
	d.resets++
	return nil
}

func (d *testDevice) SupportsMmio() *MmioIntercept {
	if len(d.regions) == 0 {
		return nil
	}
	return &MmioIntercept{Regions: d.regions, Handler: d}
}

func (d *testDevice) SupportsPollDevice() *PollDevice {
	if !d.poll {
		return nil
	}
	return &PollDevice{Handler: d}
}

func (d *testDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.reads = append(d.reads, addr)
	for i := range data {
		data[i] = 0xa5
	}
	return nil
}

func (d *testDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.writes = append(d.writes, addr)
	return nil
}

func (d *testDevice) Poll(ctx context.Context) error {
	d.polls++
	return ctx.Err()
}

func (d *testDevice) RelocateMmio(index int, base uint64) {
	if d.moved == nil {
		d.moved = make(map[int]uint64)
	}
	d.moved[index] = base
}

type recordingSink struct {
	events []struct {
		line  uint8
		level bool
	}
}

func (s *recordingSink) SetIRQ(line uint8, level bool) {
	s.events = append(s.events, struct {
		line  uint8
		level bool
	}{line, level})
}

func TestBuilderRejectsOverlap(t *testing.T) {
	b := NewBuilder()
	a := &testDevice{name: "a", regions: []hv.MMIORegion{{Address: 0x1000, Size: 0x1000}}}
	if err := b.RegisterDevice("a", a); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	tests := []struct {
		name string
		dev  *testDevice
	}{
		{"overlap", &testDevice{name: "b", regions: []hv.MMIORegion{{Address: 0x1800, Size: 0x1000}}}},
		{"zero size", &testDevice{name: "c", regions: []hv.MMIORegion{{Address: 0x8000}}}},
		{"overflow", &testDevice{name: "d", regions: []hv.MMIORegion{{Address: ^uint64(0) - 1, Size: 0x10}}}},
		{"duplicate name", &testDevice{name: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := b.RegisterDevice(tt.dev.name, tt.dev); err == nil {
				t.Fatalf("RegisterDevice(%q) succeeded", tt.dev.name)
			}
		})
	}
}

func TestHandleMMIO(t *testing.T) {
	b := NewBuilder()
	dev := &testDevice{name: "dev", regions: []hv.MMIORegion{{Address: 0x4000, Size: 0x100}}}
	if err := b.RegisterDevice("dev", dev); err != nil {
		t.Fatal(err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	if err := cs.HandleMMIO(nil, 0x40fc, buf, false); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 0xa5 || len(dev.reads) != 1 || dev.reads[0] != 0x40fc {
		t.Fatalf("got %x reads %#x", buf, dev.reads)
	}
	if err := cs.HandleMMIO(nil, 0x4000, buf, true); err != nil || len(dev.writes) != 1 {
		t.Fatalf("write: %v %#x", err, dev.writes)
	}

	// Straddling the end of the region is not handled.
	if err := cs.HandleMMIO(nil, 0x40fe, buf, false); !errors.Is(err, hv.ErrAddressNotHandled) {
		t.Fatalf("got %v, want ErrAddressNotHandled", err)
	}
}

func TestRelocateMmio(t *testing.T) {
	b := NewBuilder()
	bar := &testDevice{name: "bar", regions: []hv.MMIORegion{{Address: 0x10000, Size: 0x10000}}}
	other := &testDevice{name: "other", regions: []hv.MMIORegion{{Address: 0x40000, Size: 0x1000}}}
	for _, d := range []*testDevice{bar, other} {
		if err := b.RegisterDevice(d.name, d); err != nil {
			t.Fatal(err)
		}
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	if err := cs.RelocateMmio("bar", 0, 0x20000); err != nil {
		t.Fatalf("RelocateMmio: %v", err)
	}
	if bar.moved[0] != 0x20000 {
		t.Fatalf("device not told about move: %v", bar.moved)
	}
	if got := cs.Regions("bar"); len(got) != 1 || got[0].Address != 0x20000 {
		t.Fatalf("got regions %+v", got)
	}
	if err := cs.HandleMMIO(nil, 0x10000, make([]byte, 4), false); err == nil {
		t.Fatalf("old window still decodes")
	}
	if err := cs.HandleMMIO(nil, 0x2fffc, make([]byte, 4), false); err != nil {
		t.Fatalf("new window: %v", err)
	}

	if err := cs.RelocateMmio("bar", 0, 0x38000); err == nil {
		t.Fatalf("overlapping relocation succeeded")
	}
	if err := cs.RelocateMmio("bar", 1, 0x80000); err == nil {
		t.Fatalf("relocating missing region succeeded")
	}
	if err := cs.RelocateMmio("missing", 0, 0x80000); err == nil {
		t.Fatalf("relocating unknown device succeeded")
	}
}

func TestPollAndReset(t *testing.T) {
	b := NewBuilder()
	polled := &testDevice{name: "polled", poll: true}
	quiet := &testDevice{name: "quiet"}
	for _, d := range []*testDevice{polled, quiet} {
		if err := b.RegisterDevice(d.name, d); err != nil {
			t.Fatal(err)
		}
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := cs.Poll(context.Background()); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	if polled.polls != 3 || quiet.polls != 0 {
		t.Fatalf("got polls %d/%d, want 3/0", polled.polls, quiet.polls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cs.Poll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}

	if err := cs.Reset(); err != nil {
		t.Fatal(err)
	}
	if polled.resets != 1 || quiet.resets != 1 {
		t.Fatalf("got resets %d/%d", polled.resets, quiet.resets)
	}
}

func TestMmioDeviceAdapter(t *testing.T) {
	var got uint64
	dev := hv.SimpleMMIODevice{
		ID:      "simple",
		Regions: []hv.MMIORegion{{Address: 0x9000, Size: 0x10}},
		WriteFunc: func(addr uint64, data []byte) error {
			got = addr
			return nil
		},
	}
	b := NewBuilder()
	if err := b.RegisterDevice("simple", MmioDevice(dev)); err != nil {
		t.Fatal(err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := cs.HandleMMIO(nil, 0x9008, []byte{1}, true); err != nil || got != 0x9008 {
		t.Fatalf("got %#x %v", got, err)
	}
	if err := cs.HandleMMIO(nil, 0x9008, []byte{1}, false); !errors.Is(err, hv.ErrAddressNotHandled) {
		t.Fatalf("got %v, want ErrAddressNotHandled from missing read handler", err)
	}
}

func TestLineSet(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)
	line := lines.AllocateLine(11)

	line.SetLevel(true)
	line.SetLevel(true)
	if len(sink.events) != 1 || !sink.events[0].level || sink.events[0].line != 11 {
		t.Fatalf("got events %+v, want one assertion", sink.events)
	}
	if !lines.Level(11) || lines.Asserts(11) != 1 {
		t.Fatalf("got level %v asserts %d", lines.Level(11), lines.Asserts(11))
	}

	lines.BroadcastEOI(11)
	if len(sink.events) != 2 || !sink.events[1].level {
		t.Fatalf("line held high was not re-delivered: %+v", sink.events)
	}
	if lines.Asserts(11) != 1 {
		t.Fatalf("EOI counted as a new assertion")
	}

	line.SetLevel(false)
	lines.BroadcastEOI(11)
	if len(sink.events) != 3 || sink.events[2].level {
		t.Fatalf("got events %+v", sink.events)
	}

	line.PulseInterrupt()
	if len(sink.events) != 5 || lines.Asserts(11) != 2 || lines.Level(11) {
		t.Fatalf("got events %+v asserts %d", sink.events, lines.Asserts(11))
	}
	if lines.Level(3) || lines.Asserts(3) != 0 {
		t.Fatalf("unallocated line reads high")
	}

	quiet := NewLineSet(nil)
	quiet.AllocateLine(1).SetLevel(true)
	if quiet.Asserts(1) != 1 {
		t.Fatalf("got %d asserts without a sink", quiet.Asserts(1))
	}
	LineInterruptFromFunc(nil).SetLevel(true)
	LineInterruptDetached().PulseInterrupt()
}
