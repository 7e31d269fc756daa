package xhci

import (
	"errors"
	"slices"
	"testing"
)

func TestParseRoute(t *testing.T) {
	tests := []struct {
		route   uint32
		want    []uint8
		wantErr bool
	}{
		{0, nil, false},
		{0x3, []uint8{3}, false},
		{0x21, []uint8{1, 2}, false},
		{0xfffff, []uint8{15, 15, 15, 15, 15}, false},
		{0x20, nil, true},    // tier 1 empty
		{0x10203, nil, true}, // tier 2 empty
		{1 << 20, nil, true},
	}
	for _, tt := range tests {
		got, err := parseRoute(tt.route)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidRoute) {
				t.Errorf("parseRoute(%#x): got %v, want ErrInvalidRoute", tt.route, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseRoute(%#x): %v", tt.route, err)
			continue
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("parseRoute(%#x): got %v, want %v", tt.route, got, tt.want)
		}
		back, err := encodeRoute(got)
		if err != nil || back != tt.route {
			t.Errorf("encodeRoute(%v): got %#x %v, want %#x", got, back, err, tt.route)
		}
	}
	if _, err := encodeRoute([]uint8{1, 16}); !errors.Is(err, ErrInvalidRoute) {
		t.Errorf("encodeRoute with port 16: got %v", err)
	}
}

func TestSlotContextFields(t *testing.T) {
	var s SlotContext
	s.SetRoute(0x321)
	s.SetSpeed(3)
	s.SetContextEntries(5)
	s.SetRootHubPort(2)
	s.SetDeviceAddress(7)
	s.SetState(SlotConfigured)

	if s.Route() != 0x321 || s.Speed() != 3 || s.ContextEntries() != 5 {
		t.Fatalf("got route=%#x speed=%d entries=%d", s.Route(), s.Speed(), s.ContextEntries())
	}
	if s.RootHubPort() != 2 || s.DeviceAddress() != 7 || s.State() != SlotConfigured {
		t.Fatalf("got port=%d addr=%d state=%v", s.RootHubPort(), s.DeviceAddress(), s.State())
	}
}

func TestSlotContextMergeKeepsControllerFields(t *testing.T) {
	var s SlotContext
	s.SetRoute(0x1)
	s.SetSpeed(3)
	s.SetContextEntries(3)
	s.SetRootHubPort(1)
	s.SetDeviceAddress(4)
	s.SetState(SlotConfigured)

	var in SlotContext
	for i := range in {
		in[i] = 0xffffffff
	}
	in.SetRootHubPort(9)
	s.mergeGuestFields(in)

	if s.Route() != 0x1 || s.Speed() != 3 || s.ContextEntries() != 3 {
		t.Errorf("controller fields changed: route=%#x speed=%d entries=%d", s.Route(), s.Speed(), s.ContextEntries())
	}
	if s.RootHubPort() != 1 || s.DeviceAddress() != 4 || s.State() != SlotConfigured {
		t.Errorf("controller fields changed: port=%d addr=%d state=%v", s.RootHubPort(), s.DeviceAddress(), s.State())
	}
	if s.MaxExitLatency() != 0xffff || s.InterrupterTarget() != 0x3ff {
		t.Errorf("guest fields not merged: mel=%#x intr=%#x", s.MaxExitLatency(), s.InterrupterTarget())
	}
}

func TestEndpointContextDequeue(t *testing.T) {
	var e EndpointContext
	e.SetDequeue(0x12345670, true)
	e.SetState(EndpointRunning)
	e.SetType(EndpointTypeBulkIn)
	e.SetMaxPacketSize(512)

	ptr, cycle := e.Dequeue()
	if ptr != 0x12345670 || !cycle {
		t.Fatalf("got %#x cycle=%v", ptr, cycle)
	}
	if e.State() != EndpointRunning || e.Type() != EndpointTypeBulkIn || e.MaxPacketSize() != 512 {
		t.Fatalf("got state=%v type=%v mps=%d", e.State(), e.Type(), e.MaxPacketSize())
	}
}

func TestEndpointTypeClassification(t *testing.T) {
	tests := []struct {
		typ                    EndpointType
		in, isoch, bulk, intrp bool
	}{
		{EndpointTypeIsochOut, false, true, false, false},
		{EndpointTypeBulkOut, false, false, true, false},
		{EndpointTypeIntOut, false, false, false, true},
		{EndpointTypeControl, false, false, false, false},
		{EndpointTypeIsochIn, true, true, false, false},
		{EndpointTypeBulkIn, true, false, true, false},
		{EndpointTypeIntIn, true, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			if tt.typ.In() != tt.in || tt.typ.Isoch() != tt.isoch || tt.typ.Bulk() != tt.bulk || tt.typ.Interrupt() != tt.intrp {
				t.Errorf("got in=%v isoch=%v bulk=%v interrupt=%v", tt.typ.In(), tt.typ.Isoch(), tt.typ.Bulk(), tt.typ.Interrupt())
			}
		})
	}
}

func TestReadContextChecks(t *testing.T) {
	mem := newTestMemory(0x1000)

	if _, err := readContext(mem, 0x108); !errors.Is(err, ErrContextMisaligned) {
		t.Errorf("misaligned: got %v", err)
	}
	if _, err := readContext(mem, 0xff0); !errors.Is(err, ErrContextOutOfRange) {
		t.Errorf("out of range: got %v", err)
	}
	if err := writeContext(mem, 0xfe0, [8]uint32{1}); err != nil {
		t.Errorf("last context: %v", err)
	}
	got, err := readContext(mem, 0xfe0)
	if err != nil || got[0] != 1 {
		t.Errorf("got %v %v", got, err)
	}
}

func TestInputContextLayout(t *testing.T) {
	mem := newTestMemory(0x4000)
	const base = 0x1000
	mem.writeContext(base, [8]uint32{0x4, 0x3})
	mem.writeContext(base+contextSize, [8]uint32{0: 0x1})
	mem.writeContext(base+3*contextSize, [8]uint32{1: uint32(EndpointTypeBulkOut) << 3})

	ic := inputContext{base: base}
	ctl, err := ic.control(mem)
	if err != nil || !ctl.Drops(2) || !ctl.Adds(0) || !ctl.Adds(1) || ctl.Adds(2) {
		t.Fatalf("got control %+v %v", ctl, err)
	}
	sc, _ := ic.slot(mem)
	if sc.Route() != 1 {
		t.Errorf("got route %#x", sc.Route())
	}
	ep, _ := ic.endpoint(mem, 2)
	if ep.Type() != EndpointTypeBulkOut {
		t.Errorf("got type %v", ep.Type())
	}
	if !validInputPointer(mem, base, inputContextEntries-1) {
		t.Errorf("valid pointer rejected")
	}
	if validInputPointer(mem, 0x3f00, inputContextEntries-1) {
		t.Errorf("truncated input context accepted")
	}
}
