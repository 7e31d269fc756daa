package xhci

import (
	"bytes"
	"testing"

	"github.com/tinyrange/xhci/internal/devices/usb"
)

func transferEvents(evs []TRB) []TRB {
	var out []TRB
	for _, ev := range evs {
		if ev.Type() == TRBTransferEvent {
			out = append(out, ev)
		}
	}
	return out
}

func TestInterruptInTransfer(t *testing.T) {
	dev := newFakeDevice()
	report := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	dev.inData[1] = [][]byte{report}

	r := newTestRig(t, Config{})
	id := r.bringUp(dev)
	ring := r.configureEndpoint(id, 3, EndpointTypeIntIn, 8)

	buf := r.alloc(8)
	addr := ring.push(makeTRB(TRBNormal, buf, 8, trbIOC))
	r.ringDoorbell(id, 3)
	if !r.c.EndpointQueued(id, 3) {
		t.Fatalf("doorbell did not queue the endpoint")
	}
	r.step(1)

	evs := transferEvents(r.events())
	if len(evs) != 1 {
		t.Fatalf("got %d transfer events, want 1", len(evs))
	}
	ev := evs[0]
	if ev.CompletionCode() != CompletionSuccess || ev.Residual() != 0 {
		t.Fatalf("got %v residue %d", ev.CompletionCode(), ev.Residual())
	}
	if ev.Parameter != addr || ev.SlotID() != id || ev.EndpointID() != 3 {
		t.Fatalf("got event %v", ev)
	}
	if got := r.mem.data[buf : buf+8]; !bytes.Equal(got, report) {
		t.Fatalf("got buffer %x, want %x", got, report)
	}
	if r.c.EndpointQueued(id, 3) {
		t.Fatalf("endpoint still queued after its only TRB completed")
	}
	if deq, _ := r.outputEndpoint(id, 3).Dequeue(); deq != ring.base+TRBSize {
		t.Fatalf("got context dequeue %#x, want %#x", deq, ring.base+TRBSize)
	}
}

func TestInterruptInNakKeepsEndpointQueued(t *testing.T) {
	dev := newFakeDevice()
	r := newTestRig(t, Config{})
	id := r.bringUp(dev)
	ring := r.configureEndpoint(id, 3, EndpointTypeIntIn, 8)
	buf := r.alloc(8)
	ring.push(makeTRB(TRBNormal, buf, 8, trbIOC))
	r.ringDoorbell(id, 3)

	for i := 0; i < 3; i++ {
		r.step(1)
		if evs := transferEvents(r.events()); len(evs) != 0 {
			t.Fatalf("frame %d: got %d events while the device NAKs", i, len(evs))
		}
		if !r.c.EndpointQueued(id, 3) {
			t.Fatalf("frame %d: NAKed endpoint left the queue", i)
		}
	}
	if dev.inCalls[1] != 3 {
		t.Fatalf("got %d IN transactions, want one per frame", dev.inCalls[1])
	}

	dev.inData[1] = [][]byte{{0xaa}}
	r.step(1)
	evs := transferEvents(r.events())
	if len(evs) != 1 || evs[0].CompletionCode() != CompletionShortPacket || evs[0].Residual() != 7 {
		t.Fatalf("got events %v, want one short packet with residue 7", evs)
	}
}

func TestBulkOutTransfer(t *testing.T) {
	dev := newFakeDevice()
	r := newTestRig(t, Config{})
	id := r.bringUp(dev)
	ring := r.configureEndpoint(id, 4, EndpointTypeBulkOut, 512)

	buf := r.alloc(4)
	copy(r.mem.data[buf:], "ping")
	ring.push(makeTRB(TRBNormal, buf, 4, trbChain))
	last := ring.push(makeTRB(TRBNormal, 0x636261, 3, trbIDT|trbIOC))
	r.ringDoorbell(id, 4)
	r.step(1)

	evs := transferEvents(r.events())
	if len(evs) != 1 || evs[0].Parameter != last || evs[0].CompletionCode() != CompletionSuccess {
		t.Fatalf("got events %v, want one Success for the last TRB", evs)
	}
	got := dev.outLog[2]
	if len(got) != 2 || string(got[0]) != "ping" || string(got[1]) != "abc" {
		t.Fatalf("got OUT payloads %q", got)
	}
}

func TestShortPacketInChainedTD(t *testing.T) {
	tests := []struct {
		name     string
		firstISP bool
		wantAt   int // index of the TRB carrying the short packet event
		residue  uint32
	}{
		{"reported at TD end", false, 1, 512},
		{"reported on short TRB", true, 0, 412},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			dev.inData[2] = [][]byte{make([]byte, 100), []byte("next")}

			r := newTestRig(t, Config{})
			id := r.bringUp(dev)
			ring := r.configureEndpoint(id, 5, EndpointTypeBulkIn, 512)

			flags := uint32(trbChain)
			if tt.firstISP {
				flags |= trbISP
			}
			addrs := []uint64{
				ring.push(makeTRB(TRBNormal, r.alloc(512), 512, flags)),
				ring.push(makeTRB(TRBNormal, r.alloc(512), 512, trbIOC)),
				ring.push(makeTRB(TRBNormal, r.alloc(4), 4, trbIOC)),
			}
			r.ringDoorbell(id, 5)
			r.step(1)

			evs := transferEvents(r.events())
			if len(evs) != 2 {
				t.Fatalf("got %d events, want 2: %v", len(evs), evs)
			}
			if evs[0].CompletionCode() != CompletionShortPacket || evs[0].Parameter != addrs[tt.wantAt] {
				t.Fatalf("got first event %v, want ShortPacket at TRB %d", evs[0], tt.wantAt)
			}
			if evs[0].Residual() != tt.residue {
				t.Fatalf("got residue %d, want %d", evs[0].Residual(), tt.residue)
			}
			if evs[1].CompletionCode() != CompletionSuccess || evs[1].Parameter != addrs[2] {
				t.Fatalf("got second event %v", evs[1])
			}
			if dev.inCalls[2] != 2 {
				t.Fatalf("got %d IN transactions, want 2 (the TD remainder is skipped)", dev.inCalls[2])
			}
		})
	}
}

func TestTransferStallHaltsEndpoint(t *testing.T) {
	dev := newFakeDevice()
	dev.stalls[1] = true
	r := newTestRig(t, Config{})
	id := r.bringUp(dev)
	ring := r.configureEndpoint(id, 3, EndpointTypeIntIn, 8)
	addr := ring.push(makeTRB(TRBNormal, r.alloc(8), 8, trbIOC))
	r.ringDoorbell(id, 3)
	r.step(1)

	evs := transferEvents(r.events())
	if len(evs) != 1 || evs[0].CompletionCode() != CompletionStallError || evs[0].Parameter != addr {
		t.Fatalf("got events %v, want one StallError", evs)
	}
	out := r.outputEndpoint(id, 3)
	if out.State() != EndpointHalted {
		t.Fatalf("got state %v, want halted", out.State())
	}
	if deq, _ := out.Dequeue(); deq != addr {
		t.Fatalf("got dequeue %#x, want the stalled TRB %#x", deq, addr)
	}

	r.ringDoorbell(id, 3)
	if r.c.EndpointQueued(id, 3) {
		t.Fatalf("doorbell queued a halted endpoint")
	}

	dev.stalls[1] = false
	dev.inData[1] = [][]byte{make([]byte, 8)}
	reset := makeTRB(TRBResetEndpoint, 0, 0, 0)
	reset.SetSlotID(id)
	reset.SetEndpointID(3)
	if got := r.command(reset).CompletionCode(); got != CompletionSuccess {
		t.Fatalf("ResetEndpoint: got %v", got)
	}
	r.ringDoorbell(id, 3)
	r.step(1)
	evs = transferEvents(r.events())
	if len(evs) != 1 || evs[0].CompletionCode() != CompletionSuccess || evs[0].Parameter != addr {
		t.Fatalf("after reset got %v", evs)
	}
}

func TestTransferTRBErrors(t *testing.T) {
	tests := []struct {
		name string
		trb  TRB
	}{
		{"immediate data on IN", makeTRB(TRBNormal, 0, 8, trbIDT|trbIOC)},
		{"buffer too large", makeTRB(TRBNormal, rigHeap, maxTRBBuffer+1, trbIOC)},
		{"setup on bulk ring", makeTRB(TRBSetupStage, 0, 8, trbIDT)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRig(t, Config{})
			id := r.bringUp(newFakeDevice())
			ring := r.configureEndpoint(id, 5, EndpointTypeBulkIn, 512)
			ring.push(tt.trb)
			r.ringDoorbell(id, 5)
			r.step(1)
			evs := transferEvents(r.events())
			if len(evs) != 1 || evs[0].CompletionCode() != CompletionTrbError {
				t.Fatalf("got %v, want one TrbError", evs)
			}
			if r.c.EndpointState(id, 5) != EndpointHalted {
				t.Fatalf("endpoint not halted")
			}
		})
	}
}

func TestTransferBudgetSpreadsAcrossFrames(t *testing.T) {
	dev := newFakeDevice()
	r := newTestRig(t, Config{Budgets: Budgets{TransferTRBs: 2}})
	id := r.bringUp(dev)
	ring := r.configureEndpoint(id, 3, EndpointTypeIntIn, 8)
	for i := 0; i < 5; i++ {
		dev.inData[1] = append(dev.inData[1], make([]byte, 8))
		ring.push(makeTRB(TRBNormal, r.alloc(8), 8, trbIOC))
	}
	r.ringDoorbell(id, 3)

	for i, want := range []int{2, 2, 1} {
		r.step(1)
		if got := len(transferEvents(r.events())); got != want {
			t.Fatalf("frame %d: got %d events, want %d", i, got, want)
		}
	}
	if r.c.EndpointQueued(id, 3) {
		t.Fatalf("drained endpoint still queued")
	}
}

func TestDetachUnbindsSlot(t *testing.T) {
	dev := newFakeDevice()
	r := newTestRig(t, Config{})
	id := r.bringUp(dev)
	ring := r.configureEndpoint(id, 3, EndpointTypeIntIn, 8)
	ring.push(makeTRB(TRBNormal, r.alloc(8), 8, trbIOC))

	if err := r.c.DetachDevice(1); err != nil {
		t.Fatalf("DetachDevice: %v", err)
	}
	r.ringDoorbell(id, 3)
	if r.c.EndpointQueued(id, 3) {
		t.Fatalf("doorbell queued an endpoint of a detached device")
	}
	r.step(1)
	if dev.inCalls[1] != 0 {
		t.Fatalf("detached device saw %d IN transactions", dev.inCalls[1])
	}
}

// controlTransfer queues a control TD on EP0 of slot id and returns the
// addresses of its setup, data (0 when absent) and status TRBs.
func (r *testRig) controlTransfer(id uint8, setup usb.SetupPacket, buf uint64, dataFlags, statusFlags uint32) (uint64, uint64, uint64) {
	ring := r.devices[id].rings[1]
	setupAddr := ring.push(makeTRB(TRBSetupStage, setup.Uint64(), 8, trbIDT))
	var dataAddr uint64
	if setup.Length > 0 {
		flags := dataFlags
		if setup.DeviceToHost() {
			flags |= trbDirIn
		}
		dataAddr = ring.push(makeTRB(TRBDataStage, buf, uint32(setup.Length), flags))
	}
	flags := statusFlags
	if setup.Length == 0 || !setup.DeviceToHost() {
		flags |= trbDirIn
	}
	statusAddr := ring.push(makeTRB(TRBStatusStage, 0, 0, flags))
	r.ringDoorbell(id, 1)
	return setupAddr, dataAddr, statusAddr
}

var getDeviceDescriptor = usb.SetupPacket{
	RequestType: usb.RequestDirectionIn,
	Request:     usb.RequestGetDescriptor,
	Value:       uint16(usb.DescriptorDevice) << 8,
	Length:      18,
}

func TestControlTransferIn(t *testing.T) {
	dev := newFakeDevice()
	dev.controlIn = bytes.Repeat([]byte{0x12}, 18)
	r := newTestRig(t, Config{})
	id := r.bringUp(dev)

	buf := r.alloc(18)
	_, _, status := r.controlTransfer(id, getDeviceDescriptor, buf, 0, trbIOC)
	r.step(1)

	evs := transferEvents(r.events())
	if len(evs) != 1 || evs[0].Parameter != status || evs[0].CompletionCode() != CompletionSuccess || evs[0].Residual() != 0 {
		t.Fatalf("got %v, want one Success at the status stage", evs)
	}
	if !bytes.Equal(r.mem.data[buf:buf+18], dev.controlIn) {
		t.Fatalf("descriptor not copied to guest buffer")
	}
	if deq, _ := r.outputEndpoint(id, 1).Dequeue(); deq != status+TRBSize {
		t.Fatalf("got EP0 dequeue %#x, want %#x", deq, status+TRBSize)
	}
}

func TestControlShortPacket(t *testing.T) {
	tests := []struct {
		name      string
		dataFlags uint32
		want      []CompletionCode
		residues  []uint32
	}{
		{"reported at status", 0, []CompletionCode{CompletionShortPacket}, []uint32{8}},
		{"reported at data", trbISP, []CompletionCode{CompletionShortPacket, CompletionSuccess}, []uint32{8, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			dev.controlIn = make([]byte, 10)
			r := newTestRig(t, Config{})
			id := r.bringUp(dev)

			_, data, status := r.controlTransfer(id, getDeviceDescriptor, r.alloc(18), tt.dataFlags, trbIOC)
			r.step(1)

			evs := transferEvents(r.events())
			if len(evs) != len(tt.want) {
				t.Fatalf("got %d events, want %d: %v", len(evs), len(tt.want), evs)
			}
			for i, ev := range evs {
				if ev.CompletionCode() != tt.want[i] || ev.Residual() != tt.residues[i] {
					t.Errorf("event %d: got %v residue %d, want %v residue %d",
						i, ev.CompletionCode(), ev.Residual(), tt.want[i], tt.residues[i])
				}
			}
			if evs[len(evs)-1].Parameter != status {
				t.Errorf("last event at %#x, want status stage %#x", evs[len(evs)-1].Parameter, status)
			}
			if len(evs) == 2 && evs[0].Parameter != data {
				t.Errorf("first event at %#x, want data stage %#x", evs[0].Parameter, data)
			}
		})
	}
}

func TestControlNakPinsTD(t *testing.T) {
	tests := []struct {
		name string
		nak  func(d *fakeDevice)
	}{
		{"setup", func(d *fakeDevice) { d.setupNaks = 2 }},
		{"data", func(d *fakeDevice) { d.naks[0] = 2 }},
		{"status", func(d *fakeDevice) { d.statusNaks = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			dev.controlIn = make([]byte, 18)
			r := newTestRig(t, Config{})
			id := r.bringUp(dev)
			setups, dataIns := len(dev.setups), dev.inCalls[0]
			tt.nak(dev)

			setup, _, status := r.controlTransfer(id, getDeviceDescriptor, r.alloc(18), 0, trbIOC)
			for i := 0; i < 2; i++ {
				r.step(1)
				if evs := transferEvents(r.events()); len(evs) != 0 {
					t.Fatalf("frame %d: got events %v during NAK", i, evs)
				}
				if !r.c.EndpointQueued(id, 1) {
					t.Fatalf("frame %d: NAKed EP0 left the queue", i)
				}
				if deq, _ := r.outputEndpoint(id, 1).Dequeue(); deq != setup {
					t.Fatalf("frame %d: dequeue moved to %#x, want %#x", i, deq, setup)
				}
			}
			r.step(1)
			evs := transferEvents(r.events())
			if len(evs) != 1 || evs[0].Parameter != status || evs[0].CompletionCode() != CompletionSuccess {
				t.Fatalf("got %v, want one Success at the status stage", evs)
			}
			if got := len(dev.setups) - setups; got != 1 {
				t.Fatalf("setup stage accepted %d times, want once", got)
			}
			// One data IN, plus the two NAKed attempts when the data stage is NAKed.
			wantIns := 1
			if tt.name == "data" {
				wantIns = 3
			}
			if got := dev.inCalls[0] - dataIns; got != wantIns {
				t.Fatalf("got %d data stage INs, want %d", got, wantIns)
			}
			if deq, _ := r.outputEndpoint(id, 1).Dequeue(); deq != status+TRBSize {
				t.Fatalf("got dequeue %#x after completion, want %#x", deq, status+TRBSize)
			}
		})
	}
}

func TestControlResidueFollowsDataTRBs(t *testing.T) {
	dev := newFakeDevice()
	dev.controlIn = make([]byte, 10)
	r := newTestRig(t, Config{})
	id := r.bringUp(dev)

	// The driver asks for 18 bytes in the setup packet but only posts a
	// 12-byte data buffer.
	ring := r.devices[id].rings[1]
	ring.push(makeTRB(TRBSetupStage, getDeviceDescriptor.Uint64(), 8, trbIDT))
	ring.push(makeTRB(TRBDataStage, r.alloc(18), 12, trbDirIn))
	status := ring.push(makeTRB(TRBStatusStage, 0, 0, trbIOC))
	r.ringDoorbell(id, 1)
	r.step(1)

	evs := transferEvents(r.events())
	if len(evs) != 1 || evs[0].Parameter != status {
		t.Fatalf("got %v, want one event at the status stage", evs)
	}
	if evs[0].CompletionCode() != CompletionShortPacket || evs[0].Residual() != 2 {
		t.Fatalf("got %v residue %d, want ShortPacket residue 2", evs[0].CompletionCode(), evs[0].Residual())
	}
}

func TestControlSetupStallHaltsEP0(t *testing.T) {
	dev := newFakeDevice()
	r := newTestRig(t, Config{})
	id := r.bringUp(dev)
	dev.setupStatus = usb.StatusStall

	setup, _, _ := r.controlTransfer(id, getDeviceDescriptor, r.alloc(18), 0, trbIOC)
	r.step(1)
	evs := transferEvents(r.events())
	if len(evs) != 1 || evs[0].CompletionCode() != CompletionStallError || evs[0].Parameter != setup {
		t.Fatalf("got %v, want StallError at the setup stage", evs)
	}
	ep0 := r.outputEndpoint(id, 1)
	if ep0.State() != EndpointHalted {
		t.Fatalf("got EP0 state %v", ep0.State())
	}
	if deq, _ := ep0.Dequeue(); deq != setup {
		t.Fatalf("got dequeue %#x, want %#x", deq, setup)
	}
}

func TestControlSetupRequiresImmediateData(t *testing.T) {
	r := newTestRig(t, Config{})
	id := r.bringUp(newFakeDevice())
	ring := r.devices[id].rings[1]
	addr := ring.push(makeTRB(TRBSetupStage, 0, 8, 0))
	r.ringDoorbell(id, 1)
	r.step(1)
	evs := transferEvents(r.events())
	if len(evs) != 1 || evs[0].CompletionCode() != CompletionTrbError || evs[0].Parameter != addr {
		t.Fatalf("got %v, want TrbError", evs)
	}
}
