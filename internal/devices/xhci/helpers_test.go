package xhci

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/tinyrange/xhci/internal/devices/usb"
)

// testMemory is flat guest RAM starting at address 0.
type testMemory struct {
	data  []byte
	dma   bool
	reads int
}

func newTestMemory(size int) *testMemory {
	return &testMemory{data: make([]byte, size), dma: true}
}

func (m *testMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.EOF
	}
	m.reads++
	return copy(p, m.data[off:]), nil
}

func (m *testMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.EOF
	}
	return copy(m.data[off:], p), nil
}

func (m *testMemory) Size() uint64     { return uint64(len(m.data)) }
func (m *testMemory) DMAEnabled() bool { return m.dma }

func (m *testMemory) writeUint32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.data[addr:], v)
}

func (m *testMemory) writeUint64(addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.data[addr:], v)
}

func (m *testMemory) readUint32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(m.data[addr:])
}

func (m *testMemory) readUint64(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(m.data[addr:])
}

func (m *testMemory) writeTRB(addr uint64, trb TRB) {
	b := trb.Bytes()
	copy(m.data[addr:], b[:])
}

func (m *testMemory) readTRB(addr uint64) TRB {
	return decodeTRB(m.data[addr : addr+TRBSize])
}

func (m *testMemory) writeContext(addr uint64, ctx [8]uint32) {
	for i, dw := range ctx {
		m.writeUint32(addr+uint64(i)*4, dw)
	}
}

func (m *testMemory) readContext(addr uint64) [8]uint32 {
	var ctx [8]uint32
	for i := range ctx {
		ctx[i] = m.readUint32(addr + uint64(i)*4)
	}
	return ctx
}

func makeTRB(typ TRBType, parameter uint64, status uint32, flags uint32) TRB {
	t := TRB{Parameter: parameter, Status: status, Control: flags}
	t.SetType(typ)
	return t
}

// fakeDevice scripts transaction results and counts calls.
type fakeDevice struct {
	speed usb.Speed

	setups      []usb.SetupPacket
	setupStatus usb.Status
	setupNaks   int
	// statusNaks NAKs the zero-length EP0 status handshake.
	statusNaks int

	// controlIn is returned for EP0 IN data stages.
	controlIn []byte
	// inData queues IN payloads per endpoint.
	inData map[uint8][][]byte
	outLog map[uint8][][]byte

	naks   map[uint8]int
	stalls map[uint8]bool

	inCalls  map[uint8]int
	outCalls map[uint8]int
	resets   int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		speed:    usb.SpeedHigh,
		inData:   make(map[uint8][][]byte),
		outLog:   make(map[uint8][][]byte),
		naks:     make(map[uint8]int),
		stalls:   make(map[uint8]bool),
		inCalls:  make(map[uint8]int),
		outCalls: make(map[uint8]int),
	}
}

func (d *fakeDevice) Speed() usb.Speed { return d.speed }

func (d *fakeDevice) HandleSetup(setup usb.SetupPacket) usb.Status {
	if d.setupNaks > 0 {
		d.setupNaks--
		return usb.StatusNak
	}
	d.setups = append(d.setups, setup)
	return d.setupStatus
}

func (d *fakeDevice) gate(endpoint uint8, length int) (usb.Status, bool) {
	if endpoint == 0 && length == 0 && d.statusNaks > 0 {
		d.statusNaks--
		return usb.StatusNak, true
	}
	if d.stalls[endpoint] {
		return usb.StatusStall, true
	}
	if d.naks[endpoint] > 0 {
		d.naks[endpoint]--
		return usb.StatusNak, true
	}
	return usb.StatusAck, false
}

func (d *fakeDevice) HandleIn(endpoint uint8, maxLen int) usb.InResult {
	d.inCalls[endpoint]++
	if st, stop := d.gate(endpoint, maxLen); stop {
		return usb.InResult{Status: st}
	}
	if endpoint == 0 {
		if maxLen == 0 {
			return usb.InData(nil)
		}
		n := min(maxLen, len(d.controlIn))
		return usb.InData(append([]byte(nil), d.controlIn[:n]...))
	}
	q := d.inData[endpoint]
	if len(q) == 0 {
		return usb.InNak()
	}
	d.inData[endpoint] = q[1:]
	return usb.InData(q[0])
}

func (d *fakeDevice) HandleOut(endpoint uint8, data []byte) usb.Status {
	d.outCalls[endpoint]++
	if st, stop := d.gate(endpoint, len(data)); stop {
		return st
	}
	d.outLog[endpoint] = append(d.outLog[endpoint], append([]byte(nil), data...))
	return usb.StatusAck
}

func (d *fakeDevice) Reset() { d.resets++ }

// Guest memory layout used by testRig.
const (
	rigMemSize   = 1 << 20
	rigDCBAA     = 0x1000
	rigERST      = 0x2000
	rigCmdRing   = 0x3000
	rigEventRing = 0x4000
	rigEventTRBs = 64
	rigHeap      = 0x10000
)

// testRig plays the guest driver against a controller.
type testRig struct {
	t   *testing.T
	c   *Controller
	mem *testMemory

	cmdEnq uint64

	evDeq   uint64
	evCycle bool

	heap uint64

	devices map[uint8]*slotLayout
}

type slotLayout struct {
	output uint64
	input  uint64
	rings  map[uint8]*testRing
}

type testRing struct {
	mem   *testMemory
	base  uint64
	enq   uint64
	cycle bool
}

func (r *testRing) push(trb TRB) uint64 {
	trb.SetCycle(r.cycle)
	addr := r.enq
	r.mem.writeTRB(addr, trb)
	r.enq += TRBSize
	return addr
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testRig{
		t:       t,
		c:       c,
		mem:     newTestMemory(rigMemSize),
		cmdEnq:  rigCmdRing,
		evDeq:   rigEventRing,
		evCycle: true,
		heap:    rigHeap,
		devices: make(map[uint8]*slotLayout),
	}
}

func (r *testRig) alloc(size uint64) uint64 {
	addr := r.heap
	r.heap += (size + 0x3f) &^ 0x3f
	return addr
}

func (r *testRig) write32(off uint64, v uint32) {
	r.t.Helper()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if err := r.c.WriteMMIO(off, b[:]); err != nil {
		r.t.Fatalf("WriteMMIO(%#x): %v", off, err)
	}
}

func (r *testRig) write64(off uint64, v uint64) {
	r.t.Helper()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	if err := r.c.WriteMMIO(off, b[:]); err != nil {
		r.t.Fatalf("WriteMMIO(%#x): %v", off, err)
	}
}

func (r *testRig) read32(off uint64) uint32 {
	r.t.Helper()
	var b [4]byte
	if err := r.c.ReadMMIO(off, b[:]); err != nil {
		r.t.Fatalf("ReadMMIO(%#x): %v", off, err)
	}
	return binary.LittleEndian.Uint32(b[:])
}

// start performs the driver's controller bring-up with a single-segment
// event ring of rigEventTRBs entries.
func (r *testRig) start() {
	r.write64(regDCBAAPLo, rigDCBAA)
	r.write32(regConfig, uint32(r.c.cfg.MaxSlots))
	r.write64(regCRCRLo, rigCmdRing|crcrRCS)
	r.mem.writeUint64(rigERST, rigEventRing)
	r.mem.writeUint32(rigERST+8, rigEventTRBs)
	r.write32(regERSTSZ, 1)
	r.write64(regERDPLo, rigEventRing)
	r.write64(regERSTBALo, rigERST)
	r.write32(regIMAN, imanIE)
	r.write32(regUSBCmd, cmdRun|cmdINTE)
}

func (r *testRig) step(n int) {
	for i := 0; i < n; i++ {
		r.c.Step(r.mem)
	}
}

// nextEvent consumes one event from the guest event ring.
func (r *testRig) nextEvent() (TRB, bool) {
	trb := r.mem.readTRB(r.evDeq)
	if trb.Cycle() != r.evCycle {
		return TRB{}, false
	}
	r.evDeq += TRBSize
	if r.evDeq == rigEventRing+rigEventTRBs*TRBSize {
		r.evDeq = rigEventRing
		r.evCycle = !r.evCycle
	}
	r.write64(regERDPLo, r.evDeq|erdpEHB)
	return trb, true
}

func (r *testRig) events() []TRB {
	var out []TRB
	for {
		trb, ok := r.nextEvent()
		if !ok {
			return out
		}
		out = append(out, trb)
	}
}

// command submits trb, rings doorbell 0 and returns the completion event.
func (r *testRig) command(trb TRB) TRB {
	r.t.Helper()
	trb.SetCycle(true)
	addr := r.cmdEnq
	r.mem.writeTRB(addr, trb)
	r.cmdEnq += TRBSize
	r.write32(doorbellBase, 0)
	for i := 0; i < 4; i++ {
		r.step(1)
		for _, ev := range r.events() {
			if ev.Type() == TRBCommandCompletion && ev.Parameter == addr {
				return ev
			}
		}
	}
	r.t.Fatalf("no completion for %v at %#x", trb.Type(), addr)
	return TRB{}
}

func (r *testRig) attach(portID uint8, dev usb.Device) {
	r.t.Helper()
	if err := r.c.AttachDevice(portID, dev); err != nil {
		r.t.Fatalf("AttachDevice: %v", err)
	}
}

// resetPort drives a root port reset to completion.
func (r *testRig) resetPort(portID uint8) {
	r.t.Helper()
	off := uint64(portRegBase + portRegStride*int(portID-1))
	r.write32(off, portPP|portPR)
	r.step(r.c.cfg.PortResetMillis + 1)
	r.write32(off, portPP|portChangeBits)
	r.events()
}

func (r *testRig) enableSlot() uint8 {
	r.t.Helper()
	ev := r.command(makeTRB(TRBEnableSlot, 0, 0, 0))
	if got := ev.CompletionCode(); got != CompletionSuccess {
		r.t.Fatalf("EnableSlot: got %v, want Success", got)
	}
	return ev.SlotID()
}

func (r *testRig) newRing() *testRing {
	base := r.alloc(64 * TRBSize)
	return &testRing{mem: r.mem, base: base, enq: base, cycle: true}
}

// prepareAddress lays out the output and input contexts for slot id and
// returns the Address Device command TRB.
func (r *testRig) prepareAddress(id, portID uint8, route uint32, bsr bool) TRB {
	layout := &slotLayout{
		output: r.alloc(32 * contextSize),
		input:  r.alloc(inputContextEntries * contextSize),
		rings:  make(map[uint8]*testRing),
	}
	r.devices[id] = layout
	r.mem.writeUint64(rigDCBAA+uint64(id)*8, layout.output)

	ep0 := r.newRing()
	layout.rings[1] = ep0

	r.mem.writeContext(layout.input, [8]uint32{0, addSlot | addEP0})
	var sc SlotContext
	sc.SetRoute(route)
	sc.SetRootHubPort(portID)
	sc.SetContextEntries(1)
	r.mem.writeContext(layout.input+contextSize, sc)
	var ep EndpointContext
	ep.SetType(EndpointTypeControl)
	ep.SetMaxPacketSize(64)
	ep.SetDequeue(ep0.base, true)
	r.mem.writeContext(layout.input+2*contextSize, ep)

	var flags uint32
	if bsr {
		flags = trbBSR
	}
	trb := makeTRB(TRBAddressDevice, layout.input, 0, flags)
	trb.SetSlotID(id)
	return trb
}

func (r *testRig) addressDevice(id, portID uint8, route uint32) {
	r.t.Helper()
	ev := r.command(r.prepareAddress(id, portID, route, false))
	if got := ev.CompletionCode(); got != CompletionSuccess {
		r.t.Fatalf("AddressDevice: got %v, want Success", got)
	}
}

// configureEndpoint adds one endpoint to slot id and returns its ring.
func (r *testRig) configureEndpoint(id, dci uint8, typ EndpointType, mps uint16) *testRing {
	r.t.Helper()
	layout := r.devices[id]
	ring := r.newRing()
	layout.rings[dci] = ring

	clear(r.mem.data[layout.input : layout.input+inputContextEntries*contextSize])
	r.mem.writeContext(layout.input, [8]uint32{0, addSlot | 1<<dci})
	var ep EndpointContext
	ep.SetType(typ)
	ep.SetMaxPacketSize(mps)
	ep.SetDequeue(ring.base, true)
	r.mem.writeContext(layout.input+uint64(dci+1)*contextSize, ep)

	trb := makeTRB(TRBConfigureEndpoint, layout.input, 0, 0)
	trb.SetSlotID(id)
	ev := r.command(trb)
	if got := ev.CompletionCode(); got != CompletionSuccess {
		r.t.Fatalf("ConfigureEndpoint: got %v, want Success", got)
	}
	return ring
}

func (r *testRig) ringDoorbell(id, dci uint8) {
	r.write32(doorbellBase+uint64(id)*4, uint32(dci))
}

// outputEndpoint reads endpoint dci of slot id from the guest Device Context.
func (r *testRig) outputEndpoint(id, dci uint8) EndpointContext {
	return EndpointContext(r.mem.readContext(r.devices[id].output + uint64(dci)*contextSize))
}

func (r *testRig) outputSlot(id uint8) SlotContext {
	return SlotContext(r.mem.readContext(r.devices[id].output))
}

// bringUp enables and addresses a device on port 1 and returns its slot.
func (r *testRig) bringUp(dev usb.Device) uint8 {
	r.t.Helper()
	r.attach(1, dev)
	r.start()
	r.step(1)
	r.events()
	r.resetPort(1)
	id := r.enableSlot()
	r.addressDevice(id, 1, 0)
	return id
}
