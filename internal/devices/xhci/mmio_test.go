package xhci

import (
	"bytes"
	"errors"
	"testing"
)

func TestCapabilityRegisters(t *testing.T) {
	r := newTestRig(t, Config{Ports: 2, MaxSlots: 8})
	tests := []struct {
		name string
		off  uint64
		want uint32
	}{
		{"CAPLENGTH/HCIVERSION", regCapLength, 0x40 | 0x0100<<16},
		{"HCSPARAMS1", regHCSParams1, 8 | 1<<8 | 2<<24},
		{"HCSPARAMS2", regHCSParams2, 4 << 4},
		{"HCCPARAMS1", regHCCParams1, 1 | (0x4000>>2)<<16},
		{"DBOFF", regDBOff, 0x3000},
		{"RTSOFF", regRTSOff, 0x2000},
		{"PAGESIZE", regPageSize, 1},
		{"supported protocol", extCapBase, 2 | 0x02<<24},
		{"protocol name", extCapBase + 4, 0x20425355},
		{"protocol ports", extCapBase + 8, 1 | 2<<8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.read32(tt.off); got != tt.want {
				t.Fatalf("got %#x, want %#x", got, tt.want)
			}
		})
	}

	r.write32(regHCSParams1, 0)
	if got := r.read32(regHCSParams1); got != 8|1<<8|2<<24 {
		t.Fatalf("capability write took effect: %#x", got)
	}
}

func TestSubDwordReads(t *testing.T) {
	r := newTestRig(t, Config{})
	read := func(off uint64, n int) []byte {
		t.Helper()
		b := make([]byte, n)
		if err := r.c.ReadMMIO(off, b); err != nil {
			t.Fatalf("ReadMMIO(%#x, %d): %v", off, n, err)
		}
		return b
	}
	if got := read(0, 1); got[0] != 0x40 {
		t.Errorf("CAPLENGTH byte: got %#x", got[0])
	}
	if got := read(2, 2); !bytes.Equal(got, []byte{0x00, 0x01}) {
		t.Errorf("HCIVERSION: got %x", got)
	}
	// Spans the top of DBOFF and the bottom of RTSOFF.
	if got := read(regDBOff+2, 4); !bytes.Equal(got, []byte{0, 0, 0x00, 0x20}) {
		t.Errorf("spanning read: got %x", got)
	}
	if got := read(regRTSOff, 8); !bytes.Equal(got, []byte{0x00, 0x20, 0, 0, 0, 0, 0, 0}) {
		t.Errorf("qword read: got %x", got)
	}
}

func TestInvalidAccess(t *testing.T) {
	r := newTestRig(t, Config{})
	tests := []struct {
		name string
		off  uint64
		size int
	}{
		{"empty", 0, 0},
		{"too wide", 0, 16},
		{"outside window", MMIOSize, 4},
		{"straddles end", MMIOSize - 2, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := make([]byte, tt.size)
			if err := r.c.ReadMMIO(tt.off, b); !errors.Is(err, ErrInvalidAccess) {
				t.Errorf("read: got %v", err)
			}
			if err := r.c.WriteMMIO(tt.off, b); !errors.Is(err, ErrInvalidAccess) {
				t.Errorf("write: got %v", err)
			}
		})
	}
}

func TestByteWritesMerge(t *testing.T) {
	r := newTestRig(t, Config{})
	for i, b := range []byte{0x7f, 0x12, 0x34, 0x56} {
		if err := r.c.WriteMMIO(regDCBAAPLo+uint64(i), []byte{b}); err != nil {
			t.Fatalf("WriteMMIO: %v", err)
		}
	}
	if got := r.read32(regDCBAAPLo); got != 0x56341240 {
		t.Fatalf("got DCBAAP %#x, want low bits masked", got)
	}
}

func TestUSBStatus(t *testing.T) {
	r := newTestRig(t, Config{})
	if r.read32(regUSBSts)&stsHCH == 0 {
		t.Fatalf("HCH clear before RUN")
	}
	r.start()
	if r.read32(regUSBSts)&stsHCH != 0 {
		t.Fatalf("HCH set while running")
	}

	r.attach(1, newFakeDevice())
	if r.read32(regUSBSts)&stsPCD == 0 {
		t.Fatalf("PCD not set on connect")
	}
	r.write32(regUSBSts, stsPCD)
	if r.read32(regUSBSts)&stsPCD != 0 {
		t.Fatalf("PCD not cleared by writing 1")
	}

	r.step(1)
	if r.read32(regUSBSts)&stsEINT == 0 {
		t.Fatalf("EINT not set after event delivery")
	}
	r.write32(regUSBSts, stsHCH|stsEINT)
	st := r.read32(regUSBSts)
	if st&stsEINT != 0 || st&stsHCH != 0 {
		t.Fatalf("got USBSTS %#x after clearing EINT", st)
	}

	r.write32(regUSBCmd, 0)
	if r.read32(regUSBSts)&stsHCH == 0 {
		t.Fatalf("HCH clear after RUN cleared")
	}
}

func TestInterruptLine(t *testing.T) {
	r := newTestRig(t, Config{})
	r.start()
	r.attach(1, newFakeDevice())
	if r.c.IRQLevel() {
		t.Fatalf("IRQ asserted before delivery")
	}
	r.step(1)
	if !r.c.IRQLevel() {
		t.Fatalf("IRQ not asserted after delivery")
	}
	r.write32(regUSBCmd, cmdRun)
	if r.c.IRQLevel() {
		t.Fatalf("IRQ asserted with INTE clear")
	}
	r.write32(regUSBCmd, cmdRun|cmdINTE)
	r.write32(regIMAN, imanIE|imanIP)
	if r.c.IRQLevel() {
		t.Fatalf("IRQ still asserted after IP cleared")
	}
	if r.read32(regIMAN) != imanIE {
		t.Fatalf("got IMAN %#x", r.read32(regIMAN))
	}
}

func TestMFIndexAdvancesWhileRunning(t *testing.T) {
	r := newTestRig(t, Config{})
	r.step(3)
	if got := r.read32(regMFIndex); got != 0 {
		t.Fatalf("MFINDEX advanced while halted: %d", got)
	}
	r.start()
	r.step(3)
	if got := r.read32(regMFIndex); got != 24 {
		t.Fatalf("got MFINDEX %d, want 24", got)
	}
	r.step(2048)
	if got := r.read32(regMFIndex); got != 24 {
		t.Fatalf("MFINDEX did not wrap at 14 bits: %d", got)
	}
}

func TestDoorbellNeedsLowByte(t *testing.T) {
	r := newTestRig(t, Config{})
	r.start()
	if err := r.c.WriteMMIO(doorbellBase+1, []byte{0}); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	if r.read32(regCRCRLo)&crcrCRR != 0 {
		t.Fatalf("doorbell write without byte 0 started the command ring")
	}
	r.write32(doorbellBase, 1)
	if r.read32(regCRCRLo)&crcrCRR != 0 {
		t.Fatalf("non-zero target on doorbell 0 started the command ring")
	}
}

func TestCRCRPointerLatchedOnlyWhileStopped(t *testing.T) {
	r := newTestRig(t, Config{})
	r.start()
	r.command(makeTRB(TRBNoOpCommand, 0, 0, 0))

	r.write64(regCRCRLo, 0x8000|crcrRCS)
	if got := r.read32(regCRCRLo); got != crcrCRR {
		t.Fatalf("got CRCR %#x, want only CRR", got)
	}
	// The ring continues where it was.
	if got := r.command(makeTRB(TRBNoOpCommand, 0, 0, 0)).CompletionCode(); got != CompletionSuccess {
		t.Fatalf("got %v", got)
	}
}

func TestHostControllerReset(t *testing.T) {
	r := newTestRig(t, Config{})
	r.start()
	r.attach(1, newFakeDevice())
	// Point the event ring segment table outside guest memory.
	r.write64(regERSTBALo, rigMemSize)
	r.step(1)
	if !r.c.HostControllerError() || r.read32(regUSBSts)&(stsHCE|stsHCH) != stsHCE|stsHCH {
		t.Fatalf("invalid event ring did not latch HCE: USBSTS=%#x", r.read32(regUSBSts))
	}

	r.write32(doorbellBase, 0)
	if r.read32(regCRCRLo)&crcrCRR != 0 {
		t.Fatalf("doorbell accepted after HCE")
	}

	r.write32(regUSBCmd, cmdHCRst)
	if r.c.HostControllerError() {
		t.Fatalf("HCE survived HCRST")
	}
	if r.read32(regUSBCmd) != 0 || r.read32(regConfig) != 0 || r.read32(regDCBAAPLo) != 0 {
		t.Fatalf("operational registers not reset")
	}
	if r.read32(regUSBSts)&stsHCH == 0 {
		t.Fatalf("HCH clear after HCRST")
	}
	portsc := r.read32(portRegBase)
	if portsc&portCCS == 0 || portsc&portCSC == 0 {
		t.Fatalf("got PORTSC %#x, want connected with CSC", portsc)
	}

	// The controller is usable again.
	r.evDeq, r.evCycle, r.cmdEnq = rigEventRing, true, rigCmdRing
	clear(r.mem.data[rigEventRing : rigEventRing+rigEventTRBs*TRBSize])
	r.start()
	if got := r.command(makeTRB(TRBNoOpCommand, 0, 0, 0)).CompletionCode(); got != CompletionSuccess {
		t.Fatalf("after reset got %v", got)
	}
}

func TestDMAGateFreezesRings(t *testing.T) {
	r := newTestRig(t, Config{})
	r.start()
	r.attach(1, newFakeDevice())
	r.mem.dma = false

	addr := r.cmdEnq
	trb := makeTRB(TRBNoOpCommand, 0, 0, trbCycle)
	r.mem.writeTRB(addr, trb)
	r.cmdEnq += TRBSize
	r.write32(doorbellBase, 0)

	r.write32(portRegBase, portPP|portPR)
	reads := r.mem.reads
	r.step(r.c.cfg.PortResetMillis + 1)
	if r.mem.reads != reads {
		t.Fatalf("controller read guest memory with DMA disabled")
	}
	if r.read32(portRegBase)&portPED == 0 {
		t.Fatalf("port reset did not complete with DMA disabled")
	}
	if _, ok := r.nextEvent(); ok {
		t.Fatalf("event written with DMA disabled")
	}

	r.mem.dma = true
	r.step(1)
	var done bool
	for _, ev := range r.events() {
		if ev.Type() == TRBCommandCompletion && ev.Parameter == addr {
			done = true
		}
	}
	if !done {
		t.Fatalf("command not processed after DMA re-enabled")
	}
}
