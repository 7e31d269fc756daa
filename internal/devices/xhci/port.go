package xhci

import (
	"log/slog"

	"github.com/tinyrange/xhci/internal/devices/usb"
)

// port is one root-hub port. Every method that raises a change bit returns
// true so the controller can queue a Port Status Change Event.
type port struct {
	id     uint8
	device usb.Device

	enabled   bool
	resetting bool
	resetLeft int
	link      uint32
	change    uint32
}

func newPort(id uint8) *port {
	return &port{id: id, link: linkRxDetect}
}

func (p *port) connected() bool { return p.device != nil }

func (p *port) raise(bits uint32) bool {
	rising := bits &^ p.change
	p.change |= bits
	return rising != 0
}

func (p *port) attach(dev usb.Device) bool {
	p.device = dev
	p.enabled = false
	p.resetting = false
	p.link = linkPolling
	return p.raise(portCSC)
}

func (p *port) detach() bool {
	if p.device == nil {
		return false
	}
	p.device = nil
	p.enabled = false
	p.resetting = false
	p.resetLeft = 0
	p.link = linkRxDetect
	return p.raise(portCSC)
}

// read returns the PORTSC value.
func (p *port) read() uint32 {
	v := uint32(portPP) | p.change
	if p.connected() {
		v |= portCCS
		v |= uint32(p.device.Speed().PSIV()) << portSpeedSh
	}
	if p.enabled {
		v |= portPED
	}
	if p.resetting {
		v |= portPR
	}
	v |= p.link << portPLSShift
	return v
}

// write applies a guest PORTSC write. mask selects the bytes the access
// touched; bits outside it are treated as zero.
func (p *port) write(value, mask uint32, resetMillis int) bool {
	value &= mask
	p.change &^= value & portChangeBits

	raised := false
	if value&portPED != 0 && p.enabled {
		p.enabled = false
		p.link = linkDisabled
		if p.connected() {
			p.link = linkPolling
		}
	}
	if value&portPR != 0 && !p.resetting && p.connected() {
		slog.Debug("xhci: port reset", "port", p.id)
		p.resetting = true
		p.resetLeft = max(resetMillis, 1)
		p.enabled = false
	}
	if value&portLWS != 0 && p.enabled {
		target := (value & portPLSMask) >> portPLSShift
		switch {
		case target == linkU3 && p.link == linkU0:
			p.link = linkU3
		case (target == linkU0 || target == linkResume) && p.link == linkU3:
			p.link = linkU0
			raised = p.raise(portPLC) || raised
		}
	}
	return raised
}

// tick advances the port by one millisecond.
func (p *port) tick() bool {
	if t, ok := p.device.(usb.Ticker); ok {
		t.Tick1ms()
	}
	if !p.resetting {
		return false
	}
	p.resetLeft--
	if p.resetLeft > 0 {
		return false
	}
	p.resetting = false
	if !p.connected() {
		return false
	}
	p.device.Reset()
	p.enabled = true
	p.link = linkU0
	return p.raise(portPRC | portPEC)
}

// hostReset returns the port to its post-HCRST state. Attached devices stay
// attached and report a fresh connect change.
func (p *port) hostReset() bool {
	p.enabled = false
	p.resetting = false
	p.resetLeft = 0
	p.change = 0
	if !p.connected() {
		p.link = linkRxDetect
		return false
	}
	p.device.Reset()
	p.link = linkPolling
	return p.raise(portCSC)
}
