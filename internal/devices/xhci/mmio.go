package xhci

import (
	"errors"
	"fmt"
	"log/slog"
)

var ErrInvalidAccess = errors.New("xhci: invalid MMIO access")

const (
	hcsParams2ERSTMax = 4 // 2^4 = maxERSTEntries
	hccParams1AC64    = 1 << 0
)

func checkAccess(offset uint64, size int) error {
	if size == 0 || size > 8 {
		return fmt.Errorf("%w: %d bytes at %#x", ErrInvalidAccess, size, offset)
	}
	if offset >= MMIOSize || offset+uint64(size) > MMIOSize {
		return fmt.Errorf("%w: %#x+%d outside register window", ErrInvalidAccess, offset, size)
	}
	return nil
}

// ReadMMIO reads len(data) bytes at offset within the register window.
// Accesses may be unaligned and may span registers.
func (c *Controller) ReadMMIO(offset uint64, data []byte) error {
	if err := checkAccess(offset, len(data)); err != nil {
		return err
	}
	for i := 0; i < len(data); {
		off := offset + uint64(i)
		base := off &^ 3
		v := c.readReg32(base)
		for b := off - base; b < 4 && i < len(data); b++ {
			data[i] = byte(v >> (8 * b))
			i++
		}
	}
	return nil
}

// WriteMMIO writes data at offset within the register window. Each 32-bit
// register touched sees one write carrying the mask of bytes written.
func (c *Controller) WriteMMIO(offset uint64, data []byte) error {
	if err := checkAccess(offset, len(data)); err != nil {
		return err
	}
	for i := 0; i < len(data); {
		off := offset + uint64(i)
		base := off &^ 3
		var value, mask uint32
		for b := off - base; b < 4 && i < len(data); b++ {
			value |= uint32(data[i]) << (8 * b)
			mask |= 0xff << (8 * b)
			i++
		}
		c.writeReg32(base, value, mask)
	}
	return nil
}

func merge(old, value, mask uint32) uint32 { return old&^mask | value&mask }

func (c *Controller) hcsParams1() uint32 {
	return uint32(c.cfg.MaxSlots) | 1<<8 | uint32(len(c.ports))<<24
}

func (c *Controller) usbStatus() uint32 {
	v := c.usbsts & stsW1C
	if c.Halted() {
		v |= stsHCH
	}
	if c.hce {
		v |= stsHCE
	}
	return v
}

func (c *Controller) portIndex(off uint64) (int, bool) {
	if off < portRegBase {
		return 0, false
	}
	rel := off - portRegBase
	idx := int(rel / portRegStride)
	if idx >= len(c.ports) || rel%portRegStride != 0 {
		return 0, false
	}
	return idx, true
}

func (c *Controller) readReg32(off uint64) uint32 {
	switch off {
	case regCapLength:
		return capLength | hciVersion<<16
	case regHCSParams1:
		return c.hcsParams1()
	case regHCSParams2:
		return hcsParams2ERSTMax << 4
	case regHCSParams3:
		return 0
	case regHCCParams1:
		return hccParams1AC64 | (extCapBase>>2)<<16
	case regDBOff:
		return doorbellBase
	case regRTSOff:
		return runtimeBase
	case regHCCParams2:
		return 0

	case regUSBCmd:
		return c.usbcmd
	case regUSBSts:
		return c.usbStatus()
	case regPageSize:
		return 1 // 4KiB
	case regDNCtrl:
		return c.dnctrl
	case regCRCRLo:
		if c.cmd.running {
			return crcrCRR
		}
		return 0
	case regCRCRHi:
		return 0
	case regDCBAAPLo:
		return uint32(c.dcbaap)
	case regDCBAAPHi:
		return uint32(c.dcbaap >> 32)
	case regConfig:
		return c.config

	case regMFIndex:
		return c.mfindex
	case regIMAN:
		return c.intr.iman
	case regIMOD:
		return c.intr.imod
	case regERSTSZ:
		return c.intr.ring.erstsz
	case regERSTBALo:
		return uint32(c.intr.ring.erstba)
	case regERSTBAHi:
		return uint32(c.intr.ring.erstba >> 32)
	case regERDPLo:
		return uint32(c.intr.ring.erdp)
	case regERDPHi:
		return uint32(c.intr.ring.erdp >> 32)

	case extCapBase:
		// Supported Protocol: USB 2.0, no next capability.
		return extCapSupportedProtocol | 0x02<<24
	case extCapBase + 4:
		return protocolNameUSB
	case extCapBase + 8:
		return 1 | uint32(len(c.ports))<<8
	case extCapBase + 12:
		return 0
	}

	if idx, ok := c.portIndex(off); ok {
		return c.ports[idx].read()
	}
	if off >= doorbellBase && off < doorbellBase+0x1000 {
		return 0
	}
	slog.Debug("xhci: unhandled register read", "offset", fmt.Sprintf("%#x", off))
	return 0
}

func (c *Controller) writeReg32(off uint64, value, mask uint32) {
	switch off {
	case regCapLength, regHCSParams1, regHCSParams2, regHCSParams3,
		regHCCParams1, regDBOff, regRTSOff, regHCCParams2, regPageSize, regMFIndex:
		return

	case regUSBCmd:
		v := merge(c.usbcmd, value, mask)
		if v&cmdHCRst != 0 {
			c.hostReset()
			return
		}
		if c.usbcmd&cmdRun != 0 && v&cmdRun == 0 {
			slog.Debug("xhci: controller stopped")
		}
		c.usbcmd = v & cmdWritable
		return
	case regUSBSts:
		c.usbsts &^= value & mask & stsW1C
		return
	case regDNCtrl:
		c.dnctrl = merge(c.dnctrl, value, mask) & 0xffff
		return
	case regCRCRLo:
		c.writeCRCRLo(value, mask)
		return
	case regCRCRHi:
		if !c.cmd.running {
			hi := merge(uint32(c.cmd.cursor.Dequeue>>32), value, mask)
			c.cmd.cursor.Dequeue = c.cmd.cursor.Dequeue&0xffffffff | uint64(hi)<<32
		}
		return
	case regDCBAAPLo:
		lo := merge(uint32(c.dcbaap), value, mask) &^ 0x3f
		c.dcbaap = c.dcbaap&^0xffffffff | uint64(lo)
		return
	case regDCBAAPHi:
		hi := merge(uint32(c.dcbaap>>32), value, mask)
		c.dcbaap = c.dcbaap&0xffffffff | uint64(hi)<<32
		return
	case regConfig:
		c.config = merge(c.config, value, mask) & 0x3ff
		return

	case regIMAN:
		if value&mask&imanIP != 0 {
			c.intr.iman &^= imanIP
		}
		c.intr.iman = c.intr.iman&^imanIE | merge(c.intr.iman, value, mask)&imanIE
		return
	case regIMOD:
		c.intr.imod = merge(c.intr.imod, value, mask)
		return
	case regERSTSZ:
		c.intr.ring.setERSTSZ(merge(c.intr.ring.erstsz, value, mask))
		return
	case regERSTBALo:
		r := &c.intr.ring
		lo := merge(uint32(r.erstba), value, mask)
		r.setERSTBA(r.erstba&^0xffffffff | uint64(lo))
		return
	case regERSTBAHi:
		r := &c.intr.ring
		hi := merge(uint32(r.erstba>>32), value, mask)
		r.setERSTBA(r.erstba&0xffffffff | uint64(hi)<<32)
		return
	case regERDPLo:
		r := &c.intr.ring
		lo := merge(uint32(r.erdp)&^erdpEHB, value, mask)
		r.setERDP(r.erdp&^0xffffffff | uint64(lo))
		return
	case regERDPHi:
		r := &c.intr.ring
		hi := merge(uint32(r.erdp>>32), value, mask)
		r.setERDP(uint64(hi)<<32 | r.erdp&0xffffffff&^uint64(erdpEHB))
		return
	}

	if idx, ok := c.portIndex(off); ok {
		p := c.ports[idx]
		if p.write(value, mask, c.cfg.PortResetMillis) {
			c.portChanged(p)
		}
		return
	}
	if off >= doorbellBase && off < doorbellBase+0x1000 {
		if mask&0xff == 0 {
			return
		}
		c.doorbell(int(off-doorbellBase)/4, value&mask)
		return
	}
	slog.Debug("xhci: unhandled register write", "offset", fmt.Sprintf("%#x", off), "value", fmt.Sprintf("%#x", value))
}

func (c *Controller) writeCRCRLo(value, mask uint32) {
	v := value & mask
	if c.cmd.running {
		if v&(crcrCS|crcrCA) != 0 {
			c.stopCommandRing()
		}
		return
	}
	old := uint32(c.cmd.cursor.Dequeue)
	if c.cmd.cursor.Cycle {
		old |= crcrRCS
	}
	lo := merge(old, value, mask)
	c.cmd.cursor = RingCursor{
		Dequeue: c.cmd.cursor.Dequeue&^0xffffffff | uint64(lo)&crcrPointerMask,
		Cycle:   lo&crcrRCS != 0,
	}
}
