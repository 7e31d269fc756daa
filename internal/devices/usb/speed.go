package usb

// Speed is a USB bus signalling rate.
type Speed uint8

const (
	SpeedFull Speed = iota
	SpeedLow
	SpeedHigh
	SpeedSuper
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	default:
		return "unknown"
	}
}

// PSIV returns the xHCI default Protocol Speed ID for the speed.
func (s Speed) PSIV() uint8 {
	switch s {
	case SpeedFull:
		return 1
	case SpeedLow:
		return 2
	case SpeedHigh:
		return 3
	case SpeedSuper:
		return 4
	default:
		return 0
	}
}

// DefaultMaxPacket0 returns the EP0 max packet size a device at this speed
// is guaranteed to accept before its descriptor is read.
func (s Speed) DefaultMaxPacket0() uint16 {
	switch s {
	case SpeedLow:
		return 8
	case SpeedFull, SpeedHigh:
		return 64
	case SpeedSuper:
		return 512
	default:
		return 8
	}
}

// ParseSpeed maps a configuration string to a Speed.
func ParseSpeed(name string) (Speed, bool) {
	switch name {
	case "low":
		return SpeedLow, true
	case "full", "":
		return SpeedFull, true
	case "high":
		return SpeedHigh, true
	case "super":
		return SpeedSuper, true
	default:
		return SpeedFull, false
	}
}
