// Package scenario loads YAML descriptions of a USB topology and the
// transfers to run against it.
package scenario

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/xhci/internal/devices/usb"
	"github.com/tinyrange/xhci/internal/machine"
)

// Device kinds.
const (
	KindLoopback = "loopback"
	KindHub      = "hub"
)

// Transfer kinds.
const (
	TransferControlIn   = "control-in"
	TransferControlOut  = "control-out"
	TransferBulkOut     = "bulk-out"
	TransferBulkIn      = "bulk-in"
	TransferInterruptIn = "interrupt-in"
	TransferWait        = "wait"
)

// Expected failures.
const (
	ExpectStall   = "stall"
	ExpectTimeout = "timeout"
)

var ErrInvalid = errors.New("scenario: invalid")

// Scenario is a complete run description.
type Scenario struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Machine     machine.Config `yaml:"machine"`
	// PortReset overrides the controller's port reset duration.
	PortReset Duration `yaml:"port_reset"`
	// Timeout bounds every driver wait, at one frame per millisecond.
	Timeout Duration `yaml:"timeout"`
	// Frames is the number of idle frames run after the transfers.
	Frames    int        `yaml:"frames"`
	Devices   []Device   `yaml:"devices"`
	Transfers []Transfer `yaml:"transfers"`
}

// Device is a device model on a root port or hub port.
type Device struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Port     uint8    `yaml:"port"`
	Speed    string   `yaml:"speed"`
	Ports    int      `yaml:"ports"`
	Children []Device `yaml:"children"`
}

// Transfer is one driver operation against a named device.
type Transfer struct {
	Name   string `yaml:"name"`
	Device string `yaml:"device"`
	Kind   string `yaml:"kind"`

	// Endpoint is the endpoint number for bulk and interrupt transfers.
	// Loopback endpoints are used when it is zero.
	Endpoint uint8 `yaml:"endpoint"`

	// Control transfers.
	RequestType uint8  `yaml:"request_type"`
	Request     uint8  `yaml:"request"`
	Value       uint16 `yaml:"value"`
	Index       uint16 `yaml:"index"`

	Length int    `yaml:"length"`
	Data   string `yaml:"data"`
	Hex    string `yaml:"hex"`

	// Report is a hex-encoded report queued on a loopback's interrupt
	// endpoint before the transfer runs.
	Report string `yaml:"report"`
	// Naks makes the device NAK the next transactions on the endpoint.
	Naks int `yaml:"naks"`
	// Halt stalls the endpoint on the device.
	Halt bool `yaml:"halt"`

	Expect      string   `yaml:"expect"`
	ExpectError string   `yaml:"expect_error"`
	Delay       Duration `yaml:"delay"`
}

// Payload returns the OUT data of the transfer.
func (t Transfer) Payload() ([]byte, error) {
	if t.Hex != "" {
		b, err := hex.DecodeString(t.Hex)
		if err != nil {
			return nil, fmt.Errorf("scenario: transfer %q: %w", t.label(), err)
		}
		return b, nil
	}
	return []byte(t.Data), nil
}

func (t Transfer) label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Kind + " " + t.Device
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Frames converts the duration to 1ms frames, rounding up.
func (d Duration) Frames() int {
	return int((time.Duration(d) + time.Millisecond - 1) / time.Millisecond)
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario. Machine fields left zero take
// the machine defaults.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}
	def := machine.DefaultConfig()
	if s.Machine.Controller.Ports == 0 {
		s.Machine.Controller.Ports = def.Controller.Ports
	}
	if s.Machine.Controller.MaxSlots == 0 {
		s.Machine.Controller.MaxSlots = def.Controller.MaxSlots
	}
	if s.PortReset != 0 {
		s.Machine.Controller.PortResetMillis = s.PortReset.Frames()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the topology and that every transfer names a device.
func (s *Scenario) Validate() error {
	names := make(map[string]Device)
	roots := make(map[uint8]bool)
	for _, dev := range s.Devices {
		if dev.Port == 0 || int(dev.Port) > s.Machine.Controller.Ports {
			return fmt.Errorf("%w: device %q on root port %d of %d", ErrInvalid, dev.Name, dev.Port, s.Machine.Controller.Ports)
		}
		if roots[dev.Port] {
			return fmt.Errorf("%w: root port %d used twice", ErrInvalid, dev.Port)
		}
		roots[dev.Port] = true
		if err := validateDevice(dev, 1, names); err != nil {
			return err
		}
	}
	for i, t := range s.Transfers {
		switch t.Kind {
		case TransferWait:
			continue
		case TransferControlIn, TransferControlOut, TransferBulkOut, TransferBulkIn, TransferInterruptIn:
		default:
			return fmt.Errorf("%w: transfer %d has unknown kind %q", ErrInvalid, i, t.Kind)
		}
		dev, ok := names[t.Device]
		if !ok {
			return fmt.Errorf("%w: transfer %d names unknown device %q", ErrInvalid, i, t.Device)
		}
		if (t.Report != "" || t.Naks > 0 || t.Halt) && dev.Kind != KindLoopback {
			return fmt.Errorf("%w: transfer %d scripts a %s", ErrInvalid, i, dev.Kind)
		}
		switch t.ExpectError {
		case "", ExpectStall, ExpectTimeout:
		default:
			return fmt.Errorf("%w: transfer %d expects unknown error %q", ErrInvalid, i, t.ExpectError)
		}
		if _, err := t.Payload(); err != nil {
			return err
		}
	}
	return nil
}

func validateDevice(dev Device, depth int, names map[string]Device) error {
	if dev.Name == "" {
		return fmt.Errorf("%w: device on port %d has no name", ErrInvalid, dev.Port)
	}
	if _, dup := names[dev.Name]; dup {
		return fmt.Errorf("%w: device name %q used twice", ErrInvalid, dev.Name)
	}
	names[dev.Name] = dev
	if depth > 6 {
		return fmt.Errorf("%w: device %q is more than five hubs deep", ErrInvalid, dev.Name)
	}
	if _, ok := usb.ParseSpeed(dev.Speed); !ok {
		return fmt.Errorf("%w: device %q has unknown speed %q", ErrInvalid, dev.Name, dev.Speed)
	}
	switch dev.Kind {
	case KindLoopback:
		if len(dev.Children) > 0 {
			return fmt.Errorf("%w: loopback %q has children", ErrInvalid, dev.Name)
		}
	case KindHub:
		if dev.Ports < 1 || dev.Ports > 15 {
			return fmt.Errorf("%w: hub %q has %d ports", ErrInvalid, dev.Name, dev.Ports)
		}
		used := make(map[uint8]bool)
		for _, c := range dev.Children {
			if c.Port == 0 || int(c.Port) > dev.Ports || used[c.Port] {
				return fmt.Errorf("%w: hub %q port %d", ErrInvalid, dev.Name, c.Port)
			}
			used[c.Port] = true
			if err := validateDevice(c, depth+1, names); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: device %q has unknown kind %q", ErrInvalid, dev.Name, dev.Kind)
	}
	return nil
}
