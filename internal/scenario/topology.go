package scenario

import (
	"fmt"

	"github.com/tinyrange/xhci/internal/devices/usb"
)

// Location is where a named device sits in the bus topology.
type Location struct {
	Port  uint8
	Route uint32
}

// Topology holds the device models built from a scenario. The same models
// can be attached to more than one machine, one at a time.
type Topology struct {
	Loopbacks map[string]*usb.Loopback
	Hubs      map[string]*usb.HubModel
	Locations map[string]Location
	roots     map[uint8]*usb.AttachedDevice
}

// Attacher is the machine side of Attach.
type Attacher interface {
	AttachDevice(port uint8, dev usb.Device) error
}

// Build creates the device models.
func (s *Scenario) Build() (*Topology, error) {
	t := &Topology{
		Loopbacks: make(map[string]*usb.Loopback),
		Hubs:      make(map[string]*usb.HubModel),
		Locations: make(map[string]Location),
		roots:     make(map[uint8]*usb.AttachedDevice),
	}
	for _, dev := range s.Devices {
		model, err := t.build(dev, Location{Port: dev.Port}, 0)
		if err != nil {
			return nil, err
		}
		t.roots[dev.Port] = usb.Attach(model)
	}
	return t, nil
}

func (t *Topology) build(dev Device, loc Location, depth int) (usb.Model, error) {
	t.Locations[dev.Name] = loc
	speed, _ := usb.ParseSpeed(dev.Speed)
	switch dev.Kind {
	case KindLoopback:
		lb := usb.NewLoopback(speed)
		t.Loopbacks[dev.Name] = lb
		return lb, nil
	case KindHub:
		hub, err := usb.NewHub(dev.Ports)
		if err != nil {
			return nil, err
		}
		t.Hubs[dev.Name] = hub
		for _, c := range dev.Children {
			child := Location{Port: loc.Port, Route: loc.Route | uint32(c.Port)<<(4*depth)}
			model, err := t.build(c, child, depth+1)
			if err != nil {
				return nil, err
			}
			if err := hub.Attach(c.Port, usb.Attach(model)); err != nil {
				return nil, fmt.Errorf("scenario: hub %q: %w", dev.Name, err)
			}
		}
		return hub, nil
	}
	return nil, fmt.Errorf("%w: device %q has unknown kind %q", ErrInvalid, dev.Name, dev.Kind)
}

// Attach connects every root device to m.
func (t *Topology) Attach(m Attacher) error {
	for port, dev := range t.roots {
		if err := m.AttachDevice(port, dev); err != nil {
			return fmt.Errorf("scenario: root port %d: %w", port, err)
		}
	}
	return nil
}
