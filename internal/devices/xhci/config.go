package xhci

import "fmt"

// Default sizing and per-frame budgets.
const (
	DefaultPorts           = 4
	DefaultMaxSlots        = 32
	DefaultPortResetMillis = 50
	MaxPendingEvents       = 1024

	MaxCommandTrbsPerFrame   = 256
	MaxDoorbellsPerFrame     = 64
	MaxTransferTrbsPerFrame  = 256
	MaxEventTrbsPerFrame     = 64
	MaxRingWalkStepsPerFrame = 1024

	maxPorts = 64
)

// Budgets caps the work performed in one 1ms frame.
type Budgets struct {
	CommandTRBs   int `yaml:"command_trbs"`
	Doorbells     int `yaml:"doorbells"`
	TransferTRBs  int `yaml:"transfer_trbs"`
	EventTRBs     int `yaml:"event_trbs"`
	RingWalkSteps int `yaml:"ring_walk_steps"`
}

// Config sizes a Controller. Zero fields take their defaults.
type Config struct {
	Ports           int     `yaml:"ports"`
	MaxSlots        int     `yaml:"max_slots"`
	PortResetMillis int     `yaml:"port_reset_ms"`
	PendingEvents   int     `yaml:"pending_events"`
	Budgets         Budgets `yaml:"budgets"`
}

func DefaultConfig() Config {
	return Config{
		Ports:           DefaultPorts,
		MaxSlots:        DefaultMaxSlots,
		PortResetMillis: DefaultPortResetMillis,
		PendingEvents:   MaxPendingEvents,
		Budgets: Budgets{
			CommandTRBs:   MaxCommandTrbsPerFrame,
			Doorbells:     MaxDoorbellsPerFrame,
			TransferTRBs:  MaxTransferTrbsPerFrame,
			EventTRBs:     MaxEventTrbsPerFrame,
			RingWalkSteps: MaxRingWalkStepsPerFrame,
		},
	}
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func (c Config) normalize() (Config, error) {
	d := DefaultConfig()
	c.Ports = orDefault(c.Ports, d.Ports)
	c.MaxSlots = orDefault(c.MaxSlots, d.MaxSlots)
	c.PortResetMillis = orDefault(c.PortResetMillis, d.PortResetMillis)
	c.PendingEvents = orDefault(c.PendingEvents, d.PendingEvents)
	c.Budgets.CommandTRBs = orDefault(c.Budgets.CommandTRBs, d.Budgets.CommandTRBs)
	c.Budgets.Doorbells = orDefault(c.Budgets.Doorbells, d.Budgets.Doorbells)
	c.Budgets.TransferTRBs = orDefault(c.Budgets.TransferTRBs, d.Budgets.TransferTRBs)
	c.Budgets.EventTRBs = orDefault(c.Budgets.EventTRBs, d.Budgets.EventTRBs)
	c.Budgets.RingWalkSteps = orDefault(c.Budgets.RingWalkSteps, d.Budgets.RingWalkSteps)

	switch {
	case c.Ports < 1 || c.Ports > maxPorts:
		return c, fmt.Errorf("xhci: port count %d out of range 1..%d", c.Ports, maxPorts)
	case c.MaxSlots < 1 || c.MaxSlots > 255:
		return c, fmt.Errorf("xhci: slot count %d out of range 1..255", c.MaxSlots)
	case c.PortResetMillis < 1:
		return c, fmt.Errorf("xhci: port reset duration must be positive")
	case c.PendingEvents < 1:
		return c, fmt.Errorf("xhci: pending event capacity must be positive")
	}
	b := c.Budgets
	if b.CommandTRBs < 0 || b.Doorbells < 0 || b.TransferTRBs < 0 || b.EventTRBs < 0 || b.RingWalkSteps < 0 {
		return c, fmt.Errorf("xhci: budgets must not be negative")
	}
	return c, nil
}
