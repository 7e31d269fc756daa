package scenario

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tinyrange/xhci/internal/devices/usb"
	"github.com/tinyrange/xhci/internal/driver"
)

// ErrMismatch is returned when a transfer completes with unexpected data or
// an unexpected outcome.
var ErrMismatch = errors.New("scenario: unexpected result")

// Result is the outcome of one scenario transfer.
type Result struct {
	Index    int
	Transfer Transfer
	Data     []byte
	Bytes    int
	Frames   uint64
	// Err is the transfer error, or nil when the transfer met its
	// expectation.
	Err error
}

// Index maps topology locations to enumerated devices.
func Index(devices []*driver.Device) map[Location]*driver.Device {
	out := make(map[Location]*driver.Device)
	var walk func(*driver.Device)
	walk = func(dev *driver.Device) {
		out[Location{Port: dev.Port, Route: dev.Route}] = dev
		for _, c := range dev.Children {
			walk(c)
		}
	}
	for _, dev := range devices {
		walk(dev)
	}
	return out
}

// Run executes the transfers in order. report, if set, sees every result.
// The returned error joins the failures.
func Run(ctx context.Context, d *driver.Driver, topo *Topology, devices []*driver.Device, transfers []Transfer, report func(Result)) error {
	index := Index(devices)
	var errs []error
	for i, t := range transfers {
		start := d.Frames()
		res := Result{Index: i, Transfer: t}
		if err := d.RunFrames(ctx, t.Delay.Frames()); err != nil {
			return err
		}
		if t.Kind != TransferWait {
			res.Data, res.Err = runTransfer(ctx, d, topo, index, t)
			res.Bytes = len(res.Data)
		}
		if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
			return res.Err
		}
		res.Frames = d.Frames() - start
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("transfer %d (%s): %w", i, t.label(), res.Err))
		}
		if report != nil {
			report(res)
		}
	}
	return errors.Join(errs...)
}

func defaultEndpoint(kind string) uint8 {
	switch kind {
	case TransferBulkOut:
		return usb.LoopbackBulkOut
	case TransferBulkIn:
		return usb.LoopbackBulkIn
	case TransferInterruptIn:
		return usb.LoopbackInterruptIn
	}
	return 0
}

func runTransfer(ctx context.Context, d *driver.Driver, topo *Topology, index map[Location]*driver.Device, t Transfer) ([]byte, error) {
	dev := index[topo.Locations[t.Device]]
	if dev == nil {
		return nil, fmt.Errorf("device %q was not enumerated", t.Device)
	}
	ep := t.Endpoint
	if ep == 0 {
		ep = defaultEndpoint(t.Kind)
	}
	if lb := topo.Loopbacks[t.Device]; lb != nil {
		if t.Report != "" {
			report, err := hex.DecodeString(t.Report)
			if err != nil {
				return nil, fmt.Errorf("report: %w", err)
			}
			lb.QueueInterrupt(report)
		}
		if t.Naks > 0 {
			lb.NakNext(ep, t.Naks)
		}
		if t.Halt {
			lb.Halt(ep)
		}
	}
	payload, err := t.Payload()
	if err != nil {
		return nil, err
	}

	var data []byte
	switch t.Kind {
	case TransferControlIn:
		buf := make([]byte, t.Length)
		var n int
		n, err = d.Control(ctx, dev, usb.SetupPacket{
			RequestType: t.RequestType | usb.RequestDirectionIn,
			Request:     t.Request,
			Value:       t.Value,
			Index:       t.Index,
			Length:      uint16(t.Length),
		}, buf)
		data = buf[:n]
	case TransferControlOut:
		_, err = d.Control(ctx, dev, usb.SetupPacket{
			RequestType: t.RequestType &^ usb.RequestDirectionIn,
			Request:     t.Request,
			Value:       t.Value,
			Index:       t.Index,
			Length:      uint16(len(payload)),
		}, payload)
	case TransferBulkOut:
		err = d.BulkOut(ctx, dev, ep, payload)
	case TransferBulkIn:
		data, err = d.BulkIn(ctx, dev, ep, t.Length)
	case TransferInterruptIn:
		data, err = d.InterruptIn(ctx, dev, ep, t.Length)
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrInvalid, t.Kind)
	}
	return data, check(t, data, err)
}

func check(t Transfer, data []byte, err error) error {
	switch t.ExpectError {
	case ExpectStall:
		if errors.Is(err, driver.ErrStall) {
			return nil
		}
		return fmt.Errorf("%w: got %v, want a stall", ErrMismatch, err)
	case ExpectTimeout:
		if errors.Is(err, driver.ErrTimeout) {
			return nil
		}
		return fmt.Errorf("%w: got %v, want a timeout", ErrMismatch, err)
	}
	if err != nil {
		return err
	}
	if t.Expect != "" && string(data) != t.Expect {
		return fmt.Errorf("%w: got %q, want %q", ErrMismatch, data, t.Expect)
	}
	return nil
}
