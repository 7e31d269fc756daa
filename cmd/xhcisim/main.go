// Command xhcisim runs a USB scenario against the emulated xHCI controller.
// It boots a machine, brings the controller up through its registers the way
// a guest driver would, enumerates the scenario's topology and runs its
// transfers, printing an event trace and per-transfer results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/xhci/internal/devices/xhci"
	"github.com/tinyrange/xhci/internal/driver"
	"github.com/tinyrange/xhci/internal/machine"
	"github.com/tinyrange/xhci/internal/scenario"
	"github.com/tinyrange/xhci/internal/timeslice"
)

const (
	heapBase = 0x10_0000
	heapSize = 8 << 20

	pciCommand       = 0x04
	pciCommandMemory = 1 << 1
	pciCommandMaster = 1 << 2

	traceWidth = 100
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type traceRow struct {
	frame uint64
	ev    xhci.TRB
}

type printer struct {
	w     io.Writer
	color bool
}

func (p printer) style(s string, st ansi.Style) string {
	if !p.color {
		return s
	}
	return st.Styled(s)
}

func (p printer) line(s string) {
	if !p.color {
		s = ansi.Strip(s)
	}
	fmt.Fprintln(p.w, ansi.Truncate(s, traceWidth, "…"))
}

func (p printer) event(row traceRow) {
	ev := row.ev
	detail := ""
	switch ev.Type() {
	case xhci.TRBTransferEvent:
		detail = fmt.Sprintf("slot=%d ep=%d residue=%d", ev.SlotID(), ev.EndpointID(), ev.Residual())
	case xhci.TRBCommandCompletion:
		detail = fmt.Sprintf("slot=%d trb=%#x", ev.SlotID(), ev.Parameter)
	case xhci.TRBPortStatusChange:
		detail = fmt.Sprintf("port=%d", ev.Parameter>>24)
	}
	code := ev.CompletionCode().String()
	if ev.CompletionCode() == xhci.CompletionSuccess {
		code = p.style(code, ansi.Style{}.ForegroundColor(ansi.Green))
	} else {
		code = p.style(code, ansi.Style{}.ForegroundColor(ansi.Red))
	}
	p.line(fmt.Sprintf("%8d  %-22s %-20s %s", row.frame, ev.Type(), code, detail))
}

func (p printer) result(r scenario.Result) {
	status := p.style("ok", ansi.Style{}.ForegroundColor(ansi.Green))
	if r.Err != nil {
		status = p.style("FAIL", ansi.Style{}.Bold().ForegroundColor(ansi.Red))
	}
	name := r.Transfer.Name
	if name == "" {
		name = r.Transfer.Kind + " " + r.Transfer.Device
	}
	msg := fmt.Sprintf("%-4s %3d %-32s bytes=%-6d frames=%-6d", status, r.Index, name, r.Bytes, r.Frames)
	if r.Err != nil {
		msg += " " + r.Err.Error()
	} else if r.Bytes > 0 {
		msg += fmt.Sprintf(" %q", r.Data)
	}
	p.line(msg)
}

func newMachine(s *scenario.Scenario, topo *scenario.Topology) (*machine.Machine, error) {
	m, err := machine.New(s.Machine)
	if err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}
	if err := m.WriteConfig32(pciCommand, pciCommandMemory|pciCommandMaster); err != nil {
		m.Close()
		return nil, fmt.Errorf("enable controller: %w", err)
	}
	if err := topo.Attach(m); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	scenarioFile := fs.String("scenario", "", "Scenario YAML file to run")
	frames := fs.Int("frames", -1, "Idle frames to run after the transfers (overrides the scenario)")
	verbose := fs.Bool("v", false, "Enable debug logging")
	trace := fs.Bool("trace", true, "Print every event TRB")
	bench := fs.Int("bench", 0, "Run the scenario's transfers N more times after the first pass")
	snapshotFile := fs.String("snapshot", "", "Save a snapshot to this file after the first pass, restore it into a fresh machine and run the transfers again")
	timesliceFile := fs.String("timeslice-file", "", "Write timeslice data to file and print a summary")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -scenario file.yaml [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a USB scenario against the emulated xHCI controller.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *scenarioFile == "" {
		fs.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *timesliceFile != "" {
		f, err := os.Create(*timesliceFile)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		w, err := timeslice.StartRecording(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("open timeslice file: %w", err)
		}
		defer func() {
			w.Close()
			if err := printTimeslices(*timesliceFile); err != nil {
				slog.Warn("read timeslice file", "error", err)
			}
		}()
	}

	s, err := scenario.Load(*scenarioFile)
	if err != nil {
		return err
	}
	if *frames >= 0 {
		s.Frames = *frames
	}
	topo, err := s.Build()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out := printer{w: os.Stdout, color: term.IsTerminal(int(os.Stdout.Fd()))}
	var rows []traceRow

	m, err := newMachine(s, topo)
	if err != nil {
		return err
	}
	defer func() { m.Close() }()

	d, err := driver.New(m, m.Memory(), driver.Config{
		Base:          m.BAR0(),
		HeapBase:      heapBase,
		HeapSize:      heapSize,
		TimeoutFrames: s.Timeout.Frames(),
		OnEvent: func(frame uint64, ev xhci.TRB) {
			if *trace {
				rows = append(rows, traceRow{frame: frame, ev: ev})
			}
		},
	})
	if err != nil {
		return err
	}

	title := s.Name
	if title == "" {
		title = filepath.Base(*scenarioFile)
	}
	out.line(out.style(title, ansi.Style{}.Bold()))
	if s.Description != "" {
		out.line(strings.TrimSpace(s.Description))
	}

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	devices, err := d.EnumerateAll(ctx)
	if err != nil {
		// Devices that did enumerate are still usable.
		slog.Warn("enumeration incomplete", "error", err)
	}
	for slot := 1; slot <= d.MaxSlots(); slot++ {
		if dev := d.Devices()[uint8(slot)]; dev != nil {
			slog.Info("device", "slot", slot, "device", dev.String())
		}
	}

	var failures []error
	runOnce := func(report func(scenario.Result)) error {
		err := scenario.Run(ctx, d, topo, devices, s.Transfers, report)
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			failures = append(failures, err)
		}
		return nil
	}

	if err := runOnce(out.result); err != nil {
		return err
	}
	if err := d.RunFrames(ctx, s.Frames); err != nil {
		return err
	}

	if *snapshotFile != "" {
		if err := m.SaveSnapshot(*snapshotFile); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		restored, err := newMachine(s, topo)
		if err != nil {
			return err
		}
		if err := restored.LoadSnapshot(*snapshotFile); err != nil {
			restored.Close()
			return fmt.Errorf("load snapshot: %w", err)
		}
		m.Close()
		m = restored
		d.Rebind(m, m.Memory())
		slog.Info("restored snapshot", "file", *snapshotFile, "frame", m.Frame())
		if err := runOnce(out.result); err != nil {
			return err
		}
	}

	if *bench > 0 {
		// Events from the benchmark passes are not traced.
		tracing := *trace
		*trace = false
		start := d.Frames()
		pb := progressbar.Default(int64(*bench), "transfers")
		for i := 0; i < *bench; i++ {
			if err := runOnce(nil); err != nil {
				return err
			}
			pb.Add(1)
		}
		pb.Finish()
		*trace = tracing
		slog.Info("benchmark", "passes", *bench, "frames", d.Frames()-start)
	}

	if *trace && len(rows) > 0 {
		out.line(out.style(fmt.Sprintf("%8s  %-22s %-20s %s", "frame", "event", "code", "detail"), ansi.Style{}.Bold()))
		for _, row := range rows {
			out.event(row)
		}
	}

	if err := d.Stop(ctx); err != nil {
		slog.Warn("stop controller", "error", err)
	}
	return errors.Join(failures...)
}

func printTimeslices(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sums, err := timeslice.Summarize(f)
	if err != nil {
		return err
	}
	for _, s := range sums {
		fmt.Fprintf(os.Stderr, "% 24s flags=% 10s count=% 8d sum=% 14s max=% 14s avg=% 14s\n",
			s.Name, s.Flags, s.Count, s.Total, s.Max, s.Mean())
	}
	return nil
}
