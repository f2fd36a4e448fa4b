package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/lagwatch/internal/host"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/threads"
)

// CommandModule owns the diagnostic commands registered on the host.
const CommandModule = "lagwatch"

const defaultTPSHistory = 20

var (
	ErrUnknownModule = errors.New("unknown module")
	ErrUnknownEntity = errors.New("unknown entity")
	ErrNotRunning    = errors.New("primary loop is not running")
)

// diagnostics is the host module carrying the monitor's commands. Its
// commands are instrumented like any other module's.
type diagnostics struct {
	m *Monitor
}

func (diagnostics) Name() string { return CommandModule }

func (d diagnostics) Enable(h *host.Host) error {
	commands := []struct {
		name string
		run  instrument.Command
	}{
		{"timing", d.m.timingCommand},
		{"ping", d.m.pingCommand},
		{"tpshistory", d.m.tpsHistoryCommand},
		{"stacktrace", d.m.stacktraceCommand},
		{"threads", d.m.threadsCommand},
		{"tasks", d.m.tasksCommand},
	}
	for _, c := range commands {
		if _, err := h.Commands.Register(CommandModule, c.name, c.run); err != nil {
			return err
		}
	}
	return nil
}

// timingCommand: timing [module]
func (m *Monitor) timingCommand(ctx context.Context, sender string, args []string) error {
	var b strings.Builder

	if len(args) > 0 {
		module := args[0]
		stats := m.Registry.StatsFor(module)
		if stats == nil {
			return fmt.Errorf("%s: %w", module, ErrUnknownModule)
		}
		fmt.Fprintf(&b, "%s\n%-8s %-20s %8s %10s %10s %10s %10s\n", module, "kind", "name", "calls", "total", "avg", "max", "p95")
		for _, st := range stats {
			fmt.Fprintf(&b, "%-8s %-20s %8d %10s %10s %10s %10s",
				st.Kind, st.Name, st.Count, short(st.Total), short(st.Average), short(st.Max), short(st.P95))
			if st.OffPrimary > 0 {
				fmt.Fprintf(&b, "  %d off the loop", st.OffPrimary)
			}
			b.WriteByte('\n')
		}
		m.host.Commands.Reply(sender, b.String())
		return nil
	}

	var totals []instrument.ComponentStats
	for _, stats := range m.Registry.Stats() {
		totals = append(totals, instrument.ModuleTotal(stats))
	}
	if len(totals) == 0 {
		m.host.Commands.Reply(sender, "no instrumented modules")
		return nil
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Total != totals[j].Total {
			return totals[i].Total > totals[j].Total
		}
		return totals[i].Module < totals[j].Module
	})

	fmt.Fprintf(&b, "%-20s %8s %10s %10s %10s\n", "module", "calls", "total", "avg", "max")
	for _, t := range totals {
		fmt.Fprintf(&b, "%-20s %8d %10s %10s %10s\n",
			t.Module, t.Count, short(t.Total), short(t.Average), short(t.Max))
	}
	m.host.Commands.Reply(sender, b.String())
	return nil
}

// pingCommand: ping [entity]
func (m *Monitor) pingCommand(ctx context.Context, sender string, args []string) error {
	var b strings.Builder

	if len(args) > 0 {
		id := args[0]
		if !m.Ping.Tracked(id) {
			return fmt.Errorf("%s: %w", id, ErrUnknownEntity)
		}
		history := m.Ping.History(id)
		if len(history) == 0 {
			m.host.Commands.Reply(sender, id+": no measurement yet")
			return nil
		}
		fmt.Fprintf(&b, "%s:", id)
		for _, s := range history {
			fmt.Fprintf(&b, " %s", short(time.Duration(s.Value)))
		}
		m.host.Commands.Reply(sender, b.String())
		return nil
	}

	ids := m.Ping.Entities()
	if len(ids) == 0 {
		m.host.Commands.Reply(sender, "nobody is connected")
		return nil
	}
	for _, id := range ids {
		p, ok := m.Ping.Sample(id)
		if !ok {
			fmt.Fprintf(&b, "%-20s no measurement yet\n", id)
			continue
		}
		fmt.Fprintf(&b, "%-20s last %s, smoothed %s\n", id, short(p.Last), short(p.Smoothed))
	}
	m.host.Commands.Reply(sender, b.String())
	return nil
}

// tpsHistoryCommand: tpshistory [samples]
func (m *Monitor) tpsHistoryCommand(ctx context.Context, sender string, args []string) error {
	n := defaultTPSHistory
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("tpshistory: invalid sample count %q", args[0])
		}
		n = v
	}

	samples := m.TPS.Series().Snapshot()
	if len(samples) == 0 {
		m.host.Commands.Reply(sender, "no tick-rate samples yet")
		return nil
	}
	agg := m.TPS.Series().Aggregate()
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "tps now %.1f, avg %.1f, min %.1f, max %.1f over %d samples\n",
		samples[len(samples)-1].Value, agg.Average, agg.Min, agg.Max, agg.Count)
	for i, s := range samples {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%.1f", s.Value)
	}
	m.host.Commands.Reply(sender, b.String())
	return nil
}

// stacktraceCommand: stacktrace [goroutine]. Without an argument it dumps
// the primary loop.
func (m *Monitor) stacktraceCommand(ctx context.Context, sender string, args []string) error {
	var id uint64
	if len(args) > 0 {
		v, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("stacktrace: invalid goroutine id %q", args[0])
		}
		id = v
	} else {
		primary, ok := m.loop.Primary()
		if !ok {
			return ErrNotRunning
		}
		id = primary.Goroutine
	}

	stack, err := threads.StackOf(id)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "goroutine %d [%s]", stack.ID, stack.State)
	if primary, ok := m.loop.Primary(); ok && primary.Goroutine == stack.ID {
		fmt.Fprintf(&b, " primary loop, %s", primary)
	}
	b.WriteByte('\n')
	for _, f := range stack.Frames {
		fmt.Fprintf(&b, "  %s\n      %s:%d\n", f.Function, f.File, f.Line)
	}
	m.host.Commands.Reply(sender, b.String())
	return nil
}

// threadsCommand lists every goroutine with its state and innermost frame.
func (m *Monitor) threadsCommand(ctx context.Context, sender string, args []string) error {
	primary, _ := m.loop.Primary()

	var b strings.Builder
	stacks := threads.All()
	fmt.Fprintf(&b, "%d goroutines\n", len(stacks))
	for _, st := range stacks {
		mark := " "
		if st.ID == primary.Goroutine {
			mark = "*"
		}
		top := ""
		if len(st.Frames) > 0 {
			top = st.Frames[0].Function
		}
		fmt.Fprintf(&b, "%s %6d %-24s %s\n", mark, st.ID, "["+st.State+"]", top)
	}
	m.host.Commands.Reply(sender, b.String())
	return nil
}

// tasksCommand lists scheduled tasks.
func (m *Monitor) tasksCommand(ctx context.Context, sender string, args []string) error {
	tasks := m.host.Scheduler.Tasks()
	if len(tasks) == 0 {
		m.host.Commands.Reply(sender, "no scheduled tasks")
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%4s %-16s %-16s %8s %-6s %s\n", "id", "module", "task", "every", "mode", "state")
	for _, t := range tasks {
		mode := "sync"
		if t.Async {
			mode = "async"
		}
		state := "idle"
		if t.Running {
			state = "running"
		}
		fmt.Fprintf(&b, "%4d %-16s %-16s %8d %-6s %s\n", t.ID, t.Module, t.Name, t.Period, mode, state)
	}
	m.host.Commands.Reply(sender, b.String())
	return nil
}

func short(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond).String()
	default:
		return d.Round(time.Microsecond).String()
	}
}
