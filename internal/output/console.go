// Package output renders lagwatch reports, stall events and stored history
// for a terminal.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/monitor"
	"github.com/wesleyorama2/lagwatch/internal/series"
	"github.com/wesleyorama2/lagwatch/internal/watchdog"
)

// DefaultMaxFrames is how many stack frames a stall or violation shows.
const DefaultMaxFrames = 8

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer     io.Writer
	NoColor    bool
	ForceColor bool
	MaxFrames  int
}

// Console writes human-readable output.
type Console struct {
	w         io.Writer
	scheme    *ColorScheme
	noColor   bool
	maxFrames int

	mu sync.Mutex
}

// NewConsole creates a console. Colors are used when forced, or when the
// writer is a terminal that supports them.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}

	useColors := !cfg.NoColor && (cfg.ForceColor || (IsTerminal(cfg.Writer) && supportsColors()))
	scheme := NoColorScheme()
	if useColors {
		scheme = ForcedColorScheme()
	}

	return &Console{
		w:         cfg.Writer,
		scheme:    scheme,
		noColor:   !useColors,
		maxFrames: cfg.MaxFrames,
	}
}

// PrintReport renders a full monitor report.
func (c *Console) PrintReport(r monitor.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rule()
	c.printf("%s  %s\n", c.scheme.Title.Sprint("lagwatch report"),
		c.scheme.Dim.Sprint(r.GeneratedAt.Format(time.RFC3339)))
	c.rule()

	c.loopSection(r)
	c.moduleSection(r)
	c.pingSection(r)
	if r.Watchdog != nil {
		c.watchdogSection(r)
	}
	if r.Guard != nil {
		c.guardSection(r)
	}
}

func (c *Console) loopSection(r monitor.Report) {
	c.heading("Loop")
	c.printf("  ticks %s   late %s   interval %s\n",
		c.scheme.Value.Sprint(formatNumber(int64(r.Ticks))),
		c.lateColor(r.Pacing.Late).Sprint(formatNumber(r.Pacing.Late)),
		formatDuration(r.Pacing.Interval))

	if r.TPSSummary.Count == 0 {
		c.printf("  tps   %s\n", c.scheme.Dim.Sprint("no samples yet"))
		return
	}
	last := r.TPS[len(r.TPS)-1].Value
	c.printf("  tps   %s  %s\n",
		c.scheme.Value.Sprintf("%.1f", last),
		c.scheme.Dim.Sprintf("(min %.1f avg %.1f max %.1f)", r.TPSSummary.Min, r.TPSSummary.Average, r.TPSSummary.Max))
	c.printf("        %s\n", c.scheme.Good.Sprint(sparkline(values(r.TPS))))
}

func (c *Console) lateColor(late int64) *color.Color {
	if late > 0 {
		return c.scheme.Warn
	}
	return c.scheme.Value
}

// moduleSection lists modules by total time spent, most expensive first.
func (c *Console) moduleSection(r monitor.Report) {
	c.heading("Modules")
	if len(r.Modules) == 0 {
		c.printf("  %s\n", c.scheme.Dim.Sprint("nothing instrumented"))
		return
	}

	names := make([]string, 0, len(r.Modules))
	for name := range r.Modules {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := r.Totals[names[i]], r.Totals[names[j]]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return names[i] < names[j]
	})

	c.printf("  %s\n", c.scheme.Dim.Sprintf("%-28s %9s %6s %6s %10s %10s %10s",
		"COMPONENT", "CALLS", "FAILS", "OFF", "TOTAL", "MAX", "P95"))
	for _, name := range names {
		c.statsRow(c.scheme.Module, name, r.Totals[name])
		for _, st := range r.Modules[name] {
			c.statsRow(c.scheme.Value, "  "+st.Kind.String()+" "+st.Name, st)
		}
	}
}

func (c *Console) statsRow(label *color.Color, name string, st instrument.ComponentStats) {
	fails := c.scheme.Value
	if st.Failures > 0 {
		fails = c.scheme.Bad
	}
	off := c.scheme.Value
	if st.OffPrimary > 0 {
		off = c.scheme.Warn
	}
	c.printf("  %s %9s %s %s %10s %10s %10s\n",
		label.Sprintf("%-28s", truncate(name, 28)),
		formatNumber(st.Count),
		fails.Sprintf("%6s", formatNumber(st.Failures)),
		off.Sprintf("%6s", formatNumber(st.OffPrimary)),
		formatDuration(st.Total),
		formatDuration(st.Max),
		formatDuration(st.P95))
}

func (c *Console) pingSection(r monitor.Report) {
	if len(r.Ping) == 0 {
		return
	}
	c.heading("Ping")
	ids := make([]string, 0, len(r.Ping))
	for id := range r.Ping {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := r.Ping[id]
		c.printf("  %-20s last %s  avg %s  %s\n", id,
			formatDuration(p.Last), formatDuration(p.Smoothed),
			c.scheme.Dim.Sprintf("(%d samples)", p.Samples))
	}
}

func (c *Console) watchdogSection(r monitor.Report) {
	c.heading("Watchdog")
	state := c.scheme.Good.Sprint(r.Watchdog.State.String())
	if r.Watchdog.State == watchdog.StateTripped {
		state = c.scheme.Bad.Sprint(r.Watchdog.State.String())
	}
	c.printf("  state %s   stalls %d   recoveries %d   last beat %s ago\n",
		state, r.Watchdog.Trips, r.Watchdog.Recoveries, formatDuration(r.Watchdog.SinceBeat))
	for _, ev := range r.Stalls {
		c.stall(ev)
	}
}

func (c *Console) guardSection(r monitor.Report) {
	c.heading("Guard")
	var parts []string
	for _, op := range guard.AllOps {
		if n := r.Guard.ByOp[op]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", op, n))
		}
	}
	c.printf("  violations %d   %s\n", r.Guard.Violations, strings.Join(parts, " "))
	for _, v := range r.Violations {
		c.violation(v)
	}
}

// PrintStall renders one stall event as it happens.
func (c *Console) PrintStall(ev watchdog.StallEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stall(ev)
}

func (c *Console) stall(ev watchdog.StallEvent) {
	state := ""
	if ev.State != "" {
		state = c.scheme.Dim.Sprintf(" [%s]", ev.State)
	}
	c.printf("  %s %s stalled %s at beat %d%s\n",
		StallIcon(c.noColor),
		ev.Timestamp.Format("15:04:05.000"),
		c.scheme.Bad.Sprint(formatDuration(ev.Elapsed)),
		ev.Beat, state)
	if ev.CaptureError != "" {
		c.printf("      %s\n", c.scheme.Warn.Sprint("no stack: "+ev.CaptureError))
		return
	}
	for i, f := range ev.Frames {
		if i == c.maxFrames {
			c.printf("      %s\n", c.scheme.Dim.Sprintf("... %d more", len(ev.Frames)-i))
			break
		}
		c.printf("      %s %s\n", f.Function, c.scheme.Dim.Sprintf("%s:%d", f.File, f.Line))
	}
}

// PrintViolation renders one guard violation as it happens.
func (c *Console) PrintViolation(v guard.Violation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.violation(v)
}

func (c *Console) violation(v guard.Violation) {
	c.printf("  %s %s %s %s\n",
		WarningIcon(c.noColor),
		v.Timestamp.Format("15:04:05.000"),
		c.scheme.Warn.Sprint(string(v.Op)),
		v.Target)
	if len(v.Frames) > 0 {
		f := v.Frames[0]
		c.printf("      %s %s\n", f.Function, c.scheme.Dim.Sprintf("%s:%d", f.File, f.Line))
	}
}

// PrintHistory renders a stored series.
func (c *Console) PrintHistory(name string, samples []series.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.heading(name)
	if len(samples) == 0 {
		c.printf("  %s\n", c.scheme.Dim.Sprint("no samples"))
		return
	}
	ping := strings.HasPrefix(name, "ping:")
	for _, s := range samples {
		v := fmt.Sprintf("%.2f", s.Value)
		if ping {
			v = formatDuration(time.Duration(s.Value))
		}
		c.printf("  %s  %s\n", c.scheme.Dim.Sprint(s.Timestamp.Format(time.RFC3339)), v)
	}
	c.printf("  %s\n", c.scheme.Good.Sprint(sparkline(values(samples))))
}

// PrintStoredStats renders a persisted component-stats snapshot.
func (c *Console) PrintStoredStats(at time.Time, stats []instrument.ComponentStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.heading("Components at " + at.Format(time.RFC3339))
	if len(stats) == 0 {
		c.printf("  %s\n", c.scheme.Dim.Sprint("no snapshot stored"))
		return
	}
	for _, st := range stats {
		c.statsRow(c.scheme.Module, st.Module+" "+st.Kind.String()+" "+st.Name, st)
	}
}

// PrintLine writes a single informational line.
func (c *Console) PrintLine(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("%s %s\n", OKIcon(c.noColor), fmt.Sprintf(format, args...))
}

// PrintReply renders the output of a host command run by sender.
func (c *Console) PrintReply(sender, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.printf("%s\n", c.scheme.Dim.Sprintf("[%s]", sender))
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		c.printf("  %s\n", line)
	}
}

// PrintCommandError reports a host command that failed.
func (c *Console) PrintCommandError(line string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("%s %s: %s\n", WarningIcon(c.noColor), c.scheme.Highlight.Sprint(line), err)
}

func (c *Console) heading(s string) {
	c.printf("\n%s\n", c.scheme.Heading.Sprint(s))
}

func (c *Console) rule() {
	c.printf("%s\n", c.scheme.Title.Sprint(strings.Repeat(ruleChar, ruleWidth)))
}

func (c *Console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.w, format, args...)
}

func values(samples []series.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
