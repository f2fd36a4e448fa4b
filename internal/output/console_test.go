package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/monitor"
	"github.com/wesleyorama2/lagwatch/internal/rate"
	"github.com/wesleyorama2/lagwatch/internal/series"
	"github.com/wesleyorama2/lagwatch/internal/telemetry"
	"github.com/wesleyorama2/lagwatch/internal/threads"
	"github.com/wesleyorama2/lagwatch/internal/watchdog"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{0, "0ms"},
		{500 * time.Microsecond, "500µs"},
		{50 * time.Millisecond, "50.0ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1.5m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		number   int64
		expected string
	}{
		{0, "0"},
		{100, "100"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-12345, "-12,345"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatNumber(tt.number))
		})
	}
}

func TestSparkline(t *testing.T) {
	assert.Equal(t, "", sparkline(nil))
	assert.Equal(t, "▁█", sparkline([]float64{1, 2}))
	assert.Equal(t, "▄▄▄", sparkline([]float64{5, 5, 5}))

	long := make([]float64, 100)
	for i := range long {
		long[i] = float64(i)
	}
	s := []rune(sparkline(long))
	assert.Len(t, s, sparkWidth)
	assert.Equal(t, '▁', s[0])
	assert.Equal(t, '█', s[len(s)-1])
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "green", stripANSI("\033[32mgreen\033[0m"))
	assert.Equal(t, "no colors here", stripANSI("no \033[31mcolors\033[0m here"))
}

func TestIsTerminal_Buffer(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}

func sampleReport() monitor.Report {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return monitor.Report{
		GeneratedAt: now,
		Ticks:       1200,
		Pacing:      rate.Stats{Interval: 50 * time.Millisecond, Late: 2},
		Modules: map[string][]instrument.ComponentStats{
			"cheap": {{Kind: instrument.KindTask, Module: "cheap", Name: "autosave", Count: 3, Total: time.Millisecond}},
			"slow":  {{Kind: instrument.KindHandler, Module: "slow", Name: "tick", Count: 1200, Failures: 1, Total: 2 * time.Second, Max: 300 * time.Millisecond}},
		},
		Totals: map[string]instrument.ComponentStats{
			"cheap": {Module: "cheap", Count: 3, Total: time.Millisecond},
			"slow":  {Module: "slow", Count: 1200, Failures: 1, Total: 2 * time.Second, Max: 300 * time.Millisecond},
		},
		TPS:        []series.Sample{{Timestamp: now, Value: 19}, {Timestamp: now, Value: 20}},
		TPSSummary: series.Aggregate{Count: 2, Min: 19, Max: 20, Average: 19.5},
		Ping:       map[string]telemetry.PingSample{"alice": {Last: 30 * time.Millisecond, Smoothed: 25 * time.Millisecond, Samples: 4}},
		Watchdog:   &watchdog.Stats{State: watchdog.StateArmed, Trips: 1, Recoveries: 1},
		Stalls: []watchdog.StallEvent{{
			Timestamp: now, Elapsed: 320 * time.Millisecond, Beat: 99, State: "sleep",
			Frames: []threads.Frame{{Function: "main.slowHandler", File: "main.go", Line: 42}},
		}},
		Guard: &guard.Stats{Violations: 1, ByOp: map[guard.Op]int64{guard.OpSleep: 1}},
		Violations: []guard.Violation{{
			Op: guard.OpSleep, Target: "10ms", Timestamp: now,
		}},
	}
}

func TestConsole_PrintReport(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})
	c.PrintReport(sampleReport())
	out := buf.String()

	assert.Equal(t, out, stripANSI(out), "no colors when writing to a buffer")
	for _, want := range []string{
		"lagwatch report",
		"ticks 1,200",
		"tps   20.0",
		"alice",
		"stalled 320.0ms at beat 99 [sleep]",
		"main.slowHandler main.go:42",
		"violations 1   sleep=1",
	} {
		assert.Contains(t, out, want)
	}

	slow := strings.Index(out, "slow ")
	cheap := strings.Index(out, "cheap ")
	require.True(t, slow > 0 && cheap > 0)
	assert.Less(t, slow, cheap, "most expensive module first")
}

func TestConsole_ForceColor(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, ForceColor: true})
	c.PrintReport(sampleReport())
	assert.NotEqual(t, buf.String(), stripANSI(buf.String()))
}

func TestConsole_PrintStallLimitsFrames(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, MaxFrames: 2})

	ev := watchdog.StallEvent{Elapsed: time.Second, Frames: make([]threads.Frame, 5)}
	c.PrintStall(ev)
	assert.Contains(t, buf.String(), "... 3 more")

	buf.Reset()
	c.PrintStall(watchdog.StallEvent{CaptureError: "primary goroutine unknown"})
	assert.Contains(t, buf.String(), "no stack: primary goroutine unknown")
}

func TestConsole_PrintReply(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, NoColor: true})

	c.PrintReply("console", "module  calls\nshop    12\n")
	assert.Equal(t, "[console]\n  module  calls\n  shop    12\n", buf.String())

	buf.Reset()
	c.PrintCommandError("timing nobody", errors.New("nobody: unknown module"))
	assert.Contains(t, buf.String(), "timing nobody: nobody: unknown module")
}

func TestConsole_PrintHistory(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	now := time.Now()
	c.PrintHistory("ping:alice", []series.Sample{{Timestamp: now, Value: float64(20 * time.Millisecond)}})
	assert.Contains(t, buf.String(), "20.0ms")

	buf.Reset()
	c.PrintHistory("tps", nil)
	assert.Contains(t, buf.String(), "no samples")
}
