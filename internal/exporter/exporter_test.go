package exporter

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/telemetry"
	"github.com/wesleyorama2/lagwatch/internal/watchdog"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Components: map[string][]instrument.ComponentStats{
			"shop": {{
				Kind: instrument.KindHandler, Module: "shop", Name: "join",
				Count: 4, Failures: 1, Total: 2 * time.Second, Max: time.Second, P95: 500 * time.Millisecond,
			}},
		},
		TPS:      19.5,
		HasTPS:   true,
		Ping:     map[string]telemetry.PingSample{"alice": {Smoothed: 40 * time.Millisecond}},
		Watchdog: &watchdog.Stats{State: watchdog.StateTripped, Trips: 3, Recoveries: 2, SinceBeat: 2 * time.Second},
		Guard:    &guard.Stats{Violations: 2, ByOp: map[guard.Op]int64{guard.OpSleep: 2}},
	}
}

func TestCollector_Metrics(t *testing.T) {
	c := NewCollector(SourceFunc(sampleSnapshot))

	expected := `
# HELP lagwatch_component_invocations_total Calls made through an instrumented component.
# TYPE lagwatch_component_invocations_total counter
lagwatch_component_invocations_total{kind="handler",module="shop",name="join"} 4
# HELP lagwatch_component_duration_seconds_total Cumulative time spent in a component.
# TYPE lagwatch_component_duration_seconds_total counter
lagwatch_component_duration_seconds_total{kind="handler",module="shop",name="join"} 2
# HELP lagwatch_ticks_per_second Most recent realized tick rate of the primary loop.
# TYPE lagwatch_ticks_per_second gauge
lagwatch_ticks_per_second 19.5
# HELP lagwatch_ping_seconds Smoothed round-trip time per connection.
# TYPE lagwatch_ping_seconds gauge
lagwatch_ping_seconds{entity="alice"} 0.04
# HELP lagwatch_watchdog_stalls_total Stall episodes detected on the primary loop.
# TYPE lagwatch_watchdog_stalls_total counter
lagwatch_watchdog_stalls_total 3
# HELP lagwatch_watchdog_tripped 1 while the primary loop is stalled.
# TYPE lagwatch_watchdog_tripped gauge
lagwatch_watchdog_tripped 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"lagwatch_component_invocations_total",
		"lagwatch_component_duration_seconds_total",
		"lagwatch_ticks_per_second",
		"lagwatch_ping_seconds",
		"lagwatch_watchdog_stalls_total",
		"lagwatch_watchdog_tripped",
	)
	require.NoError(t, err)

	// 6 component series, tps, ping, 4 watchdog, one per guard op.
	assert.Equal(t, 6+1+1+4+len(guard.AllOps), testutil.CollectAndCount(c))
}

func TestCollector_OmitsMissingSources(t *testing.T) {
	c := NewCollector(SourceFunc(func() Snapshot { return Snapshot{} }))
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestExporter_Handler(t *testing.T) {
	e, err := New(SourceFunc(sampleSnapshot), nil)
	require.NoError(t, err)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `lagwatch_guard_violations_total{op="sleep"} 2`)
	assert.Contains(t, string(body), "go_goroutines")
}
