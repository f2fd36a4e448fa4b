package monitor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/config"
	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/host"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/storage/sqlite"
	"github.com/wesleyorama2/lagwatch/internal/threads"
	"github.com/wesleyorama2/lagwatch/internal/watchdog"
)

type plugin struct {
	name   string
	enable func(h *host.Host) error
}

func (p plugin) Name() string              { return p.name }
func (p plugin) Enable(h *host.Host) error { return p.enable(h) }

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Tick.Interval = config.Duration(5 * time.Millisecond)
	cfg.Watchdog.Threshold = config.Duration(60 * time.Millisecond)
	cfg.Watchdog.PollInterval = config.Duration(5 * time.Millisecond)
	cfg.Telemetry.TPSEvery = 5
	cfg.Telemetry.PingEvery = 2
	cfg.Storage.Enabled = true
	cfg.Storage.Path = filepath.Join(t.TempDir(), "lagwatch.db")
	cfg.Storage.SaveInterval = config.Duration(time.Hour)
	return cfg
}

func stallOnce(at uint64, d time.Duration) instrument.Handler {
	return func(ctx context.Context, ev instrument.Event) error {
		if ev.(host.TickEvent).N == at {
			time.Sleep(d)
		}
		return nil
	}
}

func TestMonitor_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	h := host.New(zap.NewNop())
	loop := host.NewLoop(h, time.Duration(cfg.Tick.Interval))

	var mu sync.Mutex
	var stalls []watchdog.StallEvent
	m, err := New(cfg, h, loop, zap.NewNop(), WithStallHandler(func(ev watchdog.StallEvent) {
		mu.Lock()
		stalls = append(stalls, ev)
		mu.Unlock()
	}))
	require.NoError(t, err)

	require.NoError(t, h.Enable(plugin{name: "slowpoke", enable: func(h *host.Host) error {
		h.Events.Subscribe("slowpoke", host.TopicTick, stallOnce(10, 200*time.Millisecond))
		return nil
	}}))
	require.NoError(t, h.Enable(plugin{name: "sleepy", enable: func(h *host.Host) error {
		h.Events.Subscribe("sleepy", host.TopicTick, func(ctx context.Context, ev instrument.Event) error {
			if ev.(host.TickEvent).N == 3 {
				return h.Point.Sleep(time.Millisecond)
			}
			return nil
		})
		return nil
	}}))
	require.NoError(t, m.Start())

	alice := h.Connections.Connect("alice")
	alice.Observe(25 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stalls) >= 1 && loop.Ticks() > 30
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// Timing
	slow := m.Registry.StatsFor("slowpoke")
	require.Len(t, slow, 1)
	assert.GreaterOrEqual(t, slow[0].Max, 200*time.Millisecond)
	assert.Equal(t, int64(loop.Ticks()), slow[0].Count)
	assert.Zero(t, slow[0].OffPrimary)

	// Stall captured with the stalled handler on the stack
	mu.Lock()
	ev := stalls[0]
	mu.Unlock()
	found := false
	for _, f := range ev.Frames {
		if strings.Contains(f.Function, "monitor.stallOnce") {
			found = true
		}
	}
	assert.True(t, found, "frames: %v", ev.Frames)
	assert.Equal(t, watchdog.StateArmed, m.Watchdog.State(), "recovered after the stall")

	// Guard
	violations := m.Guard.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, guard.OpSleep, violations[0].Op)

	// Telemetry
	_, ok := m.TPS.Current()
	assert.True(t, ok)
	ping, ok := m.Ping.Sample("alice")
	require.True(t, ok)
	assert.Equal(t, 25*time.Millisecond, ping.Last)

	report := m.Report()
	assert.Equal(t, loop.Ticks(), report.Ticks)
	assert.NotEmpty(t, report.Stalls)
	assert.Contains(t, report.Totals, "slowpoke")

	snap := m.Snapshot()
	assert.True(t, snap.HasTPS)
	require.NotNil(t, snap.Watchdog)
	assert.GreaterOrEqual(t, snap.Watchdog.Trips, int64(1))

	// Shutdown restores everything
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	for _, s := range h.Surfaces() {
		for _, module := range s.Modules() {
			for _, slot := range s.SlotsFor(module) {
				assert.False(t, slot.Wrapped(), "%s/%s still wrapped", module, slot.Name())
			}
		}
	}
	assert.Nil(t, h.Point.Policy(), "prior policy restored")
	assert.Empty(t, m.Registry.Modules())

	// History was flushed on close
	store, err := sqlite.Open(cfg.Storage.Path)
	require.NoError(t, err)
	defer store.Close()

	saved, err := store.ListStalls(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, saved, len(report.Stalls))
	savedViolations, err := store.ListViolations(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, savedViolations, 1)
	stats, _, err := store.LatestStats(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, stats)
}

func TestMonitor_UnloadUninjects(t *testing.T) {
	cfg := config.Default()
	h := host.New(nil)
	loop := host.NewLoop(h, time.Millisecond)
	m, err := New(cfg, h, loop, nil)
	require.NoError(t, err)
	defer m.Close()

	noop := func(context.Context, instrument.Event) error { return nil }
	var slot *instrument.Slot[instrument.Handler]
	require.NoError(t, h.Enable(plugin{name: "shop", enable: func(h *host.Host) error {
		slot = h.Events.Subscribe("shop", "join", noop)
		return nil
	}}))
	require.NoError(t, m.Start())
	assert.True(t, slot.Wrapped())
	assert.Equal(t, []string{CommandModule, "shop"}, m.Registry.Modules())

	h.Unload("shop")
	assert.False(t, slot.Wrapped())
	assert.Equal(t, []string{CommandModule}, m.Registry.Modules())
}

func TestMonitor_InstrumentsOnlyAfterStart(t *testing.T) {
	h := host.New(nil)
	m, err := New(config.Default(), h, host.NewLoop(h, time.Millisecond), nil)
	require.NoError(t, err)
	defer m.Close()

	noop := func(context.Context, instrument.Event) error { return nil }
	subscribe := func(name string) *instrument.Slot[instrument.Handler] {
		var slot *instrument.Slot[instrument.Handler]
		require.NoError(t, h.Enable(plugin{name: name, enable: func(h *host.Host) error {
			slot = h.Events.Subscribe(name, "join", noop)
			return nil
		}}))
		return slot
	}

	early := subscribe("early")
	assert.False(t, early.Wrapped(), "not instrumented before Start")
	assert.Empty(t, m.Registry.Modules())

	require.NoError(t, m.Start())
	assert.True(t, early.Wrapped())

	late := subscribe("late")
	assert.True(t, late.Wrapped(), "modules enabled while running are instrumented on load")

	require.NoError(t, m.Close())
	after := subscribe("after")
	assert.False(t, after.Wrapped())
}

func TestMonitor_PersistsEveryViolation(t *testing.T) {
	cfg := testConfig(t)
	h := host.New(nil)
	m, err := New(cfg, h, host.NewLoop(h, time.Millisecond), nil)
	require.NoError(t, err)
	require.NoError(t, m.Start())

	// Treat the test goroutine as the loop.
	m.setPrimary(threads.Current())
	for i := 0; i < 40; i++ {
		require.NoError(t, h.Point.Sleep(0))
	}
	assert.Equal(t, int64(40), m.Guard.Stats().Violations)
	assert.Less(t, len(m.Guard.Violations()), 40, "only the newest are kept in memory")
	require.NoError(t, m.Close())

	store, err := sqlite.Open(cfg.Storage.Path)
	require.NoError(t, err)
	defer store.Close()
	saved, err := store.ListViolations(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, saved, 40)
}

func TestMonitor_PingFollowsConnections(t *testing.T) {
	h := host.New(nil)
	h.Connections.Connect("early")
	m, err := New(config.Default(), h, host.NewLoop(h, time.Millisecond), nil)
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, m.Ping.Tracked("early"), "already connected clients are tracked")

	h.Connections.Connect("alice").Observe(10 * time.Millisecond)
	assert.True(t, m.Ping.Tracked("alice"))

	h.Connections.Disconnect("alice")
	assert.False(t, m.Ping.Tracked("alice"))
	assert.Equal(t, []string{"early"}, m.Ping.Entities())
}

func TestMonitor_DisabledComponents(t *testing.T) {
	cfg := config.Default()
	cfg.Watchdog.Enabled = false
	cfg.Guard.Enabled = false
	h := host.New(nil)
	loop := host.NewLoop(h, time.Millisecond)

	m, err := New(cfg, h, loop, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start())

	assert.Nil(t, m.Watchdog)
	assert.Nil(t, m.Guard)
	snap := m.Snapshot()
	assert.Nil(t, snap.Watchdog)
	assert.Nil(t, snap.Guard)
	assert.NoError(t, m.Close())
}

func TestMonitor_StorageOpenFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Enabled = true
	cfg.Storage.Path = filepath.Join(t.TempDir(), "missing-dir", "lagwatch.db")

	_, err := New(cfg, host.New(nil), host.NewLoop(host.New(nil), time.Millisecond), nil)
	assert.Error(t, err)
}
