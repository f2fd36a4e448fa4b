// Package monitor wires the instrumentation registry, watchdog, guard,
// samplers and persistence to a host, and tears them down in order.
package monitor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/config"
	"github.com/wesleyorama2/lagwatch/internal/exporter"
	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/host"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/persist"
	"github.com/wesleyorama2/lagwatch/internal/storage/sqlite"
	"github.com/wesleyorama2/lagwatch/internal/telemetry"
	"github.com/wesleyorama2/lagwatch/internal/threads"
	"github.com/wesleyorama2/lagwatch/internal/watchdog"
)

// Option customizes a Monitor.
type Option func(*options)

type options struct {
	onStall     func(watchdog.StallEvent)
	onViolation func(guard.Violation)
}

// WithStallHandler is called for every stall event, on the watchdog goroutine.
func WithStallHandler(fn func(watchdog.StallEvent)) Option {
	return func(o *options) { o.onStall = fn }
}

// WithViolationHandler is called for every guard violation, on the
// offending goroutine.
func WithViolationHandler(fn func(guard.Violation)) Option {
	return func(o *options) { o.onViolation = fn }
}

// Monitor owns every lagwatch component for one host.
type Monitor struct {
	cfg    *config.Config
	host   *host.Host
	loop   *host.Loop
	logger *zap.Logger

	Registry *instrument.Registry
	Watchdog *watchdog.Watchdog // nil when disabled
	Guard    *guard.Guard       // nil when disabled
	TPS      *telemetry.TickSampler
	Ping     *telemetry.LatencySampler

	store *sqlite.Store
	saver *persist.Saver
	opts  options

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool
	closeErr  error
}

// New builds a monitor for h and its loop. Components are wired but nothing
// is wrapped or polled until Start.
func New(cfg *config.Config, h *host.Host, loop *host.Loop, logger *zap.Logger, opts ...Option) (*Monitor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		cfg:    cfg,
		host:   h,
		loop:   loop,
		logger: logger,
		opts:   o,
		Registry: instrument.NewRegistry(
			instrument.Options{ThreadSafetyCheck: cfg.ThreadSafety.Enabled}, logger, h.Surfaces()...),
		TPS:  telemetry.NewTickSampler(cfg.Telemetry.TPSEvery, cfg.Telemetry.TPSCapacity),
		Ping: telemetry.NewLatencySampler(h.Connections, cfg.Telemetry.PingEvery, cfg.Telemetry.PingCapacity),
	}

	if cfg.Watchdog.Enabled {
		m.Watchdog = watchdog.New(watchdog.Config{
			Threshold:    cfg.Watchdog.Threshold.Get(watchdog.DefaultThreshold),
			PollInterval: cfg.Watchdog.PollInterval.Get(watchdog.DefaultPollInterval),
			MaxEvents:    cfg.Watchdog.MaxEvents,
		}, logger, watchdog.WithStallHandler(m.stalled))
	}

	if cfg.Guard.Enabled {
		m.Guard = guard.New(guard.Config{Operations: cfg.GuardOps(), Enforce: cfg.Guard.Enforce},
			logger, guard.WithViolationHandler(m.violated))
	}

	if cfg.Storage.Enabled {
		store, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		m.store = store
		m.saver = persist.NewSaver(store, persist.Sources{
			TPS:     m.TPS.Series(),
			Latency: m.Ping,
			Stats:   m.Registry.Stats,
		}, cfg.Storage.SaveInterval.Get(persist.DefaultInterval), logger)
	}

	h.OnLoad(m.moduleLoaded)
	h.OnUnload(m.Registry.Uninject)
	h.Connections.OnConnect(m.Ping.Add)
	h.Connections.OnDisconnect(m.Ping.Remove)
	loop.OnStart(m.setPrimary)
	loop.OnTick(m.tick)

	if err := h.Enable(diagnostics{m: m}); err != nil {
		_ = m.store.Close()
		return nil, err
	}

	return m, nil
}

// stalled runs on the watchdog goroutine for every stall event.
func (m *Monitor) stalled(ev watchdog.StallEvent) {
	if m.saver != nil {
		m.saver.AddStall(ev)
	}
	if m.opts.onStall != nil {
		m.opts.onStall(ev)
	}
}

// violated runs on the offending goroutine for every guard violation.
func (m *Monitor) violated(v guard.Violation) {
	if m.saver != nil {
		m.saver.AddViolation(v)
	}
	if m.opts.onViolation != nil {
		m.opts.onViolation(v)
	}
}

// Start instruments every loaded module, installs the guard and starts the
// background goroutines. Calling it again has no effect.
func (m *Monitor) Start() error {
	var err error
	m.startOnce.Do(func() {
		if m.Guard != nil {
			if err = m.Guard.Install(m.host.Point); err != nil {
				return
			}
		}

		m.started.Store(true)
		n, injectErr := m.Registry.InjectAll()
		if injectErr != nil {
			m.logger.Warn("some components could not be instrumented", zap.Error(injectErr))
		}

		if m.Watchdog != nil {
			m.Watchdog.Start()
		}
		if m.saver != nil {
			m.saver.Start()
		}

		m.logger.Info("lagwatch started",
			zap.Int("components", n),
			zap.Bool("watchdog", m.Watchdog != nil),
			zap.Bool("guard", m.Guard != nil),
			zap.Bool("storage", m.store != nil))
	})
	return err
}

// moduleLoaded instruments modules enabled while the monitor runs. Modules
// enabled before Start are picked up by Start itself.
func (m *Monitor) moduleLoaded(module string) {
	if !m.started.Load() || m.closed.Load() {
		return
	}
	if _, err := m.Registry.InjectModule(module); err != nil {
		m.logger.Warn("module could not be fully instrumented",
			zap.String("module", module), zap.Error(err))
	}
}

// setPrimary runs on the loop goroutine before its first cycle.
func (m *Monitor) setPrimary(id threads.ID) {
	m.Registry.SetPrimary(id)
	if m.Watchdog != nil {
		m.Watchdog.SetPrimary(id)
	}
	if m.Guard != nil {
		m.Guard.SetPrimary(id)
	}
}

// tick runs on the loop goroutine every cycle.
func (m *Monitor) tick(now time.Time) {
	if m.Watchdog != nil {
		m.Watchdog.Beat()
	}
	m.TPS.Tick(now)
	m.Ping.Tick(now)
}

// Close uninjects every module, stops the watchdog, uninstalls the guard,
// stops persistence and flushes the logger, in that order. Safe to call more
// than once.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		var errs []error

		m.Registry.UninjectAll()
		m.host.Unload(CommandModule)

		if m.Watchdog != nil {
			m.Watchdog.Stop()
		}
		if m.Guard != nil {
			if err := m.Guard.Uninstall(); err != nil {
				errs = append(errs, fmt.Errorf("uninstall guard: %w", err))
			}
		}
		if m.saver != nil {
			m.saver.Stop()
		}
		if err := m.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}

		m.logger.Info("lagwatch stopped")
		_ = m.logger.Sync()

		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

// Snapshot implements exporter.Source.
func (m *Monitor) Snapshot() exporter.Snapshot {
	snap := exporter.Snapshot{
		Components: m.Registry.Stats(),
		Ping:       m.pings(),
	}
	if cur, ok := m.TPS.Current(); ok {
		snap.TPS, snap.HasTPS = cur.Value, true
	}
	if m.Watchdog != nil {
		st := m.Watchdog.Stats()
		snap.Watchdog = &st
	}
	if m.Guard != nil {
		st := m.Guard.Stats()
		snap.Guard = &st
	}
	return snap
}

func (m *Monitor) pings() map[string]telemetry.PingSample {
	out := make(map[string]telemetry.PingSample)
	for _, id := range m.Ping.Entities() {
		if p, ok := m.Ping.Sample(id); ok {
			out[id] = p
		}
	}
	return out
}
