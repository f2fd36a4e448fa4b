// Package exporter exposes lagwatch statistics as Prometheus metrics.
package exporter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/logging"
	"github.com/wesleyorama2/lagwatch/internal/telemetry"
	"github.com/wesleyorama2/lagwatch/internal/watchdog"
)

const namespace = "lagwatch"

// Snapshot is everything the collector reports, read once per scrape.
type Snapshot struct {
	Components map[string][]instrument.ComponentStats
	TPS        float64
	HasTPS     bool
	Ping       map[string]telemetry.PingSample
	Watchdog   *watchdog.Stats
	Guard      *guard.Stats
}

// Source produces snapshots.
type Source interface {
	Snapshot() Snapshot
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Snapshot

func (f SourceFunc) Snapshot() Snapshot { return f() }

var componentLabels = []string{"module", "kind", "name"}

// Collector is a prometheus.Collector over a Source.
type Collector struct {
	source Source

	invocations *prometheus.Desc
	failures    *prometheus.Desc
	offPrimary  *prometheus.Desc
	durationSum *prometheus.Desc
	durationMax *prometheus.Desc
	durationP95 *prometheus.Desc
	tps         *prometheus.Desc
	ping        *prometheus.Desc
	stalls      *prometheus.Desc
	recoveries  *prometheus.Desc
	tripped     *prometheus.Desc
	heartbeat   *prometheus.Desc
	violations  *prometheus.Desc
}

// NewCollector creates a collector reading from source.
func NewCollector(source Source) *Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "", n) }
	return &Collector{
		source:      source,
		invocations: prometheus.NewDesc(name("component_invocations_total"), "Calls made through an instrumented component.", componentLabels, nil),
		failures:    prometheus.NewDesc(name("component_failures_total"), "Calls that returned an error or panicked.", componentLabels, nil),
		offPrimary:  prometheus.NewDesc(name("component_off_primary_total"), "Calls made from a goroutine other than the primary loop.", componentLabels, nil),
		durationSum: prometheus.NewDesc(name("component_duration_seconds_total"), "Cumulative time spent in a component.", componentLabels, nil),
		durationMax: prometheus.NewDesc(name("component_duration_max_seconds"), "Longest single call of a component.", componentLabels, nil),
		durationP95: prometheus.NewDesc(name("component_duration_p95_seconds"), "95th percentile call duration of a component.", componentLabels, nil),
		tps:         prometheus.NewDesc(name("ticks_per_second"), "Most recent realized tick rate of the primary loop.", nil, nil),
		ping:        prometheus.NewDesc(name("ping_seconds"), "Smoothed round-trip time per connection.", []string{"entity"}, nil),
		stalls:      prometheus.NewDesc(name("watchdog_stalls_total"), "Stall episodes detected on the primary loop.", nil, nil),
		recoveries:  prometheus.NewDesc(name("watchdog_recoveries_total"), "Stall episodes the primary loop recovered from.", nil, nil),
		tripped:     prometheus.NewDesc(name("watchdog_tripped"), "1 while the primary loop is stalled.", nil, nil),
		heartbeat:   prometheus.NewDesc(name("heartbeat_age_seconds"), "Time since the primary loop last beat.", nil, nil),
		violations:  prometheus.NewDesc(name("guard_violations_total"), "Blocking operations attempted on the primary loop.", []string{"op"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.invocations, c.failures, c.offPrimary, c.durationSum, c.durationMax, c.durationP95,
		c.tps, c.ping, c.stalls, c.recoveries, c.tripped, c.heartbeat, c.violations,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()

	for _, stats := range snap.Components {
		for _, st := range stats {
			labels := []string{st.Module, st.Kind.String(), st.Name}
			ch <- prometheus.MustNewConstMetric(c.invocations, prometheus.CounterValue, float64(st.Count), labels...)
			ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(st.Failures), labels...)
			ch <- prometheus.MustNewConstMetric(c.offPrimary, prometheus.CounterValue, float64(st.OffPrimary), labels...)
			ch <- prometheus.MustNewConstMetric(c.durationSum, prometheus.CounterValue, st.Total.Seconds(), labels...)
			ch <- prometheus.MustNewConstMetric(c.durationMax, prometheus.GaugeValue, st.Max.Seconds(), labels...)
			ch <- prometheus.MustNewConstMetric(c.durationP95, prometheus.GaugeValue, st.P95.Seconds(), labels...)
		}
	}

	if snap.HasTPS {
		ch <- prometheus.MustNewConstMetric(c.tps, prometheus.GaugeValue, snap.TPS)
	}
	for entity, p := range snap.Ping {
		ch <- prometheus.MustNewConstMetric(c.ping, prometheus.GaugeValue, p.Smoothed.Seconds(), entity)
	}

	if wd := snap.Watchdog; wd != nil {
		tripped := 0.0
		if wd.State == watchdog.StateTripped {
			tripped = 1
		}
		ch <- prometheus.MustNewConstMetric(c.stalls, prometheus.CounterValue, float64(wd.Trips))
		ch <- prometheus.MustNewConstMetric(c.recoveries, prometheus.CounterValue, float64(wd.Recoveries))
		ch <- prometheus.MustNewConstMetric(c.tripped, prometheus.GaugeValue, tripped)
		ch <- prometheus.MustNewConstMetric(c.heartbeat, prometheus.GaugeValue, wd.SinceBeat.Seconds())
	}

	if g := snap.Guard; g != nil {
		for _, op := range guard.AllOps {
			ch <- prometheus.MustNewConstMetric(c.violations, prometheus.CounterValue, float64(g.ByOp[op]), string(op))
		}
	}
}

// Exporter serves the collector over HTTP.
type Exporter struct {
	registry *prometheus.Registry
	logger   *zap.Logger
}

// New registers a collector for source, plus the Go runtime collectors, on a
// dedicated registry.
func New(source Source, logger *zap.Logger) (*Exporter, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(source)); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	return &Exporter{registry: reg, logger: logging.Named(logger, "exporter")}, nil
}

// Registry returns the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler returns the /metrics handler.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is done.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("metrics endpoint listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
