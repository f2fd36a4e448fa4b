// Package persist periodically writes lagwatch history to a store.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/logging"
	"github.com/wesleyorama2/lagwatch/internal/series"
	"github.com/wesleyorama2/lagwatch/internal/telemetry"
	"github.com/wesleyorama2/lagwatch/internal/watchdog"
)

// SeriesTPS is the stored name of the tick-rate series. Latency series are
// stored as "ping:<entity>".
const SeriesTPS = "tps"

// PingSeries returns the stored series name for an entity's latency.
func PingSeries(entity string) string { return "ping:" + entity }

// Store is where history is written. *sqlite.Store implements it.
type Store interface {
	SaveSamples(ctx context.Context, name string, samples []series.Sample) error
	SaveStall(ctx context.Context, ev watchdog.StallEvent) error
	SaveViolation(ctx context.Context, v guard.Violation) error
	SaveStats(ctx context.Context, at time.Time, stats []instrument.ComponentStats) error
}

// DefaultInterval is the flush interval used when none is configured.
const DefaultInterval = 30 * time.Second

// MaxPending bounds the stall events and violations held between flushes,
// per kind. Past it the oldest are dropped and counted.
const MaxPending = 4096

// Sources are read on every flush. Nil sources are skipped. Stall events and
// violations are not read; they are handed over with AddStall and
// AddViolation as they happen.
type Sources struct {
	TPS     *series.Series
	Latency *telemetry.LatencySampler
	Stats   func() map[string][]instrument.ComponentStats
}

// Saver writes new samples, stall events, violations and a stats snapshot
// to a Store on a fixed interval, and once more on Stop.
type Saver struct {
	store    Store
	sources  Sources
	interval time.Duration
	logger   *zap.Logger

	stalls     *pending
	violations *pending

	// Flush bookkeeping, guarded by flushMu
	flushMu    sync.Mutex
	lastSample map[string]time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSaver creates a saver; it does nothing until Start.
func NewSaver(store Store, sources Sources, interval time.Duration, logger *zap.Logger) *Saver {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Saver{
		store:      store,
		sources:    sources,
		interval:   interval,
		logger:     logging.Named(logger, "persist"),
		stalls:     newPending(MaxPending),
		violations: newPending(MaxPending),
		lastSample: make(map[string]time.Time),
	}
}

// AddStall queues a stall event for the next flush. It does not block on
// the store.
func (s *Saver) AddStall(ev watchdog.StallEvent) {
	s.stalls.add(ev)
}

// AddViolation queues a violation for the next flush. It is called on the
// offending goroutine and does not block on the store.
func (s *Saver) AddViolation(v guard.Violation) {
	s.violations.add(v)
}

// Pending returns the number of queued stall events and violations.
func (s *Saver) Pending() (stalls, violations int) {
	return s.stalls.len(), s.violations.len()
}

// Start launches the background flush goroutine.
func (s *Saver) Start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel

		s.wg.Add(1)
		go s.run(ctx)
	})
}

// Stop stops the flush goroutine and performs a final flush. Safe to call
// more than once.
func (s *Saver) Stop() {
	s.stopOnce.Do(func() {
		s.startOnce.Do(func() {})
		if s.cancel != nil {
			s.cancel()
			s.wg.Wait()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Flush(ctx)
	})
}

func (s *Saver) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush writes everything new since the previous flush. Store errors are
// logged and the affected items retried on the next flush.
func (s *Saver) Flush(ctx context.Context) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	saved := 0

	if s.sources.TPS != nil {
		saved += s.saveSeries(ctx, SeriesTPS, s.sources.TPS.Since(s.lastSample[SeriesTPS]))
	}
	if lat := s.sources.Latency; lat != nil {
		for _, id := range lat.Entities() {
			name := PingSeries(id)
			saved += s.saveSeries(ctx, name, since(lat.History(id), s.lastSample[name]))
		}
	}

	saved += s.drain(s.stalls, "stall", func(item any) error {
		return s.store.SaveStall(ctx, item.(watchdog.StallEvent))
	})
	saved += s.drain(s.violations, "violation", func(item any) error {
		return s.store.SaveViolation(ctx, item.(guard.Violation))
	})

	if s.sources.Stats != nil {
		var all []instrument.ComponentStats
		for _, stats := range s.sources.Stats() {
			all = append(all, stats...)
		}
		if err := s.store.SaveStats(ctx, time.Now(), all); err != nil {
			s.logger.Warn("failed to save component stats", zap.Error(err))
		} else {
			saved += len(all)
		}
	}

	s.logger.Debug("history flushed", zap.Int("records", saved))
}

func (s *Saver) saveSeries(ctx context.Context, name string, samples []series.Sample) int {
	if len(samples) == 0 {
		return 0
	}
	if err := s.store.SaveSamples(ctx, name, samples); err != nil {
		s.logger.Warn("failed to save samples", zap.String("series", name), zap.Error(err))
		return 0
	}
	s.lastSample[name] = samples[len(samples)-1].Timestamp
	return len(samples)
}

// drain saves queued items oldest first. An item leaves the queue only once
// it is stored; on error the rest wait for the next flush.
func (s *Saver) drain(p *pending, kind string, save func(any) error) int {
	if n := p.takeDropped(); n > 0 {
		s.logger.Warn("pending records dropped before they could be saved",
			zap.String("kind", kind), zap.Int64("dropped", n))
	}

	saved := 0
	for {
		item, head, ok := p.peek()
		if !ok {
			return saved
		}
		if err := save(item); err != nil {
			s.logger.Warn("failed to save "+kind, zap.Error(err))
			return saved
		}
		p.pop(head)
		saved++
	}
}

// pending is a bounded FIFO shared by producers and the flushing goroutine.
type pending struct {
	mu      sync.Mutex
	q       *queue.Queue
	max     int
	dropped int64
	removed uint64 // items ever removed; identifies the current head
}

func newPending(max int) *pending {
	return &pending{q: queue.New(), max: max}
}

func (p *pending) add(item any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.q.Add(item)
	for p.q.Length() > p.max {
		p.q.Remove()
		p.removed++
		p.dropped++
	}
}

func (p *pending) peek() (item any, head uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q.Length() == 0 {
		return nil, 0, false
	}
	return p.q.Peek(), p.removed, true
}

// pop removes the head if it is still the item peek returned with head.
func (p *pending) pop(head uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q.Length() > 0 && p.removed == head {
		p.q.Remove()
		p.removed++
	}
}

func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Length()
}

func (p *pending) takeDropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.dropped
	p.dropped = 0
	return n
}

func since(samples []series.Sample, ts time.Time) []series.Sample {
	for i, sm := range samples {
		if sm.Timestamp.After(ts) {
			return samples[i:]
		}
	}
	return nil
}
