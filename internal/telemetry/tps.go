// Package telemetry samples the primary loop's tick rate and per-connection
// latency into bounded series.
//
// Both samplers are driven by Tick, called once per cycle from the primary
// loop. Readers use the series snapshots and never block the loop for longer
// than a copy.
package telemetry

import (
	"sync"
	"time"

	"github.com/wesleyorama2/lagwatch/internal/series"
)

const (
	DefaultTPSEvery     = 20
	DefaultTPSCapacity  = 300
	DefaultPingEvery    = 40
	DefaultPingCapacity = 30
)

// TickSampler records the realized ticks per second.
type TickSampler struct {
	every  int
	series *series.Series

	mu        sync.Mutex
	ticks     int
	lastStamp time.Time
}

// NewTickSampler samples every `every` ticks into a series of the given
// capacity.
func NewTickSampler(every, capacity int) *TickSampler {
	if every <= 0 {
		every = DefaultTPSEvery
	}
	if capacity <= 0 {
		capacity = DefaultTPSCapacity
	}
	return &TickSampler{
		every:  every,
		series: series.New(capacity),
	}
}

// Tick counts one cycle of the primary loop.
func (s *TickSampler) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastStamp.IsZero() {
		s.lastStamp = now
		return
	}

	s.ticks++
	if s.ticks < s.every {
		return
	}

	window := now.Sub(s.lastStamp)
	if window > 0 {
		s.series.Record(float64(s.ticks)/window.Seconds(), now)
	}
	s.ticks = 0
	s.lastStamp = now
}

// Current returns the most recent sample.
func (s *TickSampler) Current() (series.Sample, bool) {
	return s.series.Last()
}

// Series exposes the sample history for reading.
func (s *TickSampler) Series() *series.Series {
	return s.series
}
