// Package series provides a fixed-capacity ring of timestamped samples.
//
// A Series keeps the N most recent samples and silently overwrites the
// oldest one once full. It is written by exactly one sampler and read by any
// number of consumers (display commands, exporters, the persistence saver).
//
// # Thread Safety
//
// Record takes the write lock; Snapshot, Aggregate and friends take the read
// lock and return copies, so a reader never observes a partially written
// sample.
package series

import (
	"math"
	"sync"
	"time"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 300

// Sample is a single timestamped value.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Aggregate summarizes the samples currently held by a Series.
type Aggregate struct {
	Count   int     `json:"count"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
}

// Series is a ring buffer of samples.
type Series struct {
	samples  []Sample
	head     int // Next write position
	count    int // Current number of samples
	capacity int
	mu       sync.RWMutex
}

// New creates a series holding at most capacity samples.
func New(capacity int) *Series {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Series{
		samples:  make([]Sample, capacity),
		capacity: capacity,
	}
}

// Record appends a sample, overwriting the oldest one when the series is full.
func (s *Series) Record(value float64, ts time.Time) {
	s.mu.Lock()
	s.samples[s.head] = Sample{Timestamp: ts, Value: value}
	s.head = (s.head + 1) % s.capacity
	if s.count < s.capacity {
		s.count++
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the held samples from oldest to newest.
func (s *Series) Snapshot() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.orderedLocked()
}

// orderedLocked copies samples in chronological order. Caller holds mu.
func (s *Series) orderedLocked() []Sample {
	if s.count == 0 {
		return nil
	}

	result := make([]Sample, s.count)

	// Until the ring wraps, samples sit at 0..count-1. Afterwards the oldest
	// one is at head.
	start := 0
	if s.count == s.capacity {
		start = s.head
	}
	for i := 0; i < s.count; i++ {
		result[i] = s.samples[(start+i)%s.capacity]
	}

	return result
}

// Aggregate returns min, max and average over the held samples.
func (s *Series) Aggregate() Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return Aggregate{}
	}

	agg := Aggregate{
		Count: s.count,
		Min:   math.Inf(1),
		Max:   math.Inf(-1),
	}

	var sum float64
	for i := 0; i < s.count; i++ {
		v := s.samples[i].Value
		sum += v
		if v < agg.Min {
			agg.Min = v
		}
		if v > agg.Max {
			agg.Max = v
		}
	}
	agg.Average = sum / float64(s.count)

	return agg
}

// Last returns the most recently recorded sample.
func (s *Series) Last() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return Sample{}, false
	}
	idx := (s.head - 1 + s.capacity) % s.capacity
	return s.samples[idx], true
}

// Since returns the held samples recorded strictly after ts, oldest first.
func (s *Series) Since(ts time.Time) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.orderedLocked()
	for i, sample := range all {
		if sample.Timestamp.After(ts) {
			return all[i:]
		}
	}
	return nil
}

// Len returns the number of held samples.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Cap returns the capacity of the series.
func (s *Series) Cap() int {
	return s.capacity
}

// Reset drops all samples.
func (s *Series) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = make([]Sample, s.capacity)
	s.head = 0
	s.count = 0
}
