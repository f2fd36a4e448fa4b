package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/wesleyorama2/lagwatch/internal/series"
)

// Entity is a connected peer whose latency can be measured.
type Entity interface {
	ID() string
}

// Source lists connected entities and reads their latest latency.
type Source interface {
	Connected() []Entity

	// RoundTrip returns the entity's latest round-trip time. ok is false while
	// no measurement is outstanding.
	RoundTrip(e Entity) (rtt time.Duration, ok bool)
}

// PingSample is the latency view of one entity.
type PingSample struct {
	Last     time.Duration `json:"last"`
	Smoothed time.Duration `json:"smoothed"`
	Samples  int           `json:"samples"`
}

// LatencySampler keeps one latency series per tracked entity. Entities are
// tracked from Add until Remove.
type LatencySampler struct {
	source   Source
	every    int
	capacity int

	mu       sync.RWMutex
	ticks    int
	entities map[string]*series.Series
}

// NewLatencySampler samples source every `every` ticks and keeps capacity
// samples per tracked entity.
func NewLatencySampler(source Source, every, capacity int) *LatencySampler {
	if every <= 0 {
		every = DefaultPingEvery
	}
	if capacity <= 0 {
		capacity = DefaultPingCapacity
	}
	return &LatencySampler{
		source:   source,
		every:    every,
		capacity: capacity,
		entities: make(map[string]*series.Series),
	}
}

// Tick counts one cycle and measures all tracked entities when due. Only
// entities registered with Add are recorded.
func (s *LatencySampler) Tick(now time.Time) {
	s.mu.Lock()
	s.ticks++
	due := s.ticks >= s.every
	if due {
		s.ticks = 0
	}
	s.mu.Unlock()

	if !due || s.source == nil {
		return
	}

	for _, e := range s.source.Connected() {
		rtt, ok := s.source.RoundTrip(e)
		if !ok {
			continue
		}
		s.record(e.ID(), rtt, now)
	}
}

// record holds the read lock across the write so a concurrent Remove either
// happens first (nothing is recorded) or drops the series afterwards.
func (s *LatencySampler) record(id string, rtt time.Duration, now time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ser, ok := s.entities[id]; ok {
		ser.Record(float64(rtt), now)
	}
}

// Add starts tracking an entity, typically on connect. Adding a tracked
// entity keeps its history.
func (s *LatencySampler) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		s.entities[id] = series.New(s.capacity)
	}
}

// Sample returns the last and smoothed latency of an entity.
func (s *LatencySampler) Sample(id string) (PingSample, bool) {
	s.mu.RLock()
	ser, ok := s.entities[id]
	s.mu.RUnlock()
	if !ok {
		return PingSample{}, false
	}

	last, ok := ser.Last()
	if !ok {
		return PingSample{}, false
	}
	agg := ser.Aggregate()
	return PingSample{
		Last:     time.Duration(last.Value),
		Smoothed: time.Duration(agg.Average),
		Samples:  agg.Count,
	}, true
}

// History returns the raw latency series of an entity.
func (s *LatencySampler) History(id string) []series.Sample {
	s.mu.RLock()
	ser, ok := s.entities[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return ser.Snapshot()
}

// Remove forgets an entity, typically on disconnect.
func (s *LatencySampler) Remove(id string) {
	s.mu.Lock()
	delete(s.entities, id)
	s.mu.Unlock()
}

// Tracked reports whether id is being tracked.
func (s *LatencySampler) Tracked(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[id]
	return ok
}

// Entities lists the tracked entity ids, sorted.
func (s *LatencySampler) Entities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
