package telemetry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTickSampler_RecordsRealizedRate(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		want     float64
	}{
		{"nominal 20 tps", 50 * time.Millisecond, 20},
		{"overloaded 10 tps", 100 * time.Millisecond, 10},
		{"fast 40 tps", 25 * time.Millisecond, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewTickSampler(20, 10)
			now := base
			s.Tick(now)
			for i := 0; i < 20; i++ {
				now = now.Add(tt.interval)
				s.Tick(now)
			}

			got, ok := s.Current()
			if !ok {
				t.Fatal("Current() ok = false, want a sample")
			}
			if math.Abs(got.Value-tt.want) > 1e-9 {
				t.Errorf("Current().Value = %v, want %v", got.Value, tt.want)
			}
			if !got.Timestamp.Equal(now) {
				t.Errorf("Current().Timestamp = %v, want %v", got.Timestamp, now)
			}
		})
	}
}

func TestTickSampler_SamplesEveryN(t *testing.T) {
	s := NewTickSampler(5, 3)
	now := base
	s.Tick(now)
	for i := 0; i < 23; i++ {
		now = now.Add(50 * time.Millisecond)
		s.Tick(now)
	}

	// 23 ticks after the first one: 4 samples, capacity 3.
	assert.Equal(t, 3, s.Series().Len())
}

func TestTickSampler_NoSampleBeforeWindow(t *testing.T) {
	s := NewTickSampler(0, 0)
	s.Tick(base)
	_, ok := s.Current()
	assert.False(t, ok)
	assert.Equal(t, DefaultTPSCapacity, s.Series().Cap())
}

type entity string

func (e entity) ID() string { return string(e) }

type fakeSource struct {
	connected []Entity
	rtt       map[string]time.Duration
}

func (f *fakeSource) Connected() []Entity { return f.connected }

func (f *fakeSource) RoundTrip(e Entity) (time.Duration, bool) {
	rtt, ok := f.rtt[e.ID()]
	return rtt, ok
}

func newTracked(src Source, every, capacity int, ids ...string) *LatencySampler {
	s := NewLatencySampler(src, every, capacity)
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func TestLatencySampler_MeasuresWhenDue(t *testing.T) {
	src := &fakeSource{
		connected: []Entity{entity("alice"), entity("bob"), entity("carol")},
		rtt:       map[string]time.Duration{"alice": 40 * time.Millisecond, "bob": 120 * time.Millisecond},
	}
	s := newTracked(src, 2, 4, "alice", "bob", "carol")

	s.Tick(base)
	_, ok := s.Sample("alice")
	assert.False(t, ok, "not due yet")

	s.Tick(base.Add(time.Second))
	assert.Equal(t, []string{"alice", "bob", "carol"}, s.Entities())
	_, ok = s.Sample("carol")
	assert.False(t, ok, "carol has no measurement")
	assert.Empty(t, s.History("carol"))

	src.rtt["alice"] = 60 * time.Millisecond
	s.Tick(base.Add(2 * time.Second))
	s.Tick(base.Add(3 * time.Second))

	ping, ok := s.Sample("alice")
	require.True(t, ok)
	assert.Equal(t, 60*time.Millisecond, ping.Last)
	assert.Equal(t, 50*time.Millisecond, ping.Smoothed)
	assert.Equal(t, 2, ping.Samples)
	assert.Len(t, s.History("alice"), 2)
}

func TestLatencySampler_IgnoresUntrackedEntities(t *testing.T) {
	src := &fakeSource{
		connected: []Entity{entity("alice"), entity("stranger")},
		rtt:       map[string]time.Duration{"alice": time.Millisecond, "stranger": time.Millisecond},
	}
	s := newTracked(src, 1, 0, "alice")

	s.Tick(base)
	assert.Equal(t, []string{"alice"}, s.Entities())
	assert.True(t, s.Tracked("alice"))
	assert.False(t, s.Tracked("stranger"))
	_, ok := s.Sample("stranger")
	assert.False(t, ok)
}

func TestLatencySampler_AddKeepsHistory(t *testing.T) {
	src := &fakeSource{connected: []Entity{entity("p")}, rtt: map[string]time.Duration{"p": time.Millisecond}}
	s := newTracked(src, 1, 0, "p")
	s.Tick(base)

	s.Add("p")
	assert.Len(t, s.History("p"), 1)
}

func TestLatencySampler_SmoothingIsBounded(t *testing.T) {
	src := &fakeSource{connected: []Entity{entity("p")}, rtt: map[string]time.Duration{}}
	s := newTracked(src, 1, 3, "p")

	for i, rtt := range []time.Duration{1000, 10, 20, 30} {
		src.rtt["p"] = rtt * time.Millisecond
		s.Tick(base.Add(time.Duration(i) * time.Second))
	}

	ping, ok := s.Sample("p")
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, ping.Smoothed, "the oldest outlier fell out of the ring")
}

func TestLatencySampler_Remove(t *testing.T) {
	src := &fakeSource{connected: []Entity{entity("p")}, rtt: map[string]time.Duration{"p": time.Millisecond}}
	s := newTracked(src, 1, 0, "p")
	s.Tick(base)

	s.Remove("p")
	_, ok := s.Sample("p")
	assert.False(t, ok)
	assert.Empty(t, s.Entities())
	assert.Nil(t, s.History("p"))

	s.Remove("unknown")
}

// leavingSource disconnects each entity between listing and probing it, the
// way a client can drop while the loop is mid-measurement.
type leavingSource struct {
	fakeSource
	leave func(id string)
}

func (l *leavingSource) RoundTrip(e Entity) (time.Duration, bool) {
	l.leave(e.ID())
	return l.fakeSource.RoundTrip(e)
}

func TestLatencySampler_DisconnectDuringMeasurement(t *testing.T) {
	src := &leavingSource{fakeSource: fakeSource{
		connected: []Entity{entity("alice")},
		rtt:       map[string]time.Duration{"alice": 30 * time.Millisecond},
	}}
	s := newTracked(src, 1, 0, "alice")
	src.leave = s.Remove

	s.Tick(base)

	assert.Empty(t, s.Entities(), "a disconnected entity is not tracked again")
	_, ok := s.Sample("alice")
	assert.False(t, ok)
}

func TestLatencySampler_NilSource(t *testing.T) {
	s := NewLatencySampler(nil, 1, 1)
	s.Tick(base)
	assert.Empty(t, s.Entities())
}
