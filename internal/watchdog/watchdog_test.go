package watchdog

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/threads"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fixedInspector(frames ...threads.Frame) Inspector {
	return InspectorFunc(func(id threads.ID) (threads.GoroutineStack, error) {
		return threads.GoroutineStack{ID: id.Goroutine, State: "running", Frames: frames}, nil
	})
}

func newTestWatchdog(clock Clock, opts ...Option) *Watchdog {
	cfg := Config{Threshold: 100 * time.Millisecond, PollInterval: 5 * time.Millisecond, MaxEvents: 8}
	opts = append([]Option{WithClock(clock)}, opts...)
	w := New(cfg, zap.NewNop(), opts...)
	w.SetPrimary(threads.ID{Goroutine: 42})
	return w
}

func TestWatchdog_NoEventBeforeFirstBeat(t *testing.T) {
	clock := newFakeClock()
	w := newTestWatchdog(clock, WithInspector(fixedInspector()))

	clock.Advance(time.Hour)
	w.poll()

	if w.State() != StateArmed {
		t.Errorf("State() = %v, want %v", w.State(), StateArmed)
	}
	if n := len(w.Events()); n != 0 {
		t.Errorf("len(Events()) = %d, want 0", n)
	}
}

func TestWatchdog_OneEventPerStallEpisode(t *testing.T) {
	clock := newFakeClock()
	var handled []StallEvent
	frame := threads.Frame{Function: "game.(*World).tick", File: "world.go", Line: 10}
	w := newTestWatchdog(clock,
		WithInspector(fixedInspector(frame)),
		WithStallHandler(func(ev StallEvent) { handled = append(handled, ev) }))

	w.Beat()
	clock.Advance(50 * time.Millisecond)
	w.poll()
	assert.Equal(t, StateArmed, w.State(), "below threshold stays armed")

	// Starve the heartbeat for many poll cycles.
	for i := 0; i < 40; i++ {
		clock.Advance(5 * time.Millisecond)
		w.poll()
	}
	assert.Equal(t, StateTripped, w.State())
	require.Len(t, w.Events(), 1, "one event per stall, not one per poll")

	ev := w.Events()[0]
	assert.GreaterOrEqual(t, ev.Elapsed, 100*time.Millisecond)
	assert.Equal(t, uint64(1), ev.Beat)
	assert.Equal(t, uint64(42), ev.Primary.Goroutine)
	assert.Equal(t, []threads.Frame{frame}, ev.Frames)
	assert.Empty(t, ev.CaptureError)

	// Recovery re-arms.
	w.Beat()
	w.poll()
	assert.Equal(t, StateArmed, w.State())

	// A second stall produces a second event.
	clock.Advance(150 * time.Millisecond)
	w.poll()
	w.poll()
	assert.Len(t, w.Events(), 2)
	assert.Len(t, handled, 2)

	st := w.Stats()
	assert.Equal(t, int64(2), st.Trips)
	assert.Equal(t, int64(1), st.Recoveries)
	assert.Equal(t, uint64(2), st.Beats)
}

func TestWatchdog_StaysTrippedWhileStalled(t *testing.T) {
	clock := newFakeClock()
	w := newTestWatchdog(clock, WithInspector(fixedInspector()))

	w.Beat()
	clock.Advance(time.Second)
	w.poll()
	clock.Advance(time.Second)
	w.poll()

	assert.Equal(t, StateTripped, w.State())
	assert.Len(t, w.Events(), 1)
	assert.Equal(t, int64(0), w.Stats().Recoveries)
}

func TestWatchdog_CaptureFailuresDegrade(t *testing.T) {
	tests := []struct {
		name      string
		inspector Inspector
		primary   bool
		wantErr   string
	}{
		{
			name: "inspector error",
			inspector: InspectorFunc(func(threads.ID) (threads.GoroutineStack, error) {
				return threads.GoroutineStack{}, errors.New("dump failed")
			}),
			primary: true,
			wantErr: "dump failed",
		},
		{
			name: "inspector panic",
			inspector: InspectorFunc(func(threads.ID) (threads.GoroutineStack, error) {
				panic("bad parser")
			}),
			primary: true,
			wantErr: "stack capture panicked: bad parser",
		},
		{
			name:      "primary unknown",
			inspector: fixedInspector(),
			primary:   false,
			wantErr:   errPrimaryUnknown.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			w := New(Config{Threshold: 10 * time.Millisecond}, zap.NewNop(),
				WithClock(clock), WithInspector(tt.inspector))
			if tt.primary {
				w.SetPrimary(threads.ID{Goroutine: 7})
			}

			w.Beat()
			clock.Advance(20 * time.Millisecond)
			w.poll()

			events := w.Events()
			require.Len(t, events, 1, "stall is still reported without a trace")
			assert.Equal(t, tt.wantErr, events[0].CaptureError)
			assert.Empty(t, events[0].Frames)
		})
	}
}

func TestWatchdog_EventLogIsBounded(t *testing.T) {
	clock := newFakeClock()
	w := New(Config{Threshold: 10 * time.Millisecond, MaxEvents: 2}, zap.NewNop(),
		WithClock(clock), WithInspector(fixedInspector()))
	w.SetPrimary(threads.ID{Goroutine: 1})

	for i := 0; i < 3; i++ {
		w.Beat()
		w.poll()
		clock.Advance(20 * time.Millisecond)
		w.poll()
	}

	events := w.Events()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Beat, "oldest event dropped")
	assert.Equal(t, uint64(3), events[1].Beat)
}

func TestWatchdog_StopIsIdempotent(t *testing.T) {
	w := New(DefaultConfig(), zap.NewNop())
	w.Stop()
	w.Start() // no-op after Stop
	w.Stop()

	w2 := New(DefaultConfig(), zap.NewNop())
	w2.Start()
	w2.Stop()
	w2.Stop()
}

func TestNew_AppliesDefaults(t *testing.T) {
	w := New(Config{}, nil)
	cfg := w.Config()
	assert.Equal(t, DefaultThreshold, cfg.Threshold)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
}

// stallingLoop beats until told to stall, then blocks on a channel the way a
// primary loop blocked on I/O would.
func stallingLoop(w *Watchdog, ready chan<- threads.ID, stall, resume <-chan struct{}, done <-chan struct{}) {
	ready <- threads.Current()
	for {
		select {
		case <-done:
			return
		case <-stall:
			<-resume
			stall = nil
		default:
		}
		w.Beat()
		time.Sleep(time.Millisecond)
	}
}

func TestWatchdog_DetectsRealStall(t *testing.T) {
	var mu sync.Mutex
	var events []StallEvent
	w := New(Config{Threshold: 40 * time.Millisecond, PollInterval: 2 * time.Millisecond}, zap.NewNop(),
		WithStallHandler(func(ev StallEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}))

	ready := make(chan threads.ID)
	stall := make(chan struct{})
	resume := make(chan struct{})
	done := make(chan struct{})
	go stallingLoop(w, ready, stall, resume, done)
	defer close(done)

	w.SetPrimary(<-ready)
	w.Start()
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateArmed, w.State())

	close(stall)
	require.Eventually(t, func() bool { return w.State() == StateTripped }, 2*time.Second, time.Millisecond)

	// Still stalled for many more poll cycles.
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	require.Len(t, events, 1)
	ev := events[0]
	mu.Unlock()

	found := false
	for _, f := range ev.Frames {
		if strings.HasSuffix(f.Function, "watchdog.stallingLoop") {
			found = true
		}
	}
	assert.True(t, found, "stack of the stalled goroutine captured from outside: %v", ev.Frames)
	assert.Equal(t, "chan receive", ev.State)

	close(resume)
	require.Eventually(t, func() bool { return w.State() == StateArmed }, 2*time.Second, time.Millisecond)
}
