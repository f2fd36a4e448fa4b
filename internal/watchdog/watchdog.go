// Package watchdog detects stalls of the host's primary loop.
//
// The primary loop calls Beat once per cycle. A background goroutine polls
// the heartbeat at a short interval; when it is older than the threshold the
// watchdog trips, captures the primary goroutine's stack from the outside and
// reports one StallEvent. It re-arms only after a new beat is seen, so a long
// stall produces one event, not one per poll.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/logging"
	"github.com/wesleyorama2/lagwatch/internal/threads"
)

const (
	DefaultThreshold    = 500 * time.Millisecond
	DefaultPollInterval = 10 * time.Millisecond
	DefaultMaxEvents    = 64
)

var errPrimaryUnknown = errors.New("primary goroutine not registered")

// State is the detector state.
type State int32

const (
	StateArmed State = iota
	StateTripped
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateTripped:
		return "tripped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config contains the watchdog settings.
type Config struct {
	// Threshold is how old the heartbeat may get before a stall is reported
	Threshold time.Duration

	// PollInterval is how often the heartbeat is checked; keep it well below Threshold
	PollInterval time.Duration

	// MaxEvents bounds the in-memory stall log
	MaxEvents int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:    DefaultThreshold,
		PollInterval: DefaultPollInterval,
		MaxEvents:    DefaultMaxEvents,
	}
}

// Inspector captures the stack of a goroutine that is not the caller.
type Inspector interface {
	Capture(id threads.ID) (threads.GoroutineStack, error)
}

// InspectorFunc adapts a function to Inspector.
type InspectorFunc func(id threads.ID) (threads.GoroutineStack, error)

func (f InspectorFunc) Capture(id threads.ID) (threads.GoroutineStack, error) { return f(id) }

// RuntimeInspector captures stacks through a full runtime stack dump.
type RuntimeInspector struct{}

func (RuntimeInspector) Capture(id threads.ID) (threads.GoroutineStack, error) {
	return threads.StackOf(id.Goroutine)
}

// Option customizes a Watchdog.
type Option func(*Watchdog)

// WithClock replaces the clock used for heartbeats and polls.
func WithClock(c Clock) Option {
	return func(w *Watchdog) { w.clock = c }
}

// WithInspector replaces the stack inspector.
func WithInspector(i Inspector) Option {
	return func(w *Watchdog) { w.inspector = i }
}

// WithStallHandler registers a callback invoked on the watchdog goroutine for
// every stall event. It must not block.
func WithStallHandler(fn func(StallEvent)) Option {
	return func(w *Watchdog) { w.onStall = fn }
}

// Stats summarizes the watchdog's activity.
type Stats struct {
	State      State         `json:"state"`
	Beats      uint64        `json:"beats"`
	Trips      int64         `json:"trips"`
	Recoveries int64         `json:"recoveries"`
	SinceBeat  time.Duration `json:"sinceBeat"`
}

// Watchdog is the heartbeat stall detector.
type Watchdog struct {
	cfg       Config
	clock     Clock
	inspector Inspector
	onStall   func(StallEvent)
	logger    *zap.Logger
	events    *eventLog

	epoch   time.Time
	primary atomic.Pointer[threads.ID]

	// Written only by the primary goroutine
	lastBeat atomic.Int64 // nanoseconds since epoch
	beats    atomic.Uint64

	// Owned by the poll goroutine; state is atomic so other goroutines can read it
	state        atomic.Int32
	trippedBeat  uint64
	trippedNanos int64
	trips        atomic.Int64
	recoveries   atomic.Int64

	// Background poller
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a watchdog. It does not poll until Start is called.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Watchdog {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	w := &Watchdog{
		cfg:       cfg,
		clock:     RealClock{},
		inspector: RuntimeInspector{},
		logger:    logging.Named(logger, "watchdog"),
		events:    newEventLog(cfg.MaxEvents),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.epoch = w.clock.Now()
	return w
}

// SetPrimary records which goroutine to inspect on a stall.
func (w *Watchdog) SetPrimary(id threads.ID) {
	w.primary.Store(&id)
}

// Beat marks forward progress of the primary loop. Call it once per cycle,
// only from the primary goroutine.
func (w *Watchdog) Beat() {
	w.lastBeat.Store(int64(w.clock.Now().Sub(w.epoch)))
	w.beats.Add(1)
}

// Start launches the poll goroutine. Calling it again has no effect.
func (w *Watchdog) Start() {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel

		w.wg.Add(1)
		go w.run(ctx)

		w.logger.Info("watchdog started",
			zap.Duration("threshold", w.cfg.Threshold),
			zap.Duration("poll_interval", w.cfg.PollInterval))
	})
}

// Stop stops the poll goroutine and waits for it to exit. Safe to call more
// than once, and before Start.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel == nil {
			// Never started; make a later Start a no-op as well.
			w.startOnce.Do(func() {})
			return
		}
		w.cancel()
		w.wg.Wait()
		w.logger.Info("watchdog stopped",
			zap.Int64("trips", w.trips.Load()),
			zap.Int64("recoveries", w.recoveries.Load()))
	})
}

// run polls the heartbeat until ctx is cancelled.
func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.safePoll()
		}
	}
}

// safePoll keeps the poll goroutine alive if a handler or inspector panics.
func (w *Watchdog) safePoll() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watchdog poll panicked", zap.Any("panic", r))
		}
	}()
	w.poll()
}

// poll performs one check of the heartbeat.
func (w *Watchdog) poll() {
	seq := w.beats.Load()
	if seq == 0 {
		// The primary loop has not started yet.
		return
	}

	beatNanos := w.lastBeat.Load()
	now := w.clock.Now()
	elapsed := now.Sub(w.epoch) - time.Duration(beatNanos)

	switch State(w.state.Load()) {
	case StateArmed:
		if elapsed >= w.cfg.Threshold {
			w.trip(now, elapsed, seq, beatNanos)
		}
	case StateTripped:
		if seq != w.trippedBeat {
			w.rearm(beatNanos)
		}
	}
}

// trip moves Armed -> Tripped and reports the stall.
func (w *Watchdog) trip(now time.Time, elapsed time.Duration, seq uint64, beatNanos int64) {
	w.state.Store(int32(StateTripped))
	w.trippedBeat = seq
	w.trippedNanos = beatNanos
	w.trips.Add(1)

	ev := StallEvent{
		Timestamp: now,
		Elapsed:   elapsed,
		Beat:      seq,
	}

	stack, err := w.capture()
	if err != nil {
		ev.CaptureError = err.Error()
	} else {
		ev.State = stack.State
		ev.Frames = stack.Frames
	}
	if p := w.primary.Load(); p != nil {
		ev.Primary = *p
	}

	w.events.add(ev)

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.Uint64("beat", seq),
		zap.Stringer("primary", ev.Primary),
	}
	if ev.CaptureError != "" {
		fields = append(fields, zap.String("capture_error", ev.CaptureError))
	} else {
		fields = append(fields, zap.String("goroutine_state", ev.State), zap.Stringers("frames", ev.Frames))
	}
	w.logger.Warn("primary loop stalled", fields...)

	if w.onStall != nil {
		w.onStall(ev)
	}
}

// capture asks the inspector for the primary goroutine's stack. Any failure,
// including a panic inside the inspector, degrades to an error.
func (w *Watchdog) capture() (stack threads.GoroutineStack, err error) {
	p := w.primary.Load()
	if p == nil {
		return stack, errPrimaryUnknown
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stack capture panicked: %v", r)
		}
	}()
	return w.inspector.Capture(*p)
}

// rearm moves Tripped -> Armed once the primary loop beats again.
func (w *Watchdog) rearm(beatNanos int64) {
	w.state.Store(int32(StateArmed))
	w.recoveries.Add(1)

	w.logger.Info("primary loop recovered",
		zap.Duration("stalled_for", time.Duration(beatNanos-w.trippedNanos)))
}

// State returns the current detector state.
func (w *Watchdog) State() State {
	return State(w.state.Load())
}

// Events returns the retained stall events, oldest first.
func (w *Watchdog) Events() []StallEvent {
	return w.events.all()
}

// Stats returns counters and the current heartbeat age.
func (w *Watchdog) Stats() Stats {
	since := w.clock.Now().Sub(w.epoch) - time.Duration(w.lastBeat.Load())
	if w.beats.Load() == 0 {
		since = 0
	}
	return Stats{
		State:      w.State(),
		Beats:      w.beats.Load(),
		Trips:      w.trips.Load(),
		Recoveries: w.recoveries.Load(),
		SinceBeat:  since,
	}
}

// Config returns the effective configuration.
func (w *Watchdog) Config() Config {
	return w.cfg
}
