package host

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/rate"
	"github.com/wesleyorama2/lagwatch/internal/threads"
)

// ErrLoopRunning is returned when Run is called on a running loop.
var ErrLoopRunning = errors.New("loop already running")

// Loop is the host's primary loop. Each cycle it runs queued commands, due
// tasks, publishes a TickEvent and calls the tick callbacks.
type Loop struct {
	host   *Host
	bucket *rate.LeakyBucket

	mu      sync.Mutex
	onStart []func(threads.ID)
	onTick  []func(time.Time)

	running atomic.Bool
	ticks   atomic.Uint64
	primary atomic.Pointer[threads.ID]
}

// NewLoop creates a loop that cycles once per interval.
func NewLoop(h *Host, interval time.Duration) *Loop {
	return &Loop{host: h, bucket: rate.NewLeakyBucket(interval)}
}

// OnStart registers a callback run on the loop goroutine before the first
// cycle, with that goroutine's identity.
func (l *Loop) OnStart(fn func(threads.ID)) {
	l.mu.Lock()
	l.onStart = append(l.onStart, fn)
	l.mu.Unlock()
}

// OnTick registers a per-cycle callback run on the loop goroutine.
func (l *Loop) OnTick(fn func(now time.Time)) {
	l.mu.Lock()
	l.onTick = append(l.onTick, fn)
	l.mu.Unlock()
}

// Run drives the loop on the calling goroutine, locked to its OS thread,
// until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	id := threads.Current()
	l.primary.Store(&id)

	l.mu.Lock()
	onStart := append([]func(threads.ID){}, l.onStart...)
	onTick := append([]func(time.Time){}, l.onTick...)
	l.mu.Unlock()

	for _, fn := range onStart {
		fn(id)
	}
	l.host.logger.Info("primary loop started",
		zap.Stringer("primary", id),
		zap.Duration("interval", l.bucket.Interval()))

	for {
		if err := l.bucket.Wait(ctx); err != nil {
			break
		}
		l.cycle(ctx, onTick)
	}

	st := l.bucket.Stats()
	l.host.logger.Info("primary loop stopped",
		zap.Uint64("ticks", l.ticks.Load()),
		zap.Int64("late", st.Late))
	return nil
}

func (l *Loop) cycle(ctx context.Context, onTick []func(time.Time)) {
	n := l.ticks.Add(1)
	now := time.Now()

	l.host.Commands.drain(ctx)
	l.host.Scheduler.runDue(ctx, n)
	if err := l.host.Events.Publish(ctx, TickEvent{N: n, Time: now}); err != nil {
		l.host.logger.Warn("tick handlers failed", zap.Error(err))
	}

	for _, fn := range onTick {
		fn(now)
	}
}

// Ticks returns the number of completed cycles.
func (l *Loop) Ticks() uint64 { return l.ticks.Load() }

// Primary returns the loop goroutine's identity once Run has started.
func (l *Loop) Primary() (threads.ID, bool) {
	if p := l.primary.Load(); p != nil {
		return *p, true
	}
	return threads.ID{}, false
}

// Pacing returns the loop's pacing counters.
func (l *Loop) Pacing() rate.Stats { return l.bucket.Stats() }
