// Package rate paces the host's primary loop.
package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LeakyBucket schedules loop cycles at a fixed rate.
//
// It keeps a virtual drip time that advances by one interval per cycle. Next
// returns when the next cycle should start; when the loop is behind schedule
// the cycle starts immediately and is counted as late. Missed cycles are not
// replayed in a burst.
//
//	lb := rate.NewLeakyBucket(50 * time.Millisecond)
//	for {
//	    if err := lb.Wait(ctx); err != nil {
//	        return err
//	    }
//	    tick()
//	}
type LeakyBucket struct {
	rate        float64 // Cycles per second
	lastDrip    time.Time
	accumulated float64
	mu          sync.Mutex

	cycles atomic.Int64
	late   atomic.Int64
	waited atomic.Int64 // nanoseconds
}

// NewLeakyBucket creates a pacer with one cycle per interval. Non-positive
// intervals default to one cycle per second.
func NewLeakyBucket(interval time.Duration) *LeakyBucket {
	return &LeakyBucket{
		rate:     rateFor(interval),
		lastDrip: time.Now(),
	}
}

func rateFor(interval time.Duration) float64 {
	if interval <= 0 {
		return 1.0
	}
	return float64(time.Second) / float64(interval)
}

// Next returns when the next cycle should start. The time may be in the past.
func (lb *LeakyBucket) Next() time.Time {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(lb.lastDrip).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	lb.accumulated += elapsed * lb.rate
	lb.cycles.Add(1)

	if lb.accumulated >= 1.0 {
		// Behind schedule: run now and drop the backlog.
		lb.accumulated = 0
		lb.lastDrip = now
		lb.late.Add(1)
		return now
	}

	wait := time.Duration((1.0 - lb.accumulated) / lb.rate * float64(time.Second))
	lb.accumulated = 0
	next := now.Add(wait)

	// The drip moves to the scheduled start so waking up at next does not
	// count the wait a second time.
	lb.lastDrip = next
	lb.waited.Add(int64(wait))
	return next
}

// Wait blocks until the next cycle should start or ctx is done.
func (lb *LeakyBucket) Wait(ctx context.Context) error {
	d := time.Until(lb.Next())
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval returns the current cycle interval.
func (lb *LeakyBucket) Interval() time.Duration {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return time.Duration(float64(time.Second) / lb.rate)
}

// Stats returns pacing counters.
func (lb *LeakyBucket) Stats() Stats {
	return Stats{
		Interval: lb.Interval(),
		Cycles:   lb.cycles.Load(),
		Late:     lb.late.Load(),
		Waited:   time.Duration(lb.waited.Load()),
	}
}

// Stats contains pacing counters.
type Stats struct {
	Interval time.Duration `json:"interval"`
	Cycles   int64         `json:"cycles"`
	Late     int64         `json:"late"`   // cycles that started behind schedule
	Waited   time.Duration `json:"waited"` // total time spent waiting
}
