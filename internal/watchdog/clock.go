package watchdog

import "time"

// Clock allows deterministic testing of the stall detector.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock with its monotonic component.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
