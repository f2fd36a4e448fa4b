package watchdog

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/wesleyorama2/lagwatch/internal/threads"
)

// StallEvent is an immutable record of one stall episode, captured when the
// watchdog trips.
type StallEvent struct {
	Timestamp    time.Time       `json:"timestamp"`
	Elapsed      time.Duration   `json:"elapsed"`
	Beat         uint64          `json:"beat"`
	Primary      threads.ID      `json:"primary"`
	State        string          `json:"state,omitempty"`
	Frames       []threads.Frame `json:"frames,omitempty"`
	CaptureError string          `json:"captureError,omitempty"`
}

// eventLog keeps the most recent stall events, dropping the oldest.
type eventLog struct {
	mu  sync.Mutex
	q   *queue.Queue
	max int
}

func newEventLog(max int) *eventLog {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &eventLog{q: queue.New(), max: max}
}

func (l *eventLog) add(ev StallEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.q.Add(ev)
	for l.q.Length() > l.max {
		l.q.Remove()
	}
}

// all returns the held events, oldest first.
func (l *eventLog) all() []StallEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.q.Length()
	if n == 0 {
		return nil
	}
	out := make([]StallEvent, n)
	for i := 0; i < n; i++ {
		out[i] = l.q.Get(i).(StallEvent)
	}
	return out
}
