package host

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/lagwatch/internal/telemetry"
)

// Conn is a connected client.
type Conn struct {
	id       string
	rtt      atomic.Int64
	measured atomic.Bool
}

// ID implements telemetry.Entity.
func (c *Conn) ID() string { return c.id }

// Observe records a round-trip measurement, e.g. from a keep-alive reply.
func (c *Conn) Observe(rtt time.Duration) {
	c.rtt.Store(int64(rtt))
	c.measured.Store(true)
}

// Connections tracks connected clients. It is a telemetry.Source.
type Connections struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	// notifyMu serializes a membership change with its listener calls, so
	// listeners see connects and disconnects of one client in order.
	notifyMu     sync.Mutex
	onConnect    []func(id string)
	onDisconnect []func(id string)
}

func newConnections() *Connections {
	return &Connections{conns: make(map[string]*Conn)}
}

// Connect adds a client or returns the existing one. Listeners are notified
// only for new clients.
func (cs *Connections) Connect(id string) *Conn {
	cs.notifyMu.Lock()
	defer cs.notifyMu.Unlock()

	cs.mu.Lock()
	c, ok := cs.conns[id]
	if !ok {
		c = &Conn{id: id}
		cs.conns[id] = c
	}
	cs.mu.Unlock()

	if !ok {
		for _, fn := range cs.onConnect {
			fn(id)
		}
	}
	return c
}

// Disconnect removes a client and notifies listeners.
func (cs *Connections) Disconnect(id string) {
	cs.notifyMu.Lock()
	defer cs.notifyMu.Unlock()

	cs.mu.Lock()
	_, ok := cs.conns[id]
	delete(cs.conns, id)
	cs.mu.Unlock()
	if !ok {
		return
	}

	for _, fn := range cs.onDisconnect {
		fn(id)
	}
}

// OnConnect registers a connect listener and calls it for every client that
// is already connected. Listeners must not connect or disconnect clients.
func (cs *Connections) OnConnect(fn func(id string)) {
	cs.notifyMu.Lock()
	defer cs.notifyMu.Unlock()

	cs.onConnect = append(cs.onConnect, fn)
	for _, id := range cs.ids() {
		fn(id)
	}
}

// OnDisconnect registers a disconnect listener.
func (cs *Connections) OnDisconnect(fn func(id string)) {
	cs.notifyMu.Lock()
	cs.onDisconnect = append(cs.onDisconnect, fn)
	cs.notifyMu.Unlock()
}

func (cs *Connections) ids() []string {
	cs.mu.RLock()
	ids := make([]string, 0, len(cs.conns))
	for id := range cs.conns {
		ids = append(ids, id)
	}
	cs.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Get returns a connected client.
func (cs *Connections) Get(id string) (*Conn, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.conns[id]
	return c, ok
}

// Connected implements telemetry.Source.
func (cs *Connections) Connected() []telemetry.Entity {
	ids := cs.ids()
	out := make([]telemetry.Entity, 0, len(ids))
	for _, id := range ids {
		if c, ok := cs.Get(id); ok {
			out = append(out, c)
		}
	}
	return out
}

// RoundTrip implements telemetry.Source.
func (cs *Connections) RoundTrip(e telemetry.Entity) (time.Duration, bool) {
	c, ok := e.(*Conn)
	if !ok || !c.measured.Load() {
		return 0, false
	}
	return time.Duration(c.rtt.Load()), true
}
