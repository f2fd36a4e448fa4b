package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/lagwatch/internal/host"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
)

const topicJoin = "join"

type joinEvent struct {
	id string
}

func (joinEvent) Topic() string { return topicJoin }

// demoPlugin is a module of the simulated host.
type demoPlugin struct {
	name   string
	enable func(h *host.Host) error
}

func (p demoPlugin) Name() string              { return p.name }
func (p demoPlugin) Enable(h *host.Host) error { return p.enable(h) }

type demoOptions struct {
	stallEvery time.Duration
	stallFor   time.Duration
	saveDir    string
}

// demoPlugins returns the modules loaded by simulate:
//
//	lagger   stalls the loop every stallEvery for stallFor
//	autosave writes state off the loop; its cleanup sleeps on the loop
//	chat     commands plus a join handler published from outside the loop
//	physics  cheap per-tick work
func demoPlugins(o demoOptions) []host.Plugin {
	return []host.Plugin{
		demoPlugin{name: "lagger", enable: func(h *host.Host) error {
			var last time.Time
			h.Events.Subscribe("lagger", host.TopicTick, func(ctx context.Context, ev instrument.Event) error {
				tick := ev.(host.TickEvent)
				if last.IsZero() {
					last = tick.Time
				}
				if o.stallEvery > 0 && tick.Time.Sub(last) >= o.stallEvery {
					last = tick.Time
					time.Sleep(o.stallFor)
				}
				return nil
			})
			return nil
		}},

		demoPlugin{name: "autosave", enable: func(h *host.Host) error {
			var saves int
			h.Scheduler.Every("autosave", "save", 20, true, func(ctx context.Context) error {
				saves++
				state, err := json.Marshal(map[string]any{"saves": saves, "at": time.Now()})
				if err != nil {
					return err
				}
				return h.Point.WriteFile(filepath.Join(o.saveDir, "autosave.json"), state, 0o644)
			})
			h.Scheduler.Every("autosave", "cleanup", 40, false, func(ctx context.Context) error {
				// Waits for the disk on the loop goroutine.
				return h.Point.Sleep(2 * time.Millisecond)
			})
			return nil
		}},

		demoPlugin{name: "chat", enable: func(h *host.Host) error {
			var mu sync.Mutex
			var history []string

			h.Events.Subscribe("chat", topicJoin, func(ctx context.Context, ev instrument.Event) error {
				mu.Lock()
				history = append(history, ev.(joinEvent).id+" joined")
				mu.Unlock()
				return nil
			})
			if _, err := h.Commands.Register("chat", "say", func(ctx context.Context, sender string, args []string) error {
				if len(args) == 0 {
					return fmt.Errorf("usage: say <message>")
				}
				mu.Lock()
				history = append(history, sender+": "+strings.Join(args, " "))
				mu.Unlock()
				return nil
			}); err != nil {
				return err
			}
			_, err := h.Commands.Register("chat", "history", func(ctx context.Context, sender string, args []string) error {
				mu.Lock()
				defer mu.Unlock()
				if len(history) > 100 {
					history = history[len(history)-100:]
				}
				return nil
			})
			return err
		}},

		demoPlugin{name: "physics", enable: func(h *host.Host) error {
			var x, v float64 = 0, 1
			h.Events.Subscribe("physics", host.TopicTick, func(ctx context.Context, ev instrument.Event) error {
				for i := 0; i < 1000; i++ {
					v -= x * 0.001
					x += v * 0.001
				}
				return nil
			})
			return nil
		}},
	}
}

// driveClients connects players, reports their round-trip times, publishes
// join events from this goroutine and queues chat commands for the loop.
func driveClients(ctx context.Context, h *host.Host, players int) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	rng := rand.New(rand.NewPCG(1, 2))
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		id := fmt.Sprintf("player-%d", n%players)
		if _, ok := h.Connections.Get(id); !ok {
			h.Connections.Connect(id)
			_ = h.Events.Publish(ctx, joinEvent{id: id})
		}
		if c, ok := h.Connections.Get(id); ok {
			c.Observe(time.Duration(20+rng.IntN(80)) * time.Millisecond)
		}

		h.Commands.Submit(id, "say hello from "+id)
		if n%10 == 9 {
			h.Connections.Disconnect(fmt.Sprintf("player-%d", rng.IntN(players)))
		}
	}
}
