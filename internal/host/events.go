package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wesleyorama2/lagwatch/internal/instrument"
)

// TopicTick is published once per loop cycle.
const TopicTick = "tick"

// TickEvent announces a loop cycle.
type TickEvent struct {
	N    uint64
	Time time.Time
}

func (TickEvent) Topic() string { return TopicTick }

// PanicError is returned by Publish when a handler panicked.
type PanicError struct {
	Module string
	Name   string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler %s/%s panicked: %v", e.Module, e.Name, e.Value)
}

// EventBus dispatches events to handlers by topic.
type EventBus struct {
	mu     sync.RWMutex
	topics map[string][]*instrument.Slot[instrument.Handler]
}

func newEventBus() *EventBus {
	return &EventBus{topics: make(map[string][]*instrument.Slot[instrument.Handler])}
}

// Subscribe registers h for topic on behalf of module.
func (b *EventBus) Subscribe(module, topic string, h instrument.Handler) *instrument.Slot[instrument.Handler] {
	slot := instrument.NewHandlerSlot(module, topic, h)

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], slot)
	b.mu.Unlock()
	return slot
}

// Publish calls every handler of the event's topic in registration order.
// Handler errors and panics are collected; one failing handler does not stop
// the others.
func (b *EventBus) Publish(ctx context.Context, ev instrument.Event) error {
	b.mu.RLock()
	slots := append([]*instrument.Slot[instrument.Handler](nil), b.topics[ev.Topic()]...)
	b.mu.RUnlock()

	var errs []error
	for _, slot := range slots {
		if err := callHandler(ctx, slot, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func callHandler(ctx context.Context, slot *instrument.Slot[instrument.Handler], ev instrument.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Module: slot.Module(), Name: slot.Name(), Value: r}
		}
	}()
	return slot.Load()(ctx, ev)
}

// Modules implements instrument.Surface.
func (b *EventBus) Modules() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := make(map[string]struct{})
	for _, slots := range b.topics {
		for _, s := range slots {
			set[s.Module()] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// SlotsFor implements instrument.Surface.
func (b *EventBus) SlotsFor(module string) []instrument.Injectable {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []instrument.Injectable
	for _, topic := range sortedTopics(b.topics) {
		for _, s := range b.topics[topic] {
			if s.Module() == module {
				out = append(out, s)
			}
		}
	}
	return out
}

func (b *EventBus) remove(module string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, slots := range b.topics {
		kept := slots[:0]
		for _, s := range slots {
			if s.Module() != module {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.topics, topic)
		} else {
			b.topics[topic] = kept
		}
	}
}

func sortedTopics(m map[string][]*instrument.Slot[instrument.Handler]) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
