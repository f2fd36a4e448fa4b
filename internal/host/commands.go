package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/wesleyorama2/lagwatch/internal/instrument"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrDuplicateCommand = errors.New("command already registered")
	ErrEmptyCommand     = errors.New("empty command line")
)

type queuedCommand struct {
	sender string
	line   string
	done   chan error
}

// Replier delivers command output to the sender that ran the command.
type Replier func(sender, text string)

// Commands maps command names to executors.
type Commands struct {
	mu      sync.RWMutex
	slots   map[string]*instrument.Slot[instrument.Command]
	queue   chan queuedCommand
	replier Replier
}

func newCommands() *Commands {
	return &Commands{
		slots: make(map[string]*instrument.Slot[instrument.Command]),
		queue: make(chan queuedCommand, 64),
	}
}

// Register adds a command owned by module.
func (c *Commands) Register(module, name string, cmd instrument.Command) (*instrument.Slot[instrument.Command], error) {
	name = strings.ToLower(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.slots[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, ErrDuplicateCommand)
	}
	slot := instrument.NewCommandSlot(module, name, cmd)
	c.slots[name] = slot
	return slot, nil
}

// Dispatch runs a command line on the calling goroutine.
func (c *Commands) Dispatch(ctx context.Context, sender, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ErrEmptyCommand
	}
	name := strings.ToLower(fields[0])

	c.mu.RLock()
	slot, ok := c.slots[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownCommand)
	}
	return slot.Load()(ctx, sender, fields[1:])
}

// Submit queues a command line for the loop goroutine and returns a channel
// that receives its result.
func (c *Commands) Submit(sender, line string) <-chan error {
	done := make(chan error, 1)
	c.queue <- queuedCommand{sender: sender, line: line, done: done}
	return done
}

// drain runs queued commands; called by the loop each cycle.
func (c *Commands) drain(ctx context.Context) {
	for {
		select {
		case q := <-c.queue:
			q.done <- c.Dispatch(ctx, q.sender, q.line)
		default:
			return
		}
	}
}

// SetReplier sets where Reply sends output. Without one replies are dropped.
func (c *Commands) SetReplier(fn Replier) {
	c.mu.Lock()
	c.replier = fn
	c.mu.Unlock()
}

// Reply sends text to sender.
func (c *Commands) Reply(sender, text string) {
	c.mu.RLock()
	fn := c.replier
	c.mu.RUnlock()
	if fn != nil {
		fn(sender, text)
	}
}

// Names lists registered command names, sorted.
func (c *Commands) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.slots))
	for name := range c.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Modules implements instrument.Surface.
func (c *Commands) Modules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set := make(map[string]struct{})
	for _, s := range c.slots {
		set[s.Module()] = struct{}{}
	}
	return sortedKeys(set)
}

// SlotsFor implements instrument.Surface.
func (c *Commands) SlotsFor(module string) []instrument.Injectable {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	for name, s := range c.slots {
		if s.Module() == module {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]instrument.Injectable, 0, len(names))
	for _, name := range names {
		out = append(out, c.slots[name])
	}
	return out
}

func (c *Commands) remove(module string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, s := range c.slots {
		if s.Module() == module {
			delete(c.slots, name)
		}
	}
}
