package instrument

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrAlreadyWrapped is returned when a slot already holds a wrapper.
	ErrAlreadyWrapped = errors.New("component is already instrumented")

	// ErrNilSlot is returned when injecting a nil slot.
	ErrNilSlot = errors.New("slot is nil")

	// ErrModuleMismatch is returned when a slot is injected under a module
	// that does not own it.
	ErrModuleMismatch = errors.New("slot belongs to a different module")
)

// Kind is the registration surface a component came from.
type Kind int

const (
	KindHandler Kind = iota
	KindTask
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindHandler:
		return "handler"
	case KindTask:
		return "task"
	case KindCommand:
		return "command"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is something the host publishes on its event bus.
type Event interface {
	Topic() string
}

// Handler reacts to an event.
type Handler func(ctx context.Context, ev Event) error

// Task is a unit of scheduled work.
type Task func(ctx context.Context) error

// Command executes a named command on behalf of a sender.
type Command func(ctx context.Context, sender string, args []string) error

// Injectable is a slot the registry can wrap. Only Slot implements it.
type Injectable interface {
	Kind() Kind
	Module() string
	Name() string
	Wrapped() bool

	inject(c *Component) (restore func(), err error)
}

// Slot is one entry of the host's indirection table.
//
// The host calls Load on every dispatch. The entry starts as the original
// function and is atomically swapped to a wrapper and back by the Registry.
type Slot[F any] struct {
	kind   Kind
	module string
	name   string
	wrap   func(F, *Component) F

	orig    *F
	current atomic.Pointer[F]
}

func newSlot[F any](kind Kind, module, name string, fn F, wrap func(F, *Component) F) *Slot[F] {
	s := &Slot[F]{
		kind:   kind,
		module: module,
		name:   name,
		wrap:   wrap,
		orig:   &fn,
	}
	s.current.Store(s.orig)
	return s
}

// NewHandlerSlot creates a slot for an event handler.
func NewHandlerSlot(module, name string, h Handler) *Slot[Handler] {
	return newSlot(KindHandler, module, name, h, wrapHandler)
}

// NewTaskSlot creates a slot for a scheduled task.
func NewTaskSlot(module, name string, t Task) *Slot[Task] {
	return newSlot(KindTask, module, name, t, wrapTask)
}

// NewCommandSlot creates a slot for a command executor.
func NewCommandSlot(module, name string, c Command) *Slot[Command] {
	return newSlot(KindCommand, module, name, c, wrapCommand)
}

// Load returns the function the host should call right now.
func (s *Slot[F]) Load() F {
	return *s.current.Load()
}

// Kind returns the registration surface of the slot.
func (s *Slot[F]) Kind() Kind { return s.kind }

// Module returns the owning module.
func (s *Slot[F]) Module() string { return s.module }

// Name returns the component name (topic, task name or command name).
func (s *Slot[F]) Name() string { return s.name }

// Wrapped reports whether the slot currently resolves to a wrapper.
func (s *Slot[F]) Wrapped() bool {
	return s.current.Load() != s.orig
}

// inject swaps a wrapper in place of the original. The swap only succeeds
// from the original, so a slot is never wrapped twice or half-wrapped.
func (s *Slot[F]) inject(c *Component) (func(), error) {
	wrapped := s.wrap(*s.orig, c)
	wp := &wrapped
	if !s.current.CompareAndSwap(s.orig, wp) {
		return nil, fmt.Errorf("%s %s/%s: %w", s.kind, s.module, s.name, ErrAlreadyWrapped)
	}

	return func() {
		s.current.CompareAndSwap(wp, s.orig)
	}, nil
}
