// Package host is a small in-process application host with one primary loop.
//
// Plugins (modules) register event handlers, repeating tasks and commands.
// Every registration lives in an instrument slot and is resolved at dispatch
// time, so the instrumentation registry can wrap and restore it while the
// host runs. Sensitive operations go through the host's guard.Point.
package host

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/logging"
)

var ErrModuleLoaded = errors.New("module already loaded")

// Plugin is a module the host can enable.
type Plugin interface {
	Name() string
	Enable(h *Host) error
}

// Host owns the registration surfaces and the primary loop.
type Host struct {
	Events      *EventBus
	Scheduler   *Scheduler
	Commands    *Commands
	Connections *Connections
	Point       *guard.Point

	logger *zap.Logger

	mu       sync.Mutex
	modules  map[string]bool
	onLoad   []func(module string)
	onUnload []func(module string)
}

// New creates an empty host.
func New(logger *zap.Logger) *Host {
	logger = logging.Named(logger, "host")
	return &Host{
		Events:      newEventBus(),
		Scheduler:   newScheduler(logger),
		Commands:    newCommands(),
		Connections: newConnections(),
		Point:       guard.NewPoint(nil),
		logger:      logger,
		modules:     make(map[string]bool),
	}
}

// Surfaces returns the registration surfaces for instrumentation.
func (h *Host) Surfaces() []instrument.Surface {
	return []instrument.Surface{h.Events, h.Scheduler, h.Commands}
}

// OnLoad registers a listener called after a module is enabled.
func (h *Host) OnLoad(fn func(module string)) {
	h.mu.Lock()
	h.onLoad = append(h.onLoad, fn)
	h.mu.Unlock()
}

// OnUnload registers a listener called before a module's registrations are
// dropped.
func (h *Host) OnUnload(fn func(module string)) {
	h.mu.Lock()
	h.onUnload = append(h.onUnload, fn)
	h.mu.Unlock()
}

// Enable runs the plugin's registration and announces the module.
func (h *Host) Enable(p Plugin) error {
	name := p.Name()

	h.mu.Lock()
	if h.modules[name] {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrModuleLoaded)
	}
	h.modules[name] = true
	h.mu.Unlock()

	if err := p.Enable(h); err != nil {
		h.drop(name)
		return fmt.Errorf("enable %s: %w", name, err)
	}

	h.logger.Info("module enabled", zap.String("module", name))
	for _, fn := range h.listeners(&h.onLoad) {
		fn(name)
	}
	return nil
}

// Unload notifies listeners, then drops every registration of module.
// Unknown modules are a no-op.
func (h *Host) Unload(module string) {
	h.mu.Lock()
	loaded := h.modules[module]
	h.mu.Unlock()
	if !loaded {
		return
	}

	for _, fn := range h.listeners(&h.onUnload) {
		fn(module)
	}
	h.drop(module)
	h.logger.Info("module unloaded", zap.String("module", module))
}

func (h *Host) drop(module string) {
	h.Events.remove(module)
	h.Scheduler.remove(module)
	h.Commands.remove(module)

	h.mu.Lock()
	delete(h.modules, module)
	h.mu.Unlock()
}

func (h *Host) listeners(list *[]func(string)) []func(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]func(string){}, (*list)...)
}

// Modules lists the enabled modules.
func (h *Host) Modules() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := make(map[string]struct{}, len(h.modules))
	for m := range h.modules {
		set[m] = struct{}{}
	}
	return sortedKeys(set)
}
