package instrument

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/logging"
	"github.com/wesleyorama2/lagwatch/internal/threads"
)

// Surface is one registration surface of the host (event bus, scheduler,
// command map).
type Surface interface {
	// Modules lists every module with at least one registration.
	Modules() []string

	// SlotsFor lists the slots owned by module.
	SlotsFor(module string) []Injectable
}

// Options configures a Registry.
type Options struct {
	// ThreadSafetyCheck reports handlers and commands invoked from a
	// goroutine other than the primary one.
	ThreadSafetyCheck bool
}

// DefaultOptions returns the default registry options.
func DefaultOptions() Options {
	return Options{ThreadSafetyCheck: true}
}

// Registry owns every wrapped component, grouped by module.
type Registry struct {
	mu       sync.RWMutex
	modules  map[string]*moduleEntry
	surfaces []Surface

	check  *threadCheck
	logger *zap.Logger
}

type moduleEntry struct {
	name       string
	components []*Component
	injectedAt time.Time
}

// NewRegistry creates a registry over the given host surfaces.
func NewRegistry(opts Options, logger *zap.Logger, surfaces ...Surface) *Registry {
	logger = logging.Named(logger, "instrument")
	return &Registry{
		modules:  make(map[string]*moduleEntry),
		surfaces: surfaces,
		check: &threadCheck{
			enabled: opts.ThreadSafetyCheck,
			logger:  logger,
		},
		logger: logger,
	}
}

// SetPrimary records the identity of the primary goroutine for the
// thread-safety check.
func (r *Registry) SetPrimary(id threads.ID) {
	r.check.primary.Store(&id)
}

// Inject wraps one slot and records the wrapper under module.
//
// On error the slot is left exactly as it was.
func (r *Registry) Inject(module string, slot Injectable) (*Component, error) {
	if slot == nil {
		return nil, ErrNilSlot
	}
	if module == "" {
		module = slot.Module()
	}
	if slot.Module() != module {
		return nil, fmt.Errorf("inject %s into %s: %w", slot.Name(), module, ErrModuleMismatch)
	}

	c := newComponent(slot.Kind(), module, slot.Name(), r.check)

	r.mu.Lock()
	defer r.mu.Unlock()

	restore, err := slot.inject(c)
	if err != nil {
		return nil, err
	}
	c.restore = restore

	entry, ok := r.modules[module]
	if !ok {
		entry = &moduleEntry{name: module, injectedAt: time.Now()}
		r.modules[module] = entry
	}
	entry.components = append(entry.components, c)

	r.logger.Debug("component instrumented",
		zap.String("module", module),
		zap.Stringer("kind", c.kind),
		zap.String("name", c.name))

	return c, nil
}

// InjectModule wraps every slot module has on the registry's surfaces.
//
// Slots that are already wrapped are skipped. Other failures are joined into
// the returned error; the slots that did succeed stay wrapped.
func (r *Registry) InjectModule(module string) (int, error) {
	var errs []error
	injected := 0

	for _, surface := range r.surfaces {
		for _, slot := range surface.SlotsFor(module) {
			if _, err := r.Inject(module, slot); err != nil {
				if errors.Is(err, ErrAlreadyWrapped) {
					continue
				}
				errs = append(errs, err)
				continue
			}
			injected++
		}
	}

	if injected > 0 {
		r.logger.Info("module instrumented",
			zap.String("module", module),
			zap.Int("components", injected))
	}
	return injected, errors.Join(errs...)
}

// InjectAll instruments every module currently known to the surfaces.
func (r *Registry) InjectAll() (int, error) {
	seen := make(map[string]bool)
	var errs []error
	total := 0

	for _, surface := range r.surfaces {
		for _, module := range surface.Modules() {
			if seen[module] {
				continue
			}
			seen[module] = true

			n, err := r.InjectModule(module)
			total += n
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return total, errors.Join(errs...)
}

// Uninject restores the originals of every component owned by module and
// forgets the module. Unknown modules are a no-op.
func (r *Registry) Uninject(module string) {
	r.mu.Lock()
	entry, ok := r.modules[module]
	if ok {
		delete(r.modules, module)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	for _, c := range entry.components {
		c.restore()
	}

	r.logger.Info("module uninstrumented",
		zap.String("module", module),
		zap.Int("components", len(entry.components)))
}

// UninjectAll uninjects every module.
func (r *Registry) UninjectAll() {
	for _, module := range r.Modules() {
		r.Uninject(module)
	}
}

// Modules returns the instrumented module names, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StatsFor returns a snapshot of every component owned by module, ordered by
// kind then name. Unknown modules yield nil.
func (r *Registry) StatsFor(module string) []ComponentStats {
	r.mu.RLock()
	entry, ok := r.modules[module]
	var components []*Component
	if ok {
		components = append(components, entry.components...)
	}
	r.mu.RUnlock()

	if !ok {
		return nil
	}

	stats := make([]ComponentStats, 0, len(components))
	for _, c := range components {
		stats = append(stats, c.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Kind != stats[j].Kind {
			return stats[i].Kind < stats[j].Kind
		}
		return stats[i].Name < stats[j].Name
	})
	return stats
}

// Stats returns StatsFor for every instrumented module.
func (r *Registry) Stats() map[string][]ComponentStats {
	result := make(map[string][]ComponentStats)
	for _, module := range r.Modules() {
		if stats := r.StatsFor(module); stats != nil {
			result[module] = stats
		}
	}
	return result
}

// ModuleTotal sums the cost of all components of a module.
func ModuleTotal(stats []ComponentStats) ComponentStats {
	var total ComponentStats
	for _, st := range stats {
		total.Module = st.Module
		total.Count += st.Count
		total.Failures += st.Failures
		total.OffPrimary += st.OffPrimary
		total.Total += st.Total
		if st.Max > total.Max {
			total.Max = st.Max
		}
	}
	if total.Count > 0 {
		total.Average = total.Total / time.Duration(total.Count)
	}
	return total
}
