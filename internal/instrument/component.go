package instrument

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/threads"
)

// Histogram range: 1 microsecond to 1 hour, 3 significant figures.
const (
	histogramMin     = 1
	histogramMax     = 3_600_000_000
	histogramSigFigs = 3
)

// Component is the bookkeeping for one wrapped handler, task or command.
type Component struct {
	kind   Kind
	module string
	name   string

	// Atomic counters for lock-free updates from any goroutine
	count      atomic.Int64
	failures   atomic.Int64
	offPrimary atomic.Int64
	totalNanos atomic.Int64
	lastNanos  atomic.Int64
	maxNanos   atomic.Int64

	// HDR histogram is not thread-safe; the lock is scoped to this component.
	hist   *hdrhistogram.Histogram
	histMu sync.Mutex

	check   *threadCheck
	restore func()
}

// ComponentStats is a point-in-time view of a component's cost.
type ComponentStats struct {
	Kind       Kind          `json:"kind"`
	Module     string        `json:"module"`
	Name       string        `json:"name"`
	Count      int64         `json:"count"`
	Failures   int64         `json:"failures"`
	OffPrimary int64         `json:"offPrimary,omitempty"`
	Total      time.Duration `json:"total"`
	Average    time.Duration `json:"average"`
	Last       time.Duration `json:"last"`
	Max        time.Duration `json:"max"`
	P95        time.Duration `json:"p95"`
}

func newComponent(kind Kind, module, name string, check *threadCheck) *Component {
	return &Component{
		kind:   kind,
		module: module,
		name:   name,
		hist:   hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
		check:  check,
	}
}

// enter runs before the original is called.
func (c *Component) enter() time.Time {
	if c.kind != KindTask && c.check.violated() {
		c.offPrimary.Add(1)
		c.check.report(c)
	}
	return time.Now()
}

// exit runs after the original returned or while its panic unwinds.
func (c *Component) exit(start time.Time, err error, panicked bool) {
	d := time.Since(start)
	nanos := int64(d)

	c.count.Add(1)
	c.totalNanos.Add(nanos)
	c.lastNanos.Store(nanos)
	if err != nil || panicked {
		c.failures.Add(1)
	}

	for {
		cur := c.maxNanos.Load()
		if nanos <= cur || c.maxNanos.CompareAndSwap(cur, nanos) {
			break
		}
	}

	micros := d.Microseconds()
	if micros < histogramMin {
		micros = histogramMin
	}
	if micros > histogramMax {
		micros = histogramMax
	}
	c.histMu.Lock()
	_ = c.hist.RecordValue(micros)
	c.histMu.Unlock()
}

// Stats returns a snapshot of the component's counters.
func (c *Component) Stats() ComponentStats {
	count := c.count.Load()
	total := time.Duration(c.totalNanos.Load())

	var avg time.Duration
	if count > 0 {
		avg = total / time.Duration(count)
	}

	c.histMu.Lock()
	p95 := time.Duration(c.hist.ValueAtQuantile(95)) * time.Microsecond
	c.histMu.Unlock()

	return ComponentStats{
		Kind:       c.kind,
		Module:     c.module,
		Name:       c.name,
		Count:      count,
		Failures:   c.failures.Load(),
		OffPrimary: c.offPrimary.Load(),
		Total:      total,
		Average:    avg,
		Last:       time.Duration(c.lastNanos.Load()),
		Max:        time.Duration(c.maxNanos.Load()),
		P95:        p95,
	}
}

// Kind returns the registration surface of the component.
func (c *Component) Kind() Kind { return c.kind }

// Module returns the owning module.
func (c *Component) Module() string { return c.module }

// Name returns the component name.
func (c *Component) Name() string { return c.name }

// threadCheck flags handlers and commands that run off the primary goroutine.
type threadCheck struct {
	enabled bool
	primary atomic.Pointer[threads.ID]
	logger  *zap.Logger
}

func (tc *threadCheck) violated() bool {
	if tc == nil || !tc.enabled {
		return false
	}
	primary := tc.primary.Load()
	if primary == nil {
		return false
	}
	return !primary.IsCurrent()
}

func (tc *threadCheck) report(c *Component) {
	tc.logger.Warn("component invoked off the primary goroutine",
		zap.String("module", c.module),
		zap.Stringer("kind", c.kind),
		zap.String("name", c.name),
		zap.Stringer("caller", threads.Current()))
}
