package guard

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/logging"
	"github.com/wesleyorama2/lagwatch/internal/threads"
)

var (
	// ErrBlockingOnPrimary is returned by an enforcing guard instead of
	// performing the operation.
	ErrBlockingOnPrimary = errors.New("blocking operation on the primary goroutine")

	// ErrNotTop is returned when uninstalling a guard that another policy
	// was installed over.
	ErrNotTop = errors.New("guard is not the current policy")

	// ErrAlreadyInstalled is returned when installing a guard twice.
	ErrAlreadyInstalled = errors.New("guard is already installed")
)

const (
	maxRecentViolations = 32
	maxViolationFrames  = 16
)

// pkgDir is this package's source directory. Its frames are trimmed from the
// top of violation snapshots so they start at the caller of the Point.
var pkgDir = func() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Dir(file)
}()

// Violation is one operation attempted from the primary goroutine.
type Violation struct {
	Op        Op              `json:"op"`
	Target    string          `json:"target"`
	Caller    threads.ID      `json:"caller"`
	Frames    []threads.Frame `json:"frames,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Config selects what the guard watches.
type Config struct {
	Operations []Op
	Enforce    bool
}

// DefaultConfig watches every operation and only reports.
func DefaultConfig() Config {
	return Config{Operations: append([]Op(nil), AllOps...)}
}

// Option customizes a Guard.
type Option func(*Guard)

// WithViolationHandler registers a callback invoked on the offending
// goroutine for every violation.
func WithViolationHandler(fn func(Violation)) Option {
	return func(g *Guard) { g.onViolation = fn }
}

// Stats summarizes reported violations.
type Stats struct {
	Violations int64        `json:"violations"`
	ByOp       map[Op]int64 `json:"byOp,omitempty"`
}

// Guard is a Policy that reports blocking operations on the primary goroutine
// and then defers to the policy it replaced.
type Guard struct {
	ops         map[Op]bool
	enforce     bool
	primary     atomic.Pointer[threads.ID]
	logger      *zap.Logger
	onViolation func(Violation)

	// Install state
	mu      sync.Mutex
	point   *Point
	mine    *entry
	prior   atomic.Pointer[entry]
	removed bool

	violations atomic.Int64
	statsMu    sync.Mutex
	byOp       map[Op]int64
	recent     []Violation
}

// New creates a guard. It has no effect until installed.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Guard {
	ops := cfg.Operations
	if ops == nil {
		ops = AllOps
	}
	g := &Guard{
		ops:     make(map[Op]bool, len(ops)),
		enforce: cfg.Enforce,
		logger:  logging.Named(logger, "guard"),
		byOp:    make(map[Op]int64),
	}
	for _, op := range ops {
		g.ops[op] = true
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetPrimary records the identity of the primary goroutine.
func (g *Guard) SetPrimary(id threads.ID) {
	g.primary.Store(&id)
}

// Install makes the guard the point's policy, remembering the policy it
// replaces.
func (g *Guard) Install(p *Point) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.point != nil {
		return ErrAlreadyInstalled
	}

	mine := &entry{policy: g}
	for {
		prev := p.load()
		g.prior.Store(prev)
		if p.cur.CompareAndSwap(prev, mine) {
			break
		}
	}
	g.point = p
	g.mine = mine

	g.logger.Info("guard installed",
		zap.Bool("enforce", g.enforce),
		zap.Strings("operations", g.opNames()))
	return nil
}

// Uninstall restores the policy the guard replaced. Guards must be removed in
// the reverse order they were installed; a guard that was never installed or
// was already removed is a no-op.
func (g *Guard) Uninstall() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.point == nil || g.removed {
		return nil
	}
	if !g.point.cur.CompareAndSwap(g.mine, g.prior.Load()) {
		return ErrNotTop
	}
	g.removed = true

	g.logger.Info("guard uninstalled", zap.Int64("violations", g.violations.Load()))
	return nil
}

// Check implements Policy.
func (g *Guard) Check(op Op, target string) error {
	if g.ops[op] {
		if g.onPrimary() {
			g.report(op, target, threads.Current())
			if g.enforce {
				return fmt.Errorf("%s %s: %w", op, target, ErrBlockingOnPrimary)
			}
		}
	}

	if prev := g.prior.Load(); prev != nil && prev.policy != nil {
		return prev.policy.Check(op, target)
	}
	return nil
}

func (g *Guard) onPrimary() bool {
	primary := g.primary.Load()
	return primary != nil && primary.IsCurrent()
}

func (g *Guard) report(op Op, target string, caller threads.ID) {
	v := Violation{
		Op:        op,
		Target:    target,
		Caller:    caller,
		Frames:    callerFrames(),
		Timestamp: time.Now(),
	}

	g.violations.Add(1)
	g.statsMu.Lock()
	g.byOp[op]++
	g.recent = append(g.recent, v)
	if len(g.recent) > maxRecentViolations {
		g.recent = g.recent[len(g.recent)-maxRecentViolations:]
	}
	g.statsMu.Unlock()

	g.logger.Warn("blocking operation on the primary goroutine",
		zap.String("op", string(op)),
		zap.String("target", target),
		zap.Stringer("caller", caller),
		zap.Bool("refused", g.enforce),
		zap.Stringers("frames", v.Frames))

	if g.onViolation != nil {
		g.onViolation(v)
	}
}

// callerFrames snapshots the current stack without the guard's own frames.
func callerFrames() []threads.Frame {
	frames := threads.CallerFrames(0, maxViolationFrames+8)
	i := 0
	for i < len(frames) && ownFrame(frames[i]) {
		i++
	}
	frames = frames[i:]
	if len(frames) > maxViolationFrames {
		frames = frames[:maxViolationFrames]
	}
	return frames
}

func ownFrame(f threads.Frame) bool {
	return filepath.Dir(f.File) == pkgDir && !strings.HasSuffix(f.File, "_test.go")
}

// Violations returns the most recent violations, oldest first.
func (g *Guard) Violations() []Violation {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return append([]Violation(nil), g.recent...)
}

// Stats returns violation counters.
func (g *Guard) Stats() Stats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()

	st := Stats{Violations: g.violations.Load()}
	if len(g.byOp) > 0 {
		st.ByOp = make(map[Op]int64, len(g.byOp))
		for op, n := range g.byOp {
			st.ByOp[op] = n
		}
	}
	return st
}

// Enforcing reports whether violations are refused.
func (g *Guard) Enforcing() bool { return g.enforce }

func (g *Guard) opNames() []string {
	names := make([]string, 0, len(g.ops))
	for op := range g.ops {
		names = append(names, string(op))
	}
	sort.Strings(names)
	return names
}
