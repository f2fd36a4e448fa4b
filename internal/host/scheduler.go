package host

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wesleyorama2/lagwatch/internal/instrument"
)

// scheduledTask is a repeating task. Sync tasks run on the loop goroutine,
// async tasks on a worker goroutine; an async run is skipped while the
// previous one is still going.
type scheduledTask struct {
	id      int
	slot    *instrument.Slot[instrument.Task]
	period  uint64 // in ticks
	async   bool
	running atomic.Bool
}

// Scheduler runs repeating tasks driven by the loop.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[int]*scheduledTask
	nextID int

	workers sync.WaitGroup
	logger  *zap.Logger
}

func newScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{tasks: make(map[int]*scheduledTask), logger: logger}
}

// Every schedules t to run every period ticks and returns its id.
func (s *Scheduler) Every(module, name string, period uint64, async bool, t instrument.Task) int {
	if period == 0 {
		period = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.tasks[s.nextID] = &scheduledTask{
		id:     s.nextID,
		slot:   instrument.NewTaskSlot(module, name, t),
		period: period,
		async:  async,
	}
	return s.nextID
}

// Cancel removes a task. Unknown ids are ignored.
func (s *Scheduler) Cancel(id int) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// runDue runs every task due at tick n.
func (s *Scheduler) runDue(ctx context.Context, n uint64) {
	for _, task := range s.due(n) {
		if !task.async {
			s.run(ctx, task)
			continue
		}
		if !task.running.CompareAndSwap(false, true) {
			continue
		}
		s.workers.Add(1)
		go func(task *scheduledTask) {
			defer s.workers.Done()
			defer task.running.Store(false)
			s.run(ctx, task)
		}(task)
	}
}

func (s *Scheduler) due(n uint64) []*scheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*scheduledTask
	for _, task := range s.tasks {
		if n%task.period == 0 {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Scheduler) run(ctx context.Context, task *scheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked",
				zap.String("module", task.slot.Module()),
				zap.String("task", task.slot.Name()),
				zap.Any("panic", r))
		}
	}()
	if err := task.slot.Load()(ctx); err != nil {
		s.logger.Warn("task failed",
			zap.String("module", task.slot.Module()),
			zap.String("task", task.slot.Name()),
			zap.Error(err))
	}
}

// TaskInfo describes a scheduled task.
type TaskInfo struct {
	ID      int    `json:"id"`
	Module  string `json:"module"`
	Name    string `json:"name"`
	Period  uint64 `json:"period"`
	Async   bool   `json:"async"`
	Running bool   `json:"running"`
	Wrapped bool   `json:"wrapped"`
}

// Tasks lists the scheduled tasks by id.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskInfo{
			ID:      t.id,
			Module:  t.slot.Module(),
			Name:    t.slot.Name(),
			Period:  t.period,
			Async:   t.async,
			Running: t.running.Load(),
			Wrapped: t.slot.Wrapped(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Wait blocks until running async tasks return.
func (s *Scheduler) Wait() {
	s.workers.Wait()
}

// Modules implements instrument.Surface.
func (s *Scheduler) Modules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]struct{})
	for _, t := range s.tasks {
		set[t.slot.Module()] = struct{}{}
	}
	return sortedKeys(set)
}

// SlotsFor implements instrument.Surface.
func (s *Scheduler) SlotsFor(module string) []instrument.Injectable {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []*scheduledTask
	for _, t := range s.tasks {
		if t.slot.Module() == module {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].id < tasks[j].id })

	out := make([]instrument.Injectable, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.slot)
	}
	return out
}

func (s *Scheduler) remove(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.slot.Module() == module {
			delete(s.tasks, id)
		}
	}
}
