// Package scheduler admits tasks into the pipeline. It polls the store for
// tasks in an executable phase, holds back tasks whose dependencies are not
// yet terminal, and caps how many tasks run at once. Admission is driven
// entirely by stored state, so a restart resumes exactly the tasks that
// were in flight.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/throw-if-null/covalent/internal/api"
	"github.com/throw-if-null/covalent/internal/events"
	"github.com/throw-if-null/covalent/internal/metrics"
	"github.com/throw-if-null/covalent/internal/orchestrator"
	"github.com/throw-if-null/covalent/internal/phase"
	"github.com/throw-if-null/covalent/internal/store"
)

type Scheduler struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	bus    *events.Bus
	logger *zap.Logger

	maxConcurrent int
	pollInterval  time.Duration

	kick chan struct{}

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

type Options struct {
	// MaxConcurrentTasks caps tasks running at once. Zero means 4.
	MaxConcurrentTasks int
	// PollInterval is the admission sweep period. Zero means 200ms.
	PollInterval time.Duration
	Logger       *zap.Logger
}

func New(st *store.Store, orch *orchestrator.Orchestrator, bus *events.Bus, opts Options) *Scheduler {
	maxConcurrent := opts.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:         st,
		orch:          orch,
		bus:           bus,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		pollInterval:  poll,
		kick:          make(chan struct{}, 1),
		running:       map[string]struct{}{},
	}
}

// Submit stores a new task and wakes the admission loop. The task starts
// in the plan phase; whether it runs now depends on free slots and its
// dependencies.
func (s *Scheduler) Submit(ctx context.Context, req *api.CreateTaskRequest) (*api.Task, error) {
	task, err := s.store.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.TasksSubmitted.Inc()
	s.bus.Publish(events.Created(task.TaskID))
	s.logger.Info("task submitted",
		zap.String("task_id", task.TaskID),
		zap.Strings("depends_on", task.DependsOn))
	s.wake()
	return task, nil
}

// Cancel flags a task for cooperative cancellation. A running task blocks
// at its next check; a waiting task is blocked by the admission path.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (bool, error) {
	changed, err := s.store.RequestCancel(ctx, taskID)
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.Info("cancel requested", zap.String("task_id", taskID))
		s.wake()
	}
	return changed, nil
}

// Start launches the admission loop. The returned cancel stops admission;
// call Wait afterwards to join in-flight tasks.
func (s *Scheduler) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if ids, err := s.store.ResumableTasks(ctx); err == nil && len(ids) > 0 {
			s.logger.Info("resuming stored tasks", zap.Int("count", len(ids)))
		}

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		s.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.kick:
			}
			s.sweep(ctx)
		}
	}()
	return cancel
}

// Wait blocks until the admission loop and all admitted tasks have
// returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Running returns ids of tasks currently admitted, for introspection.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	return out
}

func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// sweep admits eligible tasks oldest first until the slots are full. A
// task is eligible when it sits in an executable phase and every declared
// dependency is terminal; how the dependency ended does not matter.
func (s *Scheduler) sweep(ctx context.Context) {
	tasks, err := s.store.ListTasks(ctx, store.ListFilter{})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("admission sweep failed", zap.Error(err))
		}
		return
	}

	byID := make(map[string]*api.Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	// ListTasks returns newest first; admit oldest first.
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if !phase.Executable(t.Phase) {
			continue
		}
		if !s.depsResolved(t, byID) {
			continue
		}

		s.mu.Lock()
		if _, active := s.running[t.TaskID]; active {
			s.mu.Unlock()
			continue
		}
		if len(s.running) >= s.maxConcurrent {
			s.mu.Unlock()
			return
		}
		s.running[t.TaskID] = struct{}{}
		s.mu.Unlock()

		metrics.TasksRunning.Inc()
		s.wg.Add(1)
		go s.runTask(ctx, t.TaskID)
	}
}

func (s *Scheduler) depsResolved(t *api.Task, byID map[string]*api.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := byID[dep]
		if !ok {
			s.logger.Warn("dependency missing from store",
				zap.String("task_id", t.TaskID),
				zap.String("depends_on", dep))
			return false
		}
		if !phase.Terminal(d.Phase) {
			return false
		}
	}
	return true
}

func (s *Scheduler) runTask(ctx context.Context, taskID string) {
	defer func() {
		s.mu.Lock()
		delete(s.running, taskID)
		s.mu.Unlock()
		metrics.TasksRunning.Dec()
		s.wg.Done()
		s.wake()
	}()

	final, err := s.orch.RunTask(ctx, taskID)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Debug("task interrupted by shutdown", zap.String("task_id", taskID))
			return
		}
		s.logger.Error("task run failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.logger.Info("task finished",
		zap.String("task_id", taskID),
		zap.String("phase", string(final)))
}
