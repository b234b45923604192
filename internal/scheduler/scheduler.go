// Package scheduler fires named recurring tasks on their cadence. Firings
// run asynchronously and may overlap; tasks are expected to enqueue
// idempotent jobs rather than do heavy work themselves.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/curio/internal/cache"
)

var (
	ErrDuplicateTask = errors.New("task already registered")
	ErrUnknownTask   = errors.New("unknown task")
)

// Task is a named recurring unit of work.
type Task struct {
	Name    string
	Cadence Cadence
	// Run receives the scheduled instant it fires for.
	Run func(ctx context.Context, at time.Time) error
	// RunOnStart fires once immediately when the task starts.
	RunOnStart bool
}

// Locker claims a firing across instances. cache.Cache satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type entry struct {
	task   Task
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs tasks until they are stopped.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	locker  Locker
	logger  *slog.Logger
	now     func() time.Time
	firing  sync.WaitGroup
}

type Option func(*Scheduler)

// WithLocker makes each scheduled firing run on one instance only.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		entries: make(map[string]*entry),
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers a task without starting it.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Cadence == nil || t.Run == nil {
		return errors.New("task needs a name, a cadence and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
	}
	s.entries[t.Name] = &entry{task: t}
	return nil
}

// Tasks lists registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start starts every registered task that is not already running.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, name := range s.Tasks() {
		if err := s.StartTask(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StartTask starts one task. Starting a running task is a no-op.
func (s *Scheduler) StartTask(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if e.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go s.loop(loopCtx, e.task, e.done)

	s.logger.Info("task started", "task", name, "cadence", e.task.Cadence.String(), "run_on_start", e.task.RunOnStart)
	return nil
}

// StopTask stops one task's cadence loop. Firings already running finish.
func (s *Scheduler) StopTask(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		s.logger.Info("task stopped", "task", name)
	}
	return nil
}

// Stop stops every task and waits for in-progress firings.
func (s *Scheduler) Stop() {
	for _, name := range s.Tasks() {
		_ = s.StopTask(name)
	}
	s.firing.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task, done chan struct{}) {
	defer close(done)

	if t.RunOnStart {
		s.fire(ctx, t, s.now(), false)
	}

	for {
		at := t.Cadence.Next(s.now())
		timer := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx, t, at, true)
		}
	}
}

// fire runs t in its own goroutine, detached from the loop's cancellation.
func (s *Scheduler) fire(ctx context.Context, t Task, at time.Time, lock bool) {
	runCtx := context.WithoutCancel(ctx)
	s.firing.Add(1)
	go func() {
		defer s.firing.Done()
		logger := s.logger.With("task", t.Name, "at", at)

		if lock && s.locker != nil {
			ok, err := s.locker.TryLock(runCtx, cache.SchedulerLockKey(t.Name, at.Unix()), 10*time.Minute)
			if err != nil {
				logger.Warn("scheduler lock unavailable, firing anyway", "error", err)
			} else if !ok {
				logger.Debug("firing claimed by another instance")
				return
			}
		}

		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in scheduled task", "error", r)
			}
		}()

		start := time.Now()
		if err := t.Run(runCtx, at); err != nil {
			logger.Error("scheduled task failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
			return
		}
		logger.Debug("scheduled task finished", "duration_ms", time.Since(start).Milliseconds())
	}()
}
