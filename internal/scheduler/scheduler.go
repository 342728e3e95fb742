// Package scheduler runs named periodic tasks on an injectable clock so that
// loops such as rebalancing, snapshotting and expiry can be driven by a mock
// clock in tests.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Func is the body of a periodic task. It runs on the task's goroutine; a
// slow run delays the next tick rather than overlapping with it.
type Func func(ctx context.Context)

// Task is a running periodic task.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Stop cancels the task and waits for an in-progress run to return.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

// Scheduler owns a set of periodic tasks.
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

// New creates a scheduler on clk.
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{clock: clk, logger: logger.Named("scheduler"), tasks: make(map[string]*Task)}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// Every runs fn every interval until ctx is done or the task is stopped.
// Registering a name twice replaces the earlier task.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, fn Func) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{name: name, cancel: cancel, done: make(chan struct{})}
	ticker := s.clock.Ticker(interval)

	s.mu.Lock()
	prev := s.tasks[name]
	s.tasks[name] = t
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.run(ctx, name, fn)
			}
		}
	}()
	s.logger.Debug("task scheduled", zap.String("task", name), zap.Duration("interval", interval))
	return t
}

func (s *Scheduler) run(ctx context.Context, name string, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", zap.String("task", name), zap.Any("recover", r))
		}
	}()
	fn(ctx)
}

// Stop cancels every task and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*Task)
	s.mu.Unlock()
	for _, t := range tasks {
		t.Stop()
	}
}
