package sharding

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/metrics"
)

// shard is an actor owning a disjoint subset of pairs. Its worker goroutine is
// the only code that runs matching for those pairs.
type shard struct {
	id    int
	label string
	inbox chan *task
	exec  *Executor

	// load counts tasks executed since the last rebalance sample.
	load      atomic.Int64
	processed atomic.Int64
	restarts  atomic.Int64

	mu       sync.Mutex
	pairLoad map[string]int64
	current  *task
}

func newShard(id int, exec *Executor, inboxSize int) *shard {
	return &shard{
		id:       id,
		label:    strconv.Itoa(id),
		inbox:    make(chan *task, inboxSize),
		exec:     exec,
		pairLoad: make(map[string]int64),
	}
}

// loop runs the worker, recreating it after a crash with the same inbox and
// pair ownership until ctx is done.
func (s *shard) loop(ctx context.Context, done func()) {
	defer done()
	for {
		crash, ok := s.serve(ctx)
		if !ok {
			return
		}
		s.restart(crash)
	}
}

// serve processes tasks until ctx is done (ok=false) or the worker panics.
func (s *shard) serve(ctx context.Context) (crash any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			crash, ok = r, true
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case t := <-s.inbox:
			s.handle(ctx, t)
		}
	}
}

func (s *shard) handle(ctx context.Context, t *task) {
	if t.state.Load() == stateAbandoned {
		return
	}
	if owner := s.exec.ownerOf(t.pair); owner != s.id {
		// ownership moved while the task was queued here
		metrics.TaskEvents.WithLabelValues("forwarded").Inc()
		s.exec.forward(ctx, owner, t)
		return
	}
	if !t.claim() {
		return
	}
	s.mu.Lock()
	s.current = t
	s.mu.Unlock()
	s.exec.markExecuting(t.pair, 1)

	r := s.exec.execute(ctx, t)

	s.exec.markExecuting(t.pair, -1)
	s.mu.Lock()
	s.current = nil
	s.pairLoad[t.pair]++
	s.mu.Unlock()
	s.load.Add(1)
	s.processed.Add(1)
	t.complete(r)
}

// restart fails the crashed task and everything queued behind it back to the
// callers, then resets the worker's load.
func (s *shard) restart(crash any) {
	s.mu.Lock()
	current := s.current
	s.current = nil
	s.pairLoad = make(map[string]int64)
	s.mu.Unlock()

	cause := errors.ShardUnavailable.Explain("shard %d worker crashed: %v", s.id, crash)
	failed := 0
	if current != nil {
		s.exec.markExecuting(current.pair, -1)
		current.complete(taskResult{err: s.exec.dispatchError(current, cause)})
		failed++
	}
drain:
	for {
		select {
		case t := <-s.inbox:
			if t.claim() {
				t.complete(taskResult{err: s.exec.dispatchError(t, cause)})
				failed++
			}
		default:
			break drain
		}
	}

	s.load.Store(0)
	s.restarts.Add(1)
	metrics.WorkerRestarts.WithLabelValues(s.label).Inc()
	metrics.ShardLoad.WithLabelValues(s.label).Set(0)
	s.exec.logger.Error("shard worker crashed and was restarted",
		zap.Int("shard", s.id),
		zap.String("panic", fmt.Sprint(crash)),
		zap.Int("failed_tasks", failed),
		zap.Int64("restarts", s.restarts.Load()))
}

// sample returns the load since the last sample plus the current backlog, and
// per-pair counts, resetting the window.
func (s *shard) sample() (int64, map[string]int64) {
	s.mu.Lock()
	pairs := s.pairLoad
	s.pairLoad = make(map[string]int64)
	s.mu.Unlock()
	load := s.load.Swap(0) + int64(len(s.inbox))
	metrics.ShardLoad.WithLabelValues(s.label).Set(float64(load))
	return load, pairs
}
