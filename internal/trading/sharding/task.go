package sharding

import (
	"sync"
	"sync/atomic"

	"github.com/Aidin1998/pincex_hybrid/internal/trading/engine"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
)

type taskKind int

const (
	taskProcess taskKind = iota
	taskMatchBounded
	taskCancel
	taskExpire
)

func (k taskKind) String() string {
	switch k {
	case taskProcess:
		return "process"
	case taskMatchBounded:
		return "match_bounded"
	case taskCancel:
		return "cancel"
	case taskExpire:
		return "expire"
	}
	return "unknown"
}

// task states
const (
	statePending int32 = iota
	stateClaimed
	stateAbandoned
)

// task is the typed message sent to a shard inbox.
type task struct {
	id      uint64
	kind    taskKind
	pair    string
	attempt int

	order   model.Order
	bound   string
	orderID string

	state atomic.Int32
	reply chan taskResult
	once  sync.Once
	// release is called exactly once when the task leaves the pair's in-flight set.
	release func()
}

// taskResult is the typed message a shard sends back.
type taskResult struct {
	result    *engine.Result
	cancelled bool
	expired   []model.Order
	err       error
}

func (t *task) claim() bool   { return t.state.CompareAndSwap(statePending, stateClaimed) }
func (t *task) abandon() bool { return t.state.CompareAndSwap(statePending, stateAbandoned) }

// finish releases the task's in-flight slot. Safe to call more than once.
func (t *task) finish() {
	t.once.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}

// complete delivers r to the waiting caller and releases the task.
func (t *task) complete(r taskResult) {
	t.finish()
	t.reply <- r
}

// remaining is the quantity a caller can resubmit if this task never ran.
func (t *task) remaining() string {
	if t.kind == taskProcess || t.kind == taskMatchBounded {
		return t.order.Amount
	}
	return ""
}
