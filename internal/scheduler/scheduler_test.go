package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEvery_RunsOnVirtualTicks(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, zap.NewNop())
	defer s.Stop()

	var runs atomic.Int32
	s.Every(context.Background(), "count", time.Second, func(context.Context) { runs.Add(1) })

	clk.Add(500 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())

	for i := 0; i < 3; i++ {
		clk.Add(time.Second)
		want := int32(i + 1)
		require.Eventually(t, func() bool { return runs.Load() == want }, time.Second, time.Millisecond)
	}
}

func TestTask_StopHaltsRuns(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, zap.NewNop())

	var runs atomic.Int32
	task := s.Every(context.Background(), "count", time.Second, func(context.Context) { runs.Add(1) })
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	task.Stop()
	clk.Add(5 * time.Second)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, "count", task.Name())
}

func TestEvery_PanicDoesNotKillTask(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, zap.NewNop())
	defer s.Stop()

	var runs atomic.Int32
	s.Every(context.Background(), "flaky", time.Second, func(context.Context) {
		if runs.Add(1) == 1 {
			panic("boom")
		}
	})
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
}

func TestEvery_ReplacesSameName(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, zap.NewNop())
	defer s.Stop()

	var first, second atomic.Int32
	s.Every(context.Background(), "job", time.Second, func(context.Context) { first.Add(1) })
	s.Every(context.Background(), "job", time.Second, func(context.Context) { second.Add(1) })

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestEvery_ContextCancel(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	task := s.Every(ctx, "job", time.Second, func(context.Context) {})
	cancel()
	select {
	case <-task.done:
	case <-time.After(time.Second):
		t.Fatal("task did not exit after context cancel")
	}
}
