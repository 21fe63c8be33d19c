// Copyright 2025 James Ross
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jdforge/queuecore/internal/breaker"
	"github.com/jdforge/queuecore/internal/config"
	"github.com/jdforge/queuecore/internal/engine"
	"github.com/jdforge/queuecore/internal/queue"
	"github.com/jdforge/queuecore/internal/scheduler"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingExecutor struct {
	mu    sync.Mutex
	seen  []string
	count int32
}

func (e *countingExecutor) Execute(_ context.Context, req queue.Request) (bool, string) {
	atomic.AddInt32(&e.count, 1)
	e.mu.Lock()
	e.seen = append(e.seen, req.ID)
	e.mu.Unlock()
	return true, ""
}

func newTestCfg() *config.Config {
	return &config.Config{
		Queue: config.Queue{
			AdmitPollInterval: 5 * time.Millisecond,
		},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           time.Second,
			CooldownPeriod:   time.Second,
			MinSamples:       10,
		},
	}
}

func TestWorkerRunDispatchesAdmittedRequestsAndFinishesThem(t *testing.T) {
	eng := engine.New(engine.Config{
		Limits:        scheduler.Limits{MaxInflightGlobal: 4, MaxInflightPerUser: 4},
		AdmitBatchMax: 4,
	}, nil)
	req := eng.Enqueue("user-1", map[string]any{"topic": "backend engineer"})

	exec := &countingExecutor{}
	w := New(newTestCfg(), eng, exec, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	require.GreaterOrEqual(t, atomic.LoadInt32(&exec.count), int32(1))
	got, found := eng.Status(req.ID)
	require.True(t, found)
	require.Equal(t, queue.StatusFinished, got.Status)
}

func TestWorkerRunAdmitsUnconditionallyEvenWithBreakerOpen(t *testing.T) {
	eng := engine.New(engine.Config{
		Limits:        scheduler.Limits{MaxInflightGlobal: 4, MaxInflightPerUser: 4},
		AdmitBatchMax: 4,
	}, nil)
	req := eng.Enqueue("user-1", map[string]any{"topic": "backend engineer"})

	exec := &countingExecutor{}
	w := New(newTestCfg(), eng, exec, zap.NewNop())
	for i := 0; i < 10; i++ {
		w.cb.Record(false)
	}
	require.Equal(t, breaker.Open, w.cb.State())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	// Admit() still ran and transitioned the request out of queued even
	// though the breaker blocked the executor call.
	got, found := eng.Status(req.ID)
	require.True(t, found)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Equal(t, "circuit_open", got.FailReason)
	require.Equal(t, int32(0), atomic.LoadInt32(&exec.count))
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	eng := engine.New(engine.Config{
		Limits:        scheduler.Limits{MaxInflightGlobal: 1, MaxInflightPerUser: 1},
		AdmitBatchMax: 1,
	}, nil)
	exec := &countingExecutor{}
	w := New(newTestCfg(), eng, exec, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
