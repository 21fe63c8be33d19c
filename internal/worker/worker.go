// Copyright 2025 James Ross
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jdforge/queuecore/internal/breaker"
	"github.com/jdforge/queuecore/internal/config"
	"github.com/jdforge/queuecore/internal/engine"
	"github.com/jdforge/queuecore/internal/obs"
	"github.com/jdforge/queuecore/internal/queue"
	"go.uber.org/zap"
)

// Executor dispatches one admitted request to the Payload Executor
// collaborator and reports whether it finished successfully. reason is
// recorded as the request's fail_reason when ok is false.
type Executor interface {
	Execute(ctx context.Context, req queue.Request) (ok bool, reason string)
}

// Worker polls the Engine's admission cycle and drives each admitted
// request through the Executor, generalizing the teacher's BRPOPLPUSH
// poll loop (worker.go's runOne) to polling engine.Admit() instead of a
// Redis list.
type Worker struct {
	cfg  *config.Config
	eng  *engine.Engine
	exec Executor
	log  *zap.Logger
	cb   *breaker.CircuitBreaker

	// OnFinish, if set, is invoked after every successful Finish call
	// with the request's owning user and the wall time in seconds from
	// the start of dispatch to the finish. Failed requests do not invoke
	// it. Used to feed the per-user EMA store without the worker
	// importing queuesvc directly.
	OnFinish func(userID string, seconds float64, ok bool)
}

func New(cfg *config.Config, eng *engine.Engine, exec Executor, log *zap.Logger) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Worker{cfg: cfg, eng: eng, exec: exec, log: log, cb: cb}
}

// Run drives admission cycles until ctx is canceled. It admits a batch,
// dispatches each admitted request to its own goroutine, and sleeps for
// the configured poll interval between cycles.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.cfg.Queue.AdmitPollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	go w.reportBreakerState(ctx)

	var inflight sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			return nil
		case <-ticker.C:
			result := w.eng.Admit()
			for _, req := range result.Admitted {
				inflight.Add(1)
				go func(r queue.Request) {
					defer inflight.Done()
					w.dispatch(ctx, r)
				}(req)
			}
		}
	}
}

// dispatch calls the Payload Executor for one admitted request, unless
// the circuit breaker is open, in which case the call is skipped and
// the request fails fast with reason "circuit_open". The breaker only
// ever gates this per-request executor call, never whether the request
// was admitted in the first place.
func (w *Worker) dispatch(ctx context.Context, req queue.Request) {
	dispatchCtx, span := obs.ContextWithRequestSpan(ctx, req)
	defer span.End()

	start := time.Now()
	var ok bool
	var reason string
	if w.cb.Allow() {
		ok, reason = w.exec.Execute(dispatchCtx, req)

		prev := w.cb.State()
		w.cb.Record(ok)
		curr := w.cb.State()
		if prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
	} else {
		ok, reason = false, "circuit_open"
	}

	if ok {
		obs.SetSpanSuccess(dispatchCtx)
	} else {
		obs.RecordError(dispatchCtx, fmt.Errorf("%s", reason))
	}

	finishedAt := time.Now()
	if _, found := w.eng.Finish(req.ID, ok, reason); !found {
		w.log.Warn("finish on unknown request", obs.String("request_id", req.ID))
	}
	if w.OnFinish != nil && ok {
		w.OnFinish(req.UserID, finishedAt.Sub(start).Seconds(), ok)
	}
	w.log.Info("request dispatched",
		obs.String("request_id", req.ID),
		obs.String("user_id", req.UserID),
		obs.Bool("ok", ok),
		obs.Duration("duration", time.Since(start)),
	)
}

func (w *Worker) reportBreakerState(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch w.cb.State() {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
			}
		}
	}
}
