// Copyright 2025 James Ross
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jdforge/queuecore/internal/queue"
	"github.com/jdforge/queuecore/internal/scheduler"
)

// Config is the Engine's immutable admission and TTL policy.
type Config struct {
	Limits         scheduler.Limits
	AdmitBatchMax  int
	QueuedTTL      time.Duration
	ETAWindow      int
	Now            func() time.Time // overridable for tests; defaults to time.Now
}

func (c Config) clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

// AdmitResult is the outcome of one Admit call.
type AdmitResult struct {
	Admitted     []queue.Request
	CapacityLeft int
}

// Engine composes a Repository, a Scheduler, and a Metrics sink; it owns
// the request state machine's transition entry points, TTL expiry, the
// global ETA sample window, and snapshot assembly.
type Engine struct {
	repo   *queue.Repository
	sched  *scheduler.Scheduler
	metric Metrics
	cfg    Config

	mu         sync.Mutex
	etaWindow  []float64 // successful admission->finish durations, most recent last
}

// New returns an Engine. metrics may be nil, in which case NoopMetrics
// is used.
func New(cfg Config, metrics Metrics) *Engine {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if cfg.AdmitBatchMax <= 0 {
		cfg.AdmitBatchMax = 64
	}
	if cfg.ETAWindow <= 0 {
		cfg.ETAWindow = 50
	}
	return &Engine{
		repo:   queue.NewRepository(),
		sched:  scheduler.New(),
		metric: metrics,
		cfg:    cfg,
	}
}

// Repository exposes the underlying Repository for read-mostly callers
// (the Queue façade's position/ETA lookups).
func (e *Engine) Repository() *queue.Repository { return e.repo }

// Enqueue creates a fresh queued Request and never fails.
func (e *Engine) Enqueue(userID string, payload map[string]any) queue.Request {
	req := queue.Request{
		ID:         uuid.NewString(),
		UserID:     userID,
		Payload:    payload,
		EnqueuedAt: e.cfg.clock()(),
	}
	created := e.repo.Add(req)
	e.metric.IncEnqueued()
	return created
}

// Admit runs TTL expiry, then asks the Scheduler which queued requests
// to admit next, transitions each to inflight, and stamps eta_sec from
// the most recent global ETA sample (nil when the window is empty).
func (e *Engine) Admit() AdmitResult {
	now := e.cfg.clock()()
	e.expireStaleQueued(now)

	admissions := e.sched.Select(e.repo, e.cfg.Limits, e.cfg.AdmitBatchMax)
	var eta *float64
	e.mu.Lock()
	if n := len(e.etaWindow); n > 0 {
		last := e.etaWindow[n-1]
		eta = &last
	}
	e.mu.Unlock()

	out := make([]queue.Request, 0, len(admissions))
	for _, a := range admissions {
		req, ok := e.repo.MarkAdmitted(a.RequestID, now)
		if !ok {
			continue
		}
		if eta != nil {
			v := *eta
			req.ETASeconds = &v
		}
		out = append(out, req)
		e.metric.IncAdmitted()
	}
	e.metric.SetInflightGlobal(e.repo.InflightCountGlobal())

	capacityLeft := e.cfg.Limits.MaxInflightGlobal - e.repo.InflightCountGlobal()
	if capacityLeft < 0 {
		capacityLeft = 0
	}
	return AdmitResult{Admitted: out, CapacityLeft: capacityLeft}
}

// expireStaleQueued walks every user's queue head and cancels it with
// reason "ttl_expired" while it has sat queued longer than QueuedTTL.
// This is the only path by which a queued request becomes terminal
// without ever being admitted.
func (e *Engine) expireStaleQueued(now time.Time) {
	for _, userID := range e.repo.ListUserIDs() {
		for {
			id, ok := e.repo.PeekUserQueue(userID)
			if !ok {
				break
			}
			req, ok := e.repo.Get(id)
			if !ok {
				break
			}
			if now.Sub(req.EnqueuedAt) <= e.cfg.QueuedTTL {
				break
			}
			if _, ok := e.repo.DequeueForUser(userID); !ok {
				break
			}
			e.repo.Cancel(id, queue.StatusExpired, "ttl_expired", now)
			e.metric.IncExpired()
		}
	}
}

// Finish transitions a request from inflight to finished or failed. If
// the request was ever admitted, the admission->finish duration is
// pushed into the global ETA window on success only (per spec.md
// section 9's open-question resolution: failures never pollute ETA).
func (e *Engine) Finish(requestID string, ok bool, reason string) (queue.Request, bool) {
	now := e.cfg.clock()()
	before, found := e.repo.Get(requestID)
	if !found {
		return queue.Request{}, false
	}
	req, _ := e.repo.MarkFinished(requestID, ok, reason, now)
	e.metric.IncFinished(ok)
	e.metric.SetInflightGlobal(e.repo.InflightCountGlobal())

	if ok && before.Status == queue.StatusInflight && before.AdmittedAt != nil {
		dur := now.Sub(*before.AdmittedAt).Seconds()
		e.pushETASample(dur)
		e.metric.ObserveFinishDuration(dur)
	}
	return req, true
}

// Cancel is only meaningful on a queued request; inflight/terminal
// requests are left untouched (idempotent no-op).
func (e *Engine) Cancel(requestID, reason string) (queue.Request, bool) {
	return e.repo.Cancel(requestID, queue.StatusCanceled, reason, e.cfg.clock()())
}

// Status returns the current record for requestID.
func (e *Engine) Status(requestID string) (queue.Request, bool) {
	return e.repo.Get(requestID)
}

// Snapshot assembles aggregate stats plus the arithmetic mean of the
// global ETA window (nil if empty).
func (e *Engine) Snapshot() queue.Snapshot {
	avg := e.avgFinishSecLocked()
	return e.repo.StatsSnapshot(avg)
}

func (e *Engine) pushETASample(seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.etaWindow = append(e.etaWindow, seconds)
	if over := len(e.etaWindow) - e.cfg.ETAWindow; over > 0 {
		e.etaWindow = e.etaWindow[over:]
	}
}

func (e *Engine) avgFinishSecLocked() *float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.etaWindow) == 0 {
		return nil
	}
	var sum float64
	for _, v := range e.etaWindow {
		sum += v
	}
	avg := sum / float64(len(e.etaWindow))
	return &avg
}
