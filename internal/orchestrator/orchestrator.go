// Copyright 2025 James Ross

// Package orchestrator drives the "simulate-then-generate" flow: it
// enqueues a batch of simulated payloads under one user, waits for the
// pre-queue to drain while publishing progress, then hands off to the
// Stream bridge for the real generation.
package orchestrator

import (
	"context"
	"time"

	"github.com/jdforge/queuecore/internal/engine"
	"github.com/jdforge/queuecore/internal/eventhub"
	"github.com/jdforge/queuecore/internal/queue"
	"github.com/jdforge/queuecore/internal/streambridge"
	"github.com/jdforge/queuecore/internal/taskstore"
)

// Request is the decoded POST /sim-then-generate body.
type Request struct {
	UserID         string
	PrequeueCount  int
	Sim            map[string]any
	JD             map[string]any
	StreamMode     bool
	CallbackURL    string
	WaitTimeoutSec float64
}

// Notifier delivers the optional terminal-state webhook; nil disables it.
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, taskID string, task taskstore.Task)
}

// Orchestrator composes the Engine, Task store, Event hub, and Stream
// bridge into the end-to-end flow described by spec.md section 4.10.
type Orchestrator struct {
	eng          *engine.Engine
	tasks        *taskstore.Store
	hub          *eventhub.Hub
	bridge       *streambridge.Bridge
	notifier     Notifier
	PollInterval time.Duration
	Now          func() time.Time
}

func New(eng *engine.Engine, tasks *taskstore.Store, hub *eventhub.Hub, bridge *streambridge.Bridge, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		eng:          eng,
		tasks:        tasks,
		hub:          hub,
		bridge:       bridge,
		notifier:     notifier,
		PollInterval: time.Second,
		Now:          time.Now,
	}
}

func (o *Orchestrator) clockNow() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Submit creates a task and enqueues its pre-queue simulated payloads,
// returning immediately (the async path). Run drives the rest of the
// flow and should be invoked in its own goroutine.
func (o *Orchestrator) Submit(taskID string, req Request) taskstore.Task {
	ids := make([]string, 0, req.PrequeueCount)
	for i := 0; i < req.PrequeueCount; i++ {
		payload := map[string]any{
			"simulate_only": true,
			"sim":           req.Sim,
		}
		r := o.eng.Enqueue(req.UserID, payload)
		ids = append(ids, r.ID)
	}
	return o.tasks.Create(taskID, req.UserID, req.StreamMode, ids, o.clockNow())
}

// Run executes the pre-queue wait followed by generation, publishing
// progress and status events throughout. It must be called once per
// task, typically from its own goroutine right after Submit.
func (o *Orchestrator) Run(ctx context.Context, taskID string, req Request) {
	o.hub.Publish(taskID, eventhub.EventStatus, map[string]string{"status": "waiting"})
	o.tasks.SetStatus(taskID, taskstore.StatusWaiting)

	task, ok := o.tasks.Get(taskID)
	if !ok {
		return
	}

	o.waitForPrequeue(ctx, taskID, task.RequestIDs)

	o.hub.Publish(taskID, eventhub.EventStatus, map[string]string{"status": "generating"})
	o.tasks.SetStatus(taskID, taskstore.StatusGenerating)

	o.bridge.Run(ctx, taskID, req.JD)

	if o.notifier != nil && req.CallbackURL != "" {
		final, _ := o.tasks.Get(taskID)
		o.notifier.Notify(ctx, req.CallbackURL, taskID, final)
	}
}

// waitForPrequeue polls until every enqueued request reaches a terminal
// state, publishing progress{phase:"prequeue", pre_total, pre_done,
// percent} on each tick. An empty requestIDs list publishes exactly one
// progress event with done=0,total=0,percent=0 per the prequeue_count=0
// boundary.
func (o *Orchestrator) waitForPrequeue(ctx context.Context, taskID string, requestIDs []string) {
	total := len(requestIDs)
	if total == 0 {
		meta, _ := o.tasks.UpdateProgress(taskID, 0, 0, 0)
		o.publishProgress(taskID, total, 0, meta.BaselineTotal)
		return
	}

	ticker := time.NewTicker(o.pollInterval())
	defer ticker.Stop()
	for {
		done, active := o.countPrequeue(requestIDs)
		meta, _ := o.tasks.UpdateProgress(taskID, total, done, active)
		o.publishProgress(taskID, total, done, meta.BaselineTotal)
		if done == total {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return time.Second
}

func (o *Orchestrator) countPrequeue(requestIDs []string) (done, active int) {
	for _, id := range requestIDs {
		req, ok := o.eng.Status(id)
		if !ok {
			continue
		}
		if req.Status.Terminal() {
			done++
		} else if req.Status == queue.StatusInflight {
			active++
		}
	}
	return done, active
}

// publishProgress publishes progress{phase:"prequeue", pre_total, pre_done,
// percent}. percent is computed against baselineTotal (Meta.BaselineTotal,
// the monotonic high-water mark of active+done), not the raw pre-queue
// count, so it never regresses when new items are enqueued mid-task
// (spec.md section 9).
func (o *Orchestrator) publishProgress(taskID string, total, done, baselineTotal int) {
	percent := 0
	if baselineTotal > 0 {
		percent = (done * 100) / baselineTotal
	}
	o.hub.Publish(taskID, eventhub.EventProgress, map[string]any{
		"phase":     "prequeue",
		"pre_total": total,
		"pre_done":  done,
		"percent":   percent,
	})
}
