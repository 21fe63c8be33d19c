// Copyright 2025 James Ross
package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/jdforge/queuecore/internal/collaborators"
	"github.com/jdforge/queuecore/internal/engine"
	"github.com/jdforge/queuecore/internal/eventhub"
	"github.com/jdforge/queuecore/internal/queue"
	"github.com/jdforge/queuecore/internal/scheduler"
	"github.com/jdforge/queuecore/internal/streambridge"
	"github.com/jdforge/queuecore/internal/taskstore"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *engine.Engine, *eventhub.Hub) {
	t.Helper()
	eng := engine.New(engine.Config{Limits: scheduler.Limits{MaxInflightGlobal: 8, MaxInflightPerUser: 8}, AdmitBatchMax: 8}, nil)
	tasks := taskstore.NewStore()
	hub := eventhub.New(100)
	bridge := streambridge.New(collaborators.NewDemoStreamer(), collaborators.NewDemoSink(), hub, tasks)
	o := New(eng, tasks, hub, bridge, nil)
	o.PollInterval = 5 * time.Millisecond
	return o, eng, hub
}

func drainPrequeueSimulated(t *testing.T, eng *engine.Engine, exec *collaborators.DemoExecutor) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res := eng.Admit()
		for _, r := range res.Admitted {
			go func(req queue.Request) {
				ok, reason := exec.Execute(context.Background(), req)
				eng.Finish(req.ID, ok, reason)
			}(r)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitEnqueuesPrequeuePayloads(t *testing.T) {
	o, eng, _ := newTestOrchestrator(t)
	task := o.Submit("t1", Request{UserID: "u1", PrequeueCount: 3, Sim: map[string]any{"fixed_sec": 0.01}})
	require.Len(t, task.RequestIDs, 3)
	for _, id := range task.RequestIDs {
		r, ok := eng.Status(id)
		require.True(t, ok)
		require.Equal(t, queue.StatusQueued, r.Status)
	}
}

func TestRunZeroPrequeuePublishesOneProgressEventThenGenerates(t *testing.T) {
	o, _, hub := newTestOrchestrator(t)
	task := o.Submit("t1", Request{UserID: "u1", PrequeueCount: 0, StreamMode: true})
	require.Empty(t, task.RequestIDs)

	ch, unsub := hub.Subscribe("t1")
	defer unsub()

	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), "t1", Request{UserID: "u1", StreamMode: true})
		close(done)
	}()

	var sawZeroProgress bool
	var sawEnd bool
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventhub.EventProgress {
				data := ev.Data.(map[string]any)
				if data["pre_total"] == 0 && data["pre_done"] == 0 && data["percent"] == 0 {
					sawZeroProgress = true
				}
			}
			if ev.Type == eventhub.EventEnd {
				sawEnd = true
			}
		case <-done:
			require.True(t, sawZeroProgress)
			require.True(t, sawEnd)
			return
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for orchestration to finish")
		}
	}
}

func TestRunDrainsPrequeueBeforeGenerating(t *testing.T) {
	o, eng, hub := newTestOrchestrator(t)
	task := o.Submit("t1", Request{UserID: "u1", PrequeueCount: 2, Sim: map[string]any{"fixed_sec": 0.01}, StreamMode: true})
	require.Len(t, task.RequestIDs, 2)

	ch, unsub := hub.Subscribe("t1")
	defer unsub()

	exec := collaborators.NewDemoExecutor()
	go drainPrequeueSimulated(t, eng, exec)

	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), "t1", Request{UserID: "u1", StreamMode: true})
		close(done)
	}()

	var statuses []string
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventhub.EventStatus {
				data := ev.Data.(map[string]string)
				statuses = append(statuses, data["status"])
			}
		case <-done:
			require.Contains(t, statuses, "waiting")
			require.Contains(t, statuses, "generating")
			finished, found := o.tasks.Get("t1")
			require.True(t, found)
			require.Equal(t, taskstore.StatusFinished, finished.Status)
			return
		case <-time.After(3 * time.Second):
			t.Fatal("timed out")
		}
	}
}
