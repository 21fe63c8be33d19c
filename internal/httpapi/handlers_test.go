// Copyright 2025 James Ross
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jdforge/queuecore/internal/collaborators"
	"github.com/jdforge/queuecore/internal/ema"
	"github.com/jdforge/queuecore/internal/engine"
	"github.com/jdforge/queuecore/internal/eventhub"
	"github.com/jdforge/queuecore/internal/orchestrator"
	"github.com/jdforge/queuecore/internal/queuesvc"
	"github.com/jdforge/queuecore/internal/scheduler"
	"github.com/jdforge/queuecore/internal/streambridge"
	"github.com/jdforge/queuecore/internal/taskstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	eng := engine.New(engine.Config{Limits: scheduler.Limits{MaxInflightGlobal: 8, MaxInflightPerUser: 8}, AdmitBatchMax: 8}, nil)
	tasks := taskstore.NewStore()
	hub := eventhub.New(100)
	bridge := streambridge.New(collaborators.NewDemoStreamer(), collaborators.NewDemoSink(), hub, tasks)
	orch := orchestrator.New(eng, tasks, hub, bridge, nil)
	orch.PollInterval = 5 * time.Millisecond
	svc := queuesvc.New(eng, ema.New(0.2))
	return NewServer(orch, tasks, hub, svc, queuesvc.Limits{MaxInflightGlobal: 8, MaxInflightPerUser: 8}, zap.NewNop())
}

func TestHandleSubmitReturnsAcceptedWithLinks(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	body, _ := json.Marshal(map[string]any{"prequeue_count": 0})
	req := httptest.NewRequest(http.MethodPost, "/sim-then-generate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "accepted", resp["status"])
	require.NotEmpty(t, resp["task_id"])
}

func TestHandleStatusUnknownTaskReturns404(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleResultOnStreamTaskReturns400(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	body, _ := json.Marshal(map[string]any{"prequeue_count": 0})
	req := httptest.NewRequest(http.MethodPost, "/sim-then-generate?stream=true", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	taskID := resp["task_id"].(string)

	// give the orchestrator a moment to finish the demo generation
	time.Sleep(200 * time.Millisecond)

	req2 := httptest.NewRequest(http.MethodGet, "/tasks/"+taskID+"/result", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestHandleAdminCancelCancelsOutstandingRequestsAndTask(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	body, _ := json.Marshal(map[string]any{"prequeue_count": 3})
	req := httptest.NewRequest(http.MethodPost, "/sim-then-generate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	taskID := resp["task_id"].(string)

	cancelReq := httptest.NewRequest(http.MethodPost, "/admin/tasks/"+taskID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	router.ServeHTTP(cancelRec, cancelReq)
	require.Equal(t, http.StatusOK, cancelRec.Code)

	var task map[string]any
	require.NoError(t, json.Unmarshal(cancelRec.Body.Bytes(), &task))
	require.Equal(t, "canceled", task["status"])
}

func TestHandleAdminCancelUnknownTaskReturns404(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/admin/tasks/does-not-exist/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAdminSnapshotReturnsAggregate(t *testing.T) {
	s := newTestServer(t)
	s.orch.Run(context.Background(), "unused", orchestrator.Request{}) // no-op: unknown task, just exercises no panic
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/admin/snapshot", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
