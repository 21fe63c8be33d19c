// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jdforge/queuecore/internal/eventhub"
	"github.com/jdforge/queuecore/internal/orchestrator"
	"github.com/jdforge/queuecore/internal/queuesvc"
	"github.com/jdforge/queuecore/internal/taskstore"
	"go.uber.org/zap"
)

// Server wires the orchestrator, task store, event hub, and queue
// façade into the HTTP+SSE surface documented by spec.md section 6.2.
type Server struct {
	orch   *orchestrator.Orchestrator
	tasks  *taskstore.Store
	hub    *eventhub.Hub
	svc    *queuesvc.Service
	limits queuesvc.Limits
	log    *zap.Logger
}

func NewServer(orch *orchestrator.Orchestrator, tasks *taskstore.Store, hub *eventhub.Hub, svc *queuesvc.Service, limits queuesvc.Limits, log *zap.Logger) *Server {
	return &Server{orch: orch, tasks: tasks, hub: hub, svc: svc, limits: limits, log: log}
}

// Router builds the mux.Router with every documented route. Middleware
// is applied separately by NewHTTPServer (server.go) so tests can
// exercise routes without the full chain.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/sim-then-generate", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{task_id}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{task_id}/result", s.handleResult).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{task_id}/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/admin/snapshot", s.handleAdminSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/admin/tasks/{task_id}", s.handleAdminTask).Methods(http.MethodGet)
	r.HandleFunc("/admin/tasks/{task_id}/cancel", s.handleAdminCancel).Methods(http.MethodPost)
	return r
}

type submitBody struct {
	PrequeueCount  int            `json:"prequeue_count"`
	Sim            map[string]any `json:"sim"`
	JD             map[string]any `json:"jd"`
	UserID         string         `json:"user_id"`
	WaitTimeoutSec float64        `json:"wait_timeout_sec"`
}

type links struct {
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Events string `json:"events,omitempty"`
	Stream string `json:"stream,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if body.UserID == "" {
		body.UserID = "anonymous"
	}

	mode := r.URL.Query().Get("mode")
	stream := r.URL.Query().Get("stream") == "true"
	callbackURL := r.URL.Query().Get("callback_url")

	taskID := uuid.NewString()
	req := orchestrator.Request{
		UserID:         body.UserID,
		PrequeueCount:  body.PrequeueCount,
		Sim:            body.Sim,
		JD:             body.JD,
		StreamMode:     stream,
		CallbackURL:    callbackURL,
		WaitTimeoutSec: body.WaitTimeoutSec,
	}

	s.orch.Submit(taskID, req)
	runCtx := context.Background()
	go s.orch.Run(runCtx, taskID, req)

	lk := s.linksFor(taskID, stream)

	if mode == "sync" {
		s.waitAndRespondSync(w, taskID, body.WaitTimeoutSec, lk)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": taskID,
		"status":  "accepted",
		"links":   lk,
	})
}

func (s *Server) waitAndRespondSync(w http.ResponseWriter, taskID string, waitTimeoutSec float64, lk links) {
	timeout := 30 * time.Second
	if waitTimeoutSec > 0 {
		timeout = time.Duration(waitTimeoutSec * float64(time.Second))
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, ok := s.tasks.Get(taskID)
		if ok && task.Status.Terminal() {
			if task.Status == taskstore.StatusFinished {
				writeJSON(w, http.StatusOK, task.Result)
				return
			}
			writeError(w, http.StatusUnprocessableEntity, "execution_error", task.Error)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "status": "accepted", "links": lk})
}

func (s *Server) linksFor(taskID string, stream bool) links {
	lk := links{Status: fmt.Sprintf("/tasks/%s/status", taskID)}
	if stream {
		lk.Stream = fmt.Sprintf("/tasks/%s/stream", taskID)
		lk.Events = lk.Stream
	} else {
		lk.Result = fmt.Sprintf("/tasks/%s/result", taskID)
	}
	return lk
}

type statusResponse struct {
	TaskID         string  `json:"task_id"`
	Status         string  `json:"status"`
	Progress       int     `json:"progress"`
	PrequeueDone   int     `json:"prequeue_done"`
	PrequeueTotal  int     `json:"prequeue_total"`
	RemainingAhead int     `json:"remaining_ahead"`
	ETASeconds     float64 `json:"eta_seconds"`
	WaitPercent    int     `json:"wait_percent"`
	SavedID        string  `json:"saved_id,omitempty"`
	Error          string  `json:"error,omitempty"`
	Links          links   `json:"links"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	task, ok := s.tasks.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_task", "no such task")
		return
	}

	percent := 0
	if task.Meta.BaselineTotal > 0 {
		percent = (task.Meta.PreDone * 100) / task.Meta.BaselineTotal
	}
	if task.Status == taskstore.StatusGenerating || task.Status.Terminal() {
		percent = 100
	}

	remaining := task.Meta.PreTotal - task.Meta.PreDone
	if remaining < 0 {
		remaining = 0
	}

	resp := statusResponse{
		TaskID:         taskID,
		Status:         string(task.Status),
		Progress:       percent,
		PrequeueDone:   task.Meta.PreDone,
		PrequeueTotal:  task.Meta.PreTotal,
		RemainingAhead: remaining,
		WaitPercent:    percent,
		SavedID:        task.SavedID,
		Error:          task.Error,
		Links:          s.linksFor(taskID, task.StreamMode),
	}
	resp.ETASeconds = s.svc.MyStatus(task.UserID, "", s.limits).ETASeconds
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	task, ok := s.tasks.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_task", "no such task")
		return
	}
	if task.StreamMode {
		writeError(w, http.StatusBadRequest, "wrong_mode_task_access", "stream task; use /stream")
		return
	}
	if !task.Status.Terminal() {
		writeError(w, http.StatusConflict, "task_not_finished", "task has not reached a terminal state")
		return
	}
	if task.Status == taskstore.StatusFailed {
		writeError(w, http.StatusUnprocessableEntity, "execution_error", task.Error)
		return
	}
	writeJSON(w, http.StatusOK, task.Result)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	task, ok := s.tasks.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_task", "no such task")
		return
	}
	if !task.StreamMode {
		writeError(w, http.StatusBadRequest, "wrong_mode_task_access", "non-stream task; use /result")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, unsubscribe := s.hub.Subscribe(taskID)
	defer unsubscribe()

	writeSSE(w, eventhub.EventHello, map[string]string{"task_id": taskID})
	flusher.Flush()

	keepalive := time.NewTicker(10 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, ev.Type, ev.Data)
			flusher.Flush()
		case <-keepalive.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, eventType string, data any) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, encoded)
}

func (s *Server) handleAdminSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Snapshot())
}

func (s *Server) handleAdminTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	task, ok := s.tasks.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_task", "no such task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleAdminCancel cancels every outstanding pre-queue request for a
// task in the Engine, then marks the task itself canceled. Backs the
// `jdqueue -role admin cancel` CLI subcommand.
func (s *Server) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	task, ok := s.tasks.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_task", "no such task")
		return
	}
	eng := s.svc.Engine()
	for _, reqID := range task.RequestIDs {
		eng.Cancel(reqID, "canceled_by_admin")
	}
	updated, ok := s.tasks.Cancel(taskID, time.Now())
	if !ok {
		writeError(w, http.StatusConflict, "task_not_cancelable", "task already reached a terminal state")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
