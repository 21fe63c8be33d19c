// Copyright 2025 James Ross

// Package collaborators provides in-memory stand-ins for the three
// external contracts the queue core depends on (Payload Executor,
// Generation Streamer, Result Sink). Production wires real
// implementations backed by an LLM provider client and relational
// persistence; these are the seam, used by tests and local/dev runs.
package collaborators

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jdforge/queuecore/internal/queue"
)

// DemoExecutor honors a request payload's simulate_only/sim.* fields,
// sleeping a fixed or uniformly-sampled interval, and otherwise fails
// any request whose payload "fail" field is truthy. Modeled on the
// teacher's processJob, which slept proportional to file size and
// failed whenever the file path contained "fail".
type DemoExecutor struct{}

func NewDemoExecutor() *DemoExecutor { return &DemoExecutor{} }

func (e *DemoExecutor) Execute(ctx context.Context, req queue.Request) (bool, string) {
	if req.SimulateOnly() {
		d := simulatedDuration(req.Payload)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, "canceled"
		case <-timer.C:
		}
		return true, ""
	}

	if truthy(req.Payload["fail"]) {
		return false, "payload marked fail"
	}
	return true, ""
}

func simulatedDuration(payload map[string]any) time.Duration {
	sim, _ := payload["sim"].(map[string]any)
	if sim == nil {
		return 100 * time.Millisecond
	}
	if fixed, ok := asFloat(sim["fixed_sec"]); ok {
		return time.Duration(fixed * float64(time.Second))
	}
	min, hasMin := asFloat(sim["min_sec"])
	max, hasMax := asFloat(sim["max_sec"])
	if hasMin && hasMax && max > min {
		sampled := min + rand.Float64()*(max-min)
		return time.Duration(sampled * float64(time.Second))
	}
	return 100 * time.Millisecond
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// DemoStreamer yields the payload's "chunks" field (a []string or
// []any of strings) if present, else a canned three-chunk markdown
// snippet. Errors are never raised by this stand-in.
type DemoStreamer struct{}

func NewDemoStreamer() *DemoStreamer { return &DemoStreamer{} }

func (s *DemoStreamer) Stream(ctx context.Context, payload map[string]any) (<-chan string, <-chan error) {
	chunks := canonicalChunks(payload)
	out := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- c:
			}
		}
	}()
	return out, errCh
}

func canonicalChunks(payload map[string]any) []string {
	if raw, ok := payload["chunks"].([]string); ok && len(raw) > 0 {
		return raw
	}
	if raw, ok := payload["chunks"].([]any); ok && len(raw) > 0 {
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{"# Generated Job Description\n", "Body ", "text."}
}

// DemoSink appends (task_id, title, markdown) to an in-memory slice
// under a mutex and returns a fresh UUID as saved_id.
type DemoSink struct {
	mu    sync.Mutex
	saved []SavedResult
}

// SavedResult is one persisted generation output.
type SavedResult struct {
	TaskID   string
	Title    string
	Markdown string
	SavedID  string
}

func NewDemoSink() *DemoSink { return &DemoSink{} }

func (s *DemoSink) Save(ctx context.Context, taskID, title, markdown string, meta map[string]any) (string, error) {
	savedID := uuid.NewString()
	s.mu.Lock()
	s.saved = append(s.saved, SavedResult{TaskID: taskID, Title: title, Markdown: markdown, SavedID: savedID})
	s.mu.Unlock()
	return savedID, nil
}

// All returns a defensive copy of everything saved so far, for tests.
func (s *DemoSink) All() []SavedResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SavedResult, len(s.saved))
	copy(out, s.saved)
	return out
}
