// Copyright 2025 James Ross

// Package eventhub is the per-task subscriber fan-out: it publishes
// typed events to every subscriber of a task with non-blocking,
// drop-on-full semantics, grounded directly on the teacher's SSE
// handler (internal/multi-cluster-control/handlers.go:handleEvents),
// generalized from one global stream to one stream per task_id.
package eventhub

import (
	"sync"
	"time"
)

// Event is one typed, timestamped message delivered to subscribers of a
// single task's stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	TS   int64  `json:"ts"`
}

const (
	EventStart    = "start"
	EventStatus   = "status"
	EventProgress = "progress"
	EventQueue    = "queue"
	EventDelta    = "delta"
	EventEnd      = "end"
	EventError    = "error"
	EventHello    = "hello"
	EventPing     = "ping"
)

type subscriber struct {
	ch chan Event
}

// Hub owns per-task subscriber sets. Its zero value is not usable; use
// New.
type Hub struct {
	mu          sync.Mutex
	subs        map[string]map[*subscriber]struct{}
	bufferSize  int
	dropCounter func(taskID string)
	now         func() time.Time
}

// Option configures optional Hub behavior.
type Option func(*Hub)

// WithDropCounter registers a callback invoked once per dropped event,
// used to increment the jdqueue_events_dropped_total{task_id} metric
// without eventhub importing Prometheus directly.
func WithDropCounter(fn func(taskID string)) Option {
	return func(h *Hub) { h.dropCounter = fn }
}

// WithClock overrides the event timestamp source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func New(bufferSize int, opts ...Option) *Hub {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	h := &Hub{
		subs:       make(map[string]map[*subscriber]struct{}),
		bufferSize: bufferSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe returns a fresh bounded event channel for taskID and an
// unsubscribe function the caller must invoke exactly once (typically
// via defer) when it stops reading.
func (h *Hub) Subscribe(taskID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.bufferSize)}
	h.mu.Lock()
	set, ok := h.subs[taskID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[taskID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[taskID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, taskID)
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers an event to every current subscriber of taskID by
// non-blocking send; a full subscriber buffer is dropped for that
// message rather than blocking the producer (slow-consumer protection).
func (h *Hub) Publish(taskID, eventType string, data any) {
	ev := Event{Type: eventType, Data: data, TS: h.now().UnixNano() / int64(time.Millisecond)}
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs[taskID]))
	for s := range h.subs[taskID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			if h.dropCounter != nil {
				h.dropCounter(taskID)
			}
		}
	}
}

// SubscriberCount reports the number of currently open subscriptions to
// taskID, used by tests.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}
