// Copyright 2025 James Ross

// Package streambridge drives the Generation Streamer for a task,
// publishes delta events through the Event hub, accumulates the
// generated text, and finalizes the task via the Result Sink.
package streambridge

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/jdforge/queuecore/internal/eventhub"
	"github.com/jdforge/queuecore/internal/taskstore"
)

// Streamer is the Generation Streamer contract: produce a finite
// sequence of text chunks for a payload, or an error mid-stream.
type Streamer interface {
	Stream(ctx context.Context, payload map[string]any) (<-chan string, <-chan error)
}

// Sink is the Result Sink contract: persist a completed task's output.
type Sink interface {
	Save(ctx context.Context, taskID, title, markdown string, meta map[string]any) (string, error)
}

var headingPattern = regexp.MustCompile(`^#{1,6}\s+(.*)$`)

// Title extracts the first Markdown heading's text if present, else
// returns "Untitled".
func Title(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		if m := headingPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return "Untitled"
}

// Bridge wires a Streamer, a Sink, and an Event hub together.
type Bridge struct {
	streamer Streamer
	sink     Sink
	hub      *eventhub.Hub
	tasks    *taskstore.Store
	Now      func() time.Time
}

func New(streamer Streamer, sink Sink, hub *eventhub.Hub, tasks *taskstore.Store) *Bridge {
	return &Bridge{streamer: streamer, sink: sink, hub: hub, tasks: tasks, Now: time.Now}
}

func (b *Bridge) clockNow() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Run drives generation for taskID to completion: publishes one delta
// event per chunk, then on success persists the accumulated markdown
// and publishes end{saved_id, title, markdown}; on any streamer or sink
// error it marks the task failed and publishes error{message}.
func (b *Bridge) Run(ctx context.Context, taskID string, payload map[string]any) {
	chunks, errs := b.streamer.Stream(ctx, payload)

	var sb strings.Builder
	for chunk := range chunks {
		sb.WriteString(chunk)
		b.hub.Publish(taskID, eventhub.EventDelta, map[string]string{"text": chunk})
	}

	if err := <-errs; err != nil {
		b.fail(taskID, err.Error())
		return
	}

	markdown := sb.String()
	title := Title(markdown)

	savedID, err := b.sink.Save(ctx, taskID, title, markdown, nil)
	if err != nil {
		b.fail(taskID, err.Error())
		return
	}

	now := b.clockNow()
	b.tasks.Finish(taskID, savedID, title, markdown, now)
	b.hub.Publish(taskID, eventhub.EventEnd, map[string]string{
		"saved_id": savedID,
		"title":    title,
		"markdown": markdown,
	})
}

func (b *Bridge) fail(taskID, reason string) {
	b.tasks.Fail(taskID, reason, b.clockNow())
	b.hub.Publish(taskID, eventhub.EventError, map[string]string{"message": reason})
}
