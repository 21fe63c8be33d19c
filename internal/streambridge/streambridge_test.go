// Copyright 2025 James Ross
package streambridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jdforge/queuecore/internal/eventhub"
	"github.com/jdforge/queuecore/internal/taskstore"
	"github.com/stretchr/testify/require"
)

type fakeStreamer struct {
	chunks []string
	err    error
}

func (f fakeStreamer) Stream(ctx context.Context, payload map[string]any) (<-chan string, <-chan error) {
	out := make(chan string, len(f.chunks))
	errCh := make(chan error, 1)
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	errCh <- f.err
	close(errCh)
	return out, errCh
}

type fakeSink struct {
	savedID string
	err     error
}

func (f fakeSink) Save(ctx context.Context, taskID, title, markdown string, meta map[string]any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.savedID, nil
}

func TestTitleExtractsFirstHeading(t *testing.T) {
	require.Equal(t, "Title", Title("# Title\nBody text."))
	require.Equal(t, "Untitled", Title("no heading here"))
}

func TestRunPublishesDeltasAndEndOnSuccess(t *testing.T) {
	hub := eventhub.New(10)
	tasks := taskstore.NewStore()
	tasks.Create("t1", "u", true, nil, time.Now())

	ch, unsub := hub.Subscribe("t1")
	defer unsub()

	b := New(fakeStreamer{chunks: []string{"# Title\n", "Body ", "text."}}, fakeSink{savedID: "saved-1"}, hub, tasks)
	b.Run(context.Background(), "t1", nil)

	var types []string
	for len(types) < 4 {
		ev := <-ch
		types = append(types, ev.Type)
	}
	require.Equal(t, []string{"delta", "delta", "delta", "end"}, types)

	got, ok := tasks.Get("t1")
	require.True(t, ok)
	require.Equal(t, taskstore.StatusFinished, got.Status)
	require.Equal(t, "saved-1", got.SavedID)
}

func TestRunPublishesErrorOnStreamerFailure(t *testing.T) {
	hub := eventhub.New(10)
	tasks := taskstore.NewStore()
	tasks.Create("t1", "u", true, nil, time.Now())

	ch, unsub := hub.Subscribe("t1")
	defer unsub()

	b := New(fakeStreamer{chunks: []string{"partial"}, err: errors.New("boom")}, fakeSink{}, hub, tasks)
	b.Run(context.Background(), "t1", nil)

	<-ch // delta for "partial"
	ev := <-ch
	require.Equal(t, "error", ev.Type)

	got, ok := tasks.Get("t1")
	require.True(t, ok)
	require.Equal(t, taskstore.StatusFailed, got.Status)
}

func TestRunPublishesErrorOnSinkFailure(t *testing.T) {
	hub := eventhub.New(10)
	tasks := taskstore.NewStore()
	tasks.Create("t1", "u", true, nil, time.Now())

	ch, unsub := hub.Subscribe("t1")
	defer unsub()

	b := New(fakeStreamer{chunks: []string{"x"}}, fakeSink{err: errors.New("disk full")}, hub, tasks)
	b.Run(context.Background(), "t1", nil)

	<-ch // delta
	ev := <-ch
	require.Equal(t, "error", ev.Type)
}
