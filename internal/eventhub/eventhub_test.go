// Copyright 2025 James Ross
package eventhub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	h := New(10)
	ch, unsub := h.Subscribe("task-1")
	defer unsub()

	h.Publish("task-1", EventDelta, map[string]string{"text": "hi"})

	ev := <-ch
	require.Equal(t, EventDelta, ev.Type)
}

func TestPublishDropsOnFullBufferWithoutBlocking(t *testing.T) {
	var dropped int
	h := New(2, WithDropCounter(func(taskID string) { dropped++ }))
	ch, unsub := h.Subscribe("task-1")
	defer unsub()
	_ = ch // never drained

	for i := 0; i < 10; i++ {
		h.Publish("task-1", EventDelta, i)
	}

	require.Greater(t, dropped, 0)
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	h := New(10)
	_, unsub := h.Subscribe("task-1")
	require.Equal(t, 1, h.SubscriberCount("task-1"))
	unsub()
	require.Equal(t, 0, h.SubscriberCount("task-1"))
}

func TestTwoSubscribersOneSlowOneFastNeverBlocksProducer(t *testing.T) {
	h := New(8)
	fast, unsubFast := h.Subscribe("task-1")
	_, unsubSlow := h.Subscribe("task-1")
	defer unsubFast()
	defer unsubSlow()

	done := make(chan struct{})
	received := 0
	go func() {
		for range fast {
			received++
			if received == 2000 {
				close(done)
				return
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		h.Publish("task-1", EventDelta, i)
	}
	<-done
	require.Equal(t, 2000, received)
}
