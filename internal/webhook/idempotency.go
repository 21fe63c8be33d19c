// Copyright 2025 James Ross
package webhook

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// IdempotencyStore records which task IDs have already had their
// terminal-state webhook delivered, so a restarted process (or a
// duplicate Notify call racing with itself) does not fire the callback
// twice. It is optional: Notifier works without one, it just loses the
// cross-restart dedup guarantee.
type IdempotencyStore interface {
	AlreadyNotified(ctx context.Context, taskID string) (bool, error)
	MarkNotified(ctx context.Context, taskID string) error
}

// NATSIdempotencyStore backs IdempotencyStore with a JetStream
// key-value bucket, adapted from the teacher's event-hooks NATSPublisher
// connection/JetStream setup. It is the only webhook component that
// imports nats-io/nats.go; durability of the bucket itself is NATS's
// concern, never the Request/Task store's.
type NATSIdempotencyStore struct {
	kv nats.KeyValue
}

// NewNATSIdempotencyStore connects to natsURL and creates (or attaches
// to) a "webhook-notified" JetStream KV bucket.
func NewNATSIdempotencyStore(natsURL string) (*NATSIdempotencyStore, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	kv, err := js.KeyValue("webhook-notified")
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: "webhook-notified"})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("create kv bucket: %w", err)
		}
	}
	return &NATSIdempotencyStore{kv: kv}, nil
}

func (s *NATSIdempotencyStore) AlreadyNotified(_ context.Context, taskID string) (bool, error) {
	_, err := s.kv.Get(taskID)
	if err == nats.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *NATSIdempotencyStore) MarkNotified(_ context.Context, taskID string) error {
	_, err := s.kv.Put(taskID, []byte("1"))
	return err
}
