// Copyright 2025 James Ross

// Package webhook delivers the optional task-completion callback POST,
// adapted from the teacher's internal/event-hooks webhook deliverer:
// HMAC-SHA256 request signing, bounded retries with the teacher's
// exponential backoff helper, and a per-destination-host circuit
// breaker so one dead endpoint cannot monopolize delivery.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jdforge/queuecore/internal/breaker"
	"github.com/jdforge/queuecore/internal/config"
	"github.com/jdforge/queuecore/internal/obs"
	"github.com/jdforge/queuecore/internal/taskstore"
	"go.uber.org/zap"
)

const signatureHeader = "X-JDQueue-Signature"

// Notifier POSTs a signed JSON payload describing a task's terminal
// state to an operator-supplied callback URL.
type Notifier struct {
	cfg    config.Webhook
	secret []byte
	client *http.Client
	log    *zap.Logger
	dedup  IdempotencyStore

	mu       sync.Mutex
	breakers map[string]*breaker.CircuitBreaker
}

func New(cfg config.Webhook, secret string, log *zap.Logger) *Notifier {
	return &Notifier{
		cfg:      cfg,
		secret:   []byte(secret),
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      log,
		breakers: make(map[string]*breaker.CircuitBreaker),
	}
}

// WithIdempotencyStore attaches a dedup store so a task whose webhook
// already succeeded is not re-notified by a racing or restarted caller.
func (n *Notifier) WithIdempotencyStore(store IdempotencyStore) *Notifier {
	n.dedup = store
	return n
}

type payload struct {
	TaskID     string `json:"task_id"`
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	SavedID    string `json:"saved_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Notify delivers the callback on the caller's goroutine and returns
// once delivery succeeded or gave up, making at most MaxRetries attempts
// in all with exponential backoff between them. Delivery failure is never
// surfaced to the HTTP client that originally submitted the task: the
// task has already reached a terminal state by the time this fires.
func (n *Notifier) Notify(ctx context.Context, callbackURL, taskID string, task taskstore.Task) {
	if n.dedup != nil {
		already, err := n.dedup.AlreadyNotified(ctx, taskID)
		if err != nil {
			n.log.Warn("idempotency check failed, delivering anyway", obs.String("task_id", taskID), obs.Err(err))
		} else if already {
			n.log.Debug("webhook already delivered for task, skipping", obs.String("task_id", taskID))
			return
		}
	}

	host := hostOf(callbackURL)
	cb := n.breakerFor(host)
	if !cb.Allow() {
		n.log.Warn("webhook circuit open, skipping delivery", obs.String("host", host), obs.String("task_id", taskID))
		return
	}

	body, err := json.Marshal(payload{
		TaskID:  taskID,
		UserID:  task.UserID,
		Status:  string(task.Status),
		SavedID: task.SavedID,
		Error:   task.Error,
	})
	if err != nil {
		n.log.Error("webhook payload marshal failed", obs.Err(err))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= n.maxRetries(); attempt++ {
		if err := n.deliver(ctx, callbackURL, body); err != nil {
			lastErr = err
			cb.Record(false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff(attempt, n.cfg.BackoffBase, n.cfg.BackoffMax)):
			}
			continue
		}
		cb.Record(true)
		if n.dedup != nil {
			if err := n.dedup.MarkNotified(ctx, taskID); err != nil {
				n.log.Warn("failed to record webhook delivery in idempotency store", obs.String("task_id", taskID), obs.Err(err))
			}
		}
		return
	}

	n.log.Warn("webhook delivery exhausted retries", obs.String("task_id", taskID), obs.Err(lastErr))
	obs.WebhookDeliveryFailed.Inc()
}

func (n *Notifier) deliver(ctx context.Context, callbackURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, n.sign(body))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) sign(body []byte) string {
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (n *Notifier) maxRetries() int {
	if n.cfg.MaxRetries > 0 {
		return n.cfg.MaxRetries
	}
	return 5
}

func (n *Notifier) breakerFor(host string) *breaker.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()
	cb, ok := n.breakers[host]
	if !ok {
		cbCfg := n.cfg.CircuitBreaker
		cb = breaker.New(cbCfg.Window, cbCfg.CooldownPeriod, cbCfg.FailureThreshold, cbCfg.MinSamples)
		n.breakers[host] = cb
	}
	return cb
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// backoff is the teacher's worker.go exponential backoff helper,
// reused verbatim for webhook retry pacing.
func backoff(retries int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(retries-1)) * base
	if d > max {
		return max
	}
	if d < 0 {
		return max
	}
	return d
}
