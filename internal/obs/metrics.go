// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/jdforge/queuecore/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jdqueue_requests_enqueued_total",
		Help: "Total number of generation requests enqueued",
	})
	RequestsAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jdqueue_requests_admitted_total",
		Help: "Total number of requests admitted to inflight",
	})
	RequestsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jdqueue_requests_finished_total",
		Help: "Total number of requests reaching a finish, labeled by outcome",
	}, []string{"ok"})
	RequestsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jdqueue_requests_expired_total",
		Help: "Total number of queued requests auto-expired by TTL",
	})
	InflightGlobal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jdqueue_inflight_global",
		Help: "Current number of globally inflight requests",
	})
	FinishDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jdqueue_finish_duration_seconds",
		Help:    "Histogram of admission-to-finish durations for successful requests",
		Buckets: prometheus.DefBuckets,
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jdqueue_executor_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jdqueue_executor_circuit_breaker_trips_total",
		Help: "Count of times the executor circuit breaker transitioned to Open",
	})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jdqueue_events_dropped_total",
		Help: "Total number of SSE events dropped for a slow subscriber",
	}, []string{"task_id"})
	WebhookDeliveryFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jdqueue_webhook_delivery_failed_total",
		Help: "Total number of task-completion webhook deliveries that exhausted retries",
	})
	TasksActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jdqueue_tasks_active",
		Help: "Number of tasks not yet in a terminal status",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsEnqueued, RequestsAdmitted, RequestsFinished, RequestsExpired,
		InflightGlobal, FinishDuration, CircuitBreakerState, CircuitBreakerTrips,
		EventsDropped, WebhookDeliveryFailed, TasksActive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Retained for compatibility; prefer StartHTTPServer which also
// registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// PromMetrics adapts the package-level Prometheus collectors to the
// engine.Metrics interface so the Engine never imports Prometheus
// directly.
type PromMetrics struct{}

func (PromMetrics) IncEnqueued() { RequestsEnqueued.Inc() }
func (PromMetrics) IncAdmitted() { RequestsAdmitted.Inc() }
func (PromMetrics) IncFinished(ok bool) {
	if ok {
		RequestsFinished.WithLabelValues("true").Inc()
	} else {
		RequestsFinished.WithLabelValues("false").Inc()
	}
}
func (PromMetrics) IncExpired()             { RequestsExpired.Inc() }
func (PromMetrics) SetInflightGlobal(n int) { InflightGlobal.Set(float64(n)) }
func (PromMetrics) ObserveFinishDuration(seconds float64) {
	FinishDuration.Observe(seconds)
}
