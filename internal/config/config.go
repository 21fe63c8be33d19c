// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue holds the fair-share admission controller's policy knobs.
type Queue struct {
	MaxInflightGlobal  int           `mapstructure:"max_inflight_global"`
	MaxInflightPerUser int           `mapstructure:"max_inflight_per_user"`
	AdmitBatchMax      int           `mapstructure:"admit_batch_max"`
	QueuedTTL          time.Duration `mapstructure:"queued_ttl"`
	ETAWindow          int           `mapstructure:"eta_window"`
	EMAAlpha           float64       `mapstructure:"ema_alpha"`
	AdmitPollInterval  time.Duration `mapstructure:"admit_poll_interval"`
}

// CircuitBreaker guards calls to the Payload Executor (and, reused,
// to webhook destinations): if recent failures cross the threshold,
// the guarded call is skipped for CooldownPeriod (an executor call that
// is skipped fails fast with reason "circuit_open").
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// TaskStore configures the simulate-then-generate orchestration.
type TaskStore struct {
	PreQueuePollInterval time.Duration `mapstructure:"prequeue_poll_interval"`
}

// EventHub configures the SSE fan-out hub.
type EventHub struct {
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	KeepaliveEvery   time.Duration `mapstructure:"keepalive_every"`
}

// Webhook configures the optional task-completion callback notifier.
type Webhook struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	Timeout        time.Duration `mapstructure:"timeout"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
}

// HTTP configures the REST+SSE surface.
type HTTP struct {
	ListenAddr           string        `mapstructure:"listen_addr"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	CORSEnabled          bool          `mapstructure:"cors_enabled"`
	CORSAllowOrigins     []string      `mapstructure:"cors_allow_origins"`
	RateLimitEnabled     bool          `mapstructure:"rate_limit_enabled"`
	RateLimitPerMinute   int           `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	RateLimitRedisAddr   string        `mapstructure:"rate_limit_redis_addr"`
	AuditEnabled         bool          `mapstructure:"audit_enabled"`
	AuditLogPath         string        `mapstructure:"audit_log_path"`
	AuditRotateSizeMB    int           `mapstructure:"audit_rotate_size_mb"`
	AuditMaxBackups      int           `mapstructure:"audit_max_backups"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

type Config struct {
	Queue          Queue          `mapstructure:"queue"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	TaskStore      TaskStore      `mapstructure:"task_store"`
	EventHub       EventHub       `mapstructure:"event_hub"`
	Webhook        Webhook        `mapstructure:"webhook"`
	HTTP           HTTP           `mapstructure:"http"`
	Observability  Observability  `mapstructure:"observability"`
	Metrics        string         `mapstructure:"metrics"`
}

func defaultConfig() *Config {
	return &Config{
		Queue: Queue{
			MaxInflightGlobal:  16,
			MaxInflightPerUser: 2,
			AdmitBatchMax:      64,
			QueuedTTL:          1800 * time.Second,
			ETAWindow:          50,
			EMAAlpha:           0.2,
			AdmitPollInterval:  200 * time.Millisecond,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		},
		TaskStore: TaskStore{
			PreQueuePollInterval: 1 * time.Second,
		},
		EventHub: EventHub{
			SubscriberBuffer: 1000,
			KeepaliveEvery:   10 * time.Second,
		},
		Webhook: Webhook{
			MaxRetries:  5,
			Timeout:     10 * time.Second,
			BackoffBase: 500 * time.Millisecond,
			BackoffMax:  30 * time.Second,
			CircuitBreaker: CircuitBreaker{
				FailureThreshold: 0.5,
				Window:           1 * time.Minute,
				CooldownPeriod:   30 * time.Second,
				MinSamples:       5,
			},
		},
		HTTP: HTTP{
			ListenAddr:         ":8080",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       0, // SSE responses must not be write-deadlined
			CORSEnabled:        true,
			CORSAllowOrigins:   []string{"*"},
			RateLimitEnabled:   true,
			RateLimitPerMinute: 120,
			RateLimitBurst:     20,
			AuditEnabled:       false,
			AuditRotateSizeMB:  50,
			AuditMaxBackups:    5,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false, SamplingRate: 0.1},
			QueueSampleInterval: 2 * time.Second,
		},
		Metrics: "prom",
	}
}

// Load reads configuration from a YAML file plus environment overrides.
// Env vars use the QUEUE_ prefix and underscore nesting, e.g.
// QUEUE_MAX_INFLIGHT maps to queue.max_inflight_global (aliased below)
// to match spec.md section 6.2's documented variable names exactly.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("QUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("queue.max_inflight_global", def.Queue.MaxInflightGlobal)
	v.SetDefault("queue.max_inflight_per_user", def.Queue.MaxInflightPerUser)
	v.SetDefault("queue.admit_batch_max", def.Queue.AdmitBatchMax)
	v.SetDefault("queue.queued_ttl", def.Queue.QueuedTTL)
	v.SetDefault("queue.eta_window", def.Queue.ETAWindow)
	v.SetDefault("queue.ema_alpha", def.Queue.EMAAlpha)
	v.SetDefault("queue.admit_poll_interval", def.Queue.AdmitPollInterval)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("task_store.prequeue_poll_interval", def.TaskStore.PreQueuePollInterval)

	v.SetDefault("event_hub.subscriber_buffer", def.EventHub.SubscriberBuffer)
	v.SetDefault("event_hub.keepalive_every", def.EventHub.KeepaliveEvery)

	v.SetDefault("webhook.max_retries", def.Webhook.MaxRetries)
	v.SetDefault("webhook.timeout", def.Webhook.Timeout)
	v.SetDefault("webhook.backoff_base", def.Webhook.BackoffBase)
	v.SetDefault("webhook.backoff_max", def.Webhook.BackoffMax)
	v.SetDefault("webhook.circuit_breaker.failure_threshold", def.Webhook.CircuitBreaker.FailureThreshold)
	v.SetDefault("webhook.circuit_breaker.window", def.Webhook.CircuitBreaker.Window)
	v.SetDefault("webhook.circuit_breaker.cooldown_period", def.Webhook.CircuitBreaker.CooldownPeriod)
	v.SetDefault("webhook.circuit_breaker.min_samples", def.Webhook.CircuitBreaker.MinSamples)

	v.SetDefault("http.listen_addr", def.HTTP.ListenAddr)
	v.SetDefault("http.read_timeout", def.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", def.HTTP.WriteTimeout)
	v.SetDefault("http.cors_enabled", def.HTTP.CORSEnabled)
	v.SetDefault("http.cors_allow_origins", def.HTTP.CORSAllowOrigins)
	v.SetDefault("http.rate_limit_enabled", def.HTTP.RateLimitEnabled)
	v.SetDefault("http.rate_limit_per_minute", def.HTTP.RateLimitPerMinute)
	v.SetDefault("http.rate_limit_burst", def.HTTP.RateLimitBurst)
	v.SetDefault("http.audit_enabled", def.HTTP.AuditEnabled)
	v.SetDefault("http.audit_rotate_size_mb", def.HTTP.AuditRotateSizeMB)
	v.SetDefault("http.audit_max_backups", def.HTTP.AuditMaxBackups)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)
	v.SetDefault("metrics", def.Metrics)

	// spec.md section 6.2 names its env vars without the nested-key
	// underscores viper would otherwise expect; bind each explicitly so
	// QUEUE_MAX_INFLIGHT etc. resolve to the nested field they document.
	bindAlias(v, "queue.max_inflight_global", "QUEUE_MAX_INFLIGHT")
	bindAlias(v, "queue.max_inflight_per_user", "QUEUE_USER_MAX_INFLIGHT")
	bindAlias(v, "queue.admit_batch_max", "QUEUE_ADMIT_BATCH")
	bindAlias(v, "queue.queued_ttl", "QUEUE_TTL_SEC")
	bindAlias(v, "queue.eta_window", "QUEUE_ETA_WINDOW")
	bindAlias(v, "queue.ema_alpha", "QUEUE_EMA_ALPHA")
	bindAlias(v, "metrics", "QUEUE_METRICS")
	bindAlias(v, "webhook.max_retries", "QUEUE_WEBHOOK_MAX_RETRIES")
	bindAlias(v, "webhook.timeout", "QUEUE_WEBHOOK_TIMEOUT")
	bindAlias(v, "circuit_breaker.failure_threshold", "QUEUE_CB_FAILURE_THRESHOLD")
	bindAlias(v, "circuit_breaker.window", "QUEUE_CB_WINDOW")
	bindAlias(v, "circuit_breaker.cooldown_period", "QUEUE_CB_COOLDOWN")
	bindAlias(v, "circuit_breaker.min_samples", "QUEUE_CB_MIN_SAMPLES")
	bindAlias(v, "event_hub.subscriber_buffer", "QUEUE_HUB_BUFFER")
	bindAlias(v, "http.rate_limit_redis_addr", "QUEUE_RATE_LIMIT_REDIS_ADDR")
	bindAlias(v, "http.audit_log_path", "QUEUE_AUDIT_LOG_PATH")
	bindAlias(v, "observability.tracing.enabled", "QUEUE_TRACING_ENABLED")
	bindAlias(v, "observability.tracing.endpoint", "QUEUE_TRACING_ENDPOINT")

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindAlias(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

// Validate checks config constraints and returns an error on invalid
// settings, failing startup fast rather than admitting requests under a
// nonsensical policy.
func Validate(cfg *Config) error {
	if cfg.Queue.MaxInflightGlobal < 0 {
		return fmt.Errorf("queue.max_inflight_global must be >= 0")
	}
	if cfg.Queue.MaxInflightPerUser < 1 {
		return fmt.Errorf("queue.max_inflight_per_user must be >= 1")
	}
	if cfg.Queue.AdmitBatchMax < 1 {
		return fmt.Errorf("queue.admit_batch_max must be >= 1")
	}
	if cfg.Queue.ETAWindow < 1 {
		return fmt.Errorf("queue.eta_window must be >= 1")
	}
	if cfg.Queue.EMAAlpha <= 0 || cfg.Queue.EMAAlpha > 1 {
		return fmt.Errorf("queue.ema_alpha must be in (0, 1]")
	}
	if cfg.EventHub.SubscriberBuffer < 1 {
		return fmt.Errorf("event_hub.subscriber_buffer must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Metrics != "" && cfg.Metrics != "noop" && cfg.Metrics != "prom" {
		return fmt.Errorf("metrics must be 'noop' or 'prom'")
	}
	return nil
}
