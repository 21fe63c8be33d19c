// Copyright 2025 James Ross
package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.MaxInflightGlobal != 16 {
		t.Fatalf("expected default max_inflight_global 16, got %d", cfg.Queue.MaxInflightGlobal)
	}
	if cfg.Queue.MaxInflightPerUser != 2 {
		t.Fatalf("expected default max_inflight_per_user 2, got %d", cfg.Queue.MaxInflightPerUser)
	}
	if cfg.HTTP.ListenAddr != ":8080" {
		t.Fatalf("expected default listen addr :8080, got %q", cfg.HTTP.ListenAddr)
	}
	if cfg.Metrics != "prom" {
		t.Fatalf("expected default metrics sink 'prom', got %q", cfg.Metrics)
	}
}

func TestLoadHonorsEnvAlias(t *testing.T) {
	t.Setenv("QUEUE_MAX_INFLIGHT", "42")
	t.Setenv("QUEUE_USER_MAX_INFLIGHT", "7")

	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.MaxInflightGlobal != 42 {
		t.Fatalf("expected QUEUE_MAX_INFLIGHT to override to 42, got %d", cfg.Queue.MaxInflightGlobal)
	}
	if cfg.Queue.MaxInflightPerUser != 7 {
		t.Fatalf("expected QUEUE_USER_MAX_INFLIGHT to override to 7, got %d", cfg.Queue.MaxInflightPerUser)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Queue.MaxInflightPerUser = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_inflight_per_user < 1")
	}

	cfg = defaultConfig()
	cfg.Queue.EMAAlpha = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for ema_alpha <= 0")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid metrics_port")
	}

	cfg = defaultConfig()
	cfg.Metrics = "bogus"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown metrics sink")
	}
}
