package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_RUNS", "")
	t.Setenv("SCRIPT_TIMEOUT", "")
	t.Setenv("SQLITE_MAX_ROWS", "")

	cfg := Load()

	if cfg.MaxConcurrentRuns != 64 {
		t.Errorf("expected 64 concurrent runs, got %d", cfg.MaxConcurrentRuns)
	}
	if cfg.ScriptTimeout != 10*time.Second {
		t.Errorf("expected 10s script timeout, got %s", cfg.ScriptTimeout)
	}
	if cfg.HeartbeatInterval != time.Second || cfg.WorkerLiveness != 3*time.Second {
		t.Errorf("expected 1s heartbeat and 3s liveness, got %s and %s", cfg.HeartbeatInterval, cfg.WorkerLiveness)
	}
	if cfg.SqliteMaxRows != 128 {
		t.Errorf("expected 128 max rows, got %d", cfg.SqliteMaxRows)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_RUNS", "8")
	t.Setenv("SCRIPT_TIMEOUT", "1500ms")
	t.Setenv("WORKER_CLEANUP_INTERVAL", "90")
	t.Setenv("OUTBOUND_HOST_RATE", "2.5")
	t.Setenv("ENVIRONMENT", "Production")

	cfg := Load()

	if cfg.MaxConcurrentRuns != 8 {
		t.Errorf("expected 8, got %d", cfg.MaxConcurrentRuns)
	}
	if cfg.ScriptTimeout != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %s", cfg.ScriptTimeout)
	}
	if cfg.CleanupInterval != 90*time.Second {
		t.Errorf("expected bare seconds to parse, got %s", cfg.CleanupInterval)
	}
	if cfg.OutboundHostRate != 2.5 {
		t.Errorf("expected 2.5, got %v", cfg.OutboundHostRate)
	}
	if !cfg.IsProduction() {
		t.Error("expected production environment")
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("RUN_QUEUE_SIZE", "lots")
	t.Setenv("CACHE_TTL", "soon")

	cfg := Load()

	if cfg.RunQueueSize != 1024 {
		t.Errorf("expected default queue size, got %d", cfg.RunQueueSize)
	}
	if cfg.CacheTTL != 24*time.Hour {
		t.Errorf("expected default cache ttl, got %s", cfg.CacheTTL)
	}
}
