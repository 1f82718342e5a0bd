package config

import (
	"testing"
	"time"
)

func TestGetDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "750ms")
	if got := GetDuration("TEST_DURATION", time.Second); got != 750*time.Millisecond {
		t.Fatalf("expected 750ms, got %v", got)
	}
	t.Setenv("TEST_DURATION", "3")
	if got := GetDuration("TEST_DURATION", time.Second); got != 3*time.Second {
		t.Fatalf("bare integers should be seconds, got %v", got)
	}
	t.Setenv("TEST_DURATION", "soon")
	if got := GetDuration("TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("invalid value should fall back, got %v", got)
	}
	if got := GetDuration("TEST_DURATION_UNSET", 5*time.Second); got != 5*time.Second {
		t.Fatalf("unset value should fall back, got %v", got)
	}
}

func TestLoadAPIConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MAX_CONCURRENT_EXECUTIONS", "4")
	t.Setenv("STAGE_EXECUTOR", "docker")

	cfg := LoadAPIConfig()
	if cfg.DatabaseURL != "" {
		t.Fatalf("expected in-memory store by default, got %q", cfg.DatabaseURL)
	}
	if cfg.MaxConcurrent != 4 {
		t.Fatalf("expected ceiling 4, got %d", cfg.MaxConcurrent)
	}
	if cfg.StageExecutor != ExecutorDocker {
		t.Fatalf("expected docker executor, got %q", cfg.StageExecutor)
	}
	if cfg.EventPrefix == "" || cfg.SimulatedDelay <= 0 {
		t.Fatalf("expected non-empty defaults, got %+v", cfg)
	}
}
