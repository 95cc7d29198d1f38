package config

import (
	"testing"
	"time"
)

func TestLoadAPIConfigDefaults(t *testing.T) {
	t.Setenv("PORT_RANGE_MIN", "")
	cfg := LoadAPIConfig()
	// Blank values fall back like unset ones.
	if cfg.PortRangeMin != 4000 {
		t.Fatalf("expected fallback port min, got %d", cfg.PortRangeMin)
	}
	if cfg.PortRangeMax != 5000 {
		t.Fatalf("expected default port max, got %d", cfg.PortRangeMax)
	}
	if cfg.EngineTimeout != 30*time.Second {
		t.Fatalf("unexpected engine timeout %s", cfg.EngineTimeout)
	}
	if cfg.MountTarget != "/app/code" {
		t.Fatalf("unexpected mount target %q", cfg.MountTarget)
	}
}

func TestLoadAPIConfigOverrides(t *testing.T) {
	t.Setenv("PORT_RANGE_MIN", "7000")
	t.Setenv("DEFAULT_CPU_LIMIT", "1.5")
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "0")
	t.Setenv("OTEL_TRACING", "true")

	cfg := LoadAPIConfig()
	if cfg.PortRangeMin != 7000 {
		t.Fatalf("expected override, got %d", cfg.PortRangeMin)
	}
	if cfg.DefaultCPULimit != 1.5 {
		t.Fatalf("expected cpu override, got %v", cfg.DefaultCPULimit)
	}
	if cfg.ReconcileInterval != 0 {
		t.Fatalf("expected disabled reconcile interval, got %s", cfg.ReconcileInterval)
	}
	if !cfg.TracingEnabled {
		t.Fatalf("expected tracing enabled")
	}
}

func TestGettersFallBackOnMalformedValues(t *testing.T) {
	t.Setenv("MOZHOST_TEST_INT", "four")
	t.Setenv("MOZHOST_TEST_BOOL", "maybe")
	t.Setenv("MOZHOST_TEST_FLOAT", "1,5")
	t.Setenv("MOZHOST_TEST_STRING", "  padded  ")

	if got := GetInt("MOZHOST_TEST_INT", 4); got != 4 {
		t.Fatalf("expected int fallback, got %d", got)
	}
	if got := GetBool("MOZHOST_TEST_BOOL", true); !got {
		t.Fatalf("expected bool fallback")
	}
	if got := GetFloat("MOZHOST_TEST_FLOAT", 0.5); got != 0.5 {
		t.Fatalf("expected float fallback, got %v", got)
	}
	if got := GetString("MOZHOST_TEST_STRING", "x"); got != "padded" {
		t.Fatalf("expected trimmed string, got %q", got)
	}
	if got := GetString("MOZHOST_TEST_UNSET", "x"); got != "x" {
		t.Fatalf("expected string fallback, got %q", got)
	}
}
