package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "DATABASE_URL", "REDIS_URL",
		"DESK_PORT", "DESK_REQUEST_TIMEOUT", "DESK_SHUTDOWN_TIMEOUT",
		"DESK_DATABASE_URL", "DESK_REDIS_URL", "DESK_CACHE_TTL",
		"DESK_EVENT_BUFFER",
		"DESK_PACKING_ALLOW_FRACTIONAL", "DESK_PACKING_MAX_PER_POSITION", "DESK_PACKING_QUANTUM",
		"DESK_ALLOCATION_MODE", "DESK_HEDGE_STRATEGY", "DESK_HEDGE_TOLERANCE",
		"DESK_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "desk.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if !cfg.Packing.Quantum.Equal(d(0.1)) {
		t.Errorf("expected default quantum 0.1, got %s", cfg.Packing.Quantum)
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeTOML(t, `
log_level = "debug"

[server]
port = 9090
request_timeout = "5s"

[redis]
url = "redis://localhost:6379/0"
cache_ttl = "2m"

[packing]
allow_fractional = true
max_per_position = 50
quantum = "0.5"

[[packing.tiers]]
name = "bulk-300"
size_threshold = 300
flat_odds = 9.5

[allocation]
mode = "best_odds"

[hedge]
strategy = "greedy"
tolerance = 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout.Duration != 5*time.Second {
		t.Errorf("expected 5s request timeout, got %s", cfg.Server.RequestTimeout.Duration)
	}
	if cfg.Server.ShutdownTimeout.Duration != 10*time.Second {
		t.Errorf("unset fields should keep defaults, got %s", cfg.Server.ShutdownTimeout.Duration)
	}
	if cfg.Redis.CacheTTL.Duration != 2*time.Minute {
		t.Errorf("expected 2m ttl, got %s", cfg.Redis.CacheTTL.Duration)
	}
	if !cfg.Packing.AllowFractional || !cfg.Packing.MaxPerPosition.Equal(d(50)) || !cfg.Packing.Quantum.Equal(d(0.5)) {
		t.Errorf("unexpected packing config %+v", cfg.Packing)
	}
	if len(cfg.Packing.Tiers) != 1 || cfg.Packing.Tiers[0].SizeThreshold != 300 || !cfg.Packing.Tiers[0].FlatOdds.Equal(d(9.5)) {
		t.Errorf("unexpected tiers %+v", cfg.Packing.Tiers)
	}
	if cfg.Allocation.Mode != "best_odds" || cfg.Hedge.Strategy != "greedy" || !cfg.Hedge.Tolerance.Equal(d(3)) {
		t.Errorf("unexpected allocation/hedge config %+v %+v", cfg.Allocation, cfg.Hedge)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("DESK_PORT", "7100")
	t.Setenv("DATABASE_URL", "postgres://platform")
	t.Setenv("DESK_HEDGE_TOLERANCE", "2.5")
	t.Setenv("DESK_PACKING_ALLOW_FRACTIONAL", "true")
	t.Setenv("DESK_CACHE_TTL", "45s")
	t.Setenv("DESK_EVENT_BUFFER", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7100 {
		t.Errorf("DESK_PORT should win over PORT, got %d", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://platform" {
		t.Errorf("expected DATABASE_URL fallback, got %q", cfg.Database.URL)
	}
	if !cfg.Hedge.Tolerance.Equal(d(2.5)) {
		t.Errorf("expected tolerance 2.5, got %s", cfg.Hedge.Tolerance)
	}
	if !cfg.Packing.AllowFractional {
		t.Error("expected fractional stakes enabled")
	}
	if cfg.Redis.CacheTTL.Duration != 45*time.Second {
		t.Errorf("expected 45s ttl, got %s", cfg.Redis.CacheTTL.Duration)
	}
	if cfg.Book.EventBuffer != 256 {
		t.Errorf("unparsable values should be ignored, got %d", cfg.Book.EventBuffer)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server: port"},
		{"request timeout", func(c *Config) { c.Server.RequestTimeout.Duration = 0 }, "request_timeout"},
		{"cache ttl", func(c *Config) { c.Redis.URL = "redis://x"; c.Redis.CacheTTL.Duration = 0 }, "cache_ttl"},
		{"event buffer", func(c *Config) { c.Book.EventBuffer = -1 }, "event_buffer"},
		{"quantum", func(c *Config) { c.Packing.Quantum = d(-0.1) }, "quantum"},
		{"max per position", func(c *Config) { c.Packing.MaxPerPosition = d(-1) }, "max_per_position"},
		{"tier threshold", func(c *Config) { c.Packing.Tiers[0].SizeThreshold = 0 }, "size_threshold"},
		{"duplicate tier", func(c *Config) { c.Packing.Tiers[1].Name = c.Packing.Tiers[0].Name }, "duplicate tier"},
		{"mode", func(c *Config) { c.Allocation.Mode = "random" }, "allocation"},
		{"strategy", func(c *Config) { c.Hedge.Strategy = "yolo" }, "hedge: unknown strategy"},
		{"tolerance", func(c *Config) { c.Hedge.Tolerance = d(11) }, "tolerance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "DEBUG"
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("expected DEBUG, got %s", cfg.SlogLevel())
	}
	cfg.LogLevel = "bogus"
	if cfg.SlogLevel().String() != "INFO" {
		t.Errorf("expected INFO fallback, got %s", cfg.SlogLevel())
	}
}
