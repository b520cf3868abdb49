// Package config defines the desk's runtime configuration and its validation.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/allocate"
	"github.com/fivebear/oddsdesk/internal/hedge"
	"github.com/fivebear/oddsdesk/internal/model"
)

// Config is the root configuration. Fields come from a TOML file and are then
// overridden by DESK_* environment variables.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	Book       BookConfig       `toml:"book"`
	Packing    PackingConfig    `toml:"packing"`
	Allocation AllocationConfig `toml:"allocation"`
	Hedge      HedgeConfig      `toml:"hedge"`
	LogLevel   string           `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds the Postgres connection string. An empty URL keeps
// everything in memory.
type DatabaseConfig struct {
	URL string `toml:"url"`
}

// RedisConfig holds the Redis cache parameters. An empty URL disables caching.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// BookConfig sizes the odds book's event stream.
type BookConfig struct {
	EventBuffer int `toml:"event_buffer"`
}

// PackingConfig holds the package tiers and stake rules for the packer.
type PackingConfig struct {
	AllowFractional bool                `toml:"allow_fractional"`
	MaxPerPosition  decimal.Decimal     `toml:"max_per_position"`
	Quantum         decimal.Decimal     `toml:"quantum"`
	Tiers           []model.PackageTier `toml:"tiers"`
}

// AllocationConfig picks the default allocation mode.
type AllocationConfig struct {
	Mode string `toml:"mode"`
}

// HedgeConfig holds the default hedge strategy and risk tolerance.
type HedgeConfig struct {
	Strategy  string          `toml:"strategy"`
	Tolerance decimal.Decimal `toml:"tolerance"`
}

// duration wraps time.Duration so TOML strings like "30s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs a single in-memory desk on :8080.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{15 * time.Second},
			WriteTimeout:    duration{15 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
		},
		Redis: RedisConfig{
			CacheTTL: duration{time.Minute},
		},
		Book: BookConfig{
			EventBuffer: 256,
		},
		Packing: PackingConfig{
			Quantum: decimal.RequireFromString("0.1"),
			Tiers: []model.PackageTier{
				{Name: "bulk-500", SizeThreshold: 500},
				{Name: "bulk-100", SizeThreshold: 100},
			},
		},
		Allocation: AllocationConfig{
			Mode: string(allocate.ModeGreedy),
		},
		Hedge: HedgeConfig{
			Strategy:  string(hedge.StrategyOddsCompensation),
			Tolerance: decimal.NewFromInt(5),
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	if l, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}

// Validate checks Config for invalid values and returns one error listing
// every problem found.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be > 0")
	}

	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be > 0 when url is set")
	}

	if c.Book.EventBuffer < 0 {
		errs = append(errs, "book: event_buffer must be >= 0")
	}

	if c.Packing.Quantum.IsNegative() {
		errs = append(errs, "packing: quantum must be >= 0")
	}
	if c.Packing.MaxPerPosition.IsNegative() {
		errs = append(errs, "packing: max_per_position must be >= 0")
	}
	seen := make(map[string]bool, len(c.Packing.Tiers))
	for i, t := range c.Packing.Tiers {
		if t.SizeThreshold <= 0 {
			errs = append(errs, fmt.Sprintf("packing: tiers[%d] size_threshold must be > 0", i))
		}
		if t.FlatOdds.IsNegative() {
			errs = append(errs, fmt.Sprintf("packing: tiers[%d] flat_odds must be >= 0", i))
		}
		if t.Name != "" && seen[t.Name] {
			errs = append(errs, fmt.Sprintf("packing: duplicate tier name %q", t.Name))
		}
		seen[t.Name] = true
	}

	if _, err := allocate.ParseMode(c.Allocation.Mode); err != nil {
		errs = append(errs, fmt.Sprintf("allocation: unknown mode %q (valid: greedy, best_odds)", c.Allocation.Mode))
	}

	if _, err := hedge.ParseStrategy(c.Hedge.Strategy); err != nil {
		errs = append(errs, fmt.Sprintf("hedge: unknown strategy %q", c.Hedge.Strategy))
	}
	if err := hedge.CheckTolerance(c.Hedge.Tolerance); err != nil {
		errs = append(errs, fmt.Sprintf("hedge: tolerance must be 0-10, got %s", c.Hedge.Tolerance))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
