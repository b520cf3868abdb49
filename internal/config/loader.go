package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path over Defaults, then applies environment
// overrides. An empty path skips the file. The result is not validated; call
// Config.Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads DESK_* variables and overwrites the matching fields
// when set. PORT, DATABASE_URL and REDIS_URL are honoured as platform
// fallbacks and lose to their DESK_* forms.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// ── Server ──
	setInt(&cfg.Server.Port, "DESK_PORT")
	setDuration(&cfg.Server.RequestTimeout, "DESK_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "DESK_SHUTDOWN_TIMEOUT")

	// ── Storage ──
	setStr(&cfg.Database.URL, "DESK_DATABASE_URL")
	setStr(&cfg.Redis.URL, "DESK_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "DESK_CACHE_TTL")

	// ── Book ──
	setInt(&cfg.Book.EventBuffer, "DESK_EVENT_BUFFER")

	// ── Packing ──
	setBool(&cfg.Packing.AllowFractional, "DESK_PACKING_ALLOW_FRACTIONAL")
	setDecimal(&cfg.Packing.MaxPerPosition, "DESK_PACKING_MAX_PER_POSITION")
	setDecimal(&cfg.Packing.Quantum, "DESK_PACKING_QUANTUM")

	// ── Allocation / hedge ──
	setStr(&cfg.Allocation.Mode, "DESK_ALLOCATION_MODE")
	setStr(&cfg.Hedge.Strategy, "DESK_HEDGE_STRATEGY")
	setDecimal(&cfg.Hedge.Tolerance, "DESK_HEDGE_TOLERANCE")

	setStr(&cfg.LogLevel, "DESK_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
