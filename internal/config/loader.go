package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty) onto the
// defaults, loads .env if present and applies environment overrides. The
// result is not validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads MARKET_* variables, then the bare PORT,
// DATABASE_URL and REDIS_URL that container platforms set.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "MARKET_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT")
	setDuration(&cfg.Server.ReadTimeout, "MARKET_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "MARKET_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.IdleTimeout, "MARKET_SERVER_IDLE_TIMEOUT")
	setDuration(&cfg.Server.RequestTimeout, "MARKET_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "MARKET_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKET_SERVER_CORS_ORIGINS")

	// ── Storage ──
	setStr(&cfg.Storage.Driver, "MARKET_STORAGE_DRIVER")
	setStr(&cfg.Storage.DSN, "MARKET_STORAGE_DSN")
	setStr(&cfg.Storage.SQLitePath, "MARKET_STORAGE_SQLITE_PATH")
	setBool(&cfg.Storage.RunMigrations, "MARKET_STORAGE_RUN_MIGRATIONS")
	setInt(&cfg.Storage.PoolMaxConns, "MARKET_STORAGE_POOL_MAX_CONNS")
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
		if cfg.Storage.Driver == "memory" {
			cfg.Storage.Driver = "postgres"
		}
	}

	// ── Redis ──
	setStr(&cfg.Redis.URL, "MARKET_REDIS_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "MARKET_REDIS_CACHE_TTL")

	// ── Engine ──
	setDecimal(&cfg.Engine.StartingBalance, "MARKET_ENGINE_STARTING_BALANCE")
	setDecimal(&cfg.Engine.DefaultLiquidity, "MARKET_ENGINE_DEFAULT_LIQUIDITY")
	setStr(&cfg.Engine.MarketIDs, "MARKET_ENGINE_MARKET_IDS")

	// ── Log ──
	setStr(&cfg.Log.Level, "MARKET_LOG_LEVEL")
	setStr(&cfg.Log.Format, "MARKET_LOG_FORMAT")

	// ── Rate limit ──
	setBool(&cfg.RateLimit.Enabled, "MARKET_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.RateLimit.RequestsPerSecond, "MARKET_RATE_LIMIT_REQUESTS_PER_SECOND")
	setInt(&cfg.RateLimit.Burst, "MARKET_RATE_LIMIT_BURST")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
