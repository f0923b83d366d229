// Package config holds the service configuration: built-in defaults, an
// optional TOML file, a .env file and environment variable overrides.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Redis     RedisConfig     `toml:"redis"`
	Engine    EngineConfig    `toml:"engine"`
	Log       LogConfig       `toml:"log"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// StorageConfig selects and configures the primary store.
type StorageConfig struct {
	Driver        string `toml:"driver"`      // memory | sqlite | postgres
	DSN           string `toml:"dsn"`         // postgres connection URL
	SQLitePath    string `toml:"sqlite_path"` // file path or ":memory:"
	RunMigrations bool   `toml:"run_migrations"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// EngineConfig holds market rules.
type EngineConfig struct {
	StartingBalance  decimal.Decimal `toml:"starting_balance"`
	DefaultLiquidity decimal.Decimal `toml:"default_liquidity"`
	MarketIDs        string          `toml:"market_ids"` // sequence | uuid
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`  // debug | info | warn | error
	Format string `toml:"format"` // json | text
}

// RateLimitConfig is the per-caller token bucket on mutating HTTP routes.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding ("5s", "1m").
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

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Storage: StorageConfig{
			Driver:        "memory",
			SQLitePath:    "market.db",
			RunMigrations: true,
			PoolMaxConns:  10,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Engine: EngineConfig{
			StartingBalance:  decimal.NewFromInt(100),
			DefaultLiquidity: decimal.NewFromInt(100),
			MarketIDs:        "sequence",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

var (
	validDrivers    = map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "text": true}
	validMarketIDs  = map[string]bool{"sequence": true, "uuid": true}
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if !validDrivers[c.Storage.Driver] {
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: memory, sqlite, postgres)", c.Storage.Driver))
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		errs = append(errs, "storage: dsn is required for the postgres driver")
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		errs = append(errs, "storage: sqlite_path is required for the sqlite driver")
	}

	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be > 0")
	}

	if !c.Engine.StartingBalance.IsPositive() {
		errs = append(errs, "engine: starting_balance must be > 0")
	}
	if !c.Engine.DefaultLiquidity.IsPositive() {
		errs = append(errs, "engine: default_liquidity must be > 0")
	}
	if !validMarketIDs[c.Engine.MarketIDs] {
		errs = append(errs, fmt.Sprintf("engine: unknown market_ids %q (valid: sequence, uuid)", c.Engine.MarketIDs))
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, fmt.Sprintf("log: unknown format %q (valid: json, text)", c.Log.Format))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			errs = append(errs, "rate_limit: requests_per_second must be > 0 when enabled")
		}
		if c.RateLimit.Burst < 1 {
			errs = append(errs, "rate_limit: burst must be >= 1 when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// NewLogger builds the slog logger described by cfg, writing to w.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
