// Package app wires configuration into a running engine: it opens the
// configured store, layers the Redis cache on top and builds the engine.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/binary-market/internal/config"
	"github.com/atmx/binary-market/internal/engine"
	"github.com/atmx/binary-market/internal/idgen"
	"github.com/atmx/binary-market/internal/store"
)

// Closer releases resources in reverse order of acquisition.
type Closer struct {
	fns []func()
}

func (c *Closer) add(fn func()) { c.fns = append(c.fns, fn) }

// Close runs every registered cleanup.
func (c *Closer) Close() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
	c.fns = nil
}

// OpenStore opens the primary store named by cfg.Storage and wraps it with
// the Redis cache when cfg.Redis.URL is set. The returned Closer is never nil.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, *Closer, error) {
	closer := &Closer{}
	var st store.Store

	switch cfg.Storage.Driver {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Storage.DSN)
		if err != nil {
			return nil, closer, fmt.Errorf("app: parse postgres dsn: %w", err)
		}
		if cfg.Storage.PoolMaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.Storage.PoolMaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, closer, fmt.Errorf("app: connect postgres: %w", err)
		}
		closer.add(pool.Close)
		if err := pool.Ping(ctx); err != nil {
			closer.Close()
			return nil, closer, fmt.Errorf("app: ping postgres: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if cfg.Storage.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				closer.Close()
				return nil, closer, err
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case "sqlite":
		lite, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, closer, err
		}
		closer.add(func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", cfg.Storage.SQLitePath)

	case "memory":
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()

	default:
		return nil, closer, fmt.Errorf("app: unknown storage driver %q", cfg.Storage.Driver)
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closer.Close()
			return nil, closer, fmt.Errorf("app: invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		closer.add(func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			closer.Close()
			return nil, closer, fmt.Errorf("app: ping redis: %w", err)
		}
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
	}

	return st, closer, nil
}

// NewEngine builds the engine from cfg.Engine. pub may be nil.
func NewEngine(st store.Store, cfg *config.Config, pub engine.Publisher, logger *slog.Logger) (*engine.Engine, error) {
	ids, err := idgen.FromKind(cfg.Engine.MarketIDs)
	if err != nil {
		return nil, err
	}
	return engine.New(st, ids, engine.Options{
		StartingBalance:  cfg.Engine.StartingBalance,
		DefaultLiquidity: cfg.Engine.DefaultLiquidity,
		Publisher:        pub,
		Logger:           logger,
	}), nil
}
