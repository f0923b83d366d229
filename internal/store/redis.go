package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/binary-market/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Transactions go straight to the primary; once one commits, the keys of
// every record it touched are invalidated. Reads check Redis first then
// fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.Update(ctx, func(tx Tx) error {
		touched = touched[:0] // primary may retry fn
		return fn(&touchTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		s.invalidate(ctx, touched)
	}
	return nil
}

// invalidate drops the cached copies of keys and bumps their generations so
// that a read-through which loaded before the commit cannot store its
// snapshot afterwards.
func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Incr(ctx, genKey(k))
			p.Expire(ctx, genKey(k), genTTL)
		}
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// touchTx records the cache keys of records written in a transaction.
type touchTx struct {
	Tx
	touched *[]string
}

func (t *touchTx) CreateMarket(ctx context.Context, m *model.Market) error {
	*t.touched = append(*t.touched, marketKey(m.ID))
	return t.Tx.CreateMarket(ctx, m)
}

func (t *touchTx) PutMarket(ctx context.Context, m *model.Market) error {
	*t.touched = append(*t.touched, marketKey(m.ID))
	return t.Tx.PutMarket(ctx, m)
}

func (t *touchTx) CreateUser(ctx context.Context, u *model.User) error {
	*t.touched = append(*t.touched, userKey(u.ID))
	return t.Tx.CreateUser(ctx, u)
}

func (t *touchTx) PutUser(ctx context.Context, u *model.User) error {
	*t.touched = append(*t.touched, userKey(u.ID))
	return t.Tx.PutUser(ctx, u)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			if m.Voters == nil {
				m.Voters = make(map[string]model.Bet)
			}
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	return readThrough(ctx, s, marketKey(id), func() (*model.Market, error) {
		return s.primary.GetMarket(ctx, id)
	})
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			if u.History == nil {
				u.History = []string{}
			}
			return &u, nil
		}
	}

	return readThrough(ctx, s, userKey(id), func() (*model.User, error) {
		return s.primary.GetUser(ctx, id)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

// --- Cache helpers ---

// genTTL bounds how long an idle generation counter is kept.
const genTTL = time.Hour

// readThrough loads a record from the primary and caches it. The store is
// skipped when the key's generation moves while loading, i.e. a commit
// touched the record in between. Redis errors never fail the read.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (T, error)) (T, error) {
	var (
		v       T
		loadErr error
		loaded  bool
	)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		v, loadErr = load()
		loaded = true
		if loadErr != nil {
			return nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, genKey(key))
	if !loaded {
		return load()
	}
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		slog.Debug("cache fill failed", "key", key, "err", err)
	}
	return v, loadErr
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func userKey(id string) string   { return fmt.Sprintf("user:%s", id) }
func genKey(key string) string   { return "gen:" + key }
