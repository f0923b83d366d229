package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/binary-market/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update holds the write lock for the whole transaction and works on
// copies, so transactions are serialised and all-or-nothing.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	users     map[string]*model.User
	marketIDs []string
	userIDs   []string
	sequences map[string]uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		users:     make(map[string]*model.User),
		sequences: make(map[string]uint64),
	}
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.marketIDs))
	for _, id := range s.marketIDs {
		markets = append(markets, *s.markets[id].Clone())
	}
	return markets, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.userIDs))
	for _, id := range s.userIDs {
		users = append(users, *s.users[id].Clone())
	}
	return users, nil
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:         s,
		markets:   make(map[string]*model.Market),
		users:     make(map[string]*model.User),
		sequences: make(map[string]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memoryTx stages writes until commit. It runs under the store's write
// lock, so it reads the committed maps directly.
type memoryTx struct {
	s          *MemoryStore
	markets    map[string]*model.Market
	users      map[string]*model.User
	newMarkets []string
	newUsers   []string
	sequences  map[string]uint64
}

func (tx *memoryTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	if m, ok := tx.markets[id]; ok {
		return m.Clone(), nil
	}
	m, ok := tx.s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (tx *memoryTx) GetUser(_ context.Context, id string) (*model.User, error) {
	if u, ok := tx.users[id]; ok {
		return u.Clone(), nil
	}
	u, ok := tx.s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u.Clone(), nil
}

func (tx *memoryTx) CreateMarket(_ context.Context, m *model.Market) error {
	if tx.marketExists(m.ID) {
		return fmt.Errorf("market %s: %w", m.ID, ErrConflict)
	}
	tx.markets[m.ID] = m.Clone()
	tx.newMarkets = append(tx.newMarkets, m.ID)
	return nil
}

func (tx *memoryTx) PutMarket(_ context.Context, m *model.Market) error {
	if !tx.marketExists(m.ID) {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	tx.markets[m.ID] = m.Clone()
	return nil
}

func (tx *memoryTx) CreateUser(_ context.Context, u *model.User) error {
	if tx.userExists(u.ID) {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	tx.users[u.ID] = u.Clone()
	tx.newUsers = append(tx.newUsers, u.ID)
	return nil
}

func (tx *memoryTx) PutUser(_ context.Context, u *model.User) error {
	if !tx.userExists(u.ID) {
		return fmt.Errorf("user %s: %w", u.ID, ErrNotFound)
	}
	tx.users[u.ID] = u.Clone()
	return nil
}

func (tx *memoryTx) NextSequence(_ context.Context, name string) (uint64, error) {
	v, ok := tx.sequences[name]
	if !ok {
		v = tx.s.sequences[name]
	}
	v++
	tx.sequences[name] = v
	return v, nil
}

func (tx *memoryTx) marketExists(id string) bool {
	if _, ok := tx.markets[id]; ok {
		return true
	}
	_, ok := tx.s.markets[id]
	return ok
}

func (tx *memoryTx) userExists(id string) bool {
	if _, ok := tx.users[id]; ok {
		return true
	}
	_, ok := tx.s.users[id]
	return ok
}

func (tx *memoryTx) commit() {
	for id, m := range tx.markets {
		tx.s.markets[id] = m
	}
	for id, u := range tx.users {
		tx.s.users[id] = u
	}
	tx.s.marketIDs = append(tx.s.marketIDs, tx.newMarkets...)
	tx.s.userIDs = append(tx.s.userIDs, tx.newUsers...)
	for name, v := range tx.sequences {
		tx.s.sequences[name] = v
	}
}
