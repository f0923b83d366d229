// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), SQLite (single
// node), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/binary-market/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrConflict is returned when creating a record whose id is taken.
	ErrConflict = errors.New("store: record already exists")
)

// Reader loads single records by id. Returned records are copies owned by
// the caller.
type Reader interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Tx is a unit of work. Reads inside a Tx see its own writes and lock the
// records they return until the Tx ends.
type Tx interface {
	Reader

	// CreateMarket inserts a new market; ErrConflict if the id exists.
	CreateMarket(ctx context.Context, m *model.Market) error

	// PutMarket writes back an existing market. Recorded bets are
	// append-only; the store never deletes them.
	PutMarket(ctx context.Context, m *model.Market) error

	// CreateUser inserts a new user; ErrConflict if the id exists.
	CreateUser(ctx context.Context, u *model.User) error

	// PutUser writes back an existing user. History is append-only.
	PutUser(ctx context.Context, u *model.User) error

	// NextSequence returns the next value of the named counter, starting at 1.
	NextSequence(ctx context.Context, name string) (uint64, error)
}

// Store is the persistence interface consumed by the engine.
type Store interface {
	Reader

	// ListMarkets returns all markets in creation order.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListUsers returns all users in registration order.
	ListUsers(ctx context.Context) ([]model.User, error)

	// Update runs fn in a single transaction. Every write made through the
	// Tx is committed together if fn returns nil and discarded otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error
}
