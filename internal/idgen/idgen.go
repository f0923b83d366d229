// Package idgen mints market identifiers inside a storage transaction.
package idgen

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/atmx/binary-market/internal/store"
)

// Generator returns a fresh identifier. It runs inside the transaction
// that creates the record, so a rolled-back creation does not consume an id
// from a sequence.
type Generator interface {
	Next(ctx context.Context, tx store.Tx) (string, error)
}

// Sequence formats a store-backed counter as "<Prefix>_<n>", starting at 1.
type Sequence struct {
	Name   string // counter name in the store
	Prefix string
}

// MarketSequence mints market_1, market_2, ...
func MarketSequence() Sequence {
	return Sequence{Name: "market", Prefix: "market"}
}

func (s Sequence) Next(ctx context.Context, tx store.Tx) (string, error) {
	n, err := tx.NextSequence(ctx, s.Name)
	if err != nil {
		return "", fmt.Errorf("idgen: next %s: %w", s.Name, err)
	}
	return fmt.Sprintf("%s_%d", s.Prefix, n), nil
}

// UUID mints random version 4 identifiers, optionally prefixed.
type UUID struct {
	Prefix string
}

func (g UUID) Next(_ context.Context, _ store.Tx) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("idgen: uuid: %w", err)
	}
	if g.Prefix == "" {
		return id.String(), nil
	}
	return g.Prefix + "_" + id.String(), nil
}

// FromKind returns the generator for a configured kind: "sequence" or "uuid".
func FromKind(kind string) (Generator, error) {
	switch kind {
	case "", "sequence":
		return MarketSequence(), nil
	case "uuid":
		return UUID{Prefix: "market"}, nil
	}
	return nil, fmt.Errorf("idgen: unknown kind %q", kind)
}
