package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/binary-market/internal/engine"
	"github.com/atmx/binary-market/internal/idgen"
	"github.com/atmx/binary-market/internal/model"
	"github.com/atmx/binary-market/internal/store"
)

func seeded(t *testing.T) (*engine.Engine, string) {
	t.Helper()
	ctx := context.Background()
	eng := engine.New(store.NewMemoryStore(), idgen.MarketSequence(), engine.Options{})
	_, err := eng.Register(ctx, "bob", "weather nerd")
	require.NoError(t, err)
	id, err := eng.AddMarket(ctx, "alice", "Will it rain in Lisbon tomorrow?", decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = eng.Bet(ctx, "bob", id, model.OutcomeYes, 10)
	require.NoError(t, err)
	return eng, id
}

func TestExecute_Markets(t *testing.T) {
	eng, id := seeded(t)
	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), eng, []string{"markets"}, &out))
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "1/0")
	assert.Contains(t, out.String(), "open")
}

func TestExecute_Users(t *testing.T) {
	eng, _ := seeded(t)
	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), eng, []string{"users"}, &out))
	assert.Contains(t, out.String(), "bob")
	assert.Contains(t, out.String(), "95.00")
}

func TestExecute_Quote(t *testing.T) {
	eng, id := seeded(t)
	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), eng, []string{"quote", id, "no", "4"}, &out))
	assert.Contains(t, out.String(), "6.93147181")
	assert.Contains(t, out.String(), "4 NO shares cost")
}

func TestExecute_Errors(t *testing.T) {
	eng, id := seeded(t)
	ctx := context.Background()
	var out bytes.Buffer

	assert.ErrorIs(t, execute(ctx, eng, []string{"quote", "market_99"}, &out), model.ErrNoSuchMarket)
	assert.ErrorIs(t, execute(ctx, eng, []string{"quote", id, "YES", "0"}, &out), model.ErrInvalidQuantity)
	assert.Error(t, execute(ctx, eng, []string{"quote", id, "MAYBE", "1"}, &out))
	assert.Error(t, execute(ctx, eng, []string{"quote"}, &out))
	assert.Error(t, execute(ctx, eng, []string{"trade"}, &out))
}

func TestExecute_EmptyStore(t *testing.T) {
	eng := engine.New(store.NewMemoryStore(), idgen.MarketSequence(), engine.Options{})
	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), eng, []string{"markets"}, &out))
	require.NoError(t, execute(context.Background(), eng, []string{"users"}, &out))
	assert.Equal(t, "no markets\nno users\n", out.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
