package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMarket() *Market {
	return NewMarket("market_1", "alice", "Will it rain?", decimal.NewFromInt(10), now)
}

func TestNewMarket_Fresh(t *testing.T) {
	m := newTestMarket()
	assert.Zero(t, m.NumYes)
	assert.Zero(t, m.NumNo)
	assert.False(t, m.Resolved)
	assert.Nil(t, m.Outcome)
	assert.Equal(t, StatusOpen, m.Status())
	assert.NoError(t, m.CheckInvariants())
}

func TestRecordBet_CountsBetsNotShares(t *testing.T) {
	m := newTestMarket()
	require.NoError(t, m.RecordBet("bob", Bet{Side: OutcomeYes, Quantity: 40}))
	require.NoError(t, m.RecordBet("carol", Bet{Side: OutcomeNo, Quantity: 3}))
	require.NoError(t, m.RecordBet("dave", Bet{Side: OutcomeYes, Quantity: 1}))

	assert.EqualValues(t, 2, m.NumYes)
	assert.EqualValues(t, 1, m.NumNo)
	assert.EqualValues(t, len(m.Voters), m.NumYes+m.NumNo)
	assert.NoError(t, m.CheckInvariants())
}

func TestRecordBet_Duplicate(t *testing.T) {
	m := newTestMarket()
	require.NoError(t, m.RecordBet("bob", Bet{Side: OutcomeYes, Quantity: 1}))
	err := m.RecordBet("bob", Bet{Side: OutcomeNo, Quantity: 1})
	assert.ErrorIs(t, err, ErrAlreadyVoted)
	assert.EqualValues(t, 1, m.NumYes)
	assert.Zero(t, m.NumNo)
}

func TestRecordBet_AfterResolve(t *testing.T) {
	m := newTestMarket()
	_, err := m.Resolve("alice", now)
	require.NoError(t, err)
	err = m.RecordBet("bob", Bet{Side: OutcomeYes, Quantity: 1})
	assert.ErrorIs(t, err, ErrMarketAlreadyResolved)
	assert.Empty(t, m.Voters)
}

func TestRecordBet_InvalidSide(t *testing.T) {
	m := newTestMarket()
	err := m.RecordBet("bob", Bet{Side: "MAYBE", Quantity: 1})
	assert.ErrorIs(t, err, ErrInvalidSide)
	assert.Empty(t, m.Voters)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		yes, no  int
		expected Outcome
	}{
		{"no bets resolves YES", 0, 0, OutcomeYes},
		{"tie resolves YES", 2, 2, OutcomeYes},
		{"more YES", 3, 1, OutcomeYes},
		{"more NO", 1, 2, OutcomeNo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMarket()
			for i := 0; i < tt.yes; i++ {
				require.NoError(t, m.RecordBet(fmt.Sprintf("y%d", i), Bet{Side: OutcomeYes, Quantity: 1}))
			}
			for i := 0; i < tt.no; i++ {
				require.NoError(t, m.RecordBet(fmt.Sprintf("n%d", i), Bet{Side: OutcomeNo, Quantity: 1}))
			}
			got, err := m.Resolve("alice", now)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
			require.NotNil(t, m.Outcome)
			assert.Equal(t, tt.expected, *m.Outcome)
			assert.True(t, m.Resolved)
			assert.Equal(t, StatusResolved, m.Status())
			assert.NoError(t, m.CheckInvariants())
		})
	}
}

func TestResolve_NotCreator(t *testing.T) {
	m := newTestMarket()
	_, err := m.Resolve("mallory", now)
	assert.ErrorIs(t, err, ErrNotCreator)
	assert.False(t, m.Resolved)
	assert.Nil(t, m.Outcome)
}

func TestResolve_OnlyOnce(t *testing.T) {
	m := newTestMarket()
	_, err := m.Resolve("alice", now)
	require.NoError(t, err)
	_, err = m.Resolve("alice", now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrMarketAlreadyResolved)
	assert.Equal(t, now, *m.ResolvedAt)
}

func TestWinners_SortedAndFiltered(t *testing.T) {
	m := newTestMarket()
	require.NoError(t, m.RecordBet("zed", Bet{Side: OutcomeNo, Quantity: 5}))
	require.NoError(t, m.RecordBet("amy", Bet{Side: OutcomeNo, Quantity: 2}))
	require.NoError(t, m.RecordBet("bob", Bet{Side: OutcomeYes, Quantity: 9}))

	assert.Nil(t, m.Winners())

	_, err := m.Resolve("alice", now)
	require.NoError(t, err)

	winners := m.Winners()
	require.Len(t, winners, 2)
	assert.Equal(t, "amy", winners[0].UserID)
	assert.Equal(t, "zed", winners[1].UserID)
	assert.EqualValues(t, 5, winners[1].Bet.Quantity)
}

func TestCheckInvariants_DetectsDrift(t *testing.T) {
	m := newTestMarket()
	m.Voters["bob"] = Bet{Side: OutcomeYes, Quantity: 1}
	assert.ErrorIs(t, m.CheckInvariants(), ErrInvariantViolation)
}

func TestMarketClone_IsDeep(t *testing.T) {
	m := newTestMarket()
	require.NoError(t, m.RecordBet("bob", Bet{Side: OutcomeYes, Quantity: 1}))
	c := m.Clone()
	require.NoError(t, c.RecordBet("carol", Bet{Side: OutcomeNo, Quantity: 1}))
	assert.Len(t, m.Voters, 1)
	assert.Zero(t, m.NumNo)
}

func TestUser_Ledger(t *testing.T) {
	u := NewUser("bob", "hi", StartingBalance, now)
	assert.True(t, u.Balance.Equal(decimal.NewFromInt(100)))
	assert.Empty(t, u.History)

	u.Withdraw(decimal.NewFromInt(25))
	u.Deposit(decimal.NewFromFloat(2.5))
	u.AddMarket("market_1")

	assert.True(t, u.Balance.Equal(decimal.NewFromFloat(77.5)), "balance %s", u.Balance)
	assert.Equal(t, []string{"market_1"}, u.History)
	assert.True(t, u.CanAfford(decimal.NewFromFloat(77.5)))
	assert.False(t, u.CanAfford(decimal.NewFromFloat(77.51)))

	c := u.Clone()
	c.AddMarket("market_2")
	assert.Len(t, u.History, 1)
}

func TestParseOutcome(t *testing.T) {
	o, err := ParseOutcome(" yes ")
	require.NoError(t, err)
	assert.Equal(t, OutcomeYes, o)

	o, err = ParseOutcome("NO")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNo, o)

	_, err = ParseOutcome("maybe")
	assert.ErrorIs(t, err, ErrInvalidSide)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "AlreadyVoted", ErrorCode(fmt.Errorf("engine: bet: %w", ErrAlreadyVoted)))
	assert.Equal(t, "NoSuchMarket", ErrorCode(ErrNoSuchMarket))
	assert.Equal(t, "Internal", ErrorCode(errors.New("boom")))
}
