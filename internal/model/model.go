// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// ParseOutcome accepts "yes"/"no" in any case.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(strings.ToUpper(strings.TrimSpace(s))) {
	case OutcomeYes:
		return OutcomeYes, nil
	case OutcomeNo:
		return OutcomeNo, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

// Valid reports whether o is YES or NO.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Market statuses as reported by Market.Status.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// StartingBalance is credited to every newly registered user.
var StartingBalance = decimal.NewFromInt(100)

// Bet is one user's position in one market. Once recorded it is never
// modified; a market holds at most one Bet per user.
type Bet struct {
	Side     Outcome `json:"side"`
	Quantity int64   `json:"quantity"`
}

// Market is a binary prediction market priced by LMSR.
//
// NumYes and NumNo count recorded bets per side, not shares, so
// NumYes+NumNo always equals len(Voters).
type Market struct {
	ID         string          `json:"id"`
	CreatorID  string          `json:"creator_id"`
	Question   string          `json:"question"`
	NumYes     int64           `json:"num_yes"`
	NumNo      int64           `json:"num_no"`
	Liquidity  decimal.Decimal `json:"liquidity"` // LMSR b
	Resolved   bool            `json:"resolved"`
	Outcome    *Outcome        `json:"outcome,omitempty"`
	Voters     map[string]Bet  `json:"voters"` // user id → bet
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// NewMarket returns an open market with no bets.
func NewMarket(id, creatorID, question string, liquidity decimal.Decimal, now time.Time) *Market {
	return &Market{
		ID:        id,
		CreatorID: creatorID,
		Question:  question,
		Liquidity: liquidity,
		Voters:    make(map[string]Bet),
		CreatedAt: now,
	}
}

// Status returns StatusOpen or StatusResolved.
func (m *Market) Status() string {
	if m.Resolved {
		return StatusResolved
	}
	return StatusOpen
}

// HasVoted reports whether userID already holds a bet in this market.
func (m *Market) HasVoted(userID string) bool {
	_, ok := m.Voters[userID]
	return ok
}

// RecordBet adds bettor's bet and bumps the side's counter by one.
func (m *Market) RecordBet(bettor string, bet Bet) error {
	if m.Resolved {
		return ErrMarketAlreadyResolved
	}
	if m.HasVoted(bettor) {
		return ErrAlreadyVoted
	}
	switch bet.Side {
	case OutcomeYes:
		m.NumYes++
	case OutcomeNo:
		m.NumNo++
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSide, bet.Side)
	}
	if m.Voters == nil {
		m.Voters = make(map[string]Bet)
	}
	m.Voters[bettor] = bet
	return nil
}

// Resolve moves the market to its terminal state. Only the creator may
// resolve, and only once. Ties go to YES.
func (m *Market) Resolve(caller string, at time.Time) (Outcome, error) {
	if m.Resolved {
		return "", ErrMarketAlreadyResolved
	}
	if caller != m.CreatorID {
		return "", ErrNotCreator
	}

	outcome := OutcomeYes
	if m.NumNo > m.NumYes {
		outcome = OutcomeNo
	}
	m.Outcome = &outcome
	m.Resolved = true
	m.ResolvedAt = &at
	return outcome, nil
}

// Winner is a bettor on the winning side of a resolved market.
type Winner struct {
	UserID string
	Bet    Bet
}

// Winners lists bettors whose side matches the outcome, ordered by user id.
// Returns nil for an unresolved market.
func (m *Market) Winners() []Winner {
	if !m.Resolved || m.Outcome == nil {
		return nil
	}
	var winners []Winner
	for userID, bet := range m.Voters {
		if bet.Side == *m.Outcome {
			winners = append(winners, Winner{UserID: userID, Bet: bet})
		}
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i].UserID < winners[j].UserID })
	return winners
}

// CheckInvariants verifies the counter/ledger and resolved/outcome pairings.
func (m *Market) CheckInvariants() error {
	var yes, no int64
	for _, b := range m.Voters {
		switch b.Side {
		case OutcomeYes:
			yes++
		case OutcomeNo:
			no++
		}
	}
	if yes != m.NumYes || no != m.NumNo {
		return fmt.Errorf("%w: market %s counts yes=%d no=%d, ledger yes=%d no=%d",
			ErrInvariantViolation, m.ID, m.NumYes, m.NumNo, yes, no)
	}
	if m.Resolved != (m.Outcome != nil) {
		return fmt.Errorf("%w: market %s resolved=%t with outcome present=%t",
			ErrInvariantViolation, m.ID, m.Resolved, m.Outcome != nil)
	}
	return nil
}

// Clone returns a deep copy.
func (m *Market) Clone() *Market {
	c := *m
	c.Voters = make(map[string]Bet, len(m.Voters))
	for k, v := range m.Voters {
		c.Voters[k] = v
	}
	if m.Outcome != nil {
		o := *m.Outcome
		c.Outcome = &o
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// User is a registered account.
type User struct {
	ID        string          `json:"id"`
	Bio       string          `json:"bio"`
	Balance   decimal.Decimal `json:"balance"`
	History   []string        `json:"history"` // market ids, in betting order
	CreatedAt time.Time       `json:"created_at"`
}

// NewUser returns a user holding the given starting balance.
func NewUser(id, bio string, balance decimal.Decimal, now time.Time) *User {
	return &User{
		ID:        id,
		Bio:       bio,
		Balance:   balance,
		History:   []string{},
		CreatedAt: now,
	}
}

// Deposit credits amount. No validation.
func (u *User) Deposit(amount decimal.Decimal) {
	u.Balance = u.Balance.Add(amount)
}

// Withdraw debits amount without a floor check; callers verify
// affordability first.
func (u *User) Withdraw(amount decimal.Decimal) {
	u.Balance = u.Balance.Sub(amount)
}

// AddMarket appends marketID to the betting history.
func (u *User) AddMarket(marketID string) {
	u.History = append(u.History, marketID)
}

// CanAfford reports whether the balance covers amount.
func (u *User) CanAfford(amount decimal.Decimal) bool {
	return amount.LessThanOrEqual(u.Balance)
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	c := *u
	c.History = append([]string{}, u.History...)
	return &c
}
