// Package engine runs every public market operation: registration, market
// creation, betting, resolution with payout, deposits and queries.
//
// Each mutating operation is one store.Update transaction: load the
// records, check preconditions, mutate in memory, write back. Nothing
// else in the service mutates markets or users.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/binary-market/internal/idgen"
	"github.com/atmx/binary-market/internal/lmsr"
	"github.com/atmx/binary-market/internal/metrics"
	"github.com/atmx/binary-market/internal/model"
	"github.com/atmx/binary-market/internal/store"
)

// Options tunes an Engine. Zero values pick the defaults.
type Options struct {
	StartingBalance  decimal.Decimal // credited on registration; default 100
	DefaultLiquidity decimal.Decimal // used by transports when a market omits b; default 100
	Publisher        Publisher       // receives committed events; default drops them
	Logger           *slog.Logger
	Now              func() time.Time
}

// Engine orchestrates market and user operations against a Store.
type Engine struct {
	store            store.Store
	ids              idgen.Generator
	startingBalance  decimal.Decimal
	defaultLiquidity decimal.Decimal
	pub              Publisher
	log              *slog.Logger
	now              func() time.Time
}

// New creates an engine over st, minting market ids with ids.
func New(st store.Store, ids idgen.Generator, opts Options) *Engine {
	e := &Engine{
		store:            st,
		ids:              ids,
		startingBalance:  opts.StartingBalance,
		defaultLiquidity: opts.DefaultLiquidity,
		pub:              opts.Publisher,
		log:              opts.Logger,
		now:              opts.Now,
	}
	if e.startingBalance.IsZero() {
		e.startingBalance = model.StartingBalance
	}
	if !e.defaultLiquidity.IsPositive() {
		e.defaultLiquidity = decimal.NewFromInt(100)
	}
	if e.pub == nil {
		e.pub = nopPublisher{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// DefaultLiquidity is the b used when a caller creates a market without one.
func (e *Engine) DefaultLiquidity() decimal.Decimal {
	return e.defaultLiquidity
}

// --- Results ---

// Receipt describes an accepted bet.
type Receipt struct {
	MarketID  string          `json:"market_id"`
	UserID    string          `json:"user_id"`
	Side      model.Outcome   `json:"side"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"` // quoted before the bet
	Cost      decimal.Decimal `json:"cost"`
	Balance   decimal.Decimal `json:"balance"` // bettor's balance after the bet
	PriceYes  decimal.Decimal `json:"price_yes"`
	PriceNo   decimal.Decimal `json:"price_no"`
}

// Payout is one winner's credit from a resolution.
type Payout struct {
	UserID   string          `json:"user_id"`
	Quantity int64           `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
	Balance  decimal.Decimal `json:"balance"`
}

// Settlement describes a resolved market and everything paid out.
type Settlement struct {
	MarketID   string          `json:"market_id"`
	Outcome    model.Outcome   `json:"outcome"`
	Payouts    []Payout        `json:"payouts"`
	TotalPaid  decimal.Decimal `json:"total_paid"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// --- Mutating operations ---

// Register creates the caller's account with the starting balance and
// returns the new user id, which is the caller identity itself.
func (e *Engine) Register(ctx context.Context, caller, bio string) (string, error) {
	if caller == "" {
		return "", e.reject("register", model.ErrAnonymousCaller)
	}

	err := e.store.Update(ctx, func(tx store.Tx) error {
		u := model.NewUser(caller, bio, e.startingBalance, e.now())
		if err := tx.CreateUser(ctx, u); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return model.ErrAlreadyRegistered
			}
			return fmt.Errorf("engine: create user %s: %w", caller, err)
		}
		return nil
	})
	if err != nil {
		return "", e.reject("register", err)
	}

	metrics.RegisteredUsers.Inc()
	e.log.Info("user registered", "user", caller, "balance", e.startingBalance.String())
	return caller, nil
}

// AddMarket opens a market created by caller and returns its id.
func (e *Engine) AddMarket(ctx context.Context, caller, question string, liquidity decimal.Decimal) (string, error) {
	if caller == "" {
		return "", e.reject("addMarket", model.ErrAnonymousCaller)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", e.reject("addMarket", model.ErrInvalidQuestion)
	}
	mm, err := lmsr.NewMarketMaker(liquidity)
	if err != nil {
		return "", e.reject("addMarket", fmt.Errorf("%w: got %s", model.ErrInvalidLiquidity, liquidity))
	}

	var market *model.Market
	err = e.store.Update(ctx, func(tx store.Tx) error {
		id, err := e.ids.Next(ctx, tx)
		if err != nil {
			return err
		}
		market = model.NewMarket(id, caller, question, liquidity, e.now())
		if err := tx.CreateMarket(ctx, market); err != nil {
			return fmt.Errorf("engine: create market %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return "", e.reject("addMarket", err)
	}

	metrics.OpenMarkets.Inc()
	yes, no := mm.Prices(0, 0)
	e.log.Info("market created",
		"market", market.ID,
		"creator", caller,
		"b", liquidity.String(),
	)
	e.pub.Publish(Event{
		Type:     EventMarketCreated,
		MarketID: market.ID,
		UserID:   caller,
		PriceYes: yes.String(),
		PriceNo:  no.String(),
	})
	return market.ID, nil
}

// Bet buys quantity shares of side in marketID for caller at the price
// quoted from the market's counts before this bet.
//
// Preconditions are checked in order: the market exists, it is open, the
// caller is registered, the caller has not bet here before, and the caller
// can afford the quote.
func (e *Engine) Bet(ctx context.Context, caller, marketID string, side model.Outcome, quantity int64) (*Receipt, error) {
	if !side.Valid() {
		return nil, e.reject("bet", fmt.Errorf("%w: %q", model.ErrInvalidSide, side))
	}
	if quantity <= 0 {
		return nil, e.reject("bet", fmt.Errorf("%w: got %d", model.ErrInvalidQuantity, quantity))
	}

	start := time.Now()
	var receipt *Receipt
	err := e.store.Update(ctx, func(tx store.Tx) error {
		receipt = nil

		market, err := e.loadMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if market.Resolved {
			return model.ErrMarketAlreadyResolved
		}
		user, err := tx.GetUser(ctx, caller)
		if errors.Is(err, store.ErrNotFound) {
			return model.ErrUserNotRegistered
		}
		if err != nil {
			return fmt.Errorf("engine: load user %s: %w", caller, err)
		}
		if market.HasVoted(caller) {
			return model.ErrAlreadyVoted
		}

		mm, err := lmsr.NewMarketMaker(market.Liquidity)
		if err != nil {
			return fmt.Errorf("%w: market %s: %v", model.ErrInvariantViolation, market.ID, err)
		}
		unit := mm.Price(side, market.NumYes, market.NumNo)
		cost := mm.Quote(side, market.NumYes, market.NumNo, quantity)
		if !user.CanAfford(cost) {
			return fmt.Errorf("%w: cost %s, balance %s", model.ErrInsufficientBalance, cost, user.Balance)
		}

		user.Withdraw(cost)
		user.AddMarket(market.ID)
		if err := market.RecordBet(caller, model.Bet{Side: side, Quantity: quantity}); err != nil {
			return err
		}
		if err := market.CheckInvariants(); err != nil {
			return err
		}

		if err := tx.PutMarket(ctx, market); err != nil {
			return fmt.Errorf("engine: save market %s: %w", market.ID, err)
		}
		if err := tx.PutUser(ctx, user); err != nil {
			return fmt.Errorf("engine: save user %s: %w", user.ID, err)
		}

		yes, no := mm.Prices(market.NumYes, market.NumNo)
		receipt = &Receipt{
			MarketID:  market.ID,
			UserID:    caller,
			Side:      side,
			Quantity:  quantity,
			UnitPrice: unit,
			Cost:      cost,
			Balance:   user.Balance,
			PriceYes:  yes,
			PriceNo:   no,
		}
		return nil
	})
	if err != nil {
		return nil, e.reject("bet", err)
	}

	metrics.BetsTotal.WithLabelValues(string(side)).Inc()
	metrics.BetVolume.WithLabelValues(string(side)).Add(float64(quantity))
	metrics.BetLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())

	e.log.Info("bet placed",
		"market", receipt.MarketID,
		"user", caller,
		"side", side,
		"qty", quantity,
		"cost", receipt.Cost.String(),
		"new_price_yes", receipt.PriceYes.String(),
	)
	e.pub.Publish(Event{
		Type:     EventBetPlaced,
		MarketID: receipt.MarketID,
		UserID:   caller,
		Side:     side,
		Quantity: quantity,
		PriceYes: receipt.PriceYes.String(),
		PriceNo:  receipt.PriceNo.String(),
	})
	return receipt, nil
}

// Resolve closes marketID on behalf of its creator and credits every
// winning bettor one unit per share. The market's terminal state and all
// credits commit together or not at all.
func (e *Engine) Resolve(ctx context.Context, caller, marketID string) (*Settlement, error) {
	var settlement *Settlement
	err := e.store.Update(ctx, func(tx store.Tx) error {
		settlement = nil

		market, err := e.loadMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		resolvedAt := e.now()
		outcome, err := market.Resolve(caller, resolvedAt)
		if err != nil {
			return err
		}
		if err := market.CheckInvariants(); err != nil {
			return err
		}
		if err := tx.PutMarket(ctx, market); err != nil {
			return fmt.Errorf("engine: save market %s: %w", market.ID, err)
		}

		s := &Settlement{
			MarketID:   market.ID,
			Outcome:    outcome,
			Payouts:    []Payout{},
			TotalPaid:  decimal.Zero,
			ResolvedAt: resolvedAt,
		}
		for _, w := range market.Winners() {
			user, err := tx.GetUser(ctx, w.UserID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: winner %s of market %s has no user record",
					model.ErrInvariantViolation, w.UserID, market.ID)
			}
			if err != nil {
				return fmt.Errorf("engine: load winner %s: %w", w.UserID, err)
			}
			amount := decimal.NewFromInt(w.Bet.Quantity)
			user.Deposit(amount)
			if err := tx.PutUser(ctx, user); err != nil {
				return fmt.Errorf("engine: credit winner %s: %w", w.UserID, err)
			}
			s.Payouts = append(s.Payouts, Payout{
				UserID:   w.UserID,
				Quantity: w.Bet.Quantity,
				Amount:   amount,
				Balance:  user.Balance,
			})
			s.TotalPaid = s.TotalPaid.Add(amount)
		}
		settlement = s
		return nil
	})
	if err != nil {
		return nil, e.reject("resolve", err)
	}

	metrics.OpenMarkets.Dec()
	metrics.ResolutionsTotal.WithLabelValues(string(settlement.Outcome)).Inc()
	metrics.PayoutsTotal.Add(settlement.TotalPaid.InexactFloat64())

	e.log.Info("market resolved",
		"market", marketID,
		"outcome", settlement.Outcome,
		"winners", len(settlement.Payouts),
		"total_paid", settlement.TotalPaid.String(),
	)
	e.pub.Publish(Event{
		Type:      EventMarketResolved,
		MarketID:  marketID,
		UserID:    caller,
		Outcome:   settlement.Outcome,
		TotalPaid: settlement.TotalPaid.String(),
	})
	return settlement, nil
}

// Deposit credits amount to the caller. A non-positive amount or an
// unregistered caller is a no-op, not an error.
func (e *Engine) Deposit(ctx context.Context, caller string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		e.log.Warn("deposit ignored", "user", caller, "amount", amount.String(), "reason", "non-positive amount")
		return nil
	}

	credited := false
	err := e.store.Update(ctx, func(tx store.Tx) error {
		credited = false
		user, err := tx.GetUser(ctx, caller)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("engine: load user %s: %w", caller, err)
		}
		user.Deposit(amount)
		if err := tx.PutUser(ctx, user); err != nil {
			return fmt.Errorf("engine: save user %s: %w", caller, err)
		}
		credited = true
		return nil
	})
	if err != nil {
		return e.reject("deposit", err)
	}

	if !credited {
		e.log.Warn("deposit ignored", "user", caller, "amount", amount.String(), "reason", "unregistered")
		return nil
	}
	e.log.Info("deposit", "user", caller, "amount", amount.String())
	return nil
}

// --- Queries ---

// GetCost returns the current (YES, NO) prices of marketID. An unknown
// market prices at (0, 0) and is not an error.
func (e *Engine) GetCost(ctx context.Context, marketID string) (yes, no decimal.Decimal, err error) {
	market, err := e.store.GetMarket(ctx, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("engine: load market %s: %w", marketID, err)
	}
	yes, no = lmsr.PricesFor(market)
	return yes, no, nil
}

// GetMarket returns a snapshot of marketID.
func (e *Engine) GetMarket(ctx context.Context, marketID string) (*model.Market, error) {
	market, err := e.store.GetMarket(ctx, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrNoSuchMarket
	}
	if err != nil {
		return nil, fmt.Errorf("engine: load market %s: %w", marketID, err)
	}
	return market, nil
}

// GetMarkets returns every market in creation order.
func (e *Engine) GetMarkets(ctx context.Context) ([]model.Market, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list markets: %w", err)
	}
	if markets == nil {
		markets = []model.Market{}
	}
	return markets, nil
}

// GetUser returns a snapshot of userID.
func (e *Engine) GetUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("engine: load user %s: %w", userID, err)
	}
	return user, nil
}

// GetUsers returns every user in registration order.
func (e *Engine) GetUsers(ctx context.Context) ([]model.User, error) {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list users: %w", err)
	}
	if users == nil {
		users = []model.User{}
	}
	return users, nil
}

// SyncMetrics sets gauges that depend on stored state. Run once at startup.
func (e *Engine) SyncMetrics(ctx context.Context) error {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("engine: list markets: %w", err)
	}
	open := 0
	for _, m := range markets {
		if !m.Resolved {
			open++
		}
	}
	metrics.OpenMarkets.Set(float64(open))
	return nil
}

// --- helpers ---

func (e *Engine) loadMarket(ctx context.Context, tx store.Tx, marketID string) (*model.Market, error) {
	market, err := tx.GetMarket(ctx, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.ErrNoSuchMarket
	}
	if err != nil {
		return nil, fmt.Errorf("engine: load market %s: %w", marketID, err)
	}
	return market, nil
}

// reject records a failed operation and returns err unchanged.
func (e *Engine) reject(op string, err error) error {
	code := model.ErrorCode(err)
	switch code {
	case "Internal":
		e.log.Error("operation failed", "op", op, "err", err)
	case "InvariantViolation":
		e.log.Error("invariant violated", "op", op, "err", err)
	default:
		metrics.Rejections.WithLabelValues(op, code).Inc()
	}
	return err
}
