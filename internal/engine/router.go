package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/binary-market/internal/model"
)

// Operation names accepted by Router.Dispatch.
const (
	OpRegister   = "register"
	OpAddMarket  = "addMarket"
	OpBet        = "bet"
	OpResolve    = "resolve"
	OpDeposit    = "deposit"
	OpGetCost    = "getCost"
	OpGetUser    = "getUser"
	OpGetUsers   = "getUsers"
	OpGetMarket  = "getMarket"
	OpGetMarkets = "getMarkets"
)

type opFunc func(ctx context.Context, caller string, args json.RawMessage) (any, error)

// Router maps operation names to engine calls. Arguments arrive as a JSON
// object; results are JSON-encodable values.
type Router struct {
	ops map[string]opFunc
}

// Argument shapes.
type (
	RegisterArgs struct {
		Bio string `json:"bio"`
	}
	AddMarketArgs struct {
		Question  string          `json:"question"`
		Liquidity decimal.NullDecimal `json:"liquidity"` // absent selects the engine default
	}
	BetArgs struct {
		MarketID string `json:"market_id"`
		Side     string `json:"side"`
		Quantity int64  `json:"quantity"`
	}
	MarketArgs struct {
		MarketID string `json:"market_id"`
	}
	UserArgs struct {
		UserID string `json:"user_id"`
	}
	DepositArgs struct {
		Amount decimal.Decimal `json:"amount"`
	}
)

// Prices is the result of getCost.
type Prices struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// NewRouter builds the dispatch table for e.
func NewRouter(e *Engine) *Router {
	return &Router{ops: map[string]opFunc{
		OpRegister: func(ctx context.Context, caller string, raw json.RawMessage) (any, error) {
			var a RegisterArgs
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			id, err := e.Register(ctx, caller, a.Bio)
			if err != nil {
				return nil, err
			}
			return map[string]string{"user_id": id}, nil
		},
		OpAddMarket: func(ctx context.Context, caller string, raw json.RawMessage) (any, error) {
			var a AddMarketArgs
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			b := e.DefaultLiquidity()
			if a.Liquidity.Valid {
				b = a.Liquidity.Decimal
			}
			id, err := e.AddMarket(ctx, caller, a.Question, b)
			if err != nil {
				return nil, err
			}
			return map[string]string{"market_id": id}, nil
		},
		OpBet: func(ctx context.Context, caller string, raw json.RawMessage) (any, error) {
			var a BetArgs
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			side, err := model.ParseOutcome(a.Side)
			if err != nil {
				return nil, err
			}
			return e.Bet(ctx, caller, a.MarketID, side, a.Quantity)
		},
		OpResolve: func(ctx context.Context, caller string, raw json.RawMessage) (any, error) {
			var a MarketArgs
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			return e.Resolve(ctx, caller, a.MarketID)
		},
		OpDeposit: func(ctx context.Context, caller string, raw json.RawMessage) (any, error) {
			var a DepositArgs
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			if err := e.Deposit(ctx, caller, a.Amount); err != nil {
				return nil, err
			}
			return map[string]string{"status": "ok"}, nil
		},
		OpGetCost: func(ctx context.Context, _ string, raw json.RawMessage) (any, error) {
			var a MarketArgs
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			yes, no, err := e.GetCost(ctx, a.MarketID)
			if err != nil {
				return nil, err
			}
			return Prices{Yes: yes, No: no}, nil
		},
		OpGetUser: func(ctx context.Context, caller string, raw json.RawMessage) (any, error) {
			var a UserArgs
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			if a.UserID == "" {
				a.UserID = caller
			}
			return e.GetUser(ctx, a.UserID)
		},
		OpGetUsers: func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
			return e.GetUsers(ctx)
		},
		OpGetMarket: func(ctx context.Context, _ string, raw json.RawMessage) (any, error) {
			var a MarketArgs
			if err := decodeArgs(raw, &a); err != nil {
				return nil, err
			}
			return e.GetMarket(ctx, a.MarketID)
		},
		OpGetMarkets: func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
			return e.GetMarkets(ctx)
		},
	}}
}

// Dispatch runs op for caller with JSON-encoded args.
func (r *Router) Dispatch(ctx context.Context, caller, op string, args json.RawMessage) (any, error) {
	fn, ok := r.ops[op]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownOperation, op)
	}
	return fn(ctx, caller, args)
}

// Operations lists the registered operation names, sorted.
func (r *Router) Operations() []string {
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsMutating reports whether op changes state.
func IsMutating(op string) bool {
	switch op {
	case OpRegister, OpAddMarket, OpBet, OpResolve, OpDeposit:
		return true
	}
	return false
}

func decodeArgs(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidArguments, err)
	}
	return nil
}
