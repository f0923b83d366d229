// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary YES/NO markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Prices that always read as a probability distribution
//   - Path-independent cost function
//
// Quantities are aggregate bet counts. Prices are returned as
// shopspring/decimal; internal transcendental math is arranged so that
// large counts never overflow float64.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/atmx/binary-market/internal/model"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b is not a positive value that
	// float64 can carry: b <= 0, or so small or large that it converts to
	// zero or infinity.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive and finite")

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8
)

var (
	one = decimal.NewFromInt(1)

	// tick is the smallest price step at PriceScale.
	tick = decimal.New(1, -PriceScale)
)

// MarketMaker prices one market. It is stateless: counts are passed as
// arguments, not stored.
type MarketMaker struct {
	b  decimal.Decimal
	bf float64
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per bet.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	bf := b.InexactFloat64()
	if bf <= 0 || math.IsNaN(bf) || math.IsInf(bf, 0) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b, bf: bf}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(exp(numYes / b) + exp(numNo / b))
//
// evaluated as max(q) + b * ln(1 + exp(-|numYes - numNo| / b)) so that
// neither large counts nor a tiny b overflow float64.
func (m *MarketMaker) Cost(numYes, numNo int64) decimal.Decimal {
	hi, lo := numYes, numNo
	if lo > hi {
		hi, lo = lo, hi
	}
	gap := float64(hi-lo) / m.bf
	tail := m.bf * math.Log1p(math.Exp(-gap))
	return decimal.NewFromInt(hi).Add(decimal.NewFromFloat(tail)).Round(PriceScale)
}

// Prices returns the instantaneous (YES, NO) prices:
//
//	p_yes = exp(numYes / b) / (exp(numYes / b) + exp(numNo / b))
//	p_no  = 1 - p_yes
//
// The softmax is evaluated in its logistic form 1 / (1 + exp((numNo -
// numYes) / b)), which saturates to 0 or 1 instead of overflowing. After
// rounding to PriceScale, a YES price of 0 or 1 is moved one tick inward so
// both sides stay strictly inside (0, 1); NO is derived from YES so the pair
// sums to exactly 1.
func (m *MarketMaker) Prices(numYes, numNo int64) (yes, no decimal.Decimal) {
	// Counts are non-negative, so the difference cannot overflow.
	x := float64(numNo-numYes) / m.bf
	p := 1 / (1 + math.Exp(x))
	if math.IsNaN(p) {
		p = 0.5
	}

	yes = decimal.NewFromFloat(p).Round(PriceScale)
	if yes.LessThan(tick) {
		yes = tick
	}
	if yes.GreaterThan(one.Sub(tick)) {
		yes = one.Sub(tick)
	}
	return yes, one.Sub(yes)
}

// Price returns the instantaneous price of one share of side.
func (m *MarketMaker) Price(side model.Outcome, numYes, numNo int64) decimal.Decimal {
	yes, no := m.Prices(numYes, numNo)
	if side == model.OutcomeNo {
		return no
	}
	return yes
}

// Quote returns what quantity shares of side cost at the current counts:
// the instantaneous price times quantity, with no slippage.
func (m *MarketMaker) Quote(side model.Outcome, numYes, numNo, quantity int64) decimal.Decimal {
	return m.Price(side, numYes, numNo).Mul(decimal.NewFromInt(quantity))
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(n),
// where n = 2 for binary markets.
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	loss := m.bf * math.Ln2
	return decimal.NewFromFloat(loss).Round(PriceScale)
}

// PricesFor prices a stored market. An invalid liquidity yields (0, 0).
func PricesFor(market *model.Market) (yes, no decimal.Decimal) {
	mm, err := NewMarketMaker(market.Liquidity)
	if err != nil {
		return decimal.Zero, decimal.Zero
	}
	return mm.Prices(market.NumYes, market.NumNo)
}
