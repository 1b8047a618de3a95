// Package cpmm implements the constant-product market maker (CPMM) that
// prices binary outcome markets.
//
// A pool holds YES and NO outcome shares with the invariant
//
//	yesShares * noShares = k
//
// Buying an outcome mints the requested shares of both tokens and sells the
// unwanted side back along the curve, so every buy and sell preserves k by
// construction. Prices are the normalised opposite-side reserves and always
// sum to 1.
//
// All quantities use shopspring/decimal. Nothing in this package mutates its
// inputs; every operation returns a new pool.
package cpmm

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
)

var (
	// ErrInvalidLiquidity is returned when initial liquidity is not positive.
	ErrInvalidLiquidity = errors.New("cpmm: liquidity must be positive")

	// ErrInvalidPrice is returned when an initial price is outside (0, 1).
	ErrInvalidPrice = errors.New("cpmm: initial price must be between 0 and 1")

	// ErrInvalidShares is returned for non-positive share quantities.
	ErrInvalidShares = errors.New("cpmm: shares must be positive")

	// ErrInvalidAmount is returned for non-positive currency amounts.
	ErrInvalidAmount = errors.New("cpmm: amount must be positive")

	// ErrInvalidOutcome is returned when the outcome is neither YES nor NO.
	ErrInvalidOutcome = errors.New("cpmm: outcome must be YES or NO")

	// ErrEmptyPool is returned when the pool cannot absorb a trade.
	ErrEmptyPool = errors.New("cpmm: pool has no liquidity on the traded side")
)

var (
	// ShareScale is the number of decimal places kept for pool reserves and
	// share quantities.
	ShareScale int32 = 8

	// PriceScale is the number of decimal places for prices and costs.
	PriceScale int32 = 8

	// DefaultMaxSellFraction caps the share of one side of the pool that a
	// single sell may redeem.
	DefaultMaxSellFraction = decimal.NewFromFloat(0.95)

	// BisectionIterations bounds SharesForAmount.
	BisectionIterations = 100

	// BisectionTolerance is the share-bracket width at which SharesForAmount
	// stops refining.
	BisectionTolerance = decimal.NewFromFloat(0.001)

	half = decimal.NewFromFloat(0.5)
	one  = decimal.NewFromInt(1)
	two  = decimal.NewFromInt(2)
)

// Quote is the result of pricing a trade against a pool.
type Quote struct {
	Outcome model.Outcome `json:"outcome"`
	// Shares is the quantity actually filled. For sells it may be lower than
	// requested because of the max sell fraction clamp.
	Shares decimal.Decimal `json:"shares"`
	// Cost is what the trader pays (buys) or receives (sells). Never negative.
	Cost     decimal.Decimal `json:"cost"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	NewPool  model.Pool      `json:"new_pool"`
}

// Impact describes how a prospective trade would move the traded outcome's
// price. It is informational only.
type Impact struct {
	Outcome     model.Outcome   `json:"outcome"`
	Side        model.Side      `json:"side"`
	Shares      decimal.Decimal `json:"shares"`
	Cost        decimal.Decimal `json:"cost"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	PriceBefore decimal.Decimal `json:"price_before"`
	PriceAfter  decimal.Decimal `json:"price_after"`
	Impact      decimal.Decimal `json:"impact"` // PriceAfter - PriceBefore
}

// MarketMaker prices trades against a constant-product pool. It is stateless
// apart from configuration; pools are passed as arguments, not stored.
type MarketMaker struct {
	maxSellFraction decimal.Decimal
}

// NewMarketMaker creates a market maker. A maxSellFraction outside (0, 1]
// falls back to DefaultMaxSellFraction.
func NewMarketMaker(maxSellFraction decimal.Decimal) *MarketMaker {
	if maxSellFraction.LessThanOrEqual(decimal.Zero) || maxSellFraction.GreaterThan(one) {
		maxSellFraction = DefaultMaxSellFraction
	}
	return &MarketMaker{maxSellFraction: maxSellFraction}
}

// MaxSellFraction returns the configured sell clamp.
func (m *MarketMaker) MaxSellFraction() decimal.Decimal {
	return m.maxSellFraction
}

// InitializePool seeds a pool with the given liquidity so that the YES price
// starts at initialYesPrice. A zero price means 0.5.
//
//	noShares  = liquidity * p
//	yesShares = liquidity * (1 - p)
//	k         = yesShares * noShares
func InitializePool(liquidity, initialYesPrice decimal.Decimal) (model.Pool, error) {
	if liquidity.LessThanOrEqual(decimal.Zero) {
		return model.Pool{}, ErrInvalidLiquidity
	}
	if initialYesPrice.IsZero() {
		initialYesPrice = half
	}
	if initialYesPrice.LessThanOrEqual(decimal.Zero) || initialYesPrice.GreaterThanOrEqual(one) {
		return model.Pool{}, ErrInvalidPrice
	}

	noShares := liquidity.Mul(initialYesPrice).Round(ShareScale)
	yesShares := liquidity.Mul(one.Sub(initialYesPrice)).Round(ShareScale)
	return model.Pool{
		YesShares: yesShares,
		NoShares:  noShares,
		K:         yesShares.Mul(noShares),
	}, nil
}

// Prices returns the YES and NO prices for a pool:
//
//	yes = noShares / (yesShares + noShares)
//	no  = yesShares / (yesShares + noShares)
//
// An empty pool prices both outcomes at 0.5.
func Prices(p model.Pool) (yes, no decimal.Decimal) {
	total := p.YesShares.Add(p.NoShares)
	if total.IsZero() {
		return half, half
	}
	yes = p.NoShares.Div(total).Round(PriceScale)
	return yes, one.Sub(yes)
}

// Price returns the price of a single outcome.
func Price(p model.Pool, o model.Outcome) decimal.Decimal {
	yes, no := Prices(p)
	if o == model.OutcomeNo {
		return no
	}
	return yes
}

// sides returns the pool reserve of the traded outcome and of its complement.
func sides(p model.Pool, o model.Outcome) (same, other decimal.Decimal) {
	if o == model.OutcomeYes {
		return p.YesShares, p.NoShares
	}
	return p.NoShares, p.YesShares
}

// withSides builds a pool from traded-side and opposite-side reserves.
func withSides(o model.Outcome, same, other, k decimal.Decimal) model.Pool {
	if o == model.OutcomeYes {
		return model.Pool{YesShares: same, NoShares: other, K: k}
	}
	return model.Pool{YesShares: other, NoShares: same, K: k}
}

// rawBuyCost evaluates the buy cost without flooring at zero.
func rawBuyCost(same, other, k, shares decimal.Decimal) (cost, newSame, newOther decimal.Decimal) {
	newSame = same.Add(shares)
	newOther = k.Div(newSame)
	cost = shares.Sub(other.Sub(newOther))
	return cost, newSame, newOther
}

// BuyCost prices buying shares of outcome o. For YES:
//
//	newYes = yesShares + shares
//	newNo  = k / newYes
//	cost   = shares - (noShares - newNo)
//
// and symmetrically for NO. The cost is floored at zero.
func (m *MarketMaker) BuyCost(p model.Pool, o model.Outcome, shares decimal.Decimal) (Quote, error) {
	if !o.Valid() {
		return Quote{}, ErrInvalidOutcome
	}
	if shares.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidShares
	}
	same, other := sides(p, o)
	if p.K.LessThanOrEqual(decimal.Zero) || other.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrEmptyPool
	}

	cost, newSame, newOther := rawBuyCost(same, other, p.K, shares)
	if cost.IsNegative() {
		cost = decimal.Zero
	}
	cost = cost.Round(PriceScale)

	return Quote{
		Outcome:  o,
		Shares:   shares,
		Cost:     cost,
		AvgPrice: cost.Div(shares).Round(PriceScale),
		NewPool:  withSides(o, newSame.Round(ShareScale), newOther.Round(ShareScale), p.K),
	}, nil
}

// SharesForAmount inverts BuyCost: it finds how many shares of o the given
// amount buys. The cost function is non-decreasing in shares but has no
// closed-form inverse, so the answer is found by bisection over
// [0, amount + opposite reserve]; at the upper bound cost >= amount because
// cost(s) >= s - opposite. The returned quote never costs more than amount.
func (m *MarketMaker) SharesForAmount(p model.Pool, o model.Outcome, amount decimal.Decimal) (Quote, error) {
	if !o.Valid() {
		return Quote{}, ErrInvalidOutcome
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidAmount
	}
	same, other := sides(p, o)
	if p.K.LessThanOrEqual(decimal.Zero) || other.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrEmptyPool
	}

	lo := decimal.Zero
	hi := amount.Add(other)
	for i := 0; i < BisectionIterations; i++ {
		if hi.Sub(lo).LessThan(BisectionTolerance) {
			break
		}
		mid := lo.Add(hi).Div(two)
		cost, _, _ := rawBuyCost(same, other, p.K, mid)
		if cost.LessThanOrEqual(amount) {
			lo = mid
		} else {
			hi = mid
		}
	}

	shares := lo.RoundFloor(ShareScale)
	if shares.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidAmount
	}
	return m.BuyCost(p, o, shares)
}

// SellProceeds prices selling shares of outcome o back to the pool. It is
// the mirror of BuyCost. For YES:
//
//	newYes   = yesShares - shares
//	newNo    = k / newYes
//	proceeds = shares - (newNo - noShares)
//
// Shares are clamped to maxSellFraction of the traded side so one call can
// never drain the pool. Proceeds are floored at zero.
func (m *MarketMaker) SellProceeds(p model.Pool, o model.Outcome, shares decimal.Decimal) (Quote, error) {
	if !o.Valid() {
		return Quote{}, ErrInvalidOutcome
	}
	if shares.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidShares
	}
	same, other := sides(p, o)
	if p.K.LessThanOrEqual(decimal.Zero) || same.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrEmptyPool
	}

	maxShares := same.Mul(m.maxSellFraction).RoundFloor(ShareScale)
	if shares.GreaterThan(maxShares) {
		shares = maxShares
	}
	if shares.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrEmptyPool
	}

	newSame := same.Sub(shares)
	newOther := p.K.Div(newSame)
	proceeds := shares.Sub(newOther.Sub(other))
	if proceeds.IsNegative() {
		proceeds = decimal.Zero
	}
	proceeds = proceeds.Round(PriceScale)

	return Quote{
		Outcome:  o,
		Shares:   shares,
		Cost:     proceeds,
		AvgPrice: proceeds.Div(shares).Round(PriceScale),
		NewPool:  withSides(o, newSame.Round(ShareScale), newOther.Round(ShareScale), p.K),
	}, nil
}

// Payout returns what winning shares redeem for: one currency unit each.
func Payout(shares decimal.Decimal) decimal.Decimal {
	return shares
}

// EstimatePriceImpact previews a trade. For buys amountOrShares is a currency
// amount; for sells it is a share count.
func (m *MarketMaker) EstimatePriceImpact(p model.Pool, o model.Outcome, side model.Side, amountOrShares decimal.Decimal) (Impact, error) {
	var (
		q   Quote
		err error
	)
	switch side {
	case model.SideBuy:
		q, err = m.SharesForAmount(p, o, amountOrShares)
	case model.SideSell:
		q, err = m.SellProceeds(p, o, amountOrShares)
	default:
		return Impact{}, errors.New("cpmm: side must be BUY or SELL")
	}
	if err != nil {
		return Impact{}, err
	}

	before := Price(p, o)
	after := Price(q.NewPool, o)
	return Impact{
		Outcome:     o,
		Side:        side,
		Shares:      q.Shares,
		Cost:        q.Cost,
		AvgPrice:    q.AvgPrice,
		PriceBefore: before,
		PriceAfter:  after,
		Impact:      after.Sub(before),
	}, nil
}
