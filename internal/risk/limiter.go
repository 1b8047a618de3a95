// Package risk enforces per-user position limits on trades.
//
// Two limits apply. The per-position limit caps the share count held in one
// outcome of one market. The exposure limit caps the total cost basis a user
// may have open across all markets, which bounds the stake at risk if every
// open position loses.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
)

var (
	// ErrPositionLimitExceeded is returned when a trade would push a single
	// position beyond the per-position maximum.
	ErrPositionLimitExceeded = errors.New("risk: position limit exceeded")

	// ErrExposureLimitExceeded is returned when a trade would push the
	// user's total open cost basis beyond the exposure maximum.
	ErrExposureLimitExceeded = errors.New("risk: total exposure limit exceeded")
)

// PositionLimiter enforces position limits. A zero limit disables that
// check.
type PositionLimiter struct {
	// MaxPositionSize is the maximum share count in any one position.
	MaxPositionSize decimal.Decimal

	// MaxTotalExposure is the maximum aggregate cost basis across all of
	// a user's open positions.
	MaxTotalExposure decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-position and
// total exposure limits.
func NewPositionLimiter(maxPositionSize, maxTotalExposure decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPositionSize:  maxPositionSize,
		MaxTotalExposure: maxTotalExposure,
	}
}

// Change describes a trade's effect on one position.
type Change struct {
	MarketID string
	Outcome  model.Outcome
	// SizeDelta is the signed change in shares (+buy / -sell).
	SizeDelta decimal.Decimal
	// CostDelta is the signed change in cost basis.
	CostDelta decimal.Decimal
}

// CheckLimit validates a trade against the user's current open positions.
// Trades that only reduce a position always pass.
func (l *PositionLimiter) CheckLimit(c Change, open []model.Position) error {
	if l == nil || !c.SizeDelta.IsPositive() {
		return nil
	}

	// 1. Per-position limit.
	current := decimal.Zero
	totalCost := decimal.Zero
	for _, p := range open {
		if p.IsClosed {
			continue
		}
		if p.MarketID == c.MarketID && p.Outcome == c.Outcome {
			current = p.Size
		}
		totalCost = totalCost.Add(p.CostBasis())
	}

	if l.MaxPositionSize.IsPositive() && current.Add(c.SizeDelta).GreaterThan(l.MaxPositionSize) {
		return ErrPositionLimitExceeded
	}

	// 2. Total exposure across every open position.
	if l.MaxTotalExposure.IsPositive() && totalCost.Add(c.CostDelta).GreaterThan(l.MaxTotalExposure) {
		return ErrExposureLimitExceeded
	}

	return nil
}
