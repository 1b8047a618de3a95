package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func pos(market string, o model.Outcome, size, avg float64) model.Position {
	return model.Position{MarketID: market, Outcome: o, Size: d(size), AveragePrice: d(avg)}
}

func buy(market string, o model.Outcome, shares, cost float64) Change {
	return Change{MarketID: market, Outcome: o, SizeDelta: d(shares), CostDelta: d(cost)}
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	if err := limiter.CheckLimit(buy("m1", model.OutcomeYes, 100, 50), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PositionExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	// Existing position of 950 + new 100 = 1050 > 1000.
	open := []model.Position{pos("m1", model.OutcomeYes, 950, 0.5)}

	err := limiter.CheckLimit(buy("m1", model.OutcomeYes, 100, 50), open)
	if err != ErrPositionLimitExceeded {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherOutcomeIsSeparatePosition(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	open := []model.Position{pos("m1", model.OutcomeYes, 950, 0.5)}

	if err := limiter.CheckLimit(buy("m1", model.OutcomeNo, 500, 250), open); err != nil {
		t.Errorf("NO position should be limited independently, got %v", err)
	}
}

func TestCheckLimit_ExposureExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(10000), d(2000))

	open := []model.Position{
		pos("m1", model.OutcomeYes, 1600, 0.5), // 800
		pos("m2", model.OutcomeNo, 1000, 0.8),  // 800
		pos("m3", model.OutcomeYes, 1000, 0.3), // 300
	}

	// 800 + 800 + 300 + 200 = 2100 > 2000
	err := limiter.CheckLimit(buy("m4", model.OutcomeYes, 400, 200), open)
	if err != ErrExposureLimitExceeded {
		t.Errorf("expected ErrExposureLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ClosedPositionsIgnored(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(1000))

	closed := pos("m1", model.OutcomeYes, 900, 1)
	closed.IsClosed = true

	if err := limiter.CheckLimit(buy("m1", model.OutcomeYes, 500, 400), []model.Position{closed}); err != nil {
		t.Errorf("closed positions should be ignored, got %v", err)
	}
}

func TestCheckLimit_SellAlwaysAllowed(t *testing.T) {
	limiter := NewPositionLimiter(d(100), d(100))

	// Already over both limits; selling must still pass.
	open := []model.Position{pos("m1", model.OutcomeYes, 800, 0.5)}

	sell := Change{MarketID: "m1", Outcome: model.OutcomeYes, SizeDelta: d(-200), CostDelta: d(-100)}
	if err := limiter.CheckLimit(sell, open); err != nil {
		t.Errorf("sell should reduce exposure, got %v", err)
	}
}

func TestCheckLimit_ZeroLimitsDisabled(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero)

	if err := limiter.CheckLimit(buy("m1", model.OutcomeYes, 1e9, 1e9), nil); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}

	var nilLimiter *PositionLimiter
	if err := nilLimiter.CheckLimit(buy("m1", model.OutcomeYes, 1, 1), nil); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}
