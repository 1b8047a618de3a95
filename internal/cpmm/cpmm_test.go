package cpmm

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func mustPool(t *testing.T, liquidity, price float64) model.Pool {
	t.Helper()
	p, err := InitializePool(d(liquidity), d(price))
	if err != nil {
		t.Fatalf("InitializePool: %v", err)
	}
	return p
}

func approx(a, b decimal.Decimal, tol float64) bool {
	return a.Sub(b).Abs().LessThanOrEqual(d(tol))
}

// --- Pool initialization ---

func TestInitializePool_Balanced(t *testing.T) {
	p := mustPool(t, 10000, 0.5)

	if !p.YesShares.Equal(d(5000)) || !p.NoShares.Equal(d(5000)) {
		t.Fatalf("expected 5000/5000, got %s/%s", p.YesShares, p.NoShares)
	}
	if !p.K.Equal(d(25_000_000)) {
		t.Errorf("expected k=25000000, got %s", p.K)
	}

	yes, no := Prices(p)
	if !yes.Equal(d(0.5)) || !no.Equal(d(0.5)) {
		t.Errorf("expected prices 0.5/0.5, got %s/%s", yes, no)
	}
}

func TestInitializePool_DefaultPrice(t *testing.T) {
	p, err := InitializePool(d(200), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.YesShares.Equal(p.NoShares) {
		t.Errorf("zero price should default to 0.5, got %s/%s", p.YesShares, p.NoShares)
	}
}

func TestInitializePool_SkewedPrice(t *testing.T) {
	p := mustPool(t, 10000, 0.7)

	if !p.NoShares.Equal(d(7000)) || !p.YesShares.Equal(d(3000)) {
		t.Fatalf("expected yes=3000 no=7000, got %s/%s", p.YesShares, p.NoShares)
	}
	yes, _ := Prices(p)
	if !yes.Equal(d(0.7)) {
		t.Errorf("expected YES price 0.7, got %s", yes)
	}
}

func TestInitializePool_Invalid(t *testing.T) {
	if _, err := InitializePool(d(0), d(0.5)); err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity, got %v", err)
	}
	if _, err := InitializePool(d(100), d(1)); err != ErrInvalidPrice {
		t.Errorf("expected ErrInvalidPrice for p=1, got %v", err)
	}
	if _, err := InitializePool(d(100), d(-0.2)); err != ErrInvalidPrice {
		t.Errorf("expected ErrInvalidPrice for p<0, got %v", err)
	}
}

// --- Prices ---

func TestPrices_EmptyPool(t *testing.T) {
	yes, no := Prices(model.Pool{})
	if !yes.Equal(d(0.5)) || !no.Equal(d(0.5)) {
		t.Errorf("empty pool should price 0.5/0.5, got %s/%s", yes, no)
	}
}

func TestPrices_SumToOne(t *testing.T) {
	pools := []model.Pool{
		{YesShares: d(5000), NoShares: d(5000)},
		{YesShares: d(6000), NoShares: d(4166.66666667)},
		{YesShares: d(1), NoShares: d(999)},
		{YesShares: d(12.5), NoShares: d(0.3)},
	}
	for _, p := range pools {
		yes, no := Prices(p)
		if !yes.Add(no).Equal(one) {
			t.Errorf("prices should sum to 1 for %s/%s: %s + %s", p.YesShares, p.NoShares, yes, no)
		}
		if yes.IsNegative() || yes.GreaterThan(one) || no.IsNegative() || no.GreaterThan(one) {
			t.Errorf("prices out of [0,1]: %s %s", yes, no)
		}
	}
}

// --- Buy cost ---

func TestBuyCost_ScenarioB(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	p := mustPool(t, 10000, 0.5)

	q, err := mm.BuyCost(p, model.OutcomeYes, d(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.NewPool.YesShares.Equal(d(6000)) {
		t.Errorf("expected newYes=6000, got %s", q.NewPool.YesShares)
	}
	if !approx(q.NewPool.NoShares, d(4166.667), 0.001) {
		t.Errorf("expected newNo≈4166.667, got %s", q.NewPool.NoShares)
	}
	if !approx(q.Cost, d(166.67), 0.01) {
		t.Errorf("expected cost≈166.67, got %s", q.Cost)
	}
	if !approx(q.NewPool.YesShares.Mul(q.NewPool.NoShares), d(25_000_000), 0.01) {
		t.Errorf("k not preserved: %s", q.NewPool.YesShares.Mul(q.NewPool.NoShares))
	}
	if !approx(q.AvgPrice, q.Cost.Div(d(1000)), 0.00000001) {
		t.Errorf("avg price should be cost/shares, got %s", q.AvgPrice)
	}
}

func TestBuyCost_NoIsSymmetric(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	p := mustPool(t, 10000, 0.5)

	qy, _ := mm.BuyCost(p, model.OutcomeYes, d(250))
	qn, _ := mm.BuyCost(p, model.OutcomeNo, d(250))
	if !qy.Cost.Equal(qn.Cost) {
		t.Errorf("balanced pool should price YES and NO buys equally: %s vs %s", qy.Cost, qn.Cost)
	}
	if !qn.NewPool.NoShares.Equal(d(5250)) {
		t.Errorf("NO buy should grow the NO reserve, got %s", qn.NewPool.NoShares)
	}
}

func TestBuyCost_PreservesK(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	pools := []model.Pool{
		mustPool(t, 10000, 0.5),
		mustPool(t, 500, 0.3),
		mustPool(t, 123456, 0.82),
	}
	sizes := []float64{0.5, 10, 333, 5000}

	for _, p := range pools {
		for _, s := range sizes {
			for _, o := range []model.Outcome{model.OutcomeYes, model.OutcomeNo} {
				q, err := mm.BuyCost(p, o, d(s))
				if err != nil {
					t.Fatalf("BuyCost(%s, %v): %v", o, s, err)
				}
				k := q.NewPool.YesShares.Mul(q.NewPool.NoShares)
				if !approx(k, p.K, 0.01) {
					t.Errorf("k drifted for %s %v: %s vs %s", o, s, k, p.K)
				}
				if q.Cost.IsNegative() {
					t.Errorf("cost must not be negative, got %s", q.Cost)
				}
			}
		}
	}
}

func TestBuyCost_Monotonic(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	p := mustPool(t, 10000, 0.5)

	prev := decimal.Zero
	for _, s := range []float64{1, 10, 100, 500, 1000, 5000, 20000} {
		q, err := mm.BuyCost(p, model.OutcomeYes, d(s))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !q.Cost.GreaterThan(prev) {
			t.Errorf("cost should strictly increase: shares=%v cost=%s prev=%s", s, q.Cost, prev)
		}
		prev = q.Cost
	}
}

func TestBuyCost_DoesNotMutateInput(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	p := mustPool(t, 10000, 0.5)
	before := p

	if _, err := mm.BuyCost(p, model.OutcomeYes, d(1000)); err != nil {
		t.Fatal(err)
	}
	if !p.YesShares.Equal(before.YesShares) || !p.NoShares.Equal(before.NoShares) {
		t.Error("BuyCost mutated the input pool")
	}
}

func TestBuyCost_InvalidInput(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	p := mustPool(t, 10000, 0.5)

	if _, err := mm.BuyCost(p, model.OutcomeYes, decimal.Zero); err != ErrInvalidShares {
		t.Errorf("expected ErrInvalidShares, got %v", err)
	}
	if _, err := mm.BuyCost(p, model.Outcome("MAYBE"), d(1)); err != ErrInvalidOutcome {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
	if _, err := mm.BuyCost(model.Pool{}, model.OutcomeYes, d(1)); err != ErrEmptyPool {
		t.Errorf("expected ErrEmptyPool, got %v", err)
	}
}

// --- Inversion ---

func TestSharesForAmount_InvertsBuyCost(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	pools := []model.Pool{
		mustPool(t, 10000, 0.5),
		mustPool(t, 2500, 0.35),
		mustPool(t, 800, 0.9),
	}
	amounts := []float64{1, 25, 166.67, 1000, 4000}

	for _, p := range pools {
		for _, a := range amounts {
			for _, o := range []model.Outcome{model.OutcomeYes, model.OutcomeNo} {
				q, err := mm.SharesForAmount(p, o, d(a))
				if err != nil {
					t.Fatalf("SharesForAmount(%s, %v): %v", o, a, err)
				}
				check, err := mm.BuyCost(p, o, q.Shares)
				if err != nil {
					t.Fatal(err)
				}
				if !approx(check.Cost, d(a), 0.01) {
					t.Errorf("inversion off for %s amount=%v: shares=%s cost=%s", o, a, q.Shares, check.Cost)
				}
				if check.Cost.GreaterThan(d(a)) {
					t.Errorf("quoted cost %s exceeds amount %v", check.Cost, a)
				}
			}
		}
	}
}

func TestSharesForAmount_ScenarioB(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	p := mustPool(t, 10000, 0.5)

	q, err := mm.SharesForAmount(p, model.OutcomeYes, d(166.6666667))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(q.Shares, d(1000), 0.01) {
		t.Errorf("expected ≈1000 shares, got %s", q.Shares)
	}
}

func TestSharesForAmount_InvalidAmount(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	p := mustPool(t, 10000, 0.5)
	if _, err := mm.SharesForAmount(p, model.OutcomeYes, d(-5)); err != ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

// --- Sell proceeds ---

func TestSellProceeds_RoundTrip(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	p := mustPool(t, 10000, 0.5)

	buy, _ := mm.BuyCost(p, model.OutcomeYes, d(1000))
	sell, err := mm.SellProceeds(buy.NewPool, model.OutcomeYes, d(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(sell.Cost, buy.Cost, 0.0001) {
		t.Errorf("selling back should return the buy cost: buy=%s sell=%s", buy.Cost, sell.Cost)
	}
	if !approx(sell.NewPool.YesShares, p.YesShares, 0.0001) || !approx(sell.NewPool.NoShares, p.NoShares, 0.0001) {
		t.Errorf("pool should return to origin, got %s/%s", sell.NewPool.YesShares, sell.NewPool.NoShares)
	}
}

func TestSellProceeds_PreservesK(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	p := mustPool(t, 10000, 0.4)
	for _, s := range []float64{1, 50, 2000} {
		for _, o := range []model.Outcome{model.OutcomeYes, model.OutcomeNo} {
			q, err := mm.SellProceeds(p, o, d(s))
			if err != nil {
				t.Fatal(err)
			}
			if !approx(q.NewPool.YesShares.Mul(q.NewPool.NoShares), p.K, 0.01) {
				t.Errorf("k drifted selling %v %s", s, o)
			}
			if q.Cost.IsNegative() {
				t.Errorf("proceeds must not be negative, got %s", q.Cost)
			}
		}
	}
}

func TestSellProceeds_ClampedAt95Percent(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	p := mustPool(t, 10000, 0.5)

	q, err := mm.SellProceeds(p, model.OutcomeYes, d(10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Shares.Equal(d(4750)) {
		t.Errorf("expected clamp to 95%% of 5000 = 4750, got %s", q.Shares)
	}
	if !q.NewPool.YesShares.Equal(d(250)) {
		t.Errorf("expected 250 YES left in pool, got %s", q.NewPool.YesShares)
	}
}

func TestSellProceeds_ConfigurableClamp(t *testing.T) {
	mm := NewMarketMaker(d(0.5))
	p := mustPool(t, 10000, 0.5)

	q, err := mm.SellProceeds(p, model.OutcomeNo, d(4000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Shares.Equal(d(2500)) {
		t.Errorf("expected clamp to 2500, got %s", q.Shares)
	}
	if !mm.MaxSellFraction().Equal(d(0.5)) {
		t.Errorf("expected configured fraction 0.5, got %s", mm.MaxSellFraction())
	}
}

func TestNewMarketMaker_InvalidFractionFallsBack(t *testing.T) {
	for _, f := range []float64{0, -1, 1.5} {
		mm := NewMarketMaker(d(f))
		if !mm.MaxSellFraction().Equal(DefaultMaxSellFraction) {
			t.Errorf("fraction %v should fall back to default, got %s", f, mm.MaxSellFraction())
		}
	}
}

// --- Payout & impact ---

func TestPayout_OneUnitPerShare(t *testing.T) {
	if !Payout(d(42.5)).Equal(d(42.5)) {
		t.Error("each winning share should redeem for exactly one unit")
	}
}

func TestEstimatePriceImpact_ReadOnly(t *testing.T) {
	mm := NewMarketMaker(decimal.Zero)
	p := mustPool(t, 10000, 0.5)
	snapshot := p

	imp, err := mm.EstimatePriceImpact(p, model.OutcomeYes, model.SideBuy, d(500))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.YesShares.Equal(snapshot.YesShares) || !p.NoShares.Equal(snapshot.NoShares) {
		t.Error("EstimatePriceImpact must not mutate the pool")
	}
	if !imp.PriceBefore.Equal(d(0.5)) {
		t.Errorf("expected price before 0.5, got %s", imp.PriceBefore)
	}
	if !imp.Impact.Equal(imp.PriceAfter.Sub(imp.PriceBefore)) {
		t.Errorf("impact should be after-before")
	}
	if imp.Shares.LessThanOrEqual(decimal.Zero) {
		t.Errorf("expected positive shares, got %s", imp.Shares)
	}

	if _, err := mm.EstimatePriceImpact(p, model.OutcomeYes, model.Side("HOLD"), d(1)); err == nil {
		t.Error("expected error for invalid side")
	}
}
