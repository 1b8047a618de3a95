// Package trade provides the HTTP handlers and business logic for
// creating markets, executing trades against the constant-product pool,
// and querying prices and portfolios.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/apperr"
	"github.com/atmx/predict-engine/internal/cpmm"
	"github.com/atmx/predict-engine/internal/events"
	"github.com/atmx/predict-engine/internal/metrics"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/risk"
	"github.com/atmx/predict-engine/internal/store"
)

// Service executes trades. It holds no per-market state: two trades on the
// same market are serialized by the store's row lock on the market, so any
// number of instances may run side by side.
type Service struct {
	store            store.Store
	mm               *cpmm.MarketMaker
	limiter          *risk.PositionLimiter
	hub              *WSHub // optional WebSocket hub for real-time broadcasts
	events           *events.Emitter
	logger           *slog.Logger
	defaultLiquidity decimal.Decimal
	now              func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHub enables WebSocket price broadcasts after each trade.
func WithHub(h *WSHub) Option { return func(s *Service) { s.hub = h } }

// WithEvents publishes trade events after commit.
func WithEvents(e *events.Emitter) Option { return func(s *Service) { s.events = e } }

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithDefaultLiquidity sets the pool depth used when a create request
// omits liquidity.
func WithDefaultLiquidity(l decimal.Decimal) Option {
	return func(s *Service) { s.defaultLiquidity = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a new trade service. A nil limiter disables position
// limits.
func NewService(st store.Store, mm *cpmm.MarketMaker, limiter *risk.PositionLimiter, opts ...Option) *Service {
	if mm == nil {
		mm = cpmm.NewMarketMaker(cpmm.DefaultMaxSellFraction)
	}
	s := &Service{
		store:            st,
		mm:               mm,
		limiter:          limiter,
		logger:           slog.Default(),
		defaultLiquidity: decimal.NewFromInt(1000),
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request is one trade. For BUY, Amount is the currency to spend; for SELL
// it is the number of shares to sell.
type Request struct {
	MarketID string          `json:"market_id" validate:"required"`
	Outcome  model.Outcome   `json:"outcome" validate:"required,oneof=YES NO"`
	Side     model.Side      `json:"side" validate:"required,oneof=BUY SELL"`
	Amount   decimal.Decimal `json:"amount" validate:"gt=0"`
}

// Result is the committed outcome of a trade.
type Result struct {
	TradeID      string          `json:"trade_id"`
	MarketID     string          `json:"market_id"`
	Outcome      model.Outcome   `json:"outcome"`
	Side         model.Side      `json:"side"`
	NewYesPrice  decimal.Decimal `json:"new_yes_price"`
	NewNoPrice   decimal.Decimal `json:"new_no_price"`
	FilledShares decimal.Decimal `json:"filled_shares"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Cost         decimal.Decimal `json:"cost"`
	Balance      decimal.Decimal `json:"balance"`
}

// Execute applies one trade atomically. Quote, balance change, pool
// update, position update and audit row commit together or not at all.
func (s *Service) Execute(ctx context.Context, userID string, req Request) (*Result, error) {
	start := time.Now()
	if userID == "" {
		return nil, apperr.Unauthorized("missing user")
	}
	if !req.Outcome.Valid() {
		return nil, s.reject("invalid_outcome", apperr.Validation("outcome must be YES or NO"))
	}
	if !req.Side.Valid() {
		return nil, s.reject("invalid_side", apperr.Validation("side must be BUY or SELL"))
	}
	if !req.Amount.IsPositive() {
		return nil, s.reject("invalid_amount", apperr.Validation("amount must be positive"))
	}

	var res *Result
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = s.apply(ctx, tx, userID, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(req.Side), string(req.Outcome)).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	volume, _ := res.Cost.Float64()
	metrics.MarketVolume.WithLabelValues(res.MarketID, string(req.Side)).Add(volume)

	s.logger.Info("trade executed",
		"trade_id", res.TradeID,
		"user", userID,
		"market_id", res.MarketID,
		"outcome", res.Outcome,
		"side", res.Side,
		"shares", res.FilledShares.String(),
		"cost", res.Cost.String(),
		"new_yes_price", res.NewYesPrice.String(),
	)

	s.afterCommit(ctx, userID, res)
	return res, nil
}

func (s *Service) apply(ctx context.Context, tx store.Tx, userID string, req Request) (*Result, error) {
	market, err := tx.GetMarketForUpdate(ctx, req.MarketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, s.reject("market_not_found", apperr.NotFound("market not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("load market: %w", err)
	}
	if market.Status != model.MarketActive {
		return nil, s.reject("market_closed", apperr.Conflict("market is not open for trading"))
	}

	account, err := tx.GetAccountForUpdate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	pos, err := tx.GetPosition(ctx, userID, market.ID, req.Outcome)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pos = &model.Position{
			UserID:   userID,
			MarketID: market.ID,
			Outcome:  req.Outcome,
			IsClosed: true,
		}
	case err != nil:
		return nil, fmt.Errorf("load position: %w", err)
	}

	var (
		q     cpmm.Quote
		delta decimal.Decimal // signed balance change
	)
	switch req.Side {
	case model.SideBuy:
		q, err = s.mm.SharesForAmount(market.Pool, req.Outcome, req.Amount)
		if err != nil {
			return nil, s.reject("quote", apperr.Validation(err.Error()))
		}
		if !q.Shares.IsPositive() {
			return nil, s.reject("amount_too_small", apperr.Validation("amount too small to buy any shares"))
		}
		if q.Cost.GreaterThan(account.Balance) {
			return nil, s.reject("insufficient_funds", apperr.InsufficientFunds("insufficient balance"))
		}

		open, err := tx.ListUserOpenPositions(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load open positions: %w", err)
		}
		change := risk.Change{MarketID: market.ID, Outcome: req.Outcome, SizeDelta: q.Shares, CostDelta: q.Cost}
		if err := s.limiter.CheckLimit(change, open); err != nil {
			metrics.PositionLimitRejections.Inc()
			return nil, s.reject("position_limit", apperr.Validation(err.Error()))
		}

		delta = q.Cost.Neg()
		openBuy(pos, q)

	case model.SideSell:
		if pos.IsClosed || pos.Size.LessThan(req.Amount) {
			return nil, s.reject("insufficient_shares", apperr.Validation("insufficient shares"))
		}
		q, err = s.mm.SellProceeds(market.Pool, req.Outcome, req.Amount)
		if err != nil {
			return nil, s.reject("quote", apperr.Validation(err.Error()))
		}
		delta = q.Cost
		closeSell(pos, q)
	}

	balance, err := tx.AdjustBalance(ctx, userID, delta)
	if errors.Is(err, store.ErrInsufficientFunds) {
		return nil, s.reject("insufficient_funds", apperr.InsufficientFunds("insufficient balance"))
	}
	if err != nil {
		return nil, fmt.Errorf("adjust balance: %w", err)
	}

	now := s.now()
	market.Pool = q.NewPool
	market.YesPrice, market.NoPrice = cpmm.Prices(q.NewPool)
	market.Volume = market.Volume.Add(q.Cost)
	market.UpdatedAt = now
	if err := tx.UpdateMarket(ctx, market); err != nil {
		return nil, fmt.Errorf("update market: %w", err)
	}

	pos.UpdatedAt = now
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("upsert position: %w", err)
	}

	txn := &model.Transaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      model.TxTrade,
		Amount:    delta,
		FeeAmount: decimal.Zero,
		Status:    model.TxCompleted,
		MarketID:  market.ID,
		Metadata: map[string]string{
			"side":      string(req.Side),
			"outcome":   string(req.Outcome),
			"shares":    q.Shares.String(),
			"avg_price": q.AvgPrice.String(),
		},
		CreatedAt: now,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("record trade: %w", err)
	}

	return &Result{
		TradeID:      txn.ID,
		MarketID:     market.ID,
		Outcome:      req.Outcome,
		Side:         req.Side,
		NewYesPrice:  market.YesPrice,
		NewNoPrice:   market.NoPrice,
		FilledShares: q.Shares,
		AvgPrice:     q.AvgPrice,
		Cost:         q.Cost,
		Balance:      balance,
	}, nil
}

// openBuy folds a buy fill into the position at a weighted-average price.
func openBuy(pos *model.Position, q cpmm.Quote) {
	if pos.IsClosed {
		pos.Size = decimal.Zero
		pos.AveragePrice = decimal.Zero
		pos.IsClosed = false
	}
	newSize := pos.Size.Add(q.Shares)
	pos.AveragePrice = pos.Size.Mul(pos.AveragePrice).Add(q.Cost).Div(newSize).Round(cpmm.PriceScale)
	pos.Size = newSize
}

// closeSell realizes P&L on the sold shares. A position sold down to zero
// is closed; its realized P&L is kept.
func closeSell(pos *model.Position, q cpmm.Quote) {
	pnl := q.AvgPrice.Sub(pos.AveragePrice).Mul(q.Shares)
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl).Round(cpmm.PriceScale)
	pos.Size = pos.Size.Sub(q.Shares)
	if !pos.Size.IsPositive() {
		pos.Size = decimal.Zero
		pos.IsClosed = true
	}
}

func (s *Service) reject(reason string, err *apperr.Error) error {
	metrics.TradeRejections.WithLabelValues(reason).Inc()
	return err
}

func (s *Service) afterCommit(ctx context.Context, userID string, res *Result) {
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:     "trade_executed",
			MarketID: res.MarketID,
			YesPrice: res.NewYesPrice.String(),
			NoPrice:  res.NewNoPrice.String(),
			Outcome:  string(res.Outcome),
			Side:     string(res.Side),
			Shares:   res.FilledShares.String(),
		})
	}
	s.events.TradeExecuted(ctx, events.TradeExecuted{
		TradeID:     res.TradeID,
		UserID:      userID,
		MarketID:    res.MarketID,
		Outcome:     string(res.Outcome),
		Side:        string(res.Side),
		Shares:      res.FilledShares,
		Cost:        res.Cost,
		AvgPrice:    res.AvgPrice,
		NewYesPrice: res.NewYesPrice,
		NewNoPrice:  res.NewNoPrice,
	})
}

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Title           string          `json:"title" validate:"required,max=280"`
	Liquidity       decimal.Decimal `json:"liquidity" validate:"gte=0"`              // 0 → default
	InitialYesPrice decimal.Decimal `json:"initial_yes_price" validate:"gte=0,lt=1"` // 0 → 0.5
	ResolveTime     *time.Time      `json:"resolve_time,omitempty"`
}

// CreateMarket seeds a new ACTIVE market with a fresh pool.
func (s *Service) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, error) {
	liquidity := req.Liquidity
	if !liquidity.IsPositive() {
		liquidity = s.defaultLiquidity
	}
	pool, err := cpmm.InitializePool(liquidity, req.InitialYesPrice)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}

	now := s.now()
	yes, no := cpmm.Prices(pool)
	market := &model.Market{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Pool:        pool,
		YesPrice:    yes,
		NoPrice:     no,
		Volume:      decimal.Zero,
		Status:      model.MarketActive,
		ResolveTime: req.ResolveTime,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateMarket(ctx, market); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apperr.Conflict("market already exists")
		}
		return nil, fmt.Errorf("create market: %w", err)
	}
	metrics.ActiveMarkets.Inc()

	s.logger.Info("market created",
		"id", market.ID,
		"title", market.Title,
		"liquidity", liquidity.String(),
		"yes_price", yes.String(),
	)
	return market, nil
}

// Quote previews a trade without touching state.
func (s *Service) Quote(ctx context.Context, marketID string, outcome model.Outcome, side model.Side, amount decimal.Decimal) (cpmm.Impact, error) {
	market, err := s.store.GetMarket(ctx, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return cpmm.Impact{}, apperr.NotFound("market not found")
	}
	if err != nil {
		return cpmm.Impact{}, fmt.Errorf("load market: %w", err)
	}
	if !outcome.Valid() {
		return cpmm.Impact{}, apperr.Validation("outcome must be YES or NO")
	}
	impact, err := s.mm.EstimatePriceImpact(market.Pool, outcome, side, amount)
	if err != nil {
		return cpmm.Impact{}, apperr.Validation(err.Error())
	}
	return impact, nil
}
