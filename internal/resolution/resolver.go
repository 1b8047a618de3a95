// Package resolution moves markets through their terminal lifecycle:
// RESOLVED with a dispute window, FINALIZED with winnings paid, or
// CANCELLED with cost bases refunded.
package resolution

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
	"github.com/atmx/predict-engine/internal/store"
	"github.com/atmx/predict-engine/internal/trade"
)

// ErrNotFinalizable means the market is not RESOLVED or its dispute window
// is still open.
var ErrNotFinalizable = errors.New("resolution: market is not finalizable")

// DefaultDisputeWindow applies when Resolve is given no window.
const DefaultDisputeWindow = 24 * time.Hour

// Summary reports what a lifecycle transition paid out.
type Summary struct {
	MarketID    string             `json:"market_id"`
	Status      model.MarketStatus `json:"status"`
	Outcome     *model.Outcome     `json:"outcome,omitempty"`
	Positions   int                `json:"positions"`
	Winners     int                `json:"winners"`
	TotalPayout decimal.Decimal    `json:"total_payout"`
	Deadline    *time.Time         `json:"dispute_deadline,omitempty"`
}

type Resolver struct {
	store  store.Store
	hub    *trade.WSHub
	events *events.Emitter
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Resolver)

func WithHub(h *trade.WSHub) Option { return func(r *Resolver) { r.hub = h } }

func WithEvents(e *events.Emitter) Option { return func(r *Resolver) { r.events = e } }

func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.logger = l } }

func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }

func NewResolver(st store.Store, opts ...Option) *Resolver {
	r := &Resolver{store: st, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve records the winning outcome of an ACTIVE market and opens the
// dispute window. Trading stops immediately.
func (r *Resolver) Resolve(ctx context.Context, marketID string, outcome model.Outcome, disputeWindow time.Duration) (*Summary, error) {
	if !outcome.Valid() {
		return nil, apperr.Validation("outcome must be YES or NO")
	}
	if disputeWindow <= 0 {
		disputeWindow = DefaultDisputeWindow
	}

	var sum Summary
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		m, err := loadMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if m.Status != model.MarketActive {
			return apperr.Conflict(fmt.Sprintf("market is %s", m.Status))
		}
		now := r.now()
		deadline := now.Add(disputeWindow)
		m.Status = model.MarketResolved
		m.Outcome = &outcome
		m.DisputeDeadline = &deadline
		m.UpdatedAt = now
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		sum = Summary{MarketID: m.ID, Status: m.Status, Outcome: m.Outcome, Deadline: &deadline, TotalPayout: decimal.Zero}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveMarkets.Dec()
	r.logger.Info("market resolved", "market_id", marketID, "outcome", outcome, "dispute_deadline", sum.Deadline)
	r.announce(ctx, events.TypeMarketResolved, &sum)
	return &sum, nil
}

// Finalize pays every winning open position one unit per share and closes
// all positions of a RESOLVED market whose dispute deadline has passed.
// The whole payout commits or none of it does.
func (r *Resolver) Finalize(ctx context.Context, marketID string) (*Summary, error) {
	var sum Summary
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		m, err := loadMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		now := r.now()
		if m.Status != model.MarketResolved || m.Outcome == nil || m.DisputeDeadline == nil || !m.DisputeDeadline.Before(now) {
			return ErrNotFinalizable
		}

		m.Status = model.MarketFinalizing
		m.UpdatedAt = now
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return fmt.Errorf("update market: %w", err)
		}

		positions, err := tx.ListOpenPositions(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("list positions: %w", err)
		}
		sum = Summary{MarketID: m.ID, Outcome: m.Outcome, Positions: len(positions), TotalPayout: decimal.Zero}

		for i := range positions {
			p := positions[i]
			basis := p.CostBasis()
			if p.Outcome == *m.Outcome {
				payout := cpmm.Payout(p.Size)
				if _, err := tx.AdjustBalance(ctx, p.UserID, payout); err != nil {
					return fmt.Errorf("pay %s: %w", p.UserID, err)
				}
				if err := tx.InsertTransaction(ctx, &model.Transaction{
					ID:        uuid.NewString(),
					UserID:    p.UserID,
					Type:      model.TxWinnings,
					Amount:    payout,
					FeeAmount: decimal.Zero,
					Status:    model.TxCompleted,
					MarketID:  m.ID,
					Metadata:  map[string]string{"outcome": string(p.Outcome), "shares": p.Size.String()},
					CreatedAt: now,
				}); err != nil {
					return fmt.Errorf("record winnings: %w", err)
				}
				p.RealizedPnL = p.RealizedPnL.Add(payout.Sub(basis)).Round(cpmm.PriceScale)
				sum.Winners++
				sum.TotalPayout = sum.TotalPayout.Add(payout)
			} else {
				p.RealizedPnL = p.RealizedPnL.Sub(basis).Round(cpmm.PriceScale)
			}
			p.Size = decimal.Zero
			p.IsClosed = true
			p.UpdatedAt = now
			if err := tx.UpsertPosition(ctx, &p); err != nil {
				return fmt.Errorf("close position: %w", err)
			}
		}

		m.Status = model.MarketFinalized
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		sum.Status = m.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("market finalized", "market_id", marketID, "winners", sum.Winners, "payout", sum.TotalPayout.String())
	r.announce(ctx, events.TypeMarketFinalized, &sum)
	return &sum, nil
}

// Cancel voids an ACTIVE or RESOLVED market and refunds each open
// position's cost basis.
func (r *Resolver) Cancel(ctx context.Context, marketID string) (*Summary, error) {
	var (
		sum       Summary
		wasActive bool
	)
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		m, err := loadMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if m.Status != model.MarketActive && m.Status != model.MarketResolved {
			return apperr.Conflict(fmt.Sprintf("market is %s", m.Status))
		}
		wasActive = m.Status == model.MarketActive
		now := r.now()

		positions, err := tx.ListOpenPositions(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("list positions: %w", err)
		}
		sum = Summary{MarketID: m.ID, Positions: len(positions), TotalPayout: decimal.Zero}

		for i := range positions {
			p := positions[i]
			refund := p.CostBasis().Round(cpmm.PriceScale)
			if refund.IsPositive() {
				if _, err := tx.AdjustBalance(ctx, p.UserID, refund); err != nil {
					return fmt.Errorf("refund %s: %w", p.UserID, err)
				}
				if err := tx.InsertTransaction(ctx, &model.Transaction{
					ID:        uuid.NewString(),
					UserID:    p.UserID,
					Type:      model.TxTrade,
					Amount:    refund,
					FeeAmount: decimal.Zero,
					Status:    model.TxCompleted,
					MarketID:  m.ID,
					Metadata:  map[string]string{"reason": "market_cancelled", "outcome": string(p.Outcome)},
					CreatedAt: now,
				}); err != nil {
					return fmt.Errorf("record refund: %w", err)
				}
				sum.TotalPayout = sum.TotalPayout.Add(refund)
			}
			p.Size = decimal.Zero
			p.IsClosed = true
			p.UpdatedAt = now
			if err := tx.UpsertPosition(ctx, &p); err != nil {
				return fmt.Errorf("close position: %w", err)
			}
		}

		m.Status = model.MarketCancelled
		m.UpdatedAt = now
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		sum.Status = m.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	if wasActive {
		metrics.ActiveMarkets.Dec()
	}
	r.logger.Info("market cancelled", "market_id", marketID, "refunded", sum.TotalPayout.String())
	r.announce(ctx, events.TypeMarketCancelled, &sum)
	return &sum, nil
}

func loadMarket(ctx context.Context, tx store.Tx, id string) (*model.Market, error) {
	m, err := tx.GetMarketForUpdate(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("market not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load market: %w", err)
	}
	return m, nil
}

func (r *Resolver) announce(ctx context.Context, eventType string, sum *Summary) {
	outcome := ""
	if sum.Outcome != nil {
		outcome = string(*sum.Outcome)
	}
	if r.hub != nil {
		r.hub.Broadcast(trade.WSMessage{
			Type:     eventType,
			MarketID: sum.MarketID,
			Outcome:  outcome,
			Status:   string(sum.Status),
		})
	}
	payouts := sum.Winners
	if sum.Status == model.MarketCancelled {
		payouts = sum.Positions
	}
	r.events.MarketChanged(ctx, eventType, events.MarketChanged{
		MarketID: sum.MarketID,
		Status:   string(sum.Status),
		Outcome:  outcome,
		Payouts:  payouts,
	})
}
