package trade

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/cpmm"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/store"
)

// Portfolio marks a user's open positions to the current pool prices.
// Closed positions contribute only their realized P&L.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	positions, err := s.store.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	pf := &model.Portfolio{
		UserID:        userID,
		Balance:       account.Balance,
		Positions:     []model.PositionValuation{},
		TotalValue:    account.Balance,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}

	markets := make(map[string]*model.Market)
	for _, p := range positions {
		pf.RealizedPnL = pf.RealizedPnL.Add(p.RealizedPnL)
		if p.IsClosed {
			continue
		}

		m, ok := markets[p.MarketID]
		if !ok {
			m, err = s.store.GetMarket(ctx, p.MarketID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("load market %s: %w", p.MarketID, err)
			}
			markets[p.MarketID] = m
		}

		price := cpmm.Price(m.Pool, p.Outcome)
		value := p.Size.Mul(price).Round(cpmm.PriceScale)
		unrealized := value.Sub(p.CostBasis()).Round(cpmm.PriceScale)

		pf.Positions = append(pf.Positions, model.PositionValuation{
			Position:      p,
			CurrentPrice:  price,
			CurrentValue:  value,
			UnrealizedPnL: unrealized,
		})
		pf.TotalValue = pf.TotalValue.Add(value)
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(unrealized)
	}
	return pf, nil
}
