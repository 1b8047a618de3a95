package trade

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/apperr"
	"github.com/atmx/predict-engine/internal/auth"
	"github.com/atmx/predict-engine/internal/httpx"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/store"
)

// Routes mounts the market and trade endpoints. Callers wrap it with auth,
// rate limiting and idempotency as needed.
func (s *Service) Routes(r chi.Router) {
	r.Post("/markets", s.HandleCreateMarket)
	r.Get("/markets", s.HandleListMarkets)
	r.Get("/markets/{marketID}", s.HandleGetMarket)
	r.Get("/markets/{marketID}/price", s.HandleGetPrice)
	r.Get("/markets/{marketID}/quote", s.HandleQuote)
	r.Get("/portfolio", s.HandlePortfolio)
}

// HandleTrade handles POST /api/v1/trades.
func (s *Service) HandleTrade(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		apperr.Write(w, err)
		return
	}

	res, err := s.Execute(r.Context(), auth.UserID(r.Context()), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, res)
}

// HandleCreateMarket handles POST /api/v1/markets.
func (s *Service) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		apperr.Write(w, err)
		return
	}
	market, err := s.CreateMarket(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, market)
}

// HandleListMarkets handles GET /api/v1/markets, optionally filtered by
// ?status=.
func (s *Service) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	status := model.MarketStatus(r.URL.Query().Get("status"))
	filtered := make([]model.Market, 0, len(markets))
	for _, m := range markets {
		if status == "" || m.Status == status {
			filtered = append(filtered, m)
		}
	}
	apperr.WriteJSON(w, http.StatusOK, filtered)
}

// HandleGetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) HandleGetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, market)
}

// HandleGetPrice handles GET /api/v1/markets/{marketID}/price.
func (s *Service) HandleGetPrice(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"yes": market.YesPrice,
		"no":  market.NoPrice,
	})
}

// HandleQuote handles GET /api/v1/markets/{marketID}/quote?outcome=&side=&amount=.
func (s *Service) HandleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		apperr.Write(w, apperr.Validation("amount must be a decimal"))
		return
	}
	side := model.Side(q.Get("side"))
	if side == "" {
		side = model.SideBuy
	}

	impact, err := s.Quote(r.Context(), chi.URLParam(r, "marketID"), model.Outcome(q.Get("outcome")), side, amount)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, impact)
}

// HandlePortfolio handles GET /api/v1/portfolio for the authenticated user.
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		apperr.Write(w, apperr.Unauthorized("missing user"))
		return
	}
	pf, err := s.Portfolio(r.Context(), userID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, pf)
}

func (s *Service) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		err = apperr.NotFound("market not found")
	}
	if ae := apperr.From(err); ae.Kind == apperr.KindInternal {
		s.logger.Error("trade request failed", "path", r.URL.Path, "err", err)
	}
	apperr.Write(w, err)
}
