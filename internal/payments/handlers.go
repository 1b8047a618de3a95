package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/predict-engine/internal/apperr"
	"github.com/atmx/predict-engine/internal/auth"
	"github.com/atmx/predict-engine/internal/httpx"
	"github.com/atmx/predict-engine/internal/idempotency"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/provider"
	"github.com/atmx/predict-engine/internal/ratelimit"
)

// Idempotency routes.
const (
	RouteWithdraw = "POST /api/v1/withdrawals"
	RouteDeposit  = "POST /api/v1/deposits"
)

// maxCallbackBytes caps webhook bodies.
const maxCallbackBytes = 64 << 10

// Handler exposes the payment endpoints.
type Handler struct {
	svc             *Service
	guard           idempotency.Guard
	withdrawLimiter ratelimit.Limiter
	depositLimiter  ratelimit.Limiter
	logger          *slog.Logger
}

// NewHandler wires the endpoints. Limiters may be nil.
func NewHandler(svc *Service, guard idempotency.Guard, withdrawLimiter, depositLimiter ratelimit.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:             svc,
		guard:           guard,
		withdrawLimiter: withdrawLimiter,
		depositLimiter:  depositLimiter,
		logger:          logger,
	}
}

// Routes mounts the authenticated endpoints. Withdrawals require an
// Idempotency-Key; deposits honor one when sent.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.withdrawLimiter != nil {
			r.Use(ratelimit.Middleware(h.withdrawLimiter, "withdrawals", h.logger))
		}
		r.Use(idempotency.Middleware(h.guard, RouteWithdraw, true, h.logger))
		r.Post("/withdrawals", h.HandleWithdraw)
	})
	r.Group(func(r chi.Router) {
		if h.depositLimiter != nil {
			r.Use(ratelimit.Middleware(h.depositLimiter, "deposits", h.logger))
		}
		r.Use(idempotency.Middleware(h.guard, RouteDeposit, false, h.logger))
		r.Post("/deposits", h.HandleDeposit)
	})
	r.Get("/payments/{paymentID}", h.HandleGet)
}

// WebhookRoutes mounts the unauthenticated provider callback endpoint.
func (h *Handler) WebhookRoutes(r chi.Router) {
	r.Post("/webhooks/{provider}", h.HandleWebhook)
}

// HandleWithdraw handles POST /api/v1/withdrawals.
func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	h.initiate(w, r, h.svc.Withdraw)
}

// HandleDeposit handles POST /api/v1/deposits.
func (h *Handler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	h.initiate(w, r, h.svc.Deposit)
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID string, req Request) (*Response, error)) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		apperr.Write(w, apperr.Unauthorized("missing user"))
		return
	}
	var req Request
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		apperr.Write(w, err)
		return
	}

	resp, err := fn(r.Context(), userID, req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/payments/"+resp.PaymentID)
	status := http.StatusAccepted
	if resp.Status.Terminal() {
		status = http.StatusOK
	}
	if movedMoney(resp) {
		w.Header().Set(apperr.HeaderMoneyMoved, "true")
	}
	apperr.WriteJSON(w, status, resp)
}

// HandleGet handles GET /api/v1/payments/{paymentID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		apperr.Write(w, apperr.Unauthorized("missing user"))
		return
	}
	resp, err := h.svc.Get(r.Context(), userID, chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, resp)
}

// HandleWebhook handles POST /webhooks/{provider}. Anything past the
// signature check is acknowledged with 200 so the rail stops retrying.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		apperr.Write(w, apperr.Validation("unreadable callback body"))
		return
	}

	err = h.svc.HandleCallback(r.Context(), chi.URLParam(r, "provider"), body, r.Header.Get(provider.SignatureHeader))
	switch {
	case errors.Is(err, ErrUnknownProvider):
		apperr.Write(w, apperr.NotFound("unknown provider"))
	case errors.Is(err, ErrBadSignature):
		apperr.Write(w, apperr.Unauthorized("invalid signature"))
	case err != nil:
		h.writeErr(w, r, err)
	default:
		apperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "received"})
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	if ae := apperr.From(err); ae.Kind == apperr.KindInternal || ae.Kind == apperr.KindProvider {
		h.logger.Error("payment request failed", "path", r.URL.Path, "err", err)
	}
	apperr.Write(w, err)
}

// movedMoney reports whether a withdrawal response leaves the user's
// balance debited. A withdrawal that already failed has been refunded.
func movedMoney(resp *Response) bool {
	if resp.Type != model.PaymentWithdrawal {
		return false
	}
	return resp.Status != model.PaymentFailed && resp.Status != model.PaymentCancelled
}
