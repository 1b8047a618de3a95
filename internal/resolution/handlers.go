package resolution

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/predict-engine/internal/apperr"
	"github.com/atmx/predict-engine/internal/httpx"
	"github.com/atmx/predict-engine/internal/model"
)

// ResolveRequest is the body of POST /internal/markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome model.Outcome `json:"outcome" validate:"required,oneof=YES NO"`
	// DisputeWindow overrides the configured window, e.g. "2h".
	DisputeWindow string `json:"dispute_window,omitempty"`
}

// Routes mounts the internal lifecycle endpoints. Callers protect them
// with the cron secret.
func (r *Resolver) Routes(router chi.Router, disputeWindow time.Duration) {
	router.Post("/markets/{marketID}/resolve", r.handleResolve(disputeWindow))
	router.Post("/markets/{marketID}/finalize", r.handleFinalize)
	router.Post("/markets/{marketID}/cancel", r.handleCancel)
}

func (r *Resolver) handleResolve(disputeWindow time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body ResolveRequest
		if err := httpx.DecodeJSON(w, req, &body); err != nil {
			apperr.Write(w, err)
			return
		}
		window := disputeWindow
		if body.DisputeWindow != "" {
			d, err := time.ParseDuration(body.DisputeWindow)
			if err != nil || d <= 0 {
				apperr.Write(w, apperr.Validation("dispute_window must be a positive duration"))
				return
			}
			window = d
		}
		sum, err := r.Resolve(req.Context(), chi.URLParam(req, "marketID"), body.Outcome, window)
		r.reply(w, req, sum, err)
	}
}

func (r *Resolver) handleFinalize(w http.ResponseWriter, req *http.Request) {
	sum, err := r.Finalize(req.Context(), chi.URLParam(req, "marketID"))
	if errors.Is(err, ErrNotFinalizable) {
		err = apperr.Conflict("market is not finalizable yet")
	}
	r.reply(w, req, sum, err)
}

func (r *Resolver) handleCancel(w http.ResponseWriter, req *http.Request) {
	sum, err := r.Cancel(req.Context(), chi.URLParam(req, "marketID"))
	r.reply(w, req, sum, err)
}

func (r *Resolver) reply(w http.ResponseWriter, req *http.Request, sum *Summary, err error) {
	if err != nil {
		if ae := apperr.From(err); ae.Kind == apperr.KindInternal {
			r.logger.Error("market lifecycle request failed", "path", req.URL.Path, "err", err)
		}
		apperr.Write(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, sum)
}
