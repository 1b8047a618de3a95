package reconcile

import (
	"errors"
	"net/http"

	"github.com/atmx/predict-engine/internal/apperr"
	"github.com/atmx/predict-engine/internal/auth"
)

// Handler serves POST /internal/reconcile for an external scheduler. The
// caller must present the cron secret as a bearer token.
func (r *Reconciler) Handler(secret string) http.Handler {
	return auth.RequireSecret(secret)(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rep, err := r.Run(req.Context())
		if errors.Is(err, ErrRunInProgress) {
			apperr.Write(w, apperr.Conflict("reconciliation already running"))
			return
		}
		if err != nil {
			apperr.Write(w, err)
			return
		}
		apperr.WriteJSON(w, http.StatusOK, rep)
	}))
}
