package idempotency

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"

	"github.com/atmx/predict-engine/internal/apperr"
	"github.com/atmx/predict-engine/internal/auth"
	"github.com/atmx/predict-engine/internal/metrics"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	maxKeyLength = 255
)

// replayHeaders are the response headers stored with a completed key.
var replayHeaders = []string{"Content-Type", apperr.HeaderMoneyMoved, "Location"}

// Middleware deduplicates requests by Idempotency-Key, scoped to the
// authenticated user and route. A completed key replays the stored
// response; a key in flight answers 409. A response is stored when it
// succeeded or reports that money moved; otherwise the lock is released so
// the client can retry with the same key.
//
// When required is false, requests without a key pass through.
func Middleware(g Guard, route string, required bool, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(HeaderKey)
			if clientKey == "" {
				if required {
					apperr.Write(w, apperr.Validation("Idempotency-Key header is required"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > maxKeyLength {
				apperr.Write(w, apperr.Validation("Idempotency-Key is too long"))
				return
			}

			ctx := r.Context()
			key := Key(auth.UserID(ctx), route, clientKey)

			rec, err := g.Check(ctx, key)
			if err != nil {
				logger.Error("idempotency check failed", "key", key, "err", err)
				apperr.Write(w, apperr.Internal(err))
				return
			}
			switch rec.State {
			case StateCompleted:
				metrics.IdempotencyOutcomes.WithLabelValues("replayed").Inc()
				replay(w, rec)
				return
			case StateLocked:
				metrics.IdempotencyOutcomes.WithLabelValues("conflict").Inc()
				apperr.Write(w, apperr.DuplicateRequest())
				return
			}

			ok, err := g.Lock(ctx, key)
			if err != nil {
				logger.Error("idempotency lock failed", "key", key, "err", err)
				apperr.Write(w, apperr.Internal(err))
				return
			}
			if !ok {
				metrics.IdempotencyOutcomes.WithLabelValues("conflict").Inc()
				apperr.Write(w, apperr.DuplicateRequest())
				return
			}
			metrics.IdempotencyOutcomes.WithLabelValues("fresh").Inc()

			rw := newRecorder()
			next.ServeHTTP(rw, r)

			// The outcome must be recorded even if the client went away.
			bg := context.WithoutCancel(ctx)
			if shouldComplete(rw) {
				if err := g.Complete(bg, key, rw.status, pick(rw.header), rw.body.Bytes()); err != nil {
					logger.Error("idempotency complete failed", "key", key, "err", err)
				}
				metrics.IdempotencyOutcomes.WithLabelValues("completed").Inc()
			} else {
				if err := g.Release(bg, key); err != nil {
					logger.Error("idempotency release failed", "key", key, "err", err)
				}
				metrics.IdempotencyOutcomes.WithLabelValues("released").Inc()
			}

			rw.flushTo(w)
		})
	}
}

func shouldComplete(rw *recorder) bool {
	if rw.status >= 200 && rw.status < 300 {
		return true
	}
	return rw.header.Get(apperr.HeaderMoneyMoved) == "true"
}

func replay(w http.ResponseWriter, rec Record) {
	for k, vs := range rec.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(rec.Status)
	w.Write(rec.Body)
}

func pick(h http.Header) http.Header {
	out := make(http.Header)
	for _, k := range replayHeaders {
		if v := h.Values(k); len(v) > 0 {
			out[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
		}
	}
	return out
}

// recorder buffers a handler's response so it can be stored before it is
// sent.
type recorder struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), status: http.StatusOK}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.body.Write(b)
}

func (r *recorder) flushTo(w http.ResponseWriter) {
	for k, vs := range r.header {
		w.Header()[k] = vs
	}
	w.WriteHeader(r.status)
	w.Write(r.body.Bytes())
}
