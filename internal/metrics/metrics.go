// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts trades executed, partitioned by side and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "outcome"})

	// TradeLatency tracks trade execution latency, including retries.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predict_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades rejected before commit, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_trade_rejections_total",
		Help: "Trades rejected before commit",
	}, []string{"reason"})

	// ActiveMarkets tracks the number of markets open for trading.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predict_active_markets",
		Help: "Number of currently active markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predict_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predict_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5},
	}, []string{"method", "path"})

	// PositionLimitRejections counts trades rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predict_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// MarketVolume tracks cumulative traded cost per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_market_volume_total",
		Help: "Cumulative trade volume in currency units",
	}, []string{"market_id", "side"})

	// Settlements counts settlement attempts by operation and result
	// (settled, already_settled, error).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_settlements_total",
		Help: "Settlement attempts by operation and result",
	}, []string{"operation", "result", "source"})

	// ProviderRequests counts outbound payment-rail calls.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_provider_requests_total",
		Help: "Outbound payment provider calls",
	}, []string{"provider", "operation", "status"})

	// ProviderLatency tracks outbound payment-rail call latency.
	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predict_provider_latency_seconds",
		Help:    "Outbound payment provider call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider", "operation"})

	// ReconcileItems counts payments and markets handled by each sweep.
	ReconcileItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_reconcile_items_total",
		Help: "Items processed by reconciliation sweeps",
	}, []string{"sweep", "result"})

	// ReconcileRuns counts reconciliation runs.
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predict_reconcile_runs_total",
		Help: "Reconciliation runs",
	})

	// IdempotencyOutcomes counts guard decisions (fresh, replayed, conflict,
	// released, completed).
	IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_idempotency_outcomes_total",
		Help: "Idempotency guard decisions",
	}, []string{"outcome"})

	// RateLimitRejections counts requests rejected by the rate limiter.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"scope"})

	// EventsPublished counts domain events sent to Kafka.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_events_published_total",
		Help: "Domain events published",
	}, []string{"topic", "status"})
)

// ObserveProvider records one provider call.
func ObserveProvider(provider, operation, status string, d time.Duration) {
	ProviderRequests.WithLabelValues(provider, operation, status).Inc()
	ProviderLatency.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
