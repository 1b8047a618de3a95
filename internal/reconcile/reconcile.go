// Package reconcile converges payments and markets that no live signal
// will finish: expired payments, in-flight payments whose callback never
// arrived, and resolved markets past their dispute deadline.
//
// The reconciler never moves money itself. Every outcome is routed to the
// settlement service or the resolver, so running it repeatedly or
// alongside webhooks is safe.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/predict-engine/internal/metrics"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/provider"
	"github.com/atmx/predict-engine/internal/resolution"
	"github.com/atmx/predict-engine/internal/settlement"
	"github.com/atmx/predict-engine/internal/store"
)

// ErrRunInProgress is returned when a run is already active in this
// process.
var ErrRunInProgress = errors.New("reconcile: run already in progress")

const (
	// DefaultBatchSize bounds the payments checked per poll sweep.
	DefaultBatchSize  = 20
	defaultExpireScan = 200

	// ExpiredMessage is recorded on payments failed by the expiry sweep.
	ExpiredMessage = "expired"
)

// SweepReport counts what one sweep did.
type SweepReport struct {
	Scanned int      `json:"scanned"`
	Settled int      `json:"settled"`
	Skipped int      `json:"skipped"`
	Errors  int      `json:"errors"`
	Failure string   `json:"failure,omitempty"`
	IDs     []string `json:"ids,omitempty"`
}

// Report is the result of one Run.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Expired   SweepReport   `json:"expired"`
	Polled    SweepReport   `json:"polled"`
	Finalized SweepReport   `json:"finalized"`
}

// Reconciler runs the expiry, poll and finalize sweeps. At most one run is
// active per Reconciler.
type Reconciler struct {
	store     store.Store
	providers *provider.Registry
	settler   *settlement.Service
	resolver  *resolution.Resolver
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	running sync.Mutex
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithBatchSize sets how many payments one poll sweep checks.
func WithBatchSize(n int) Option { return func(r *Reconciler) { r.batchSize = n } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// WithClock overrides time.Now for expiry and dispute deadlines.
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// New creates a reconciler. A nil resolver disables the finalize sweep.
func New(st store.Store, providers *provider.Registry, settler *settlement.Service, resolver *resolution.Resolver, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     st,
		providers: providers,
		settler:   settler,
		resolver:  resolver,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	return r
}

// Run executes the three sweeps. A failing sweep is recorded in its report
// and does not stop the others.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	if !r.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.running.Unlock()

	metrics.ReconcileRuns.Inc()
	rep := &Report{StartedAt: r.now()}
	// Poll before expiring so a payout that completed at the rail is
	// settled as completed rather than refunded.
	var pending map[string]bool
	rep.Polled, pending = r.poll(ctx)
	rep.Expired = r.expire(ctx, pending)
	rep.Finalized = r.finalize(ctx)
	rep.Duration = r.now().Sub(rep.StartedAt)

	r.logger.Info("reconciliation finished",
		"expired", rep.Expired.Settled,
		"polled", rep.Polled.Settled,
		"finalized", rep.Finalized.Settled,
		"errors", rep.Expired.Errors+rep.Polled.Errors+rep.Finalized.Errors,
	)
	return rep, nil
}

// expire fails unsettled payments past ExpiresAt. A PROCESSING payment
// gets one last status check unless the poll sweep just reported it
// pending; a terminal answer is applied instead of the expiry.
func (r *Reconciler) expire(ctx context.Context, pending map[string]bool) SweepReport {
	var rep SweepReport
	payments, err := r.store.ListExpiredPayments(ctx, r.now(), defaultExpireScan)
	if err != nil {
		r.logger.Error("expiry sweep: list failed", "err", err)
		rep.Errors++
		rep.Failure = err.Error()
		return rep
	}
	for i := range payments {
		p := &payments[i]
		rep.Scanned++
		sig := settlement.Signal{
			Status:  model.PaymentFailed,
			Message: ExpiredMessage,
			Source:  settlement.SourceReconcile,
		}
		if p.Status == model.PaymentProcessing && !pending[p.ID] {
			if resp := r.lastCheck(ctx, p); resp != nil && resp.Status.Terminal() {
				sig = settlement.Signal{
					ExternalID: resp.ExternalID,
					Status:     resp.Status,
					Message:    resp.Message,
					Source:     settlement.SourcePoller,
				}
			}
		}
		res, err := r.settler.Apply(ctx, p, sig)
		r.count(&rep, "expire", p.ID, res, err)
	}
	return rep
}

// lastCheck asks the rail about an expiring payment. Failures are logged
// and yield nil; the payment then expires as usual.
func (r *Reconciler) lastCheck(ctx context.Context, p *model.MobilePayment) *provider.Response {
	log := r.logger.With("payment_id", p.ID, "provider", p.Provider)
	adapter, err := r.providers.Get(p.Provider)
	if err != nil {
		log.Warn("expiry sweep: no adapter", "err", err)
		return nil
	}
	resp, err := provider.CheckStatus(ctx, adapter, p.Type, p.ExternalRef)
	if err != nil {
		log.Warn("expiry sweep: status check failed", "err", err)
		return nil
	}
	return resp
}

// poll asks the rail about in-flight payments that never got a callback.
// It also returns the ids the rail reported as still pending.
func (r *Reconciler) poll(ctx context.Context) (SweepReport, map[string]bool) {
	var rep SweepReport
	pending := make(map[string]bool)
	payments, err := r.store.ListPollablePayments(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("poll sweep: list failed", "err", err)
		rep.Errors++
		rep.Failure = err.Error()
		return rep, pending
	}
	for i := range payments {
		p := &payments[i]
		rep.Scanned++
		log := r.logger.With("payment_id", p.ID, "provider", p.Provider)

		adapter, err := r.providers.Get(p.Provider)
		if err != nil {
			log.Error("poll sweep: no adapter", "err", err)
			r.count(&rep, "poll", p.ID, nil, err)
			continue
		}
		resp, err := provider.CheckStatus(ctx, adapter, p.Type, p.ExternalRef)
		if err != nil {
			log.Warn("poll sweep: status check failed", "err", err)
			r.count(&rep, "poll", p.ID, nil, err)
			continue
		}
		if !resp.Status.Terminal() {
			pending[p.ID] = true
			rep.Skipped++
			metrics.ReconcileItems.WithLabelValues("poll", "pending").Inc()
			continue
		}
		res, err := r.settler.Apply(ctx, p, settlement.Signal{
			ExternalID: resp.ExternalID,
			Status:     resp.Status,
			Message:    resp.Message,
			Source:     settlement.SourcePoller,
		})
		r.count(&rep, "poll", p.ID, res, err)
	}
	return rep, pending
}

// finalize pays out resolved markets whose dispute window has closed.
func (r *Reconciler) finalize(ctx context.Context) SweepReport {
	var rep SweepReport
	if r.resolver == nil {
		return rep
	}
	markets, err := r.store.ListFinalizableMarkets(ctx, r.now())
	if err != nil {
		r.logger.Error("finalize sweep: list failed", "err", err)
		rep.Errors++
		rep.Failure = err.Error()
		return rep
	}
	for _, m := range markets {
		rep.Scanned++
		_, err := r.resolver.Finalize(ctx, m.ID)
		switch {
		case errors.Is(err, resolution.ErrNotFinalizable):
			rep.Skipped++
			metrics.ReconcileItems.WithLabelValues("finalize", "skipped").Inc()
		case err != nil:
			r.logger.Error("finalize sweep: finalize failed", "market_id", m.ID, "err", err)
			rep.Errors++
			metrics.ReconcileItems.WithLabelValues("finalize", "error").Inc()
		default:
			rep.Settled++
			rep.IDs = append(rep.IDs, m.ID)
			metrics.ReconcileItems.WithLabelValues("finalize", "settled").Inc()
		}
	}
	return rep
}

func (r *Reconciler) count(rep *SweepReport, sweep, id string, res *settlement.Result, err error) {
	switch {
	case err != nil:
		r.logger.Error("reconcile: settle failed", "sweep", sweep, "payment_id", id, "err", err)
		rep.Errors++
		metrics.ReconcileItems.WithLabelValues(sweep, "error").Inc()
	case res.AlreadySettled:
		rep.Skipped++
		metrics.ReconcileItems.WithLabelValues(sweep, "already_settled").Inc()
	default:
		rep.Settled++
		rep.IDs = append(rep.IDs, id)
		metrics.ReconcileItems.WithLabelValues(sweep, "settled").Inc()
	}
}

// Loop runs the sweeps every interval until ctx is done.
func (r *Reconciler) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
				r.logger.Error("scheduled reconciliation failed", "err", err)
			}
		}
	}
}
