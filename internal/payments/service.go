// Package payments initiates mobile-money deposits and withdrawals and
// receives provider callbacks. Terminal outcomes are always handed to the
// settlement service; this package never settles a payment itself.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/apperr"
	"github.com/atmx/predict-engine/internal/config"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/provider"
	"github.com/atmx/predict-engine/internal/settlement"
	"github.com/atmx/predict-engine/internal/store"
)

// Config bounds amounts and sets the withdrawal fee.
type Config struct {
	FeeRate          decimal.Decimal
	MinFee           decimal.Decimal
	MinWithdrawal    decimal.Decimal
	MaxWithdrawal    decimal.Decimal
	WithdrawalExpiry time.Duration
	MinDeposit       decimal.Decimal
	MaxDeposit       decimal.Decimal
	DepositExpiry    time.Duration
}

// ConfigFrom builds a Config from the loaded application config.
func ConfigFrom(c *config.AppConfig) Config {
	return Config{
		FeeRate:          config.Dec(c.Withdrawal.FeeRate),
		MinFee:           config.Dec(c.Withdrawal.MinFee),
		MinWithdrawal:    config.Dec(c.Withdrawal.MinAmount),
		MaxWithdrawal:    config.Dec(c.Withdrawal.MaxAmount),
		WithdrawalExpiry: c.Withdrawal.Expiry,
		MinDeposit:       config.Dec(c.Deposit.MinAmount),
		MaxDeposit:       config.Dec(c.Deposit.MaxAmount),
		DepositExpiry:    c.Deposit.Expiry,
	}
}

// DefaultConfig matches the service defaults: 1.5% fee with a K5 minimum,
// withdrawals between K10 and K50,000.
func DefaultConfig() Config {
	return Config{
		FeeRate:          decimal.RequireFromString("0.015"),
		MinFee:           decimal.NewFromInt(5),
		MinWithdrawal:    decimal.NewFromInt(10),
		MaxWithdrawal:    decimal.NewFromInt(50000),
		WithdrawalExpiry: 5 * time.Minute,
		MinDeposit:       decimal.NewFromInt(1),
		MaxDeposit:       decimal.NewFromInt(50000),
		DepositExpiry:    10 * time.Minute,
	}
}

// Request is the body of POST /withdrawals and POST /deposits.
type Request struct {
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	PhoneNumber string          `json:"phone_number" validate:"required,max=32"`
	Provider    string          `json:"provider" validate:"required,max=32"`
}

// Response describes a payment to its owner.
type Response struct {
	PaymentID string              `json:"payment_id"`
	Type      model.PaymentType   `json:"type"`
	Status    model.PaymentStatus `json:"status"`
	Message   string              `json:"message,omitempty"`
	Amount    decimal.Decimal     `json:"amount"`
	FeeAmount decimal.Decimal     `json:"fee_amount"`
	NetAmount decimal.Decimal     `json:"net_amount"`
	Provider  string              `json:"provider"`
}

func responseFor(p *model.MobilePayment) *Response {
	return &Response{
		PaymentID: p.ID,
		Type:      p.Type,
		Status:    p.Status,
		Message:   p.StatusMessage,
		Amount:    p.Amount,
		FeeAmount: p.FeeAmount,
		NetAmount: p.NetAmount,
		Provider:  p.Provider,
	}
}

// Service initiates payments on the registered rails and hands every
// terminal outcome to the settlement service.
type Service struct {
	store     store.Store
	providers *provider.Registry
	settler   *settlement.Service
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides time.Now for payment timestamps and expiry.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires the payment service. settler receives every terminal
// outcome, including compensation for rejected withdrawals.
func NewService(st store.Store, providers *provider.Registry, settler *settlement.Service, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:     st,
		providers: providers,
		settler:   settler,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fee is max(amount*rate, minFee) rounded to 2 decimal places.
func (s *Service) Fee(amount decimal.Decimal) decimal.Decimal {
	return decimal.Max(amount.Mul(s.cfg.FeeRate), s.cfg.MinFee).Round(2)
}

// prepare checks the amount bounds and resolves the rail and phone.
func (s *Service) prepare(req Request, lo, hi decimal.Decimal) (provider.Adapter, string, error) {
	if req.Amount.LessThan(lo) || req.Amount.GreaterThan(hi) {
		return nil, "", apperr.Validation(fmt.Sprintf("amount must be between %s and %s", lo.StringFixed(2), hi.StringFixed(2)))
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, "", apperr.Validation("amount must have at most 2 decimal places")
	}
	adapter, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, "", apperr.Validation("unsupported provider " + req.Provider)
	}
	phone, err := adapter.NormalizePhone(req.PhoneNumber)
	if err != nil {
		var pe *provider.PhoneError
		if errors.As(err, &pe) {
			return nil, "", apperr.Validation(pe.Error())
		}
		return nil, "", apperr.Validation("invalid phone number")
	}
	return adapter, phone, nil
}

// Withdraw debits the full amount, records the fee and asks the rail to
// disburse the net amount. A definite provider rejection is compensated
// through the settlement service; an ambiguous one leaves the payment
// PROCESSING for the poller or the expiry sweep to resolve.
func (s *Service) Withdraw(ctx context.Context, userID string, req Request) (*Response, error) {
	adapter, phone, err := s.prepare(req, s.cfg.MinWithdrawal, s.cfg.MaxWithdrawal)
	if err != nil {
		return nil, err
	}
	fee := s.Fee(req.Amount)
	net := req.Amount.Sub(fee)
	if !net.IsPositive() {
		return nil, apperr.Validation("amount does not cover the withdrawal fee")
	}

	now := s.now()
	p := &model.MobilePayment{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        model.PaymentWithdrawal,
		Amount:      req.Amount,
		FeeAmount:   fee,
		NetAmount:   net,
		Provider:    adapter.Name(),
		PhoneNumber: phone,
		Status:      model.PaymentProcessing,
		ExpiresAt:   now.Add(s.cfg.WithdrawalExpiry),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p.ExternalRef = p.ID
	p.TransactionID = uuid.NewString()

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.AdjustBalance(ctx, userID, req.Amount.Neg()); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ID:        p.TransactionID,
			UserID:    userID,
			Type:      model.TxWithdrawal,
			Amount:    req.Amount.Neg(),
			FeeAmount: fee,
			Status:    model.TxProcessing,
			PaymentID: p.ID,
			Metadata:  map[string]string{"provider": p.Provider, "phone": phone},
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("insert withdrawal transaction: %w", err)
		}
		if fee.IsPositive() {
			if err := tx.InsertRevenue(ctx, &model.PlatformRevenue{
				ID:        uuid.NewString(),
				FeeType:   model.FeeWithdrawal,
				Amount:    fee,
				SourceID:  p.ID,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("insert withdrawal fee: %w", err)
			}
		}
		return tx.InsertPayment(ctx, p)
	})
	if errors.Is(err, store.ErrInsufficientFunds) {
		return nil, apperr.InsufficientFunds("balance does not cover the withdrawal")
	}
	if err != nil {
		return nil, fmt.Errorf("record withdrawal: %w", err)
	}

	log := s.logger.With("payment_id", p.ID, "user_id", userID, "provider", p.Provider)
	log.Info("withdrawal debited", "amount", req.Amount.String(), "fee", fee.String())

	// The debit is committed; finish the provider leg even if the client
	// goes away.
	pctx := context.WithoutCancel(ctx)
	resp, err := adapter.InitiateDisbursement(pctx, provider.Request{
		Reference: p.ExternalRef,
		Amount:    net,
		Phone:     phone,
		Note:      "Withdrawal " + p.ID[:8],
	})
	if err != nil {
		return s.initiationFailed(pctx, log, p, err)
	}
	return s.initiated(pctx, log, p, resp)
}

// Deposit records a PENDING collection and prompts the user's handset. The
// balance changes only when the deposit settles.
func (s *Service) Deposit(ctx context.Context, userID string, req Request) (*Response, error) {
	adapter, phone, err := s.prepare(req, s.cfg.MinDeposit, s.cfg.MaxDeposit)
	if err != nil {
		return nil, err
	}

	now := s.now()
	p := &model.MobilePayment{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        model.PaymentDeposit,
		Amount:      req.Amount,
		FeeAmount:   decimal.Zero,
		NetAmount:   req.Amount,
		Provider:    adapter.Name(),
		PhoneNumber: phone,
		Status:      model.PaymentPending,
		ExpiresAt:   now.Add(s.cfg.DepositExpiry),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p.ExternalRef = p.ID

	if err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertPayment(ctx, p)
	}); err != nil {
		return nil, fmt.Errorf("record deposit: %w", err)
	}

	log := s.logger.With("payment_id", p.ID, "user_id", userID, "provider", p.Provider)
	pctx := context.WithoutCancel(ctx)
	resp, err := adapter.InitiateCollection(pctx, provider.Request{
		Reference: p.ExternalRef,
		Amount:    req.Amount,
		Phone:     phone,
		Note:      "Deposit " + p.ID[:8],
	})
	if err != nil {
		return s.initiationFailed(pctx, log, p, err)
	}
	return s.initiated(pctx, log, p, resp)
}

func (s *Service) initiated(ctx context.Context, log *slog.Logger, p *model.MobilePayment, resp *provider.Response) (*Response, error) {
	if resp.Status.Terminal() {
		res, err := s.settler.Apply(ctx, p, settlement.Signal{
			ExternalID: resp.ExternalID,
			Status:     resp.Status,
			Message:    resp.Message,
			Source:     settlement.SourceInitiation,
		})
		if err != nil {
			// The payment stays unsettled; the sweeps retry.
			log.Error("settle on initiation failed", "status", resp.Status, "err", err)
			return responseFor(p), nil
		}
		p.Status = res.Status
		p.StatusMessage = resp.Message
		return responseFor(p), nil
	}

	if err := s.markInFlight(ctx, p, resp.ExternalID, ""); err != nil {
		log.Error("record provider reference failed", "err", err)
	}
	log.Info("payment initiated", "type", p.Type, "external_id", resp.ExternalID)
	return responseFor(p), nil
}

func (s *Service) initiationFailed(ctx context.Context, log *slog.Logger, p *model.MobilePayment, cause error) (*Response, error) {
	pe, _ := provider.AsError(cause)
	if pe == nil || pe.Ambiguous() {
		// The rail may have accepted the request. Refunding now could pay
		// twice, so leave it PROCESSING for the poller or the expiry sweep.
		log.Warn("provider outcome unknown; awaiting reconciliation", "err", cause)
		if err := s.markInFlight(ctx, p, "", "awaiting provider confirmation"); err != nil {
			log.Error("mark payment in flight failed", "err", err)
		}
		return responseFor(p), nil
	}

	log.Warn("provider rejected payment", "kind", pe.Kind, "code", pe.Code, "err", cause)
	res, err := s.settler.Apply(ctx, p, settlement.Signal{
		Status:  model.PaymentFailed,
		Message: pe.Message,
		Source:  settlement.SourceInitiation,
	})
	if err != nil {
		log.Error("compensation failed; expiry sweep will retry", "err", err)
		return nil, apperr.Provider("payment provider rejected the request", p.Type == model.PaymentWithdrawal, cause)
	}
	// Another signal settled the payment first. Unless that was a failure,
	// money moved.
	moved := res.AlreadySettled &&
		res.Status != model.PaymentFailed && res.Status != model.PaymentCancelled
	return nil, apperr.Provider("payment provider rejected the request", moved, cause)
}

// markInFlight moves an unsettled payment to PROCESSING and records the
// provider's id. A payment settled in the meantime is left alone.
func (s *Service) markInFlight(ctx context.Context, p *model.MobilePayment, externalID, message string) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetPaymentForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		if cur.Settled() || cur.Status.Terminal() {
			*p = *cur
			return nil
		}
		cur.Status = model.PaymentProcessing
		if externalID != "" {
			cur.ExternalID = externalID
		}
		if message != "" {
			cur.StatusMessage = message
		}
		if err := tx.UpdatePayment(ctx, cur); err != nil {
			return err
		}
		*p = *cur
		return nil
	})
}

// Get returns a payment owned by userID. Other users' payments are
// reported as not found.
func (s *Service) Get(ctx context.Context, userID, paymentID string) (*Response, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.UserID != userID) {
		return nil, apperr.NotFound("payment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return responseFor(p), nil
}

// Callback errors the webhook handler maps to 404 and 401.
var (
	ErrUnknownProvider = errors.New("payments: unknown provider")
	ErrBadSignature    = errors.New("payments: callback signature rejected")
)

// HandleCallback verifies and applies one provider callback. Only
// ErrUnknownProvider and ErrBadSignature are reported to the caller; every
// later failure is logged, since the sweeps will converge the payment.
func (s *Service) HandleCallback(ctx context.Context, providerName string, body []byte, signature string) error {
	adapter, err := s.providers.Get(providerName)
	if err != nil {
		return ErrUnknownProvider
	}
	if err := adapter.VerifyCallback(body, signature); err != nil {
		s.logger.Warn("callback signature rejected", "provider", providerName, "err", err)
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	cb, err := adapter.ParseCallback(body)
	if err != nil {
		s.logger.Warn("unparseable callback", "provider", providerName, "err", err)
		return nil
	}
	log := s.logger.With("provider", providerName, "reference", cb.Reference, "status", cb.Status)

	p, err := s.store.GetPaymentByExternalRef(ctx, adapter.Name(), cb.Reference)
	if err != nil {
		log.Warn("callback for unknown payment", "err", err)
		return nil
	}
	log = log.With("payment_id", p.ID)
	// Only a terminal callback takes the payment out of the status poll;
	// the settlement records it for the payment it settles.
	if !cb.Status.Terminal() {
		log.Info("non-terminal callback")
		return nil
	}

	res, err := s.settler.Apply(ctx, p, settlement.Signal{
		ExternalID: cb.ExternalID,
		Status:     cb.Status,
		Message:    cb.Message,
		Source:     settlement.SourceWebhook,
	})
	if err != nil {
		log.Error("settle from callback failed", "err", err)
		return nil
	}
	if res.AlreadySettled {
		if err := s.store.MarkCallbackReceived(ctx, p.ID); err != nil {
			log.Error("record callback failed", "err", err)
		}
	}
	log.Info("callback applied", "already_settled", res.AlreadySettled)
	return nil
}
