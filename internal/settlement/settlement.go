// Package settlement applies terminal mobile-money outcomes to the ledger
// exactly once.
//
// Webhooks, the status poller, the initiation path and the expiry sweep may
// all report an outcome for the same payment, concurrently and repeatedly.
// Each settle call first claims the payment with a single conditional
// update; only the caller that wins the claim mutates the ledger, and a
// failed mutation releases the claim so a later signal can retry.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/events"
	"github.com/atmx/predict-engine/internal/metrics"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/store"
)

var (
	// ErrWrongType is returned when a settle operation targets a payment
	// of the other direction.
	ErrWrongType = errors.New("settlement: payment type mismatch")
	// ErrNotTerminal is returned by Apply for a non-terminal status.
	ErrNotTerminal = errors.New("settlement: status is not terminal")
)

// Source names the path that observed an outcome.
type Source string

const (
	SourceWebhook    Source = "webhook"
	SourcePoller     Source = "poller"
	SourceInitiation Source = "initiation"
	SourceReconcile  Source = "reconcile"
)

// Signal is a terminal outcome reported for a payment.
type Signal struct {
	ExternalID string
	Status     model.PaymentStatus
	Message    string
	Source     Source
}

// Result describes what a settle call did. AlreadySettled means another
// caller won the claim; it is not an error.
type Result struct {
	PaymentID      string              `json:"payment_id"`
	Status         model.PaymentStatus `json:"status"`
	AlreadySettled bool                `json:"already_settled"`
}

// Notification kinds written with each settlement.
const (
	KindDepositCompleted    = "deposit_completed"
	KindDepositFailed       = "deposit_failed"
	KindWithdrawalCompleted = "withdrawal_completed"
	KindWithdrawalFailed    = "withdrawal_failed"
)

// Service settles mobile-money payments exactly once. Each settle operation
// claims the payment with a conditional update, then applies the ledger
// change in one store transaction.
type Service struct {
	store  store.Store
	events *events.Emitter
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEvents publishes a payments.settled event after each settlement.
func WithEvents(e *events.Emitter) Option { return func(s *Service) { s.events = e } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides time.Now for claims and notifications.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a settlement service over st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply routes a terminal signal to the matching settle operation for the
// payment's type.
func (s *Service) Apply(ctx context.Context, p *model.MobilePayment, sig Signal) (*Result, error) {
	switch {
	case p.Type == model.PaymentDeposit && sig.Status == model.PaymentCompleted:
		return s.SettleDepositCompleted(ctx, p.ID, sig)
	case p.Type == model.PaymentDeposit && sig.Status.Terminal():
		return s.SettleDepositFailed(ctx, p.ID, sig)
	case p.Type == model.PaymentWithdrawal && sig.Status == model.PaymentCompleted:
		return s.SettleWithdrawalCompleted(ctx, p.ID, sig)
	case p.Type == model.PaymentWithdrawal && sig.Status.Terminal():
		return s.SettleWithdrawalFailed(ctx, p.ID, sig)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotTerminal, sig.Status)
	}
}

// SettleDepositCompleted credits the net amount with a DEPOSIT transaction.
func (s *Service) SettleDepositCompleted(ctx context.Context, paymentID string, sig Signal) (*Result, error) {
	return s.settle(ctx, "deposit_completed", paymentID, model.PaymentDeposit, sig,
		func(tx store.Tx, p *model.MobilePayment) error {
			net := p.NetAmount
			if net.IsZero() {
				net = p.Amount.Sub(p.FeeAmount)
			}
			if _, err := tx.AdjustBalance(ctx, p.UserID, net); err != nil {
				return fmt.Errorf("credit deposit: %w", err)
			}
			txn := &model.Transaction{
				ID:        uuid.NewString(),
				UserID:    p.UserID,
				Type:      model.TxDeposit,
				Amount:    net,
				FeeAmount: p.FeeAmount,
				Status:    model.TxCompleted,
				PaymentID: p.ID,
				Metadata:  map[string]string{"provider": p.Provider, "source": string(sig.Source)},
				CreatedAt: s.now(),
			}
			if err := tx.InsertTransaction(ctx, txn); err != nil {
				return fmt.Errorf("insert deposit transaction: %w", err)
			}
			if p.FeeAmount.IsPositive() {
				if err := tx.InsertRevenue(ctx, s.revenue(model.FeeDeposit, p.FeeAmount, p.ID)); err != nil {
					return fmt.Errorf("insert deposit fee: %w", err)
				}
			}
			p.Status = model.PaymentCompleted
			p.TransactionID = txn.ID
			return s.finish(ctx, tx, p, KindDepositCompleted, "Deposit received",
				fmt.Sprintf("K%s has been added to your balance.", net.StringFixed(2)))
		})
}

// SettleDepositFailed marks the deposit FAILED or CANCELLED. No balance
// changed at initiation, so nothing is refunded.
func (s *Service) SettleDepositFailed(ctx context.Context, paymentID string, sig Signal) (*Result, error) {
	return s.settle(ctx, "deposit_failed", paymentID, model.PaymentDeposit, sig,
		func(tx store.Tx, p *model.MobilePayment) error {
			p.Status = failedStatus(sig.Status)
			return s.finish(ctx, tx, p, KindDepositFailed, "Deposit failed",
				"Your deposit of K"+p.Amount.StringFixed(2)+" was not completed.")
		})
}

// SettleWithdrawalCompleted marks the debited WITHDRAWAL transaction
// COMPLETED.
func (s *Service) SettleWithdrawalCompleted(ctx context.Context, paymentID string, sig Signal) (*Result, error) {
	return s.settle(ctx, "withdrawal_completed", paymentID, model.PaymentWithdrawal, sig,
		func(tx store.Tx, p *model.MobilePayment) error {
			if p.TransactionID != "" {
				if err := tx.UpdateTransactionStatus(ctx, p.TransactionID, model.TxCompleted); err != nil {
					return fmt.Errorf("complete withdrawal transaction: %w", err)
				}
			}
			p.Status = model.PaymentCompleted
			return s.finish(ctx, tx, p, KindWithdrawalCompleted, "Withdrawal sent",
				fmt.Sprintf("K%s has been sent to %s.", p.NetAmount.StringFixed(2), p.PhoneNumber))
		})
}

// SettleWithdrawalFailed refunds the full debited amount, reverses the fee
// revenue and marks the WITHDRAWAL transaction FAILED.
func (s *Service) SettleWithdrawalFailed(ctx context.Context, paymentID string, sig Signal) (*Result, error) {
	return s.settle(ctx, "withdrawal_failed", paymentID, model.PaymentWithdrawal, sig,
		func(tx store.Tx, p *model.MobilePayment) error {
			if _, err := tx.AdjustBalance(ctx, p.UserID, p.Amount); err != nil {
				return fmt.Errorf("refund withdrawal: %w", err)
			}
			if p.FeeAmount.IsPositive() {
				if err := tx.InsertRevenue(ctx, s.revenue(model.FeeWithdrawal, p.FeeAmount.Neg(), p.ID)); err != nil {
					return fmt.Errorf("reverse withdrawal fee: %w", err)
				}
			}
			if p.TransactionID != "" {
				if err := tx.UpdateTransactionStatus(ctx, p.TransactionID, model.TxFailed); err != nil {
					return fmt.Errorf("fail withdrawal transaction: %w", err)
				}
			}
			p.Status = failedStatus(sig.Status)
			return s.finish(ctx, tx, p, KindWithdrawalFailed, "Withdrawal failed",
				fmt.Sprintf("Your withdrawal failed. K%s has been returned to your balance.", p.Amount.StringFixed(2)))
		})
}

type mutation func(tx store.Tx, p *model.MobilePayment) error

func (s *Service) settle(ctx context.Context, op, paymentID string, typ model.PaymentType, sig Signal, mutate mutation) (*Result, error) {
	log := s.logger.With("payment_id", paymentID, "operation", op, "source", sig.Source)

	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("settlement: load payment: %w", err)
	}
	if p.Type != typ {
		return nil, fmt.Errorf("%w: payment %s is %s", ErrWrongType, p.ID, p.Type)
	}
	if p.Settled() {
		metrics.Settlements.WithLabelValues(op, "already_settled", string(sig.Source)).Inc()
		return &Result{PaymentID: p.ID, Status: p.Status, AlreadySettled: true}, nil
	}

	won, err := s.store.ClaimSettlement(ctx, p.ID, s.now())
	if err != nil {
		metrics.Settlements.WithLabelValues(op, "error", string(sig.Source)).Inc()
		return nil, fmt.Errorf("settlement: claim: %w", err)
	}
	if !won {
		metrics.Settlements.WithLabelValues(op, "already_settled", string(sig.Source)).Inc()
		cur := s.current(ctx, p)
		log.Info("settlement claim lost", "status", cur.Status)
		return &Result{PaymentID: cur.ID, Status: cur.Status, AlreadySettled: true}, nil
	}

	var settled model.MobilePayment
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetPaymentForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		if sig.ExternalID != "" {
			cur.ExternalID = sig.ExternalID
		}
		if sig.Message != "" {
			cur.StatusMessage = sig.Message
		}
		if sig.Source == SourceWebhook {
			cur.CallbackReceived = true
		}
		if err := mutate(tx, cur); err != nil {
			return err
		}
		settled = *cur
		return nil
	})
	if err != nil {
		// The claim must not outlive a rolled-back mutation.
		if rerr := s.store.ReleaseSettlementClaim(context.WithoutCancel(ctx), p.ID); rerr != nil {
			log.Error("release settlement claim failed", "err", rerr)
		}
		metrics.Settlements.WithLabelValues(op, "error", string(sig.Source)).Inc()
		return nil, fmt.Errorf("settlement: %s: %w", op, err)
	}

	metrics.Settlements.WithLabelValues(op, "settled", string(sig.Source)).Inc()
	log.Info("payment settled", "status", settled.Status, "amount", settled.Amount.String(), "user_id", settled.UserID)

	s.events.PaymentSettled(ctx, events.PaymentSettled{
		PaymentID: settled.ID,
		UserID:    settled.UserID,
		Type:      string(settled.Type),
		Status:    string(settled.Status),
		Amount:    settled.Amount,
		Provider:  settled.Provider,
		Source:    string(sig.Source),
	})
	return &Result{PaymentID: settled.ID, Status: settled.Status}, nil
}

// current re-reads a payment whose claim another caller won. The row lock
// waits for that caller's settlement to commit. On error the stale copy is
// returned.
func (s *Service) current(ctx context.Context, stale *model.MobilePayment) *model.MobilePayment {
	var cur *model.MobilePayment
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPaymentForUpdate(ctx, stale.ID)
		cur = p
		return err
	})
	if err != nil || cur == nil {
		s.logger.Warn("re-read settled payment failed", "payment_id", stale.ID, "err", err)
		return stale
	}
	return cur
}

// finish persists the payment and writes the user notification in the same
// unit as the ledger change.
func (s *Service) finish(ctx context.Context, tx store.Tx, p *model.MobilePayment, kind, title, body string) error {
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	n := &model.Notification{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		Kind:      kind,
		Title:     title,
		Body:      body,
		PaymentID: p.ID,
		CreatedAt: s.now(),
	}
	if err := tx.InsertNotification(ctx, n); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *Service) revenue(feeType string, amount decimal.Decimal, sourceID string) *model.PlatformRevenue {
	return &model.PlatformRevenue{
		ID:        uuid.NewString(),
		FeeType:   feeType,
		Amount:    amount,
		SourceID:  sourceID,
		CreatedAt: s.now(),
	}
}

func failedStatus(st model.PaymentStatus) model.PaymentStatus {
	if st == model.PaymentCancelled {
		return model.PaymentCancelled
	}
	return model.PaymentFailed
}
