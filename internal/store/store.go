// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Every money-moving mutation runs inside InTx. The one exception is the
// settlement claim, a single conditional update that must commit on its own
// so concurrent settlers observe it before any ledger work starts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrAlreadyExists     = errors.New("store: already exists")
	ErrInsufficientFunds = errors.New("store: insufficient funds")
)

// Store is the persistence interface. Reads outside InTx see committed
// state only.
type Store interface {
	// --- Markets ---

	CreateMarket(ctx context.Context, market *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListFinalizableMarkets returns RESOLVED markets whose dispute
	// deadline is before now.
	ListFinalizableMarkets(ctx context.Context, now time.Time) ([]model.Market, error)

	// --- Accounts, positions, audit trail ---

	// GetAccount returns the user's account, or a zero-balance account if
	// the user has never been credited.
	GetAccount(ctx context.Context, userID string) (*model.LedgerAccount, error)
	ListUserPositions(ctx context.Context, userID string) ([]model.Position, error)
	ListUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListRevenue(ctx context.Context, sourceID string) ([]model.PlatformRevenue, error)
	ListNotifications(ctx context.Context, userID string) ([]model.Notification, error)

	// --- Mobile payments ---

	GetPayment(ctx context.Context, id string) (*model.MobilePayment, error)
	GetPaymentByExternalRef(ctx context.Context, provider, ref string) (*model.MobilePayment, error)

	// ListExpiredPayments returns unsettled PENDING or PROCESSING payments
	// whose ExpiresAt is before now, oldest first.
	ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]model.MobilePayment, error)

	// ListPollablePayments returns unsettled PROCESSING payments that have
	// not received a callback, oldest first.
	ListPollablePayments(ctx context.Context, limit int) ([]model.MobilePayment, error)

	MarkCallbackReceived(ctx context.Context, id string) error

	// ClaimSettlement sets SettledAt = now iff it is currently unset.
	// Exactly one concurrent caller observes true.
	ClaimSettlement(ctx context.Context, id string, now time.Time) (bool, error)

	// ReleaseSettlementClaim clears SettledAt after a failed settlement so
	// a later signal can retry.
	ReleaseSettlementClaim(ctx context.Context, id string) error

	// InTx runs fn in one atomic unit. Any error from fn rolls back every
	// write made through the Tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view handed to InTx callbacks. ForUpdate reads
// lock the row until the unit ends.
type Tx interface {
	GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error)
	UpdateMarket(ctx context.Context, market *model.Market) error

	// GetAccountForUpdate locks the user's account, creating it at zero
	// balance if missing.
	GetAccountForUpdate(ctx context.Context, userID string) (*model.LedgerAccount, error)

	// AdjustBalance adds delta to the balance and returns the new balance.
	// It fails with ErrInsufficientFunds if the result would be negative.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error)

	GetPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error)
	UpsertPosition(ctx context.Context, pos *model.Position) error
	ListOpenPositions(ctx context.Context, marketID string) ([]model.Position, error)
	ListUserOpenPositions(ctx context.Context, userID string) ([]model.Position, error)

	InsertTransaction(ctx context.Context, txn *model.Transaction) error
	UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus) error

	GetPaymentForUpdate(ctx context.Context, id string) (*model.MobilePayment, error)
	InsertPayment(ctx context.Context, p *model.MobilePayment) error

	// UpdatePayment writes status, message, external id, transaction id
	// and callback flag. SettledAt is owned by the claim methods.
	UpdatePayment(ctx context.Context, p *model.MobilePayment) error

	InsertRevenue(ctx context.Context, r *model.PlatformRevenue) error
	InsertNotification(ctx context.Context, n *model.Notification) error
}
