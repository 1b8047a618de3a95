// Package model defines the core domain types shared across the engine.
// All monetary values and share quantities use shopspring/decimal, never
// float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Valid reports whether o is YES or NO.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Opposite returns the complementary outcome.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketActive     MarketStatus = "ACTIVE"
	MarketResolved   MarketStatus = "RESOLVED"
	MarketFinalizing MarketStatus = "FINALIZING"
	MarketFinalized  MarketStatus = "FINALIZED"
	MarketCancelled  MarketStatus = "CANCELLED"
)

// Pool is the constant-product liquidity pool backing a market.
// K = YesShares * NoShares is fixed at creation; buys and sells move along
// the curve without changing it.
type Pool struct {
	YesShares decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares  decimal.Decimal `json:"no_shares" db:"no_shares"`
	K         decimal.Decimal `json:"k" db:"k"`
}

// Market is a binary prediction market. Markets are never deleted.
type Market struct {
	ID              string          `json:"id" db:"id"`
	Title           string          `json:"title" db:"title"`
	Pool            Pool            `json:"pool"`
	YesPrice        decimal.Decimal `json:"yes_price" db:"yes_price"` // cached, derived from Pool
	NoPrice         decimal.Decimal `json:"no_price" db:"no_price"`
	Volume          decimal.Decimal `json:"volume" db:"volume"`
	Status          MarketStatus    `json:"status" db:"status"`
	Outcome         *Outcome        `json:"outcome,omitempty" db:"outcome"`
	ResolveTime     *time.Time      `json:"resolve_time,omitempty" db:"resolve_time"`
	DisputeDeadline *time.Time      `json:"dispute_deadline,omitempty" db:"dispute_deadline"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a trader's holding in one outcome of one market.
// There is at most one open position per (user, market, outcome).
type Position struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Outcome      Outcome         `json:"outcome" db:"outcome"`
	Size         decimal.Decimal `json:"size" db:"size"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	IsClosed     bool            `json:"is_closed" db:"is_closed"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis is the open size valued at the average entry price.
func (p Position) CostBasis() decimal.Decimal {
	return p.Size.Mul(p.AveragePrice)
}

// LedgerAccount holds a user's spendable balance. Balance is never negative
// in any committed state.
type LedgerAccount struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TxDeposit    TransactionType = "DEPOSIT"
	TxWithdrawal TransactionType = "WITHDRAWAL"
	TxTrade      TransactionType = "TRADE"
	TxWinnings   TransactionType = "WINNINGS"
	TxFee        TransactionType = "FEE"
)

// TransactionStatus is the state of a ledger transaction.
type TransactionStatus string

const (
	TxProcessing TransactionStatus = "PROCESSING"
	TxCompleted  TransactionStatus = "COMPLETED"
	TxFailed     TransactionStatus = "FAILED"
)

// Transaction is an append-only audit record explaining a balance change.
// Amount is signed: positive credits the user, negative debits.
type Transaction struct {
	ID        string            `json:"id" db:"id"`
	UserID    string            `json:"user_id" db:"user_id"`
	Type      TransactionType   `json:"type" db:"type"`
	Amount    decimal.Decimal   `json:"amount" db:"amount"`
	FeeAmount decimal.Decimal   `json:"fee_amount" db:"fee_amount"`
	Status    TransactionStatus `json:"status" db:"status"`
	MarketID  string            `json:"market_id,omitempty" db:"market_id"`
	PaymentID string            `json:"payment_id,omitempty" db:"payment_id"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// PaymentType is the direction of a mobile-money payment.
type PaymentType string

const (
	PaymentDeposit    PaymentType = "DEPOSIT"
	PaymentWithdrawal PaymentType = "WITHDRAWAL"
)

// PaymentStatus is the provider-facing state of a mobile-money payment.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
)

// Terminal reports whether no further provider transition is expected.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed || s == PaymentCancelled
}

// MobilePayment tracks one collection or disbursement on a mobile-money rail.
//
// SettledAt is the exactly-once guard: it stays nil until a settlement claim
// succeeds, after which no other path may move money for this payment.
// Payments are never deleted.
type MobilePayment struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Type             PaymentType     `json:"type" db:"type"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	FeeAmount        decimal.Decimal `json:"fee_amount" db:"fee_amount"`
	NetAmount        decimal.Decimal `json:"net_amount" db:"net_amount"`
	Provider         string          `json:"provider" db:"provider"`
	PhoneNumber      string          `json:"phone_number" db:"phone_number"`
	ExternalRef      string          `json:"external_ref" db:"external_ref"` // our reference sent to the provider
	ExternalID       string          `json:"external_id,omitempty" db:"external_id"`
	TransactionID    string          `json:"transaction_id,omitempty" db:"transaction_id"`
	Status           PaymentStatus   `json:"status" db:"status"`
	StatusMessage    string          `json:"status_message,omitempty" db:"status_message"`
	ExpiresAt        time.Time       `json:"expires_at" db:"expires_at"`
	CallbackReceived bool            `json:"callback_received" db:"callback_received"`
	SettledAt        *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Settled reports whether a settlement claim has been taken.
func (p MobilePayment) Settled() bool {
	return p.SettledAt != nil
}

// Fee types recorded as platform revenue.
const (
	FeeWithdrawal = "WITHDRAWAL_FEE"
	FeeDeposit    = "DEPOSIT_FEE"
)

// PlatformRevenue is an append-only revenue entry. Negative amounts are
// reversals of an earlier entry with the same SourceID.
type PlatformRevenue struct {
	ID        string          `json:"id" db:"id"`
	FeeType   string          `json:"fee_type" db:"fee_type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	SourceID  string          `json:"source_id" db:"source_id"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Notification is a user-facing message written alongside the ledger
// mutation that caused it.
type Notification struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Kind      string    `json:"kind" db:"kind"`
	Title     string    `json:"title" db:"title"`
	Body      string    `json:"body" db:"body"`
	PaymentID string    `json:"payment_id,omitempty" db:"payment_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Portfolio aggregates a user's balance and positions with mark-to-market
// values at current pool prices.
type Portfolio struct {
	UserID        string              `json:"user_id"`
	Balance       decimal.Decimal     `json:"balance"`
	Positions     []PositionValuation `json:"positions"`
	TotalValue    decimal.Decimal     `json:"total_value"`
	RealizedPnL   decimal.Decimal     `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal     `json:"unrealized_pnl"`
}

// PositionValuation is a position marked at the market's current price.
type PositionValuation struct {
	Position
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}
