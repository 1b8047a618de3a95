package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// InTx runs at SERIALIZABLE isolation and locks the rows it reads for
// update. Serialization failures and deadlocks are retried up to
// maxRetries times.
type PostgresStore struct {
	pool       *pgxpool.Pool
	maxRetries int
	logger     *slog.Logger
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, maxRetries int, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &PostgresStore{pool: pool, maxRetries: maxRetries, logger: logger}
}

// EnsureSchema creates missing tables and indexes.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const marketColumns = `id, title, yes_shares::TEXT, no_shares::TEXT, k::TEXT,
	yes_price::TEXT, no_price::TEXT, volume::TEXT, status, outcome,
	resolve_time, dispute_deadline, created_at, updated_at`

const positionColumns = `id, user_id, market_id, outcome, size::TEXT, average_price::TEXT,
	realized_pnl::TEXT, is_closed, updated_at`

const transactionColumns = `id, user_id, type, amount::TEXT, fee_amount::TEXT, status,
	COALESCE(market_id, ''), COALESCE(payment_id, ''), metadata, created_at`

const paymentColumns = `id, user_id, type, amount::TEXT, fee_amount::TEXT, net_amount::TEXT,
	provider, phone_number, external_ref, external_id, transaction_id, status, status_message,
	expires_at, callback_received, settled_at, created_at, updated_at`

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	var outcome *string
	if m.Outcome != nil {
		o := string(*m.Outcome)
		outcome = &o
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, title, yes_shares, no_shares, k, yes_price, no_price, volume, status,
		                      outcome, resolve_time, dispute_deadline, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9,
		         $10, $11, $12, $13, $14)`,
		m.ID, m.Title,
		m.Pool.YesShares.String(), m.Pool.NoShares.String(), m.Pool.K.String(),
		m.YesPrice.String(), m.NoPrice.String(), m.Volume.String(), m.Status,
		outcome, m.ResolveTime, m.DisputeDeadline, m.CreatedAt, m.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMarkets(rows)
}

func (s *PostgresStore) ListFinalizableMarkets(ctx context.Context, now time.Time) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets
		 WHERE status = $1 AND dispute_deadline IS NOT NULL AND dispute_deadline < $2
		 ORDER BY dispute_deadline`, model.MarketResolved, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMarkets(rows)
}

func getMarket(ctx context.Context, q querier, id string, forUpdate bool) (*model.Market, error) {
	sql := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	m, err := scanMarket(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var yes, no, k, yesPrice, noPrice, volume string
	var outcome *string
	if err := row.Scan(&m.ID, &m.Title, &yes, &no, &k, &yesPrice, &noPrice, &volume, &m.Status,
		&outcome, &m.ResolveTime, &m.DisputeDeadline, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if outcome != nil {
		o := model.Outcome(*outcome)
		m.Outcome = &o
	}
	var err error
	if m.Pool.YesShares, err = parseDecimal("yes_shares", yes); err != nil {
		return nil, err
	}
	if m.Pool.NoShares, err = parseDecimal("no_shares", no); err != nil {
		return nil, err
	}
	if m.Pool.K, err = parseDecimal("k", k); err != nil {
		return nil, err
	}
	if m.YesPrice, err = parseDecimal("yes_price", yesPrice); err != nil {
		return nil, err
	}
	if m.NoPrice, err = parseDecimal("no_price", noPrice); err != nil {
		return nil, err
	}
	if m.Volume, err = parseDecimal("volume", volume); err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMarkets(rows pgx.Rows) ([]model.Market, error) {
	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// --- Accounts, positions, audit trail ---

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.LedgerAccount, error) {
	a, err := getAccount(ctx, s.pool, userID, false)
	if errors.Is(err, ErrNotFound) {
		return &model.LedgerAccount{UserID: userID, Balance: decimal.Zero}, nil
	}
	return a, err
}

func getAccount(ctx context.Context, q querier, userID string, forUpdate bool) (*model.LedgerAccount, error) {
	sql := `SELECT user_id, balance::TEXT, updated_at FROM ledger_accounts WHERE user_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var a model.LedgerAccount
	var balance string
	err := q.QueryRow(ctx, sql, userID).Scan(&a.UserID, &balance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	if a.Balance, err = parseDecimal("balance", balance); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return queryPositions(ctx, s.pool,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY id`, userID)
}

func queryPositions(ctx context.Context, q querier, sql string, args ...any) ([]model.Position, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var size, avg, pnl string
	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &p.Outcome, &size, &avg, &pnl, &p.IsClosed, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Size, err = parseDecimal("size", size); err != nil {
		return nil, err
	}
	if p.AveragePrice, err = parseDecimal("average_price", avg); err != nil {
		return nil, err
	}
	if p.RealizedPnL, err = parseDecimal("realized_pnl", pnl); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return t, err
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var amount, fee string
	var meta []byte
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &amount, &fee, &t.Status, &t.MarketID, &t.PaymentID, &meta, &t.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	if t.FeeAmount, err = parseDecimal("fee_amount", fee); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return &t, nil
}

func (s *PostgresStore) ListRevenue(ctx context.Context, sourceID string) ([]model.PlatformRevenue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, fee_type, amount::TEXT, source_id, created_at
		 FROM platform_revenue WHERE source_id = $1 ORDER BY created_at`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PlatformRevenue
	for rows.Next() {
		var r model.PlatformRevenue
		var amount string
		if err := rows.Scan(&r.ID, &r.FeeType, &amount, &r.SourceID, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, title, body, COALESCE(payment_id, ''), created_at
		 FROM notifications WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.PaymentID, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- Mobile payments ---

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*model.MobilePayment, error) {
	return getPayment(ctx, s.pool, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetPaymentByExternalRef(ctx context.Context, provider, ref string) (*model.MobilePayment, error) {
	return getPayment(ctx, s.pool, `WHERE provider = $1 AND external_ref = $2`, provider, ref)
}

func getPayment(ctx context.Context, q querier, where string, args ...any) (*model.MobilePayment, error) {
	p, err := scanPayment(q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM mobile_payments `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("payment %v: %w", args, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %v: %w", args, err)
	}
	return p, nil
}

func (s *PostgresStore) ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]model.MobilePayment, error) {
	return s.queryPayments(ctx,
		`WHERE settled_at IS NULL AND status IN ($1, $2) AND expires_at < $3
		 ORDER BY created_at LIMIT $4`,
		model.PaymentPending, model.PaymentProcessing, now, limitOrAll(limit))
}

func (s *PostgresStore) ListPollablePayments(ctx context.Context, limit int) ([]model.MobilePayment, error) {
	return s.queryPayments(ctx,
		`WHERE settled_at IS NULL AND status = $1 AND NOT callback_received
		 ORDER BY created_at LIMIT $2`,
		model.PaymentProcessing, limitOrAll(limit))
}

func (s *PostgresStore) queryPayments(ctx context.Context, where string, args ...any) ([]model.MobilePayment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+paymentColumns+` FROM mobile_payments `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MobilePayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (*model.MobilePayment, error) {
	var p model.MobilePayment
	var amount, fee, net string
	if err := row.Scan(&p.ID, &p.UserID, &p.Type, &amount, &fee, &net,
		&p.Provider, &p.PhoneNumber, &p.ExternalRef, &p.ExternalID, &p.TransactionID, &p.Status, &p.StatusMessage,
		&p.ExpiresAt, &p.CallbackReceived, &p.SettledAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	if p.FeeAmount, err = parseDecimal("fee_amount", fee); err != nil {
		return nil, err
	}
	if p.NetAmount, err = parseDecimal("net_amount", net); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) MarkCallbackReceived(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mobile_payments SET callback_received = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimSettlement is one conditional update in its own implicit
// transaction; the row lock taken by UPDATE makes concurrent claims
// serialize, and only the first sees settled_at IS NULL.
func (s *PostgresStore) ClaimSettlement(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mobile_payments SET settled_at = $2, updated_at = $2
		 WHERE id = $1 AND settled_at IS NULL`, id, now)
	if err != nil {
		return false, fmt.Errorf("claim settlement %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mobile_payments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return false, nil
}

func (s *PostgresStore) ReleaseSettlementClaim(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE mobile_payments SET settled_at = NULL, updated_at = now() WHERE id = $1`, id)
	return err
}

// --- Transactions ---

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) || attempt >= s.maxRetries {
			return err
		}
		s.logger.Warn("retrying transaction", "attempt", attempt+1, "err", err)
	}
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	var outcome *string
	if m.Outcome != nil {
		o := string(*m.Outcome)
		outcome = &o
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets
		 SET yes_shares = $2::NUMERIC, no_shares = $3::NUMERIC, k = $4::NUMERIC,
		     yes_price = $5::NUMERIC, no_price = $6::NUMERIC, volume = $7::NUMERIC,
		     status = $8, outcome = $9, resolve_time = $10, dispute_deadline = $11, updated_at = $12
		 WHERE id = $1`,
		m.ID, m.Pool.YesShares.String(), m.Pool.NoShares.String(), m.Pool.K.String(),
		m.YesPrice.String(), m.NoPrice.String(), m.Volume.String(),
		m.Status, outcome, m.ResolveTime, m.DisputeDeadline, m.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, userID string) (*model.LedgerAccount, error) {
	a, err := getAccount(ctx, t.tx, userID, true)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_accounts (user_id, balance, updated_at) VALUES ($1, 0, now())
		 ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, err
	}
	return getAccount(ctx, t.tx, userID, true)
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	a, err := t.GetAccountForUpdate(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return a.Balance, ErrInsufficientFunds
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE ledger_accounts SET balance = $2::NUMERIC, updated_at = now() WHERE user_id = $1`,
		userID, next.String()); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

func (t *pgTx) GetPosition(ctx context.Context, userID, marketID string, o model.Outcome) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome = $3 FOR UPDATE`, userID, marketID, o))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s/%s: %w", userID, marketID, o, ErrNotFound)
	}
	return p, err
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, market_id, outcome, size, average_price, realized_pnl, is_closed, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (user_id, market_id, outcome) DO UPDATE
		 SET size = EXCLUDED.size, average_price = EXCLUDED.average_price,
		     realized_pnl = EXCLUDED.realized_pnl, is_closed = EXCLUDED.is_closed,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.MarketID, p.Outcome,
		p.Size.String(), p.AveragePrice.String(), p.RealizedPnL.String(), p.IsClosed, p.UpdatedAt,
	)
	return err
}

func (t *pgTx) ListOpenPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return queryPositions(ctx, t.tx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE market_id = $1 AND NOT is_closed ORDER BY id FOR UPDATE`, marketID)
}

func (t *pgTx) ListUserOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return queryPositions(ctx, t.tx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND NOT is_closed ORDER BY id`, userID)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	var meta []byte
	if len(txn.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(txn.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, fee_amount, status, market_id, payment_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, NULLIF($7, ''), NULLIF($8, ''), $9::JSONB, $10)`,
		txn.ID, txn.UserID, txn.Type, txn.Amount.String(), txn.FeeAmount.String(), txn.Status,
		txn.MarketID, txn.PaymentID, nullableJSON(meta), txn.CreatedAt,
	)
	return err
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE transactions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetPaymentForUpdate(ctx context.Context, id string) (*model.MobilePayment, error) {
	return getPayment(ctx, t.tx, `WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) InsertPayment(ctx context.Context, p *model.MobilePayment) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO mobile_payments (id, user_id, type, amount, fee_amount, net_amount, provider, phone_number,
		                              external_ref, external_id, transaction_id, status, status_message,
		                              expires_at, callback_received, settled_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		p.ID, p.UserID, p.Type, p.Amount.String(), p.FeeAmount.String(), p.NetAmount.String(),
		p.Provider, p.PhoneNumber, p.ExternalRef, p.ExternalID, p.TransactionID, p.Status, p.StatusMessage,
		p.ExpiresAt, p.CallbackReceived, p.SettledAt, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment %s: %w", p.ID, ErrAlreadyExists)
	}
	return err
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *model.MobilePayment) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE mobile_payments
		 SET status = $2, status_message = $3, external_id = $4, transaction_id = $5,
		     callback_received = callback_received OR $6, updated_at = now()
		 WHERE id = $1`,
		p.ID, p.Status, p.StatusMessage, p.ExternalID, p.TransactionID, p.CallbackReceived,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertRevenue(ctx context.Context, r *model.PlatformRevenue) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO platform_revenue (id, fee_type, amount, source_id, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		r.ID, r.FeeType, r.Amount.String(), r.SourceID, r.CreatedAt)
	return err
}

func (t *pgTx) InsertNotification(ctx context.Context, n *model.Notification) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO notifications (id, user_id, kind, title, body, payment_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		n.ID, n.UserID, n.Kind, n.Title, n.Body, n.PaymentID, n.CreatedAt)
	return err
}

// --- helpers ---

func parseDecimal(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func nullableJSON(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
