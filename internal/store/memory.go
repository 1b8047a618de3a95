package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// One mutex serializes every access. InTx stages writes on a copy of the
// state and swaps it in only when the callback succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	markets       map[string]model.Market
	accounts      map[string]model.LedgerAccount
	positions     map[string]model.Position
	transactions  []model.Transaction
	payments      map[string]model.MobilePayment
	revenue       []model.PlatformRevenue
	notifications []model.Notification
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			markets:   make(map[string]model.Market),
			accounts:  make(map[string]model.LedgerAccount),
			positions: make(map[string]model.Position),
			payments:  make(map[string]model.MobilePayment),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for UpdatedAt stamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (st *memState) clone() *memState {
	c := &memState{
		markets:       make(map[string]model.Market, len(st.markets)),
		accounts:      make(map[string]model.LedgerAccount, len(st.accounts)),
		positions:     make(map[string]model.Position, len(st.positions)),
		payments:      make(map[string]model.MobilePayment, len(st.payments)),
		transactions:  append([]model.Transaction(nil), st.transactions...),
		revenue:       append([]model.PlatformRevenue(nil), st.revenue...),
		notifications: append([]model.Notification(nil), st.notifications...),
	}
	for k, v := range st.markets {
		c.markets[k] = v
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.positions {
		c.positions[k] = v
	}
	for k, v := range st.payments {
		c.payments[k] = v
	}
	return c
}

func positionKey(userID, marketID string, o model.Outcome) string {
	return userID + "|" + marketID + "|" + string(o)
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}
	s.state.markets[m.ID] = *m
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	markets := make([]model.Market, 0, len(s.state.markets))
	for _, m := range s.state.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].CreatedAt.After(markets[j].CreatedAt) })
	return markets, nil
}

func (s *MemoryStore) ListFinalizableMarkets(_ context.Context, now time.Time) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Market
	for _, m := range s.state.markets {
		if m.Status == model.MarketResolved && m.DisputeDeadline != nil && m.DisputeDeadline.Before(now) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisputeDeadline.Before(*out[j].DisputeDeadline) })
	return out, nil
}

// --- Accounts, positions, audit trail ---

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.LedgerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.state.accounts[userID]
	if !ok {
		return &model.LedgerAccount{UserID: userID, Balance: decimal.Zero}, nil
	}
	return &a, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterPositions(s.state.positions, func(p model.Position) bool { return p.UserID == userID }), nil
}

func (s *MemoryStore) ListUserTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Transaction
	for _, t := range s.state.transactions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.state.transactions {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) ListRevenue(_ context.Context, sourceID string) ([]model.PlatformRevenue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PlatformRevenue
	for _, r := range s.state.revenue {
		if r.SourceID == sourceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Notification
	for _, n := range s.state.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

// --- Mobile payments ---

func (s *MemoryStore) GetPayment(_ context.Context, id string) (*model.MobilePayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) GetPaymentByExternalRef(_ context.Context, provider, ref string) (*model.MobilePayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.state.payments {
		if p.Provider == provider && p.ExternalRef == ref {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("payment %s/%s: %w", provider, ref, ErrNotFound)
}

func (s *MemoryStore) ListExpiredPayments(_ context.Context, now time.Time, limit int) ([]model.MobilePayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectPayments(limit, func(p model.MobilePayment) bool {
		return !p.Settled() &&
			(p.Status == model.PaymentPending || p.Status == model.PaymentProcessing) &&
			p.ExpiresAt.Before(now)
	}), nil
}

func (s *MemoryStore) ListPollablePayments(_ context.Context, limit int) ([]model.MobilePayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectPayments(limit, func(p model.MobilePayment) bool {
		return !p.Settled() && p.Status == model.PaymentProcessing && !p.CallbackReceived
	}), nil
}

func (s *MemoryStore) selectPayments(limit int, keep func(model.MobilePayment) bool) []model.MobilePayment {
	var out []model.MobilePayment
	for _, p := range s.state.payments {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) MarkCallbackReceived(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.payments[id]
	if !ok {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	p.CallbackReceived = true
	p.UpdatedAt = s.now()
	s.state.payments[id] = p
	return nil
}

func (s *MemoryStore) ClaimSettlement(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.payments[id]
	if !ok {
		return false, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if p.SettledAt != nil {
		return false, nil
	}
	t := now
	p.SettledAt = &t
	s.state.payments[id] = p
	return true, nil
}

func (s *MemoryStore) ReleaseSettlementClaim(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.payments[id]
	if !ok {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	p.SettledAt = nil
	s.state.payments[id] = p
	return nil
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	staged := &memTx{state: s.state.clone(), now: s.now}
	if err := fn(staged); err != nil {
		return err
	}
	s.state = staged.state
	return nil
}

// memTx operates on a staged copy; it never touches MemoryStore.mu, which
// InTx already holds.
type memTx struct {
	state *memState
	now   func() time.Time
}

func (t *memTx) GetMarketForUpdate(_ context.Context, id string) (*model.Market, error) {
	m, ok := t.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (t *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.state.markets[m.ID]; !ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	t.state.markets[m.ID] = *m
	return nil
}

func (t *memTx) GetAccountForUpdate(_ context.Context, userID string) (*model.LedgerAccount, error) {
	a, ok := t.state.accounts[userID]
	if !ok {
		a = model.LedgerAccount{UserID: userID, Balance: decimal.Zero, UpdatedAt: t.now()}
		t.state.accounts[userID] = a
	}
	return &a, nil
}

func (t *memTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	a, err := t.GetAccountForUpdate(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return a.Balance, ErrInsufficientFunds
	}
	a.Balance = next
	a.UpdatedAt = t.now()
	t.state.accounts[userID] = *a
	return next, nil
}

func (t *memTx) GetPosition(_ context.Context, userID, marketID string, o model.Outcome) (*model.Position, error) {
	p, ok := t.state.positions[positionKey(userID, marketID, o)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s/%s: %w", userID, marketID, o, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	t.state.positions[positionKey(p.UserID, p.MarketID, p.Outcome)] = *p
	return nil
}

func (t *memTx) ListOpenPositions(_ context.Context, marketID string) ([]model.Position, error) {
	return filterPositions(t.state.positions, func(p model.Position) bool {
		return p.MarketID == marketID && !p.IsClosed
	}), nil
}

func (t *memTx) ListUserOpenPositions(_ context.Context, userID string) ([]model.Position, error) {
	return filterPositions(t.state.positions, func(p model.Position) bool {
		return p.UserID == userID && !p.IsClosed
	}), nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *model.Transaction) error {
	t.state.transactions = append(t.state.transactions, *txn)
	return nil
}

func (t *memTx) UpdateTransactionStatus(_ context.Context, id string, status model.TransactionStatus) error {
	for i := range t.state.transactions {
		if t.state.transactions[i].ID == id {
			t.state.transactions[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
}

func (t *memTx) GetPaymentForUpdate(_ context.Context, id string) (*model.MobilePayment, error) {
	p, ok := t.state.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *model.MobilePayment) error {
	if _, ok := t.state.payments[p.ID]; ok {
		return fmt.Errorf("payment %s: %w", p.ID, ErrAlreadyExists)
	}
	t.state.payments[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *model.MobilePayment) error {
	cur, ok := t.state.payments[p.ID]
	if !ok {
		return fmt.Errorf("payment %s: %w", p.ID, ErrNotFound)
	}
	cur.Status = p.Status
	cur.StatusMessage = p.StatusMessage
	cur.ExternalID = p.ExternalID
	cur.TransactionID = p.TransactionID
	cur.CallbackReceived = cur.CallbackReceived || p.CallbackReceived
	cur.UpdatedAt = t.now()
	t.state.payments[p.ID] = cur
	return nil
}

func (t *memTx) InsertRevenue(_ context.Context, r *model.PlatformRevenue) error {
	t.state.revenue = append(t.state.revenue, *r)
	return nil
}

func (t *memTx) InsertNotification(_ context.Context, n *model.Notification) error {
	t.state.notifications = append(t.state.notifications, *n)
	return nil
}

func filterPositions(all map[string]model.Position, keep func(model.Position) bool) []model.Position {
	var out []model.Position
	for _, p := range all {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
