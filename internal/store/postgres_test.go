package store

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/predict-engine/internal/model"
)

func newPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("PREDICT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("set PREDICT_TEST_DATABASE_URL to run")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool, 5, nil)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

func TestPostgresStore_ClaimSettlementExactlyOnce(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := model.MobilePayment{
		ID: uuid.NewString(), UserID: "u-" + uuid.NewString(), Type: model.PaymentWithdrawal,
		Amount: d(100), FeeAmount: d(5), NetAmount: d(95), Provider: "mtn", PhoneNumber: "260961234567",
		ExternalRef: uuid.NewString(), Status: model.PaymentProcessing, ExpiresAt: now.Add(5 * time.Minute),
		CreatedAt: now, UpdatedAt: now,
	}
	seedPayment(t, s, p)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.ClaimSettlement(ctx, p.ID, time.Now()); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected one winner, got %d", wins.Load())
	}
}

func TestPostgresStore_BalanceRollback(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	credit(t, s, user, 50)

	err := s.InTx(ctx, func(tx Tx) error {
		_, err := tx.AdjustBalance(ctx, user, d(-60))
		return err
	})
	if err == nil {
		t.Fatal("expected insufficient funds")
	}
	acct, err := s.GetAccount(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if !acct.Balance.Equal(d(50)) {
		t.Errorf("expected 50, got %s", acct.Balance)
	}
}
