package settlement_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/settlement"
	"github.com/atmx/predict-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// seedWithdrawal mirrors withdrawal initiation: debit, PROCESSING
// transaction, fee revenue and a PROCESSING payment.
func seedWithdrawal(t *testing.T, st *store.MemoryStore, userID, id string, amount, fee decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.AdjustBalance(ctx, userID, amount); err != nil {
			return err
		}
		if _, err := tx.AdjustBalance(ctx, userID, amount.Neg()); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ID: "tx-" + id, UserID: userID, Type: model.TxWithdrawal,
			Amount: amount.Neg(), FeeAmount: fee, Status: model.TxProcessing, PaymentID: id,
		}); err != nil {
			return err
		}
		if err := tx.InsertRevenue(ctx, &model.PlatformRevenue{ID: "rev-" + id, FeeType: model.FeeWithdrawal, Amount: fee, SourceID: id}); err != nil {
			return err
		}
		return tx.InsertPayment(ctx, &model.MobilePayment{
			ID: id, UserID: userID, Type: model.PaymentWithdrawal,
			Amount: amount, FeeAmount: fee, NetAmount: amount.Sub(fee),
			Provider: "mtn", PhoneNumber: "260961234567", ExternalRef: id,
			TransactionID: "tx-" + id, Status: model.PaymentProcessing,
			ExpiresAt: time.Now().Add(5 * time.Minute),
		})
	}))
}

func seedDeposit(t *testing.T, st *store.MemoryStore, userID, id string, amount decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertPayment(ctx, &model.MobilePayment{
			ID: id, UserID: userID, Type: model.PaymentDeposit,
			Amount: amount, NetAmount: amount, FeeAmount: decimal.Zero,
			Provider: "airtel", PhoneNumber: "260971234567", ExternalRef: id,
			Status: model.PaymentProcessing, ExpiresAt: time.Now().Add(10 * time.Minute),
		})
	}))
}

func balance(t *testing.T, st store.Store, userID string) decimal.Decimal {
	t.Helper()
	a, err := st.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return a.Balance
}

func revenueTotal(t *testing.T, st store.Store, sourceID string) (decimal.Decimal, int) {
	t.Helper()
	rows, err := st.ListRevenue(context.Background(), sourceID)
	require.NoError(t, err)
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Amount)
	}
	return total, len(rows)
}

func TestDepositCompleted_CreditsOnce(t *testing.T) {
	st := store.NewMemoryStore()
	svc := settlement.NewService(st)
	seedDeposit(t, st, "alice", "dep-1", d("250"))
	ctx := context.Background()

	res, err := svc.SettleDepositCompleted(ctx, "dep-1", settlement.Signal{
		ExternalID: "fin-1", Status: model.PaymentCompleted, Source: settlement.SourceWebhook,
	})
	require.NoError(t, err)
	assert.False(t, res.AlreadySettled)
	assert.Equal(t, model.PaymentCompleted, res.Status)
	assert.True(t, balance(t, st, "alice").Equal(d("250")))

	p, err := st.GetPayment(ctx, "dep-1")
	require.NoError(t, err)
	assert.True(t, p.Settled())
	assert.True(t, p.CallbackReceived)
	assert.Equal(t, "fin-1", p.ExternalID)
	require.NotEmpty(t, p.TransactionID)

	txn, err := st.GetTransaction(ctx, p.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.TxDeposit, txn.Type)
	assert.Equal(t, model.TxCompleted, txn.Status)

	notes, err := st.ListNotifications(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, settlement.KindDepositCompleted, notes[0].Kind)

	res, err = svc.SettleDepositCompleted(ctx, "dep-1", settlement.Signal{Status: model.PaymentCompleted, Source: settlement.SourcePoller})
	require.NoError(t, err)
	assert.True(t, res.AlreadySettled)
	assert.True(t, balance(t, st, "alice").Equal(d("250")))
}

func TestDepositFailed_NoBalanceChange(t *testing.T) {
	st := store.NewMemoryStore()
	svc := settlement.NewService(st)
	seedDeposit(t, st, "bob", "dep-2", d("100"))

	res, err := svc.SettleDepositFailed(context.Background(), "dep-2", settlement.Signal{
		Status: model.PaymentCancelled, Message: "user declined", Source: settlement.SourcePoller,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCancelled, res.Status)
	assert.True(t, balance(t, st, "bob").IsZero())

	p, err := st.GetPayment(context.Background(), "dep-2")
	require.NoError(t, err)
	assert.Equal(t, "user declined", p.StatusMessage)
}

func TestWithdrawalCompleted_MarksTransaction(t *testing.T) {
	st := store.NewMemoryStore()
	svc := settlement.NewService(st)
	seedWithdrawal(t, st, "carol", "wd-1", d("1000"), d("15"))

	res, err := svc.SettleWithdrawalCompleted(context.Background(), "wd-1", settlement.Signal{Status: model.PaymentCompleted, Source: settlement.SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, res.Status)

	txn, err := st.GetTransaction(context.Background(), "tx-wd-1")
	require.NoError(t, err)
	assert.Equal(t, model.TxCompleted, txn.Status)
	assert.True(t, balance(t, st, "carol").IsZero())

	total, _ := revenueTotal(t, st, "wd-1")
	assert.True(t, total.Equal(d("15")))
}

// A K1000 withdrawal with a K15 fee fails at the provider: the full K1000
// comes back and the fee is reversed.
func TestWithdrawalFailed_RefundsAndReversesFee(t *testing.T) {
	st := store.NewMemoryStore()
	svc := settlement.NewService(st)
	seedWithdrawal(t, st, "dave", "wd-2", d("1000"), d("15"))
	require.True(t, balance(t, st, "dave").IsZero())

	res, err := svc.SettleWithdrawalFailed(context.Background(), "wd-2", settlement.Signal{Status: model.PaymentFailed, Message: "payee not found", Source: settlement.SourceInitiation})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, res.Status)
	assert.True(t, balance(t, st, "dave").Equal(d("1000")))

	total, n := revenueTotal(t, st, "wd-2")
	assert.True(t, total.IsZero())
	assert.Equal(t, 2, n)

	rows, err := st.ListRevenue(context.Background(), "wd-2")
	require.NoError(t, err)
	assert.True(t, rows[1].Amount.Equal(d("-15")))

	txn, err := st.GetTransaction(context.Background(), "tx-wd-2")
	require.NoError(t, err)
	assert.Equal(t, model.TxFailed, txn.Status)
}

func TestWithdrawalFailed_ConcurrentSignalsSettleOnce(t *testing.T) {
	st := store.NewMemoryStore()
	svc := settlement.NewService(st)
	seedWithdrawal(t, st, "erin", "wd-3", d("500"), d("7.5"))

	const n = 25
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		losers  atomic.Int32
	)
	sources := []settlement.Source{settlement.SourceWebhook, settlement.SourcePoller, settlement.SourceReconcile}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.SettleWithdrawalFailed(context.Background(), "wd-3", settlement.Signal{
				Status: model.PaymentFailed, Source: sources[i%len(sources)],
			})
			if !assert.NoError(t, err) {
				return
			}
			if res.AlreadySettled {
				losers.Add(1)
			} else {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(n-1), losers.Load())
	assert.True(t, balance(t, st, "erin").Equal(d("500")))

	total, count := revenueTotal(t, st, "wd-3")
	assert.True(t, total.IsZero())
	assert.Equal(t, 2, count)
}

func TestCompletedThenFailed_SecondIsNoOp(t *testing.T) {
	st := store.NewMemoryStore()
	svc := settlement.NewService(st)
	seedWithdrawal(t, st, "frank", "wd-4", d("200"), d("5"))
	ctx := context.Background()

	_, err := svc.SettleWithdrawalCompleted(ctx, "wd-4", settlement.Signal{Status: model.PaymentCompleted, Source: settlement.SourceWebhook})
	require.NoError(t, err)

	res, err := svc.SettleWithdrawalFailed(ctx, "wd-4", settlement.Signal{Status: model.PaymentFailed, Source: settlement.SourceReconcile})
	require.NoError(t, err)
	assert.True(t, res.AlreadySettled)
	assert.Equal(t, model.PaymentCompleted, res.Status)
	assert.True(t, balance(t, st, "frank").IsZero())
}

func TestWrongTypeAndNotFound(t *testing.T) {
	st := store.NewMemoryStore()
	svc := settlement.NewService(st)
	seedDeposit(t, st, "gina", "dep-3", d("10"))

	_, err := svc.SettleWithdrawalFailed(context.Background(), "dep-3", settlement.Signal{Status: model.PaymentFailed})
	assert.ErrorIs(t, err, settlement.ErrWrongType)

	_, err = svc.SettleDepositCompleted(context.Background(), "missing", settlement.Signal{Status: model.PaymentCompleted})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApply_Routes(t *testing.T) {
	st := store.NewMemoryStore()
	svc := settlement.NewService(st)
	seedDeposit(t, st, "hal", "dep-4", d("40"))
	p, err := st.GetPayment(context.Background(), "dep-4")
	require.NoError(t, err)

	_, err = svc.Apply(context.Background(), p, settlement.Signal{Status: model.PaymentProcessing})
	assert.ErrorIs(t, err, settlement.ErrNotTerminal)

	res, err := svc.Apply(context.Background(), p, settlement.Signal{Status: model.PaymentCompleted, Source: settlement.SourcePoller})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, res.Status)
	assert.True(t, balance(t, st, "hal").Equal(d("40")))
}

// flakyStore fails the first InTx after the claim.
type flakyStore struct {
	*store.MemoryStore
	failures atomic.Int32
}

func (f *flakyStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("connection reset")
	}
	return f.MemoryStore.InTx(ctx, fn)
}

func TestFailedMutationReleasesClaim(t *testing.T) {
	mem := store.NewMemoryStore()
	seedWithdrawal(t, mem, "ivy", "wd-5", d("300"), d("5"))
	st := &flakyStore{MemoryStore: mem}
	st.failures.Store(1)
	svc := settlement.NewService(st)
	ctx := context.Background()

	_, err := svc.SettleWithdrawalFailed(ctx, "wd-5", settlement.Signal{Status: model.PaymentFailed, Source: settlement.SourceWebhook})
	require.Error(t, err)

	p, err := mem.GetPayment(ctx, "wd-5")
	require.NoError(t, err)
	assert.False(t, p.Settled())
	assert.Equal(t, model.PaymentProcessing, p.Status)
	assert.True(t, balance(t, mem, "ivy").IsZero())

	res, err := svc.SettleWithdrawalFailed(ctx, "wd-5", settlement.Signal{Status: model.PaymentFailed, Source: settlement.SourcePoller})
	require.NoError(t, err)
	assert.False(t, res.AlreadySettled)
	assert.True(t, balance(t, mem, "ivy").Equal(d("300")))
}

// staleStore serves the payment as it was before another caller settled
// it, so the claim is the first step to see the settlement.
type staleStore struct {
	*store.MemoryStore
	snapshot *model.MobilePayment
}

func (s *staleStore) GetPayment(context.Context, string) (*model.MobilePayment, error) {
	p := *s.snapshot
	return &p, nil
}

func TestLostClaimReportsCommittedStatus(t *testing.T) {
	mem := store.NewMemoryStore()
	seedWithdrawal(t, mem, "jay", "wd-6", d("400"), d("6"))
	ctx := context.Background()
	before, err := mem.GetPayment(ctx, "wd-6")
	require.NoError(t, err)

	_, err = settlement.NewService(mem).SettleWithdrawalCompleted(ctx, "wd-6", settlement.Signal{Status: model.PaymentCompleted, Source: settlement.SourceWebhook})
	require.NoError(t, err)

	late := settlement.NewService(&staleStore{MemoryStore: mem, snapshot: before})
	res, err := late.SettleWithdrawalFailed(ctx, "wd-6", settlement.Signal{Status: model.PaymentFailed, Source: settlement.SourceInitiation})
	require.NoError(t, err)
	assert.True(t, res.AlreadySettled)
	assert.Equal(t, model.PaymentCompleted, res.Status)
	assert.True(t, balance(t, mem, "jay").IsZero())
}
