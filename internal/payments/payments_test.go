package payments_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/predict-engine/internal/apperr"
	"github.com/atmx/predict-engine/internal/auth"
	"github.com/atmx/predict-engine/internal/idempotency"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/payments"
	"github.com/atmx/predict-engine/internal/provider"
	"github.com/atmx/predict-engine/internal/settlement"
	"github.com/atmx/predict-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const callbackSecret = "hook-secret"

// fakeRail is an in-process mobile-money rail.
type fakeRail struct {
	mu           sync.Mutex
	name         string
	prefixes     []string
	disburseErr  error
	disburseResp *provider.Response
	collectErr   error
	collectResp  *provider.Response
	calls        []provider.Request
}

func newFakeRail(name string, prefixes ...string) *fakeRail {
	return &fakeRail{name: name, prefixes: prefixes}
}

func (f *fakeRail) Name() string { return f.name }

func (f *fakeRail) NormalizePhone(phone string) (string, error) {
	return provider.NormalizeZambian(f.name, phone, f.prefixes...)
}

func (f *fakeRail) record(req provider.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
}

func (f *fakeRail) InitiateCollection(_ context.Context, req provider.Request) (*provider.Response, error) {
	f.record(req)
	if f.collectErr != nil {
		return nil, f.collectErr
	}
	if f.collectResp != nil {
		return f.collectResp, nil
	}
	return &provider.Response{ExternalID: "ext-" + req.Reference, Status: model.PaymentProcessing}, nil
}

func (f *fakeRail) InitiateDisbursement(_ context.Context, req provider.Request) (*provider.Response, error) {
	f.record(req)
	if f.disburseErr != nil {
		return nil, f.disburseErr
	}
	if f.disburseResp != nil {
		return f.disburseResp, nil
	}
	return &provider.Response{ExternalID: "ext-" + req.Reference, Status: model.PaymentProcessing}, nil
}

func (f *fakeRail) CheckCollectionStatus(context.Context, string) (*provider.Response, error) {
	return &provider.Response{Status: model.PaymentProcessing}, nil
}

func (f *fakeRail) CheckDisbursementStatus(context.Context, string) (*provider.Response, error) {
	return &provider.Response{Status: model.PaymentProcessing}, nil
}

func (f *fakeRail) MapStatus(code string) model.PaymentStatus { return model.PaymentStatus(code) }

func (f *fakeRail) VerifyCallback(body []byte, signature string) error {
	return provider.VerifySignature(callbackSecret, true, body, signature)
}

func (f *fakeRail) ParseCallback(body []byte) (*provider.Callback, error) {
	var cb struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, err
	}
	return &provider.Callback{Reference: cb.Reference, ExternalID: "fin-" + cb.Reference, Status: model.PaymentStatus(cb.Status)}, nil
}

func (f *fakeRail) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type env struct {
	st     *store.MemoryStore
	svc    *payments.Service
	mtn    *fakeRail
	router chi.Router
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	mtn := newFakeRail("mtn", "96", "76")
	airtel := newFakeRail("airtel", "97", "77")
	settler := settlement.NewService(st)
	svc := payments.NewService(st, provider.NewRegistry(mtn, airtel), settler, payments.DefaultConfig())
	h := payments.NewHandler(svc, idempotency.NewMemoryGuard(time.Minute, time.Hour), nil, nil, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(nil, ""))
		h.Routes(r)
	})
	h.WebhookRoutes(r)
	return &env{st: st, svc: svc, mtn: mtn, router: r}
}

func (e *env) credit(t *testing.T, userID string, amount decimal.Decimal) {
	t.Helper()
	require.NoError(t, e.st.InTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.AdjustBalance(context.Background(), userID, amount)
		return err
	}))
}

func (e *env) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	a, err := e.st.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return a.Balance
}

func (e *env) post(t *testing.T, path, userID, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(auth.DevUserHeader, userID)
	}
	if key != "" {
		req.Header.Set(idempotency.HeaderKey, key)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) webhook(t *testing.T, rail string, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+rail, bytes.NewReader(body))
	req.Header.Set(provider.SignatureHeader, sig)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodePayment(t *testing.T, w *httptest.ResponseRecorder) payments.Response {
	t.Helper()
	var resp payments.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func withdrawal(amount string) map[string]string {
	return map[string]string{"amount": amount, "phone_number": "0961234567", "provider": "mtn"}
}

func TestFee(t *testing.T) {
	svc := payments.NewService(nil, provider.NewRegistry(), nil, payments.DefaultConfig())
	cases := []struct{ amount, fee string }{
		{"1000", "15"},
		{"100", "5"},
		{"10", "5"},
		{"400", "6"},
		{"10000", "150"},
		{"1234.56", "18.52"},
	}
	for _, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			assert.Equal(t, d(tc.fee).StringFixed(2), svc.Fee(d(tc.amount)).StringFixed(2))
		})
	}
}

func TestWithdraw_Accepted(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "alice", d("1200"))

	w := e.post(t, "/api/v1/withdrawals", "alice", "wd-key-1", withdrawal("1000"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decodePayment(t, w)
	assert.Equal(t, model.PaymentProcessing, resp.Status)
	assert.True(t, resp.FeeAmount.Equal(d("15")))
	assert.True(t, resp.NetAmount.Equal(d("985")))
	assert.Equal(t, "/api/v1/payments/"+resp.PaymentID, w.Header().Get("Location"))

	assert.True(t, e.balance(t, "alice").Equal(d("200")))
	require.Equal(t, 1, e.mtn.callCount())
	assert.True(t, e.mtn.calls[0].Amount.Equal(d("985")))
	assert.Equal(t, "260961234567", e.mtn.calls[0].Phone)

	p, err := e.st.GetPayment(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "ext-"+p.ExternalRef, p.ExternalID)

	revenue, err := e.st.ListRevenue(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	require.Len(t, revenue, 1)
	assert.True(t, revenue[0].Amount.Equal(d("15")))
}

func TestWithdraw_ReplayDoesNotDebitTwice(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "alice", d("2500"))

	first := e.post(t, "/api/v1/withdrawals", "alice", "same-key", withdrawal("1000"))
	require.Equal(t, http.StatusAccepted, first.Code)
	second := e.post(t, "/api/v1/withdrawals", "alice", "same-key", withdrawal("1000"))
	require.Equal(t, http.StatusAccepted, second.Code)

	assert.Equal(t, "true", second.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, e.mtn.callCount())
	assert.True(t, e.balance(t, "alice").Equal(d("1500")))
}

func TestWithdraw_RequiresIdempotencyKey(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "alice", d("100"))
	w := e.post(t, "/api/v1/withdrawals", "alice", "", withdrawal("50"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, e.mtn.callCount())
}

// Withdraw K1000 at 1.5%: the rail rejects it, the full K1000 returns and
// the K15 fee is reversed.
func TestWithdraw_ProviderRejectionCompensates(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "bob", d("1000"))
	e.mtn.disburseErr = &provider.Error{Provider: "mtn", Kind: provider.KindRejected, Code: "400", Message: "payee not allowed"}

	w := e.post(t, "/api/v1/withdrawals", "bob", "wd-key", withdrawal("1000"))
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "false", w.Header().Get(apperr.HeaderMoneyMoved))

	var body struct {
		Code       string `json:"code"`
		MoneyMoved bool   `json:"money_moved"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "PROVIDER_ERROR", body.Code)
	assert.False(t, body.MoneyMoved)

	assert.True(t, e.balance(t, "bob").Equal(d("1000")))

	txns, err := e.st.ListUserTransactions(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, model.TxFailed, txns[0].Status)

	revenue, err := e.st.ListRevenue(context.Background(), txns[0].PaymentID)
	require.NoError(t, err)
	require.Len(t, revenue, 2)
	assert.True(t, revenue[0].Amount.Equal(d("15")))
	assert.True(t, revenue[1].Amount.Equal(d("-15")))

	// The key was released, so the client may retry it.
	e.mtn.disburseErr = nil
	w = e.post(t, "/api/v1/withdrawals", "bob", "wd-key", withdrawal("1000"))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestWithdraw_AmbiguousErrorAwaitsReconciliation(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "carol", d("500"))
	e.mtn.disburseErr = &provider.Error{Provider: "mtn", Kind: provider.KindTransport, Message: "timeout"}

	w := e.post(t, "/api/v1/withdrawals", "carol", "k", withdrawal("100"))
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decodePayment(t, w)
	assert.Equal(t, model.PaymentProcessing, resp.Status)
	assert.True(t, e.balance(t, "carol").Equal(d("400")))

	p, err := e.st.GetPayment(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.False(t, p.Settled())
}

// A rejection that arrives on a retry after a gateway error may hide a
// payout the rail already made, so the debit stands until a status check.
func TestWithdraw_UncertainRejectionIsNotRefunded(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "cleo", d("500"))
	e.mtn.disburseErr = &provider.Error{
		Provider: "mtn", Kind: provider.KindRejected, Code: "DP00800001",
		Message: "Duplicate transaction id", Uncertain: true,
	}

	w := e.post(t, "/api/v1/withdrawals", "cleo", "k", withdrawal("100"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "true", w.Header().Get(apperr.HeaderMoneyMoved))
	resp := decodePayment(t, w)
	assert.Equal(t, model.PaymentProcessing, resp.Status)
	assert.True(t, e.balance(t, "cleo").Equal(d("400")))

	p, err := e.st.GetPayment(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.False(t, p.Settled())

	revenue, err := e.st.ListRevenue(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.Len(t, revenue, 1)
}

func TestWithdraw_FailedAtInitiationReportsNoMoneyMoved(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "dora", d("1000"))
	e.mtn.disburseResp = &provider.Response{ExternalID: "fin-x", Status: model.PaymentFailed, Message: "payee barred"}

	w := e.post(t, "/api/v1/withdrawals", "dora", "k", withdrawal("1000"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, w.Header().Get(apperr.HeaderMoneyMoved))
	assert.Equal(t, model.PaymentFailed, decodePayment(t, w).Status)
	assert.True(t, e.balance(t, "dora").Equal(d("1000")))
}

func TestWithdraw_ImmediateCompletion(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "dan", d("300"))
	e.mtn.disburseResp = &provider.Response{ExternalID: "fin-now", Status: model.PaymentCompleted}

	w := e.post(t, "/api/v1/withdrawals", "dan", "k", withdrawal("100"))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodePayment(t, w)
	assert.Equal(t, model.PaymentCompleted, resp.Status)
	assert.Equal(t, "true", w.Header().Get(apperr.HeaderMoneyMoved))

	p, err := e.st.GetPayment(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.True(t, p.Settled())
	assert.Equal(t, "fin-now", p.ExternalID)
}

func TestWithdraw_Rejections(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "erin", d("100"))

	cases := []struct {
		name   string
		body   map[string]string
		status int
	}{
		{"below minimum", withdrawal("5"), http.StatusBadRequest},
		{"above maximum", withdrawal("60000"), http.StatusBadRequest},
		{"too precise", withdrawal("20.555"), http.StatusBadRequest},
		{"unknown provider", map[string]string{"amount": "20", "phone_number": "0961234567", "provider": "zamtel"}, http.StatusBadRequest},
		{"wrong network", map[string]string{"amount": "20", "phone_number": "0971234567", "provider": "mtn"}, http.StatusBadRequest},
		{"missing phone", map[string]string{"amount": "20", "provider": "mtn"}, http.StatusBadRequest},
		{"insufficient funds", withdrawal("500"), http.StatusPaymentRequired},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.post(t, "/api/v1/withdrawals", "erin", "key-"+string(rune('a'+i)), tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, 0, e.mtn.callCount())
	assert.True(t, e.balance(t, "erin").Equal(d("100")))
}

func TestDeposit_SettledByWebhook(t *testing.T) {
	e := newEnv(t)

	w := e.post(t, "/api/v1/deposits", "fay", "", map[string]string{"amount": "250", "phone_number": "+260 96 1234567", "provider": "mtn"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decodePayment(t, w)
	assert.Equal(t, model.PaymentProcessing, resp.Status)
	assert.True(t, e.balance(t, "fay").IsZero())

	p, err := e.st.GetPayment(context.Background(), resp.PaymentID)
	require.NoError(t, err)

	body := []byte(`{"reference":"` + p.ExternalRef + `","status":"COMPLETED"}`)

	bad := e.webhook(t, "mtn", body, provider.Sign("wrong", body))
	assert.Equal(t, http.StatusUnauthorized, bad.Code)
	assert.True(t, e.balance(t, "fay").IsZero())

	for i := 0; i < 2; i++ {
		ok := e.webhook(t, "mtn", body, provider.Sign(callbackSecret, body))
		assert.Equal(t, http.StatusOK, ok.Code)
	}
	assert.True(t, e.balance(t, "fay").Equal(d("250")))

	p, err = e.st.GetPayment(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, p.Status)
	assert.True(t, p.CallbackReceived)
}

func TestWebhook_NonTerminalCallbackKeepsPaymentPollable(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "ivan", d("200"))
	w := e.post(t, "/api/v1/withdrawals", "ivan", "k", withdrawal("100"))
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decodePayment(t, w).PaymentID

	p, err := e.st.GetPayment(context.Background(), id)
	require.NoError(t, err)
	body := []byte(`{"reference":"` + p.ExternalRef + `","status":"PROCESSING"}`)
	require.Equal(t, http.StatusOK, e.webhook(t, "mtn", body, provider.Sign(callbackSecret, body)).Code)

	p, err = e.st.GetPayment(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, p.CallbackReceived)

	pollable, err := e.st.ListPollablePayments(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pollable, 1)
	assert.Equal(t, id, pollable[0].ID)
}

func TestDeposit_RejectedAtInitiation(t *testing.T) {
	e := newEnv(t)
	e.mtn.collectErr = &provider.Error{Provider: "mtn", Kind: provider.KindRejected, Code: "400", Message: "invalid payer"}

	w := e.post(t, "/api/v1/deposits", "gus", "", map[string]string{"amount": "50", "phone_number": "0961234567", "provider": "mtn"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.True(t, e.balance(t, "gus").IsZero())
}

func TestWebhook_UnknownProviderAndPayment(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"reference":"nope","status":"COMPLETED"}`)

	w := e.webhook(t, "zamtel", body, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.webhook(t, "mtn", body, provider.Sign(callbackSecret, body))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetPayment_OwnerOnly(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "hana", d("100"))
	w := e.post(t, "/api/v1/withdrawals", "hana", "k", withdrawal("50"))
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decodePayment(t, w).PaymentID

	get := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/"+id, nil)
		req.Header.Set(auth.DevUserHeader, userID)
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		return rec
	}

	own := get("hana")
	require.Equal(t, http.StatusOK, own.Code)
	resp := decodePayment(t, own)
	assert.Equal(t, model.PaymentWithdrawal, resp.Type)
	assert.True(t, resp.NetAmount.Equal(d("45")))

	assert.Equal(t, http.StatusNotFound, get("mallory").Code)
}
