package airtel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/predict-engine/internal/config"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/provider"
)

type fakeAirtel struct {
	tokens       atomic.Int32
	disbursement disbursementBody
	collection   collectionBody
	txStatus     string
	success      bool
	// resultCode and statusMessage override the rejection envelope.
	resultCode    string
	statusMessage string
	// gatewayErrors answers that many disbursement posts with 502 first.
	gatewayErrors atomic.Int32
	disbursements atomic.Int32
}

func (f *fakeAirtel) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ClientID != "cid" || req.ClientSecret != "csecret" || req.GrantType != "client_credentials" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.tokens.Add(1)
		// Airtel sends expires_in as a string.
		w.Write([]byte(`{"access_token":"tok","expires_in":"180","token_type":"bearer"}`))
	})
	reply := func(w http.ResponseWriter) {
		code, result, msg := "200", "ESB000010", "msg"
		if !f.success {
			code, result = "400", "ESB000001"
			if f.resultCode != "" {
				result = f.resultCode
			}
			if f.statusMessage != "" {
				msg = f.statusMessage
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"transaction": map[string]any{
				"id": "ref", "airtel_money_id": "AM-1", "status": f.txStatus, "message": "ok",
			}},
			"status": map[string]any{"code": code, "message": msg, "result_code": result, "success": f.success},
		})
	}
	mux.HandleFunc("POST /standard/v1/disbursements/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "ZM", r.Header.Get("X-Country"))
		assert.Equal(t, "ZMW", r.Header.Get("X-Currency"))
		f.disbursements.Add(1)
		json.NewDecoder(r.Body).Decode(&f.disbursement)
		if f.gatewayErrors.Add(-1) >= 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		reply(w)
	})
	mux.HandleFunc("POST /merchant/v1/payments/", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&f.collection)
		reply(w)
	})
	mux.HandleFunc("GET /standard/v1/disbursements/{ref}", func(w http.ResponseWriter, _ *http.Request) { reply(w) })
	mux.HandleFunc("GET /standard/v1/payments/{ref}", func(w http.ResponseWriter, _ *http.Request) { reply(w) })
	return mux
}

func newAdapter(t *testing.T, f *fakeAirtel) *Adapter {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	a := New(config.ProviderConfig{
		BaseURL:        srv.URL,
		ClientID:       "cid",
		ClientSecret:   "csecret",
		CallbackSecret: "cb",
		RatePerSecond:  1000,
		Timeout:        time.Second,
		MaxRetries:     2,
	}, false, nil, nil)
	a.HTTPClient().SetRetryWait(time.Millisecond)
	return a
}

func TestNormalizePhone(t *testing.T) {
	a := New(config.ProviderConfig{}, false, nil, nil)
	got, err := a.NormalizePhone("+260 77 1234567")
	require.NoError(t, err)
	assert.Equal(t, "260771234567", got)

	_, err = a.NormalizePhone("0961234567")
	var pe *provider.PhoneError
	assert.ErrorAs(t, err, &pe)
}

func TestInitiateDisbursement(t *testing.T) {
	f := &fakeAirtel{txStatus: "TIP", success: true}
	a := newAdapter(t, f)

	resp, err := a.InitiateDisbursement(context.Background(), provider.Request{
		Reference: "ref-1", Amount: decimal.RequireFromString("98.5"), Phone: "260971234567",
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentProcessing, resp.Status)
	assert.Equal(t, "AM-1", resp.ExternalID)

	assert.Equal(t, "971234567", f.disbursement.Payee.MSISDN)
	assert.Equal(t, "98.50", f.disbursement.Transaction.Amount)
	assert.Equal(t, "ref-1", f.disbursement.Transaction.ID)
	assert.Equal(t, int32(1), f.tokens.Load())
}

func TestInitiateDisbursement_ImmediateSuccess(t *testing.T) {
	f := &fakeAirtel{txStatus: "TS", success: true}
	a := newAdapter(t, f)

	resp, err := a.InitiateDisbursement(context.Background(), provider.Request{
		Reference: "ref-1", Amount: decimal.NewFromInt(10), Phone: "260971234567",
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, resp.Status)
}

func TestInitiateCollection_Rejected(t *testing.T) {
	f := &fakeAirtel{txStatus: "TF", success: false}
	a := newAdapter(t, f)

	_, err := a.InitiateCollection(context.Background(), provider.Request{
		Reference: "dep-1", Amount: decimal.NewFromInt(10), Phone: "260771234567",
	})
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	assert.Equal(t, provider.KindRejected, pe.Kind)
	assert.Equal(t, "ESB000001", pe.Code)
	assert.False(t, pe.Ambiguous())
	assert.Equal(t, "771234567", f.collection.Subscriber.MSISDN)
}

// A retry after a 502 that Airtel had already accepted comes back as a
// duplicate transaction id. The payout is in flight, not rejected.
func TestInitiateDisbursement_DuplicateAfterGatewayError(t *testing.T) {
	f := &fakeAirtel{success: false, resultCode: "DP00800001", statusMessage: "Duplicate transaction id"}
	f.gatewayErrors.Store(1)
	a := newAdapter(t, f)

	resp, err := a.InitiateDisbursement(context.Background(), provider.Request{
		Reference: "ref-dup", Amount: decimal.NewFromInt(50), Phone: "260971234567",
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentProcessing, resp.Status)
	assert.Equal(t, "ref-dup", resp.ExternalID)
	assert.Equal(t, int32(2), f.disbursements.Load())
}

func TestInitiateDisbursement_RejectionAfterGatewayErrorIsAmbiguous(t *testing.T) {
	f := &fakeAirtel{success: false, resultCode: "DP00800001", statusMessage: "Insufficient float"}
	f.gatewayErrors.Store(1)
	a := newAdapter(t, f)

	_, err := a.InitiateDisbursement(context.Background(), provider.Request{
		Reference: "ref-2", Amount: decimal.NewFromInt(50), Phone: "260971234567",
	})
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	assert.Equal(t, provider.KindRejected, pe.Kind)
	assert.True(t, pe.Uncertain)
	assert.True(t, pe.Ambiguous())
	assert.Equal(t, int32(2), f.disbursements.Load())
}

func TestCheckStatus(t *testing.T) {
	f := &fakeAirtel{txStatus: "TF", success: true}
	a := newAdapter(t, f)

	resp, err := a.CheckDisbursementStatus(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, resp.Status)

	f.txStatus = "TS"
	resp, err = a.CheckCollectionStatus(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, resp.Status)
}

func TestMapStatus(t *testing.T) {
	a := New(config.ProviderConfig{}, false, nil, nil)
	assert.Equal(t, model.PaymentCompleted, a.MapStatus("TS"))
	assert.Equal(t, model.PaymentFailed, a.MapStatus("TF"))
	assert.Equal(t, model.PaymentFailed, a.MapStatus("TE"))
	assert.Equal(t, model.PaymentProcessing, a.MapStatus("TIP"))
	assert.Equal(t, model.PaymentProcessing, a.MapStatus("TA"))
}

func TestCallback(t *testing.T) {
	a := New(config.ProviderConfig{}, false, nil, nil)
	body := []byte(`{"transaction":{"id":"ref-7","message":"Paid","status_code":"TS","airtel_money_id":"AM-7"}}`)

	// No secret outside production: accepted.
	require.NoError(t, a.VerifyCallback(body, ""))

	cb, err := a.ParseCallback(body)
	require.NoError(t, err)
	assert.Equal(t, "ref-7", cb.Reference)
	assert.Equal(t, "AM-7", cb.ExternalID)
	assert.Equal(t, model.PaymentCompleted, cb.Status)

	prod := New(config.ProviderConfig{}, true, nil, nil)
	assert.ErrorIs(t, prod.VerifyCallback(body, ""), provider.ErrMissingSecret)
}
