// Package airtel implements the Airtel Money rail for Zambia.
package airtel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/predict-engine/internal/config"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/provider"
)

const Name = "airtel"

// Network prefixes served by Airtel Zambia.
var prefixes = []string{"97", "77"}

// Adapter talks to the Airtel Africa open API.
type Adapter struct {
	cfg        config.ProviderConfig
	production bool
	client     *provider.HTTPClient
	token      *provider.TokenCache
	logger     *slog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates the adapter. now may be nil.
func New(cfg config.ProviderConfig, production bool, now func() time.Time, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Country == "" {
		cfg.Country = "ZM"
	}
	if cfg.Currency == "" {
		cfg.Currency = "ZMW"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	a := &Adapter{
		cfg:        cfg,
		production: production,
		client:     provider.NewHTTPClient(Name, cfg.Timeout, cfg.RatePerSecond, cfg.MaxRetries, logger),
		logger:     logger.With("provider", Name),
	}
	a.token = provider.NewTokenCache(a.fetchToken, now)
	return a
}

// HTTPClient exposes the underlying client for tuning.
func (a *Adapter) HTTPClient() *provider.HTTPClient { return a.client }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) NormalizePhone(phone string) (string, error) {
	return provider.NormalizeZambian(Name, phone, prefixes...)
}

// --- Wire types ---

// flexInt accepts 180 or "180".
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   flexInt `json:"expires_in"`
	TokenType   string  `json:"token_type"`
}

type apiStatus struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	ResultCode string `json:"result_code"`
	Success    bool   `json:"success"`
}

type transaction struct {
	ID            string `json:"id"`
	AirtelMoneyID string `json:"airtel_money_id"`
	ReferenceID   string `json:"reference_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

type envelope struct {
	Data struct {
		Transaction transaction `json:"transaction"`
	} `json:"data"`
	Status apiStatus `json:"status"`
}

type subscriber struct {
	Country  string `json:"country,omitempty"`
	Currency string `json:"currency,omitempty"`
	MSISDN   string `json:"msisdn"`
}

type collectionBody struct {
	Reference   string     `json:"reference"`
	Subscriber  subscriber `json:"subscriber"`
	Transaction struct {
		Amount   string `json:"amount"`
		Country  string `json:"country"`
		Currency string `json:"currency"`
		ID       string `json:"id"`
	} `json:"transaction"`
}

type disbursementBody struct {
	Payee struct {
		MSISDN     string `json:"msisdn"`
		WalletType string `json:"wallet_type"`
	} `json:"payee"`
	Reference   string `json:"reference"`
	Transaction struct {
		Amount string `json:"amount"`
		ID     string `json:"id"`
		Type   string `json:"type"`
	} `json:"transaction"`
}

type callbackBody struct {
	Transaction struct {
		ID            string `json:"id"`
		Message       string `json:"message"`
		StatusCode    string `json:"status_code"`
		AirtelMoneyID string `json:"airtel_money_id"`
	} `json:"transaction"`
}

// --- Auth ---

func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	if a.cfg.BaseURL == "" || a.cfg.ClientID == "" || a.cfg.ClientSecret == "" {
		return "", 0, &provider.Error{Provider: Name, Kind: provider.KindConfig, Message: "base_url, client_id and client_secret are required"}
	}
	var tr tokenResponse
	_, err := a.client.Do(ctx, provider.Call{
		Op:     "token",
		Method: http.MethodPost,
		URL:    a.cfg.BaseURL + "/auth/oauth2/token",
		Body: tokenRequest{
			ClientID:     a.cfg.ClientID,
			ClientSecret: a.cfg.ClientSecret,
			GrantType:    "client_credentials",
		},
		Retry: true,
	}, &tr)
	if err != nil {
		if pe, ok := provider.AsError(err); ok && pe.Kind != provider.KindTransport {
			pe.Kind = provider.KindAuth
		}
		return "", 0, err
	}
	if tr.AccessToken == "" {
		return "", 0, &provider.Error{Provider: Name, Kind: provider.KindAuth, Message: "empty access token"}
	}
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}

// do runs an authenticated call, refreshing the token once on 401. A
// rejection that follows an attempt the rail may have acted on is marked
// Uncertain.
func (a *Adapter) do(ctx context.Context, call provider.Call, out *envelope) error {
	uncertain := false
	for attempt := 0; ; attempt++ {
		tok, err := a.token.Token(ctx)
		if err != nil {
			return err
		}
		call.Header = http.Header{}
		call.Header.Set("Authorization", "Bearer "+tok)
		call.Header.Set("X-Country", a.cfg.Country)
		call.Header.Set("X-Currency", a.cfg.Currency)

		res, err := a.client.Send(ctx, call, out)
		uncertain = uncertain || res.Uncertain
		if pe, ok := provider.AsError(err); ok && pe.Kind == provider.KindAuth && attempt == 0 {
			a.token.Invalidate()
			continue
		}
		if pe, ok := provider.AsError(err); ok && uncertain {
			pe.Uncertain = true
		}
		if err != nil {
			return err
		}
		if out != nil && out.Status.Code != "" && !out.Status.Success {
			return &provider.Error{
				Provider:  Name,
				Kind:      provider.KindRejected,
				Code:      out.Status.ResultCode,
				Message:   out.Status.Message,
				Uncertain: uncertain,
			}
		}
		return nil
	}
}

// --- Operations ---

func (a *Adapter) InitiateCollection(ctx context.Context, req provider.Request) (*provider.Response, error) {
	var body collectionBody
	body.Reference = note(req)
	body.Subscriber = subscriber{Country: a.cfg.Country, Currency: a.cfg.Currency, MSISDN: provider.NationalNumber(req.Phone)}
	body.Transaction.Amount = req.Amount.StringFixed(2)
	body.Transaction.Country = a.cfg.Country
	body.Transaction.Currency = a.cfg.Currency
	body.Transaction.ID = req.Reference

	var env envelope
	if err := a.do(ctx, provider.Call{
		Op:     "collect",
		Method: http.MethodPost,
		URL:    a.cfg.BaseURL + "/merchant/v1/payments/",
		Body:   body,
		// Airtel rejects a repeated transaction id.
		Retry: true,
	}, &env); err != nil {
		return a.accepted(req.Reference, err)
	}
	return a.response(env, req.Reference), nil
}

func (a *Adapter) InitiateDisbursement(ctx context.Context, req provider.Request) (*provider.Response, error) {
	var body disbursementBody
	body.Payee.MSISDN = provider.NationalNumber(req.Phone)
	body.Payee.WalletType = "NORMAL"
	body.Reference = note(req)
	body.Transaction.Amount = req.Amount.StringFixed(2)
	body.Transaction.ID = req.Reference
	body.Transaction.Type = "B2C"

	var env envelope
	if err := a.do(ctx, provider.Call{
		Op:     "disburse",
		Method: http.MethodPost,
		URL:    a.cfg.BaseURL + "/standard/v1/disbursements/",
		Body:   body,
		Retry:  true,
	}, &env); err != nil {
		return a.accepted(req.Reference, err)
	}
	return a.response(env, req.Reference), nil
}

// accepted turns Airtel's duplicate transaction id rejection into an
// in-progress response: the rail already holds a transaction under our
// reference, so only a status check can tell how it ended.
func (a *Adapter) accepted(reference string, err error) (*provider.Response, error) {
	if !isDuplicate(err) {
		return nil, err
	}
	a.logger.Warn("transaction id already known to airtel", "reference", reference, "err", err)
	return &provider.Response{
		ExternalID: reference,
		Status:     model.PaymentProcessing,
		Message:    "already submitted",
	}, nil
}

func isDuplicate(err error) bool {
	pe, ok := provider.AsError(err)
	if !ok || pe.Kind != provider.KindRejected {
		return false
	}
	return strings.Contains(strings.ToLower(pe.Message), "duplicate")
}

func (a *Adapter) CheckCollectionStatus(ctx context.Context, reference string) (*provider.Response, error) {
	return a.status(ctx, "collect_status", "/standard/v1/payments/"+reference, reference)
}

func (a *Adapter) CheckDisbursementStatus(ctx context.Context, reference string) (*provider.Response, error) {
	return a.status(ctx, "disburse_status", "/standard/v1/disbursements/"+reference, reference)
}

func (a *Adapter) status(ctx context.Context, op, path, reference string) (*provider.Response, error) {
	var env envelope
	if err := a.do(ctx, provider.Call{
		Op:     op,
		Method: http.MethodGet,
		URL:    a.cfg.BaseURL + path,
		Retry:  true,
	}, &env); err != nil {
		return nil, err
	}
	return a.response(env, reference), nil
}

func (a *Adapter) response(env envelope, reference string) *provider.Response {
	t := env.Data.Transaction
	ext := t.AirtelMoneyID
	if ext == "" {
		ext = t.ReferenceID
	}
	if ext == "" {
		ext = reference
	}
	msg := t.Message
	if msg == "" {
		msg = env.Status.Message
	}
	return &provider.Response{
		ExternalID: ext,
		Status:     a.MapStatus(t.Status),
		Code:       t.Status,
		Message:    msg,
	}
}

// MapStatus maps Airtel transaction states: TS success, TF failed,
// TE expired, TA/TIP in progress.
func (a *Adapter) MapStatus(code string) model.PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "TS":
		return model.PaymentCompleted
	case "TF", "TE":
		return model.PaymentFailed
	case "TA", "TIP":
		return model.PaymentProcessing
	default:
		return model.PaymentProcessing
	}
}

// --- Callbacks ---

func (a *Adapter) VerifyCallback(body []byte, signature string) error {
	return provider.VerifySignature(a.cfg.CallbackSecret, a.production, body, signature)
}

func (a *Adapter) ParseCallback(body []byte) (*provider.Callback, error) {
	var cb callbackBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("airtel: parse callback: %w", err)
	}
	if cb.Transaction.ID == "" {
		return nil, errors.New("airtel: callback missing transaction id")
	}
	return &provider.Callback{
		Reference:  cb.Transaction.ID,
		ExternalID: cb.Transaction.AirtelMoneyID,
		Code:       cb.Transaction.StatusCode,
		Status:     a.MapStatus(cb.Transaction.StatusCode),
		Message:    cb.Transaction.Message,
	}, nil
}

func note(req provider.Request) string {
	if req.Note != "" {
		return req.Note
	}
	return req.Reference
}
