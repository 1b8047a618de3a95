// Package mtn implements the MTN Mobile Money (MoMo) rail for Zambia.
package mtn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/atmx/predict-engine/internal/config"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/provider"
)

const Name = "mtn"

// Network prefixes served by MTN Zambia.
var prefixes = []string{"96", "76"}

const (
	productCollection   = "collection"
	productDisbursement = "disbursement"
)

// Adapter talks to the MoMo Open API. Collections and disbursements are
// separate products with separate tokens.
type Adapter struct {
	cfg        config.ProviderConfig
	production bool
	client     *provider.HTTPClient
	tokens     map[string]*provider.TokenCache
	logger     *slog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates the adapter. now may be nil.
func New(cfg config.ProviderConfig, production bool, now func() time.Time, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Currency == "" {
		cfg.Currency = "ZMW"
	}
	if cfg.TargetEnv == "" {
		cfg.TargetEnv = "sandbox"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	a := &Adapter{
		cfg:        cfg,
		production: production,
		client:     provider.NewHTTPClient(Name, cfg.Timeout, cfg.RatePerSecond, cfg.MaxRetries, logger),
		logger:     logger.With("provider", Name),
	}
	a.tokens = map[string]*provider.TokenCache{
		productCollection:   provider.NewTokenCache(a.fetchToken(productCollection), now),
		productDisbursement: provider.NewTokenCache(a.fetchToken(productDisbursement), now),
	}
	return a
}

// HTTPClient exposes the underlying client for tuning.
func (a *Adapter) HTTPClient() *provider.HTTPClient { return a.client }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) NormalizePhone(phone string) (string, error) {
	return provider.NormalizeZambian(Name, phone, prefixes...)
}

// --- Wire types ---

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type party struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type transferBody struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExternalID   string `json:"externalId"`
	Payer        *party `json:"payer,omitempty"`
	Payee        *party `json:"payee,omitempty"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

// reason is an object in current API versions and a bare string in older
// ones.
type reason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r *reason) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		r.Code = s
		return nil
	}
	type plain reason
	return json.Unmarshal(b, (*plain)(r))
}

// statusBody is returned by status checks and posted to the callback URL.
type statusBody struct {
	FinancialTransactionID string  `json:"financialTransactionId"`
	ExternalID             string  `json:"externalId"`
	Amount                 string  `json:"amount"`
	Currency               string  `json:"currency"`
	Status                 string  `json:"status"`
	Reason                 *reason `json:"reason,omitempty"`
}

// --- Auth ---

func (a *Adapter) fetchToken(product string) provider.TokenFetcher {
	return func(ctx context.Context) (string, time.Duration, error) {
		if err := a.checkConfig(); err != nil {
			return "", 0, err
		}
		basic := base64.StdEncoding.EncodeToString([]byte(a.cfg.APIUser + ":" + a.cfg.APIKey))
		var tr tokenResponse
		_, err := a.client.Do(ctx, provider.Call{
			Op:     "token",
			Method: http.MethodPost,
			URL:    fmt.Sprintf("%s/%s/token/", a.cfg.BaseURL, product),
			Header: http.Header{
				"Authorization":             {"Basic " + basic},
				"Ocp-Apim-Subscription-Key": {a.cfg.SubscriptionKey},
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
}

func (a *Adapter) checkConfig() error {
	if a.cfg.BaseURL == "" || a.cfg.APIUser == "" || a.cfg.APIKey == "" || a.cfg.SubscriptionKey == "" {
		return &provider.Error{Provider: Name, Kind: provider.KindConfig, Message: "base_url, api_user, api_key and subscription_key are required"}
	}
	return nil
}

func (a *Adapter) headers(ctx context.Context, product string) (http.Header, error) {
	tok, err := a.tokens[product].Token(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	h.Set("X-Target-Environment", a.cfg.TargetEnv)
	h.Set("Ocp-Apim-Subscription-Key", a.cfg.SubscriptionKey)
	return h, nil
}

// do runs an authenticated call, refreshing the token once on 401.
func (a *Adapter) do(ctx context.Context, product string, call provider.Call, extra http.Header, out any) error {
	for attempt := 0; ; attempt++ {
		h, err := a.headers(ctx, product)
		if err != nil {
			return err
		}
		for k, vs := range extra {
			h[k] = vs
		}
		call.Header = h
		_, err = a.client.Do(ctx, call, out)
		pe, ok := provider.AsError(err)
		if ok && pe.Kind == provider.KindAuth && attempt == 0 {
			a.tokens[product].Invalidate()
			continue
		}
		return err
	}
}

// --- Operations ---

func (a *Adapter) InitiateCollection(ctx context.Context, req provider.Request) (*provider.Response, error) {
	return a.initiate(ctx, productCollection, "requesttopay", "collect", transferBody{
		Amount:       req.Amount.StringFixed(2),
		Currency:     a.cfg.Currency,
		ExternalID:   req.Reference,
		Payer:        &party{PartyIDType: "MSISDN", PartyID: req.Phone},
		PayerMessage: req.Note,
		PayeeNote:    req.Note,
	}, req.Reference)
}

func (a *Adapter) InitiateDisbursement(ctx context.Context, req provider.Request) (*provider.Response, error) {
	return a.initiate(ctx, productDisbursement, "transfer", "disburse", transferBody{
		Amount:       req.Amount.StringFixed(2),
		Currency:     a.cfg.Currency,
		ExternalID:   req.Reference,
		Payee:        &party{PartyIDType: "MSISDN", PartyID: req.Phone},
		PayerMessage: req.Note,
		PayeeNote:    req.Note,
	}, req.Reference)
}

// initiate posts a request keyed by X-Reference-Id. MoMo answers 202 with
// no body; the outcome arrives by callback or status check.
func (a *Adapter) initiate(ctx context.Context, product, path, op string, body transferBody, reference string) (*provider.Response, error) {
	extra := http.Header{}
	extra.Set("X-Reference-Id", reference)
	if a.cfg.CallbackURL != "" {
		extra.Set("X-Callback-Url", a.cfg.CallbackURL)
	}
	err := a.do(ctx, product, provider.Call{
		Op:     op,
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/%s/v1_0/%s", a.cfg.BaseURL, product, path),
		Body:   body,
		// MoMo rejects a reused X-Reference-Id, so a retry cannot pay twice.
		Retry: true,
	}, extra, nil)
	if pe, ok := provider.AsError(err); ok && pe.Kind == provider.KindRejected && pe.Code == "409" {
		// An earlier attempt with this reference was accepted.
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return &provider.Response{ExternalID: reference, Status: model.PaymentProcessing, Code: "PENDING"}, nil
}

func (a *Adapter) CheckCollectionStatus(ctx context.Context, reference string) (*provider.Response, error) {
	return a.status(ctx, productCollection, "requesttopay", "collect_status", reference)
}

func (a *Adapter) CheckDisbursementStatus(ctx context.Context, reference string) (*provider.Response, error) {
	return a.status(ctx, productDisbursement, "transfer", "disburse_status", reference)
}

func (a *Adapter) status(ctx context.Context, product, path, op, reference string) (*provider.Response, error) {
	var sb statusBody
	err := a.do(ctx, product, provider.Call{
		Op:     op,
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/%s/v1_0/%s/%s", a.cfg.BaseURL, product, path, reference),
		Retry:  true,
	}, nil, &sb)
	if err != nil {
		return nil, err
	}
	resp := &provider.Response{
		ExternalID: sb.FinancialTransactionID,
		Status:     a.MapStatus(sb.Status),
		Code:       sb.Status,
	}
	if sb.Reason != nil {
		resp.Message = strings.TrimSpace(sb.Reason.Code + " " + sb.Reason.Message)
	}
	return resp, nil
}

// MapStatus maps MoMo transaction states.
func (a *Adapter) MapStatus(code string) model.PaymentStatus {
	switch strings.ToUpper(code) {
	case "SUCCESSFUL":
		return model.PaymentCompleted
	case "FAILED", "REJECTED", "TIMEOUT", "EXPIRED":
		return model.PaymentFailed
	case "CANCELLED":
		return model.PaymentCancelled
	case "CREATED":
		return model.PaymentPending
	default:
		return model.PaymentProcessing
	}
}

// --- Callbacks ---

func (a *Adapter) VerifyCallback(body []byte, signature string) error {
	return provider.VerifySignature(a.cfg.CallbackSecret, a.production, body, signature)
}

func (a *Adapter) ParseCallback(body []byte) (*provider.Callback, error) {
	var sb statusBody
	if err := json.Unmarshal(body, &sb); err != nil {
		return nil, fmt.Errorf("mtn: parse callback: %w", err)
	}
	if sb.ExternalID == "" {
		return nil, errors.New("mtn: callback missing externalId")
	}
	cb := &provider.Callback{
		Reference:  sb.ExternalID,
		ExternalID: sb.FinancialTransactionID,
		Code:       sb.Status,
		Status:     a.MapStatus(sb.Status),
	}
	if sb.Reason != nil {
		cb.Message = strings.TrimSpace(sb.Reason.Code + " " + sb.Reason.Message)
	}
	return cb, nil
}
