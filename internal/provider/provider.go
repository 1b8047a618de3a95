// Package provider defines the contract every mobile-money rail implements
// and the pieces the rails share: token caching, callback signature checks
// and a rate-limited HTTP client.
//
// Provider calls never run inside a store transaction.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of a callback body.
const SignatureHeader = "X-Callback-Signature"

// Request is one collection or disbursement.
type Request struct {
	// Reference is our id for the operation, echoed back in callbacks and
	// used for status checks.
	Reference string
	Amount    decimal.Decimal
	Phone     string // normalized by the rail
	Note      string
}

// Response is a rail's view of an operation.
type Response struct {
	ExternalID string
	Status     model.PaymentStatus
	Code       string
	Message    string
}

// Callback is a parsed inbound notification.
type Callback struct {
	Reference  string
	ExternalID string
	Code       string
	Status     model.PaymentStatus
	Message    string
}

// Adapter is one mobile-money rail.
type Adapter interface {
	Name() string
	NormalizePhone(phone string) (string, error)
	InitiateCollection(ctx context.Context, req Request) (*Response, error)
	InitiateDisbursement(ctx context.Context, req Request) (*Response, error)
	CheckCollectionStatus(ctx context.Context, reference string) (*Response, error)
	CheckDisbursementStatus(ctx context.Context, reference string) (*Response, error)
	MapStatus(code string) model.PaymentStatus
	VerifyCallback(body []byte, signature string) error
	ParseCallback(body []byte) (*Callback, error)
}

// CheckStatus asks the rail about a payment of either direction.
func CheckStatus(ctx context.Context, a Adapter, typ model.PaymentType, reference string) (*Response, error) {
	if typ == model.PaymentWithdrawal {
		return a.CheckDisbursementStatus(ctx, reference)
	}
	return a.CheckCollectionStatus(ctx, reference)
}

// --- Errors ---

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindConfig    ErrorKind = "config"
	KindAuth      ErrorKind = "auth"
	KindRejected  ErrorKind = "rejected"
	KindTransport ErrorKind = "transport"
)

// Error is a typed provider failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Code     string
	Message  string
	Err      error
	// Uncertain is set when an earlier attempt of the same call may have
	// been acted on, so even a definite-looking failure proves nothing.
	Uncertain bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s error", e.Provider, e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Ambiguous reports whether the rail may have acted on the request even
// though the call failed.
func (e *Error) Ambiguous() bool {
	return e.Kind == KindTransport || e.Uncertain
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}

// PhoneError reports a phone number the rail cannot serve.
type PhoneError struct {
	Provider string
	Phone    string
	Reason   string
}

func (e *PhoneError) Error() string {
	return fmt.Sprintf("%s: invalid phone number %q: %s", e.Provider, e.Phone, e.Reason)
}

// --- Registry ---

// ErrUnknownProvider is returned for names with no registered adapter.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Registry looks adapters up by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Name())] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return a, nil
}

// Names lists registered providers in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
