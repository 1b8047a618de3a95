// Package apperr defines the error taxonomy surfaced at the HTTP boundary.
//
// Every failure returned to a client carries a machine-readable code and a
// money_moved flag so callers know whether a retry is safe.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an error for status mapping.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindRateLimited       Kind = "rate_limited"
	KindDuplicateRequest  Kind = "duplicate_request"
	KindProvider          Kind = "provider"
	KindTimeout           Kind = "timeout"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindUnauthorized      Kind = "unauthorized"
	KindInternal          Kind = "internal"
)

// Header names used on error responses.
const (
	HeaderMoneyMoved = "X-Money-Moved"
	HeaderRetryAfter = "Retry-After"
)

// Error is a classified application error.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	MoneyMoved bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDuplicateRequest, KindConflict:
		return http.StatusConflict
	case KindProvider:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func newErr(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

func Validation(msg string) *Error {
	return newErr(KindValidation, "VALIDATION_ERROR", msg, nil)
}

func InsufficientFunds(msg string) *Error {
	return newErr(KindInsufficientFunds, "INSUFFICIENT_FUNDS", msg, nil)
}

func RateLimited(retryAfter time.Duration) *Error {
	e := newErr(KindRateLimited, "RATE_LIMIT_EXCEEDED", "too many requests", nil)
	e.RetryAfter = retryAfter
	return e
}

func DuplicateRequest() *Error {
	return newErr(KindDuplicateRequest, "DUPLICATE_REQUEST", "a request with this idempotency key is already in progress", nil)
}

// Provider wraps a payment rail failure. moneyMoved reports whether any
// ledger mutation survived the failure.
func Provider(msg string, moneyMoved bool, err error) *Error {
	e := newErr(KindProvider, "PROVIDER_ERROR", msg, err)
	e.MoneyMoved = moneyMoved
	return e
}

func Timeout(msg string) *Error {
	return newErr(KindTimeout, "TIMEOUT", msg, nil)
}

func NotFound(msg string) *Error {
	return newErr(KindNotFound, "NOT_FOUND", msg, nil)
}

func Conflict(msg string) *Error {
	return newErr(KindConflict, "CONFLICT", msg, nil)
}

func Unauthorized(msg string) *Error {
	return newErr(KindUnauthorized, "UNAUTHORIZED", msg, nil)
}

func Internal(err error) *Error {
	return newErr(KindInternal, "INTERNAL_ERROR", "internal error", err)
}

// From converts any error into an *Error, defaulting to internal.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

type body struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	MoneyMoved bool   `json:"money_moved"`
}

// Write renders err as a JSON error response.
func Write(w http.ResponseWriter, err error) {
	ae := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderMoneyMoved, strconv.FormatBool(ae.MoneyMoved))
	if ae.Kind == KindRateLimited && ae.RetryAfter > 0 {
		secs := int(ae.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set(HeaderRetryAfter, strconv.Itoa(secs))
	}
	w.WriteHeader(ae.HTTPStatus())
	json.NewEncoder(w).Encode(body{Code: ae.Code, Message: ae.Message, MoneyMoved: ae.MoneyMoved})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
