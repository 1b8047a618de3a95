package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrInvalidSignature means the callback signature did not match.
	ErrInvalidSignature = errors.New("provider: invalid callback signature")

	// ErrMissingSecret means no callback secret is configured in
	// production.
	ErrMissingSecret = errors.New("provider: callback secret not configured")
)

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback signature over the raw body in
// constant time. An optional "sha256=" prefix is accepted. With no secret
// configured, verification is skipped outside production and fails in
// production.
func VerifySignature(secret string, production bool, body []byte, signature string) error {
	if secret == "" {
		if production {
			return ErrMissingSecret
		}
		return nil
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
