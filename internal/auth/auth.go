// Package auth resolves the authenticated user id from an HS256 bearer token
// and guards internal routes with a shared secret.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atmx/predict-engine/internal/apperr"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// DevUserHeader carries the user id when no JWT secret is configured.
// Config validation forbids that mode in production.
const DevUserHeader = "X-User-ID"

type Claims struct {
	jwt.RegisteredClaims
}

type ctxKey struct{}

// WithUserID returns a context carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the authenticated user id, or "" if none.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func ParseJWT(tokenString string, secret []byte, issuer string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func ExtractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Middleware authenticates the bearer token and stores its subject as the
// user id. With an empty secret it trusts DevUserHeader instead.
func Middleware(secret []byte, issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				uid := r.Header.Get(DevUserHeader)
				if uid == "" {
					apperr.Write(w, apperr.Unauthorized("missing user"))
					return
				}
				next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), uid)))
				return
			}

			token := ExtractBearer(r.Header.Get("Authorization"))
			if token == "" {
				apperr.Write(w, apperr.Unauthorized("missing token"))
				return
			}
			claims, err := ParseJWT(token, secret, issuer)
			if err != nil {
				apperr.Write(w, apperr.Unauthorized("invalid token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claims.Subject)))
		})
	}
}

// RequireSecret admits requests whose bearer token equals secret. An empty
// secret rejects everything.
func RequireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !SecretMatches(secret, ExtractBearer(r.Header.Get("Authorization"))) {
				apperr.Write(w, apperr.Unauthorized("invalid credentials"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecretMatches compares in constant time.
func SecretMatches(secret, presented string) bool {
	if secret == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) == 1
}
