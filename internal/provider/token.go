package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenRefreshMargin is how long before expiry a cached token is replaced.
const TokenRefreshMargin = 60 * time.Second

// TokenFetcher obtains a fresh bearer token and its lifetime.
type TokenFetcher func(ctx context.Context) (token string, ttl time.Duration, err error)

// TokenCache holds one adapter's client-credentials token. Concurrent
// callers that find it stale share a single refresh.
type TokenCache struct {
	fetch TokenFetcher
	now   func() time.Time
	group singleflight.Group

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewTokenCache creates a cache. now may be nil.
func NewTokenCache(fetch TokenFetcher, now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{fetch: fetch, now: now}
}

// Token returns a cached token, refreshing it within TokenRefreshMargin
// of expiry.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		tok, ttl, err := c.fetch(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = tok
		c.expiry = c.now().Add(ttl)
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, e.g. after a 401.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiry = time.Time{}
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || !c.now().Before(c.expiry.Add(-TokenRefreshMargin)) {
		return "", false
	}
	return c.token, true
}
