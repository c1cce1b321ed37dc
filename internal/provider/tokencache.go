package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// TokenFetcher obtains a fresh access token and its lifetime.
type TokenFetcher func(ctx context.Context) (token string, ttl time.Duration, err error)

type cachedToken struct {
	value   string
	expires time.Time
}

// TokenCache holds one shared access token. Readers check expiry without
// locking; refreshes are serialised and re-check expiry under the lock so
// concurrent senders trigger a single fetch.
type TokenCache struct {
	fetch  TokenFetcher
	maxAge time.Duration
	now    func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[cachedToken]
	fetches atomic.Int64
}

// NewTokenCache creates a TokenCache. maxAge caps the lifetime reported by
// the platform; zero keeps the reported lifetime.
func NewTokenCache(fetch TokenFetcher, maxAge time.Duration) *TokenCache {
	return &TokenCache{fetch: fetch, maxAge: maxAge, now: time.Now}
}

// Token returns a valid token, fetching one if needed.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok := c.current.Load(); tok != nil && c.now().Before(tok.expires) {
		return tok.value, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if tok := c.current.Load(); tok != nil && c.now().Before(tok.expires) {
		return tok.value, nil
	}

	type fetched struct {
		value string
		ttl   time.Duration
	}
	result, err := backoff.Retry(ctx, func() (fetched, error) {
		value, ttl, err := c.fetch(ctx)
		if err != nil {
			return fetched{}, err
		}
		return fetched{value: value, ttl: ttl}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	c.fetches.Add(1)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}

	ttl := result.ttl
	if c.maxAge > 0 && (ttl <= 0 || ttl > c.maxAge) {
		ttl = c.maxAge
	}
	c.current.Store(&cachedToken{value: result.value, expires: c.now().Add(ttl)})
	return result.value, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (c *TokenCache) Invalidate() {
	c.current.Store(nil)
}

// Fetches returns how many refreshes have run.
func (c *TokenCache) Fetches() int64 {
	return c.fetches.Load()
}
