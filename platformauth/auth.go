// Package platformauth fetches and caches the platform bearer credential used by
// the viewer poller and the event-stream clients. The upstream never reports an
// expiry up front; validity is discovered empirically via 401-class failures, so
// the cache exposes an explicit invalidate-and-refetch path with a debounce
// window to absorb bursts of simultaneous auth failures.
package platformauth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Credential is a platform bearer token plus the auxiliary browser-challenge
// cookie some endpoints require.
type Credential struct {
	JWT              string
	BrowserChallenge string
	UserID           string
	ExpiresAt        time.Time
	Method           string // "page", "config", or "env"
}

// expiryMargin forces a refresh slightly before the (estimated) expiry.
const expiryMargin = 5 * time.Minute

// FetchFunc performs one underlying credential fetch.
type FetchFunc func(ctx context.Context) (Credential, error)

// Cache holds the process-wide credential. Concurrent Get callers share a
// single in-flight fetch; HandleAuthError debounces invalidate-and-refetch
// cycles triggered by nearly-simultaneous downstream failures.
type Cache struct {
	fetch    FetchFunc
	debounce time.Duration

	// onRefresh runs after every successful refresh, e.g. to reset the
	// viewer-polling backoff keys so polling resumes immediately.
	onRefresh func()

	group singleflight.Group

	mu            sync.Mutex
	cached        *Credential
	lastRefreshAt time.Time

	now func() time.Time
}

func NewCache(fetch FetchFunc, debounce time.Duration, onRefresh func()) *Cache {
	if debounce <= 0 {
		debounce = 10 * time.Second
	}
	return &Cache{
		fetch:     fetch,
		debounce:  debounce,
		onRefresh: onRefresh,
		now:       time.Now,
	}
}

// Get returns the cached credential or performs a fresh fetch. Concurrent
// callers await the same in-flight fetch rather than issuing duplicates.
func (c *Cache) Get(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	if c.valid() {
		cred := *c.cached
		c.mu.Unlock()
		return cred, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("auth", func() (any, error) {
		// Re-check under the lock: a racing caller may have completed a fetch
		// between our check and joining the flight.
		c.mu.Lock()
		if c.valid() {
			cred := *c.cached
			c.mu.Unlock()
			return cred, nil
		}
		c.mu.Unlock()

		cred, err := c.fetch(ctx)
		if err != nil {
			return Credential{}, err
		}
		c.mu.Lock()
		c.cached = &cred
		c.lastRefreshAt = c.now()
		c.mu.Unlock()
		slog.Info("platform credential acquired",
			slog.String("method", cred.Method),
			slog.Time("expires_at", cred.ExpiresAt),
			slog.String("component", "platformauth"))
		if c.onRefresh != nil {
			c.onRefresh()
		}
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Invalidate clears the cache. It does not itself refetch.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	slog.Info("platform credential invalidated", slog.String("component", "platformauth"))
}

// HandleAuthError is the path callers take after observing a 401-class failure
// downstream. Within the debounce window it returns the most recently fetched
// credential unchanged (the caller should simply retry its own connection);
// outside the window it invalidates and fetches a replacement.
func (c *Cache) HandleAuthError(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	if c.now().Sub(c.lastRefreshAt) < c.debounce {
		if c.cached != nil {
			cred := *c.cached
			c.mu.Unlock()
			slog.Debug("auth error debounced; reusing current credential",
				slog.String("component", "platformauth"))
			return cred, nil
		}
	}
	c.cached = nil
	c.mu.Unlock()
	return c.Get(ctx)
}

// Valid reports whether a usable cached credential exists.
func (c *Cache) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid()
}

// valid must be called with mu held.
func (c *Cache) valid() bool {
	if c.cached == nil {
		return false
	}
	if c.cached.ExpiresAt.IsZero() {
		return true
	}
	return c.cached.ExpiresAt.Add(-expiryMargin).After(c.now())
}
