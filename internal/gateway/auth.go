package gateway

import (
	"context"
	"sync"
	"time"
)

// refreshMargin is subtracted from a credential's reported expiry so a token
// is never used in its final seconds.
const refreshMargin = 60 * time.Second

// authCache holds one credential per client instance and refreshes it
// single-flight: the mutex is held across the fetch, so concurrent callers
// hitting an expired window block on the one in-flight refresh instead of
// issuing their own.
type authCache struct {
	mu    sync.Mutex
	cred  *Credential
	fetch func(ctx context.Context) (*Credential, error)
}

func newAuthCache(fetch func(ctx context.Context) (*Credential, error)) *authCache {
	return &authCache{fetch: fetch}
}

func (c *authCache) get(ctx context.Context) (*Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cred != nil && time.Until(c.cred.ExpiresAt) > refreshMargin {
		return c.cred, nil
	}

	cred, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cred = cred
	return cred, nil
}
