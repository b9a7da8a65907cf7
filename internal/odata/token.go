package odata

import (
	"sync"
	"time"
)

// expiryBuffer is subtracted from the token lifetime so a token nearing
// expiry is never handed to an in-flight request.
const expiryBuffer = 5 * time.Minute

// TokenCache holds a bearer token and its absolute expiry. Access is
// mutex-guarded so a client may be shared across goroutines.
type TokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time

	now func() time.Time // injectable for tests
}

// NewTokenCache creates an empty token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{now: time.Now}
}

// Get returns the cached token if it is still valid. A token within the
// expiry buffer is treated as expired.
func (c *TokenCache) Get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" || c.expiresAt.IsZero() {
		return "", false
	}
	if !c.now().Before(c.expiresAt.Add(-expiryBuffer)) {
		return "", false
	}
	return c.token, true
}

// Set caches a token with its lifetime in seconds.
func (c *TokenCache) Set(token string, expiresIn int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiresAt = c.now().Add(time.Duration(expiresIn) * time.Second)
}

// Clear drops the cached token. Called on 401 responses and consumer resets.
func (c *TokenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiresAt = time.Time{}
}
