package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"time"
)

// DefaultVerifierTTL bounds how long a PKCE verifier waits for its
// authorization code to come back from the browser flow.
const DefaultVerifierTTL = 5 * time.Minute

// VerifierCache is the short-lived store for PKCE code verifiers, keyed by
// the opaque state value of the authorization request. An entry is consumed
// exactly once: loading it removes it.
type VerifierCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]verifierEntry

	now func() time.Time // test hook
}

type verifierEntry struct {
	verifier string
	expires  time.Time
}

// NewVerifierCache builds a cache with the given entry TTL; ttl <= 0 uses
// DefaultVerifierTTL.
func NewVerifierCache(ttl time.Duration) *VerifierCache {
	if ttl <= 0 {
		ttl = DefaultVerifierTTL
	}
	return &VerifierCache{
		ttl:     ttl,
		entries: make(map[string]verifierEntry),
		now:     time.Now,
	}
}

// Put stores verifier under state, replacing any previous entry.
func (c *VerifierCache) Put(state, verifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeLocked()
	c.entries[state] = verifierEntry{
		verifier: verifier,
		expires:  c.now().Add(c.ttl),
	}
}

// Consume removes and returns the verifier for state. The second return is
// false when the entry is absent, already consumed, or expired.
func (c *VerifierCache) Consume(state string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeLocked()
	e, ok := c.entries[state]
	if !ok {
		return "", false
	}
	delete(c.entries, state)
	return e.verifier, true
}

func (c *VerifierCache) purgeLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

// NewVerifier generates a fresh PKCE code verifier (43 chars base64url).
func NewVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ChallengeS256 derives the S256 code challenge for a verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
