package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	claimsCacheMaxItems = 100_000
	claimsCost          = 1
)

// CachingValidator memoizes successful validations so repeat requests with
// the same token skip signature verification. Entries live for at most
// min(ttl, token expiry); failures are never stored.
type CachingValidator struct {
	next  Validator
	ttl   time.Duration
	now   func() time.Time
	cache *ristretto.Cache[string, *Claims]
}

// NewCachingValidator wraps next with a cache of at most ttl per entry.
func NewCachingValidator(next Validator, ttl time.Duration, opts ...TokenOption) (*CachingValidator, error) {
	o := buildTokenOptions(opts)

	cache, err := ristretto.NewCache(&ristretto.Config[string, *Claims]{
		NumCounters: claimsCacheMaxItems * 10,
		MaxCost:     claimsCacheMaxItems * claimsCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create claims cache: %w", err)
	}

	return &CachingValidator{next: next, ttl: ttl, now: o.now, cache: cache}, nil
}

// Validate implements Validator.
func (c *CachingValidator) Validate(token string) (*Claims, error) {
	key := tokenDigest(token)
	now := c.now()

	if claims, ok := c.cache.Get(key); ok {
		if now.Before(claims.ExpiresAt) {
			return claims, nil
		}
		c.cache.Del(key)
	}

	claims, err := c.next.Validate(token)
	if err != nil {
		return nil, err
	}

	ttl := c.ttl
	if remaining := claims.ExpiresAt.Sub(now); remaining < ttl {
		ttl = remaining
	}
	if ttl > 0 {
		c.cache.SetWithTTL(key, claims, claimsCost, ttl)
	}
	return claims, nil
}

// Wait blocks until pending cache writes are visible.
func (c *CachingValidator) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *CachingValidator) Close() { c.cache.Close() }

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
