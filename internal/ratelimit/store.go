// Package ratelimit resolves callers to rate-limit keys and enforces a
// per-key token bucket, either in process memory or in Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/playbaseball/gatekeeper/internal/config"
)

var (
	// ErrStoreClosed is returned by TryConsume after Close.
	ErrStoreClosed = errors.New("bucket store is closed")
	// ErrStoreFull is returned when a new key would exceed max_keys.
	ErrStoreFull = errors.New("bucket store is full")
)

const (
	minEvictionTTL      = time.Minute
	noRefillEvictionTTL = 10 * time.Minute
)

// Store decides, atomically per key, whether one more request fits.
type Store interface {
	// TryConsume takes one token from key's bucket and reports whether it
	// was available. A non-nil error means no decision was reached.
	TryConsume(ctx context.Context, key Key) (bool, error)
	// SetLimits replaces the bucket parameters. Existing buckets adopt them
	// on their next touch.
	SetLimits(l Limits)
	Close() error
}

// Limits are the token-bucket parameters shared by every key.
type Limits struct {
	Capacity            int64
	RefillRatePerSecond float64
	EvictionTTL         time.Duration
}

// Validate checks that l describes a usable bucket.
func (l Limits) Validate() error {
	if l.Capacity < 1 {
		return fmt.Errorf("capacity must be >= 1, got %d", l.Capacity)
	}
	if l.RefillRatePerSecond < 0 || math.IsNaN(l.RefillRatePerSecond) || math.IsInf(l.RefillRatePerSecond, 0) {
		return fmt.Errorf("refill rate must be a finite value >= 0, got %v", l.RefillRatePerSecond)
	}
	if l.EvictionTTL <= 0 {
		return fmt.Errorf("eviction ttl must be > 0, got %s", l.EvictionTTL)
	}
	return nil
}

// RefillTime is how long an empty bucket takes to fill. Zero when there is
// no refill.
func (l Limits) RefillTime() time.Duration {
	if l.RefillRatePerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(l.Capacity) / l.RefillRatePerSecond * float64(time.Second))
}

// DefaultEvictionTTL is twice the refill time, at least one minute, or ten
// minutes when the bucket never refills.
func DefaultEvictionTTL(capacity int64, refillRatePerSecond float64) time.Duration {
	if refillRatePerSecond <= 0 {
		return noRefillEvictionTTL
	}
	ttl := 2 * Limits{Capacity: capacity, RefillRatePerSecond: refillRatePerSecond}.RefillTime()
	if ttl < minEvictionTTL {
		return minEvictionTTL
	}
	return ttl
}

// LimitsFromConfig derives Limits from configuration. An eviction TTL
// shorter than twice the refill time is accepted with a warning: such
// buckets can be evicted before they are full again, which resets a
// caller to full capacity early.
func LimitsFromConfig(cfg config.RateLimitConfig, logger *slog.Logger) (Limits, error) {
	l := Limits{
		Capacity:            cfg.Capacity,
		RefillRatePerSecond: cfg.RefillRatePerSecond,
	}

	ttl, err := config.ParseDuration(cfg.EvictionTTL, 0)
	if err != nil {
		return Limits{}, fmt.Errorf("invalid eviction_ttl: %w", err)
	}
	if ttl == 0 {
		ttl = DefaultEvictionTTL(l.Capacity, l.RefillRatePerSecond)
	} else if floor := 2 * l.RefillTime(); ttl < floor && logger != nil {
		logger.Warn("rate_limit.eviction_ttl is shorter than twice the refill time; idle callers may regain full capacity early",
			"eviction_ttl", ttl, "recommended_min", floor)
	}
	l.EvictionTTL = ttl

	if err := l.Validate(); err != nil {
		return Limits{}, err
	}
	return l, nil
}
