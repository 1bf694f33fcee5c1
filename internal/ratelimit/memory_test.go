package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestMemoryStore(t *testing.T, lim Limits, opts ...MemoryOption) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s, err := NewMemoryStore(lim, append([]MemoryOption{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func consume(t *testing.T, s Store, k Key) bool {
	t.Helper()
	ok, err := s.TryConsume(context.Background(), k)
	require.NoError(t, err)
	return ok
}

func TestMemoryStoreFixedWindow(t *testing.T) {
	s, clock := newTestMemoryStore(t, Limits{Capacity: 5, RefillRatePerSecond: 0, EvictionTTL: time.Hour})
	k := Anonymous("a")

	for i := range 5 {
		assert.True(t, consume(t, s, k), "request %d", i+1)
	}
	assert.False(t, consume(t, s, k))

	clock.Advance(30 * time.Minute)
	assert.False(t, consume(t, s, k), "no refill means no recovery")
}

func TestMemoryStoreRefill(t *testing.T) {
	s, clock := newTestMemoryStore(t, Limits{Capacity: 1, RefillRatePerSecond: 1, EvictionTTL: time.Minute})
	k := Member("7")

	assert.True(t, consume(t, s, k))
	assert.False(t, consume(t, s, k))

	clock.Advance(500 * time.Millisecond)
	assert.False(t, consume(t, s, k), "half a token is not enough")

	clock.Advance(500 * time.Millisecond)
	assert.True(t, consume(t, s, k))
	assert.False(t, consume(t, s, k))
}

func TestMemoryStoreRefillIsCapped(t *testing.T) {
	s, clock := newTestMemoryStore(t, Limits{Capacity: 3, RefillRatePerSecond: 10, EvictionTTL: time.Hour})
	k := Member("7")

	assert.True(t, consume(t, s, k))
	clock.Advance(10 * time.Minute)

	allowed := 0
	for range 10 {
		if consume(t, s, k) {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestMemoryStoreKeysAreIsolated(t *testing.T) {
	s, _ := newTestMemoryStore(t, Limits{Capacity: 2, EvictionTTL: time.Hour})

	assert.True(t, consume(t, s, Member("1")))
	assert.True(t, consume(t, s, Member("1")))
	assert.False(t, consume(t, s, Member("1")))

	assert.True(t, consume(t, s, Member("2")))
	assert.True(t, consume(t, s, Anonymous("1")), "same id, different kind")
	assert.Equal(t, 3, s.Len())
}

func TestMemoryStoreClockRegression(t *testing.T) {
	s, clock := newTestMemoryStore(t, Limits{Capacity: 2, RefillRatePerSecond: 1, EvictionTTL: time.Hour})
	k := Member("7")

	assert.True(t, consume(t, s, k))
	assert.True(t, consume(t, s, k))

	clock.Advance(-time.Hour)
	assert.False(t, consume(t, s, k))

	// Returning to the original instant adds nothing either.
	clock.Advance(time.Hour)
	assert.False(t, consume(t, s, k))

	clock.Advance(time.Second)
	assert.True(t, consume(t, s, k))
}

func TestMemoryStoreEviction(t *testing.T) {
	var evicted, active atomic.Int64
	s, clock := newTestMemoryStore(t, Limits{Capacity: 1, EvictionTTL: time.Minute},
		WithSweepHook(func(e, a int) {
			evicted.Add(int64(e))
			active.Store(int64(a))
		}))
	k := Anonymous("idle")

	assert.True(t, consume(t, s, k))
	assert.False(t, consume(t, s, k))

	clock.Advance(59 * time.Second)
	assert.Equal(t, 0, s.Sweep())
	assert.False(t, consume(t, s, k), "touch refreshes last access")

	clock.Advance(61 * time.Second)
	assert.True(t, consume(t, s, Anonymous("fresh")))
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())

	assert.True(t, consume(t, s, k), "an evicted key starts full again")

	t.Run("background sweeper reports through the hook", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s.StartSweeper(ctx, 5*time.Millisecond)

		assert.Eventually(t, func() bool {
			return evicted.Load() == 2 && active.Load() == 0
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, s.Len())
	})
}

func TestMemoryStoreMaxKeys(t *testing.T) {
	s, clock := newTestMemoryStore(t, Limits{Capacity: 1, EvictionTTL: time.Minute}, WithMaxKeys(2))

	assert.True(t, consume(t, s, Anonymous("a")))
	assert.True(t, consume(t, s, Anonymous("b")))

	_, err := s.TryConsume(context.Background(), Anonymous("c"))
	require.ErrorIs(t, err, ErrStoreFull)

	// Existing keys still decide normally.
	assert.False(t, consume(t, s, Anonymous("a")))

	// Once idle buckets are swept there is room again.
	clock.Advance(2 * time.Minute)
	s.Sweep()
	assert.True(t, consume(t, s, Anonymous("c")))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStoreClosed(t *testing.T) {
	s, _ := newTestMemoryStore(t, Limits{Capacity: 1, EvictionTTL: time.Minute})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.TryConsume(context.Background(), Member("1"))
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestMemoryStoreSetLimits(t *testing.T) {
	s, clock := newTestMemoryStore(t, Limits{Capacity: 10, RefillRatePerSecond: 0, EvictionTTL: time.Hour})
	k := Member("7")
	assert.True(t, consume(t, s, k))

	s.SetLimits(Limits{Capacity: 2, RefillRatePerSecond: 1, EvictionTTL: time.Hour})
	assert.Equal(t, int64(2), s.Limits().Capacity)

	// Nine remaining tokens are clamped to the new capacity on touch.
	assert.True(t, consume(t, s, k))
	assert.True(t, consume(t, s, k))
	assert.False(t, consume(t, s, k))

	clock.Advance(time.Second)
	assert.True(t, consume(t, s, k))
}

func TestNewMemoryStoreRejectsBadLimits(t *testing.T) {
	_, err := NewMemoryStore(Limits{Capacity: 0, EvictionTTL: time.Minute})
	assert.Error(t, err)
	_, err = NewMemoryStore(Limits{Capacity: 1, RefillRatePerSecond: -1, EvictionTTL: time.Minute})
	assert.Error(t, err)
	_, err = NewMemoryStore(Limits{Capacity: 1})
	assert.Error(t, err)
}

func TestMemoryStoreConcurrentAdmitsExactlyCapacity(t *testing.T) {
	const capacity = 50
	s, _ := newTestMemoryStore(t, Limits{Capacity: capacity, EvictionTTL: time.Hour})
	k := Member("hot")

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryConsume(context.Background(), k)
			if err == nil && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(capacity), admitted.Load())
}

func TestMemoryStoreConcurrentSweepNeverLosesDecisions(t *testing.T) {
	s, clock := newTestMemoryStore(t, Limits{Capacity: 1, EvictionTTL: time.Nanosecond})

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			clock.Advance(time.Millisecond)
			s.Sweep()
		}
	}()

	for i := range 500 {
		_, err := s.TryConsume(context.Background(), Anonymous(fmt.Sprintf("k%d", i%7)))
		require.NoError(t, err)
	}
	cancel()
	wg.Wait()

	assert.GreaterOrEqual(t, s.Len(), 0)
	assert.LessOrEqual(t, s.Len(), 7)
}

func TestMemoryStoreTokensStayInRange(t *testing.T) {
	lim := Limits{Capacity: 4, RefillRatePerSecond: 3, EvictionTTL: time.Hour}
	s, clock := newTestMemoryStore(t, lim)
	k := Member("rand")
	rng := rand.New(rand.NewPCG(1, 2))

	for range 2000 {
		switch rng.IntN(3) {
		case 0:
			clock.Advance(time.Duration(rng.IntN(1500)) * time.Millisecond)
		case 1:
			clock.Advance(-time.Duration(rng.IntN(200)) * time.Millisecond)
		}
		consume(t, s, k)

		b, err := s.lookup(k, &lim)
		require.NoError(t, err)
		b.mu.Lock()
		tokens := b.tokens
		b.mu.Unlock()
		require.GreaterOrEqual(t, tokens, 0.0)
		require.LessOrEqual(t, tokens, float64(lim.Capacity))
	}
}
