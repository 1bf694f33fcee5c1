package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
	// evicted is set under mu by a sweep that removed the bucket from its
	// shard. A consumer that sees it must look the key up again.
	evicted bool
}

// take refills by elapsed time, then consumes one token if available.
// A clock that moved backwards adds nothing and leaves lastRefill alone.
func (b *bucket) take(now time.Time, lim *Limits) bool {
	if now.After(b.lastRefill) {
		b.tokens += now.Sub(b.lastRefill).Seconds() * lim.RefillRatePerSecond
		b.lastRefill = now
	}
	if capacity := float64(lim.Capacity); b.tokens > capacity {
		b.tokens = capacity
	}
	if now.After(b.lastAccess) {
		b.lastAccess = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

type shard struct {
	mu      sync.RWMutex
	buckets map[Key]*bucket
}

// MemoryStore keeps buckets in a sharded map. A shard's lock only guards
// its map; the refill arithmetic runs under the bucket's own mutex, so
// unrelated keys never contend.
type MemoryStore struct {
	shards  [shardCount]shard
	limits  atomic.Pointer[Limits]
	now     func() time.Time
	maxKeys int64
	count   atomic.Int64
	closed  atomic.Bool
	onSweep func(evicted, active int)

	stopOnce sync.Once
	stop     chan struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithMaxKeys caps the number of live buckets. 0 means unbounded.
func WithMaxKeys(n int) MemoryOption {
	return func(s *MemoryStore) { s.maxKeys = int64(n) }
}

// WithSweepHook is called after every background sweep.
func WithSweepHook(fn func(evicted, active int)) MemoryOption {
	return func(s *MemoryStore) { s.onSweep = fn }
}

// NewMemoryStore returns an empty store using lim.
func NewMemoryStore(lim Limits, opts ...MemoryOption) (*MemoryStore, error) {
	if err := lim.Validate(); err != nil {
		return nil, err
	}
	s := &MemoryStore{now: time.Now, stop: make(chan struct{})}
	for i := range s.shards {
		s.shards[i].buckets = make(map[Key]*bucket)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limits.Store(&lim)
	return s, nil
}

func (s *MemoryStore) shardFor(key Key) *shard {
	h := xxhash.Sum64String(key.ID) + uint64(key.Kind)
	return &s.shards[h%shardCount]
}

// TryConsume implements Store. It never blocks on I/O.
func (s *MemoryStore) TryConsume(_ context.Context, key Key) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	lim := s.limits.Load()

	for {
		b, err := s.lookup(key, lim)
		if err != nil {
			return false, err
		}
		b.mu.Lock()
		if b.evicted {
			b.mu.Unlock()
			continue
		}
		allowed := b.take(s.now(), lim)
		b.mu.Unlock()
		return allowed, nil
	}
}

// lookup returns key's bucket, creating it full when absent.
func (s *MemoryStore) lookup(key Key, lim *Limits) (*bucket, error) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	b := sh.buckets[key]
	sh.mu.RUnlock()
	if b != nil {
		return b, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if b = sh.buckets[key]; b != nil {
		return b, nil
	}

	if !s.reserve() {
		s.count.Add(-int64(s.sweepShardLocked(sh, s.now(), lim.EvictionTTL)))
		if !s.reserve() {
			return nil, ErrStoreFull
		}
	}

	now := s.now()
	b = &bucket{tokens: float64(lim.Capacity), lastRefill: now, lastAccess: now}
	sh.buckets[key] = b
	return b, nil
}

// reserve claims room for one more bucket.
func (s *MemoryStore) reserve() bool {
	n := s.count.Add(1)
	if s.maxKeys > 0 && n > s.maxKeys {
		s.count.Add(-1)
		return false
	}
	return true
}

// sweepShardLocked evicts idle buckets from sh, whose write lock the caller
// holds, and returns how many were removed.
func (s *MemoryStore) sweepShardLocked(sh *shard, now time.Time, ttl time.Duration) int {
	evicted := 0
	for key, b := range sh.buckets {
		b.mu.Lock()
		if now.Sub(b.lastAccess) > ttl {
			b.evicted = true
			delete(sh.buckets, key)
			evicted++
		}
		b.mu.Unlock()
	}
	return evicted
}

// Sweep removes every bucket idle for longer than the eviction TTL and
// returns the number removed.
func (s *MemoryStore) Sweep() int {
	ttl := s.limits.Load().EvictionTTL
	now := s.now()
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n := s.sweepShardLocked(sh, now, ttl)
		sh.mu.Unlock()
		total += n
	}
	s.count.Add(-int64(total))
	return total
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	return int(s.count.Load())
}

// SetLimits implements Store.
func (s *MemoryStore) SetLimits(lim Limits) {
	s.limits.Store(&lim)
}

// Limits returns the parameters currently in force.
func (s *MemoryStore) Limits() Limits {
	return *s.limits.Load()
}

// StartSweeper runs Sweep every interval until ctx is done or the store is
// closed.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				evicted := s.Sweep()
				if s.onSweep != nil {
					s.onSweep(evicted, s.Len())
				}
			}
		}
	}()
}

// Close stops the sweeper. Later TryConsume calls return ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
