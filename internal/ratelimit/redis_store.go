package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/playbaseball/gatekeeper/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// tokenBucketLua runs the same refill-then-consume step as the memory store,
// atomically on the Redis server. The key's PEXPIRE is refreshed on every
// touch, so Redis itself evicts idle buckets.
//
// KEYS[1] = bucket key
// ARGV[1] = capacity, ARGV[2] = refill rate (tokens/us),
// ARGV[3] = eviction ttl (ms), ARGV[4] = now (us).
// Returns 1 when a token was taken, 0 otherwise.
const tokenBucketLua = `
local key      = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate     = tonumber(ARGV[2])
local ttl      = tonumber(ARGV[3])
local now      = tonumber(ARGV[4])

local vals   = redis.call('hmget', key, 'tokens', 'last')
local tokens = tonumber(vals[1])
local last   = tonumber(vals[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

if now > last then
  tokens = tokens + (now - last) * rate
  last = now
end
if tokens > capacity then
  tokens = capacity
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('hset', key, 'tokens', tokens, 'last', last)
redis.call('pexpire', key, ttl)
return allowed
`

var tokenBucketScript = goredis.NewScript(tokenBucketLua)

// RedisStore shares buckets between gateway instances through Redis. Every
// call is bounded by its timeout; an error or timeout is reported to the
// caller, which must fail closed.
type RedisStore struct {
	client  redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
	now     func() time.Time
	limits  atomic.Pointer[Limits]
	closed  atomic.Bool
}

// NewRedisStore returns a store that keeps bucket hashes at prefix+key.
func NewRedisStore(client redis.Client, lim Limits, prefix string, timeout time.Duration, logger *slog.Logger) (*RedisStore, error) {
	if err := lim.Validate(); err != nil {
		return nil, err
	}
	s := &RedisStore{
		client:  client,
		logger:  logger,
		prefix:  prefix,
		timeout: timeout,
		now:     time.Now,
	}
	s.limits.Store(&lim)
	return s, nil
}

// expiryMillis rounds ttl up to whole milliseconds. PEXPIRE with 0 deletes
// the key, which would hand every caller a full bucket.
func expiryMillis(ttl time.Duration) int64 {
	ms := (ttl + time.Millisecond - 1) / time.Millisecond
	return max(1, int64(ms))
}

// TryConsume implements Store.
func (s *RedisStore) TryConsume(ctx context.Context, key Key) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	lim := s.limits.Load()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys := []string{s.prefix + key.String()}
	args := []any{
		lim.Capacity,
		lim.RefillRatePerSecond / 1e6,
		expiryMillis(lim.EvictionTTL),
		s.now().UnixMicro(),
	}

	cmd := s.client.EvalSha(ctx, tokenBucketScript.Hash(), keys, args...)
	if err := cmd.Err(); err != nil && redis.IsNoScriptErr(err) {
		s.logger.Debug("token bucket script not cached, loading", "key", keys[0])
		cmd = s.client.Eval(ctx, tokenBucketLua, keys, args...)
	}
	if err := cmd.Err(); err != nil {
		return false, fmt.Errorf("redis token bucket: %w", err)
	}

	allowed, err := toInt64(cmd.Val())
	if err != nil {
		return false, fmt.Errorf("redis token bucket reply: %w", err)
	}
	return allowed == 1, nil
}

// SetLimits implements Store.
func (s *RedisStore) SetLimits(lim Limits) {
	s.limits.Store(&lim)
}

// Close implements Store. The client is owned by the caller and left open.
func (s *RedisStore) Close() error {
	s.closed.Store(true)
	return nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}
