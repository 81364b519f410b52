package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "solforge:ratelimit:"

// takeScript refills and consumes one bucket atomically. Bucket state lives
// in a hash {tokens, ts}; ts is milliseconds supplied by the caller. ARGV[4]
// is the number of tokens to take (0 to only read).
var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local take = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if take > 0 and tokens >= take then
  tokens = tokens - take
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(now))
local ttl = 60000
if rate > 0 then
  ttl = math.ceil(capacity / rate * 1000) + 1000
end
redis.call('PEXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`)

// RedisStore shares token buckets between gateway instances through Redis.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Allow implements Store.
func (s *RedisStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	return s.take(ctx, key, capacity, refillRate, 1)
}

// Remaining implements Store.
func (s *RedisStore) Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error) {
	_, remaining, err := s.take(ctx, key, capacity, refillRate, 0)
	return remaining, err
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

// Close is a no-op; the client belongs to the caller.
func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) take(ctx context.Context, key string, capacity, refillRate, n float64) (bool, float64, error) {
	res, err := takeScript.Run(ctx, s.client, []string{redisKeyPrefix + key},
		capacity, refillRate, s.now().UnixMilli(), n).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: redis: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	str, _ := res[1].(string)
	remaining, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis: parse remaining %q: %w", str, err)
	}
	return allowed == 1, remaining, nil
}
