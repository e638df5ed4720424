package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

// bucketScript refills, checks and persists a bucket in one atomic step.
// KEYS[1] bucket; ARGV capacity, refill/s, now ms, ttl ms.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * refill)

local allowed = 0
local retry = 0
if tokens < 1 then
  if refill > 0 then
    retry = math.ceil((1 - tokens) / refill * 1000)
  else
    retry = ttl
  end
else
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, retry}
`)

// RedisLimiter shares buckets across every process using the same Redis.
type RedisLimiter struct {
	rdb redis.Scripter
	now func() time.Time
}

func NewRedisLimiter(rdb redis.Scripter, now func() time.Time) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{rdb: rdb, now: now}
}

func (l *RedisLimiter) TryConsume(ctx context.Context, key string, capacity, refillPerSec float64) (core.Decision, error) {
	ttl := bucketTTL(capacity, refillPerSec)
	res, err := bucketScript.Run(ctx, l.rdb, []string{key},
		capacity, refillPerSec, l.now().UnixMilli(), ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return core.Decision{}, fmt.Errorf("%w: rate bucket %s: %v", domain.ErrStoreUnavailable, key, err)
	}
	if len(res) != 2 {
		return core.Decision{}, fmt.Errorf("%w: rate bucket %s: unexpected reply %v", domain.ErrStoreUnavailable, key, res)
	}
	return core.Decision{Allowed: res[0] == 1, RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}
