package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces limiter state away from anything else in the Redis
// instance; the limiter only ever guards the enqueue surface.
const keyPrefix = "enqueue_rl:"

// TokenBucket is a distributed per-caller token bucket over Redis, guarding
// the enqueue API so one user's burst cannot starve everyone else's job
// submissions. Scheduling coordination never goes through Redis; only this
// producer-side guard does.
type TokenBucket struct {
	client       *redis.Client
	capacity     int
	refillPerSec float64
	ttl          time.Duration
}

// NewTokenBucket constructs a bucket with the given burst capacity and
// refill rate. ttl bounds how long an inactive caller's state lingers.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSec float64, ttl time.Duration) *TokenBucket {
	if refillPerSec <= 0 {
		refillPerSec = 1
	}
	return &TokenBucket{
		client:       client,
		capacity:     capacity,
		refillPerSec: refillPerSec,
		ttl:          ttl,
	}
}

// Allow consumes one token for the caller if available. When the enqueue is
// rejected, retryAfter is how long until the next token refills; the API
// surfaces it as a Retry-After header. The refill and take run in one Lua
// script so concurrent callers observe a consistent bucket.
func (b *TokenBucket) Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error) {
	res, err := enqueueBucketScript.Run(ctx, b.client, []string{keyPrefix + key},
		b.capacity, b.refillPerSec/1000.0, time.Now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("run enqueue bucket script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected enqueue bucket result: %T", res)
	}
	granted, _ := arr[0].(int64)
	waitMs, _ := arr[1].(int64)
	return granted == 1, time.Duration(waitMs) * time.Millisecond, nil
}

// Returns {allowed, wait_ms}. wait_ms is zero when allowed, otherwise the
// time until one full token has refilled.
var enqueueBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tk', 'ts')
local tokens = tonumber(state[1])
local stamp = tonumber(state[2])
if tokens == nil then tokens = capacity end
if stamp == nil then stamp = now end

local elapsed = now - stamp
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * refill_per_ms)
end

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait_ms = math.ceil((1 - tokens) / refill_per_ms)
end

redis.call('HMSET', KEYS[1], 'tk', tokens, 'ts', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, wait_ms}
`)
