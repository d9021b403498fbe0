package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
}

// TokenBucket is a token bucket shared by every API process through Redis.
type TokenBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill. Keys are
// namespaced under prefix.
func NewTokenBucket(client redis.Scripter, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes a single token from the bucket named key if one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected allowed flag %T", key, res[0])
	}
	var remaining float64
	switch v := res[1].(type) {
	case int64:
		remaining = float64(v)
	case string:
		// fractional token counts come back as bulk strings
		_, _ = fmt.Sscanf(v, "%g", &remaining)
	}
	return Decision{Allowed: allowed == 1, Remaining: remaining}, nil
}

// Lua numbers are truncated to integers in replies, so the remaining count is
// returned as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
