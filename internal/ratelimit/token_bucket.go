package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// The bucket state lives in one hash: tokens as a decimal string so partial
// refills survive, and the last refill time in redis milliseconds. Lua
// numbers come back from redis as integers, so the script does the float
// math and returns whole values only.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  retry_ms = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, math.floor(tokens), retry_ms, now}
`

var (
	ErrBucketNotConfigured = errors.New("bucket_not_configured")
	ErrBucketKeyEmpty      = errors.New("bucket_key_empty")
	ErrInvalidLimit        = errors.New("invalid_limit")
)

// Limit is a refill rate in tokens per second and a bucket size.
type Limit struct {
	Rate  float64
	Burst int
}

func (l Limit) validate() error {
	if l.Rate <= 0 || math.IsNaN(l.Rate) || math.IsInf(l.Rate, 0) {
		return fmt.Errorf("%w: rate %v", ErrInvalidLimit, l.Rate)
	}
	if l.Burst <= 0 {
		return fmt.Errorf("%w: burst %d", ErrInvalidLimit, l.Burst)
	}
	return nil
}

// idleTTL keeps an untouched bucket for twice its full refill time. A bucket
// that expires is recreated full, which is the state it would have reached.
func (l Limit) idleTTL() time.Duration {
	full := time.Duration(float64(l.Burst) / l.Rate * float64(time.Second))
	return max(2*full.Round(time.Second), time.Second)
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// RetryAfterSeconds rounds RetryAfter up for the Retry-After header.
func (d *Decision) RetryAfterSeconds() int {
	if d == nil || d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// TokenBucket is a redis-side token bucket; refill and take happen in one script call.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Take consumes one token from the bucket at key.
func (t *TokenBucket) Take(ctx context.Context, key string, limit Limit) (*Decision, error) {
	if t == nil || t.client == nil {
		return nil, ErrBucketNotConfigured
	}
	if key == "" {
		return nil, ErrBucketKeyEmpty
	}
	if err := limit.validate(); err != nil {
		return nil, err
	}

	reply, err := t.script.Run(ctx, t.client, []string{key},
		limit.Rate, limit.Burst, limit.idleTTL().Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, err
	}
	return decisionFromReply(reply, limit)
}

func decisionFromReply(reply []int64, limit Limit) (*Decision, error) {
	if len(reply) != 4 {
		return nil, fmt.Errorf("token bucket: unexpected reply length %d", len(reply))
	}
	retryAfter := time.Duration(reply[2]) * time.Millisecond
	return &Decision{
		Allowed:    reply[0] == 1,
		Limit:      limit.Burst,
		Remaining:  int(reply[1]),
		RetryAfter: retryAfter,
		ResetAt:    time.UnixMilli(reply[3]).Add(retryAfter),
	}, nil
}
