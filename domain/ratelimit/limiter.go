package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/trigger-pipeline/infrastructure/logging"
)

// slidingWindowScript sums the 60 one-minute buckets for a key prefix and,
// if the sum plus cost would exceed limit, rejects without mutating state;
// otherwise it increments the current bucket by cost and extends the key's
// TTL. KEYS[1] is the hash key (one hash per scope, fields are bucket
// indices); ARGV: current_bucket, window_buckets, limit, cost, ttl_seconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local current_bucket = tonumber(ARGV[1])
local window_buckets = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local sum = 0
for i = 0, window_buckets - 1 do
	local bucket = current_bucket - i
	local v = redis.call('HGET', key, tostring(bucket))
	if v then
		sum = sum + tonumber(v)
	end
end

if sum + cost > limit then
	return {0, sum}
end

redis.call('HINCRBY', key, tostring(current_bucket), cost)
redis.call('EXPIRE', key, ttl)
return {1, sum + cost}
`)

// Limiter is the Redis-backed sliding-window rate limiter.
type Limiter struct {
	redis  *redis.Client
	logger *logging.Logger
}

// New constructs a Limiter. A nil client makes every Check fail open.
func New(client *redis.Client, logger *logging.Logger) *Limiter {
	return &Limiter{redis: client, logger: logger}
}

func bucketKey(scope Scope, key string) string {
	return fmt.Sprintf("ratelimit:{%s:%s}", scope, key)
}

// Check performs an atomic check-and-increment for (scope, key) against
// limit, consuming cost units. On Redis failure it fails open: the request
// is allowed and Decision.Degraded is set so the caller can log it.
func (l *Limiter) Check(ctx context.Context, scope Scope, key string, limit, cost int) Decision {
	if l.redis == nil {
		return l.degradedAllow(limit, cost)
	}

	now := time.Now().UTC()
	currentBucket := now.Unix() / BucketSeconds

	res, err := slidingWindowScript.Run(ctx, l.redis, []string{bucketKey(scope, key)},
		currentBucket, BucketCount, limit, cost, int(KeyTTL.Seconds())).Result()
	if err != nil {
		if l.logger != nil {
			l.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"scope": string(scope),
			}).Warn("rate limiter backend unavailable, failing open")
		}
		return l.degradedAllow(limit, cost)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return l.degradedAllow(limit, cost)
	}
	allowed := toInt64(values[0]) == 1
	usage := int(toInt64(values[1]))

	resetAt := time.Unix(currentBucket*BucketSeconds+WindowSeconds, 0).UTC()

	if !allowed {
		return Decision{
			Allowed:      false,
			CurrentUsage: usage,
			Limit:        limit,
			ResetAt:      resetAt,
			RetryAfter:   time.Duration(BucketSeconds-int(now.Unix()%BucketSeconds)) * time.Second,
		}
	}

	remaining := limit - usage
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:      true,
		CurrentUsage: usage,
		Remaining:    remaining,
		Limit:        limit,
		ResetAt:      resetAt,
	}
}

func (l *Limiter) degradedAllow(limit, cost int) Decision {
	return Decision{
		Allowed:      true,
		CurrentUsage: cost,
		Remaining:    limit,
		Limit:        limit,
		ResetAt:      time.Now().UTC().Add(WindowSeconds * time.Second),
		Degraded:     true,
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
