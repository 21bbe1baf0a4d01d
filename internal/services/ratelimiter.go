package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/pricewatch-gateway/internal/models"
)

// RateLimitStore holds fixed-window counters
type RateLimitStore interface {
	// Hit increments the counter at key unless it already reached limit.
	// It returns the counter value after the call and whether it incremented.
	Hit(ctx context.Context, key string, limit int, ttl time.Duration) (int, bool, error)
}

// RateLimiter implements fixed-window rate limiting; it is policy-agnostic
type RateLimiter struct {
	store RateLimitStore
	now   func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(store RateLimitStore) *RateLimiter {
	return &RateLimiter{store: store, now: time.Now}
}

// Allow checks and consumes one unit of scope's budget for the current window.
// Rejected calls do not consume budget.
func (rl *RateLimiter) Allow(ctx context.Context, scope string, limit int, window time.Duration) (*models.RateLimitDecision, error) {
	if window <= 0 || limit <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d per %s", limit, window)
	}

	now := rl.now()
	index := now.UnixNano() / int64(window)
	resetAt := time.Unix(0, (index+1)*int64(window))
	key := fmt.Sprintf("rate_limit:%s:%d:%d", scope, int64(window/time.Second), index)

	// keep the bucket a little past its window so clock skew between instances cannot recreate it
	count, allowed, err := rl.store.Hit(ctx, key, limit, resetAt.Sub(now)+time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &models.RateLimitDecision{
		Allowed:   allowed,
		Limit:     limit,
		Count:     count,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

var hitScript = redis.NewScript(`
local c = tonumber(redis.call('GET', KEYS[1]) or '0')
if c >= tonumber(ARGV[1]) then
  return {0, c}
end
c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, c}
`)

// RedisRateLimitStore runs check-and-increment as one Lua script
type RedisRateLimitStore struct {
	client redis.Cmdable
}

// NewRedisRateLimitStore creates a fixed-window counter store on Redis
func NewRedisRateLimitStore(client redis.Cmdable) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

func (s *RedisRateLimitStore) Hit(ctx context.Context, key string, limit int, ttl time.Duration) (int, bool, error) {
	res, err := hitScript.Run(ctx, s.client, []string{key}, limit, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected rate limit reply length %d", len(res))
	}
	allowed, err := toInt64(res[0])
	if err != nil {
		return 0, false, err
	}
	count, err := toInt64(res[1])
	if err != nil {
		return 0, false, err
	}
	return int(count), allowed == 1, nil
}
