package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/pricewatch-gateway/internal/models"
)

var claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  return {0, cur}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return {1, ARGV[1]}
`)

var completeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local rec = cjson.decode(cur)
if rec.token ~= ARGV[1] or rec.status ~= 'pending' then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local rec = cjson.decode(cur)
if rec.token ~= ARGV[1] or rec.status ~= 'pending' then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

var extendScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local rec = cjson.decode(cur)
if rec.token ~= ARGV[1] or rec.status ~= 'pending' then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisIdempotencyStore keeps one JSON record per key; Redis TTLs implement expiry
type RedisIdempotencyStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisIdempotencyStore creates an idempotency store shared by every instance using client
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: "idempotency:"}
}

func (s *RedisIdempotencyStore) Claim(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("encode record: %w", err)
	}

	res, err := claimScript.Run(ctx, s.client, []string{s.prefix + rec.Key}, data, ttlMillis(rec)).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim key: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected claim reply length %d", len(res))
	}

	claimed, err := toInt64(res[0])
	if err != nil {
		return nil, false, err
	}
	raw, _ := res[1].(string)
	var existing models.IdempotencyRecord
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return nil, false, fmt.Errorf("decode record: %w", err)
	}
	return &existing, claimed == 1, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}
	n, err := completeScript.Run(ctx, s.client, []string{s.prefix + rec.Key}, rec.Token, data, ttlMillis(rec)).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to complete key: %w", err)
	}
	return n == 1, nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, token).Err(); err != nil {
		return fmt.Errorf("failed to release key: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Extend(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	n, err := extendScript.Run(ctx, s.client, []string{s.prefix + rec.Key}, rec.Token, data, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to extend key: %w", err)
	}
	return n == 1, nil
}

func ttlMillis(rec *models.IdempotencyRecord) int64 {
	ttl := time.Until(rec.ExpiresAt)
	if d := rec.ExpiresAt.Sub(rec.CreatedAt); d > 0 && d < ttl {
		ttl = d
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl.Milliseconds()
}
