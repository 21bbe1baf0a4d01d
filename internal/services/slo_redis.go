package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/pricewatch-gateway/internal/models"
)

var windowAppendScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
if ARGV[4] == 'count' then
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, -(tonumber(ARGV[5]) + 1))
else
  redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[6])
end
redis.call('PEXPIRE', KEYS[1], ARGV[7])
return 1
`)

// idle count-policy windows are dropped after this long
const countWindowIdleTTL = 7 * 24 * time.Hour

// RedisWindowStore keeps one sorted set per route scored by sample time
type RedisWindowStore struct {
	client redis.Cmdable
	prefix string
	index  string
}

// NewRedisWindowStore creates a window store on Redis sorted sets
func NewRedisWindowStore(client redis.Cmdable) *RedisWindowStore {
	return &RedisWindowStore{client: client, prefix: "slo:window:", index: "slo:routes"}
}

func (s *RedisWindowStore) Append(ctx context.Context, sample models.WindowSample, p WindowPolicy) error {
	member, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}

	ttl := countWindowIdleTTL
	if p.Kind == WindowSpan {
		ttl = p.Span
	}
	cutoff := sample.At.Add(-p.Span).UnixMilli()

	err = windowAppendScript.Run(ctx, s.client,
		[]string{s.prefix + sample.Route, s.index},
		sample.At.UnixMilli(),
		member,
		sample.Route,
		p.Kind,
		p.Size,
		cutoff,
		ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to append sample: %w", err)
	}
	return nil
}

func (s *RedisWindowStore) Samples(ctx context.Context, route string, p WindowPolicy, now time.Time) ([]models.WindowSample, error) {
	lo := "-inf"
	if p.Kind == WindowSpan {
		lo = strconv.FormatInt(now.Add(-p.Span).UnixMilli(), 10)
	}
	members, err := s.client.ZRangeByScore(ctx, s.prefix+route, &redis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read window %s: %w", route, err)
	}

	out := make([]models.WindowSample, 0, len(members))
	for _, m := range members {
		var sample models.WindowSample
		if err := json.Unmarshal([]byte(m), &sample); err != nil {
			return nil, fmt.Errorf("decode sample: %w", err)
		}
		out = append(out, sample)
	}
	if p.Kind == WindowCount && p.Size > 0 && len(out) > p.Size {
		out = out[len(out)-p.Size:]
	}
	return out, nil
}

func (s *RedisWindowStore) Routes(ctx context.Context) ([]string, error) {
	routes, err := s.client.SMembers(ctx, s.index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list window routes: %w", err)
	}
	return routes, nil
}
