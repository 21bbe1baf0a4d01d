package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/pricewatch-gateway/internal/models"
)

var breakerCASScript = redis.NewScript(`
local v = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if v ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'failures', ARGV[3], 'opened_at', ARGV[4], 'trial_at', ARGV[5], 'version', v + 1)
redis.call('SADD', KEYS[2], ARGV[6])
return 1
`)

// RedisBreakerStore keeps one hash per breaker with a version field for CAS
type RedisBreakerStore struct {
	client redis.Cmdable
	prefix string
	index  string
}

// NewRedisBreakerStore creates a breaker store shared through Redis
func NewRedisBreakerStore(client redis.Cmdable) *RedisBreakerStore {
	return &RedisBreakerStore{client: client, prefix: "breaker:", index: "breakers"}
}

func (s *RedisBreakerStore) Load(ctx context.Context, name string) (models.BreakerState, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+name).Result()
	if err != nil {
		return models.BreakerState{}, fmt.Errorf("failed to load breaker %s: %w", name, err)
	}
	return decodeBreaker(name, fields)
}

func (s *RedisBreakerStore) CompareAndSwap(ctx context.Context, next models.BreakerState) (bool, error) {
	n, err := breakerCASScript.Run(ctx, s.client,
		[]string{s.prefix + next.Name, s.index},
		next.Version,
		string(next.State),
		next.ConsecutiveFailures,
		millis(next.OpenedAt),
		millis(next.TrialStartedAt),
		next.Name,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to swap breaker %s: %w", next.Name, err)
	}
	return n == 1, nil
}

func (s *RedisBreakerStore) List(ctx context.Context) ([]models.BreakerState, error) {
	names, err := s.client.SMembers(ctx, s.index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list breakers: %w", err)
	}
	sort.Strings(names)

	out := make([]models.BreakerState, 0, len(names))
	for _, name := range names {
		st, err := s.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeBreaker(name string, fields map[string]string) (models.BreakerState, error) {
	st := models.BreakerState{Name: name, State: models.BreakerClosed}
	if len(fields) == 0 {
		return st, nil
	}
	if v := fields["state"]; v != "" {
		st.State = models.BreakerStatus(v)
	}
	var err error
	parse := func(key string) int64 {
		if err != nil || fields[key] == "" {
			return 0
		}
		var n int64
		n, err = strconv.ParseInt(fields[key], 10, 64)
		return n
	}
	st.ConsecutiveFailures = int(parse("failures"))
	st.OpenedAt = fromMillis(parse("opened_at"))
	st.TrialStartedAt = fromMillis(parse("trial_at"))
	st.Version = parse("version")
	if err != nil {
		return models.BreakerState{}, fmt.Errorf("corrupt breaker %s: %w", name, err)
	}
	return st, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
