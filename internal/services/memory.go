package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourusername/pricewatch-gateway/internal/models"
)

// In-memory stores back single-instance development and tests. Each store
// method holds the store lock for its whole read-modify-write, which makes
// the store itself the atomic unit the services rely on.

type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]models.IdempotencyRecord
	now     func() time.Time
}

// NewMemoryIdempotencyStore creates a process-local idempotency store. A nil now uses time.Now.
func NewMemoryIdempotencyStore(now func() time.Time) *MemoryIdempotencyStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryIdempotencyStore{records: map[string]models.IdempotencyRecord{}, now: now}
}

func (s *MemoryIdempotencyStore) Claim(_ context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[rec.Key]; ok && !cur.Expired(s.now()) {
		return &cur, false, nil
	}
	s.records[rec.Key] = *rec
	stored := *rec
	return &stored, true, nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, rec *models.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.Key]
	if !ok || cur.Expired(s.now()) || cur.Token != rec.Token || cur.Status != models.IdempotencyPending {
		return false, nil
	}
	s.records[rec.Key] = *rec
	return true, nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[key]; ok && cur.Token == token && cur.Status == models.IdempotencyPending {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryIdempotencyStore) Extend(_ context.Context, rec *models.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.Key]
	if !ok || cur.Expired(s.now()) || cur.Token != rec.Token || cur.Status != models.IdempotencyPending {
		return false, nil
	}
	cur.ExpiresAt = rec.ExpiresAt
	s.records[rec.Key] = cur
	return true, nil
}

type memoryBucket struct {
	count     int
	expiresAt time.Time
}

type MemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]memoryBucket
	now     func() time.Time
}

// NewMemoryRateLimitStore creates a process-local rate-limit store
func NewMemoryRateLimitStore(now func() time.Time) *MemoryRateLimitStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryRateLimitStore{buckets: map[string]memoryBucket{}, now: now}
}

func (s *MemoryRateLimitStore) Hit(_ context.Context, key string, limit int, ttl time.Duration) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || !now.Before(b.expiresAt) {
		s.sweep(now)
		b = memoryBucket{expiresAt: now.Add(ttl)}
	}
	if b.count >= limit {
		return b.count, false, nil
	}
	b.count++
	s.buckets[key] = b
	return b.count, true, nil
}

func (s *MemoryRateLimitStore) sweep(now time.Time) {
	for k, b := range s.buckets {
		if !now.Before(b.expiresAt) {
			delete(s.buckets, k)
		}
	}
}

type MemoryBreakerStore struct {
	mu     sync.Mutex
	states map[string]models.BreakerState
}

// NewMemoryBreakerStore creates a process-local breaker store
func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{states: map[string]models.BreakerState{}}
}

func (s *MemoryBreakerStore) Load(_ context.Context, name string) (models.BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[name]; ok {
		return st, nil
	}
	return models.BreakerState{Name: name, State: models.BreakerClosed}, nil
}

func (s *MemoryBreakerStore) CompareAndSwap(_ context.Context, next models.BreakerState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[next.Name].Version != next.Version {
		return false, nil
	}
	next.Version++
	s.states[next.Name] = next
	return true, nil
}

func (s *MemoryBreakerStore) List(_ context.Context) ([]models.BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.BreakerState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string][]models.WindowSample
}

// NewMemoryWindowStore creates a process-local window store
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: map[string][]models.WindowSample{}}
}

func (s *MemoryWindowStore) Append(_ context.Context, sample models.WindowSample, p WindowPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := append(s.windows[sample.Route], sample)
	s.windows[sample.Route] = trimWindow(w, p, sample.At)
	return nil
}

func (s *MemoryWindowStore) Samples(_ context.Context, route string, p WindowPolicy, now time.Time) ([]models.WindowSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := trimWindow(s.windows[route], p, now)
	return append([]models.WindowSample(nil), w...), nil
}

func (s *MemoryWindowStore) Routes(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	routes := make([]string, 0, len(s.windows))
	for r := range s.windows {
		routes = append(routes, r)
	}
	return routes, nil
}

func trimWindow(w []models.WindowSample, p WindowPolicy, now time.Time) []models.WindowSample {
	switch p.Kind {
	case WindowSpan:
		cutoff := now.Add(-p.Span)
		i := 0
		for i < len(w) && w[i].At.Before(cutoff) {
			i++
		}
		return w[i:]
	default:
		if p.Size > 0 && len(w) > p.Size {
			return w[len(w)-p.Size:]
		}
		return w
	}
}

type MemoryThresholdStore struct {
	mu         sync.Mutex
	thresholds map[string]models.SLOThreshold
}

// NewMemoryThresholdStore creates a process-local threshold store
func NewMemoryThresholdStore() *MemoryThresholdStore {
	return &MemoryThresholdStore{thresholds: map[string]models.SLOThreshold{}}
}

func (s *MemoryThresholdStore) Threshold(_ context.Context, route string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.thresholds[route]
	return t.ThresholdMs, ok, nil
}

func (s *MemoryThresholdStore) SetThreshold(_ context.Context, route string, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds[route] = models.SLOThreshold{Route: route, ThresholdMs: ms, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryThresholdStore) Thresholds(_ context.Context) ([]models.SLOThreshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SLOThreshold, 0, len(s.thresholds))
	for _, t := range s.thresholds {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out, nil
}

type MemoryCounterStore struct {
	mu   sync.Mutex
	rows map[[3]string]int64
}

// NewMemoryCounterStore creates a process-local counter store
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{rows: map[[3]string]int64{}}
}

func (s *MemoryCounterStore) IncrementCounter(_ context.Context, day, name, tag string, by int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[[3]string{day, name, tag}] += by
	return nil
}

func (s *MemoryCounterStore) Counters(_ context.Context, from, to string) ([]models.CounterRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CounterRow
	for k, v := range s.rows {
		if k[0] >= from && k[0] <= to {
			out = append(out, models.CounterRow{Day: k[0], Name: k[1], Tag: k[2], Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].Key() < out[j].Key()
	})
	return out, nil
}
