package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/config"
	"github.com/yourusername/pricewatch-gateway/internal/secrets"
	"github.com/yourusername/pricewatch-gateway/internal/services"
)

type testStack struct {
	metrics     *services.MetricsRegistry
	breakers    *services.BreakerRegistry
	reliability *Reliability
}

func newTestStack(t *testing.T, limiterStore services.RateLimitStore, policies map[string]config.RateLimitPolicy) *testStack {
	t.Helper()
	return newTestStackWithIdempotency(t, limiterStore, policies, services.IdempotencyConfig{
		Retention:    time.Hour,
		PendingTTL:   30 * time.Second,
		Wait:         2 * time.Second,
		PollInterval: 2 * time.Millisecond,
	})
}

func newTestStackWithIdempotency(t *testing.T, limiterStore services.RateLimitStore, policies map[string]config.RateLimitPolicy, idemCfg services.IdempotencyConfig) *testStack {
	t.Helper()
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()

	slo := services.NewSLOClassifier(services.NewMemoryThresholdStore(), services.NewMemoryWindowStore(),
		services.SLOConfig{DefaultMs: 250, MinMs: 10, MaxMs: 30000, Window: services.WindowPolicy{Kind: services.WindowCount, Size: 100}}, logger)
	metrics := services.NewMetricsRegistry(services.NewMemoryCounterStore(), slo, reg, logger)
	breakers := services.NewBreakerRegistry(services.NewMemoryBreakerStore(),
		services.BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, metrics, reg, logger)
	idem := services.NewIdempotencyManager(services.NewMemoryIdempotencyStore(nil), idemCfg, logger)

	if limiterStore == nil {
		limiterStore = services.NewMemoryRateLimitStore(nil)
	}
	rl := NewRateLimitMiddleware(services.NewRateLimiter(limiterStore), policies, metrics, logger)
	im := NewIdempotencyMiddleware(idem, metrics, logger)

	return &testStack{
		metrics:     metrics,
		breakers:    breakers,
		reliability: NewReliability(rl, im, metrics, breakers, logger),
	}
}

func (s *testStack) totals(t *testing.T) map[string]int64 {
	t.Helper()
	totals, err := s.metrics.Totals(context.Background(), 1)
	require.NoError(t, err)
	return totals
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:51234"
	assert.Equal(t, "10.0.0.9", ClientIP(r))

	r.Header.Set("X-Real-IP", "192.0.2.7")
	assert.Equal(t, "192.0.2.7", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIP(r))
}

func TestAdminAuth(t *testing.T) {
	sink := &countingSink{}
	auth := NewAdminAuth(secrets.Set{Current: "cur", Next: "nxt"}, sink, zap.NewNop())
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEqual(t, secrets.NoMatch, AdminSecretFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"current", "cur", http.StatusNoContent},
		{"next", "nxt", http.StatusNoContent},
		{"wrong", "nope", http.StatusForbidden},
		{"missing", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/slo", nil)
			if tt.token != "" {
				req.Header.Set(AdminTokenHeader, tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusForbidden {
				assert.JSONEq(t, `{"ok":false,"error":"forbidden"}`, rec.Body.String())
			}
		})
	}
	assert.EqualValues(t, 1, sink.get("admin.auth.next"))
}

func TestAdminAuthUnconfiguredRejectsEverything(t *testing.T) {
	auth := NewAdminAuth(secrets.Set{}, &countingSink{}, zap.NewNop())
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/admin/slo", nil)
	req.Header.Set(AdminTokenHeader, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	s := newTestStack(t, nil, map[string]config.RateLimitPolicy{
		"search": {Name: "search", Limit: 2, Window: time.Minute},
	})
	h := s.reliability.Route(RouteOptions{Name: "search", Policy: "search", Scope: ScopeByIP}, okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/search", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/search", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode(t, rec)["error"])

	totals := s.totals(t)
	assert.EqualValues(t, 1, totals["rate_limit.rejected"])
	assert.EqualValues(t, 1, totals["rate_limit.rejected.search"])
	assert.EqualValues(t, 1, totals["req.status.4xx"])
}

func TestRateLimitScopeByJSONField(t *testing.T) {
	s := newTestStack(t, nil, map[string]config.RateLimitPolicy{
		"alert_create": {Name: "alert_create", Limit: 1, Window: time.Hour},
	})
	var bodies []string
	h := s.reliability.Route(RouteOptions{Name: "alerts_create", Policy: "alert_create", Scope: ScopeByJSONField("email")},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			bodies = append(bodies, string(b))
			w.WriteHeader(http.StatusOK)
		}))

	send := func(body string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/alerts", strings.NewReader(body)))
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, send(`{"email":"a@example.com"}`))
	assert.Equal(t, http.StatusTooManyRequests, send(`{"email":"A@example.com "}`))
	assert.Equal(t, http.StatusOK, send(`{"email":"b@example.com"}`))
	assert.Equal(t, []string{`{"email":"a@example.com"}`, `{"email":"b@example.com"}`}, bodies, "handlers still see the body")
}

type brokenLimiterStore struct{}

func (brokenLimiterStore) Hit(context.Context, string, int, time.Duration) (int, bool, error) {
	return 0, false, errors.New("redis: connection refused")
}

func TestRateLimitFailsOpen(t *testing.T) {
	s := newTestStack(t, brokenLimiterStore{}, map[string]config.RateLimitPolicy{
		"search": {Name: "search", Limit: 1, Window: time.Minute},
	})
	h := s.reliability.Route(RouteOptions{Name: "search", Policy: "search"}, okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/search", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.EqualValues(t, 3, s.totals(t)["rate_limit.error"])
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

type countingSink struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (s *countingSink) Increment(_ context.Context, name, tag string, by int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = map[string]int64{}
	}
	if tag != "" {
		name += "." + tag
	}
	s.counts[name] += by
}

func (s *countingSink) get(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

// counterHandler issues sequential ids and counts executions
func counterHandler(executions *atomic.Int32, delay time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := executions.Add(1)
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": n})
	})
}

func postKeyed(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/alerts", strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
