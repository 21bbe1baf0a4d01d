package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pricewatch-gateway/internal/services"
)

func TestIdempotentReplay(t *testing.T) {
	s := newTestStack(t, nil, nil)
	var executions atomic.Int32
	h := s.reliability.Route(RouteOptions{Name: "alerts_create", Idempotent: true}, counterHandler(&executions, 0))

	first := postKeyed(h, "k1", `{"card_id":"c1"}`)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get(ReplayedHeader))

	second := postKeyed(h, "k1", `{"card_id":"c1"}`)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))

	assert.EqualValues(t, 1, executions.Load())
	assert.EqualValues(t, 1, s.totals(t)["idempotency.replay"])
}

func TestIdempotentConflict(t *testing.T) {
	s := newTestStack(t, nil, nil)
	var executions atomic.Int32
	h := s.reliability.Route(RouteOptions{Name: "alerts_create", Idempotent: true}, counterHandler(&executions, 0))

	require.Equal(t, http.StatusOK, postKeyed(h, "k1", `{"threshold":10}`).Code)
	rec := postKeyed(h, "k1", `{"threshold":11}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "idempotency_conflict", decode(t, rec)["error"])
	assert.EqualValues(t, 1, executions.Load())
}

func TestIdempotencyWithoutKeyRunsEveryTime(t *testing.T) {
	s := newTestStack(t, nil, nil)
	var executions atomic.Int32
	h := s.reliability.Route(RouteOptions{Name: "alerts_create", Idempotent: true}, counterHandler(&executions, 0))

	postKeyed(h, "", `{}`)
	postKeyed(h, "", `{}`)
	assert.EqualValues(t, 2, executions.Load())
}

func TestIdempotencyConcurrentDuplicatesExecuteOnce(t *testing.T) {
	s := newTestStack(t, nil, nil)
	var executions atomic.Int32
	h := s.reliability.Route(RouteOptions{Name: "alerts_create", Idempotent: true}, counterHandler(&executions, 30*time.Millisecond))

	const callers = 12
	recs := make([]*httptest.ResponseRecorder, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i] = postKeyed(h, "same", `{"card_id":"c1"}`)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, executions.Load())
	for _, rec := range recs {
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, recs[0].Body.String(), rec.Body.String())
	}
}

func TestIdempotencyServerErrorReleasesKey(t *testing.T) {
	s := newTestStack(t, nil, nil)
	var calls atomic.Int32
	h := s.reliability.Route(RouteOptions{Name: "alerts_create", Idempotent: true},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))

	assert.Equal(t, http.StatusBadGateway, postKeyed(h, "k", `{}`).Code)
	assert.Equal(t, http.StatusOK, postKeyed(h, "k", `{}`).Code)
	assert.EqualValues(t, 2, calls.Load())
}

func TestIdempotencyPanicReleasesKey(t *testing.T) {
	s := newTestStack(t, nil, nil)
	var calls atomic.Int32
	h := s.reliability.Route(RouteOptions{Name: "alerts_create", Idempotent: true},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			w.WriteHeader(http.StatusOK)
		}))

	first := postKeyed(h, "k", `{}`)
	assert.Equal(t, http.StatusInternalServerError, first.Code)
	assert.Equal(t, "internal_error", decode(t, first)["error"])

	assert.Equal(t, http.StatusOK, postKeyed(h, "k", `{}`).Code)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, s.totals(t)["request.error.5xx"])
}

func TestIdempotencyKeyTooLong(t *testing.T) {
	s := newTestStack(t, nil, nil)
	h := s.reliability.Route(RouteOptions{Name: "alerts_create", Idempotent: true}, okHandler())

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'k'
	}
	rec := postKeyed(h, string(long), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReliabilityRecordsRequest(t *testing.T) {
	s := newTestStack(t, nil, nil)
	h := s.reliability.Route(RouteOptions{Name: "search"}, okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/search?card_id=c1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	totals := s.totals(t)
	assert.EqualValues(t, 1, totals["req.total"])
	assert.EqualValues(t, 1, totals["req.status.2xx"])
	assert.EqualValues(t, 1, totals["req.route.search"])
	assert.EqualValues(t, 1, totals["latbucket.search.lt50"])
	assert.EqualValues(t, 1, totals["req.slo.route.search.good"])
}

func TestOutboundGuard(t *testing.T) {
	s := newTestStack(t, nil, nil)
	h := s.reliability.Route(RouteOptions{Name: "notify_test"},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Same(t, s.breakers, Outbound(r.Context()))
			w.WriteHeader(http.StatusOK)
		}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admin/notify/test", nil))

	ran := false
	err := Outbound(context.Background()).Execute(context.Background(), "x", func(context.Context) error {
		ran = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestIdempotencySlowHandlerKeepsKey(t *testing.T) {
	s := newTestStackWithIdempotency(t, nil, nil, services.IdempotencyConfig{
		Retention:    time.Hour,
		PendingTTL:   60 * time.Millisecond,
		Wait:         10 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	})
	var executions atomic.Int32
	h := s.reliability.Route(RouteOptions{Name: "alerts_create", Idempotent: true}, counterHandler(&executions, 250*time.Millisecond))

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- postKeyed(h, "slow", `{"card_id":"c1"}`) }()

	// well past the pending TTL while the first request is still running
	time.Sleep(150 * time.Millisecond)
	dup := postKeyed(h, "slow", `{"card_id":"c1"}`)
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, "idempotency_in_progress", decode(t, dup)["error"])

	first := <-done
	require.Equal(t, http.StatusOK, first.Code)

	replay := postKeyed(h, "slow", `{"card_id":"c1"}`)
	assert.Equal(t, "true", replay.Header().Get(ReplayedHeader))
	assert.Equal(t, first.Body.String(), replay.Body.String())
	assert.EqualValues(t, 1, executions.Load())
}
