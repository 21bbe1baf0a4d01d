package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
	"github.com/yourusername/pricewatch-gateway/internal/database"
	"github.com/yourusername/pricewatch-gateway/internal/models"
	"github.com/yourusername/pricewatch-gateway/internal/secrets"
	"github.com/yourusername/pricewatch-gateway/internal/services"
)

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

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Connect("sqlite", filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newLedger(t *testing.T, db *database.DB) *services.AuditLedger {
	t.Helper()
	l := services.NewAuditLedger(db, &countingSink{}, prometheus.NewRegistry(), zap.NewNop())
	t.Cleanup(l.Wait)
	return l
}

func body(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestDecodeJSON(t *testing.T) {
	type req struct {
		Name string `json:"name" validate:"required"`
		N    int    `json:"n" validate:"gte=0"`
	}

	var dst req
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x","n":2}`))
	require.NoError(t, decodeJSON(r, &dst))
	assert.Equal(t, req{Name: "x", N: 2}, dst)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	err := decodeJSON(r, &req{})
	assert.Equal(t, apperr.CodeValidationFailed, apperr.From(err).Code)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`[1,2]`))
	err = decodeJSON(r, &req{})
	assert.Equal(t, apperr.CodeInvalidBody, apperr.From(err).Code)
}

func TestParseBeforeTS(t *testing.T) {
	got, err := parseBeforeTS("")
	require.NoError(t, err)
	assert.Nil(t, got)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)

	got, err = parseBeforeTS(strconv.FormatInt(ts.UnixMicro(), 10))
	require.NoError(t, err)
	assert.True(t, ts.Equal(*got))

	got, err = parseBeforeTS(ts.Format(time.RFC3339Nano))
	require.NoError(t, err)
	assert.True(t, ts.Equal(*got))

	_, err = parseBeforeTS("last tuesday")
	assert.Error(t, err)
}

func TestNormalizeEmailEvent(t *testing.T) {
	tests := map[string]string{
		"delivered":      "delivered",
		" Delivery ":     "delivered",
		"bounce":         "bounce",
		"hard_bounce":    "bounce",
		"spam_complaint": "complaint",
		"abuse":          "complaint",
		"":               "bounce",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeEmailEvent(in), in)
	}
}

func TestEmailEventSkew(t *testing.T) {
	sink := &countingSink{}
	set := secrets.Set{Current: "s1"}
	h := NewWebhookHandler(set, time.Minute, sink, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	send := func(ts time.Time, payload string) *httptest.ResponseRecorder {
		stamp := strconv.FormatInt(ts.Unix(), 10)
		r := httptest.NewRequest(http.MethodPost, "/webhooks/email", strings.NewReader(payload))
		r.Header.Set(SignatureHeader, "sha256="+set.Sign(SignedPayload(stamp, []byte(payload))))
		r.Header.Set(SignatureTSHeader, stamp)
		rec := httptest.NewRecorder()
		h.EmailEvent(rec, r)
		return rec
	}

	assert.Equal(t, http.StatusOK, send(now.Add(-59*time.Second), `{"type":"complaint"}`).Code)
	assert.Equal(t, http.StatusOK, send(now.Add(59*time.Second), `{"type":"delivered"}`).Code)

	rec := send(now.Add(-2*time.Minute), `{"type":"delivered"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperr.CodeStale, body(t, rec)["error"])

	rec = send(now, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.EqualValues(t, 1, sink.get("email.complaint"))
	assert.EqualValues(t, 1, sink.get("email.delivered"))
	assert.EqualValues(t, 1, sink.get("webhook.inbound.stale"))
}

func TestEmailEventUnconfigured(t *testing.T) {
	h := NewWebhookHandler(secrets.Set{}, time.Minute, &countingSink{}, zap.NewNop())
	r := httptest.NewRequest(http.MethodPost, "/webhooks/email", strings.NewReader(`{}`))
	r.Header.Set(SignatureHeader, "00")
	r.Header.Set(SignatureTSHeader, strconv.FormatInt(time.Now().Unix(), 10))
	rec := httptest.NewRecorder()
	h.EmailEvent(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperr.CodeMissingSignature, body(t, rec)["error"])
}

func TestSearchLimit(t *testing.T) {
	db := openTestDB(t)
	h := NewAlertHandler(db, newLedger(t, db), zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, db.CreateAlert(ctx, &models.AlertWatch{
			Email: "a@example.com", CardID: "card-7", Kind: "price_above", Threshold: float64(i + 1), ManageToken: "t",
		}))
	}

	search := func(query string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.Search(rec, httptest.NewRequest(http.MethodGet, "/v1/search?"+query, nil))
		return rec
	}

	rec := search("card_id=card-7&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body(t, rec)["rows"], 2)

	rec = search("card_id=card-7&limit=1000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body(t, rec)["rows"], 5)

	rec = search("card_id=card-7&limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = search("card_id=unknown")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body(t, rec)["rows"])
	assert.Empty(t, body(t, rec)["page"])

	rec = search("card_id=card-7&before_created_at=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchCursorWalk(t *testing.T) {
	db := openTestDB(t)
	h := NewAlertHandler(db, newLedger(t, db), zap.NewNop())
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.CreateAlert(ctx, &models.AlertWatch{
			Email: "a@example.com", CardID: "card-7", Kind: "price_above", Threshold: 1, ManageToken: "t",
			CreatedAt: created.Add(time.Duration(i/2) * time.Second),
		}))
	}

	seen := map[string]bool{}
	query := "card_id=card-7&limit=2"
	for pages := 1; ; pages++ {
		require.LessOrEqual(t, pages, 3)
		rec := httptest.NewRecorder()
		h.Search(rec, httptest.NewRequest(http.MethodGet, "/v1/search?"+query, nil))
		require.Equal(t, http.StatusOK, rec.Code)

		out := body(t, rec)
		for _, row := range out["rows"].([]any) {
			id := row.(map[string]any)["id"].(string)
			assert.False(t, seen[id], "row %s returned twice", id)
			seen[id] = true
		}
		page := out["page"].(map[string]any)
		next, ok := page["next_before_created_at"].(string)
		if !ok {
			break
		}
		query = "card_id=card-7&limit=2&before_created_at=" + url.QueryEscape(next) + "&before_id=" + page["next_before_id"].(string)
	}
	assert.Len(t, seen, 5)
}

func TestAlertGetNotFound(t *testing.T) {
	db := openTestDB(t)
	h := NewAlertHandler(db, newLedger(t, db), zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/alerts/{id}", h.Get)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/alerts/00000000-0000-0000-0000-000000000001", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"not_found"}`, rec.Body.String())
}

func TestHealthCheckDegraded(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return assert.AnError },
	}
	h := NewMetricsHandler(nil, prometheus.NewRegistry(), checks, zap.NewNop())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	out := body(t, rec)
	assert.Equal(t, "degraded", out["status"])
	deps := out["services"].(map[string]any)
	assert.Equal(t, "healthy", deps["database"])
	assert.Contains(t, deps["redis"], "unhealthy")
}
