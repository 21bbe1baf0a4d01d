package middleware

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/respond"
	"github.com/yourusername/pricewatch-gateway/internal/services"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
)

var errBodyTooLarge = errors.New("request body too large")

// IdempotencyMiddleware executes keyed mutating requests at most once and replays their response
type IdempotencyMiddleware struct {
	manager  *services.IdempotencyManager
	counters services.CounterSink
	logger   *zap.Logger
}

// NewIdempotencyMiddleware creates the middleware over manager
func NewIdempotencyMiddleware(manager *services.IdempotencyManager, counters services.CounterSink, logger *zap.Logger) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{
		manager:  manager,
		counters: counters,
		logger:   logger.With(logging.Component("idempotency")),
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// Middleware wraps an http.Handler. Requests without a key run unguarded.
func (m *IdempotencyMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" || !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			respond.Fail(w, http.StatusBadRequest, apperr.CodeValidationFailed)
			return
		}

		body, err := peekBody(r)
		if err != nil {
			respond.Fail(w, http.StatusBadRequest, apperr.CodeInvalidBody)
			return
		}

		ctx := r.Context()
		claim, err := m.manager.Claim(ctx, key, services.Fingerprint(r.Method, r.URL.Path, body))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// without the store we cannot promise a single execution
			m.logger.Error("idempotency claim failed", logging.IdempotencyKey(key), zap.Error(err))
			m.counters.Increment(ctx, "idempotency.store_error", "", 1)
			respond.Fail(w, http.StatusServiceUnavailable, apperr.CodeInternal)
			return
		}

		switch claim.Outcome {
		case services.ClaimReplay:
			m.counters.Increment(ctx, "idempotency.replay", "", 1)
			rec := claim.Record
			if rec.ContentType != "" {
				w.Header().Set("Content-Type", rec.ContentType)
			}
			w.Header().Set(ReplayedHeader, "true")
			w.WriteHeader(rec.ResponseStatus)
			_, _ = w.Write(rec.ResponseBody)
			return
		case services.ClaimConflict:
			m.counters.Increment(ctx, "idempotency.conflict", "", 1)
			respond.Fail(w, http.StatusConflict, apperr.CodeIdempotencyConflict)
			return
		case services.ClaimInProgress:
			w.Header().Set("Retry-After", "1")
			respond.Fail(w, http.StatusConflict, apperr.CodeIdempotencyInProgress)
			return
		}

		// the lease is renewed while the handler runs; losing it cancels the handler
		held, stop := m.manager.Hold(ctx, claim)
		rw := newResponseWriter(w, true)
		defer func() {
			if p := recover(); p != nil {
				stop()
				m.release(ctx, claim)
				panic(p)
			}
		}()

		next.ServeHTTP(rw, r.WithContext(held))
		stop()

		// 5xx responses and handlers that never answered leave the key retryable
		if rw.statusCode >= http.StatusInternalServerError || !rw.wroteHeader {
			m.release(ctx, claim)
			return
		}
		m.complete(ctx, claim, rw)
	})
}

func (m *IdempotencyMiddleware) complete(ctx context.Context, claim *services.Claim, rw *responseWriter) {
	ctx = context.WithoutCancel(ctx)
	err := m.manager.Complete(ctx, claim, rw.statusCode, rw.Header().Get("Content-Type"), rw.body.Bytes())
	if err == nil {
		return
	}
	if !errors.Is(err, services.ErrClaimLost) {
		m.logger.Error("idempotency completion failed", logging.IdempotencyKey(claim.Record.Key), zap.Error(err))
	}
	m.counters.Increment(ctx, "idempotency.store_error", "", 1)
}

func (m *IdempotencyMiddleware) release(ctx context.Context, claim *services.Claim) {
	ctx = context.WithoutCancel(ctx)
	if err := m.manager.Release(ctx, claim); err != nil {
		m.logger.Warn("idempotency release failed", logging.IdempotencyKey(claim.Record.Key), zap.Error(err))
		m.counters.Increment(ctx, "idempotency.store_error", "", 1)
	}
}
