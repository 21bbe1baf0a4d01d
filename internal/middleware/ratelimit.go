package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
	"github.com/yourusername/pricewatch-gateway/internal/config"
	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/respond"
	"github.com/yourusername/pricewatch-gateway/internal/services"
)

const maxBodyBytes = 1 << 20

// ScopeFunc derives the rate-limit subject of a request.
// An empty subject falls back to the client IP.
type ScopeFunc func(r *http.Request) string

// ScopeByIP limits per client address
func ScopeByIP(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// ScopeByJSONField limits per value of a top-level string field of the JSON body
func ScopeByJSONField(field string) ScopeFunc {
	return func(r *http.Request) string {
		body, err := peekBody(r)
		if err != nil || len(body) == 0 {
			return ""
		}
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			return ""
		}
		v, _ := doc[field].(string)
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			return ""
		}
		return field + ":" + v
	}
}

// peekBody reads the request body and puts an identical reader back
func peekBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// RateLimitMiddleware enforces the named fixed-window policies
type RateLimitMiddleware struct {
	rateLimiter *services.RateLimiter
	policies    map[string]config.RateLimitPolicy
	counters    services.CounterSink
	logger      *zap.Logger
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(rateLimiter *services.RateLimiter, policies map[string]config.RateLimitPolicy, counters services.CounterSink, logger *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		rateLimiter: rateLimiter,
		policies:    policies,
		counters:    counters,
		logger:      logger.With(logging.Component("ratelimit")),
	}
}

// Middleware enforces policy on next. An unknown policy name disables limiting.
func (m *RateLimitMiddleware) Middleware(policy string, scope ScopeFunc) func(http.Handler) http.Handler {
	p, ok := m.policies[policy]
	if scope == nil {
		scope = ScopeByIP
	}
	return func(next http.Handler) http.Handler {
		if !ok || p.Limit <= 0 || p.Window <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := scope(r)
			if subject == "" {
				subject = ScopeByIP(r)
			}
			ctx := r.Context()

			decision, err := m.rateLimiter.Allow(ctx, p.Name+":"+subject, p.Limit, p.Window)
			if err != nil {
				// an unavailable store must not take the API down with it
				m.logger.Warn("rate limiter unavailable, allowing request", logging.Scope(p.Name), zap.Error(err))
				m.counters.Increment(ctx, "rate_limit.error", "", 1)
				next.ServeHTTP(w, r)
				return
			}

			// Set rate limit headers
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				m.logger.Info("rate limit exceeded", logging.Scope(p.Name), logging.RemoteIP(ClientIP(r)))
				m.counters.Increment(ctx, "rate_limit.rejected", "", 1)
				m.counters.Increment(ctx, "rate_limit.rejected", p.Name, 1)
				retry := int(time.Until(decision.ResetAt).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				respond.Fail(w, http.StatusTooManyRequests, apperr.CodeRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
