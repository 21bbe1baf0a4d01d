package middleware

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/models"
	"github.com/yourusername/pricewatch-gateway/internal/respond"
	"github.com/yourusername/pricewatch-gateway/internal/services"
)

// RequestRecorder receives per-request counters and timings
type RequestRecorder interface {
	services.CounterSink
	RecordRequest(ctx context.Context, route string, status int)
	ObserveLatency(ctx context.Context, route string, d time.Duration) models.SLOClass
}

// RouteOptions describes how one route is wrapped
type RouteOptions struct {
	// Name is the route slug used for metrics and SLO thresholds
	Name string
	// Policy names a rate-limit policy; empty disables limiting
	Policy string
	Scope  ScopeFunc
	// Idempotent enables Idempotency-Key handling
	Idempotent bool
}

// Reliability composes recovery, rate limiting, idempotency, the outbound
// guard, request metrics and access logging around a route
type Reliability struct {
	rateLimit   *RateLimitMiddleware
	idempotency *IdempotencyMiddleware
	recorder    RequestRecorder
	guard       services.Guard
	logger      *zap.Logger
}

// NewReliability creates the per-route wrapper
func NewReliability(rateLimit *RateLimitMiddleware, idempotency *IdempotencyMiddleware, recorder RequestRecorder, guard services.Guard, logger *zap.Logger) *Reliability {
	return &Reliability{
		rateLimit:   rateLimit,
		idempotency: idempotency,
		recorder:    recorder,
		guard:       guard,
		logger:      logger.With(logging.Component("http")),
	}
}

// Route wraps h according to opts
func (rel *Reliability) Route(opts RouteOptions, h http.Handler) http.Handler {
	if opts.Idempotent {
		h = rel.idempotency.Middleware(h)
	}
	if opts.Policy != "" {
		h = rel.rateLimit.Middleware(opts.Policy, opts.Scope)(h)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := newResponseWriter(w, false)
		r = r.WithContext(WithOutbound(r.Context(), rel.guard))

		defer func() {
			if p := recover(); p != nil {
				rel.logger.Error("handler panic", logging.Route(opts.Name), zap.Any("panic", p), zap.Stack("stack"))
				if !rw.wroteHeader {
					respond.Fail(rw, http.StatusInternalServerError, apperr.CodeInternal)
				}
				rw.statusCode = http.StatusInternalServerError
			}
			rel.finish(r, opts.Name, rw.statusCode, time.Since(start))
		}()

		h.ServeHTTP(rw, r)
	})
}

func (rel *Reliability) finish(r *http.Request, route string, status int, d time.Duration) {
	ctx := context.WithoutCancel(r.Context())
	rel.recorder.RecordRequest(ctx, route, status)
	class := rel.recorder.ObserveLatency(ctx, route, d)

	fields := []zap.Field{
		logging.Method(r.Method),
		logging.Path(r.URL.Path),
		logging.Route(route),
		logging.Status(status),
		logging.Duration(d),
		logging.RemoteIP(ClientIP(r)),
		zap.String("slo", string(class)),
	}
	switch {
	case status >= 500:
		rel.logger.Error("request", fields...)
	case status >= 400:
		rel.logger.Warn("request", fields...)
	default:
		rel.logger.Info("request", fields...)
	}
}

type outboundKey struct{}

// WithOutbound attaches the breaker-guarded outbound capability to ctx
func WithOutbound(ctx context.Context, g services.Guard) context.Context {
	if g == nil {
		return ctx
	}
	return context.WithValue(ctx, outboundKey{}, g)
}

// Outbound returns the guard attached to ctx. Outside a wrapped route the
// returned guard runs operations directly.
func Outbound(ctx context.Context) services.Guard {
	if g, ok := ctx.Value(outboundKey{}).(services.Guard); ok {
		return g
	}
	return directGuard{}
}

type directGuard struct{}

func (directGuard) Execute(ctx context.Context, _ string, op func(context.Context) error) error {
	return op(ctx)
}
