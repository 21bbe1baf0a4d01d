package middleware

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/respond"
	"github.com/yourusername/pricewatch-gateway/internal/secrets"
	"github.com/yourusername/pricewatch-gateway/internal/services"
)

type contextKey string

const AdminSecretContextKey contextKey = "admin_secret"

// AdminTokenHeader carries the shared admin secret
const AdminTokenHeader = "X-Admin-Token"

// AdminAuth accepts the current or the next admin token
type AdminAuth struct {
	tokens   secrets.Set
	counters services.CounterSink
	logger   *zap.Logger
}

// NewAdminAuth creates admin auth over a rotating token set
func NewAdminAuth(tokens secrets.Set, counters services.CounterSink, logger *zap.Logger) *AdminAuth {
	return &AdminAuth{
		tokens:   tokens,
		counters: counters,
		logger:   logger.With(logging.Component("admin_auth")),
	}
}

func (m *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		which := m.tokens.Match(r.Header.Get(AdminTokenHeader))
		if which == secrets.NoMatch {
			m.logger.Warn("admin request rejected",
				logging.Method(r.Method), logging.Path(r.URL.Path), logging.RemoteIP(ClientIP(r)))
			respond.Fail(w, http.StatusForbidden, apperr.CodeForbidden)
			return
		}

		if which == secrets.Next {
			m.counters.Increment(r.Context(), "admin.auth.next", "", 1)
		}

		ctx := context.WithValue(r.Context(), AdminSecretContextKey, which)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminSecretFromContext reports which admin token authenticated the request
func AdminSecretFromContext(ctx context.Context) secrets.Which {
	if which, ok := ctx.Value(AdminSecretContextKey).(secrets.Which); ok {
		return which
	}
	return secrets.NoMatch
}
