package main

import (
	"net/http"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
	"github.com/yourusername/pricewatch-gateway/internal/config"
	"github.com/yourusername/pricewatch-gateway/internal/handlers"
	"github.com/yourusername/pricewatch-gateway/internal/middleware"
	"github.com/yourusername/pricewatch-gateway/internal/respond"
)

type routerDeps struct {
	cfg         *config.Config
	reliability *middleware.Reliability
	adminAuth   *middleware.AdminAuth

	health     *handlers.MetricsHandler
	alerts     *handlers.AlertHandler
	portfolios *handlers.PortfolioHandler
	webhooks   *handlers.WebhookHandler
	admin      *handlers.AdminHandler
}

func newRouter(d routerDeps) http.Handler {
	mux := http.NewServeMux()
	rel := d.reliability

	route := func(pattern string, opts middleware.RouteOptions, h http.HandlerFunc) {
		mux.Handle(pattern, rel.Route(opts, h))
	}
	admin := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, rel.Route(middleware.RouteOptions{Name: name}, d.adminAuth.Middleware(h)))
	}

	mux.HandleFunc("GET /health", d.health.HealthCheck)
	mux.Handle("GET /metrics", d.health.Prometheus())

	route("POST /v1/alerts", middleware.RouteOptions{
		Name:       "alerts_create",
		Policy:     d.cfg.AlertCreateLimit.Name,
		Scope:      middleware.ScopeByJSONField("email"),
		Idempotent: true,
	}, d.alerts.Create)
	route("GET /v1/alerts/{id}", middleware.RouteOptions{
		Name:   "alerts_get",
		Policy: d.cfg.PublicReadLimit.Name,
		Scope:  middleware.ScopeByIP,
	}, d.alerts.Get)
	route("GET /v1/search", middleware.RouteOptions{
		Name:   "search",
		Policy: d.cfg.SearchLimit.Name,
		Scope:  middleware.ScopeByIP,
	}, d.alerts.Search)

	route("POST /v1/portfolios", middleware.RouteOptions{
		Name:       "portfolios_create",
		Policy:     d.cfg.SubscribeLimit.Name,
		Scope:      middleware.ScopeByIP,
		Idempotent: true,
	}, d.portfolios.Create)
	route("GET /v1/portfolios/{id}", middleware.RouteOptions{
		Name:   "portfolios_get",
		Policy: d.cfg.PublicReadLimit.Name,
		Scope:  middleware.ScopeByIP,
	}, d.portfolios.Get)

	route("POST /webhooks/email", middleware.RouteOptions{Name: "email_webhook"}, d.webhooks.EmailEvent)

	admin("GET /admin/slo", "admin_slo", d.admin.ListSLO)
	admin("POST /admin/slo/set", "admin_slo_set", d.admin.SetSLO)
	admin("GET /admin/slo/windows", "admin_slo_windows", d.admin.SLOWindows)
	admin("GET /admin/audit", "admin_audit", d.admin.ListAudit)
	admin("GET /admin/audit/stats", "admin_audit_stats", d.admin.AuditStats)
	admin("GET /admin/metrics", "admin_metrics", d.health.Counters)
	admin("GET /admin/metrics/export", "admin_metrics_export", d.health.Export)
	admin("GET /admin/latency", "admin_latency", d.health.Latency)
	admin("GET /admin/latency-buckets", "admin_latency_buckets", d.health.LatencyBuckets)
	admin("GET /admin/breakers", "admin_breakers", d.admin.Breakers)
	admin("POST /admin/notify/test", "admin_notify_test", d.admin.NotifyTest)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		respond.Fail(w, http.StatusNotFound, apperr.CodeNotFound)
	})

	return mux
}
