package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/respond"
	"github.com/yourusername/pricewatch-gateway/internal/services"
)

// HealthCheckFunc probes one dependency
type HealthCheckFunc func(ctx context.Context) error

// MetricsHandler handles health and metrics endpoints
type MetricsHandler struct {
	exporter *services.Exporter
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheckFunc
	logger   *zap.Logger
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(exporter *services.Exporter, gatherer prometheus.Gatherer, checks map[string]HealthCheckFunc, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{
		exporter: exporter,
		gatherer: gatherer,
		checks:   checks,
		logger:   logger.With(logging.Component("health")),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// HealthCheck probes every dependency in parallel
func (h *MetricsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  make(map[string]string, len(h.checks)),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for name, check := range h.checks {
		g.Go(func() error {
			err := check(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				health.Services[name] = "unhealthy: " + err.Error()
				health.Status = "degraded"
				h.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
				return nil
			}
			health.Services[name] = "healthy"
			return nil
		})
	}
	_ = g.Wait()

	// Set appropriate status code
	statusCode := http.StatusOK
	if health.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	respond.JSON(w, statusCode, health)
}

// Export renders the plain-text counter export
func (h *MetricsHandler) Export(w http.ResponseWriter, r *http.Request) {
	text, err := h.exporter.ExportText(r.Context())
	if err != nil {
		h.logger.Error("metrics export failed", zap.Error(err))
		respond.Error(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

const maxMetricsDays = 90

// parseDays reads ?days=, defaulting to 1 (today)
func parseDays(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("days")
	if v == "" {
		return 1, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxMetricsDays {
		return 0, false
	}
	return n, true
}

// Counters returns counter totals over ?days= calendar days
func (h *MetricsHandler) Counters(w http.ResponseWriter, r *http.Request) {
	days, ok := parseDays(r)
	if !ok {
		respond.Fail(w, http.StatusBadRequest, apperr.CodeValidationFailed)
		return
	}
	totals, err := h.exporter.Totals(r.Context(), days)
	if err != nil {
		h.logger.Error("failed to read counters", zap.Error(err))
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"days": days, "counters": totals})
}

// Latency returns p50/p95 per route from the current SLO windows
func (h *MetricsHandler) Latency(w http.ResponseWriter, r *http.Request) {
	routes, err := h.exporter.Latencies(r.Context())
	if err != nil {
		h.logger.Error("failed to read latency windows", zap.Error(err))
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"routes": routes})
}

func (h *MetricsHandler) LatencyBuckets(w http.ResponseWriter, r *http.Request) {
	days, ok := parseDays(r)
	if !ok {
		respond.Fail(w, http.StatusBadRequest, apperr.CodeValidationFailed)
		return
	}
	buckets, err := h.exporter.Buckets(r.Context(), days)
	if err != nil {
		h.logger.Error("failed to read latency buckets", zap.Error(err))
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"days": days, "edges": services.LatencyBuckets, "buckets": buckets})
}

// Prometheus serves the registry in the Prometheus exposition format
func (h *MetricsHandler) Prometheus() http.Handler {
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
}
