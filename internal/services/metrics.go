package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/yourusername/pricewatch-gateway/internal/logging"
	"github.com/yourusername/pricewatch-gateway/internal/models"
)

// CounterSink accepts best-effort counter increments
type CounterSink interface {
	Increment(ctx context.Context, name, tag string, by int64)
}

// CounterStore holds date-bucketed counters
type CounterStore interface {
	IncrementCounter(ctx context.Context, day, name, tag string, by int64) error
	Counters(ctx context.Context, from, to string) ([]models.CounterRow, error)
}

const dayLayout = "2006-01-02"

// Counter names with structured tags
const (
	latencyBucketMetric = "latbucket"
	sloRouteMetric      = "req.slo.route"
)

// LatencyBuckets are the bucket edges in export order
var LatencyBuckets = []string{"lt50", "lt100", "lt250", "lt500", "lt1000", "gte1000"}

// LatencyBucket names the bucket holding ms
func LatencyBucket(ms int64) string {
	switch {
	case ms < 50:
		return "lt50"
	case ms < 100:
		return "lt100"
	case ms < 250:
		return "lt250"
	case ms < 500:
		return "lt500"
	case ms < 1000:
		return "lt1000"
	default:
		return "gte1000"
	}
}

// MetricsRegistry records daily counters and request latency.
// Store failures are logged and counted, never returned to callers.
type MetricsRegistry struct {
	counters CounterStore
	slo      *SLOClassifier
	now      func() time.Time
	logger   *zap.Logger

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	storeErrors prometheus.Counter
}

// NewMetricsRegistry creates a metrics registry and registers its collectors on reg
func NewMetricsRegistry(counters CounterStore, slo *SLOClassifier, reg prometheus.Registerer, logger *zap.Logger) *MetricsRegistry {
	factory := promauto.With(reg)
	return &MetricsRegistry{
		counters: counters,
		slo:      slo,
		now:      time.Now,
		logger:   logger.With(logging.Component("metrics")),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Requests handled per route and status code",
		}, []string{"route", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency per route",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"route"}),
		storeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "metrics_store_errors_total",
			Help: "Counter increments that failed to reach the store",
		}),
	}
}

// Today returns the UTC day bucket for now
func (m *MetricsRegistry) Today() string {
	return m.now().UTC().Format(dayLayout)
}

// Increment adds by to the (today, name, tag) counter
func (m *MetricsRegistry) Increment(ctx context.Context, name, tag string, by int64) {
	if err := m.counters.IncrementCounter(ctx, m.Today(), name, tag, by); err != nil {
		m.storeErrors.Inc()
		m.logger.Warn("counter increment failed", logging.Metric(name), zap.Error(err))
	}
}

// RecordRequest counts one finished request by route and status family
func (m *MetricsRegistry) RecordRequest(ctx context.Context, route string, status int) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()

	m.Increment(ctx, "req.total", "", 1)
	m.Increment(ctx, "req.status", fmt.Sprintf("%dxx", status/100), 1)
	m.Increment(ctx, "req.route", route, 1)
	switch {
	case status >= 500:
		m.Increment(ctx, "request.error", "5xx", 1)
	case status >= 400:
		m.Increment(ctx, "request.error", "4xx", 1)
	}
}

// ObserveLatency classifies d against the route SLO and records its bucket
func (m *MetricsRegistry) ObserveLatency(ctx context.Context, route string, d time.Duration) models.SLOClass {
	ms := d.Milliseconds()
	m.duration.WithLabelValues(route).Observe(d.Seconds())
	m.Increment(ctx, latencyBucketMetric, route+"."+LatencyBucket(ms), 1)

	class, err := m.slo.Classify(ctx, route, ms)
	if err != nil {
		m.storeErrors.Inc()
		m.logger.Warn("slo window append failed", logging.Route(route), zap.Error(err))
	}
	m.Increment(ctx, sloRouteMetric, route+"."+string(class), 1)
	return class
}

// Rows returns counter rows for the last days calendar days, today included
func (m *MetricsRegistry) Rows(ctx context.Context, days int) ([]models.CounterRow, error) {
	if days < 1 {
		days = 1
	}
	to := m.now().UTC()
	from := to.AddDate(0, 0, -(days - 1))
	return m.counters.Counters(ctx, from.Format(dayLayout), to.Format(dayLayout))
}

// Totals sums counters over the last days calendar days, keyed by dotted name
func (m *MetricsRegistry) Totals(ctx context.Context, days int) (map[string]int64, error) {
	rows, err := m.Rows(ctx, days)
	if err != nil {
		return nil, err
	}
	totals := make(map[string]int64, len(rows))
	for _, r := range rows {
		totals[r.Key()] += r.Value
	}
	return totals, nil
}

// DayRows returns today's counter rows
func (m *MetricsRegistry) DayRows(ctx context.Context) ([]models.CounterRow, error) {
	today := m.Today()
	return m.counters.Counters(ctx, today, today)
}
