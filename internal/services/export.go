package services

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/yourusername/pricewatch-gateway/internal/models"
)

var unsafeMetricChars = regexp.MustCompile(`[^A-Za-z0-9_:]`)

// NormalizeMetricName maps a dotted metric name to the export alphabet
func NormalizeMetricName(name string) string {
	return unsafeMetricChars.ReplaceAllString(name, "_")
}

// RouteLatency carries the quantiles of one route window, in milliseconds
type RouteLatency struct {
	Route   string  `json:"route"`
	P50     float64 `json:"p50_ms"`
	P95     float64 `json:"p95_ms"`
	Samples int     `json:"samples"`
}

// NearestRank returns the p-th percentile of sorted by nearest-rank selection
func NearestRank(sorted []int64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return float64(sorted[rank-1])
}

// ratioGauge is success/(success+failure) over named counters
type ratioGauge struct {
	name    string
	success []string
	failure []string
}

var ratioGauges = []ratioGauge{
	{
		name:    "email_success_ratio",
		success: []string{"email.delivered"},
		failure: []string{"email.send_error", "email.bounced"},
	},
	{
		name:    "webhook_success_ratio",
		success: []string{"webhook.sent", "webhook.retry_success"},
		failure: []string{"webhook.error"},
	},
}

// FormatExport renders counters, quantiles, buckets and gauges, in that order
func FormatExport(prefix string, rows []models.CounterRow, latencies []RouteLatency) string {
	counters := map[string]int64{}
	buckets := map[string]map[string]int64{}
	slo := map[string]*[2]int64{}

	for _, r := range rows {
		switch r.Name {
		case latencyBucketMetric:
			i := strings.LastIndex(r.Tag, ".")
			if i <= 0 {
				continue
			}
			route, bucket := r.Tag[:i], r.Tag[i+1:]
			if buckets[route] == nil {
				buckets[route] = map[string]int64{}
			}
			buckets[route][bucket] += r.Value
			continue
		case sloRouteMetric:
			if i := strings.LastIndex(r.Tag, "."); i > 0 {
				route := r.Tag[:i]
				if slo[route] == nil {
					slo[route] = &[2]int64{}
				}
				if r.Tag[i+1:] == string(models.SLOBreach) {
					slo[route][1] += r.Value
				} else {
					slo[route][0] += r.Value
				}
			}
		}
		counters[r.Key()] += r.Value
	}

	var b strings.Builder

	// (1) scalar counters
	names := sortedKeys(counters)
	if len(names) > 0 {
		fmt.Fprintf(&b, "# TYPE %s_metric counter\n", prefix)
	}
	for _, name := range names {
		fmt.Fprintf(&b, "%s_metric{name=\"%s\"} %d\n", prefix, NormalizeMetricName(name), counters[name])
	}

	// (2) quantiles
	sort.Slice(latencies, func(i, j int) bool { return latencies[i].Route < latencies[j].Route })
	if len(latencies) > 0 {
		fmt.Fprintf(&b, "# TYPE %s_latency gauge\n", prefix)
	}
	for _, l := range latencies {
		route := NormalizeMetricName(l.Route)
		fmt.Fprintf(&b, "%s_latency{route=\"%s\",quantile=\"p50\"} %.2f\n", prefix, route, l.P50)
		fmt.Fprintf(&b, "%s_latency{route=\"%s\",quantile=\"p95\"} %.2f\n", prefix, route, l.P95)
	}

	// (3) buckets
	routes := make([]string, 0, len(buckets))
	for route := range buckets {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	if len(routes) > 0 {
		fmt.Fprintf(&b, "# TYPE %s_latency_bucket counter\n", prefix)
	}
	for _, route := range routes {
		for _, edge := range LatencyBuckets {
			n, ok := buckets[route][edge]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "%s_latency_bucket{route=\"%s\",bucket=\"%s\"} %d\n", prefix, NormalizeMetricName(route), edge, n)
		}
	}

	// (4) derived gauges, omitted when their denominator is zero
	for _, g := range ratioGauges {
		var ok, bad int64
		for _, n := range g.success {
			ok += counters[n]
		}
		for _, n := range g.failure {
			bad += counters[n]
		}
		if ok+bad == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s_%s %.6f\n", prefix, g.name, float64(ok)/float64(ok+bad))
	}
	sloRoutes := make([]string, 0, len(slo))
	for route := range slo {
		sloRoutes = append(sloRoutes, route)
	}
	sort.Strings(sloRoutes)
	for _, route := range sloRoutes {
		good, breach := slo[route][0], slo[route][1]
		if good+breach == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s_slo_burn_%s %.6f\n", prefix, NormalizeMetricName(route), float64(breach)/float64(good+breach))
	}

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Exporter renders the text export from live stores
type Exporter struct {
	metrics *MetricsRegistry
	slo     *SLOClassifier
	prefix  string
}

// NewExporter creates an exporter whose metric names start with prefix
func NewExporter(metrics *MetricsRegistry, slo *SLOClassifier, prefix string) *Exporter {
	if prefix == "" {
		prefix = "pq"
	}
	return &Exporter{metrics: metrics, slo: slo, prefix: prefix}
}

// ExportText reads today's counters and every route window
func (e *Exporter) ExportText(ctx context.Context) (string, error) {
	rows, err := e.metrics.DayRows(ctx)
	if err != nil {
		return "", fmt.Errorf("read counters: %w", err)
	}
	latencies, err := e.Latencies(ctx)
	if err != nil {
		return "", err
	}
	return FormatExport(e.prefix, rows, latencies), nil
}

// Latencies returns p50 and p95 for every route with a non-empty window
func (e *Exporter) Latencies(ctx context.Context) ([]RouteLatency, error) {
	routes, err := e.slo.Routes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}

	latencies := []RouteLatency{}
	for _, route := range routes {
		samples, err := e.slo.Samples(ctx, route)
		if err != nil {
			return nil, fmt.Errorf("read window %s: %w", route, err)
		}
		if len(samples) == 0 {
			continue
		}
		durations := make([]int64, len(samples))
		for i, s := range samples {
			durations[i] = s.DurationMs
		}
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		latencies = append(latencies, RouteLatency{
			Route:   route,
			P50:     NearestRank(durations, 50),
			P95:     NearestRank(durations, 95),
			Samples: len(durations),
		})
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i].Route < latencies[j].Route })
	return latencies, nil
}

// Totals sums counters over the last days calendar days
func (e *Exporter) Totals(ctx context.Context, days int) (map[string]int64, error) {
	totals, err := e.metrics.Totals(ctx, days)
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	return totals, nil
}

// Buckets sums latency bucket counts per route over the last days calendar days
func (e *Exporter) Buckets(ctx context.Context, days int) (map[string]map[string]int64, error) {
	rows, err := e.metrics.Rows(ctx, days)
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	buckets := map[string]map[string]int64{}
	for _, r := range rows {
		if r.Name != latencyBucketMetric {
			continue
		}
		i := strings.LastIndex(r.Tag, ".")
		if i <= 0 {
			continue
		}
		route, bucket := r.Tag[:i], r.Tag[i+1:]
		if buckets[route] == nil {
			buckets[route] = make(map[string]int64, len(LatencyBuckets))
		}
		buckets[route][bucket] += r.Value
	}
	return buckets, nil
}
