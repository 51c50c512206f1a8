// Package prometheus exposes engine counters as a
// prometheus.Collector so they can join an existing registry and be
// served by promhttp.
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	tokenledger "github.com/arkadyv/tokenledger"
)

// Source is the slice of the engine the exporter needs. *Engine
// satisfies it.
type Source interface {
	MetricsSnapshot() tokenledger.MetricsSnapshot
	AuditDropped() uint64
}

type counterDef struct {
	id   tokenledger.MetricID
	name string
	help string
}

var counterDefs = []counterDef{
	{tokenledger.MetricLoginSuccess, "tokenledger_login_success_total", "Successful login attempts."},
	{tokenledger.MetricLoginFailure, "tokenledger_login_failure_total", "Failed login attempts."},
	{tokenledger.MetricLoginRateLimited, "tokenledger_login_rate_limited_total", "Rate-limited login attempts."},
	{tokenledger.MetricRefreshSuccess, "tokenledger_refresh_success_total", "Successful refresh rotations."},
	{tokenledger.MetricRefreshFailure, "tokenledger_refresh_failure_total", "Failed refresh attempts."},
	{tokenledger.MetricRefreshReuseDetected, "tokenledger_refresh_reuse_detected_total", "Detected refresh token reuses."},
	{tokenledger.MetricRefreshRateLimited, "tokenledger_refresh_rate_limited_total", "Rate-limited refresh attempts."},
	{tokenledger.MetricAuthorizeSuccess, "tokenledger_authorize_success_total", "Authorized access tokens."},
	{tokenledger.MetricAuthorizeDenied, "tokenledger_authorize_denied_total", "Denied access tokens."},
	{tokenledger.MetricLogout, "tokenledger_logout_total", "Logout operations."},
	{tokenledger.MetricFamilyRevoked, "tokenledger_family_revoked_total", "Family-wide revocations."},
	{tokenledger.MetricCacheHit, "tokenledger_cache_hit_total", "Status reads answered by the cache."},
	{tokenledger.MetricCacheMiss, "tokenledger_cache_miss_total", "Status reads that fell through to the ledger."},
	{tokenledger.MetricCacheDegraded, "tokenledger_cache_degraded_total", "Redis operations skipped due to outage."},
	{tokenledger.MetricConflictRetried, "tokenledger_conflict_retried_total", "Rotations retried after losing a race."},
}

const (
	latencyName = "tokenledger_authorize_latency_seconds"
	droppedName = "tokenledger_audit_dropped_total"
)

// latencyBounds are the histogram upper bounds in seconds, matching
// the engine's millisecond buckets.
var latencyBounds = func() []float64 {
	out := make([]float64, len(tokenledger.HistogramBucketBounds))
	for i, ms := range tokenledger.HistogramBucketBounds {
		out[i] = float64(ms) / 1000
	}
	return out
}()

// Exporter implements prometheus.Collector over a metrics source.
// Collect takes one snapshot per scrape; the engine's counters stay
// lock-free.
type Exporter struct {
	source       Source
	counterDescs map[tokenledger.MetricID]*prometheus.Desc
	latencyDesc  *prometheus.Desc
	droppedDesc  *prometheus.Desc
}

// NewExporter creates a collector reading from source.
func NewExporter(source Source) *Exporter {
	descs := make(map[tokenledger.MetricID]*prometheus.Desc, len(counterDefs))
	for _, def := range counterDefs {
		descs[def.id] = prometheus.NewDesc(def.name, def.help, nil, nil)
	}

	return &Exporter{
		source:       source,
		counterDescs: descs,
		latencyDesc:  prometheus.NewDesc(latencyName, "Authorize latency histogram.", nil, nil),
		droppedDesc:  prometheus.NewDesc(droppedName, "Audit events dropped under backpressure.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range e.counterDescs {
		ch <- desc
	}
	ch <- e.latencyDesc
	ch <- e.droppedDesc
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	if e == nil || e.source == nil {
		return
	}

	snapshot := e.source.MetricsSnapshot()

	for _, def := range counterDefs {
		ch <- prometheus.MustNewConstMetric(
			e.counterDescs[def.id],
			prometheus.CounterValue,
			float64(snapshot.Counters[def.id]),
		)
	}

	if raw, ok := snapshot.Histograms[tokenledger.MetricAuthorizeLatency]; ok {
		buckets := make(map[float64]uint64, len(latencyBounds))
		var count uint64
		for i, bound := range latencyBounds {
			if i < len(raw) {
				count += raw[i]
			}
			buckets[bound] = count
		}
		// The final overflow bucket only contributes to the total count.
		if len(raw) > len(latencyBounds) {
			count += raw[len(latencyBounds)]
		}
		ch <- prometheus.MustNewConstHistogram(e.latencyDesc, count, 0, buckets)
	}

	ch <- prometheus.MustNewConstMetric(
		e.droppedDesc,
		prometheus.CounterValue,
		float64(e.source.AuditDropped()),
	)
}

// Handler registers the exporter in a fresh registry and returns an
// http.Handler serving it. Use NewExporter with your own registry to
// combine with other collectors.
func Handler(source Source) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewExporter(source))
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
