// Package prometheus provides the Prometheus-backed implementations of
// the pagetier metrics interfaces.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/pagetier/pkg/filecache"
	"github.com/marmos91/pagetier/pkg/metrics"
)

// cacheMetrics is the Prometheus implementation of filecache.Metrics.
type cacheMetrics struct {
	reads       *prometheus.CounterVec
	writes      prometheus.Counter
	evictions   prometheus.Counter
	usedChunks  prometheus.Gauge
	limitChunks prometheus.Gauge
}

// NewCacheMetrics creates a Prometheus-backed filecache.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called),
// which callers pass straight through to the cache for zero overhead.
func NewCacheMetrics() filecache.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &cacheMetrics{
		reads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagetier_cache_reads_total",
				Help: "Total number of cache read lookups by outcome",
			},
			[]string{"status"}, // "hit", "miss"
		),
		writes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pagetier_cache_writes_total",
				Help: "Total number of pages written into the cache",
			},
		),
		evictions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pagetier_cache_evictions_total",
				Help: "Total number of chunks evicted from the cache",
			},
		),
		usedChunks: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "pagetier_cache_used_chunks",
				Help: "Number of chunks currently holding cached pages",
			},
		),
		limitChunks: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "pagetier_cache_limit_chunks",
				Help: "Current cache size limit in chunks",
			},
		),
	}
}

func (m *cacheMetrics) ObserveRead(hit bool) {
	status := "miss"
	if hit {
		status = "hit"
	}
	m.reads.WithLabelValues(status).Inc()
}

func (m *cacheMetrics) ObserveWrite() {
	m.writes.Inc()
}

func (m *cacheMetrics) ObserveEviction(chunks int) {
	m.evictions.Add(float64(chunks))
}

func (m *cacheMetrics) SetUsage(used, limit uint32) {
	m.usedChunks.Set(float64(used))
	m.limitChunks.Set(float64(limit))
}
