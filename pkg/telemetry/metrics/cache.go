package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"impactlab/rulecore/pkg/config"
)

// CacheMetrics tracks result cache performance.
//
// Metrics:
//   - rulecore_engine_cache_hits_total: hits by rule
//   - rulecore_engine_cache_misses_total: misses
//   - rulecore_engine_cache_entries: current number of entries
//   - rulecore_engine_cache_evictions_total: evictions by reason
type CacheMetrics struct {
	hitsTotal      *prometheus.CounterVec
	missesTotal    prometheus.Counter
	entries        prometheus.Gauge
	evictionsTotal *prometheus.CounterVec
}

// NewCacheMetrics creates and registers cache metrics with the provided registry.
func NewCacheMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *CacheMetrics {
	cm := &CacheMetrics{
		hitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "cache_hits_total",
				Help:      "Total number of result cache hits",
			},
			[]string{"rule"},
		),

		missesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "cache_misses_total",
				Help:      "Total number of result cache misses",
			},
		),

		entries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "cache_entries",
				Help:      "Current number of entries in the result cache",
			},
		),

		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "cache_evictions_total",
				Help:      "Total number of result cache evictions",
			},
			[]string{"reason"},
		),
	}

	registry.MustRegister(
		cm.hitsTotal,
		cm.missesTotal,
		cm.entries,
		cm.evictionsTotal,
	)

	return cm
}

// RecordHit records a cache hit for rule.
func (cm *CacheMetrics) RecordHit(rule string) {
	cm.hitsTotal.WithLabelValues(rule).Inc()
}

// RecordMiss records a cache miss.
func (cm *CacheMetrics) RecordMiss() {
	cm.missesTotal.Inc()
}

// UpdateSize sets the current number of entries.
func (cm *CacheMetrics) UpdateSize(size int) {
	cm.entries.Set(float64(size))
}

// RecordEviction records an eviction. reason is capacity, expired,
// invalidated or flushed.
func (cm *CacheMetrics) RecordEviction(reason string) {
	cm.evictionsTotal.WithLabelValues(reason).Inc()
}
