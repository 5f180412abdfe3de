// Package metrics exposes the optional Prometheus counters over
// the cache tier, shaped after the donor cache repo's MetricSet: hit
// counts by tier, error counts by site. Entirely optional — nothing in
// spec.md's invariants depends on these being wired up.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// CacheMetrics tracks cache-tier hit/error counts.
type CacheMetrics struct {
	hit *prometheus.CounterVec
	err *prometheus.CounterVec
}

// NewCacheMetrics creates and registers (if register is true) the
// counters under the given app name prefix.
func NewCacheMetrics(appName string, register bool) *CacheMetrics {
	m := &CacheMetrics{
		hit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: appName + "_cache_hit_total",
			Help: "Cache reads by tier: mem, redis, db.",
		}, []string{"tier"}),
		err: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: appName + "_cache_error_total",
			Help: "Cache errors by policy site.",
		}, []string{"when"}),
	}
	if register {
		_ = prometheus.Register(m.hit)
		_ = prometheus.Register(m.err)
	}
	return m
}

// Hit increments the hit counter for tier ("mem", "redis", "db").
func (m *CacheMetrics) Hit(tier string) {
	if m == nil {
		return
	}
	m.hit.WithLabelValues(tier).Inc()
}

// Error increments the error counter for the given policy site.
func (m *CacheMetrics) Error(when string) {
	if m == nil {
		return
	}
	m.err.WithLabelValues(when).Inc()
}
