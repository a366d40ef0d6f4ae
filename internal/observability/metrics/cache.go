// Package metrics defines the Prometheus collectors of the image pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Eviction reasons.
const (
	EvictExpired = "expired"
	EvictBudget  = "budget"
	EvictStale   = "stale"
	EvictClear   = "clear"
)

// CacheMetrics tracks the on-disk image cache. All methods are safe on a
// nil receiver so the cache can run without metrics.
type CacheMetrics struct {
	SizeBytes  prometheus.Gauge
	Entries    prometheus.Gauge
	Hits       prometheus.Counter
	Misses     prometheus.Counter
	Writes     prometheus.Counter
	WriteSkips *prometheus.CounterVec
	Evictions  *prometheus.CounterVec
	IndexSaves *prometheus.CounterVec
}

// NewCacheMetrics creates the cache collectors and registers them.
func NewCacheMetrics(registry prometheus.Registerer) (*CacheMetrics, error) {
	m := &CacheMetrics{
		SizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagewall_cache_size_bytes",
			Help: "Total size of cached image blobs.",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagewall_cache_entries",
			Help: "Number of entries in the cache index.",
		}),
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagewall_cache_hits_total",
			Help: "Cache lookups that returned an image.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagewall_cache_misses_total",
			Help: "Cache lookups that found nothing usable.",
		}),
		Writes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagewall_cache_writes_total",
			Help: "Images persisted to the cache.",
		}),
		WriteSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagewall_cache_write_skips_total",
			Help: "Cache writes skipped, by reason.",
		}, []string{"reason"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagewall_cache_evictions_total",
			Help: "Entries removed from the cache, by reason.",
		}, []string{"reason"}),
		IndexSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagewall_cache_index_saves_total",
			Help: "Index persistence attempts, by result.",
		}, []string{"result"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register cache metrics: %w", err)
	}
	return m, nil
}

func (m *CacheMetrics) SetSize(bytes int64, entries int) {
	if m == nil {
		return
	}
	m.SizeBytes.Set(float64(bytes))
	m.Entries.Set(float64(entries))
}

func (m *CacheMetrics) Hit() {
	if m != nil {
		m.Hits.Inc()
	}
}

func (m *CacheMetrics) Miss() {
	if m != nil {
		m.Misses.Inc()
	}
}

func (m *CacheMetrics) Write() {
	if m != nil {
		m.Writes.Inc()
	}
}

func (m *CacheMetrics) WriteSkipped(reason string) {
	if m != nil {
		m.WriteSkips.WithLabelValues(reason).Inc()
	}
}

func (m *CacheMetrics) Evicted(reason string, n int) {
	if m != nil && n > 0 {
		m.Evictions.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *CacheMetrics) IndexSaved(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.IndexSaves.WithLabelValues(result).Inc()
}

// Describe implements prometheus.Collector.
func (m *CacheMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.SizeBytes.Describe(ch)
	m.Entries.Describe(ch)
	m.Hits.Describe(ch)
	m.Misses.Describe(ch)
	m.Writes.Describe(ch)
	m.WriteSkips.Describe(ch)
	m.Evictions.Describe(ch)
	m.IndexSaves.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *CacheMetrics) Collect(ch chan<- prometheus.Metric) {
	m.SizeBytes.Collect(ch)
	m.Entries.Collect(ch)
	m.Hits.Collect(ch)
	m.Misses.Collect(ch)
	m.Writes.Collect(ch)
	m.WriteSkips.Collect(ch)
	m.Evictions.Collect(ch)
	m.IndexSaves.Collect(ch)
}
