// Package observability wires the Prometheus registry for imagewall.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/observability/metrics"
)

// Metrics holds every collector of the application.
type Metrics struct {
	registry *prometheus.Registry
	Cache    *metrics.CacheMetrics
	Loader   *metrics.LoaderMetrics
}

// NewMetrics creates a private registry with Go runtime, process, cache and
// loader collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cacheMetrics, err := metrics.NewCacheMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache metrics: %w", err)
	}
	loaderMetrics, err := metrics.NewLoaderMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create loader metrics: %w", err)
	}

	return &Metrics{registry: registry, Cache: cacheMetrics, Loader: loaderMetrics}, nil
}

// CountErrors registers an error hook that counts every built error by
// category.
func (m *Metrics) CountErrors() {
	errors.AddErrorHook(func(ee *errors.EnhancedError) {
		m.Loader.Error(string(ee.Category))
	})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
