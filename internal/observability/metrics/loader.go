package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Load results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// LoaderMetrics tracks the load queue and transport strategies. Nil-safe.
type LoaderMetrics struct {
	QueueDepth    prometheus.Gauge
	ActiveLoads   prometheus.Gauge
	Loads         *prometheus.CounterVec
	Attempts      *prometheus.CounterVec
	LoadDuration  *prometheus.HistogramVec
	Retries       prometheus.Counter
	WatchdogKicks prometheus.Counter
	Errors        *prometheus.CounterVec
}

// NewLoaderMetrics creates the loader collectors and registers them.
func NewLoaderMetrics(registry prometheus.Registerer) (*LoaderMetrics, error) {
	m := &LoaderMetrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagewall_queue_depth",
			Help: "Image loads waiting in the queue.",
		}),
		ActiveLoads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagewall_active_loads",
			Help: "Image loads currently in flight.",
		}),
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagewall_loads_total",
			Help: "Finished image loads by winning strategy and result.",
		}, []string{"strategy", "result"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagewall_strategy_attempts_total",
			Help: "Transport strategy attempts by strategy and result.",
		}, []string{"strategy", "result"}),
		LoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagewall_load_duration_seconds",
			Help:    "Time from dispatch to a loaded or failed slot.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagewall_load_retries_total",
			Help: "Load retries scheduled after a failed attempt.",
		}),
		WatchdogKicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagewall_watchdog_restarts_total",
			Help: "Times the watchdog restarted a stalled drain loop.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagewall_errors_total",
			Help: "Errors built by the pipeline, by category.",
		}, []string{"category"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register loader metrics: %w", err)
	}
	return m, nil
}

func (m *LoaderMetrics) SetQueue(depth, active int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
	m.ActiveLoads.Set(float64(active))
}

func (m *LoaderMetrics) LoadFinished(strategy string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
		strategy = "none"
	}
	m.Loads.WithLabelValues(strategy, result).Inc()
	m.LoadDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *LoaderMetrics) StrategyAttempt(strategy string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.Attempts.WithLabelValues(strategy, result).Inc()
}

func (m *LoaderMetrics) Retry() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *LoaderMetrics) WatchdogRestart() {
	if m != nil {
		m.WatchdogKicks.Inc()
	}
}

func (m *LoaderMetrics) Error(category string) {
	if m != nil {
		m.Errors.WithLabelValues(category).Inc()
	}
}

// Describe implements prometheus.Collector.
func (m *LoaderMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.QueueDepth.Describe(ch)
	m.ActiveLoads.Describe(ch)
	m.Loads.Describe(ch)
	m.Attempts.Describe(ch)
	m.LoadDuration.Describe(ch)
	m.Retries.Describe(ch)
	m.WatchdogKicks.Describe(ch)
	m.Errors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *LoaderMetrics) Collect(ch chan<- prometheus.Metric) {
	m.QueueDepth.Collect(ch)
	m.ActiveLoads.Collect(ch)
	m.Loads.Collect(ch)
	m.Attempts.Collect(ch)
	m.LoadDuration.Collect(ch)
	m.Retries.Collect(ch)
	m.WatchdogKicks.Collect(ch)
	m.Errors.Collect(ch)
}
