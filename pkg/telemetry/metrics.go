package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for graph runs.
type Metrics struct {
	config MetricsConfig

	// Task metrics
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksInFlight prometheus.Gauge
	cacheHits     *prometheus.CounterVec

	// Run metrics
	graphRuns   *prometheus.CounterVec
	runDuration prometheus.Histogram

	// Resolution metrics
	resolveDuration prometheus.Histogram

	// Error metrics
	errorsByType *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of task operations by kind, operation and resulting state",
			},
			[]string{"kind", "operation", "state"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task operations in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "operation"},
		),
		tasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_flight",
				Help:      "Current number of handler calls in progress",
			},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of tasks settled from a current status",
			},
			[]string{"kind"},
		),
		graphRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_runs_total",
				Help:      "Total number of scheduling runs",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "graph_run_duration_seconds",
				Help:      "Duration of scheduling runs in seconds",
				Buckets:   buckets,
			},
		),
		resolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_duration_seconds",
				Help:      "Duration of action graph resolution in seconds",
				Buckets:   buckets,
			},
		),
		errorsByType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of task errors by error type",
			},
			[]string{"type"},
		),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.tasksInFlight,
		m.cacheHits,
		m.graphRuns,
		m.runDuration,
		m.resolveDuration,
		m.errorsByType,
	)

	return m, nil
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Registry returns the registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Task Metrics

// TaskStarted increments the in-flight gauge.
func (m *Metrics) TaskStarted() {
	if m.tasksInFlight == nil {
		return
	}
	m.tasksInFlight.Inc()
}

// RecordTaskOperation records a finished handler call.
func (m *Metrics) RecordTaskOperation(kind, operation, state string, duration time.Duration) {
	if m.tasksTotal == nil {
		return
	}
	m.tasksInFlight.Dec()
	m.tasksTotal.WithLabelValues(kind, operation, state).Inc()
	m.taskDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// RecordCacheHit records a task that settled without processing.
func (m *Metrics) RecordCacheHit(kind string) {
	if m.cacheHits == nil {
		return
	}
	m.cacheHits.WithLabelValues(kind).Inc()
}

// Run Metrics

// RecordRun records a completed scheduling run.
func (m *Metrics) RecordRun(status string, duration time.Duration) {
	if m.graphRuns == nil {
		return
	}
	m.graphRuns.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordResolve records the duration of a resolution pass.
func (m *Metrics) RecordResolve(duration time.Duration) {
	if m.resolveDuration == nil {
		return
	}
	m.resolveDuration.Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m.errorsByType == nil {
		return
	}
	m.errorsByType.WithLabelValues(errorType).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors
// are sent to errFn.
func (m *Metrics) StartMetricsServer(errFn func(error)) error {
	if !m.Enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errFn != nil {
			errFn(err)
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
