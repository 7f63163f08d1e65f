package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the execution subsystem.
type Metrics struct {
	config MetricsConfig

	executionsCreated   *prometheus.CounterVec
	executionsStarted   *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec

	killsRequested *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
	spawnFailures  *prometheus.CounterVec
	timeouts       prometheus.Counter

	activeExecutions prometheus.Gauge
	queuedExecutions prometheus.Gauge

	errorsByClass *prometheus.CounterVec

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
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_created_total",
				Help:      "Total number of executions created",
			},
			[]string{"descriptor_type"},
		),
		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Total number of executions started",
			},
			[]string{"descriptor_type"},
		),
		executionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_completed_total",
				Help:      "Total number of executions that reached a terminal status",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of supervised executions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		killsRequested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kills_total",
				Help:      "Total number of kill requests by outcome",
			},
			[]string{"outcome"},
		),
		reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciled_total",
				Help:      "Total number of executions or process rows repaired at startup",
			},
			[]string{"kind"},
		),
		spawnFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spawn_failures_total",
				Help:      "Total number of failures to spawn an execution command",
			},
			[]string{"descriptor_type"},
		),
		timeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_timeouts_total",
				Help:      "Total number of executions terminated by timeout",
			},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of supervised executions",
			},
		),
		queuedExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_executions",
				Help:      "Current number of executions waiting for a worker",
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors returned to callers by error class",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.executionsCreated,
		m.executionsStarted,
		m.executionsCompleted,
		m.executionDuration,
		m.killsRequested,
		m.reconciled,
		m.spawnFailures,
		m.timeouts,
		m.activeExecutions,
		m.queuedExecutions,
		m.errorsByClass,
	)

	return m, nil
}

// RecordExecutionCreated increments the counter for created executions.
func (m *Metrics) RecordExecutionCreated(descriptorType string) {
	if m.executionsCreated == nil {
		return
	}
	m.executionsCreated.WithLabelValues(descriptorType).Inc()
}

// RecordExecutionStarted increments the counter for started executions.
func (m *Metrics) RecordExecutionStarted(descriptorType string) {
	if m.executionsStarted == nil {
		return
	}
	m.executionsStarted.WithLabelValues(descriptorType).Inc()
	m.activeExecutions.Inc()
}

// RecordExecutionCompleted records a supervised execution leaving Running.
func (m *Metrics) RecordExecutionCompleted(status string, duration time.Duration) {
	if m.executionsCompleted == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// RecordKill records the outcome of a kill request.
func (m *Metrics) RecordKill(outcome string) {
	if m.killsRequested == nil {
		return
	}
	m.killsRequested.WithLabelValues(outcome).Inc()
}

// RecordReconciled records a startup repair (kind is "execution" or "orphan").
func (m *Metrics) RecordReconciled(kind string) {
	if m.reconciled == nil {
		return
	}
	m.reconciled.WithLabelValues(kind).Inc()
}

// RecordSpawnFailure records a failure to start an execution command.
func (m *Metrics) RecordSpawnFailure(descriptorType string) {
	if m.spawnFailures == nil {
		return
	}
	m.spawnFailures.WithLabelValues(descriptorType).Inc()
}

// RecordTimeout records an execution terminated by its timeout.
func (m *Metrics) RecordTimeout() {
	if m.timeouts == nil {
		return
	}
	m.timeouts.Inc()
}

// SetQueuedExecutions sets the number of executions waiting for a worker.
func (m *Metrics) SetQueuedExecutions(count float64) {
	if m.queuedExecutions == nil {
		return
	}
	m.queuedExecutions.Set(count)
}

// RecordError records an error returned to a caller.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// StartMetricsServer starts an HTTP server to expose metrics.
// Serve errors other than a clean shutdown are passed to onError.
func (m *Metrics) StartMetricsServer(onError func(error)) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if onError != nil {
				onError(err)
			}
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
