package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for changeflow. A Metrics built with
// metrics disabled (or a nil *Metrics) records nothing.
type Metrics struct {
	config MetricsConfig

	// Change request metrics
	changeRequestsCreated *prometheus.CounterVec
	transitions           *prometheus.CounterVec
	activeExecutions      prometheus.Gauge

	// Blueprint metrics
	blueprintResolutions *prometheus.CounterVec

	// Gate metrics
	gateResults  *prometheus.CounterVec
	gateDuration *prometheus.HistogramVec

	// Lock metrics
	lockAcquisitions *prometheus.CounterVec

	// Runner metrics
	runnerAttempts *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		changeRequestsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "change_requests_created_total",
				Help:      "Total number of change requests created",
			},
			[]string{"purpose"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of change request state transitions",
			},
			[]string{"from", "to"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of change requests holding a workspace lock",
			},
		),
		blueprintResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blueprint_resolutions_total",
				Help:      "Total number of blueprint resolutions by result",
			},
			[]string{"purpose", "result"},
		),
		gateResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_results_total",
				Help:      "Total number of gate results by gate and outcome",
			},
			[]string{"gate", "outcome"},
		),
		gateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gate_duration_seconds",
				Help:      "Duration of gate evaluation in seconds",
				Buckets:   buckets,
			},
			[]string{"gate"},
		),
		lockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Total number of workspace lock acquisition attempts by result",
			},
			[]string{"result"},
		),
		runnerAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runner_attempts_total",
				Help:      "Total number of runner invocations by operation and status",
			},
			[]string{"operation", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runner invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors surfaced by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.changeRequestsCreated,
		m.transitions,
		m.activeExecutions,
		m.blueprintResolutions,
		m.gateResults,
		m.gateDuration,
		m.lockAcquisitions,
		m.runnerAttempts,
		m.runDuration,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordChangeRequestCreated counts a new change request.
func (m *Metrics) RecordChangeRequestCreated(purpose string) {
	if !m.enabled() {
		return
	}
	m.changeRequestsCreated.WithLabelValues(purpose).Inc()
}

// RecordTransition counts a state transition.
func (m *Metrics) RecordTransition(from, to string) {
	if !m.enabled() {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ExecutionStarted increments the active execution gauge.
func (m *Metrics) ExecutionStarted() {
	if !m.enabled() {
		return
	}
	m.activeExecutions.Inc()
}

// ExecutionFinished decrements the active execution gauge.
func (m *Metrics) ExecutionFinished() {
	if !m.enabled() {
		return
	}
	m.activeExecutions.Dec()
}

// RecordBlueprintResolution counts a resolution; result is "reused" or "drafted".
func (m *Metrics) RecordBlueprintResolution(purpose, result string) {
	if !m.enabled() {
		return
	}
	m.blueprintResolutions.WithLabelValues(purpose, result).Inc()
}

// RecordGateResult records one gate outcome and its duration.
func (m *Metrics) RecordGateResult(gate, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.gateResults.WithLabelValues(gate, outcome).Inc()
	m.gateDuration.WithLabelValues(gate).Observe(duration.Seconds())
}

// RecordLockAcquisition counts an acquisition attempt; result is "acquired",
// "conflict" or "recovered".
func (m *Metrics) RecordLockAcquisition(result string) {
	if !m.enabled() {
		return
	}
	m.lockAcquisitions.WithLabelValues(result).Inc()
}

// RecordRunnerAttempt records one runner invocation.
func (m *Metrics) RecordRunnerAttempt(operation, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runnerAttempts.WithLabelValues(operation, status).Inc()
	m.runDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError counts an error surfaced to a caller.
func (m *Metrics) RecordError(code string) {
	if !m.enabled() {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
