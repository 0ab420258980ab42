package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for runbook execution.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runStatus    *prometheus.CounterVec
	activeRuns   prometheus.Gauge

	// Construct metrics
	constructsExecuted *prometheus.CounterVec
	constructDuration  *prometheus.HistogramVec

	// Signer and supervisor metrics
	signerPhases *prometheus.CounterVec
	actionItems  *prometheus.CounterVec

	// Background task metrics
	backgroundPolls *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
	logger   *Logger
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg, logger: FromContext(context.Background())}, nil
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
		logger:   FromContext(context.Background()),

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of runs reaching a terminal status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds, supervisor time included",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		runStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_status_transitions_total",
				Help:      "Total number of run status transitions by target status",
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),

		constructsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "constructs_executed_total",
				Help:      "Total number of construct executions",
			},
			[]string{"namespace", "outcome"},
		),
		constructDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "construct_duration_seconds",
				Help:      "Duration of construct executions in seconds",
				Buckets:   buckets,
			},
			[]string{"namespace"},
		),

		signerPhases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signer_phases_total",
				Help:      "Total number of signer protocol phases run",
			},
			[]string{"phase", "outcome"},
		),
		actionItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_items_emitted_total",
				Help:      "Total number of action items sent to the supervisor",
			},
			[]string{"panel"},
		),

		backgroundPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "background_polls_total",
				Help:      "Total number of background task polls",
			},
			[]string{"outcome"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.runStatus,
		m.activeRuns,
		m.constructsExecuted,
		m.constructDuration,
		m.signerPhases,
		m.actionItems,
		m.backgroundPolls,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunStatus counts a status transition.
func (m *Metrics) RecordRunStatus(status string) {
	if m.registry == nil {
		return
	}
	m.runStatus.WithLabelValues(status).Inc()
}

// RecordRunFinished records a finished run with its status and duration.
func (m *Metrics) RecordRunFinished(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Construct Metrics

// RecordConstructExecution records one construct execution.
func (m *Metrics) RecordConstructExecution(namespace, outcome string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.constructsExecuted.WithLabelValues(namespace, outcome).Inc()
	m.constructDuration.WithLabelValues(namespace).Observe(duration.Seconds())
}

// RecordSignerPhase records one signer protocol phase.
func (m *Metrics) RecordSignerPhase(phase, outcome string) {
	if m.registry == nil {
		return
	}
	m.signerPhases.WithLabelValues(phase, outcome).Inc()
}

// RecordActionItems records items sent to the supervisor in a panel.
func (m *Metrics) RecordActionItems(panel string, count int) {
	if m.registry == nil || count <= 0 {
		return
	}
	m.actionItems.WithLabelValues(panel).Add(float64(count))
}

// RecordBackgroundPoll records one poll of a background task.
func (m *Metrics) RecordBackgroundPoll(outcome string) {
	if m.registry == nil {
		return
	}
	m.backgroundPolls.WithLabelValues(outcome).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.registry == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the registry holding the metrics, nil when disabled.
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

// StartMetricsServer serves the metrics endpoint until ShutdownServer is
// called. It is a no-op without a listen address.
func (m *Metrics) StartMetricsServer() error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.WithError(err).Error("Metrics server stopped")
		}
	}()

	return nil
}

// ShutdownServer stops the metrics endpoint.
func (m *Metrics) ShutdownServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
