package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for deployments.
// A Metrics built from a disabled config is a no-op; every Record method is nil safe.
type Metrics struct {
	config MetricsConfig

	// Job metrics
	jobsSubmitted *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    prometheus.Gauge

	// Per-target step metrics
	recordsFinished *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	rollbacks       *prometheus.CounterVec

	// Collaborator metrics
	collaboratorCalls    *prometheus.CounterVec
	collaboratorErrors   *prometheus.CounterVec
	collaboratorDuration *prometheus.HistogramVec
	retries              *prometheus.CounterVec

	// Diff and admission metrics
	comparisons       *prometheus.CounterVec
	admissionDenials  *prometheus.CounterVec
	targetsRegistered prometheus.Gauge

	server   *http.Server
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

		jobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Total number of deployment jobs submitted",
			},
			[]string{"mode", "config_type"},
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Total number of deployment jobs that reached a terminal state",
			},
			[]string{"status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall clock duration of deployment jobs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Number of jobs currently pending or running",
			},
		),

		recordsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_records_total",
				Help:      "Total number of per-target deployments by outcome",
			},
			[]string{"config_type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of per-target deployment steps in seconds",
				Buckets:   buckets,
			},
			[]string{"config_type", "status"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of per-target rollbacks",
			},
			[]string{"config_type", "outcome"},
		),

		collaboratorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collaborator_calls_total",
				Help:      "Total number of collaborator call attempts",
			},
			[]string{"operation"},
		),
		collaboratorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collaborator_errors_total",
				Help:      "Total number of failed collaborator call attempts",
			},
			[]string{"operation", "class"},
		),
		collaboratorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collaborator_duration_seconds",
				Help:      "Duration of collaborator call attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collaborator_retries_total",
				Help:      "Total number of collaborator call retries",
			},
			[]string{"operation"},
		),

		comparisons: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "comparisons_total",
				Help:      "Total number of version comparisons by mode and risk",
			},
			[]string{"mode", "risk"},
		),
		admissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_denials_total",
				Help:      "Total number of deployment requests denied by policy",
			},
			[]string{"config_type"},
		),
		targetsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "targets_registered",
				Help:      "Number of targets in the inventory",
			},
		),
	}

	registry.MustRegister(
		m.jobsSubmitted,
		m.jobsFinished,
		m.jobDuration,
		m.activeJobs,
		m.recordsFinished,
		m.stepDuration,
		m.rollbacks,
		m.collaboratorCalls,
		m.collaboratorErrors,
		m.collaboratorDuration,
		m.retries,
		m.comparisons,
		m.admissionDenials,
		m.targetsRegistered,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordJobSubmitted counts a newly accepted job.
func (m *Metrics) RecordJobSubmitted(mode, configType string) {
	if !m.enabled() {
		return
	}
	m.jobsSubmitted.WithLabelValues(mode, configType).Inc()
	m.activeJobs.Inc()
}

// RecordJobFinished records a job reaching a terminal state.
func (m *Metrics) RecordJobFinished(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeJobs.Dec()
}

// RecordStep records the outcome of one per-target step.
func (m *Metrics) RecordStep(configType, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.recordsFinished.WithLabelValues(configType, status).Inc()
	m.stepDuration.WithLabelValues(configType, status).Observe(duration.Seconds())
}

// RecordRollback records a rollback attempt and whether it succeeded.
func (m *Metrics) RecordRollback(configType string, ok bool) {
	if !m.enabled() {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failed"
	}
	m.rollbacks.WithLabelValues(configType, outcome).Inc()
}

// RecordCollaboratorCall records one collaborator call attempt.
// errorClass is empty for successful attempts.
func (m *Metrics) RecordCollaboratorCall(operation string, duration time.Duration, errorClass string) {
	if !m.enabled() {
		return
	}
	m.collaboratorCalls.WithLabelValues(operation).Inc()
	m.collaboratorDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if errorClass != "" {
		m.collaboratorErrors.WithLabelValues(operation, errorClass).Inc()
	}
}

// RecordRetry counts a retried collaborator call.
func (m *Metrics) RecordRetry(operation string) {
	if !m.enabled() {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// RecordComparison counts a computed (not cached) version comparison.
func (m *Metrics) RecordComparison(mode, risk string) {
	if !m.enabled() {
		return
	}
	m.comparisons.WithLabelValues(mode, risk).Inc()
}

// RecordAdmissionDenied counts a deployment request rejected by policy.
func (m *Metrics) RecordAdmissionDenied(configType string) {
	if !m.enabled() {
		return
	}
	m.admissionDenials.WithLabelValues(configType).Inc()
}

// SetTargetsRegistered sets the inventory size gauge.
func (m *Metrics) SetTargetsRegistered(count int) {
	if !m.enabled() {
		return
	}
	m.targetsRegistered.Set(float64(count))
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures elapsed time for metrics.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
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
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
