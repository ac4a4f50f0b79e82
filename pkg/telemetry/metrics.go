package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for convergence runs. A Metrics
// built from a disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	resources    *prometheus.CounterVec
	changes      *prometheus.CounterVec
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of convergence runs per target",
			},
			[]string{"target", "result"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of convergence runs in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"target"},
		),
		resources: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_converged_total",
				Help:      "Total number of resources converged",
			},
			[]string{"type", "result"},
		),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_total",
				Help:      "Total number of changes applied or planned",
			},
			[]string{"type", "action"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by kind",
			},
			[]string{"kind"},
		),
	}

	collectors := []prometheus.Collector{m.runs, m.runDuration, m.resources, m.changes, m.errorsByKind}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Enabled reports whether metrics are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRun records a finished run for a target.
func (m *Metrics) RecordRun(target string, err error, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.runs.WithLabelValues(target, result(err)).Inc()
	m.runDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordResource records the outcome of converging one resource.
func (m *Metrics) RecordResource(typ string, err error) {
	if !m.Enabled() {
		return
	}
	m.resources.WithLabelValues(typ, result(err)).Inc()
}

// RecordChange counts one change of the given action on a resource type.
func (m *Metrics) RecordChange(typ, action string) {
	if !m.Enabled() {
		return
	}
	m.changes.WithLabelValues(typ, action).Inc()
}

// RecordError counts an error by kind.
func (m *Metrics) RecordError(kind string) {
	if !m.Enabled() {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Gatherer exposes the registry, or nil when metrics are disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if !m.Enabled() {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the registry to path in the text exposition
// format read by node_exporter's textfile collector. The file is replaced
// atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if !m.Enabled() {
		return nil
	}
	if path == "" {
		path = m.config.Textfile
	}
	if path == "" {
		return errors.New("no metrics textfile configured")
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics on the configured listen address until the
// server fails. It returns immediately when no address is configured.
func (m *Metrics) Serve() error {
	if !m.Enabled() || m.config.Listen == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              m.config.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
