package telemetry

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Telemetry bundles the logger, metrics and tracer of one CLI invocation.
type Telemetry struct {
	Log     zerolog.Logger
	Metrics *Metrics
	Tracer  *Tracer
	Config  Config
}

// New builds every telemetry component from cfg.
func New(cfg Config, serviceName, serviceVersion string) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, serviceName, serviceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Log:     logger,
		Metrics: metrics,
		Tracer:  tracer,
		Config:  cfg,
	}, nil
}

// Flush writes the metrics textfile, when one is configured.
func (t *Telemetry) Flush() error {
	if t.Config.Metrics.Textfile == "" {
		return nil
	}
	return t.Metrics.WriteTextfile(t.Config.Metrics.Textfile)
}

// Shutdown flushes metrics and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Flush(), t.Tracer.Shutdown(ctx))
}

// Nop returns telemetry that discards logs, metrics and spans.
func Nop() *Telemetry {
	tracer, _ := NewTracer(TracingConfig{}, "quilt", "")
	metrics, _ := NewMetrics(MetricsConfig{})
	return &Telemetry{Log: zerolog.Nop(), Metrics: metrics, Tracer: tracer}
}
