package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry section of quilt.yaml.
type Config struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output"`

	// Caller adds file:line caller information to logs.
	Caller bool `yaml:"caller"`

	// TimeFormat specifies the timestamp format (rfc3339, unix, unixms).
	TimeFormat string `yaml:"time_format" validate:"omitempty,oneof=rfc3339 unix unixms unixmicro"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Textfile is written after every run in the node_exporter textfile
	// collector format.
	Textfile string `yaml:"textfile"`

	// Listen is an optional address serving /metrics while quilt watch runs.
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`

	// Namespace is the metrics namespace prefix.
	Namespace string `yaml:"namespace"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector endpoint, e.g. localhost:4317.
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure"`

	// ExportTimeout bounds each batch export.
	ExportTimeout time.Duration `yaml:"export_timeout"`
}

// DefaultConfig returns the telemetry defaults: console logging at info,
// metrics and tracing off.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Metrics: MetricsConfig{
			Namespace: "quilt",
		},
		Tracing: TracingConfig{
			Exporter:      "stdout",
			SamplingRate:  1.0,
			ExportTimeout: 10 * time.Second,
		},
	}
}

// Validate checks the combinations struct tags cannot express.
func (c Config) Validate() error {
	if c.Metrics.Enabled && c.Metrics.Textfile == "" && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics enabled but neither textfile nor listen is set")
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "" {
		return fmt.Errorf("tracing enabled without an exporter")
	}
	return nil
}
