package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.level); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})
	log.Info().Msg("hidden")
	log.Warn().Str("resource", "fs.file[/a]").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"resource":"fs.file[/a]"`) || !strings.Contains(out, `"message":"shown"`) {
		t.Errorf("unexpected output %s", out)
	}
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quilt.log")
	log, err := NewLogger(LoggingConfig{Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Info().Msg("to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file = %q", data)
	}
}

func TestMetricsTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quilt.prom")
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "quilt", Textfile: path})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordRun("web1", nil, 0)
	m.RecordRun("web2", errors.New("boom"), 0)
	m.RecordResource("fs.file", nil)
	m.RecordChange("fs.file", "chmod")
	m.RecordChange("fs.file", "chmod")
	m.RecordError("remote_operation")

	if err := m.WriteTextfile(""); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`quilt_runs_total{result="ok",target="web1"} 1`,
		`quilt_runs_total{result="error",target="web2"} 1`,
		`quilt_resources_converged_total{result="ok",type="fs.file"} 1`,
		`quilt_changes_total{action="chmod",type="fs.file"} 2`,
		`quilt_errors_total{kind="remote_operation"} 1`,
		`quilt_run_duration_seconds_count{target="web1"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q:\n%s", want, data)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordRun("web1", nil, 0)
	m.RecordChange("fs.file", "create")
	if m.Enabled() || m.Gatherer() != nil {
		t.Error("disabled metrics report enabled")
	}
	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Errorf("WriteTextfile on disabled metrics: %v", err)
	}
}

func TestTracerSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tracer := newTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)), "quilt")

	ctx, run := tracer.StartRun(context.Background(), "run-1", "web1", true)
	_, res := tracer.StartResource(ctx, SpanEnsure, "fs.file[/a]", "fs.file")
	End(res, errors.New("denied"))
	End(run, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended %d spans, want 2", len(spans))
	}
	ensure, runSpan := spans[0], spans[1]
	if ensure.Name() != SpanEnsure || runSpan.Name() != SpanRun {
		t.Errorf("span names = %s, %s", ensure.Name(), runSpan.Name())
	}
	if ensure.Parent().SpanID() != runSpan.SpanContext().SpanID() {
		t.Error("ensure span is not a child of the run span")
	}
	if len(ensure.Events()) != 1 || ensure.Status().Description != "denied" {
		t.Errorf("error not recorded: %+v %+v", ensure.Events(), ensure.Status())
	}
	var found bool
	for _, kv := range ensure.Attributes() {
		if kv.Key == AttrResourceKey && kv.Value.AsString() == "fs.file[/a]" {
			found = true
		}
	}
	if !found {
		t.Errorf("attributes = %v", ensure.Attributes())
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNewTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{}, "quilt", "dev")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	_, span := tracer.StartRun(context.Background(), "run-1", "web1", false)
	if span.IsRecording() {
		t.Error("disabled tracer records spans")
	}
	End(span, nil)
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"metrics without sink", func(c *Config) { c.Metrics.Enabled = true }, true},
		{"metrics textfile", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Textfile = "/tmp/q.prom" }, false},
		{"tracing without exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
