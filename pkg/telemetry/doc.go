// Package telemetry provides the observability stack of quilt runs:
// structured logging (zerolog), Prometheus metrics and OpenTelemetry
// tracing.
//
// # Usage
//
//	tel, err := telemetry.New(cfg.Telemetry, "quilt", version)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Metrics
//
// Every collector lives in a private registry under the configured
// namespace (quilt by default):
//
//   - runs_total{target,result}
//   - run_duration_seconds{target}
//   - resources_converged_total{type,result}
//   - changes_total{type,action}
//   - errors_total{kind}
//
// One-shot commands write the registry to metrics.textfile for
// node_exporter's textfile collector; quilt watch can also serve it over
// HTTP on metrics.listen.
//
// # Tracing
//
// Each target run is a quilt.run span; each resource a quilt.ensure (or
// quilt.remove) child span carrying resource.key and resource.type.
// Exporters: otlp (gRPC), stdout, none.
package telemetry
