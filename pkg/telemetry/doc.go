// Package telemetry groups the observability packages used by rulecore.
//
//   - logging: slog construction from configuration, with correlation IDs
//   - metrics: per-rule counters, Prometheus export and snapshot history
//   - tracing: OpenTelemetry spans around rule evaluation
//   - health: liveness and readiness probes for the run command
package telemetry
