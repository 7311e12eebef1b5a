// Package tracing sets up OpenTelemetry tracing for rulecore.
//
// The engine opens one span per pass and one child span per rule through
// otel.Tracer(InstrumentationName). Without New those spans go to the global
// no-op provider; New with tracing enabled exports them over OTLP/gRPC:
//
//	tracer, err := tracing.New(ctx, &cfg.Tracing)
//	if err != nil {
//		return err
//	}
//	defer tracer.Shutdown(context.Background())
//
// # Sampling
//
// Three sampling strategies are supported, each wrapped in ParentBased:
//   - always: every pass
//   - never: no pass
//   - ratio: a fraction of passes chosen by trace ID
package tracing
