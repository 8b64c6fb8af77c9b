// Package observability wires OpenTelemetry tracing and metrics for the
// keel node.
//
// Initialize the provider at startup; it installs itself globally when
// enabled and hands out no-op instruments when not:
//
//	tel, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "keel",
//		OTLPEndpoint: "otel-collector:4317",
//		Enabled:      cfg.OTelEnabled,
//	})
//	defer tel.Shutdown(ctx)
//
// Build the pipeline counters once and hand them to the engines:
//
//	counters, err := observability.NewCounters(tel.Meter())
//	manifest.WithMetrics(counters)
//	publish.WithMetrics(counters)
//	audit.WithMetrics(counters)
//
// The SLO tracker evaluates publish latency and success against configured
// targets when wired through WithSLOTracker.
package observability
