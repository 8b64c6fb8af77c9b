package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Counters holds the pipeline instruments. It satisfies the optional metric
// sinks of the manifest engine, the publish driver, and the audit chain, so
// one value wires all three.
type Counters struct {
	manifestTransitions metric.Int64Counter
	publishAttempts     metric.Int64Counter
	publishDuration     metric.Float64Histogram
	auditAppends        metric.Int64Counter

	slo *SLOTracker
}

// CounterOption customizes counter construction.
type CounterOption func(*Counters)

// WithSLOTracker feeds publish attempt observations into an SLO tracker.
func WithSLOTracker(t *SLOTracker) CounterOption {
	return func(c *Counters) { c.slo = t }
}

// NewCounters registers the pipeline instruments on meter. A disabled
// provider hands out a no-op meter, so the counters cost nothing there.
func NewCounters(meter metric.Meter, opts ...CounterOption) (*Counters, error) {
	c := &Counters{}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	c.manifestTransitions, err = meter.Int64Counter("keel.manifest.transitions",
		metric.WithDescription("Manifest status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}
	c.publishAttempts, err = meter.Int64Counter("keel.publish.attempts",
		metric.WithDescription("Outbound publish attempts by target and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}
	c.publishDuration, err = meter.Float64Histogram("keel.publish.duration",
		metric.WithDescription("Outbound publish call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, err
	}
	c.auditAppends, err = meter.Int64Counter("keel.audit.appends",
		metric.WithDescription("Events appended to the audit chain"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CountManifestTransition records one manifest status movement.
func (c *Counters) CountManifestTransition(ctx context.Context, from, to string) {
	c.manifestTransitions.Add(ctx, 1, metric.WithAttributes(ManifestTransition(from, to)...))
}

// CountPublishAttempt records one outbound publish call with its settled
// outcome: success, retryable, or fatal.
func (c *Counters) CountPublishAttempt(ctx context.Context, target, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(PublishAttempt(target, outcome)...)
	c.publishAttempts.Add(ctx, 1, attrs)
	c.publishDuration.Record(ctx, elapsed.Seconds(), attrs)
	if c.slo != nil {
		c.slo.Record(SLOObservation{
			Operation: "publish",
			Latency:   elapsed,
			Success:   outcome == "success",
		})
	}
}

// CountAuditAppend records one fresh chain append.
func (c *Counters) CountAuditAppend(ctx context.Context, eventType string) {
	c.auditAppends.Add(ctx, 1, metric.WithAttributes(AttrAuditEventType.String(eventType)))
}
