// Release-pipeline semantic convention attributes.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrPackageID      = attribute.Key("keel.package.id")
	AttrManifestID     = attribute.Key("keel.manifest.id")
	AttrManifestImpact = attribute.Key("keel.manifest.impact")
	AttrTransitionFrom = attribute.Key("keel.manifest.from")
	AttrTransitionTo   = attribute.Key("keel.manifest.to")
	AttrUpgradeID      = attribute.Key("keel.upgrade.id")
	AttrPublishTarget  = attribute.Key("keel.publish.target")
	AttrPublishOutcome = attribute.Key("keel.publish.outcome")
	AttrAuditEventType = attribute.Key("keel.audit.event_type")
	AttrSignerKid      = attribute.Key("keel.signer.kid")
)

// ManifestTransition builds the attribute set for one status movement.
func ManifestTransition(from, to string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTransitionFrom.String(from),
		AttrTransitionTo.String(to),
	}
}

// PublishAttempt builds the attribute set for one outbound publish call.
func PublishAttempt(target, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPublishTarget.String(target),
		AttrPublishOutcome.String(outcome),
	}
}

// SigningOperation builds the attribute set for a signing gateway call.
func SigningOperation(kid, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSignerKid.String(kid),
		attribute.String("keel.signer.operation", operation),
	}
}

// AddSpanEvent adds an event to the span carried by ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the span carried by ctx; nil is a no-op.
func SetSpanStatus(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
