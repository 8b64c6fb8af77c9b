// Package fault defines the error taxonomy shared by every keel component.
// Domain code raises typed faults; the request surface maps them onto the
// canonical HTTP envelope. Wrapping with fmt.Errorf("pkg: op: %w", err)
// preserves the classification through errors.As.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a fault. The set is closed; callers switch on it.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindPreconditions      Kind = "preconditions"
	KindInsufficientQuorum Kind = "insufficient_quorum"
	KindSignerUnavailable  Kind = "signer_unavailable"
	KindPolicyDenied       Kind = "policy_denied"
	KindInternal           Kind = "internal"
	KindCanceled           Kind = "canceled"
)

// Fault is a classified domain error. Code is machine-stable and surfaces in
// the error envelope; Details carries structured context such as quorum math.
type Fault struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	cause   error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// WithDetails attaches structured detail fields, returning f for chaining.
func (f *Fault) WithDetails(details map[string]any) *Fault {
	f.Details = details
	return f
}

// WithCause records the underlying error, returning f for chaining.
func (f *Fault) WithCause(err error) *Fault {
	f.cause = err
	return f
}

// New constructs a fault with an explicit kind and stable code.
func New(kind Kind, code, message string) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// --- common constructors ---

func Validation(code, message string) *Fault {
	return New(KindValidation, code, message)
}

func Unauthenticated(message string) *Fault {
	return New(KindUnauthenticated, "unauthenticated", message)
}

func Forbidden(message string) *Fault {
	return New(KindForbidden, "forbidden", message)
}

func NotFound(entity, id string) *Fault {
	return Newf(KindNotFound, "not_found", "%s %s not found", entity, id)
}

func Conflict(code, message string) *Fault {
	return New(KindConflict, code, message)
}

func Preconditions(code, message string) *Fault {
	return New(KindPreconditions, code, message)
}

// InsufficientQuorum carries the quorum arithmetic the caller needs to act.
func InsufficientQuorum(have, required int) *Fault {
	return New(KindInsufficientQuorum, "insufficient_quorum",
		fmt.Sprintf("quorum not met: have %d of %d approvals", have, required)).
		WithDetails(map[string]any{"have": have, "required": required, "missing": required - have})
}

func SignerUnavailable(err error) *Fault {
	return New(KindSignerUnavailable, "signer_unavailable", "signing service unavailable").WithCause(err)
}

// PolicyDenied records the decision identifiers so callers can trace the rule.
func PolicyDenied(decisionID, ruleID, rationale string) *Fault {
	f := New(KindPolicyDenied, "policy_denied", "policy denied the requested action")
	f.Details = map[string]any{"decisionId": decisionID}
	if ruleID != "" {
		f.Details["ruleId"] = ruleID
	}
	if rationale != "" {
		f.Details["rationale"] = rationale
	}
	return f
}

func Internal(err error) *Fault {
	return New(KindInternal, "internal", "internal error").WithCause(err)
}

func Canceled(err error) *Fault {
	return New(KindCanceled, "canceled", "operation canceled or deadline exceeded").WithCause(err)
}

// --- classification helpers ---

// KindOf extracts the fault kind from an error chain. Plain context errors
// classify as canceled; anything else unclassified is internal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// From returns the Fault in err's chain, or an internal fault wrapping err.
func From(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Canceled(err)
	}
	return Internal(err)
}

// HTTPStatus maps an error chain to the HTTP status the request surface
// renders. Idempotency conflicts and response-body caps keep the dedicated
// statuses the write path promises (412 and 413).
func HTTPStatus(err error) int {
	f := From(err)
	switch f.Code {
	case "idempotency_key_conflict":
		return http.StatusPreconditionFailed
	case "idempotency_body_too_large":
		return http.StatusRequestEntityTooLarge
	}
	switch f.Kind {
	case KindValidation, KindInsufficientQuorum:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindPolicyDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPreconditions:
		return http.StatusUnprocessableEntity
	case KindSignerUnavailable, KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
