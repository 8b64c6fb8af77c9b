// Package idempotency stores one durable record per Idempotency-Key so
// retried mutations replay the original response instead of re-executing.
//
// A record is claimed in pending state before the handler runs; the first
// claimer wins, concurrent holders of the same key and body see an in-flight
// conflict, and any caller presenting a different body under the same key is
// rejected. Only the winner's successful response is recorded.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/canonical"
	"github.com/Mindburn-Labs/keel/pkg/fault"
)

// Status of a stored record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Record is the durable row behind one idempotency key.
type Record struct {
	Key          string     `json:"key"`
	RequestHash  string     `json:"requestHash"`
	Status       Status     `json:"status"`
	StatusCode   int        `json:"statusCode,omitempty"`
	ResponseBody []byte     `json:"responseBody,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Outcome of a claim attempt.
type Outcome string

const (
	// OutcomeClaimed means the caller holds a fresh pending record and must
	// run the operation.
	OutcomeClaimed Outcome = "claimed"
	// OutcomeReplay means a completed record with the same request hash
	// exists; serve its response verbatim.
	OutcomeReplay Outcome = "replay"
	// OutcomeInFlight means another caller holds a pending record for the
	// same key and body.
	OutcomeInFlight Outcome = "in_flight"
	// OutcomeMismatch means the key was used with a different body.
	OutcomeMismatch Outcome = "mismatch"
)

// Claim is the result of Store.Claim.
type Claim struct {
	Outcome Outcome
	Record  *Record
}

// Err translates non-actionable outcomes into faults. Claimed and Replay
// return nil.
func (c *Claim) Err() error {
	switch c.Outcome {
	case OutcomeMismatch:
		return fault.Conflict("idempotency_key_conflict",
			"idempotency key was already used with a different request body")
	case OutcomeInFlight:
		return fault.Conflict("idempotency_in_flight",
			"a request with this idempotency key is still in flight")
	default:
		return nil
	}
}

// Store persists idempotency records. Claim must be atomic under concurrent
// callers of the same key.
type Store interface {
	Claim(ctx context.Context, key, requestHash string, now time.Time) (*Claim, error)
	Complete(ctx context.Context, key string, statusCode int, body []byte, now time.Time) error
	// Release abandons a pending claim so the caller may retry; completed
	// records are never released.
	Release(ctx context.Context, key string) error
	// Sweep removes records older than cutoff and reports how many.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// HashRequestBody fingerprints a request body. JSON bodies are hashed in
// canonical form so semantically identical retries match; anything else is
// hashed raw.
func HashRequestBody(raw []byte) string {
	if canon, err := canonical.CanonicalizeJSON(raw); err == nil {
		return canonical.HashBytes(canon)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// evaluate folds an existing record against the incoming request hash.
func evaluate(rec *Record, requestHash string) *Claim {
	if rec.RequestHash != requestHash {
		return &Claim{Outcome: OutcomeMismatch, Record: rec}
	}
	if rec.Status == StatusPending {
		return &Claim{Outcome: OutcomeInFlight, Record: rec}
	}
	return &Claim{Outcome: OutcomeReplay, Record: rec}
}

// pendingRecord builds the row a fresh claim inserts.
func pendingRecord(key, requestHash string, now time.Time) *Record {
	return &Record{
		Key:         key,
		RequestHash: requestHash,
		Status:      StatusPending,
		CreatedAt:   now.UTC(),
	}
}
