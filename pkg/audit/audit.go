// Package audit implements the append-only, hash-chained, signed event log
// covering every state-changing action in keel.
//
// Each event carries the canonical bytes of its payload, the hash of its
// predecessor, hash = sha256(canonical(payload) || hexDecode(prevHash)), and
// a detached signature over the hash obtained from the signing gateway.
// Appends are totally ordered through a single chain-head row; verification
// replays the chain against the signer registry with no network access.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// GenesisPrevHash is the prevHash of the head event: 64 zero hex characters,
// decoding to 32 zero bytes in the hash preimage.
var GenesisPrevHash = strings.Repeat("0", 64)

// Event types. The core set is never sampled out.
const (
	EventPackageSubmitted        = "package.submitted"
	EventPackageValidated        = "package.validated"
	EventPackageValidationFailed = "package.validation_failed"
	EventManifestCreated         = "manifest.created"
	EventManifestSigned          = "manifest.signed"
	EventManifestSignFailed      = "manifest.sign_failed"
	EventManifestUpdate          = "manifest.update"
	EventManifestApplied         = "manifest.applied"
	EventUpgradeSubmitted        = "upgrade.submitted"
	EventUpgradeApproval         = "upgrade.approval"
	EventUpgradeApprovalRejected = "upgrade.approval_rejected"
	EventUpgradeApplied          = "upgrade.applied"
	EventUpgradeRejected         = "upgrade.rejected"
	EventUpgradeEmergencyApplied = "upgrade.emergency_applied"
	EventUpgradeRatified         = "upgrade.ratified"
	EventUpgradeRolledBack       = "upgrade.rolled_back"
	EventAllocationRequested     = "allocation.requested"
	EventPolicyDecision          = "policy.decision"
	EventPublishTargetCompleted  = "publish.target.completed"
	EventPublishCompleted        = "publish.completed"
	EventPublishFailed           = "publish.failed"
	EventPublishRetryRequested   = "publish.retry_requested"
)

var (
	ErrNotFound  = errors.New("audit: event not found")
	ErrHeadMoved = errors.New("audit: chain head moved")
)

// Event is one link of the audit chain. Payload holds canonical bytes; Hash
// and Signature are immutable once persisted.
type Event struct {
	ID        string            `json:"eventId"`
	Type      string            `json:"eventType"`
	Payload   json.RawMessage   `json:"payload"`
	PrevHash  string            `json:"prevHash"`
	Hash      string            `json:"hash"`
	Signature string            `json:"signature"` // base64
	SignerKid string            `json:"signerKid"`
	Ts        time.Time         `json:"ts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ExportState tracks the object-storage archival of an event.
type ExportState string

const (
	ExportPending    ExportState = "pending"
	ExportRetry      ExportState = "retry"
	ExportInProgress ExportState = "in_progress"
	ExportComplete   ExportState = "complete"
	ExportFailed     ExportState = "failed"
)

// maxExportAttempts caps archival retries before an event is marked failed.
const maxExportAttempts = 5

// Store persists chain events. Insert must atomically verify that
// ev.PrevHash still names the chain head and advance the head to ev.Hash,
// failing with ErrHeadMoved otherwise; that check is the total-order
// serialization point.
type Store interface {
	Init(ctx context.Context) error
	Head(ctx context.Context) (string, error)
	Insert(ctx context.Context, ev *Event) error
	GetByID(ctx context.Context, id string) (*Event, error)
	Range(ctx context.Context, from, to time.Time) ([]*Event, error)

	// Export tracking, used by the audit-export worker.
	FetchPendingExport(ctx context.Context, batchSize int) ([]*Event, error)
	MarkExportResult(ctx context.Context, ids []string, objectKey string, success bool, errMsg string) error
	NextBatchNumber(ctx context.Context, day string) (int, error)
}
