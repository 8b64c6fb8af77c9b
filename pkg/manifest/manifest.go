// Package manifest owns the release manifest state machine: draft through
// signing, multisig routing, apply, and the publish handoff. Every durable
// transition is history-recorded and audit-chained; concurrent transitions
// are settled by conditional updates so exactly one caller wins.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the manifest lifecycle state.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusSigned          Status = "signed"
	StatusPendingMultisig Status = "pending_multisig"
	StatusMultisigApplied Status = "multisig_applied"
	StatusApplying        Status = "applying"
	StatusApplied         Status = "applied"
	StatusPublishing      Status = "publishing"
	StatusPublished       Status = "published"
	StatusFailed          Status = "failed"
	StatusRolledBack      Status = "rolled_back"
)

// Impact is the risk classification. The ordering is fixed; HIGH and above
// must clear multisig before apply.
type Impact string

const (
	ImpactLow      Impact = "LOW"
	ImpactMedium   Impact = "MEDIUM"
	ImpactHigh     Impact = "HIGH"
	ImpactCritical Impact = "CRITICAL"
)

var impactRank = map[Impact]int{
	ImpactLow:      0,
	ImpactMedium:   1,
	ImpactHigh:     2,
	ImpactCritical: 3,
}

// ParseImpact rejects anything outside the fixed ordering.
func ParseImpact(s string) (Impact, error) {
	i := Impact(s)
	if _, ok := impactRank[i]; !ok {
		return "", fmt.Errorf("unknown impact %q", s)
	}
	return i, nil
}

// RequiresMultisig reports whether the impact routes through the multisig
// coordinator before apply.
func (i Impact) RequiresMultisig() bool {
	return impactRank[i] >= impactRank[ImpactHigh]
}

// Compare returns -1, 0, or 1 ordering two impacts.
func (i Impact) Compare(other Impact) int {
	a, b := impactRank[i], impactRank[other]
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

var (
	ErrNotFound       = errors.New("manifest: not found")
	ErrStatusConflict = errors.New("manifest: status conflict")
)

// Manifest is a canonical, signable description of a release action.
type Manifest struct {
	ID            string          `json:"manifestId"`
	PackageID     string          `json:"packageId"`
	Target        string          `json:"target"`
	Impact        Impact          `json:"impact"`
	Rationale     string          `json:"rationale"`
	Preconditions []string        `json:"preconditions,omitempty"`
	ApplyStrategy json.RawMessage `json:"applyStrategy,omitempty"`
	Status        Status          `json:"status"`
	SignatureID   string          `json:"signatureId,omitempty"`
	UpgradeID     string          `json:"upgradeId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Core returns the signable subset of the manifest: identity and intent,
// never mutable bookkeeping. The signature covers the canonical form of
// exactly this map.
func (m *Manifest) Core() map[string]any {
	core := map[string]any{
		"manifestId": m.ID,
		"packageId":  m.PackageID,
		"target":     m.Target,
		"impact":     string(m.Impact),
		"rationale":  m.Rationale,
	}
	if len(m.Preconditions) > 0 {
		core["preconditions"] = m.Preconditions
	}
	if len(m.ApplyStrategy) > 0 {
		core["applyStrategy"] = json.RawMessage(m.ApplyStrategy)
	}
	return core
}

// Signature is a detached manifest signature. Immutable once written.
type Signature struct {
	ID            string    `json:"signatureId"`
	ManifestID    string    `json:"manifestId"`
	SignerKid     string    `json:"signerKid"`
	Signature     string    `json:"signature"` // base64
	CanonicalHash string    `json:"canonicalHash"`
	SignedAt      time.Time `json:"signedAt"`
}

// HistoryEntry is one durable status transition. The transient applying
// state is not recorded; it only exists to settle concurrent apply races.
type HistoryEntry struct {
	ManifestID string    `json:"manifestId"`
	Status     Status    `json:"status"`
	Actor      string    `json:"actor,omitempty"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}

// Store persists manifests, signatures, and history. Conditional methods
// return ErrStatusConflict when the row moved first, which callers surface
// as HTTP 409.
type Store interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, m *Manifest) error
	Get(ctx context.Context, id string) (*Manifest, error)

	// UpdateStatus moves id from any status in from to to. Exactly one
	// concurrent caller can win a given transition.
	UpdateStatus(ctx context.Context, id string, from []Status, to Status, at time.Time) error

	// AttachSignature records the signature id and promotes draft to signed;
	// a pending_multisig manifest keeps its status. Returns the resulting
	// status.
	AttachSignature(ctx context.Context, id, signatureID string, at time.Time) (Status, error)

	// SetUpgrade binds the upgrade proposal and parks the manifest in
	// pending_multisig. Allowed from draft or signed, once.
	SetUpgrade(ctx context.Context, id, upgradeID string, at time.Time) error

	InsertSignature(ctx context.Context, sig *Signature) error
	GetSignature(ctx context.Context, id string) (*Signature, error)

	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	History(ctx context.Context, manifestID string) ([]HistoryEntry, error)
}
