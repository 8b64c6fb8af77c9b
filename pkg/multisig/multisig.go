// Package multisig coordinates m-of-n approval of high-impact upgrade
// proposals. Approvals are set-valued per upgrade (one row per approver,
// enforced by a unique index); quorum is the size of the distinct approver
// set against the quorum recorded on the proposal. An emergency path applies
// before quorum under a ratification deadline.
package multisig

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the proposal lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusApplied          Status = "applied"
	StatusRejected         Status = "rejected"
	StatusEmergencyApplied Status = "emergency_applied"
	StatusRatified         Status = "ratified"
	StatusRolledBack       Status = "rolled_back"
)

// Terminal reports whether the proposal cannot move again.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusRejected || s == StatusRatified || s == StatusRolledBack
}

var (
	ErrNotFound          = errors.New("multisig: proposal not found")
	ErrStatusConflict    = errors.New("multisig: status conflict")
	ErrDuplicateApproval = errors.New("multisig: approval already recorded")
)

// Proposal wraps a high-impact manifest awaiting quorum. Required is the
// quorum snapshotted at submission, so later policy changes never move the
// bar for in-flight proposals.
type Proposal struct {
	ID              string     `json:"upgradeId"`
	ManifestID      string     `json:"manifestId"`
	SubmittedBy     string     `json:"submittedBy"`
	SubmittedAt     time.Time  `json:"submittedAt"`
	Status          Status     `json:"status"`
	Required        int        `json:"required"`
	AppliedBy       string     `json:"appliedBy,omitempty"`
	AppliedAt       *time.Time `json:"appliedAt,omitempty"`
	Justification   string     `json:"justification,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	// RatificationDeadline is set only on the emergency path.
	RatificationDeadline *time.Time `json:"emergencyRatificationDeadline,omitempty"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Approval is one approver's signed assent. Immutable once written.
type Approval struct {
	ID         string    `json:"approvalId"`
	UpgradeID  string    `json:"upgradeId"`
	ApproverID string    `json:"approverId"`
	Signature  string    `json:"signature"`
	Notes      string    `json:"notes,omitempty"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// ApproverPolicy names who may approve and how many distinct approvals an
// upgrade needs. Changes to the policy ride a high-impact manifest through
// the same multisig machinery they configure.
type ApproverPolicy struct {
	Approvers []string `json:"approvers" yaml:"approvers"`
	Required  int      `json:"required" yaml:"required"`
}

// Authorized reports whether id belongs to the approver set.
func (p *ApproverPolicy) Authorized(id string) bool {
	for _, a := range p.Approvers {
		if a == id {
			return true
		}
	}
	return false
}

// Validate rejects policies that could never reach quorum.
func (p *ApproverPolicy) Validate() error {
	if p.Required < 1 {
		return fmt.Errorf("multisig: required quorum %d must be at least 1", p.Required)
	}
	seen := make(map[string]struct{}, len(p.Approvers))
	for _, a := range p.Approvers {
		if a == "" {
			return errors.New("multisig: empty approver id")
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("multisig: duplicate approver id %s", a)
		}
		seen[a] = struct{}{}
	}
	if len(p.Approvers) < p.Required {
		return fmt.Errorf("multisig: %d approvers cannot satisfy a quorum of %d",
			len(p.Approvers), p.Required)
	}
	return nil
}

// Store persists proposals, approvals, and the approver policy. Conditional
// methods return ErrStatusConflict when the row moved first.
type Store interface {
	Init(ctx context.Context) error

	InsertProposal(ctx context.Context, p *Proposal) error
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	// GetProposalByManifest returns the proposal bound to a manifest, if any.
	GetProposalByManifest(ctx context.Context, manifestID string) (*Proposal, error)

	// MarkApplied moves pending to applied.
	MarkApplied(ctx context.Context, id, appliedBy string, at time.Time) error
	// MarkEmergencyApplied moves pending to emergency_applied with a
	// ratification deadline.
	MarkEmergencyApplied(ctx context.Context, id, appliedBy, justification string, at, deadline time.Time) error
	// MarkRatified moves emergency_applied to ratified.
	MarkRatified(ctx context.Context, id string, at time.Time) error
	// MarkRejected moves pending to rejected.
	MarkRejected(ctx context.Context, id, reason string, at time.Time) error
	// MarkRolledBack moves emergency_applied to rolled_back.
	MarkRolledBack(ctx context.Context, id string, at time.Time) error
	// ListEmergencyExpired returns emergency_applied proposals whose
	// ratification deadline is at or before now.
	ListEmergencyExpired(ctx context.Context, now time.Time) ([]*Proposal, error)

	// InsertApproval fails with ErrDuplicateApproval if the approver already
	// signed this upgrade.
	InsertApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, upgradeID, approverID string) (*Approval, error)
	ListApprovals(ctx context.Context, upgradeID string) ([]*Approval, error)

	SavePolicy(ctx context.Context, p *ApproverPolicy, at time.Time) error
	// LoadPolicy returns ErrNotFound when no policy has been persisted yet.
	LoadPolicy(ctx context.Context) (*ApproverPolicy, error)
}
