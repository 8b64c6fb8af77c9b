package multisig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/fault"
)

// ManifestHook is how the coordinator reports proposal outcomes back to the
// manifest engine without importing it.
type ManifestHook interface {
	UpgradeApplied(ctx context.Context, manifestID, upgradeID string) error
	UpgradeRejected(ctx context.Context, manifestID, upgradeID, reason string) error
	UpgradeRolledBack(ctx context.Context, manifestID, upgradeID string) error
}

// Coordinator runs the upgrade approval workflow. The approver policy lives
// in an atomic snapshot: reads never block, and SetPolicy swaps the whole
// document after persisting it.
type Coordinator struct {
	store  Store
	chain  *audit.Chain
	hook   ManifestHook
	policy atomic.Pointer[ApproverPolicy]
	window time.Duration

	now func() time.Time
	log *slog.Logger
}

// CoordinatorOption customizes construction.
type CoordinatorOption func(*Coordinator)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator wires the coordinator. policy is the boot default; call
// RestorePolicy to prefer a previously persisted one. window bounds how long
// an emergency apply may run unratified.
func NewCoordinator(store Store, chain *audit.Chain, policy *ApproverPolicy, window time.Duration, opts ...CoordinatorOption) (*Coordinator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		store:  store,
		chain:  chain,
		window: window,
		now:    time.Now,
		log:    slog.Default().With("component", "multisig"),
	}
	c.policy.Store(policy)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetManifestHook binds the manifest engine. The engine and coordinator
// reference each other, so one side binds late.
func (c *Coordinator) SetManifestHook(h ManifestHook) { c.hook = h }

// Policy returns the current approver policy snapshot.
func (c *Coordinator) Policy() *ApproverPolicy { return c.policy.Load() }

// SetPolicy validates, persists, and swaps in a new approver policy.
func (c *Coordinator) SetPolicy(ctx context.Context, p *ApproverPolicy) error {
	if err := p.Validate(); err != nil {
		return fault.Validation("invalid_approver_policy", err.Error())
	}
	if err := c.store.SavePolicy(ctx, p, c.now().UTC()); err != nil {
		return fmt.Errorf("multisig: persist policy: %w", err)
	}
	c.policy.Store(p)
	c.log.Info("approver policy updated", "approvers", len(p.Approvers), "required", p.Required)
	return nil
}

// RestorePolicy loads the persisted policy, falling back to persisting the
// boot default on first run.
func (c *Coordinator) RestorePolicy(ctx context.Context) error {
	stored, err := c.store.LoadPolicy(ctx)
	if errors.Is(err, ErrNotFound) {
		return c.SetPolicy(ctx, c.policy.Load())
	}
	if err != nil {
		return fmt.Errorf("multisig: load policy: %w", err)
	}
	if err := stored.Validate(); err != nil {
		return fmt.Errorf("multisig: persisted policy invalid: %w", err)
	}
	c.policy.Store(stored)
	return nil
}

// OpenProposal submits a proposal for a manifest, replaying the existing one
// when the manifest is already bound. This is the manifest engine's entry
// point.
func (c *Coordinator) OpenProposal(ctx context.Context, manifestID, submittedBy string) (string, error) {
	existing, err := c.store.GetProposalByManifest(ctx, manifestID)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("multisig: check existing proposal: %w", err)
	}
	p, err := c.Submit(ctx, manifestID, submittedBy)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// Submit persists a pending proposal and audits it. A second proposal for
// the same manifest is a conflict.
func (c *Coordinator) Submit(ctx context.Context, manifestID, submittedBy string) (*Proposal, error) {
	if manifestID == "" {
		return nil, fault.Validation("missing_manifest_id", "manifestId is required")
	}
	if _, err := c.store.GetProposalByManifest(ctx, manifestID); err == nil {
		return nil, fault.Conflict("upgrade_exists",
			fmt.Sprintf("manifest %s already has an upgrade proposal", manifestID))
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("multisig: check existing proposal: %w", err)
	}

	now := c.now().UTC().Truncate(time.Millisecond)
	p := &Proposal{
		ID:          uuid.NewString(),
		ManifestID:  manifestID,
		SubmittedBy: submittedBy,
		SubmittedAt: now,
		Status:      StatusPending,
		Required:    c.policy.Load().Required,
		UpdatedAt:   now,
	}
	if err := c.store.InsertProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("multisig: insert proposal: %w", err)
	}

	if _, err := c.chain.Append(ctx, audit.EventUpgradeSubmitted, map[string]any{
		"upgradeId":   p.ID,
		"manifestId":  p.ManifestID,
		"submittedBy": p.SubmittedBy,
		"required":    p.Required,
	}, nil); err != nil {
		return nil, fmt.Errorf("multisig: audit submission: %w", err)
	}
	c.log.Info("upgrade proposed", "upgradeId", p.ID, "manifestId", manifestID, "required", p.Required)
	return p, nil
}

// Get loads one proposal.
func (c *Coordinator) Get(ctx context.Context, id string) (*Proposal, error) {
	p, err := c.store.GetProposal(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fault.NotFound("upgrade", id)
	}
	if err != nil {
		return nil, fmt.Errorf("multisig: get proposal %s: %w", id, err)
	}
	return p, nil
}

// Approvals returns the recorded approvals for an upgrade.
func (c *Coordinator) Approvals(ctx context.Context, upgradeID string) ([]*Approval, error) {
	approvals, err := c.store.ListApprovals(ctx, upgradeID)
	if err != nil {
		return nil, fmt.Errorf("multisig: list approvals: %w", err)
	}
	return approvals, nil
}

// Approve records one approver's signed assent. A retried identical call
// replays the stored approval; the same approver submitting a different
// signature is a conflict. Unauthorized approvers are refused and the
// attempt lands in the audit chain.
func (c *Coordinator) Approve(ctx context.Context, upgradeID, approverID, signature, notes string) (*Approval, error) {
	if approverID == "" {
		return nil, fault.Validation("missing_approver_id", "approverId is required")
	}
	if signature == "" {
		return nil, fault.Validation("missing_signature", "signature is required")
	}
	p, err := c.Get(ctx, upgradeID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusPending, StatusEmergencyApplied:
	case StatusApplied, StatusRatified:
		return nil, fault.Conflict("upgrade_already_applied",
			fmt.Sprintf("upgrade %s is %s", upgradeID, p.Status))
	default:
		return nil, fault.Conflict("upgrade_terminal",
			fmt.Sprintf("upgrade %s is %s", upgradeID, p.Status))
	}

	if !c.policy.Load().Authorized(approverID) {
		if _, auditErr := c.chain.Append(ctx, audit.EventUpgradeApprovalRejected, map[string]any{
			"upgradeId":  upgradeID,
			"approverId": approverID,
			"reason":     "approver not in authorized set",
		}, nil); auditErr != nil {
			return nil, fmt.Errorf("multisig: audit rejected approval: %w", auditErr)
		}
		return nil, fault.Validation("unauthorized_approver",
			fmt.Sprintf("%s is not an authorized approver", approverID))
	}

	if existing, err := c.store.GetApproval(ctx, upgradeID, approverID); err == nil {
		return c.replayApproval(existing, signature)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("multisig: check existing approval: %w", err)
	}

	a := &Approval{
		ID:         uuid.NewString(),
		UpgradeID:  upgradeID,
		ApproverID: approverID,
		Signature:  signature,
		Notes:      notes,
		ApprovedAt: c.now().UTC().Truncate(time.Millisecond),
	}
	err = c.store.InsertApproval(ctx, a)
	if errors.Is(err, ErrDuplicateApproval) {
		// Lost the race against a concurrent retry of the same approver.
		existing, getErr := c.store.GetApproval(ctx, upgradeID, approverID)
		if getErr != nil {
			return nil, fmt.Errorf("multisig: reload approval after duplicate: %w", getErr)
		}
		return c.replayApproval(existing, signature)
	}
	if err != nil {
		return nil, fmt.Errorf("multisig: insert approval: %w", err)
	}

	if _, err := c.chain.Append(ctx, audit.EventUpgradeApproval, map[string]any{
		"upgradeId":  upgradeID,
		"approvalId": a.ID,
		"approverId": approverID,
	}, nil); err != nil {
		return nil, fmt.Errorf("multisig: audit approval: %w", err)
	}
	c.log.Info("upgrade approved", "upgradeId", upgradeID, "approverId", approverID)
	return a, nil
}

// replayApproval tolerates client retries: the identical payload returns the
// stored row, a different one is a conflict.
func (c *Coordinator) replayApproval(existing *Approval, signature string) (*Approval, error) {
	if existing.Signature == signature {
		return existing, nil
	}
	return nil, fault.Conflict("approver_already_signed",
		fmt.Sprintf("approver %s already signed upgrade %s with a different signature",
			existing.ApproverID, existing.UpgradeID))
}

// Apply transitions a pending proposal to applied once the distinct approver
// set reaches quorum, then notifies the manifest engine. Returns the applied
// proposal and the approver ids that formed the quorum.
func (c *Coordinator) Apply(ctx context.Context, upgradeID, appliedBy string) (*Proposal, []string, error) {
	p, err := c.Get(ctx, upgradeID)
	if err != nil {
		return nil, nil, err
	}
	switch p.Status {
	case StatusPending:
	case StatusApplied, StatusEmergencyApplied, StatusRatified:
		return nil, nil, fault.Conflict("upgrade_already_applied",
			fmt.Sprintf("upgrade %s is %s", upgradeID, p.Status))
	default:
		return nil, nil, fault.Conflict("upgrade_terminal",
			fmt.Sprintf("upgrade %s is %s", upgradeID, p.Status))
	}

	approvers, err := c.distinctApprovers(ctx, upgradeID)
	if err != nil {
		return nil, nil, err
	}
	if len(approvers) < p.Required {
		return nil, nil, fault.InsufficientQuorum(len(approvers), p.Required)
	}

	at := c.now().UTC().Truncate(time.Millisecond)
	err = c.store.MarkApplied(ctx, upgradeID, appliedBy, at)
	if errors.Is(err, ErrStatusConflict) {
		return nil, nil, fault.Conflict("upgrade_already_applied", "a concurrent apply won this transition")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("multisig: apply proposal: %w", err)
	}
	p.Status = StatusApplied
	p.AppliedBy = appliedBy
	p.AppliedAt = &at
	p.UpdatedAt = at

	if _, err := c.chain.Append(ctx, audit.EventUpgradeApplied, map[string]any{
		"upgradeId":  p.ID,
		"manifestId": p.ManifestID,
		"appliedBy":  appliedBy,
		"approvers":  approvers,
		"required":   p.Required,
	}, nil); err != nil {
		return nil, nil, fmt.Errorf("multisig: audit apply: %w", err)
	}

	if err := c.notifyApplied(ctx, p); err != nil {
		return nil, nil, err
	}
	c.log.Info("upgrade applied", "upgradeId", p.ID, "approvers", len(approvers), "required", p.Required)
	return p, approvers, nil
}

// EmergencyApply is the break-glass path: the proposal applies before quorum
// with a mandatory justification and a ratification deadline. Unratified
// emergencies are rolled back by ExpireEmergencies.
func (c *Coordinator) EmergencyApply(ctx context.Context, upgradeID, appliedBy, justification string) (*Proposal, error) {
	if justification == "" {
		return nil, fault.Validation("missing_justification", "emergency apply requires a justification")
	}
	p, err := c.Get(ctx, upgradeID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, fault.Conflict("upgrade_already_applied",
			fmt.Sprintf("upgrade %s is %s", upgradeID, p.Status))
	}

	at := c.now().UTC().Truncate(time.Millisecond)
	deadline := at.Add(c.window)
	err = c.store.MarkEmergencyApplied(ctx, upgradeID, appliedBy, justification, at, deadline)
	if errors.Is(err, ErrStatusConflict) {
		return nil, fault.Conflict("upgrade_already_applied", "a concurrent apply won this transition")
	}
	if err != nil {
		return nil, fmt.Errorf("multisig: emergency apply: %w", err)
	}
	p.Status = StatusEmergencyApplied
	p.AppliedBy = appliedBy
	p.AppliedAt = &at
	p.Justification = justification
	p.RatificationDeadline = &deadline
	p.UpdatedAt = at

	if _, err := c.chain.Append(ctx, audit.EventUpgradeEmergencyApplied, map[string]any{
		"upgradeId":            p.ID,
		"manifestId":           p.ManifestID,
		"appliedBy":            appliedBy,
		"justification":        justification,
		"ratificationDeadline": deadline.Format(time.RFC3339),
	}, nil); err != nil {
		return nil, fmt.Errorf("multisig: audit emergency apply: %w", err)
	}

	if err := c.notifyApplied(ctx, p); err != nil {
		return nil, err
	}
	c.log.Warn("upgrade emergency-applied", "upgradeId", p.ID, "appliedBy", appliedBy,
		"ratificationDeadline", deadline)
	return p, nil
}

// Ratify settles an emergency apply once quorum has been gathered post hoc.
// After the deadline ratification is refused; the expiry watcher owns the
// proposal from there.
func (c *Coordinator) Ratify(ctx context.Context, upgradeID, actor string) (*Proposal, error) {
	p, err := c.Get(ctx, upgradeID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusEmergencyApplied {
		return nil, fault.Conflict("upgrade_not_emergency",
			fmt.Sprintf("upgrade %s is %s, not emergency_applied", upgradeID, p.Status))
	}
	if p.RatificationDeadline != nil && c.now().After(*p.RatificationDeadline) {
		return nil, fault.Conflict("ratification_window_closed",
			fmt.Sprintf("ratification deadline %s has passed", p.RatificationDeadline.Format(time.RFC3339)))
	}

	approvers, err := c.distinctApprovers(ctx, upgradeID)
	if err != nil {
		return nil, err
	}
	if len(approvers) < p.Required {
		return nil, fault.InsufficientQuorum(len(approvers), p.Required)
	}

	at := c.now().UTC().Truncate(time.Millisecond)
	err = c.store.MarkRatified(ctx, upgradeID, at)
	if errors.Is(err, ErrStatusConflict) {
		return nil, fault.Conflict("upgrade_not_emergency", "proposal moved before ratification")
	}
	if err != nil {
		return nil, fmt.Errorf("multisig: ratify: %w", err)
	}
	p.Status = StatusRatified
	p.UpdatedAt = at

	if _, err := c.chain.Append(ctx, audit.EventUpgradeRatified, map[string]any{
		"upgradeId":  p.ID,
		"manifestId": p.ManifestID,
		"actor":      actor,
		"approvers":  approvers,
		"required":   p.Required,
	}, nil); err != nil {
		return nil, fmt.Errorf("multisig: audit ratification: %w", err)
	}
	c.log.Info("upgrade ratified", "upgradeId", p.ID, "approvers", len(approvers))
	return p, nil
}

// Reject closes a pending proposal, failing the dependent manifest.
func (c *Coordinator) Reject(ctx context.Context, upgradeID, actor, reason string) (*Proposal, error) {
	p, err := c.Get(ctx, upgradeID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, fault.Conflict("upgrade_terminal",
			fmt.Sprintf("upgrade %s is %s", upgradeID, p.Status))
	}

	at := c.now().UTC().Truncate(time.Millisecond)
	err = c.store.MarkRejected(ctx, upgradeID, reason, at)
	if errors.Is(err, ErrStatusConflict) {
		return nil, fault.Conflict("upgrade_terminal", "proposal moved before rejection")
	}
	if err != nil {
		return nil, fmt.Errorf("multisig: reject: %w", err)
	}
	p.Status = StatusRejected
	p.RejectionReason = reason
	p.UpdatedAt = at

	if _, err := c.chain.Append(ctx, audit.EventUpgradeRejected, map[string]any{
		"upgradeId":  p.ID,
		"manifestId": p.ManifestID,
		"actor":      actor,
		"reason":     reason,
	}, nil); err != nil {
		return nil, fmt.Errorf("multisig: audit rejection: %w", err)
	}

	if c.hook != nil {
		if err := c.hook.UpgradeRejected(ctx, p.ManifestID, p.ID, reason); err != nil {
			if fault.IsKind(err, fault.KindConflict) || fault.IsKind(err, fault.KindNotFound) {
				c.log.Warn("manifest did not take rejection", "manifestId", p.ManifestID, "error", err)
			} else {
				return nil, fmt.Errorf("multisig: notify manifest engine: %w", err)
			}
		}
	}
	return p, nil
}

// ExpireEmergencies rolls back every emergency apply whose ratification
// deadline has passed. Returns how many proposals were rolled back. The
// scheduler runs this on the emergency-ratification timer.
func (c *Coordinator) ExpireEmergencies(ctx context.Context) (int, error) {
	now := c.now().UTC()
	expired, err := c.store.ListEmergencyExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("multisig: list expired emergencies: %w", err)
	}

	rolled := 0
	for _, p := range expired {
		err := c.store.MarkRolledBack(ctx, p.ID, now)
		if errors.Is(err, ErrStatusConflict) {
			continue // ratified or rolled back since listing
		}
		if err != nil {
			return rolled, fmt.Errorf("multisig: roll back %s: %w", p.ID, err)
		}

		if _, err := c.chain.Append(ctx, audit.EventUpgradeRolledBack, map[string]any{
			"upgradeId":  p.ID,
			"manifestId": p.ManifestID,
			"reason":     "ratification window expired",
			"deadline":   p.RatificationDeadline.Format(time.RFC3339),
		}, nil); err != nil {
			return rolled, fmt.Errorf("multisig: audit rollback: %w", err)
		}

		if c.hook != nil {
			if err := c.hook.UpgradeRolledBack(ctx, p.ManifestID, p.ID); err != nil {
				if fault.IsKind(err, fault.KindConflict) || fault.IsKind(err, fault.KindNotFound) {
					c.log.Warn("manifest did not take rollback", "manifestId", p.ManifestID, "error", err)
				} else {
					return rolled, fmt.Errorf("multisig: notify manifest engine: %w", err)
				}
			}
		}
		c.log.Warn("emergency upgrade rolled back", "upgradeId", p.ID, "manifestId", p.ManifestID)
		rolled++
	}
	return rolled, nil
}

// notifyApplied tells the manifest engine the upgrade cleared. A manifest
// that already moved is logged, not fatal.
func (c *Coordinator) notifyApplied(ctx context.Context, p *Proposal) error {
	if c.hook == nil {
		return nil
	}
	if err := c.hook.UpgradeApplied(ctx, p.ManifestID, p.ID); err != nil {
		if fault.IsKind(err, fault.KindConflict) || fault.IsKind(err, fault.KindNotFound) {
			c.log.Warn("manifest did not take upgrade apply", "manifestId", p.ManifestID, "error", err)
			return nil
		}
		return fmt.Errorf("multisig: notify manifest engine: %w", err)
	}
	return nil
}

// distinctApprovers returns the sorted distinct approver ids for an upgrade.
// The unique index already guarantees one row per approver; the set pass
// keeps quorum math honest regardless.
func (c *Coordinator) distinctApprovers(ctx context.Context, upgradeID string) ([]string, error) {
	approvals, err := c.store.ListApprovals(ctx, upgradeID)
	if err != nil {
		return nil, fmt.Errorf("multisig: list approvals: %w", err)
	}
	set := make(map[string]struct{}, len(approvals))
	for _, a := range approvals {
		set[a.ApproverID] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
