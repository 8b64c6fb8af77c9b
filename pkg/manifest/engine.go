package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/canonical"
	"github.com/Mindburn-Labs/keel/pkg/fault"
	"github.com/Mindburn-Labs/keel/pkg/pack"
	"github.com/Mindburn-Labs/keel/pkg/policy"
	"github.com/Mindburn-Labs/keel/pkg/signing"
)

// PackageSource is the slice of the package store the engine needs to check
// validation preconditions. Both pack stores satisfy it.
type PackageSource interface {
	Get(ctx context.Context, id string) (*pack.Package, error)
}

// UpgradeCoordinator opens a multisig proposal for a high-impact manifest.
// The multisig coordinator implements it; the engine never imports it.
type UpgradeCoordinator interface {
	OpenProposal(ctx context.Context, manifestID, submittedBy string) (string, error)
}

// PublishPlanner creates the post-apply publish tasks. The publish driver
// implements it.
type PublishPlanner interface {
	CreateTasksForManifest(ctx context.Context, manifestID string) error
}

// Metrics is the optional counter sink for status transitions.
type Metrics interface {
	CountManifestTransition(ctx context.Context, from, to string)
}

// CreateRequest is the draft-creation payload.
type CreateRequest struct {
	PackageID     string          `json:"packageId"`
	Target        string          `json:"target"`
	Impact        string          `json:"impact"`
	Rationale     string          `json:"rationale"`
	Preconditions []string        `json:"preconditions,omitempty"`
	ApplyStrategy json.RawMessage `json:"applyStrategy,omitempty"`
	Actor         string          `json:"-"`
}

// Engine owns the manifest lifecycle. All status movement goes through the
// store's conditional updates, so concurrent callers settle to one winner.
type Engine struct {
	store     Store
	packages  PackageSource
	chain     *audit.Chain
	gate      *policy.AuditingGate
	signer    signing.Gateway
	registry  *signing.Registry
	signerKid string

	upgrades  UpgradeCoordinator
	publisher PublishPlanner
	applyHook func(ctx context.Context, target string, strategy json.RawMessage) error
	metrics   Metrics

	now func() time.Time
	log *slog.Logger
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithUpgrades wires the multisig coordinator. Without it, high-impact
// manifests stay in draft until request-multisig is possible.
func WithUpgrades(u UpgradeCoordinator) EngineOption {
	return func(e *Engine) { e.upgrades = u }
}

// WithApplyHook installs a callback invoked after a manifest reaches applied,
// before publish fan-out. Wiring uses it to turn approver-set manifests into
// live policy changes.
func WithApplyHook(fn func(ctx context.Context, target string, strategy json.RawMessage) error) EngineOption {
	return func(e *Engine) { e.applyHook = fn }
}

// WithMetrics installs the transition counter.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the manifest engine. signerKid names the configured
// manifest signing key; the registry must be able to verify it.
func NewEngine(store Store, packages PackageSource, chain *audit.Chain, gate *policy.AuditingGate,
	signer signing.Gateway, registry *signing.Registry, signerKid string, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		packages:  packages,
		chain:     chain,
		gate:      gate,
		signer:    signer,
		registry:  registry,
		signerKid: signerKid,
		now:       time.Now,
		log:       slog.Default().With("component", "manifest-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPublisher installs the publish planner after construction. The driver
// and the engine reference each other, so one side binds late.
func (e *Engine) SetPublisher(p PublishPlanner) { e.publisher = p }

// Create drafts a manifest for a validated package. HIGH and CRITICAL
// impacts are routed to the multisig coordinator immediately, so the caller
// sees pending_multisig plus the upgrade id in the response.
func (e *Engine) Create(ctx context.Context, req *CreateRequest) (*Manifest, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	impact, err := ParseImpact(req.Impact)
	if err != nil {
		return nil, fault.Validation("invalid_impact", err.Error())
	}

	pkg, err := e.packages.Get(ctx, req.PackageID)
	if errors.Is(err, pack.ErrNotFound) {
		return nil, fault.NotFound("package", req.PackageID)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: load package: %w", err)
	}
	if pkg.Status != pack.StatusValidated {
		return nil, fault.Preconditions("package_not_validated",
			fmt.Sprintf("package %s is %s, not validated", pkg.ID, pkg.Status))
	}

	if _, err := e.gate.Require(ctx, &policy.DecisionRequest{
		Hook:      policy.HookManifestUpdate,
		Principal: req.Actor,
		Action:    "manifest.create",
		Resource:  "package/" + req.PackageID,
		Input: map[string]any{
			"packageId": req.PackageID,
			"target":    req.Target,
			"impact":    string(impact),
		},
	}); err != nil {
		return nil, err
	}

	now := e.now().UTC().Truncate(time.Millisecond)
	m := &Manifest{
		ID:            uuid.NewString(),
		PackageID:     req.PackageID,
		Target:        req.Target,
		Impact:        impact,
		Rationale:     req.Rationale,
		Preconditions: append([]string{"package:" + req.PackageID}, req.Preconditions...),
		ApplyStrategy: req.ApplyStrategy,
		Status:        StatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Insert(ctx, m); err != nil {
		return nil, fmt.Errorf("manifest: insert draft: %w", err)
	}
	e.recordHistory(ctx, m.ID, StatusDraft, req.Actor, "")

	if _, err := e.chain.Append(ctx, audit.EventManifestCreated, map[string]any{
		"manifestId": m.ID,
		"packageId":  m.PackageID,
		"target":     m.Target,
		"impact":     string(m.Impact),
		"rationale":  m.Rationale,
		"actor":      req.Actor,
	}, nil); err != nil {
		return nil, fmt.Errorf("manifest: audit create: %w", err)
	}

	if impact.RequiresMultisig() && e.upgrades != nil {
		if err := e.bindUpgrade(ctx, m, req.Actor); err != nil {
			return nil, err
		}
	}

	e.log.Info("manifest drafted", "manifestId", m.ID, "impact", string(m.Impact), "status", string(m.Status))
	return m, nil
}

// bindUpgrade opens the proposal and parks the manifest in pending_multisig.
func (e *Engine) bindUpgrade(ctx context.Context, m *Manifest, actor string) error {
	upgradeID, err := e.upgrades.OpenProposal(ctx, m.ID, actor)
	if err != nil {
		return fmt.Errorf("manifest: open upgrade proposal: %w", err)
	}
	at := e.now().UTC()
	if err := e.store.SetUpgrade(ctx, m.ID, upgradeID, at); err != nil {
		return fmt.Errorf("manifest: bind upgrade %s: %w", upgradeID, err)
	}
	prior := m.Status
	m.UpgradeID = upgradeID
	m.Status = StatusPendingMultisig
	m.UpdatedAt = at
	e.recordHistory(ctx, m.ID, StatusPendingMultisig, actor, "upgrade "+upgradeID)
	e.countTransition(ctx, prior, StatusPendingMultisig)

	if _, err := e.chain.Append(ctx, audit.EventManifestUpdate, map[string]any{
		"manifestId": m.ID,
		"status":     string(StatusPendingMultisig),
		"upgradeId":  upgradeID,
		"actor":      actor,
	}, nil); err != nil {
		return fmt.Errorf("manifest: audit multisig routing: %w", err)
	}
	return nil
}

// Get loads one manifest.
func (e *Engine) Get(ctx context.Context, id string) (*Manifest, error) {
	m, err := e.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fault.NotFound("manifest", id)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: get %s: %w", id, err)
	}
	return m, nil
}

// Status returns the manifest plus its recorded transition history.
func (e *Engine) Status(ctx context.Context, id string) (*Manifest, []HistoryEntry, error) {
	m, err := e.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	history, err := e.store.History(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("manifest: history %s: %w", id, err)
	}
	return m, history, nil
}

// Sign canonicalizes the manifest core, obtains a detached signature from
// the gateway, verifies it against the registry, and persists it. The
// manifest fails closed: nothing is stored unless the round trip verifies.
func (e *Engine) Sign(ctx context.Context, id, actor string) (*Signature, *Manifest, error) {
	m, err := e.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if m.SignatureID != "" {
		return nil, nil, fault.Conflict("manifest_already_signed",
			fmt.Sprintf("manifest %s already carries signature %s", id, m.SignatureID))
	}
	switch m.Status {
	case StatusDraft, StatusPendingMultisig:
	default:
		return nil, nil, fault.Conflict("manifest_status_conflict",
			fmt.Sprintf("manifest %s is %s and cannot be signed", id, m.Status))
	}

	if _, err := e.gate.Require(ctx, &policy.DecisionRequest{
		Hook:      policy.HookManifestSign,
		Principal: actor,
		Action:    "manifest.sign",
		Resource:  "manifest/" + id,
		Input: map[string]any{
			"manifestId": m.ID,
			"impact":     string(m.Impact),
			"target":     m.Target,
		},
	}); err != nil {
		return nil, nil, err
	}

	canon, err := canonical.MarshalCanonical(m.Core())
	if err != nil {
		return nil, nil, fmt.Errorf("manifest: canonicalize %s: %w", id, err)
	}
	sum := sha256.Sum256(canon)
	digest := sum[:]

	sigBytes, err := e.signer.Sign(ctx, e.signerKid, digest, e.algorithm())
	if err != nil {
		e.auditSignFailure(ctx, m, actor, err)
		if fault.IsKind(err, fault.KindCanceled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, fault.Canceled(err)
		}
		return nil, nil, fault.SignerUnavailable(err)
	}
	if err := e.registry.VerifyDigest(e.signerKid, digest, sigBytes); err != nil {
		e.auditSignFailure(ctx, m, actor, err)
		return nil, nil, fault.Internal(fmt.Errorf("manifest: signature self-check for %s: %w", e.signerKid, err))
	}

	now := e.now().UTC().Truncate(time.Millisecond)
	sig := &Signature{
		ID:            uuid.NewString(),
		ManifestID:    m.ID,
		SignerKid:     e.signerKid,
		Signature:     base64.StdEncoding.EncodeToString(sigBytes),
		CanonicalHash: canonical.HashBytes(canon),
		SignedAt:      now,
	}
	if err := e.store.InsertSignature(ctx, sig); err != nil {
		return nil, nil, fmt.Errorf("manifest: persist signature: %w", err)
	}
	status, err := e.store.AttachSignature(ctx, m.ID, sig.ID, now)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, nil, fault.Conflict("manifest_already_signed", "manifest moved while signing")
		}
		return nil, nil, fmt.Errorf("manifest: attach signature: %w", err)
	}
	prior := m.Status
	m.SignatureID = sig.ID
	m.Status = status
	m.UpdatedAt = now
	if status == StatusSigned {
		e.recordHistory(ctx, m.ID, StatusSigned, actor, "")
		e.countTransition(ctx, prior, StatusSigned)
	}

	if _, err := e.chain.Append(ctx, audit.EventManifestSigned, map[string]any{
		"manifestId":    m.ID,
		"signatureId":   sig.ID,
		"signerKid":     sig.SignerKid,
		"canonicalHash": sig.CanonicalHash,
		"actor":         actor,
	}, nil); err != nil {
		return nil, nil, fmt.Errorf("manifest: audit signing: %w", err)
	}

	e.log.Info("manifest signed", "manifestId", m.ID, "signatureId", sig.ID, "kid", sig.SignerKid)
	return sig, m, nil
}

// auditSignFailure appends manifest.sign_failed best-effort: if the chain
// signer shares the outage, the failure is logged and the caller still sees
// the original signer fault.
func (e *Engine) auditSignFailure(ctx context.Context, m *Manifest, actor string, cause error) {
	if _, err := e.chain.Append(ctx, audit.EventManifestSignFailed, map[string]any{
		"manifestId": m.ID,
		"actor":      actor,
		"error":      cause.Error(),
	}, nil); err != nil {
		e.log.Error("could not audit signing failure", "manifestId", m.ID, "error", err)
	}
}

// RequestMultisig binds a high-impact manifest to an upgrade proposal.
// Re-requesting a bound manifest replays the existing binding.
func (e *Engine) RequestMultisig(ctx context.Context, id, actor string) (*Manifest, error) {
	m, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.UpgradeID != "" {
		return m, nil
	}
	if !m.Impact.RequiresMultisig() {
		return nil, fault.Validation("multisig_not_required",
			fmt.Sprintf("impact %s does not require multisig", m.Impact))
	}
	if e.upgrades == nil {
		return nil, fault.Internal(errors.New("manifest: no upgrade coordinator configured"))
	}
	switch m.Status {
	case StatusDraft, StatusSigned:
	default:
		return nil, fault.Conflict("manifest_status_conflict",
			fmt.Sprintf("manifest %s is %s and cannot enter multisig", id, m.Status))
	}
	if err := e.bindUpgrade(ctx, m, actor); err != nil {
		return nil, err
	}
	return m, nil
}

// UpgradeApplied is the multisig coordinator's callback once quorum applies
// the proposal. It moves the manifest from pending_multisig to
// multisig_applied.
func (e *Engine) UpgradeApplied(ctx context.Context, manifestID, upgradeID string) error {
	at := e.now().UTC()
	err := e.store.UpdateStatus(ctx, manifestID, []Status{StatusPendingMultisig}, StatusMultisigApplied, at)
	if errors.Is(err, ErrNotFound) {
		return fault.NotFound("manifest", manifestID)
	}
	if errors.Is(err, ErrStatusConflict) {
		return fault.Conflict("manifest_status_conflict", "manifest is not awaiting multisig")
	}
	if err != nil {
		return fmt.Errorf("manifest: multisig applied transition: %w", err)
	}
	e.recordHistory(ctx, manifestID, StatusMultisigApplied, "", "upgrade "+upgradeID)
	e.countTransition(ctx, StatusPendingMultisig, StatusMultisigApplied)

	if _, err := e.chain.Append(ctx, audit.EventManifestUpdate, map[string]any{
		"manifestId": manifestID,
		"status":     string(StatusMultisigApplied),
		"upgradeId":  upgradeID,
	}, nil); err != nil {
		return fmt.Errorf("manifest: audit multisig applied: %w", err)
	}
	return nil
}

// UpgradeRejected is the coordinator's callback when a pending proposal is
// rejected. The dependent manifest fails; it can never clear multisig.
func (e *Engine) UpgradeRejected(ctx context.Context, manifestID, upgradeID, reason string) error {
	at := e.now().UTC()
	err := e.store.UpdateStatus(ctx, manifestID, []Status{StatusPendingMultisig}, StatusFailed, at)
	if errors.Is(err, ErrNotFound) {
		return fault.NotFound("manifest", manifestID)
	}
	if errors.Is(err, ErrStatusConflict) {
		return fault.Conflict("manifest_status_conflict", "manifest is not awaiting multisig")
	}
	if err != nil {
		return fmt.Errorf("manifest: rejection transition: %w", err)
	}
	e.recordHistory(ctx, manifestID, StatusFailed, "", "upgrade "+upgradeID+" rejected: "+reason)
	e.countTransition(ctx, StatusPendingMultisig, StatusFailed)

	if _, err := e.chain.Append(ctx, audit.EventManifestUpdate, map[string]any{
		"manifestId": manifestID,
		"status":     string(StatusFailed),
		"upgradeId":  upgradeID,
		"reason":     reason,
	}, nil); err != nil {
		return fmt.Errorf("manifest: audit rejection: %w", err)
	}
	return nil
}

// UpgradeRolledBack is the coordinator's callback when an un-ratified
// emergency apply expires. The dependent manifest is compensated into
// rolled_back; publish side effects stay, visible in the audit trail.
func (e *Engine) UpgradeRolledBack(ctx context.Context, manifestID, upgradeID string) error {
	at := e.now().UTC()
	from := []Status{StatusMultisigApplied, StatusApplying, StatusApplied, StatusPublishing, StatusPublished}
	err := e.store.UpdateStatus(ctx, manifestID, from, StatusRolledBack, at)
	if errors.Is(err, ErrNotFound) {
		return fault.NotFound("manifest", manifestID)
	}
	if errors.Is(err, ErrStatusConflict) {
		return fault.Conflict("manifest_status_conflict", "manifest is not in a rollback-eligible state")
	}
	if err != nil {
		return fmt.Errorf("manifest: rollback transition: %w", err)
	}
	e.recordHistory(ctx, manifestID, StatusRolledBack, "", "upgrade "+upgradeID+" expired unratified")
	e.countTransition(ctx, StatusApplied, StatusRolledBack)

	if _, err := e.chain.Append(ctx, audit.EventManifestUpdate, map[string]any{
		"manifestId": manifestID,
		"status":     string(StatusRolledBack),
		"upgradeId":  upgradeID,
	}, nil); err != nil {
		return fmt.Errorf("manifest: audit rollback: %w", err)
	}
	return nil
}

// Apply drives a manifest through applying into applied and hands it to the
// publish driver. Exactly one concurrent caller wins; the rest see 409.
func (e *Engine) Apply(ctx context.Context, id, actor string) (*Manifest, error) {
	m, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch m.Status {
	case StatusSigned, StatusMultisigApplied:
	case StatusApplying:
		return nil, fault.Conflict("manifest_apply_in_flight", "another apply is in progress")
	case StatusApplied, StatusPublishing, StatusPublished:
		return nil, fault.Conflict("manifest_already_applied",
			fmt.Sprintf("manifest %s is already %s", id, m.Status))
	case StatusPendingMultisig:
		return nil, fault.Preconditions("multisig_pending",
			fmt.Sprintf("upgrade %s has not reached quorum", m.UpgradeID))
	case StatusDraft:
		return nil, fault.Preconditions("manifest_not_signed", "manifest has no signature")
	default:
		return nil, fault.Conflict("manifest_status_conflict",
			fmt.Sprintf("manifest %s is %s and cannot be applied", id, m.Status))
	}
	if m.Impact.RequiresMultisig() && m.Status != StatusMultisigApplied {
		return nil, fault.Preconditions("multisig_required",
			fmt.Sprintf("impact %s requires an applied upgrade", m.Impact))
	}
	if err := e.verifySignature(ctx, m); err != nil {
		return nil, err
	}
	if err := e.resolvePreconditions(ctx, m); err != nil {
		return nil, err
	}

	if _, err := e.gate.Require(ctx, &policy.DecisionRequest{
		Hook:      policy.HookPreApply,
		Principal: actor,
		Action:    "manifest.apply",
		Resource:  "manifest/" + id,
		Input: map[string]any{
			"manifestId": m.ID,
			"impact":     string(m.Impact),
			"target":     m.Target,
		},
	}); err != nil {
		if fault.IsKind(err, fault.KindPolicyDenied) {
			e.failManifest(ctx, m, actor, "publish.pre_apply denied")
		}
		return nil, err
	}

	at := e.now().UTC()
	err = e.store.UpdateStatus(ctx, id, []Status{StatusSigned, StatusMultisigApplied}, StatusApplying, at)
	if errors.Is(err, ErrStatusConflict) {
		return nil, fault.Conflict("manifest_already_applied", "a concurrent apply won this transition")
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: claim apply: %w", err)
	}
	e.countTransition(ctx, m.Status, StatusApplying)

	if e.applyHook != nil {
		if hookErr := e.applyHook(ctx, m.Target, m.ApplyStrategy); hookErr != nil {
			e.failManifest(ctx, m, actor, "apply hook: "+hookErr.Error())
			return nil, fault.Internal(fmt.Errorf("manifest: apply hook for target %s: %w", m.Target, hookErr))
		}
	}

	at = e.now().UTC()
	if err := e.store.UpdateStatus(ctx, id, []Status{StatusApplying}, StatusApplied, at); err != nil {
		return nil, fmt.Errorf("manifest: finish apply: %w", err)
	}
	e.recordHistory(ctx, id, StatusApplied, actor, "")
	e.countTransition(ctx, StatusApplying, StatusApplied)

	if _, err := e.chain.Append(ctx, audit.EventManifestApplied, map[string]any{
		"manifestId":  m.ID,
		"packageId":   m.PackageID,
		"impact":      string(m.Impact),
		"target":      m.Target,
		"upgradeId":   m.UpgradeID,
		"signatureId": m.SignatureID,
		"actor":       actor,
	}, nil); err != nil {
		return nil, fmt.Errorf("manifest: audit apply: %w", err)
	}

	// The caller gets the applied snapshot; publish fan-out is a follow-on
	// transition visible through the status endpoint.
	applied, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.publisher != nil {
		if err := e.publisher.CreateTasksForManifest(ctx, m.ID); err != nil {
			return nil, fmt.Errorf("manifest: plan publish tasks: %w", err)
		}
		at = e.now().UTC()
		if err := e.store.UpdateStatus(ctx, id, []Status{StatusApplied}, StatusPublishing, at); err != nil {
			return nil, fmt.Errorf("manifest: enter publishing: %w", err)
		}
		e.recordHistory(ctx, id, StatusPublishing, "", "")
		e.countTransition(ctx, StatusApplied, StatusPublishing)
	}

	e.log.Info("manifest applied", "manifestId", m.ID, "actor", actor, "impact", string(m.Impact))
	return applied, nil
}

// PublishSucceeded is the publish driver's callback once every target holds
// a completion proof. The returned bool reports whether this call won the
// publishing to published transition; losers are late duplicates.
func (e *Engine) PublishSucceeded(ctx context.Context, manifestID string) (bool, error) {
	at := e.now().UTC()
	err := e.store.UpdateStatus(ctx, manifestID, []Status{StatusPublishing}, StatusPublished, at)
	if errors.Is(err, ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("manifest: publish completion: %w", err)
	}
	e.recordHistory(ctx, manifestID, StatusPublished, "", "")
	e.countTransition(ctx, StatusPublishing, StatusPublished)
	return true, nil
}

// PublishFailed records a terminal publish failure. The manifest keeps its
// status; the note lands in history for the status endpoint.
func (e *Engine) PublishFailed(ctx context.Context, manifestID, reason string) error {
	e.recordHistory(ctx, manifestID, StatusPublishing, "", "publish failed: "+reason)
	return nil
}

// verifySignature confirms the stored signature still covers the manifest's
// canonical form before any apply proceeds.
func (e *Engine) verifySignature(ctx context.Context, m *Manifest) error {
	if m.SignatureID == "" {
		return fault.Preconditions("manifest_not_signed", "manifest has no signature")
	}
	sig, err := e.store.GetSignature(ctx, m.SignatureID)
	if errors.Is(err, ErrNotFound) {
		return fault.Preconditions("signature_unresolvable",
			fmt.Sprintf("signature %s is not resolvable", m.SignatureID))
	}
	if err != nil {
		return fmt.Errorf("manifest: load signature: %w", err)
	}
	canon, err := canonical.MarshalCanonical(m.Core())
	if err != nil {
		return fmt.Errorf("manifest: canonicalize for verification: %w", err)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return fault.Internal(fmt.Errorf("manifest: stored signature not base64: %w", err))
	}
	sum := sha256.Sum256(canon)
	if err := e.registry.VerifyDigest(sig.SignerKid, sum[:], sigBytes); err != nil {
		return fault.Preconditions("signature_invalid",
			fmt.Sprintf("signature %s does not verify against the manifest core: %v", sig.ID, err))
	}
	return nil
}

// resolvePreconditions checks every precondition ref. Supported forms are
// package:<id> (must be validated) and audit:<eventId> (must resolve in the
// chain).
func (e *Engine) resolvePreconditions(ctx context.Context, m *Manifest) error {
	for _, ref := range m.Preconditions {
		switch {
		case strings.HasPrefix(ref, "package:"):
			id := strings.TrimPrefix(ref, "package:")
			pkg, err := e.packages.Get(ctx, id)
			if err != nil || pkg.Status != pack.StatusValidated {
				return fault.Preconditions("unresolved_precondition",
					fmt.Sprintf("precondition %s is not satisfied", ref))
			}
		case strings.HasPrefix(ref, "audit:"):
			id := strings.TrimPrefix(ref, "audit:")
			if _, err := e.chain.Get(ctx, id); err != nil {
				return fault.Preconditions("unresolved_precondition",
					fmt.Sprintf("precondition %s is not satisfied", ref))
			}
		default:
			return fault.Preconditions("unresolved_precondition",
				fmt.Sprintf("precondition %s has an unknown scheme", ref))
		}
	}
	return nil
}

// failManifest parks the manifest in failed after a policy denial or hook
// failure, recording both history and the audit trail.
func (e *Engine) failManifest(ctx context.Context, m *Manifest, actor, reason string) {
	at := e.now().UTC()
	from := []Status{StatusDraft, StatusSigned, StatusPendingMultisig, StatusMultisigApplied, StatusApplying}
	if err := e.store.UpdateStatus(ctx, m.ID, from, StatusFailed, at); err != nil {
		e.log.Error("could not fail manifest", "manifestId", m.ID, "error", err)
		return
	}
	e.recordHistory(ctx, m.ID, StatusFailed, actor, reason)
	e.countTransition(ctx, m.Status, StatusFailed)
	if _, err := e.chain.Append(ctx, audit.EventManifestUpdate, map[string]any{
		"manifestId": m.ID,
		"status":     string(StatusFailed),
		"reason":     reason,
		"actor":      actor,
	}, nil); err != nil {
		e.log.Error("could not audit manifest failure", "manifestId", m.ID, "error", err)
	}
}

func (e *Engine) recordHistory(ctx context.Context, manifestID string, status Status, actor, note string) {
	entry := &HistoryEntry{
		ManifestID: manifestID,
		Status:     status,
		Actor:      actor,
		Note:       note,
		At:         e.now().UTC().Truncate(time.Millisecond),
	}
	if err := e.store.AppendHistory(ctx, entry); err != nil {
		e.log.Error("could not append history", "manifestId", manifestID, "status", string(status), "error", err)
	}
}

func (e *Engine) countTransition(ctx context.Context, from, to Status) {
	if e.metrics != nil {
		e.metrics.CountManifestTransition(ctx, string(from), string(to))
	}
}

func (e *Engine) algorithm() signing.Algorithm {
	if info, ok := e.registry.Lookup(e.signerKid); ok {
		return info.Algorithm
	}
	return signing.AlgorithmEd25519
}

func validateCreate(req *CreateRequest) error {
	if req == nil {
		return fault.Validation("missing_body", "request body is required")
	}
	if req.PackageID == "" {
		return fault.Validation("missing_package_id", "packageId is required")
	}
	if req.Target == "" {
		return fault.Validation("missing_target", "target is required")
	}
	if req.Impact == "" {
		return fault.Validation("missing_impact", "impact is required")
	}
	if req.Rationale == "" {
		return fault.Validation("missing_rationale", "rationale is required")
	}
	return nil
}
