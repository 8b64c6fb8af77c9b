package manifest_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/canonical"
	"github.com/Mindburn-Labs/keel/pkg/fault"
	"github.com/Mindburn-Labs/keel/pkg/manifest"
	"github.com/Mindburn-Labs/keel/pkg/pack"
	"github.com/Mindburn-Labs/keel/pkg/policy"
	"github.com/Mindburn-Labs/keel/pkg/signing"
)

type fakeCoordinator struct {
	opened []string
	fail   bool
}

func (f *fakeCoordinator) OpenProposal(ctx context.Context, manifestID, submittedBy string) (string, error) {
	if f.fail {
		return "", errors.New("coordinator down")
	}
	f.opened = append(f.opened, manifestID)
	return fmt.Sprintf("upg-%d", len(f.opened)), nil
}

type fakePublisher struct {
	planned []string
}

func (f *fakePublisher) CreateTasksForManifest(ctx context.Context, manifestID string) error {
	f.planned = append(f.planned, manifestID)
	return nil
}

// downGateway simulates a signer outage while the audit chain keeps its own
// working signer.
type downGateway struct{}

func (downGateway) Sign(ctx context.Context, kid string, digest []byte, alg signing.Algorithm) ([]byte, error) {
	return nil, errors.New("signing proxy: 503 service unavailable")
}

func (downGateway) PublicKey(ctx context.Context, kid string) ([]byte, error) {
	return nil, signing.ErrUnknownKey
}

func (downGateway) Probe(ctx context.Context) error {
	return errors.New("signing proxy: connection refused")
}

type engineFixture struct {
	engine    *manifest.Engine
	store     *manifest.MemoryStore
	packs     *pack.MemoryStore
	audits    *audit.MemoryStore
	chain     *audit.Chain
	gate      *policy.AuditingGate
	signer    *signing.LocalSigner
	registry  *signing.Registry
	upgrades  *fakeCoordinator
	publisher *fakePublisher
}

func newFixture(t *testing.T, rules []policy.Rule, opts ...manifest.EngineOption) *engineFixture {
	t.Helper()
	auditStore := audit.NewMemoryStore()
	signer := signing.NewLocalSigner([]byte("manifest-test-seed"))
	reg := signing.NewRegistry()
	require.NoError(t, signer.Register(reg, "audit-signer-1", time.Now()))
	require.NoError(t, signer.Register(reg, "manifest-signer-1", time.Now()))
	chain := audit.NewChain(auditStore, signer, "audit-signer-1", audit.WithRegistry(reg))

	inner, err := policy.NewCELGateFromDocument(&policy.Document{Rules: rules}, "sha256:test")
	require.NoError(t, err)
	gate := policy.NewAuditingGate(inner, chain, false, false)

	f := &engineFixture{
		store:     manifest.NewMemoryStore(),
		packs:     pack.NewMemoryStore(),
		audits:    auditStore,
		chain:     chain,
		gate:      gate,
		signer:    signer,
		registry:  reg,
		upgrades:  &fakeCoordinator{},
		publisher: &fakePublisher{},
	}
	opts = append([]manifest.EngineOption{manifest.WithUpgrades(f.upgrades)}, opts...)
	f.engine = manifest.NewEngine(f.store, f.packs, chain, gate, signer, reg, "manifest-signer-1", opts...)
	f.engine.SetPublisher(f.publisher)
	return f
}

func (f *engineFixture) seedValidatedPackage(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, f.packs.Insert(context.Background(), &pack.Package{
		ID:          id,
		Name:        "acme.webhooks",
		Version:     "1.2.0",
		ArtifactRef: "s3://artifacts/acme-webhooks-1.2.0.tgz",
		SHA256:      strings.Repeat("ab", 32),
		Submitter:   "submitter-1",
		Status:      pack.StatusValidated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
	return id
}

func createReq(packageID, impact string) *manifest.CreateRequest {
	return &manifest.CreateRequest{
		PackageID: packageID,
		Target:    "marketplace/eu-west",
		Impact:    impact,
		Rationale: "rollout of webhook connector 1.2.0",
		Actor:     "operator-1",
	}
}

func auditTypes(t *testing.T, store *audit.MemoryStore) []string {
	t.Helper()
	events, err := store.Range(context.Background(), time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestCreate_LowImpactStaysDraft(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)

	m, err := f.engine.Create(context.Background(), createReq(pkgID, "LOW"))
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusDraft, m.Status)
	assert.Empty(t, m.UpgradeID)
	assert.Equal(t, []string{"package:" + pkgID}, m.Preconditions)
	assert.Empty(t, f.upgrades.opened)
	assert.Contains(t, auditTypes(t, f.audits), audit.EventManifestCreated)
}

func TestCreate_RejectsUnvalidatedPackage(t *testing.T) {
	f := newFixture(t, nil)
	id := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, f.packs.Insert(context.Background(), &pack.Package{
		ID: id, Name: "acme.webhooks", Version: "1.2.0",
		ArtifactRef: "s3://x", SHA256: strings.Repeat("ab", 32),
		Submitter: "submitter-1", Status: pack.StatusSubmitted,
		CreatedAt: now, UpdatedAt: now,
	}))

	_, err := f.engine.Create(context.Background(), createReq(id, "LOW"))
	require.Error(t, err)
	fa := fault.From(err)
	assert.Equal(t, fault.KindPreconditions, fa.Kind)
	assert.Equal(t, "package_not_validated", fa.Code)

	_, err = f.engine.Create(context.Background(), createReq("missing", "LOW"))
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestCreate_RejectsBadShapes(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)

	cases := []struct {
		name     string
		mutate   func(*manifest.CreateRequest)
		wantCode string
	}{
		{"missing package", func(r *manifest.CreateRequest) { r.PackageID = "" }, "missing_package_id"},
		{"missing target", func(r *manifest.CreateRequest) { r.Target = "" }, "missing_target"},
		{"missing impact", func(r *manifest.CreateRequest) { r.Impact = "" }, "missing_impact"},
		{"unknown impact", func(r *manifest.CreateRequest) { r.Impact = "SEVERE" }, "invalid_impact"},
		{"missing rationale", func(r *manifest.CreateRequest) { r.Rationale = "" }, "missing_rationale"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := createReq(pkgID, "LOW")
			tc.mutate(req)
			_, err := f.engine.Create(context.Background(), req)
			require.Error(t, err)
			fa := fault.From(err)
			assert.Equal(t, fault.KindValidation, fa.Kind)
			assert.Equal(t, tc.wantCode, fa.Code)
		})
	}
}

func TestCreate_HighImpactRoutesToMultisig(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)

	m, err := f.engine.Create(context.Background(), createReq(pkgID, "HIGH"))
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPendingMultisig, m.Status)
	assert.Equal(t, "upg-1", m.UpgradeID)
	assert.Equal(t, []string{m.ID}, f.upgrades.opened)
}

func TestSign_DraftBecomesSignedAndVerifies(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "LOW"))
	require.NoError(t, err)

	sig, signed, err := f.engine.Sign(ctx, m.ID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusSigned, signed.Status)
	assert.Equal(t, "manifest-signer-1", sig.SignerKid)

	// The stored signature covers the canonical core of the manifest.
	canon, err := canonical.MarshalCanonical(signed.Core())
	require.NoError(t, err)
	assert.Equal(t, canonical.HashBytes(canon), sig.CanonicalHash)
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	require.NoError(t, err)
	sum := sha256.Sum256(canon)
	require.NoError(t, f.registry.VerifyDigest(sig.SignerKid, sum[:], raw))

	assert.Contains(t, auditTypes(t, f.audits), audit.EventManifestSigned)

	_, _, err = f.engine.Sign(ctx, m.ID, "operator-1")
	require.Error(t, err)
	fa := fault.From(err)
	assert.Equal(t, fault.KindConflict, fa.Kind)
	assert.Equal(t, "manifest_already_signed", fa.Code)
}

func TestSign_PendingMultisigKeepsStatus(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "CRITICAL"))
	require.NoError(t, err)
	require.Equal(t, manifest.StatusPendingMultisig, m.Status)

	_, signed, err := f.engine.Sign(ctx, m.ID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPendingMultisig, signed.Status)
	assert.NotEmpty(t, signed.SignatureID)
}

func TestSign_SignerOutageLeavesDraftAndAuditsFailure(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "LOW"))
	require.NoError(t, err)

	// Same stores and chain, but the manifest signer is down.
	eng := manifest.NewEngine(f.store, f.packs, f.chain, f.gate, downGateway{}, f.registry,
		"manifest-signer-1", manifest.WithUpgrades(f.upgrades))

	_, _, err = eng.Sign(ctx, m.ID, "operator-1")
	require.Error(t, err)
	assert.Equal(t, fault.KindSignerUnavailable, fault.KindOf(err))

	got, err := f.engine.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusDraft, got.Status)
	assert.Empty(t, got.SignatureID)

	// The failed attempt is still on the chain, and the chain stays valid.
	assert.Contains(t, auditTypes(t, f.audits), audit.EventManifestSignFailed)
	events, err := f.audits.Range(ctx, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	report := audit.Verify(events, f.registry)
	assert.True(t, report.OK)
}

func TestSign_PolicyDenyLeavesDraftUntouched(t *testing.T) {
	f := newFixture(t, []policy.Rule{{
		ID:        "no-prod-freeze-break",
		Hook:      policy.HookManifestSign,
		Expr:      `input.impact != "LOW"`,
		Rationale: "low impact signing frozen",
	}})
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "LOW"))
	require.NoError(t, err)

	_, _, err = f.engine.Sign(ctx, m.ID, "operator-1")
	require.Error(t, err)
	assert.Equal(t, fault.KindPolicyDenied, fault.KindOf(err))

	got, err := f.engine.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusDraft, got.Status)
	assert.Empty(t, got.SignatureID)
}

func TestApply_SignedLowImpactReachesPublishing(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "LOW"))
	require.NoError(t, err)
	_, _, err = f.engine.Sign(ctx, m.ID, "operator-1")
	require.NoError(t, err)

	applied, err := f.engine.Apply(ctx, m.ID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusApplied, applied.Status, "apply reports the applied snapshot")
	assert.Equal(t, []string{m.ID}, f.publisher.planned)
	assert.Contains(t, auditTypes(t, f.audits), audit.EventManifestApplied)

	got, err := f.engine.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPublishing, got.Status, "fan-out moved it on")

	// The transient applying state never lands in history.
	_, history, err := f.engine.Status(ctx, m.ID)
	require.NoError(t, err)
	var statuses []manifest.Status
	for _, h := range history {
		statuses = append(statuses, h.Status)
	}
	assert.Equal(t, []manifest.Status{
		manifest.StatusDraft, manifest.StatusSigned,
		manifest.StatusApplied, manifest.StatusPublishing,
	}, statuses, "applying is transient and never recorded")
}

func TestApply_RequiresSignature(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "LOW"))
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, m.ID, "operator-1")
	require.Error(t, err)
	fa := fault.From(err)
	assert.Equal(t, fault.KindPreconditions, fa.Kind)
	assert.Equal(t, "manifest_not_signed", fa.Code)
}

func TestApply_PendingMultisigBlocks(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "HIGH"))
	require.NoError(t, err)
	_, _, err = f.engine.Sign(ctx, m.ID, "operator-1")
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, m.ID, "operator-1")
	require.Error(t, err)
	fa := fault.From(err)
	assert.Equal(t, fault.KindPreconditions, fa.Kind)
	assert.Equal(t, "multisig_pending", fa.Code)
}

func TestApply_SecondCallConflicts(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "LOW"))
	require.NoError(t, err)
	_, _, err = f.engine.Sign(ctx, m.ID, "operator-1")
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, m.ID, "operator-1")
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, m.ID, "operator-1")
	require.Error(t, err)
	fa := fault.From(err)
	assert.Equal(t, fault.KindConflict, fa.Kind)
	assert.Equal(t, "manifest_already_applied", fa.Code)
}

func TestApply_PolicyDenyFailsManifest(t *testing.T) {
	f := newFixture(t, []policy.Rule{{
		ID:        "freeze-window",
		Hook:      policy.HookPreApply,
		Expr:      `input.target != "marketplace/eu-west"`,
		Rationale: "eu-west is in a release freeze",
	}})
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "LOW"))
	require.NoError(t, err)
	_, _, err = f.engine.Sign(ctx, m.ID, "operator-1")
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, m.ID, "operator-1")
	require.Error(t, err)
	assert.Equal(t, fault.KindPolicyDenied, fault.KindOf(err))

	got, err := f.engine.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusFailed, got.Status)
	assert.Empty(t, f.publisher.planned)
}

func TestApply_UnresolvedPreconditionBlocks(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	req := createReq(pkgID, "LOW")
	req.Preconditions = []string{"audit:no-such-event"}
	m, err := f.engine.Create(ctx, req)
	require.NoError(t, err)
	_, _, err = f.engine.Sign(ctx, m.ID, "operator-1")
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, m.ID, "operator-1")
	require.Error(t, err)
	fa := fault.From(err)
	assert.Equal(t, fault.KindPreconditions, fa.Kind)
	assert.Equal(t, "unresolved_precondition", fa.Code)
}

func TestApply_AuditPreconditionResolves(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	anchor, err := f.chain.Append(ctx, audit.EventPackageValidated, map[string]any{"packageId": pkgID}, nil)
	require.NoError(t, err)

	req := createReq(pkgID, "LOW")
	req.Preconditions = []string{"audit:" + anchor.ID}
	m, err := f.engine.Create(ctx, req)
	require.NoError(t, err)
	_, _, err = f.engine.Sign(ctx, m.ID, "operator-1")
	require.NoError(t, err)

	applied, err := f.engine.Apply(ctx, m.ID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPublishing, applied.Status)
}

func TestApply_HookFailureFailsManifest(t *testing.T) {
	f := newFixture(t, nil, manifest.WithApplyHook(
		func(ctx context.Context, target string, strategy json.RawMessage) error {
			return errors.New("target rejected strategy")
		}))
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "LOW"))
	require.NoError(t, err)
	_, _, err = f.engine.Sign(ctx, m.ID, "operator-1")
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, m.ID, "operator-1")
	require.Error(t, err)
	assert.Equal(t, fault.KindInternal, fault.KindOf(err))

	got, err := f.engine.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusFailed, got.Status)
}

func TestUpgradeApplied_UnblocksApply(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "HIGH"))
	require.NoError(t, err)
	_, _, err = f.engine.Sign(ctx, m.ID, "operator-1")
	require.NoError(t, err)

	require.NoError(t, f.engine.UpgradeApplied(ctx, m.ID, m.UpgradeID))
	got, err := f.engine.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusMultisigApplied, got.Status)

	applied, err := f.engine.Apply(ctx, m.ID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusApplied, applied.Status)
}

func TestUpgradeRolledBack_CompensatesManifest(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "HIGH"))
	require.NoError(t, err)
	_, _, err = f.engine.Sign(ctx, m.ID, "operator-1")
	require.NoError(t, err)
	require.NoError(t, f.engine.UpgradeApplied(ctx, m.ID, m.UpgradeID))
	_, err = f.engine.Apply(ctx, m.ID, "operator-1")
	require.NoError(t, err)
	won, err := f.engine.PublishSucceeded(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.engine.UpgradeRolledBack(ctx, m.ID, m.UpgradeID))
	got, err := f.engine.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusRolledBack, got.Status)
}

func TestRequestMultisig_BindsAndReplays(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	// An engine without a coordinator leaves high-impact drafts unbound,
	// which is what a later request-multisig call picks up.
	bare := manifest.NewEngine(f.store, f.packs, f.chain, f.gate, f.signer, f.registry, "manifest-signer-1")
	m, err := bare.Create(ctx, createReq(pkgID, "HIGH"))
	require.NoError(t, err)
	require.Equal(t, manifest.StatusDraft, m.Status)

	bound, err := f.engine.RequestMultisig(ctx, m.ID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPendingMultisig, bound.Status)
	assert.Equal(t, "upg-1", bound.UpgradeID)

	replay, err := f.engine.RequestMultisig(ctx, m.ID, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, bound.UpgradeID, replay.UpgradeID)
	assert.Len(t, f.upgrades.opened, 1, "rebinding never opens a second proposal")
}

func TestRequestMultisig_LowImpactRejected(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "MEDIUM"))
	require.NoError(t, err)

	_, err = f.engine.RequestMultisig(ctx, m.ID, "operator-1")
	require.Error(t, err)
	fa := fault.From(err)
	assert.Equal(t, fault.KindValidation, fa.Kind)
	assert.Equal(t, "multisig_not_required", fa.Code)
}

func TestPublishCallbacks(t *testing.T) {
	f := newFixture(t, nil)
	pkgID := f.seedValidatedPackage(t)
	ctx := context.Background()

	m, err := f.engine.Create(ctx, createReq(pkgID, "LOW"))
	require.NoError(t, err)
	_, _, err = f.engine.Sign(ctx, m.ID, "operator-1")
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, m.ID, "operator-1")
	require.NoError(t, err)

	won, err := f.engine.PublishSucceeded(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, won)
	got, err := f.engine.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPublished, got.Status)

	// A late duplicate completion loses the transition without erroring.
	won, err = f.engine.PublishSucceeded(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestImpactOrdering(t *testing.T) {
	low, err := manifest.ParseImpact("LOW")
	require.NoError(t, err)
	crit, err := manifest.ParseImpact("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, -1, low.Compare(crit))
	assert.Equal(t, 1, crit.Compare(low))
	assert.Equal(t, 0, low.Compare(low))
	assert.False(t, low.RequiresMultisig())
	assert.True(t, manifest.ImpactHigh.RequiresMultisig())
	assert.True(t, crit.RequiresMultisig())

	_, err = manifest.ParseImpact("low")
	require.Error(t, err)
}
