package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/fault"
)

// AuditingGate decorates a backend: it assigns decision ids, computes the
// decision hash, writes a policy.decision audit event for every evaluation
// and applies the fail-open/fail-closed stance on backend errors.
//
// Fail-open is honored only outside production; a production gate always
// fails closed no matter how it was configured.
type AuditingGate struct {
	inner      Gate
	chain      *audit.Chain
	failOpen   bool
	production bool
	now        func() time.Time
	log        *slog.Logger
}

// NewAuditingGate wraps inner. chain may not be nil: every decision must
// land on the audit chain, there is no unaudited mode.
func NewAuditingGate(inner Gate, chain *audit.Chain, failOpen, production bool) *AuditingGate {
	return &AuditingGate{
		inner:      inner,
		chain:      chain,
		failOpen:   failOpen && !production,
		production: production,
		now:        time.Now,
		log:        slog.Default().With("component", "policy-gate", "backend", string(inner.Backend())),
	}
}

func (g *AuditingGate) Backend() Backend   { return g.inner.Backend() }
func (g *AuditingGate) PolicyHash() string { return g.inner.PolicyHash() }

func (g *AuditingGate) Evaluate(ctx context.Context, req *DecisionRequest) (*Decision, error) {
	if req.Timestamp.IsZero() {
		req.Timestamp = g.now().UTC()
	}

	d, evalErr := g.inner.Evaluate(ctx, req)
	if evalErr != nil {
		if !g.failOpen {
			g.log.Error("policy backend failed, denying", "hook", req.Hook, "error", evalErr)
			d = &Decision{
				Allow:      false,
				Rationale:  fmt.Sprintf("policy backend failed closed: %v", evalErr),
				PolicyHash: g.inner.PolicyHash(),
			}
		} else {
			g.log.Warn("policy backend failed, allowing (fail-open)", "hook", req.Hook, "error", evalErr)
			d = &Decision{
				Allow:      true,
				Rationale:  fmt.Sprintf("policy backend unavailable, fail-open: %v", evalErr),
				PolicyHash: g.inner.PolicyHash(),
			}
		}
	}

	d.DecisionID = uuid.NewString()
	hash, err := ComputeDecisionHash(d)
	if err != nil {
		return nil, fmt.Errorf("policy: decision hash: %w", err)
	}
	d.DecisionHash = hash

	_, err = g.chain.Append(ctx, audit.EventPolicyDecision, map[string]any{
		"decisionId":   d.DecisionID,
		"decisionHash": d.DecisionHash,
		"policyHash":   d.PolicyHash,
		"hook":         req.Hook,
		"principal":    req.Principal,
		"action":       req.Action,
		"resource":     req.Resource,
		"allow":        d.Allow,
		"ruleId":       d.RuleID,
		"rationale":    d.Rationale,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("policy: audit decision: %w", err)
	}
	return d, nil
}

// Require evaluates and converts a deny into a policy_denied fault so call
// sites stay one-liners.
func (g *AuditingGate) Require(ctx context.Context, req *DecisionRequest) (*Decision, error) {
	d, err := g.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	if !d.Allow {
		return d, fault.PolicyDenied(d.DecisionID, d.RuleID, d.Rationale)
	}
	return d, nil
}

// ComputeDecisionHash canonicalizes the decision with RFC 8785 JCS and hashes
// it. The id and hash fields are excluded from the preimage.
func ComputeDecisionHash(d *Decision) (string, error) {
	hashInput := struct {
		Allow      bool   `json:"allow"`
		RuleID     string `json:"ruleId"`
		Rationale  string `json:"rationale"`
		PolicyHash string `json:"policyHash"`
	}{
		Allow:      d.Allow,
		RuleID:     d.RuleID,
		Rationale:  d.Rationale,
		PolicyHash: d.PolicyHash,
	}
	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("marshal decision: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize decision: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
