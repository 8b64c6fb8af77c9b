// Package policy is the decision gate consulted before privileged kernel
// transitions: manifest signing and updates, allocation requests, and the
// pre-apply check.
//
// Evaluation is pluggable behind the Gate interface: an embedded CEL engine,
// a WASI module, or a remote HTTP evaluator. Backends must be deterministic;
// every decision is hashed and written to the audit chain by AuditingGate.
// The gate fails closed in production; fail-open is a dev-only escape hatch.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/keel/pkg/config"
)

// Backend identifies the policy engine.
type Backend string

const (
	BackendCEL  Backend = "cel"
	BackendWASM Backend = "wasm"
	BackendHTTP Backend = "http"
)

// Hooks the kernel consults.
const (
	HookManifestSign      = "manifest.sign"
	HookManifestUpdate    = "manifest.update"
	HookAllocationRequest = "allocation.request"
	HookPreApply          = "publish.pre_apply"
)

// DecisionRequest is the structured input to one evaluation.
type DecisionRequest struct {
	Hook      string            `json:"hook"`
	Principal string            `json:"principal"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Input     map[string]any    `json:"input,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Decision is the outcome of one evaluation. DecisionID and DecisionHash are
// filled by AuditingGate so raw backends stay trivial.
type Decision struct {
	DecisionID   string `json:"decisionId,omitempty"`
	Allow        bool   `json:"allow"`
	RuleID       string `json:"ruleId,omitempty"`
	Rationale    string `json:"rationale"`
	PolicyHash   string `json:"policyHash,omitempty"`
	DecisionHash string `json:"decisionHash,omitempty"`
}

// Gate evaluates decision requests. Implementations return an error only for
// backend failures; a clean deny is a Decision with Allow=false.
type Gate interface {
	Evaluate(ctx context.Context, req *DecisionRequest) (*Decision, error)
	Backend() Backend
	PolicyHash() string
}

// Rule is one entry of the CEL policy document. Every rule bound to the
// requested hook must evaluate to true or the decision is a deny carrying the
// first failing rule.
type Rule struct {
	ID        string `yaml:"id" json:"id"`
	Hook      string `yaml:"hook" json:"hook"`
	Expr      string `yaml:"expr" json:"expr"`
	Rationale string `yaml:"rationale" json:"rationale"`
}

// Document is the on-disk policy file shape.
type Document struct {
	Rules []Rule `yaml:"rules"`
}

// LoadDocument reads and validates a policy document. The returned hash is a
// content address of the raw file, bound into every decision.
func LoadDocument(path string) (*Document, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("policy: read document: %w", err)
	}
	doc, err := ParseDocument(raw)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(raw)
	return doc, "sha256:" + hex.EncodeToString(sum[:]), nil
}

// ParseDocument decodes a YAML policy document.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse document: %w", err)
	}
	seen := make(map[string]bool, len(doc.Rules))
	for i, r := range doc.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("policy: rule %d has no id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("policy: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if r.Hook == "" {
			return nil, fmt.Errorf("policy: rule %q has no hook", r.ID)
		}
		if r.Expr == "" {
			return nil, fmt.Errorf("policy: rule %q has no expr", r.ID)
		}
	}
	return &doc, nil
}

// NewGate builds the backend named by cfg.PolicyBackend.
func NewGate(cfg *config.Config) (Gate, error) {
	switch Backend(cfg.PolicyBackend) {
	case BackendCEL, "":
		return NewCELGate(cfg.PolicyPath)
	case BackendWASM:
		return NewWASMGateFromFile(context.Background(), cfg.PolicyPath)
	case BackendHTTP:
		return NewHTTPGate(cfg.PolicyURL, 0)
	default:
		return nil, fmt.Errorf("policy: unknown backend %q", cfg.PolicyBackend)
	}
}

// allowAll is the decision for hooks with no configured rules.
func allowAll(policyHash string) *Decision {
	return &Decision{
		Allow:      true,
		Rationale:  "no policy rules configured for hook",
		PolicyHash: policyHash,
	}
}
