package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELGate evaluates rules compiled from the policy document. Programs are
// compiled once and cached; CostLimit bounds pathological expressions.
type CELGate struct {
	env        *cel.Env
	doc        *Document
	policyHash string

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELGate loads the policy document at path. An empty path yields a gate
// with no rules, which allows everything.
func NewCELGate(path string) (*CELGate, error) {
	doc := &Document{}
	hash := ""
	if path != "" {
		var err error
		doc, hash, err = LoadDocument(path)
		if err != nil {
			return nil, err
		}
	}
	return NewCELGateFromDocument(doc, hash)
}

// NewCELGateFromDocument builds a gate over an already parsed document. Every
// rule is validated for determinism and compiled eagerly so a bad policy file
// fails at startup, not at decision time.
func NewCELGateFromDocument(doc *Document, policyHash string) (*CELGate, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("principal", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("hook", cel.StringType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}
	g := &CELGate{
		env:        env,
		doc:        doc,
		policyHash: policyHash,
		programs:   make(map[string]cel.Program, len(doc.Rules)),
	}
	for _, r := range doc.Rules {
		if err := ValidateDeterminism(env, r.Expr); err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.ID, err)
		}
		if _, err := g.program(r.Expr); err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.ID, err)
		}
	}
	return g, nil
}

func (g *CELGate) Backend() Backend   { return BackendCEL }
func (g *CELGate) PolicyHash() string { return g.policyHash }

// Evaluate runs every rule bound to req.Hook. All must pass; the first
// failing rule produces the deny.
func (g *CELGate) Evaluate(ctx context.Context, req *DecisionRequest) (*Decision, error) {
	activation := map[string]any{
		"input":     req.Input,
		"principal": req.Principal,
		"action":    req.Action,
		"resource":  req.Resource,
		"hook":      req.Hook,
		"timestamp": req.Timestamp.Unix(),
	}
	if activation["input"] == nil {
		activation["input"] = map[string]any{}
	}

	matched := false
	for _, r := range g.doc.Rules {
		if r.Hook != req.Hook {
			continue
		}
		matched = true
		prg, err := g.program(r.Expr)
		if err != nil {
			return nil, err
		}
		out, _, err := prg.Eval(activation)
		if err != nil {
			return nil, fmt.Errorf("policy: eval rule %q: %w", r.ID, err)
		}
		pass, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("policy: rule %q did not produce a bool", r.ID)
		}
		if !pass {
			return &Decision{
				Allow:      false,
				RuleID:     r.ID,
				Rationale:  r.Rationale,
				PolicyHash: g.policyHash,
			}, nil
		}
	}
	if !matched {
		return allowAll(g.policyHash), nil
	}
	return &Decision{
		Allow:      true,
		Rationale:  "all rules passed",
		PolicyHash: g.policyHash,
	}, nil
}

func (g *CELGate) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.programs[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, hit = g.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile: %w", issues.Err())
	}
	prg, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: program: %w", err)
	}
	g.programs[expr] = prg
	return prg, nil
}
