package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// ValidateDeterminism rejects expressions whose evaluation can differ across
// replicas or replays: wall-clock reads, map iteration order, and floating
// point literals.
func ValidateDeterminism(env *cel.Env, expr string) error {
	parsed, issues := env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("parse: %w", issues.Err())
	}
	pe, err := cel.AstToParsedExpr(parsed)
	if err != nil {
		return fmt.Errorf("inspect ast: %w", err)
	}
	var problems []string
	walkExpr(pe.GetExpr(), &problems)
	if len(problems) > 0 {
		return fmt.Errorf("non-deterministic expression: %s", problems[0])
	}
	return nil
}

func walkExpr(e *exprpb.Expr, problems *[]string) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*problems = append(*problems, "floating point literals are forbidden")
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*problems = append(*problems, "now() is forbidden")
		case "keys", "values":
			*problems = append(*problems, "map iteration (keys/values) is forbidden")
		}
		if call.Target != nil {
			walkExpr(call.Target, problems)
		}
		for _, arg := range call.Args {
			walkExpr(arg, problems)
		}

	case *exprpb.Expr_SelectExpr:
		walkExpr(k.SelectExpr.Operand, problems)

	case *exprpb.Expr_IdentExpr:
		// No children.

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walkExpr(el, problems)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				walkExpr(entry.GetMapKey(), problems)
			}
			walkExpr(entry.Value, problems)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walkExpr(comp.IterRange, problems)
		walkExpr(comp.AccuInit, problems)
		walkExpr(comp.LoopCondition, problems)
		walkExpr(comp.LoopStep, problems)
		walkExpr(comp.Result, problems)
	}
}
