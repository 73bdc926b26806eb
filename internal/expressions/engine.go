package expressions

import "context"

// Engine evaluates expressions against a message scope.
// Two predicate implementations (CEL, Expr) back triage rules; the
// GoJQ engine backs reply extraction queries.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// PredicateEngine returns the engine registered under the given name,
// defaulting to Expr when name is empty. Callers validate names at
// profile load, so an unknown name here returns nil.
func PredicateEngine(name string, cel *CELEngine, ex *ExprEngine) Engine {
	switch name {
	case "cel":
		return cel
	case "expr", "":
		return ex
	default:
		return nil
	}
}
