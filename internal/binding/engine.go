package binding

import "context"

// Engine evaluates a single expression against a flat environment map.
// Three implementations: Expr (default bindings and guards), CEL (guards
// using the "cel:" prefix), GoJQ (the jq transform node).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, env map[string]any) (any, error)
}
