package binding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/floe/pkg/schema"
)

var (
	// bindingRe matches a single {{ ... }} binding, non-greedy across lines.
	bindingRe = regexp.MustCompile(`(?s)\{\{(.*?)\}\}`)

	// pathRe matches simple dotted paths like "fetch.items.0.name" or
	// "$iteration". These are resolved by direct traversal so that missing
	// segments yield nil instead of an evaluation error.
	pathRe = regexp.MustCompile(`^\$?[A-Za-z_]\w*(\.(\$?[A-Za-z_]\w*|[0-9]+))*$`)

	// dollarRe rewrites $-prefixed iteration variables to plain identifiers
	// before handing the expression to an engine.
	dollarRe = regexp.MustCompile(`\$([A-Za-z_]\w*)`)
)

// CELPrefix routes a guard expression to the CEL engine.
const CELPrefix = "cel:"

// Resolver resolves {{ }} bindings inside input templates and evaluates
// guard expressions. A string that is exactly one binding returns the
// native value; a string mixing bindings with literal text is interpolated
// into a string. Maps and slices are resolved recursively.
//
// Missing paths resolve to nil. Only malformed expressions fail.
type Resolver struct {
	expr *ExprEngine
	cel  *CELEngine

	// strict makes a bare missing path a MISSING_BINDING_PATH error unless
	// the binding is marked optional with "?" or carries a default filter.
	strict bool
}

// NewResolver creates a resolver in permissive mode: missing paths are nil.
func NewResolver() (*Resolver, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		expr: NewExprEngine(),
		cel:  celEngine,
	}, nil
}

// NewStrictResolver creates a resolver where unresolvable simple paths fail
// with MISSING_BINDING_PATH. "?path" and "path | default: v" opt out.
func NewStrictResolver() (*Resolver, error) {
	r, err := NewResolver()
	if err != nil {
		return nil, err
	}
	r.strict = true
	return r, nil
}

// Resolve walks a template value and resolves every binding it contains.
// Strings are interpolated, maps and slices recurse, all other types pass
// through untouched.
func (r *Resolver) Resolve(ctx context.Context, value any, env map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(ctx, v, env)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := r.Resolve(ctx, item, env)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.Resolve(ctx, item, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveInput resolves a node input template map.
func (r *Resolver) ResolveInput(ctx context.Context, input map[string]any, env map[string]any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	resolved, err := r.Resolve(ctx, input, env)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// EvalGuard evaluates a when-guard and reduces the result to a boolean.
// An empty guard is true. The "cel:" prefix routes to the CEL engine, which
// sees the nested input/state/outputs/vars namespaces; everything else goes
// to the default engine against the flat environment. Evaluation errors on
// a well-formed guard count as false, matching missing-path semantics.
func (r *Resolver) EvalGuard(ctx context.Context, expression string, env map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true, nil
	}

	// Guards may be written with or without binding braces.
	if inner, ok := unwrapBinding(expression); ok {
		expression = inner
	}

	var (
		val any
		err error
	)
	if rest, ok := strings.CutPrefix(expression, CELPrefix); ok {
		val, err = r.cel.Evaluate(ctx, strings.TrimSpace(rest), env)
	} else {
		val, err = r.evalBinding(ctx, expression, env)
	}
	if err != nil {
		var fe *schema.FloeError
		if errors.As(err, &fe) && fe.Code == schema.ErrCodeExecution {
			return false, nil
		}
		return false, err
	}

	return Truthy(val), nil
}

// Eval evaluates a single binding expression (without braces) and returns
// the native result.
func (r *Resolver) Eval(ctx context.Context, expression string, env map[string]any) (any, error) {
	return r.evalBinding(ctx, strings.TrimSpace(expression), env)
}

// resolveString resolves bindings inside a single string value.
func (r *Resolver) resolveString(ctx context.Context, s string, env map[string]any) (any, error) {
	matches := bindingRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A pure binding is the entire string: return the native value.
	if inner, ok := unwrapBinding(s); ok {
		return r.evalBinding(ctx, inner, env)
	}

	// Mixed template: stringify each binding result in place.
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		val, err := r.evalBinding(ctx, strings.TrimSpace(s[m[2]:m[3]]), env)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// unwrapBinding reports whether s is exactly one {{ ... }} binding and
// returns the trimmed inner expression.
func unwrapBinding(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	matches := bindingRe.FindAllStringSubmatchIndex(trimmed, -1)
	if len(matches) != 1 {
		return "", false
	}
	m := matches[0]
	if m[0] != 0 || m[1] != len(trimmed) {
		return "", false
	}
	return strings.TrimSpace(trimmed[m[2]:m[3]]), true
}

// evalBinding evaluates the inner text of one binding.
//
// Supported forms, checked in order:
//
//	?path                   optional path, nil when missing
//	expr | default: <json>  fallback value when the result is nil
//	a.b.c                   direct path lookup, nil when missing
//	<expression>            engine evaluation
func (r *Resolver) evalBinding(ctx context.Context, inner string, env map[string]any) (any, error) {
	if inner == "" {
		return nil, schema.NewError(schema.ErrCodeBinding, "empty binding")
	}

	optional := false
	if strings.HasPrefix(inner, "?") {
		optional = true
		inner = strings.TrimSpace(inner[1:])
	}

	expression, defaultVal, hasDefault := splitDefault(inner)

	val, err := r.evalExpression(ctx, expression, env)
	if err != nil {
		return nil, err
	}

	if val == nil {
		if hasDefault {
			return defaultVal, nil
		}
		if r.strict && !optional && isSimplePath(expression) {
			return nil, schema.NewErrorf(schema.ErrCodeMissingPath,
				"binding path %q resolved to nothing", expression).
				WithDetails(map[string]any{"path": expression})
		}
	}
	return val, nil
}

// evalExpression resolves a simple dotted path by traversal, or hands the
// expression to the default engine. Engine runtime errors on valid programs
// collapse to nil so that absent data behaves like a missing path.
func (r *Resolver) evalExpression(ctx context.Context, expression string, env map[string]any) (any, error) {
	if v, ok := keywordLiteral(expression); ok {
		return v, nil
	}
	if isSimplePath(expression) {
		return lookupPath(env, expression), nil
	}

	val, err := r.expr.Evaluate(ctx, rewriteDollarVars(expression), env)
	if err != nil {
		var fe *schema.FloeError
		if errors.As(err, &fe) && fe.Code == schema.ErrCodeExecution {
			return nil, nil
		}
		return nil, err
	}
	return val, nil
}

// keywordLiteral intercepts identifier-shaped language literals so they
// keep their value instead of being resolved as missing paths.
func keywordLiteral(expression string) (any, bool) {
	switch expression {
	case "true":
		return true, true
	case "false":
		return false, true
	case "nil", "null":
		return nil, true
	}
	return nil, false
}

// isSimplePath reports whether the expression is a dotted path eligible
// for direct traversal.
func isSimplePath(expression string) bool {
	if _, reserved := keywordLiteral(expression); reserved {
		return false
	}
	return pathRe.MatchString(expression)
}

// splitDefault extracts a trailing "| default: <json>" filter. The default
// literal is parsed as JSON, falling back to the raw text for bare strings.
func splitDefault(inner string) (string, any, bool) {
	idx := strings.LastIndex(inner, "|")
	if idx < 0 {
		return inner, nil, false
	}
	tail := strings.TrimSpace(inner[idx+1:])
	rest, ok := strings.CutPrefix(tail, "default:")
	if !ok {
		return inner, nil, false
	}

	raw := strings.TrimSpace(rest)
	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		val = raw
	}
	return strings.TrimSpace(inner[:idx]), val, true
}

// rewriteDollarVars turns "$iteration" style tokens into plain identifiers
// that expression engines accept. The environment carries both spellings.
func rewriteDollarVars(expression string) string {
	return dollarRe.ReplaceAllString(expression, "$1")
}

// lookupPath traverses maps and slices along a dotted path, returning nil
// as soon as a segment is absent.
func lookupPath(env map[string]any, path string) any {
	var current any = env
	for _, seg := range strings.Split(path, ".") {
		switch c := current.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				// Iteration variables are stored both with and without
				// the $ prefix.
				v, ok = c[strings.TrimPrefix(seg, "$")]
				if !ok {
					return nil
				}
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil
			}
			current = c[idx]
		default:
			return nil
		}
	}
	return current
}

// Truthy reduces a value to a boolean: nil, false, zero numbers, and empty
// strings are false; everything else is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case float32:
		return val != 0
	default:
		return true
	}
}

// stringify renders a binding result for interpolation into a template
// string. Nil renders as empty, structured values as compact JSON.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
