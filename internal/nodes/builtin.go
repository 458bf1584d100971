package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/floe/internal/binding"
	"github.com/rendis/floe/pkg/schema"
)

// RegisterBuiltins registers all built-in node types in the given registry.
func RegisterBuiltins(reg *Registry) error {
	all := []NodeType{
		&ConstantNode{},
		&EchoNode{},
		&TemplateNode{},
		&StatePatchNode{},
		NewJQNode(binding.NewGoJQEngine()),
		&WaitNode{},
	}
	for _, nt := range all {
		if err := reg.Register(nt); err != nil {
			return err
		}
	}
	return nil
}

// ConstantNode returns its resolved input verbatim. Useful as a source node
// and for threading literal values into downstream bindings.
type ConstantNode struct{}

func (n *ConstantNode) Name() string { return "constant" }

func (n *ConstantNode) Schema() NodeSchema {
	return NodeSchema{Description: "Returns its input unchanged."}
}

func (n *ConstantNode) Run(ctx context.Context, rc *RunContext, input map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out, nil
}

// EchoNode returns its resolved input as output, announcing it on the
// event stream. The canonical stand-in for an asynchronous agent step.
type EchoNode struct{}

func (n *EchoNode) Name() string { return "echo" }

func (n *EchoNode) Schema() NodeSchema {
	return NodeSchema{Description: "Echoes its input back as output."}
}

func (n *EchoNode) Run(ctx context.Context, rc *RunContext, input map[string]any) (map[string]any, error) {
	if rc.Emit != nil {
		rc.Emit("node:echo", input)
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out, nil
}

// TemplateNode renders its "template" input, already interpolated by the
// binding resolver, as a plain string output.
type TemplateNode struct{}

func (n *TemplateNode) Name() string { return "template" }

func (n *TemplateNode) Schema() NodeSchema {
	return NodeSchema{
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"template": {}},
			"required": ["template"]
		}`),
		Description: "Renders the template input to a text output.",
	}
}

func (n *TemplateNode) Run(ctx context.Context, rc *RunContext, input map[string]any) (map[string]any, error) {
	tpl, ok := input["template"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "template input missing").WithNode(rc.NodeID)
	}
	var text string
	switch v := tpl.(type) {
	case string:
		text = v
	case nil:
		text = ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprintf("%v", v)
		} else {
			text = string(b)
		}
	}
	return map[string]any{"text": text}, nil
}

// StatePatchNode merges its "patch" input into the run's shared state.
type StatePatchNode struct{}

func (n *StatePatchNode) Name() string { return "state.patch" }

func (n *StatePatchNode) Schema() NodeSchema {
	return NodeSchema{
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"patch": {"type": "object"}},
			"required": ["patch"]
		}`),
		Description: "Merges the patch object into shared run state.",
	}
}

func (n *StatePatchNode) Run(ctx context.Context, rc *RunContext, input map[string]any) (map[string]any, error) {
	patch, ok := input["patch"].(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "patch input must be an object").WithNode(rc.NodeID)
	}
	if rc.State == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no state accessor available").WithNode(rc.NodeID)
	}
	rc.State.Patch(patch)

	keys := make([]any, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	return map[string]any{"patched": keys}, nil
}

// JQNode evaluates a jq expression over its "data" input.
type JQNode struct {
	engine *binding.GoJQEngine
}

// NewJQNode creates a jq transform node backed by the given engine.
func NewJQNode(engine *binding.GoJQEngine) *JQNode {
	return &JQNode{engine: engine}
}

func (n *JQNode) Name() string { return "jq" }

func (n *JQNode) Schema() NodeSchema {
	return NodeSchema{
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"expression": {"type": "string"},
				"data": {}
			},
			"required": ["expression"]
		}`),
		Description: "Applies a jq expression to the data input.",
	}
}

func (n *JQNode) Run(ctx context.Context, rc *RunContext, input map[string]any) (map[string]any, error) {
	expression, _ := input["expression"].(string)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "expression input missing").WithNode(rc.NodeID)
	}

	data, _ := input["data"].(map[string]any)
	result, err := n.engine.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

// WaitNode sleeps for durationMs, responding to cancellation. It models a
// long-running agent step: it opens a session token on start and returns
// partial output when interrupted, so paused runs can resume where they
// left off.
type WaitNode struct{}

func (n *WaitNode) Name() string { return "wait" }

func (n *WaitNode) Resumable() bool { return true }

func (n *WaitNode) Schema() NodeSchema {
	return NodeSchema{
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"durationMs": {"type": "number", "minimum": 0}},
			"required": ["durationMs"]
		}`),
		Description: "Waits for the given duration, interruptible by pause or abort.",
	}
}

func (n *WaitNode) Run(ctx context.Context, rc *RunContext, input map[string]any) (map[string]any, error) {
	duration, err := durationFromInput(input["durationMs"])
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithNode(rc.NodeID)
	}

	if rc.Session() == "" {
		rc.SetSession(uuid.New().String())
	}

	start := time.Now()
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"elapsed_ms": duration.Milliseconds()}, nil
	case <-rc.Cancelled():
		return map[string]any{"elapsed_ms": time.Since(start).Milliseconds()}, ErrInterrupted
	case <-ctx.Done():
		return map[string]any{"elapsed_ms": time.Since(start).Milliseconds()}, ctx.Err()
	}
}

func durationFromInput(v any) (time.Duration, error) {
	var ms float64
	switch n := v.(type) {
	case float64:
		ms = n
	case int:
		ms = float64(n)
	case int64:
		ms = float64(n)
	default:
		return 0, fmt.Errorf("durationMs must be a number, got %T", v)
	}
	if ms < 0 {
		return 0, fmt.Errorf("durationMs must be non-negative")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

var _ SessionAware = (*WaitNode)(nil)
