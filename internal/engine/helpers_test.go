package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rendis/floe/internal/nodes"
	"github.com/rendis/floe/pkg/schema"
)

// --- helpers ---

func node(id, typ string, input map[string]any) schema.NodeSpec {
	return schema.NodeSpec{ID: id, Type: typ, Input: input}
}

func edge(id, from, to string) schema.EdgeDefinition {
	return schema.EdgeDefinition{ID: id, From: from, To: to}
}

func flowDef(name string, nodeSpecs []schema.NodeSpec, edges []schema.EdgeDefinition) *schema.FlowDefinition {
	return &schema.FlowDefinition{Name: name, Nodes: nodeSpecs, Edges: edges}
}

func compile(t *testing.T, def *schema.FlowDefinition) *CompiledFlow {
	t.Helper()
	cf, err := NewFlowCompiler(nil, nil).Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return cf
}

func assertCode(t *testing.T, err error, code string) *schema.FloeError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	var fe *schema.FloeError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *schema.FloeError, got %T: %v", err, err)
	}
	if fe.Code != code {
		t.Fatalf("error code = %s, want %s (message: %s)", fe.Code, code, fe.Message)
	}
	return fe
}

// flakyNode fails a configured number of times before succeeding.
type flakyNode struct {
	mu       sync.Mutex
	name     string
	failures int
	calls    int
	schema   nodes.NodeSchema
}

func (f *flakyNode) Name() string             { return f.name }
func (f *flakyNode) Schema() nodes.NodeSchema { return f.schema }

func (f *flakyNode) Run(_ context.Context, _ *nodes.RunContext, input map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "transient failure %d", f.calls)
	}
	return map[string]any{"calls": f.calls}, nil
}

// interruptibleNode blocks until its cancel signal fires, then returns
// partial output, like an agent call cut short.
type interruptibleNode struct {
	name    string
	started chan struct{}
}

func (n *interruptibleNode) Name() string             { return n.name }
func (n *interruptibleNode) Schema() nodes.NodeSchema { return nodes.NodeSchema{} }
func (n *interruptibleNode) Resumable() bool          { return true }

func (n *interruptibleNode) Run(ctx context.Context, rc *nodes.RunContext, input map[string]any) (map[string]any, error) {
	if rc.Session() == "" {
		rc.SetSession("sess-" + rc.NodeID)
	}
	if n.started != nil {
		n.started <- struct{}{}
	}
	select {
	case <-rc.Cancelled():
		return map[string]any{"partial": true}, nodes.ErrInterrupted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newBuiltinRegistry(t *testing.T, extra ...nodes.NodeType) *nodes.Registry {
	t.Helper()
	reg := nodes.NewRegistry()
	if err := nodes.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	for _, nt := range extra {
		if err := reg.Register(nt); err != nil {
			t.Fatalf("Register(%s): %v", nt.Name(), err)
		}
	}
	return reg
}
