package engine

import (
	"testing"

	"github.com/rendis/floe/pkg/schema"
)

func TestCompileLinearFlow(t *testing.T) {
	def := flowDef("linear",
		[]schema.NodeSpec{
			node("a", "constant", nil),
			node("b", "echo", nil),
			node("c", "echo", nil),
		},
		[]schema.EdgeDefinition{
			edge("e1", "a", "b"),
			edge("e2", "b", "c"),
		},
	)

	cf := compile(t, def)

	if len(cf.Order) != 3 {
		t.Fatalf("order length = %d, want 3", len(cf.Order))
	}
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if cf.Order[i] != id {
			t.Errorf("order[%d] = %s, want %s", i, cf.Order[i], id)
		}
		if cf.Position[id] != i {
			t.Errorf("position[%s] = %d, want %d", id, cf.Position[id], i)
		}
	}
}

func TestCompileDiamondKeepsDefinitionOrderForTies(t *testing.T) {
	def := flowDef("diamond",
		[]schema.NodeSpec{
			node("a", "constant", nil),
			node("b", "echo", nil),
			node("c", "echo", nil),
			node("d", "echo", nil),
		},
		[]schema.EdgeDefinition{
			edge("e1", "a", "b"),
			edge("e2", "a", "c"),
			edge("e3", "b", "d"),
			edge("e4", "c", "d"),
		},
	)

	cf := compile(t, def)
	want := []string{"a", "b", "c", "d"}
	for i, id := range want {
		if cf.Order[i] != id {
			t.Errorf("order[%d] = %s, want %s", i, cf.Order[i], id)
		}
	}
}

func TestCompileCycleDetected(t *testing.T) {
	def := flowDef("cyclic",
		[]schema.NodeSpec{
			node("a", "constant", nil),
			node("b", "echo", nil),
		},
		[]schema.EdgeDefinition{
			edge("e1", "a", "b"),
			edge("e2", "b", "a"),
		},
	)

	_, err := NewFlowCompiler(nil, nil).Compile(def)
	assertCode(t, err, schema.ErrCodeCycleDetected)
}

func TestCompileSelfDependency(t *testing.T) {
	def := flowDef("self",
		[]schema.NodeSpec{node("a", "constant", nil)},
		[]schema.EdgeDefinition{edge("e1", "a", "a")},
	)

	_, err := NewFlowCompiler(nil, nil).Compile(def)
	assertCode(t, err, schema.ErrCodeCycleDetected)
}

func TestCompileLoopEdgeExemptFromCycleCheck(t *testing.T) {
	def := flowDef("looped",
		[]schema.NodeSpec{
			node("a", "constant", nil),
			node("b", "echo", nil),
		},
		[]schema.EdgeDefinition{
			edge("e1", "a", "b"),
			{ID: "back", From: "b", To: "a", MaxIterations: 3},
		},
	)

	cf := compile(t, def)
	if len(cf.LoopEdges) != 1 {
		t.Fatalf("loop edges = %d, want 1", len(cf.LoopEdges))
	}
	if len(cf.ForwardEdges) != 1 {
		t.Fatalf("forward edges = %d, want 1", len(cf.ForwardEdges))
	}
	if len(cf.Incoming["a"]) != 0 {
		t.Errorf("loop edge must not appear in incoming index")
	}
}

func TestCompileGateConflict(t *testing.T) {
	def := flowDef("conflict",
		[]schema.NodeSpec{
			node("a", "constant", nil),
			node("b", "constant", nil),
			node("c", "echo", nil),
		},
		[]schema.EdgeDefinition{
			{ID: "e1", From: "a", To: "c", Gate: schema.GateAll},
			{ID: "e2", From: "b", To: "c", Gate: schema.GateAny},
		},
	)

	_, err := NewFlowCompiler(nil, nil).Compile(def)
	assertCode(t, err, schema.ErrCodeGateConflict)
}

func TestCompileGateDefaultsToAll(t *testing.T) {
	def := flowDef("gates",
		[]schema.NodeSpec{
			node("a", "constant", nil),
			node("b", "echo", nil),
		},
		[]schema.EdgeDefinition{edge("e1", "a", "b")},
	)

	cf := compile(t, def)
	if cf.GateByNode["b"] != schema.GateAll {
		t.Errorf("gate = %s, want all", cf.GateByNode["b"])
	}
}

func TestCompileExcludesBodyChildren(t *testing.T) {
	def := flowDef("container",
		[]schema.NodeSpec{
			node("outer", "constant", map[string]any{"body": []any{"inner"}}),
			node("inner", "echo", nil),
		},
		nil,
	)

	cf := compile(t, def)
	if len(cf.Order) != 1 {
		t.Fatalf("order length = %d, want 1", len(cf.Order))
	}
	if cf.Order[0] != "outer" {
		t.Errorf("order[0] = %s, want outer", cf.Order[0])
	}
	if !cf.ChildNodes["inner"] {
		t.Errorf("inner should be marked as a container child")
	}
}

func TestCompileDanglingEdgeRejected(t *testing.T) {
	def := flowDef("dangling",
		[]schema.NodeSpec{node("a", "constant", nil)},
		[]schema.EdgeDefinition{edge("e1", "a", "ghost")},
	)

	_, err := NewFlowCompiler(nil, nil).Compile(def)
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestCompileNilDefinition(t *testing.T) {
	_, err := NewFlowCompiler(nil, nil).Compile(nil)
	assertCode(t, err, schema.ErrCodeValidation)
}
