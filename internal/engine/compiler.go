package engine

import (
	"github.com/rendis/floe/internal/validation"
	"github.com/rendis/floe/pkg/schema"
)

// CompiledFlow is the derived, read-only execution graph of a flow.
// Forward edges form a DAG; loop edges are re-entry instructions exempt from
// cycle detection and ordering. Nodes referenced by another node's input
// "body" array are container children and excluded from the top-level order.
type CompiledFlow struct {
	Def *schema.FlowDefinition

	Nodes    map[string]*schema.NodeSpec
	Order    []string       // topological order of main nodes
	Position map[string]int // node ID → index in Order

	Edges           map[string]*schema.EdgeDefinition
	ForwardEdges    []*schema.EdgeDefinition
	LoopEdges       []*schema.EdgeDefinition
	Incoming        map[string][]*schema.EdgeDefinition // forward edges into a node
	OutgoingForward map[string][]*schema.EdgeDefinition
	OutgoingLoop    map[string][]*schema.EdgeDefinition

	GateByNode map[string]schema.GateKind
	ChildNodes map[string]bool
}

// Compiler turns a flow definition into a CompiledFlow.
type Compiler interface {
	Compile(def *schema.FlowDefinition) (*CompiledFlow, error)
}

// FlowCompiler is the default Compiler: JSON Schema validation, semantic
// checks, gate conflict detection, and Kahn's topological sort.
type FlowCompiler struct {
	validator *validation.JSONSchemaValidator
	lookup    validation.NodeLookup
}

// NewFlowCompiler creates a compiler. The lookup may be nil to skip node
// type existence checks.
func NewFlowCompiler(validator *validation.JSONSchemaValidator, lookup validation.NodeLookup) *FlowCompiler {
	return &FlowCompiler{validator: validator, lookup: lookup}
}

// Compile validates the definition and builds the execution graph.
func (c *FlowCompiler) Compile(def *schema.FlowDefinition) (*CompiledFlow, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}
	if c.validator != nil {
		if err := c.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}
	if err := validation.ValidateSemantics(def, c.lookup); err != nil {
		return nil, err
	}

	cf := &CompiledFlow{
		Def:             def,
		Nodes:           make(map[string]*schema.NodeSpec, len(def.Nodes)),
		Position:        make(map[string]int),
		Edges:           make(map[string]*schema.EdgeDefinition, len(def.Edges)),
		Incoming:        make(map[string][]*schema.EdgeDefinition),
		OutgoingForward: make(map[string][]*schema.EdgeDefinition),
		OutgoingLoop:    make(map[string][]*schema.EdgeDefinition),
		GateByNode:      make(map[string]schema.GateKind),
		ChildNodes:      make(map[string]bool),
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		cf.Nodes[n.ID] = n
	}

	// Container children: node IDs listed in another node's input "body"
	// array are executed by their container and leave the top-level order.
	for _, n := range cf.Nodes {
		body, ok := n.Input["body"].([]any)
		if !ok {
			continue
		}
		for _, ref := range body {
			id, ok := ref.(string)
			if !ok {
				continue
			}
			if _, exists := cf.Nodes[id]; exists && id != n.ID {
				cf.ChildNodes[id] = true
			}
		}
	}

	for i := range def.Edges {
		e := &def.Edges[i]
		cf.Edges[e.ID] = e

		if e.IsLoop() {
			cf.LoopEdges = append(cf.LoopEdges, e)
			cf.OutgoingLoop[e.From] = append(cf.OutgoingLoop[e.From], e)
			continue
		}

		if e.From == e.To {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
				"edge %q is a self-dependency on node %q", e.ID, e.From)
		}

		cf.ForwardEdges = append(cf.ForwardEdges, e)
		cf.OutgoingForward[e.From] = append(cf.OutgoingForward[e.From], e)
		cf.Incoming[e.To] = append(cf.Incoming[e.To], e)
	}

	if err := c.resolveGates(cf); err != nil {
		return nil, err
	}
	if err := c.sort(cf); err != nil {
		return nil, err
	}
	return cf, nil
}

// resolveGates assigns each node its gate policy and rejects conflicting
// declarations across incoming edges.
func (c *FlowCompiler) resolveGates(cf *CompiledFlow) error {
	for id := range cf.Nodes {
		gate := schema.GateKind("")
		for _, e := range cf.Incoming[id] {
			if e.Gate == "" {
				continue
			}
			if gate != "" && gate != e.Gate {
				return schema.NewErrorf(schema.ErrCodeGateConflict,
					"node %q has incoming edges with conflicting gates %q and %q", id, gate, e.Gate)
			}
			gate = e.Gate
		}
		if gate == "" {
			gate = schema.GateAll
		}
		cf.GateByNode[id] = gate
	}
	return nil
}

// sort runs Kahn's algorithm over forward edges between main nodes.
// Definition order breaks ties, keeping scheduling deterministic.
func (c *FlowCompiler) sort(cf *CompiledFlow) error {
	mainCount := 0
	inDegree := make(map[string]int, len(cf.Nodes))
	for _, n := range cf.Def.Nodes {
		if cf.ChildNodes[n.ID] {
			continue
		}
		mainCount++
		for _, e := range cf.Incoming[n.ID] {
			if !cf.ChildNodes[e.From] {
				inDegree[n.ID]++
			}
		}
	}

	emitted := make(map[string]bool, mainCount)
	cf.Order = make([]string, 0, mainCount)

	for len(cf.Order) < mainCount {
		progressed := false
		for _, n := range cf.Def.Nodes {
			id := n.ID
			if cf.ChildNodes[id] || emitted[id] || inDegree[id] > 0 {
				continue
			}
			emitted[id] = true
			cf.Position[id] = len(cf.Order)
			cf.Order = append(cf.Order, id)
			progressed = true

			for _, e := range cf.OutgoingForward[id] {
				if !cf.ChildNodes[e.To] {
					inDegree[e.To]--
				}
			}
		}
		if !progressed {
			return schema.NewError(schema.ErrCodeCycleDetected,
				"forward edges contain a cycle")
		}
	}
	return nil
}

var _ Compiler = (*FlowCompiler)(nil)
