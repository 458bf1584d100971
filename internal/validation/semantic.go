package validation

import (
	"fmt"

	"github.com/rendis/floe/pkg/schema"
)

// NodeLookup answers whether a node type name is registered. Nil lookup
// skips type checks, letting definitions validate before registration.
type NodeLookup interface {
	Has(name string) bool
}

// ValidateSemantics performs graph-level checks that JSON Schema cannot
// express: duplicate IDs, dangling edge endpoints, forEach on loop edges,
// and unknown node types. Cycle detection belongs to the compiler.
func ValidateSemantics(def *schema.FlowDefinition, lookup NodeLookup) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}

	var violations []string

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		if nodeIDs[n.ID] {
			violations = append(violations,
				fmt.Sprintf("nodes[%d]: duplicate node id %q", i, n.ID))
			continue
		}
		nodeIDs[n.ID] = true

		if lookup != nil && n.Type != "" && !lookup.Has(n.Type) {
			violations = append(violations,
				fmt.Sprintf("nodes[%d]: node type %q not registered", i, n.Type))
		}
	}

	edgeIDs := make(map[string]bool, len(def.Edges))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if edgeIDs[e.ID] {
			violations = append(violations,
				fmt.Sprintf("%s: duplicate edge id %q", path, e.ID))
		}
		edgeIDs[e.ID] = true

		if !nodeIDs[e.From] {
			violations = append(violations,
				fmt.Sprintf("%s: from references non-existent node %q", path, e.From))
		}
		if !nodeIDs[e.To] {
			violations = append(violations,
				fmt.Sprintf("%s: to references non-existent node %q", path, e.To))
		}

		if e.IsLoop() && e.ForEach != nil {
			violations = append(violations,
				fmt.Sprintf("%s: forEach is not allowed on a loop edge", path))
		}
	}

	if len(violations) == 0 {
		return nil
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"semantic validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}
