package schema

// FlowDefinition is the declarative flow format. Immutable once compiled.
type FlowDefinition struct {
	Name   string           `json:"name" yaml:"name"`
	Nodes  []NodeSpec       `json:"nodes" yaml:"nodes"`
	Edges  []EdgeDefinition `json:"edges,omitempty" yaml:"edges,omitempty"`
	State  *StateSpec       `json:"state,omitempty" yaml:"state,omitempty"`
	Policy *FlowPolicy      `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// StateSpec seeds the shared key/value state store for a run.
type StateSpec struct {
	Initial map[string]any `json:"initial,omitempty" yaml:"initial,omitempty"`
}

// FlowPolicy holds run-level execution policy.
type FlowPolicy struct {
	// FailFast controls whether a node failure stops the run.
	// nil means true (stop on first failure).
	FailFast *bool `json:"failFast,omitempty" yaml:"failFast,omitempty"`
}

// NodeSpec describes a single node in a flow.
type NodeSpec struct {
	ID string `json:"id" yaml:"id"`
	// Type resolves to a registered node implementation.
	Type string `json:"type" yaml:"type"`
	// Input is a template object whose string leaves may contain {{ }} bindings.
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	// When is an optional guard expression, evaluated before execution.
	When   string      `json:"when,omitempty" yaml:"when,omitempty"`
	Policy *NodePolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// NodePolicy configures retry, timeout, and failure behavior for a node.
type NodePolicy struct {
	Retry           *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutMs       int64        `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	ContinueOnError bool         `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
}

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	MaxAttempts int   `json:"maxAttempts" yaml:"maxAttempts"`
	BackoffMs   int64 `json:"backoffMs,omitempty" yaml:"backoffMs,omitempty"`
}

// GateKind determines whether a node with multiple incoming edges runs.
type GateKind string

const (
	// GateAll skips the node if any incoming edge was skipped. Default.
	GateAll GateKind = "all"
	// GateAny runs the node if at least one incoming edge fired.
	GateAny GateKind = "any"
)

// EdgeDefinition describes a transition between two nodes.
// Presence of MaxIterations makes the edge a loop edge: it is exempt from
// cycle detection and acts as a re-entry instruction rather than a DAG edge.
type EdgeDefinition struct {
	ID   string   `json:"id" yaml:"id"`
	From string   `json:"from" yaml:"from"`
	To   string   `json:"to" yaml:"to"`
	When string   `json:"when,omitempty" yaml:"when,omitempty"`
	Gate GateKind `json:"gate,omitempty" yaml:"gate,omitempty"`
	// ForEach expands the target node into one invocation per item of the
	// list produced by In, bound under the name As.
	ForEach *ForEachSpec `json:"forEach,omitempty" yaml:"forEach,omitempty"`
	// MaxIterations may be an integer or a binding template resolved at runtime.
	MaxIterations any `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`
}

// ForEachSpec configures per-item expansion of an edge's target node.
type ForEachSpec struct {
	In string `json:"in" yaml:"in"`
	As string `json:"as" yaml:"as"`
}

// IsLoop reports whether the edge is a loop edge.
func (e *EdgeDefinition) IsLoop() bool {
	return e.MaxIterations != nil
}
