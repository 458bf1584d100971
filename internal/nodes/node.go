package nodes

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rendis/floe/pkg/schema"
)

// ErrInterrupted is returned by a node that stopped early in response to a
// cancellation signal. Partial output returned alongside it is preserved in
// the run snapshot.
var ErrInterrupted = errors.New("node interrupted")

// CancelSignal exposes cooperative cancellation to a running node.
// Reason is "pause" or "abort" once Done is closed.
type CancelSignal interface {
	Done() <-chan struct{}
	Reason() string
}

// StateAccessor reads and patches the run's shared key/value state.
type StateAccessor interface {
	Get(key string) (any, bool)
	Patch(delta map[string]any)
}

// NodeSchema describes the input/output contract of a node type.
type NodeSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// NodeInfo is a summary of a registered node type for listing.
type NodeInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RunContext carries per-invocation facilities into a node's Run.
// A RunContext belongs to exactly one invocation and is not shared
// between goroutines.
type RunContext struct {
	RunID  string
	NodeID string

	// Cancel signals pause or abort. May be nil in isolated tests.
	Cancel CancelSignal

	// Inbox delivers commands queued for the run while this node executes.
	Inbox <-chan schema.RuntimeCommand

	// State accesses the run's shared key/value store.
	State StateAccessor

	// Emit publishes a custom event into the run's event stream.
	Emit func(eventType string, payload map[string]any)

	session string
}

// Session returns the node's session token, if any.
func (rc *RunContext) Session() string { return rc.session }

// SetSession records an opaque session token that survives pause and resume.
func (rc *RunContext) SetSession(token string) { rc.session = token }

// Cancelled returns the cancellation channel, or a nil channel that never
// fires when no signal is attached.
func (rc *RunContext) Cancelled() <-chan struct{} {
	if rc.Cancel == nil {
		return nil
	}
	return rc.Cancel.Done()
}

// NodeType is an executable unit of work addressed by NodeSpec.Type.
type NodeType interface {
	Name() string
	Schema() NodeSchema
	Run(ctx context.Context, rc *RunContext, input map[string]any) (map[string]any, error)
}

// SessionAware marks node types whose work can survive a pause through an
// external session. The runtime persists the RunContext session token for
// these nodes and restores it on resume.
type SessionAware interface {
	NodeType
	Resumable() bool
}
