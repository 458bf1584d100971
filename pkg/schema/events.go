package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the runtime event stream.
const (
	EventFlowStart    = "flow:start"
	EventFlowResumed  = "flow:resumed"
	EventFlowComplete = "flow:complete"
	EventFlowPaused   = "flow:paused"
	EventFlowAborted  = "flow:aborted"

	EventNodeStart    = "node:start"
	EventNodeComplete = "node:complete"
	EventNodeError    = "node:error"
	EventNodeSkipped  = "node:skipped"

	EventEdgeFire        = "edge:fire"
	EventLoopIterate     = "loop:iterate"
	EventCommandReceived = "command:received"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusIdle     RunStatus = "idle"
	RunStatusRunning  RunStatus = "running"
	RunStatusPaused   RunStatus = "paused"
	RunStatusAborted  RunStatus = "aborted"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusFailed || s == RunStatusAborted
}

// NodeStatus represents the lifecycle state of a node within a run.
// Monotonic pending -> running -> {done, failed}, except that a firing loop
// edge resets its target back to pending for re-entry.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusDone    NodeStatus = "done"
	NodeStatusFailed  NodeStatus = "failed"
)

// EdgeStatus represents the resolution state of an edge within a run.
type EdgeStatus string

const (
	EdgeStatusPending EdgeStatus = "pending"
	EdgeStatusFired   EdgeStatus = "fired"
	EdgeStatusSkipped EdgeStatus = "skipped"
)

// RuntimeEvent is an immutable, timestamped entry in the run's event stream.
type RuntimeEvent struct {
	Type      string          `json:"type"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	EdgeID    string          `json:"edge_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}
