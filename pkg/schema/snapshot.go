package schema

import "time"

// RunSnapshot is a serializable capture of a run's full state, sufficient to
// resume execution. The Status field is authoritative: callers needing error
// detail read Outputs[nodeID] for failed nodes rather than catching errors.
type RunSnapshot struct {
	RunID    string    `json:"run_id"`
	FlowName string    `json:"flow_name"`
	Status   RunStatus `json:"status"`

	// Outputs maps node ID to the produced value, a skip marker
	// ({"skipped": true, "reason": ...}) or an error marker
	// ({"error": {...}}). Re-entered loop nodes overwrite their entry.
	Outputs map[string]any `json:"outputs"`

	// State is the shared key/value store at snapshot time.
	State map[string]any `json:"state,omitempty"`

	NodeStatus map[string]NodeStatus `json:"node_status"`
	EdgeStatus map[string]EdgeStatus `json:"edge_status"`

	// LoopCounters maps loop-edge ID to the number of times it has fired.
	LoopCounters map[string]int `json:"loop_counters,omitempty"`

	// Inbox holds queued commands awaiting delivery to a running node.
	Inbox []RuntimeCommand `json:"inbox,omitempty"`

	// AgentSessions maps node ID to an opaque session token, letting a
	// resumed node continue a prior underlying session.
	AgentSessions map[string]string `json:"agent_sessions,omitempty"`

	// PausedNode is the node that was interrupted when the run paused.
	PausedNode string `json:"paused_node,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SkipMarker builds the output value recorded for a skipped node.
func SkipMarker(reason string) map[string]any {
	return map[string]any{"skipped": true, "reason": reason}
}

// ErrorMarker builds the output value recorded for a failed node.
func ErrorMarker(err *FloeError) map[string]any {
	m := map[string]any{
		"error": map[string]any{
			"code":    err.Code,
			"message": err.Message,
		},
	}
	return m
}
