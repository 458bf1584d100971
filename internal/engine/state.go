package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rendis/floe/pkg/schema"
)

// RunState is the Runtime's mutable view of a run. It is owned exclusively
// by the Runtime goroutine; snapshots are deep copies handed to callers.
type RunState struct {
	RunID    string
	FlowName string
	Status   schema.RunStatus

	Outputs map[string]any
	State   map[string]any

	NodeStatus map[string]schema.NodeStatus
	EdgeStatus map[string]schema.EdgeStatus

	LoopCounters  map[string]int
	Inbox         []schema.RuntimeCommand
	AgentSessions map[string]string
	PausedNode    string

	StartedAt time.Time
	UpdatedAt time.Time
}

// NewRunState seeds a fresh run: all main nodes pending, all edges pending,
// shared state initialized from the definition.
func NewRunState(runID string, flow *CompiledFlow) *RunState {
	rs := &RunState{
		RunID:         runID,
		FlowName:      flow.Def.Name,
		Status:        schema.RunStatusIdle,
		Outputs:       make(map[string]any),
		State:         make(map[string]any),
		NodeStatus:    make(map[string]schema.NodeStatus, len(flow.Order)),
		EdgeStatus:    make(map[string]schema.EdgeStatus, len(flow.Edges)),
		LoopCounters:  make(map[string]int),
		AgentSessions: make(map[string]string),
		StartedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	for _, id := range flow.Order {
		rs.NodeStatus[id] = schema.NodeStatusPending
	}
	for id := range flow.Edges {
		rs.EdgeStatus[id] = schema.EdgeStatusPending
	}
	if flow.Def.State != nil {
		for k, v := range flow.Def.State.Initial {
			rs.State[k] = v
		}
	}
	return rs
}

// FromSnapshot rebuilds run state from a persisted snapshot for resume.
// Nodes captured as running are reset to pending so they re-enter execution;
// statuses for nodes the snapshot does not know are seeded pending.
func FromSnapshot(snap *schema.RunSnapshot, flow *CompiledFlow) *RunState {
	rs := &RunState{
		RunID:         snap.RunID,
		FlowName:      snap.FlowName,
		Status:        snap.Status,
		Outputs:       cloneMap(snap.Outputs),
		State:         cloneMap(snap.State),
		NodeStatus:    make(map[string]schema.NodeStatus, len(flow.Order)),
		EdgeStatus:    make(map[string]schema.EdgeStatus, len(flow.Edges)),
		LoopCounters:  make(map[string]int, len(snap.LoopCounters)),
		AgentSessions: make(map[string]string, len(snap.AgentSessions)),
		PausedNode:    snap.PausedNode,
		StartedAt:     snap.StartedAt,
		UpdatedAt:     snap.UpdatedAt,
	}
	for _, id := range flow.Order {
		st, ok := snap.NodeStatus[id]
		if !ok || st == schema.NodeStatusRunning {
			st = schema.NodeStatusPending
		}
		rs.NodeStatus[id] = st
	}
	for id := range flow.Edges {
		st, ok := snap.EdgeStatus[id]
		if !ok {
			st = schema.EdgeStatusPending
		}
		rs.EdgeStatus[id] = st
	}
	for k, v := range snap.LoopCounters {
		rs.LoopCounters[k] = v
	}
	for k, v := range snap.AgentSessions {
		rs.AgentSessions[k] = v
	}
	rs.Inbox = append(rs.Inbox, snap.Inbox...)
	return rs
}

// Snapshot deep-copies the run state into a serializable capture.
func (rs *RunState) Snapshot() *schema.RunSnapshot {
	snap := &schema.RunSnapshot{
		RunID:         rs.RunID,
		FlowName:      rs.FlowName,
		Status:        rs.Status,
		Outputs:       cloneMap(rs.Outputs),
		State:         cloneMap(rs.State),
		NodeStatus:    make(map[string]schema.NodeStatus, len(rs.NodeStatus)),
		EdgeStatus:    make(map[string]schema.EdgeStatus, len(rs.EdgeStatus)),
		LoopCounters:  make(map[string]int, len(rs.LoopCounters)),
		AgentSessions: make(map[string]string, len(rs.AgentSessions)),
		PausedNode:    rs.PausedNode,
		StartedAt:     rs.StartedAt,
		UpdatedAt:     rs.UpdatedAt,
	}
	for k, v := range rs.NodeStatus {
		snap.NodeStatus[k] = v
	}
	for k, v := range rs.EdgeStatus {
		snap.EdgeStatus[k] = v
	}
	for k, v := range rs.LoopCounters {
		snap.LoopCounters[k] = v
	}
	for k, v := range rs.AgentSessions {
		snap.AgentSessions[k] = v
	}
	snap.Inbox = append(snap.Inbox, rs.Inbox...)
	return snap
}

// stateAccessor gives node implementations narrow access to shared state.
// The mutex, when set, serializes node writes with concurrent snapshot reads.
type stateAccessor struct {
	mu *sync.Mutex
	rs *RunState
}

func (a *stateAccessor) Get(key string) (any, bool) {
	if a.mu != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
	v, ok := a.rs.State[key]
	return v, ok
}

func (a *stateAccessor) Patch(delta map[string]any) {
	if a.mu != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
	for k, v := range delta {
		a.rs.State[k] = v
	}
}

// cloneMap deep-copies a JSON-compatible map.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(m))
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}
