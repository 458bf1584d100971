package engine

import "github.com/rendis/floe/pkg/schema"

// Scheduler decides which nodes are structurally ready to execute.
// Gate semantics (run vs skip) are applied by the Runtime afterwards.
type Scheduler interface {
	NextReadyNodes(rs *RunState, flow *CompiledFlow) []string
}

// TopoScheduler returns ready nodes in compiled topological order.
// A node is ready iff it is pending and every incoming forward edge has
// resolved (fired or skipped). Loop edges never block readiness.
type TopoScheduler struct{}

// NewTopoScheduler creates the default scheduler.
func NewTopoScheduler() *TopoScheduler { return &TopoScheduler{} }

func (s *TopoScheduler) NextReadyNodes(rs *RunState, flow *CompiledFlow) []string {
	var ready []string
	for _, id := range flow.Order {
		if rs.NodeStatus[id] != schema.NodeStatusPending {
			continue
		}
		blocked := false
		for _, e := range flow.Incoming[id] {
			if rs.EdgeStatus[e.ID] == schema.EdgeStatusPending {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	return ready
}

var _ Scheduler = (*TopoScheduler)(nil)
