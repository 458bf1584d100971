package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/floe/internal/binding"
	"github.com/rendis/floe/internal/logging"
	"github.com/rendis/floe/internal/nodes"
	"github.com/rendis/floe/internal/store"
	"github.com/rendis/floe/internal/streaming"
	"github.com/rendis/floe/internal/validation"
	"github.com/rendis/floe/pkg/schema"
)

// RuntimeConfig wires a Runtime's collaborators. Flow and Registry are
// required; everything else has working defaults.
type RuntimeConfig struct {
	Flow     *schema.FlowDefinition
	Registry *nodes.Registry

	Store  store.RunStore     // optional; nil disables persistence
	Hub    streaming.EventHub // optional; defaults to an in-memory hub
	Logger *slog.Logger

	RunID    string              // optional; generated when empty
	Input    map[string]any      // flow input exposed to bindings
	Snapshot *schema.RunSnapshot // optional; resume from this snapshot

	Compiler  Compiler  // optional policy overrides
	Scheduler Scheduler
	Executor  Executor
}

// Runtime is the orchestration loop: it owns the run state, drives
// Scheduler → Executor → edge-resolution cycles, manages loop and forEach
// edges, and implements the pause/resume/abort command protocol.
//
// Exactly one node executes at a time. The Run goroutine is the only
// mutator of run state; Dispatch and Snapshot synchronize through the
// Runtime's mutex.
type Runtime struct {
	flow      *CompiledFlow
	registry  *nodes.Registry
	scheduler Scheduler
	executor  Executor
	resolver  *binding.Resolver
	store     store.RunStore
	hub       streaming.EventHub
	logger    *slog.Logger
	input     map[string]any

	mu        sync.Mutex
	state     *RunState
	cancel    *CancelContext
	nodeInbox chan schema.RuntimeCommand
	pending   string // requested transition: "", "pause", "abort"
	loopVars  map[string]map[string]any

	seq atomic.Int64
}

// registryLookup adapts a node registry to the validation.NodeLookup shape.
type registryLookup struct {
	reg *nodes.Registry
}

func (l registryLookup) Has(name string) bool {
	_, err := l.reg.Get(name)
	return err == nil
}

// NewRuntime compiles the flow and builds a ready-to-run Runtime.
// Compilation errors (schema, cycle, gate conflict) surface here, before
// any execution begins.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Flow == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow is required")
	}
	if cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "node registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resolver, err := binding.NewResolver()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "create binding resolver").WithCause(err)
	}

	compiler := cfg.Compiler
	var validator *validation.JSONSchemaValidator
	if compiler == nil {
		validator, err = validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "create validator").WithCause(err)
		}
		compiler = NewFlowCompiler(validator, registryLookup{cfg.Registry})
	}

	flow, err := compiler.Compile(cfg.Flow)
	if err != nil {
		return nil, err
	}

	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = NewTopoScheduler()
	}
	executor := cfg.Executor
	if executor == nil {
		executor = NewNodeExecutor(resolver, validator, logger)
	}
	hub := cfg.Hub
	if hub == nil {
		hub = streaming.NewMemoryHub()
	}

	r := &Runtime{
		flow:      flow,
		registry:  cfg.Registry,
		scheduler: scheduler,
		executor:  executor,
		resolver:  resolver,
		store:     cfg.Store,
		hub:       hub,
		logger:    logger,
		input:     cfg.Input,
		loopVars:  make(map[string]map[string]any),
	}

	if cfg.Snapshot != nil {
		r.state = FromSnapshot(cfg.Snapshot, flow)
	} else {
		runID := cfg.RunID
		if runID == "" {
			runID = uuid.New().String()
		}
		r.state = NewRunState(runID, flow)
	}
	return r, nil
}

// RunID returns the run's identifier.
func (r *Runtime) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.RunID
}

// Snapshot returns a deep copy of the current run state.
func (r *Runtime) Snapshot() *schema.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Snapshot()
}

// OnEvent registers a synchronous listener for every runtime event,
// delivered in emission order.
func (r *Runtime) OnEvent(fn func(schema.RuntimeEvent)) {
	r.hub.Listen(fn)
}

// Hub exposes the event hub for channel subscriptions.
func (r *Runtime) Hub() streaming.EventHub { return r.hub }

// Dispatch delivers a command to the run. send/reply queue a message into
// the inbox; abort pauses (resumable) or aborts (not); resume prepares a
// paused run for a new Run call, optionally re-injecting a message.
func (r *Runtime) Dispatch(cmd schema.RuntimeCommand) error {
	switch cmd.Type {
	case schema.CommandSend, schema.CommandReply:
		r.mu.Lock()
		if r.state.Status.Terminal() {
			r.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeTransition,
				"cannot deliver %s to a %s run", cmd.Type, r.state.Status)
		}
		cmd.RunID = r.state.RunID
		r.state.Inbox = append(r.state.Inbox, cmd)
		if r.nodeInbox != nil {
			select {
			case r.nodeInbox <- cmd:
			default:
			}
		}
		r.mu.Unlock()

	case schema.CommandAbort:
		r.mu.Lock()
		if r.state.Status.Terminal() {
			r.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeTransition,
				"cannot abort a %s run", r.state.Status)
		}
		cc := r.cancel
		if cmd.Resumable {
			r.pending = ReasonPause
		} else {
			r.pending = ReasonAbort
		}
		r.mu.Unlock()
		if cc != nil {
			if cmd.Resumable {
				cc.Interrupt()
			} else {
				cc.Abort()
			}
		}

	case schema.CommandResume:
		r.mu.Lock()
		if r.state.Status != schema.RunStatusPaused {
			r.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeTransition,
				"cannot resume a %s run", r.state.Status)
		}
		if cmd.Message != nil {
			r.state.Inbox = append(r.state.Inbox, schema.RuntimeCommand{
				Type:    schema.CommandSend,
				RunID:   r.state.RunID,
				Message: cmd.Message,
			})
		}
		r.mu.Unlock()

	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown command type %q", cmd.Type)
	}

	r.emit(context.Background(), schema.EventCommandReceived, "", "", map[string]any{
		"command": string(cmd.Type),
	})
	return nil
}

// Run executes the flow to a terminal or paused snapshot. A fresh Runtime
// starts from the beginning; a Runtime holding a paused state resumes.
// Loop overrun is the only runtime condition returned as an error; node
// failures are reported through the snapshot's status and outputs.
func (r *Runtime) Run(ctx context.Context) (*schema.RunSnapshot, error) {
	r.mu.Lock()
	switch r.state.Status {
	case schema.RunStatusIdle:
		r.state.Status = schema.RunStatusRunning
		r.touch()
		r.mu.Unlock()
		r.emit(ctx, schema.EventFlowStart, "", "", nil)
	case schema.RunStatusPaused:
		pausedNode := r.state.PausedNode
		r.state.Status = schema.RunStatusRunning
		r.pending = ""
		r.touch()
		r.mu.Unlock()
		r.emit(ctx, schema.EventFlowResumed, "", "", map[string]any{
			"paused_node": pausedNode,
		})
	case schema.RunStatusRunning:
		r.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeConflict, "run already in progress")
	default:
		status := r.state.Status
		r.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeTransition, "cannot run a %s flow", status)
	}

	ctx = logging.WithFlowName(logging.WithRunID(ctx, r.RunID()), r.flow.Def.Name)
	r.persist(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return r.finish(ctx, schema.RunStatusAborted, schema.EventFlowAborted, map[string]any{
				"reason": "context cancelled",
			}), nil
		}

		r.mu.Lock()
		pending := r.pending
		r.pending = ""
		if pending == "" {
			ready := r.scheduler.NextReadyNodes(r.state, r.flow)
			if len(ready) == 0 {
				stalled := r.anyPendingLocked()
				r.mu.Unlock()
				if stalled {
					return r.finish(ctx, schema.RunStatusFailed, schema.EventFlowComplete, map[string]any{
						"status": string(schema.RunStatusFailed),
						"reason": "stalled: pending nodes are unreachable",
					}), nil
				}
				return r.finish(ctx, schema.RunStatusComplete, schema.EventFlowComplete, map[string]any{
					"status": string(schema.RunStatusComplete),
				}), nil
			}
			nodeID := ready[0]
			r.mu.Unlock()

			snap, done, err := r.step(ctx, nodeID)
			if done || err != nil {
				return snap, err
			}
			continue
		}
		r.mu.Unlock()

		if pending == ReasonAbort {
			return r.finish(ctx, schema.RunStatusAborted, schema.EventFlowAborted, nil), nil
		}
		return r.finish(ctx, schema.RunStatusPaused, schema.EventFlowPaused, nil), nil
	}
}

// step runs one scheduling pass for the chosen node. It returns done=true
// with a final snapshot when the pass ended the run.
func (r *Runtime) step(ctx context.Context, nodeID string) (*schema.RunSnapshot, bool, error) {
	nspec := r.flow.Nodes[nodeID]
	log := logging.LogWith(logging.WithNodeID(ctx, nodeID), r.logger)

	// Gate semantics decide run vs skip once all incoming edges resolved.
	if reason, skip := r.gateDecision(nodeID); skip {
		r.skipNode(ctx, nodeID, reason)
		return nil, false, nil
	}

	forEachEdges := r.firedForEachEdges(nodeID)
	if len(forEachEdges) > 1 {
		err := schema.NewErrorf(schema.ErrCodeForEachConflict,
			"node %q has %d fired forEach edges, at most one is allowed", nodeID, len(forEachEdges)).
			WithNode(nodeID)
		r.failNode(ctx, nodeID, err)
		return r.finish(ctx, schema.RunStatusFailed, schema.EventFlowComplete, map[string]any{
			"status": string(schema.RunStatusFailed),
			"error":  err.Message,
		}), true, nil
	}

	nodeType, err := r.registry.Get(nspec.Type)
	if err != nil {
		fe := asFloeError(err).WithNode(nodeID)
		r.failNode(ctx, nodeID, fe)
		return r.escalate(ctx, nodeID, nspec, fe)
	}

	if len(forEachEdges) == 1 {
		return r.runForEach(ctx, nodeID, nspec, nodeType, forEachEdges[0])
	}

	// Guard evaluation outside forEach; syntax errors are fatal to the node.
	env := r.buildEnv(r.loopVars[nodeID])
	ok, gerr := r.resolver.EvalGuard(ctx, nspec.When, env)
	if gerr != nil {
		fe := asFloeError(gerr).WithNode(nodeID)
		r.failNode(ctx, nodeID, fe)
		return r.escalate(ctx, nodeID, nspec, fe)
	}
	if !ok {
		r.skipNode(ctx, nodeID, "when")
		return nil, false, nil
	}

	result := r.invoke(ctx, nodeID, nspec, nodeType, env)

	switch {
	case result.Paused:
		r.mu.Lock()
		r.state.NodeStatus[nodeID] = schema.NodeStatusPending
		r.state.PausedNode = nodeID
		if result.Output != nil {
			partial := cloneMap(result.Output)
			partial["paused"] = true
			r.state.Outputs[nodeID] = partial
		}
		if result.Session != "" {
			r.state.AgentSessions[nodeID] = result.Session
		}
		r.pending = ""
		r.touch()
		r.mu.Unlock()
		return r.finish(ctx, schema.RunStatusPaused, schema.EventFlowPaused, map[string]any{
			"node": nodeID,
		}), true, nil

	case result.Err != nil && result.Err.Code == schema.ErrCodeCancelled:
		r.mu.Lock()
		r.state.NodeStatus[nodeID] = schema.NodeStatusPending
		r.pending = ""
		r.touch()
		r.mu.Unlock()
		return r.finish(ctx, schema.RunStatusAborted, schema.EventFlowAborted, map[string]any{
			"node": nodeID,
		}), true, nil

	case result.Err != nil:
		log.Warn("node failed", "error", result.Err.Message, "attempts", result.Attempts)
		r.failNode(ctx, nodeID, result.Err)
		return r.escalate(ctx, nodeID, nspec, result.Err)
	}

	r.completeNode(ctx, nodeID, nspec, nodeType, result)
	return r.afterNode(ctx, nodeID, nspec)
}

// invoke executes one node invocation under a fresh CancelContext.
func (r *Runtime) invoke(ctx context.Context, nodeID string, nspec *schema.NodeSpec, nodeType nodes.NodeType, env map[string]any) *NodeResult {
	r.mu.Lock()
	cc := NewCancelContext()
	r.cancel = cc
	inbox := make(chan schema.RuntimeCommand, 16+len(r.state.Inbox))
	for _, cmd := range r.state.Inbox {
		inbox <- cmd
	}
	r.nodeInbox = inbox
	r.state.NodeStatus[nodeID] = schema.NodeStatusRunning
	session := r.state.AgentSessions[nodeID]
	accessor := &stateAccessor{mu: &r.mu, rs: r.state}
	r.touch()
	r.mu.Unlock()

	r.emit(ctx, schema.EventNodeStart, nodeID, "", nil)
	r.persist(ctx)

	result := r.executor.RunNode(ctx, Invocation{
		RunID:   r.state.RunID,
		Node:    nspec,
		Type:    nodeType,
		Env:     env,
		Cancel:  cc,
		Inbox:   inbox,
		State:   accessor,
		Session: session,
		Emit: func(eventType string, payload map[string]any) {
			r.emit(ctx, eventType, nodeID, "", payload)
		},
	})

	r.mu.Lock()
	r.cancel = nil
	r.nodeInbox = nil
	r.mu.Unlock()
	return result
}

// completeNode records a successful invocation.
func (r *Runtime) completeNode(ctx context.Context, nodeID string, nspec *schema.NodeSpec, nodeType nodes.NodeType, result *NodeResult) {
	r.mu.Lock()
	r.state.NodeStatus[nodeID] = schema.NodeStatusDone
	r.state.Outputs[nodeID] = result.Output
	if sa, ok := nodeType.(nodes.SessionAware); ok && sa.Resumable() && result.Session != "" {
		r.state.AgentSessions[nodeID] = result.Session
	}
	r.state.Inbox = nil
	r.touch()
	r.mu.Unlock()

	r.emit(ctx, schema.EventNodeComplete, nodeID, "", map[string]any{
		"attempts": result.Attempts,
	})
}

// afterNode resolves outgoing edges and loop edges, then persists.
// The returned values mirror step's contract.
func (r *Runtime) afterNode(ctx context.Context, nodeID string, nspec *schema.NodeSpec) (*schema.RunSnapshot, bool, error) {
	// A malformed edge guard fails the source node; a typo must not read
	// as a legitimately skipped branch.
	if err := r.resolveEdges(ctx, nodeID); err != nil {
		fe := asFloeError(err).WithNode(nodeID)
		r.failNode(ctx, nodeID, fe)
		if r.continuesPast(nspec) {
			r.persist(ctx)
			return nil, false, nil
		}
		return r.finish(ctx, schema.RunStatusFailed, schema.EventFlowComplete, map[string]any{
			"status": string(schema.RunStatusFailed),
			"node":   nodeID,
			"error":  fe.Message,
		}), true, nil
	}

	if err := r.resolveLoopEdges(ctx, nodeID); err != nil {
		r.mu.Lock()
		r.state.Status = schema.RunStatusFailed
		r.touch()
		r.mu.Unlock()
		snap := r.Snapshot()
		r.persist(ctx)
		return snap, true, err
	}

	r.persist(ctx)
	return nil, false, nil
}

// skipNode marks a node done with a skip marker and skips its edges.
func (r *Runtime) skipNode(ctx context.Context, nodeID, reason string) {
	r.mu.Lock()
	r.state.NodeStatus[nodeID] = schema.NodeStatusDone
	r.state.Outputs[nodeID] = schema.SkipMarker(reason)
	r.touch()
	r.mu.Unlock()

	r.emit(ctx, schema.EventNodeSkipped, nodeID, "", map[string]any{"reason": reason})
	r.skipEdges(nodeID)
	r.persist(ctx)
}

// failNode records a failed invocation.
func (r *Runtime) failNode(ctx context.Context, nodeID string, err *schema.FloeError) {
	r.mu.Lock()
	r.state.NodeStatus[nodeID] = schema.NodeStatusFailed
	r.state.Outputs[nodeID] = schema.ErrorMarker(err)
	r.touch()
	r.mu.Unlock()

	r.emit(ctx, schema.EventNodeError, nodeID, "", map[string]any{
		"code":    err.Code,
		"message": err.Message,
	})
}

// continuesPast reports whether a failure of this node lets the run keep
// going: continueOnError on the node, or failFast:false on the flow.
func (r *Runtime) continuesPast(nspec *schema.NodeSpec) bool {
	if nspec.Policy != nil && nspec.Policy.ContinueOnError {
		return true
	}
	if r.flow.Def.Policy != nil && r.flow.Def.Policy.FailFast != nil {
		return !*r.flow.Def.Policy.FailFast
	}
	return false
}

// escalate decides whether a node failure ends the run. When the failure
// is tolerated, the node's error marker feeds downstream bindings.
func (r *Runtime) escalate(ctx context.Context, nodeID string, nspec *schema.NodeSpec, err *schema.FloeError) (*schema.RunSnapshot, bool, error) {
	if r.continuesPast(nspec) {
		return r.afterNode(ctx, nodeID, nspec)
	}

	return r.finish(ctx, schema.RunStatusFailed, schema.EventFlowComplete, map[string]any{
		"status": string(schema.RunStatusFailed),
		"node":   nodeID,
		"error":  err.Message,
	}), true, nil
}

// gateDecision applies all/any semantics once every incoming edge has
// resolved. The scheduler guarantees none are pending by this point.
func (r *Runtime) gateDecision(nodeID string) (string, bool) {
	incoming := r.flow.Incoming[nodeID]
	if len(incoming) == 0 {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fired, skipped := 0, 0
	for _, e := range incoming {
		switch r.state.EdgeStatus[e.ID] {
		case schema.EdgeStatusFired:
			fired++
		case schema.EdgeStatusSkipped:
			skipped++
		}
	}

	switch r.flow.GateByNode[nodeID] {
	case schema.GateAny:
		if fired == 0 {
			return "gate", true
		}
	default: // all
		if skipped > 0 {
			return "gate", true
		}
	}
	return "", false
}

// firedForEachEdges lists this node's fired incoming forEach edges.
func (r *Runtime) firedForEachEdges(nodeID string) []*schema.EdgeDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*schema.EdgeDefinition
	for _, e := range r.flow.Incoming[nodeID] {
		if e.ForEach != nil && r.state.EdgeStatus[e.ID] == schema.EdgeStatusFired {
			out = append(out, e)
		}
	}
	return out
}

// runForEach expands the node into one invocation per item of the resolved
// list, collecting per-item records as the node's output.
func (r *Runtime) runForEach(ctx context.Context, nodeID string, nspec *schema.NodeSpec, nodeType nodes.NodeType, edge *schema.EdgeDefinition) (*schema.RunSnapshot, bool, error) {
	baseEnv := r.buildEnv(r.loopVars[nodeID])
	resolved, err := r.resolver.Resolve(ctx, edge.ForEach.In, baseEnv)
	if err != nil {
		fe := asFloeError(err).WithNode(nodeID)
		r.failNode(ctx, nodeID, fe)
		return r.escalate(ctx, nodeID, nspec, fe)
	}
	items, ok := resolved.([]any)
	if !ok {
		fe := schema.NewErrorf(schema.ErrCodeBinding,
			"forEach expression %q did not produce a list", edge.ForEach.In).WithNode(nodeID)
		r.failNode(ctx, nodeID, fe)
		return r.escalate(ctx, nodeID, nspec, fe)
	}

	records := make([]any, 0, len(items))
	for i, item := range items {
		vars := map[string]any{
			edge.ForEach.As: item,
			"iteration":     i,
			"first":         i == 0,
			"last":          i == len(items)-1,
			"maxIterations": len(items),
		}
		env := r.buildEnv(vars)

		guardOK, gerr := r.resolver.EvalGuard(ctx, nspec.When, env)
		if gerr != nil {
			fe := asFloeError(gerr).WithNode(nodeID)
			r.failNode(ctx, nodeID, fe)
			return r.escalate(ctx, nodeID, nspec, fe)
		}
		if !guardOK {
			records = append(records, map[string]any{"item": item, "skipped": true})
			continue
		}

		result := r.invoke(ctx, nodeID, nspec, nodeType, env)
		switch {
		case result.Paused:
			r.mu.Lock()
			r.state.NodeStatus[nodeID] = schema.NodeStatusPending
			r.state.PausedNode = nodeID
			r.state.Outputs[nodeID] = map[string]any{"items": records, "paused": true}
			if result.Session != "" {
				r.state.AgentSessions[nodeID] = result.Session
			}
			r.pending = ""
			r.touch()
			r.mu.Unlock()
			return r.finish(ctx, schema.RunStatusPaused, schema.EventFlowPaused, map[string]any{
				"node": nodeID,
			}), true, nil
		case result.Err != nil && result.Err.Code == schema.ErrCodeCancelled:
			r.mu.Lock()
			r.state.NodeStatus[nodeID] = schema.NodeStatusPending
			r.pending = ""
			r.touch()
			r.mu.Unlock()
			return r.finish(ctx, schema.RunStatusAborted, schema.EventFlowAborted, map[string]any{
				"node": nodeID,
			}), true, nil
		case result.Err != nil:
			records = append(records, map[string]any{
				"item":  item,
				"error": map[string]any{"code": result.Err.Code, "message": result.Err.Message},
			})
		default:
			records = append(records, map[string]any{"item": item, "output": result.Output})
		}
	}

	r.mu.Lock()
	r.state.NodeStatus[nodeID] = schema.NodeStatusDone
	r.state.Outputs[nodeID] = map[string]any{"items": records}
	r.state.Inbox = nil
	r.touch()
	r.mu.Unlock()

	r.emit(ctx, schema.EventNodeComplete, nodeID, "", map[string]any{
		"items": len(records),
	})
	return r.afterNode(ctx, nodeID, nspec)
}

// resolveEdges fires or skips each outgoing forward edge against the
// latest outputs. A malformed guard stops resolution: the remaining edges
// are skipped and the error is returned for the caller to escalate.
func (r *Runtime) resolveEdges(ctx context.Context, nodeID string) error {
	env := r.buildEnv(r.loopVars[nodeID])
	edges := r.flow.OutgoingForward[nodeID]

	for i, e := range edges {
		fired, err := r.resolver.EvalGuard(ctx, e.When, env)
		if err != nil {
			r.mu.Lock()
			for _, rest := range edges[i:] {
				r.state.EdgeStatus[rest.ID] = schema.EdgeStatusSkipped
			}
			r.touch()
			r.mu.Unlock()
			return asFloeError(err).WithDetails(map[string]any{"edge": e.ID})
		}

		status := schema.EdgeStatusSkipped
		if fired {
			status = schema.EdgeStatusFired
		}
		r.mu.Lock()
		r.state.EdgeStatus[e.ID] = status
		r.touch()
		r.mu.Unlock()

		if status == schema.EdgeStatusFired {
			r.emit(ctx, schema.EventEdgeFire, nodeID, e.ID, map[string]any{
				"from": e.From, "to": e.To,
			})
		}
	}
	return nil
}

// skipEdges marks every outgoing forward edge of a skipped source skipped.
func (r *Runtime) skipEdges(nodeID string) {
	r.mu.Lock()
	for _, e := range r.flow.OutgoingForward[nodeID] {
		r.state.EdgeStatus[e.ID] = schema.EdgeStatusSkipped
	}
	r.touch()
	r.mu.Unlock()
}

// resolveLoopEdges evaluates this node's outgoing loop edges. A firing edge
// increments its counter and re-opens the loop body; reaching maxIterations
// is fatal.
func (r *Runtime) resolveLoopEdges(ctx context.Context, nodeID string) error {
	for _, e := range r.flow.OutgoingLoop[nodeID] {
		maxIter, err := r.resolveMaxIterations(ctx, e)
		if err != nil {
			return err
		}

		r.mu.Lock()
		counter := r.state.LoopCounters[e.ID]
		r.mu.Unlock()

		vars := map[string]any{
			"iteration":     counter,
			"first":         counter == 0,
			"last":          counter == maxIter-1,
			"maxIterations": maxIter,
		}
		fire, gerr := r.resolver.EvalGuard(ctx, e.When, r.buildEnv(vars))
		if gerr != nil {
			return asFloeError(gerr).WithNode(nodeID)
		}
		if !fire {
			continue
		}

		counter++
		r.mu.Lock()
		r.state.LoopCounters[e.ID] = counter
		r.touch()
		r.mu.Unlock()

		r.emit(ctx, schema.EventLoopIterate, nodeID, e.ID, map[string]any{
			"iteration":      counter,
			"max_iterations": maxIter,
		})

		if counter >= maxIter {
			return schema.NewErrorf(schema.ErrCodeLoopExceeded,
				"loop edge %q reached max iterations (%d)", e.ID, maxIter).
				WithDetails(map[string]any{"edge": e.ID, "max_iterations": maxIter})
		}

		r.reopenLoop(e, counter, maxIter)
	}
	return nil
}

// reopenLoop resets the loop body (target through source, in topological
// order) to pending for re-entry. Outputs are kept so inter-iteration
// reads observe the prior iteration.
func (r *Runtime) reopenLoop(e *schema.EdgeDefinition, counter, maxIter int) {
	from, okFrom := r.flow.Position[e.From]
	to, okTo := r.flow.Position[e.To]
	if !okFrom || !okTo || to > from {
		return
	}

	nextVars := map[string]any{
		"iteration":     counter,
		"first":         false,
		"last":          counter == maxIter-1,
		"maxIterations": maxIter,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for pos := to; pos <= from; pos++ {
		id := r.flow.Order[pos]
		r.state.NodeStatus[id] = schema.NodeStatusPending
		r.loopVars[id] = nextVars

		for _, out := range r.flow.OutgoingForward[id] {
			if p, ok := r.flow.Position[out.To]; ok && p >= to && p <= from {
				r.state.EdgeStatus[out.ID] = schema.EdgeStatusPending
			}
		}
	}
	r.touch()
}

// resolveMaxIterations turns a literal or bound maxIterations into an int.
func (r *Runtime) resolveMaxIterations(ctx context.Context, e *schema.EdgeDefinition) (int, error) {
	value := e.MaxIterations
	if s, ok := value.(string); ok {
		resolved, err := r.resolver.Resolve(ctx, s, r.buildEnv(nil))
		if err != nil {
			return 0, asFloeError(err)
		}
		value = resolved
	}

	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeBinding, "maxIterations %q is not an integer", v)
		}
		return int(n), nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeBinding,
			"maxIterations on edge %q resolved to %T, want integer", e.ID, value)
	}
}

// buildEnv assembles the binding environment: node outputs at the top
// level, plus input/state/outputs/vars namespaces, plus iteration
// variables in both bare and $-prefixed spellings.
func (r *Runtime) buildEnv(vars map[string]any) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	env := make(map[string]any, len(r.state.Outputs)+len(vars)*2+4)
	for k, v := range r.state.Outputs {
		env[k] = v
	}
	input := r.input
	if input == nil {
		input = map[string]any{}
	}
	env["input"] = input
	env["state"] = r.state.State
	env["outputs"] = r.state.Outputs
	if vars == nil {
		vars = map[string]any{}
	}
	env["vars"] = vars
	for k, v := range vars {
		env[k] = v
		env["$"+k] = v
	}
	return env
}

// anyPendingLocked reports whether any main node is still pending.
// Caller holds r.mu.
func (r *Runtime) anyPendingLocked() bool {
	for _, id := range r.flow.Order {
		if r.state.NodeStatus[id] == schema.NodeStatusPending {
			return true
		}
	}
	return false
}

// finish transitions the run into a resting status, emits the closing
// event, persists, and returns the final snapshot.
func (r *Runtime) finish(ctx context.Context, status schema.RunStatus, eventType string, payload map[string]any) *schema.RunSnapshot {
	r.mu.Lock()
	r.state.Status = status
	if status != schema.RunStatusPaused {
		r.state.PausedNode = ""
	}
	r.touch()
	snap := r.state.Snapshot()
	r.mu.Unlock()

	r.emit(ctx, eventType, "", "", payload)
	r.persist(ctx)
	return snap
}

// emit publishes an event to the hub and appends it to the store.
func (r *Runtime) emit(ctx context.Context, eventType, nodeID, edgeID string, payload map[string]any) {
	event := schema.RuntimeEvent{
		Type:      eventType,
		RunID:     r.state.RunID,
		NodeID:    nodeID,
		EdgeID:    edgeID,
		Timestamp: time.Now().UTC(),
		Sequence:  r.seq.Add(1),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			event.Payload = b
		}
	}

	if err := r.hub.Publish(ctx, event); err != nil {
		r.logger.Warn("event publish failed", "event", eventType, "error", err)
	}
	if r.store != nil {
		if err := r.store.AppendEvent(ctx, &event); err != nil {
			r.logger.Warn("event persist failed", "event", eventType, "error", err)
		}
	}
}

// persist saves the current snapshot when a store is configured.
func (r *Runtime) persist(ctx context.Context) {
	if r.store == nil {
		return
	}
	snap := r.Snapshot()
	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		r.logger.Warn("snapshot persist failed", "run_id", snap.RunID, "error", err)
	}
}

// touch bumps the state's updated timestamp. Caller holds r.mu.
func (r *Runtime) touch() {
	r.state.UpdatedAt = time.Now().UTC()
}
