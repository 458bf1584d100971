package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/floe/internal/engine"
	"github.com/rendis/floe/pkg/schema"
)

// handleRun starts a flow and runs it until it completes, pauses, or fails.
func (s *FloeServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := s.resolveFlow(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	input := mcp.ParseStringMap(req, "input", nil)

	rt, rtErr := engine.NewRuntime(engine.RuntimeConfig{
		Flow:     def,
		Registry: s.registry,
		Store:    s.store,
		Logger:   s.logger,
		RunID:    req.GetString("run_id", ""),
		Input:    input,
	})
	if rtErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flow rejected: %v", rtErr)), nil
	}

	s.mu.Lock()
	s.runs[rt.RunID()] = rt
	s.mu.Unlock()

	snap, runErr := rt.Run(ctx)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %s failed: %v", rt.RunID(), runErr)), nil
	}
	return marshalResult(snap)
}

// handleStatus returns the current snapshot of a run, from the live runtime
// when one exists, otherwise from the store.
func (s *FloeServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if rt := s.runtimeFor(runID); rt != nil {
		return marshalResult(rt.Snapshot())
	}

	if s.store != nil {
		snap, loadErr := s.store.LoadSnapshot(ctx, runID)
		if loadErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", loadErr)), nil
		}
		if snap != nil {
			return marshalResult(snap)
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("run %q not found", runID)), nil
}

// handleDispatch delivers a command to a run. resume re-enters the run
// synchronously and returns the snapshot it settles on.
func (s *FloeServer) handleDispatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command is required"), nil
	}

	rt := s.runtimeFor(runID)
	if rt == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %q not found", runID)), nil
	}

	cmd := schema.RuntimeCommand{
		Type:      schema.CommandType(command),
		RunID:     runID,
		Message:   mcp.ParseStringMap(req, "message", nil),
		Resumable: req.GetBool("resumable", false),
	}
	if dispatchErr := rt.Dispatch(cmd); dispatchErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dispatch failed: %v", dispatchErr)), nil
	}

	// Resume drives the run forward in this call so the agent gets the next
	// resting snapshot without polling.
	if cmd.Type == schema.CommandResume {
		snap, runErr := rt.Run(ctx)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", runErr)), nil
		}
		return marshalResult(snap)
	}

	return marshalResult(map[string]any{
		"ok":      true,
		"run_id":  runID,
		"command": command,
		"status":  rt.Snapshot().Status,
	})
}

// handleEvents reads the persisted event log for a run.
func (s *FloeServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("no store configured, event history is unavailable"), nil
	}

	since := int64(req.GetFloat("since", 0))
	events, evErr := s.store.GetEvents(ctx, runID, since)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// resolveFlow picks the flow to run: a registered name or an inline
// definition object.
func (s *FloeServer) resolveFlow(req mcp.CallToolRequest) (*schema.FlowDefinition, error) {
	flowName := req.GetString("flow_name", "")
	defRaw := mcp.ParseStringMap(req, "definition", nil)

	switch {
	case flowName != "" && defRaw != nil:
		return nil, fmt.Errorf("pass flow_name or definition, not both")
	case flowName != "":
		s.mu.Lock()
		def, ok := s.flows[flowName]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("flow %q not registered", flowName)
		}
		return def, nil
	case defRaw != nil:
		data, err := json.Marshal(defRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid definition: %v", err)
		}
		var def schema.FlowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("invalid definition: %v", err)
		}
		return &def, nil
	default:
		return nil, fmt.Errorf("flow_name or definition is required")
	}
}

func (s *FloeServer) runtimeFor(runID string) *engine.Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID]
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
