package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/floe/internal/binding"
	"github.com/rendis/floe/internal/logging"
	"github.com/rendis/floe/internal/nodes"
	"github.com/rendis/floe/internal/validation"
	"github.com/rendis/floe/pkg/schema"
)

// Invocation carries everything the Executor needs for one node run.
type Invocation struct {
	RunID string
	Node  *schema.NodeSpec
	Type  nodes.NodeType

	// Env is the binding environment the node input resolves against.
	Env map[string]any

	Cancel  *CancelContext
	Inbox   <-chan schema.RuntimeCommand
	State   nodes.StateAccessor
	Emit    func(eventType string, payload map[string]any)
	Session string
}

// NodeResult is the outcome of one node invocation.
type NodeResult struct {
	Output   map[string]any
	Err      *schema.FloeError
	Paused   bool
	Attempts int
	Session  string
}

// Executor runs a single node under retry, timeout, and cancellation policy.
type Executor interface {
	RunNode(ctx context.Context, inv Invocation) *NodeResult
}

// NodeExecutor is the default Executor: binding resolution, schema
// validation, bounded retries with fixed backoff, per-attempt timeout race,
// and cooperative pause/abort handling.
type NodeExecutor struct {
	resolver  *binding.Resolver
	validator *validation.JSONSchemaValidator
	logger    *slog.Logger
}

// NewNodeExecutor creates an executor. The validator may be nil to skip
// node schema checks.
func NewNodeExecutor(resolver *binding.Resolver, validator *validation.JSONSchemaValidator, logger *slog.Logger) *NodeExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeExecutor{resolver: resolver, validator: validator, logger: logger}
}

// RunNode resolves the node's input and executes it up to the policy's
// attempt limit. A timeout counts as a failed attempt; non-retryable
// error codes stop the loop early. When the run's
// CancelContext fires with reason "pause" and the node returns partial
// output, the result is tagged paused rather than failed; reason "abort"
// surfaces CANCELLED.
func (e *NodeExecutor) RunNode(ctx context.Context, inv Invocation) *NodeResult {
	ctx = logging.WithNodeID(logging.WithRunID(ctx, inv.RunID), inv.Node.ID)
	log := logging.LogWith(ctx, e.logger)

	input, err := e.resolver.ResolveInput(ctx, inv.Node.Input, inv.Env)
	if err != nil {
		return &NodeResult{Err: asFloeError(err).WithNode(inv.Node.ID), Session: inv.Session}
	}

	nodeSchema := inv.Type.Schema()
	if e.validator != nil {
		if err := e.validator.ValidateData(input, nodeSchema.InputSchema); err != nil {
			return &NodeResult{Err: asFloeError(err).WithNode(inv.Node.ID), Session: inv.Session}
		}
	}

	maxAttempts, backoff := retryPolicyOf(inv.Node)
	timeout := timeoutOf(inv.Node)

	rc := &nodes.RunContext{
		RunID:  inv.RunID,
		NodeID: inv.Node.ID,
		Cancel: inv.Cancel,
		Inbox:  inv.Inbox,
		State:  inv.State,
		Emit:   inv.Emit,
	}
	rc.SetSession(inv.Session)

	var lastErr *schema.FloeError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, runErr := e.runAttempt(ctx, inv, rc, input, timeout)

		if inv.Cancel != nil && inv.Cancel.Cancelled() {
			if inv.Cancel.Reason() == ReasonPause {
				return &NodeResult{
					Output:   output,
					Paused:   true,
					Attempts: attempt,
					Session:  rc.Session(),
				}
			}
			return &NodeResult{
				Err:      schema.NewError(schema.ErrCodeCancelled, "node aborted").WithNode(inv.Node.ID),
				Attempts: attempt,
				Session:  rc.Session(),
			}
		}

		if runErr == nil {
			if e.validator != nil {
				if verr := e.validator.ValidateData(output, nodeSchema.OutputSchema); verr != nil {
					runErr = schema.NewErrorf(schema.ErrCodeExecution,
						"output schema violation: %s", verr.Error()).WithCause(verr)
				}
			}
			if runErr == nil {
				return &NodeResult{Output: output, Attempts: attempt, Session: rc.Session()}
			}
		}

		lastErr = asFloeError(runErr).WithNode(inv.Node.ID)
		log.Warn("node attempt failed",
			"attempt", attempt, "max_attempts", maxAttempts, "error", lastErr.Message)

		// Deterministic failures are returned as-is; retrying cannot change
		// the outcome.
		if !lastErr.IsRetryable() {
			return &NodeResult{Err: lastErr, Attempts: attempt, Session: rc.Session()}
		}

		if attempt < maxAttempts {
			if err := waitBackoff(ctx, inv.Cancel, backoff); err != nil {
				if inv.Cancel != nil && inv.Cancel.Cancelled() && inv.Cancel.Reason() == ReasonPause {
					return &NodeResult{Paused: true, Attempts: attempt, Session: rc.Session()}
				}
				return &NodeResult{
					Err:      schema.NewError(schema.ErrCodeCancelled, "node aborted").WithCause(err).WithNode(inv.Node.ID),
					Attempts: attempt,
					Session:  rc.Session(),
				}
			}
		}
	}

	if maxAttempts > 1 {
		return &NodeResult{
			Err: schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"all %d attempts failed, last error: %s", maxAttempts, lastErr.Message).
				WithCause(lastErr).WithNode(inv.Node.ID),
			Attempts: maxAttempts,
			Session:  rc.Session(),
		}
	}
	return &NodeResult{Err: lastErr, Attempts: maxAttempts, Session: rc.Session()}
}

// runAttempt executes one attempt, racing the node against its timeout.
func (e *NodeExecutor) runAttempt(ctx context.Context, inv Invocation, rc *nodes.RunContext, input map[string]any, timeout time.Duration) (map[string]any, error) {
	type attemptResult struct {
		output map[string]any
		err    error
	}
	resultCh := make(chan attemptResult, 1)

	go func() {
		output, err := inv.Type.Run(ctx, rc, input)
		resultCh <- attemptResult{output: output, err: err}
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-resultCh:
		if errors.Is(res.err, nodes.ErrInterrupted) {
			// Partial output from a cancelled node; the caller inspects the
			// cancel reason to classify it.
			return res.output, nil
		}
		return res.output, res.err
	case <-timeoutCh:
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"node timed out after %s", timeout)
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "context cancelled").WithCause(ctx.Err())
	}
}

// asFloeError coerces any error into a FloeError, wrapping foreign errors
// as EXECUTION_ERROR.
func asFloeError(err error) *schema.FloeError {
	var fe *schema.FloeError
	if errors.As(err, &fe) {
		return fe
	}
	return schema.NewError(schema.ErrCodeExecution, fmt.Sprintf("%v", err)).WithCause(err)
}

var _ Executor = (*NodeExecutor)(nil)
