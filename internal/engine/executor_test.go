package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rendis/floe/internal/binding"
	"github.com/rendis/floe/internal/nodes"
	"github.com/rendis/floe/internal/validation"
	"github.com/rendis/floe/pkg/schema"
)

func newTestExecutor(t *testing.T, withValidator bool) *NodeExecutor {
	t.Helper()
	resolver, err := binding.NewResolver()
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	var validator *validation.JSONSchemaValidator
	if withValidator {
		validator, err = validation.NewJSONSchemaValidator()
		if err != nil {
			t.Fatalf("NewJSONSchemaValidator: %v", err)
		}
	}
	return NewNodeExecutor(resolver, validator, nil)
}

// slowNode sleeps past any reasonable test timeout.
type slowNode struct{}

func (slowNode) Name() string             { return "slow" }
func (slowNode) Schema() nodes.NodeSchema { return nodes.NodeSchema{} }

func (slowNode) Run(ctx context.Context, _ *nodes.RunContext, _ map[string]any) (map[string]any, error) {
	select {
	case <-time.After(5 * time.Second):
		return map[string]any{"done": true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestExecutorRetriesUntilSuccess(t *testing.T) {
	exec := newTestExecutor(t, false)
	flaky := &flakyNode{name: "flaky", failures: 2}

	result := exec.RunNode(context.Background(), Invocation{
		RunID: "run-1",
		Node: &schema.NodeSpec{
			ID:   "n1",
			Type: "flaky",
			Policy: &schema.NodePolicy{
				Retry: &schema.RetryPolicy{MaxAttempts: 3, BackoffMs: 1},
			},
		},
		Type: flaky,
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	if result.Output["calls"] != 3 {
		t.Errorf("output calls = %v, want 3", result.Output["calls"])
	}
}

func TestExecutorRetryExhausted(t *testing.T) {
	exec := newTestExecutor(t, false)
	flaky := &flakyNode{name: "flaky", failures: 10}

	result := exec.RunNode(context.Background(), Invocation{
		RunID: "run-1",
		Node: &schema.NodeSpec{
			ID:   "n1",
			Type: "flaky",
			Policy: &schema.NodePolicy{
				Retry: &schema.RetryPolicy{MaxAttempts: 2},
			},
		},
		Type: flaky,
	})

	if result.Err == nil || result.Err.Code != schema.ErrCodeRetryExhausted {
		t.Fatalf("error = %v, want RETRY_EXHAUSTED", result.Err)
	}
	if !strings.Contains(result.Err.Message, "transient failure 2") {
		t.Errorf("message %q should include the last attempt's error", result.Err.Message)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
}

func TestExecutorSingleAttemptKeepsOriginalError(t *testing.T) {
	exec := newTestExecutor(t, false)
	flaky := &flakyNode{name: "flaky", failures: 10}

	result := exec.RunNode(context.Background(), Invocation{
		RunID: "run-1",
		Node:  &schema.NodeSpec{ID: "n1", Type: "flaky"},
		Type:  flaky,
	})

	if result.Err == nil || result.Err.Code != schema.ErrCodeExecution {
		t.Fatalf("error = %v, want EXECUTION_ERROR without retry wrapping", result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
}

// rejectingNode fails deterministically on every call.
type rejectingNode struct{ calls int }

func (n *rejectingNode) Name() string             { return "rejecting" }
func (n *rejectingNode) Schema() nodes.NodeSchema { return nodes.NodeSchema{} }

func (n *rejectingNode) Run(context.Context, *nodes.RunContext, map[string]any) (map[string]any, error) {
	n.calls++
	return nil, schema.NewError(schema.ErrCodeValidation, "payload rejected")
}

func TestExecutorNonRetryableErrorStopsAttempts(t *testing.T) {
	exec := newTestExecutor(t, false)
	n := &rejectingNode{}

	result := exec.RunNode(context.Background(), Invocation{
		RunID: "run-1",
		Node: &schema.NodeSpec{
			ID:   "n1",
			Type: "rejecting",
			Policy: &schema.NodePolicy{
				Retry: &schema.RetryPolicy{MaxAttempts: 3, BackoffMs: 1},
			},
		},
		Type: n,
	})

	if result.Err == nil || result.Err.Code != schema.ErrCodeValidation {
		t.Fatalf("error = %v, want VALIDATION_ERROR without retry wrapping", result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
	if n.calls != 1 {
		t.Errorf("node ran %d times, want 1 (deterministic failures are not retried)", n.calls)
	}
}

func TestExecutorTimeout(t *testing.T) {
	exec := newTestExecutor(t, false)

	result := exec.RunNode(context.Background(), Invocation{
		RunID: "run-1",
		Node: &schema.NodeSpec{
			ID:     "n1",
			Type:   "slow",
			Policy: &schema.NodePolicy{TimeoutMs: 20},
		},
		Type: slowNode{},
	})

	if result.Err == nil || result.Err.Code != schema.ErrCodeTimeout {
		t.Fatalf("error = %v, want TIMEOUT_ERROR", result.Err)
	}
}

func TestExecutorBindingErrorIsFatal(t *testing.T) {
	exec := newTestExecutor(t, false)
	flaky := &flakyNode{name: "flaky", failures: 0}

	result := exec.RunNode(context.Background(), Invocation{
		RunID: "run-1",
		Node: &schema.NodeSpec{
			ID:    "n1",
			Type:  "flaky",
			Input: map[string]any{"x": "{{ ((( }}"},
			Policy: &schema.NodePolicy{
				Retry: &schema.RetryPolicy{MaxAttempts: 3},
			},
		},
		Type: flaky,
	})

	if result.Err == nil || result.Err.Code != schema.ErrCodeBinding {
		t.Fatalf("error = %v, want BINDING_ERROR", result.Err)
	}
	if flaky.calls != 0 {
		t.Errorf("node ran %d times, want 0 (binding errors skip execution)", flaky.calls)
	}
}

func TestExecutorInputSchemaViolationIsFatal(t *testing.T) {
	exec := newTestExecutor(t, true)
	flaky := &flakyNode{
		name: "strict",
		schema: nodes.NodeSchema{
			InputSchema: []byte(`{"type":"object","required":["value"],"properties":{"value":{"type":"string"}}}`),
		},
	}

	result := exec.RunNode(context.Background(), Invocation{
		RunID: "run-1",
		Node: &schema.NodeSpec{
			ID:    "n1",
			Type:  "strict",
			Input: map[string]any{"value": 42},
			Policy: &schema.NodePolicy{
				Retry: &schema.RetryPolicy{MaxAttempts: 3},
			},
		},
		Type: flaky,
	})

	if result.Err == nil || result.Err.Code != schema.ErrCodeValidation {
		t.Fatalf("error = %v, want VALIDATION_ERROR", result.Err)
	}
	if flaky.calls != 0 {
		t.Errorf("node ran %d times, want 0 (schema violations skip execution)", flaky.calls)
	}
}

func TestExecutorOutputSchemaViolationIsRetryable(t *testing.T) {
	exec := newTestExecutor(t, true)
	flaky := &flakyNode{
		name: "strict",
		schema: nodes.NodeSchema{
			OutputSchema: []byte(`{"type":"object","required":["missing"]}`),
		},
	}

	result := exec.RunNode(context.Background(), Invocation{
		RunID: "run-1",
		Node: &schema.NodeSpec{
			ID:   "n1",
			Type: "strict",
			Policy: &schema.NodePolicy{
				Retry: &schema.RetryPolicy{MaxAttempts: 2},
			},
		},
		Type: flaky,
	})

	if result.Err == nil || result.Err.Code != schema.ErrCodeRetryExhausted {
		t.Fatalf("error = %v, want RETRY_EXHAUSTED", result.Err)
	}
	if flaky.calls != 2 {
		t.Errorf("node ran %d times, want 2 (output violations count as failed attempts)", flaky.calls)
	}
}

func TestExecutorPauseReturnsPartialOutput(t *testing.T) {
	exec := newTestExecutor(t, false)
	started := make(chan struct{})
	n := &interruptibleNode{name: "agent", started: started}
	cc := NewCancelContext()

	done := make(chan *NodeResult, 1)
	go func() {
		done <- exec.RunNode(context.Background(), Invocation{
			RunID:  "run-1",
			Node:   &schema.NodeSpec{ID: "n1", Type: "agent"},
			Type:   n,
			Cancel: cc,
		})
	}()

	<-started
	cc.Interrupt()
	result := <-done

	if !result.Paused {
		t.Fatalf("result = %+v, want paused", result)
	}
	if result.Err != nil {
		t.Errorf("paused result should carry no error, got %v", result.Err)
	}
	if result.Output["partial"] != true {
		t.Errorf("output = %v, want partial output preserved", result.Output)
	}
	if result.Session != "sess-n1" {
		t.Errorf("session = %q, want sess-n1", result.Session)
	}
}

func TestExecutorAbortReturnsCancelled(t *testing.T) {
	exec := newTestExecutor(t, false)
	started := make(chan struct{})
	n := &interruptibleNode{name: "agent", started: started}
	cc := NewCancelContext()

	done := make(chan *NodeResult, 1)
	go func() {
		done <- exec.RunNode(context.Background(), Invocation{
			RunID:  "run-1",
			Node:   &schema.NodeSpec{ID: "n1", Type: "agent"},
			Type:   n,
			Cancel: cc,
		})
	}()

	<-started
	cc.Abort()
	result := <-done

	if result.Paused {
		t.Fatal("aborted result must not be paused")
	}
	if result.Err == nil || result.Err.Code != schema.ErrCodeCancelled {
		t.Fatalf("error = %v, want CANCELLED", result.Err)
	}
}

func TestExecutorSessionSurvivesInvocation(t *testing.T) {
	exec := newTestExecutor(t, false)
	flaky := &flakyNode{name: "flaky"}

	result := exec.RunNode(context.Background(), Invocation{
		RunID:   "run-1",
		Node:    &schema.NodeSpec{ID: "n1", Type: "flaky"},
		Type:    flaky,
		Session: "sess-prior",
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Session != "sess-prior" {
		t.Errorf("session = %q, want sess-prior", result.Session)
	}
}
