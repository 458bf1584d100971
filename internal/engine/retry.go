package engine

import (
	"context"
	"time"

	"github.com/rendis/floe/pkg/schema"
)

// retryPolicyOf normalizes a node's retry policy: one attempt, no backoff,
// unless declared otherwise.
func retryPolicyOf(node *schema.NodeSpec) (maxAttempts int, backoff time.Duration) {
	maxAttempts = 1
	if node.Policy != nil && node.Policy.Retry != nil {
		if node.Policy.Retry.MaxAttempts > 0 {
			maxAttempts = node.Policy.Retry.MaxAttempts
		}
		backoff = time.Duration(node.Policy.Retry.BackoffMs) * time.Millisecond
	}
	return maxAttempts, backoff
}

// timeoutOf returns the node's per-attempt timeout, zero when unset.
func timeoutOf(node *schema.NodeSpec) time.Duration {
	if node.Policy == nil {
		return 0
	}
	return time.Duration(node.Policy.TimeoutMs) * time.Millisecond
}

// waitBackoff sleeps between attempts, cut short by context or run
// cancellation.
func waitBackoff(ctx context.Context, cancel *CancelContext, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	var cancelled <-chan struct{}
	if cancel != nil {
		cancelled = cancel.Done()
	}

	select {
	case <-timer.C:
		return nil
	case <-cancelled:
		return schema.NewError(schema.ErrCodeCancelled, "cancelled during retry backoff")
	case <-ctx.Done():
		return ctx.Err()
	}
}
