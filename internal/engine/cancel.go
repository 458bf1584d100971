package engine

import "sync"

// Cancellation reasons.
const (
	ReasonPause = "pause"
	ReasonAbort = "abort"
)

// CancelContext is the per-invocation cancellation handle. Interrupt asks
// the node to stop gracefully and preserve partial output; Abort demands
// immediate termination. A context is never reused across invocations.
type CancelContext struct {
	mu        sync.Mutex
	done      chan struct{}
	reason    string
	callbacks []func(reason string)
}

// NewCancelContext creates an uncancelled context.
func NewCancelContext() *CancelContext {
	return &CancelContext{done: make(chan struct{})}
}

// Done returns a channel closed on the first Interrupt or Abort.
func (c *CancelContext) Done() <-chan struct{} { return c.done }

// Reason returns "pause" or "abort" after cancellation, empty before.
func (c *CancelContext) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Cancelled reports whether the context has been cancelled.
func (c *CancelContext) Cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Interrupt cancels gracefully with reason "pause".
func (c *CancelContext) Interrupt() { c.cancel(ReasonPause) }

// Abort cancels hard with reason "abort".
func (c *CancelContext) Abort() { c.cancel(ReasonAbort) }

// OnCancel registers a callback invoked once on cancellation. If the
// context is already cancelled the callback runs immediately.
func (c *CancelContext) OnCancel(fn func(reason string)) {
	c.mu.Lock()
	if c.reason != "" {
		reason := c.reason
		c.mu.Unlock()
		fn(reason)
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *CancelContext) cancel(reason string) {
	c.mu.Lock()
	if c.reason != "" {
		c.mu.Unlock()
		return
	}
	c.reason = reason
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(reason)
	}
}
