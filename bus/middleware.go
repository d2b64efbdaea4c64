package bus

import (
	"context"

	outflow "go.outflow.dev"
)

// Phase identifies which pipeline a middleware is running in.
type Phase string

const (
	// PhaseEmit runs before the event is published to the outbox.
	PhaseEmit Phase = "emit"

	// PhaseHandle runs before the registered handler is invoked.
	PhaseHandle Phase = "handle"
)

// Context carries one event through a middleware pipeline. Middlewares may
// mutate or replace the event, attach metadata, or drop it.
type Context struct {
	// Event is the event in flight. Replacing the pointer replaces the
	// event for the rest of the pipeline.
	Event *outflow.Event

	// Tx is the caller's transaction on the emit phase, nil otherwise.
	Tx any

	// Phase is the pipeline being run.
	Phase Phase

	ctx       context.Context
	dropped   bool
	violation error
}

// Context returns the request context of the operation.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Drop marks the event as dropped: it will not be published (emit phase)
// or delivered (handle phase). Completing a middleware without calling next
// has the same effect.
func (c *Context) Drop() {
	c.dropped = true
}

// Dropped reports whether the event was dropped.
func (c *Context) Dropped() bool {
	return c.dropped
}

// Middleware wraps one stage of event processing, onion style: the first
// registered middleware sees both the entry and the exit of everything
// registered after it. Call next exactly once to continue; skip it (or call
// Drop) to suppress the event; return an error to fail the operation.
type Middleware func(c *Context, next func() error) error

// runChain executes a snapshot of middlewares around the terminal stage.
// The snapshot is taken by the caller, so middlewares registered during
// execution affect only subsequent operations.
func runChain(c *Context, mws []Middleware, terminal func(c *Context) error) error {
	var run func(i int) error
	run = func(i int) error {
		if c.dropped {
			return nil
		}
		if i == len(mws) {
			if terminal == nil {
				return nil
			}
			return terminal(c)
		}

		calls := 0
		next := func() error {
			calls++
			if calls > 1 {
				c.violation = outflow.NewOperational("next() called multiple times", nil)
				return c.violation
			}
			if c.dropped {
				return nil
			}
			return run(i + 1)
		}

		err := mws[i](c, next)
		if c.violation != nil {
			return c.violation
		}
		if err != nil {
			return err
		}
		if calls == 0 {
			c.dropped = true
		}
		return nil
	}
	return run(0)
}
