package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	outflow "go.outflow.dev"
)

type waiter struct {
	ch      chan *outflow.Event
	cleanup sync.Once
}

// WaitFor blocks until an event of the given type is delivered, the context
// is cancelled, or the default timeout elapses. Waiters are independent of
// handlers: they observe deliveries without consuming them.
func (b *Bus) WaitFor(ctx context.Context, eventType string) (*outflow.Event, error) {
	return b.WaitForTimeout(ctx, eventType, DefaultWaitForTimeout)
}

// WaitForTimeout is WaitFor with an explicit timeout. A non-positive
// timeout fails immediately with Timeout.
func (b *Bus) WaitForTimeout(ctx context.Context, eventType string, timeout time.Duration) (*outflow.Event, error) {
	if timeout <= 0 {
		return nil, outflow.NewTimeout(fmt.Sprintf("no %s event within %v", eventType, timeout))
	}

	w := &waiter{ch: make(chan *outflow.Event, 1)}

	b.mu.Lock()
	set, ok := b.waiters[eventType]
	if !ok {
		set = make(map[*waiter]struct{})
		b.waiters[eventType] = set
	}
	set[w] = struct{}{}
	b.mu.Unlock()

	// Cleanup must be idempotent: the timeout path and a late notify can
	// race, and the registry entry must go away exactly once.
	remove := func() {
		w.cleanup.Do(func() {
			b.mu.Lock()
			if set, ok := b.waiters[eventType]; ok {
				delete(set, w)
				if len(set) == 0 {
					delete(b.waiters, eventType)
				}
			}
			b.mu.Unlock()
		})
	}
	defer remove()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-timer.C:
		return nil, outflow.NewTimeout(fmt.Sprintf("no %s event within %v", eventType, timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notifyWaiters resolves every waiter registered for the event's type. The
// waiters are removed before delivery so each resolves at most once.
func (b *Bus) notifyWaiters(ev *outflow.Event) {
	b.mu.Lock()
	set, ok := b.waiters[ev.Type]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.waiters, ev.Type)
	b.mu.Unlock()

	for w := range set {
		w.ch <- ev.Clone()
	}
}
