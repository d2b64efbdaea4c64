package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	outflow "go.outflow.dev"
	"go.outflow.dev/internal/metrics"
)

// Memory is the in-process reference adapter: a front-of-queue deque, a
// dead-letter list, and a per-id retry count map. It is the executable
// definition of the claim-and-settle contract for tests, and usable as a
// lightweight bus backend when durability is not needed.
//
// On handler failure the event is re-queued at the front and the tick
// fails, so the poller's error backoff produces the retry spacing. Once the
// retry count passes MaxRetries the event moves to the dead-letter list.
type Memory struct {
	cfg *Config

	mu      sync.Mutex
	queue   []*outflow.Event
	dlq     []*outflow.FailedEvent
	retries map[string]int
	ids     map[string]struct{}

	handler Handler
	sink    ErrorSink
	poller  *Poller
}

var _ Outbox = (*Memory)(nil)
var _ FailedEventSource = (*Memory)(nil)
var _ Retryer = (*Memory)(nil)

// NewMemory creates an in-memory outbox. A nil config gets the in-memory
// cadence: 10ms poll interval and base backoff.
func NewMemory(cfg *Config) *Memory {
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.PollInterval = 10 * time.Millisecond
		cfg.BaseBackoff = 10 * time.Millisecond
	}
	cfg.normalize()

	m := &Memory{
		cfg:     cfg,
		retries: make(map[string]int),
		ids:     make(map[string]struct{}),
	}
	m.poller = NewPoller(PollerConfig{
		Name:            "memory",
		PollInterval:    cfg.PollInterval,
		BaseBackoff:     cfg.BaseBackoff,
		MaxErrorBackoff: cfg.MaxErrorBackoff,
	}, m.processBatch)
	return m
}

// Publish appends events idempotently by id. The tx argument is ignored:
// the in-memory store has no transactions.
func (m *Memory) Publish(ctx context.Context, events []*outflow.Event, tx any) error {
	if len(events) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ev := range events {
		if _, seen := m.ids[ev.ID]; seen {
			continue
		}
		m.ids[ev.ID] = struct{}{}
		m.queue = append(m.queue, ev.Clone())
		metrics.OutboxEventsPublished.WithLabelValues("memory").Inc()
	}
	return nil
}

// Start installs the handler and error sink and begins polling.
func (m *Memory) Start(handler Handler, onError ErrorSink) error {
	m.mu.Lock()
	m.handler = handler
	m.sink = onError
	m.mu.Unlock()

	m.poller.OnError(func(err error) {
		// Handler failures already reached the sink during settlement.
		if sink := m.errorSink(); sink != nil && !isHandlerFailure(err) {
			sink(err, nil)
		}
	})
	m.poller.Start()
	return nil
}

// Stop ceases polling and awaits the in-flight tick.
func (m *Memory) Stop() error {
	m.poller.Stop()
	return nil
}

func (m *Memory) errorSink() ErrorSink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}

// FailedEvents returns the dead-letter list, newest first by occurredAt.
func (m *Memory) FailedEvents(ctx context.Context, limit int) ([]*outflow.FailedEvent, error) {
	if limit <= 0 || limit > FailedEventsDefaultLimit {
		limit = FailedEventsDefaultLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*outflow.FailedEvent, len(m.dlq))
	copy(out, m.dlq)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RetryEvents moves matching dead-letter events back to the head of the
// queue with their retry counts reset.
func (m *Memory) RetryEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*outflow.FailedEvent
	var revived []*outflow.Event
	for _, fe := range m.dlq {
		if _, ok := wanted[fe.ID]; ok {
			delete(m.retries, fe.ID)
			ev := fe.Event
			revived = append(revived, &ev)
			continue
		}
		kept = append(kept, fe)
	}
	m.dlq = kept
	m.queue = append(revived, m.queue...)
	return nil
}

// Pending returns the number of events waiting in the queue.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// processBatch is the poller hook: claim up to BatchSize events from the
// front of the queue and deliver them in order.
func (m *Memory) processBatch(ctx context.Context) error {
	for i := 0; i < m.cfg.BatchSize; i++ {
		ev, ok := m.pop()
		if !ok {
			return nil
		}

		if err := m.handler(ctx, ev.Clone()); err != nil {
			return m.settleFailed(ev, err)
		}
		m.settleCompleted(ev)
	}
	return nil
}

func (m *Memory) pop() (*outflow.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	ev := m.queue[0]
	m.queue = m.queue[1:]
	return ev, true
}

func (m *Memory) settleCompleted(ev *outflow.Event) {
	m.mu.Lock()
	delete(m.retries, ev.ID)
	delete(m.ids, ev.ID)
	m.mu.Unlock()
	metrics.OutboxEventsSettled.WithLabelValues("memory", "completed").Inc()
}

// settleFailed re-queues or dead-letters the event. The returned error, if
// non-nil, fails the tick so the poller's backoff spaces out the retry.
func (m *Memory) settleFailed(ev *outflow.Event, cause error) error {
	m.mu.Lock()
	m.retries[ev.ID]++
	count := m.retries[ev.ID]
	terminal := count > m.cfg.MaxRetries
	if terminal {
		m.dlq = append(m.dlq, &outflow.FailedEvent{
			Event:         *ev,
			RetryCount:    count,
			LastError:     cause.Error(),
			LastAttemptAt: time.Now().UTC(),
		})
	} else {
		m.queue = append([]*outflow.Event{ev}, m.queue...)
	}
	sink := m.sink
	m.mu.Unlock()

	if terminal {
		metrics.OutboxEventsSettled.WithLabelValues("memory", "dead_letter").Inc()
		if sink != nil {
			sink(outflow.NewMaxRetriesExceeded(cause, ev, count), ev)
		}
		return nil
	}

	metrics.OutboxEventsSettled.WithLabelValues("memory", "retried").Inc()
	if sink != nil {
		sink(outflow.NewHandlerError(cause, ev), ev)
	}
	return handlerFailure{cause: cause}
}

// handlerFailure marks a tick error that was already routed to the sink as
// a handler error, so the poller's sink hookup does not report it twice.
type handlerFailure struct {
	cause error
}

func (h handlerFailure) Error() string {
	return "handler failed: " + h.cause.Error()
}

func (h handlerFailure) Unwrap() error {
	return h.cause
}

func isHandlerFailure(err error) bool {
	for err != nil {
		if _, ok := err.(handlerFailure); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
