// Package bus provides the user-facing event bus: a 1:1 command dispatcher
// over an outbox adapter, with onion-style middleware pipelines for emission
// and handling, transaction propagation, and wait-for-event primitives.
//
// The bus is a command bus: exactly one handler may be registered per event
// type, so a retried event reruns the same handler and nothing else. Fan-out
// is expressed by emitting further intent events from within a handler.
package bus

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	outflow "go.outflow.dev"
	"go.outflow.dev/internal/metrics"
	"go.outflow.dev/outbox"
)

// Handler processes one delivered event.
type Handler func(ctx context.Context, ev *outflow.Event) error

// DefaultWaitForTimeout bounds WaitFor when no explicit timeout is given.
const DefaultWaitForTimeout = 5 * time.Second

// DefaultMiddlewareConcurrency bounds the emit pipeline over EmitMany.
const DefaultMiddlewareConcurrency = 10

type registration struct {
	fn          Handler
	once        bool
	fnPtr       uintptr
	originalPtr uintptr
}

// Bus is the event bus. All methods are safe for concurrent use.
type Bus struct {
	ox          outbox.Outbox
	concurrency int
	sink        outbox.ErrorSink

	mu        sync.RWMutex
	handlers  map[string]*registration
	emitMW    []Middleware
	handlerMW []Middleware
	waiters   map[string]map[*waiter]struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithMiddlewareConcurrency bounds how many events run the emit pipeline in
// parallel during EmitMany.
func WithMiddlewareConcurrency(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithErrorSink replaces the default slog-based sink for delivery errors.
func WithErrorSink(sink outbox.ErrorSink) Option {
	return func(b *Bus) {
		b.sink = sink
	}
}

// New creates a bus over the given adapter.
func New(ox outbox.Outbox, opts ...Option) *Bus {
	b := &Bus{
		ox:          ox,
		concurrency: DefaultMiddlewareConcurrency,
		handlers:    make(map[string]*registration),
		waiters:     make(map[string]map[*waiter]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sink == nil {
		b.sink = func(err error, ev *outflow.Event) {
			if ev != nil {
				slog.Error("Event delivery failed", "error", err, "eventId", ev.ID, "type", ev.Type)
			} else {
				slog.Error("Outbox processing failed", "error", err)
			}
		}
	}
	return b
}

// Use registers handler-phase middleware, the delivery pipeline where
// routing layers sit. Equivalent to AddHandlerMiddleware for each argument.
func (b *Bus) Use(mws ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlerMW = append(b.handlerMW, mws...)
}

// AddEmitMiddleware registers middleware run before publish.
func (b *Bus) AddEmitMiddleware(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitMW = append(b.emitMW, mw)
}

// AddHandlerMiddleware registers middleware run before the handler.
func (b *Bus) AddHandlerMiddleware(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlerMW = append(b.handlerMW, mw)
}

// EmitOption configures one emit call.
type EmitOption func(*emitOptions)

type emitOptions struct {
	tx any
}

// WithTx makes the publish participate in the caller's transaction. The
// value is opaque to the bus and forwarded to the adapter and the emit
// middleware context.
func WithTx(tx any) EmitOption {
	return func(o *emitOptions) {
		o.tx = tx
	}
}

// Emit publishes one event through the emit pipeline.
func (b *Bus) Emit(ctx context.Context, ev *outflow.Event, opts ...EmitOption) error {
	return b.EmitMany(ctx, []*outflow.Event{ev}, opts...)
}

// EmitMany publishes a batch. Each event gets defaults filled in (fresh
// UUID, occurredAt now), runs the emit pipeline under bounded concurrency,
// and the surviving events are published as one batch. Errors surface
// synchronously to the caller; nothing is retried at the emit boundary.
func (b *Bus) EmitMany(ctx context.Context, events []*outflow.Event, opts ...EmitOption) error {
	if len(events) == 0 {
		return nil
	}

	var eo emitOptions
	for _, opt := range opts {
		opt(&eo)
	}

	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}
	}

	b.mu.RLock()
	mws := make([]Middleware, len(b.emitMW))
	copy(mws, b.emitMW)
	b.mu.RUnlock()

	if len(mws) == 0 {
		if err := b.ox.Publish(ctx, events, eo.tx); err != nil {
			metrics.BusEventsEmitted.WithLabelValues("failed").Add(float64(len(events)))
			return err
		}
		metrics.BusEventsEmitted.WithLabelValues("published").Add(float64(len(events)))
		return nil
	}

	results := make([]*outflow.Event, len(events))
	errs := make([]error, len(events))

	// Bounded worker pool over the pipeline invocations; input order is
	// preserved by writing into index slots.
	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	for i := range events {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			c := &Context{Event: events[i], Tx: eo.tx, Phase: PhaseEmit, ctx: ctx}
			if err := runChain(c, mws, nil); err != nil {
				errs[i] = err
				return
			}
			if !c.Dropped() {
				results[i] = c.Event
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			metrics.BusEventsEmitted.WithLabelValues("failed").Inc()
			return err
		}
	}

	survivors := make([]*outflow.Event, 0, len(results))
	for _, ev := range results {
		if ev != nil {
			survivors = append(survivors, ev)
		}
	}
	metrics.BusEventsEmitted.WithLabelValues("dropped").Add(float64(len(events) - len(survivors)))

	if len(survivors) == 0 {
		return nil
	}
	if err := b.ox.Publish(ctx, survivors, eo.tx); err != nil {
		metrics.BusEventsEmitted.WithLabelValues("failed").Add(float64(len(survivors)))
		return err
	}
	metrics.BusEventsEmitted.WithLabelValues("published").Add(float64(len(survivors)))
	return nil
}

// On registers the single handler for an event type. A second registration
// for the same type fails with DuplicateListener.
func (b *Bus) On(eventType string, h Handler) error {
	return b.register(eventType, h, false)
}

// AddListener is an alias for On.
func (b *Bus) AddListener(eventType string, h Handler) error {
	return b.On(eventType, h)
}

// Once registers a handler that deregisters itself before running once.
func (b *Bus) Once(eventType string, h Handler) error {
	return b.register(eventType, h, true)
}

// Subscribe registers the same handler under multiple types, still one
// handler per type. Nothing is registered if any type is already taken.
func (b *Bus) Subscribe(types []string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range types {
		if _, exists := b.handlers[t]; exists {
			return outflow.NewDuplicateListener(t)
		}
	}
	ptr := reflect.ValueOf(h).Pointer()
	for _, t := range types {
		b.handlers[t] = &registration{fn: h, fnPtr: ptr, originalPtr: ptr}
	}
	return nil
}

func (b *Bus) register(eventType string, h Handler, once bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[eventType]; exists {
		return outflow.NewDuplicateListener(eventType)
	}
	ptr := reflect.ValueOf(h).Pointer()
	b.handlers[eventType] = &registration{fn: h, once: once, fnPtr: ptr, originalPtr: ptr}
	return nil
}

// Off removes the handler for a type when it matches the registered
// function or the original wrapped by Once.
func (b *Bus) Off(eventType string, h Handler) {
	ptr := reflect.ValueOf(h).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()

	reg, ok := b.handlers[eventType]
	if !ok {
		return
	}
	if reg.fnPtr == ptr || reg.originalPtr == ptr {
		delete(b.handlers, eventType)
	}
}

// RemoveAllListeners removes the handlers for the given types, or every
// handler when called without arguments.
func (b *Bus) RemoveAllListeners(types ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(types) == 0 {
		b.handlers = make(map[string]*registration)
		return
	}
	for _, t := range types {
		delete(b.handlers, t)
	}
}

// ListenerCount returns 1 when a handler is registered for the type.
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.handlers[eventType]; ok {
		return 1
	}
	return 0
}

// EventNames returns the types with a registered handler, sorted.
func (b *Bus) EventNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

// SubscriptionCount returns the number of registered handlers.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Start begins consuming from the adapter.
func (b *Bus) Start() error {
	return b.ox.Start(b.processEvent, b.sink)
}

// Stop ceases consumption and awaits in-flight deliveries.
func (b *Bus) Stop() error {
	return b.ox.Stop()
}

// FailedEvents lists the adapter's failed records, newest first, or fails
// with UnsupportedOperation when the adapter lacks the capability.
func (b *Bus) FailedEvents(ctx context.Context) ([]*outflow.FailedEvent, error) {
	src, ok := b.ox.(outbox.FailedEventSource)
	if !ok {
		return nil, outflow.NewUnsupportedOperation("getFailedEvents")
	}
	return src.FailedEvents(ctx, outbox.FailedEventsDefaultLimit)
}

// RetryEvents resets matching failed records for redelivery, or fails with
// UnsupportedOperation when the adapter lacks the capability.
func (b *Bus) RetryEvents(ctx context.Context, ids []string) error {
	r, ok := b.ox.(outbox.Retryer)
	if !ok {
		return outflow.NewUnsupportedOperation("retryEvents")
	}
	return r.RetryEvents(ctx, ids)
}

// processEvent is the adapter callback: run the handler pipeline, then
// dispatch on the possibly middleware-rewritten type. A missing handler is
// not an error. A dropped delivery settles as success.
func (b *Bus) processEvent(ctx context.Context, ev *outflow.Event) error {
	b.mu.RLock()
	mws := make([]Middleware, len(b.handlerMW))
	copy(mws, b.handlerMW)
	b.mu.RUnlock()

	c := &Context{Event: ev, Phase: PhaseHandle, ctx: ctx}
	err := runChain(c, mws, b.dispatch)
	if err != nil {
		metrics.BusEventsDelivered.WithLabelValues("failed").Inc()
		return err
	}
	if c.Dropped() {
		metrics.BusEventsDelivered.WithLabelValues("dropped").Inc()
		return nil
	}

	b.notifyWaiters(c.Event)
	return nil
}

func (b *Bus) dispatch(c *Context) error {
	eventType := c.Event.Type

	b.mu.Lock()
	reg, ok := b.handlers[eventType]
	if ok && reg.once {
		// Once-handlers deregister before running, so a retry after a
		// failure does not rerun them.
		delete(b.handlers, eventType)
	}
	b.mu.Unlock()

	if !ok {
		metrics.BusEventsDelivered.WithLabelValues("unhandled").Inc()
		return nil
	}

	start := time.Now()
	err := reg.fn(c.Context(), c.Event)
	metrics.BusHandlerDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())

	if err != nil {
		return err
	}
	metrics.BusEventsDelivered.WithLabelValues("handled").Inc()
	return nil
}
