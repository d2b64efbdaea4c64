package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	outflow "go.outflow.dev"
	"go.outflow.dev/outbox"
)

// stubOutbox captures publishes and lets tests drive deliveries by hand.
type stubOutbox struct {
	mu        sync.Mutex
	published []*outflow.Event
	handler   outbox.Handler
	sink      outbox.ErrorSink

	publishFunc func(ctx context.Context, events []*outflow.Event, tx any) error
}

func (s *stubOutbox) Publish(ctx context.Context, events []*outflow.Event, tx any) error {
	if s.publishFunc != nil {
		return s.publishFunc(ctx, events, tx)
	}
	s.mu.Lock()
	s.published = append(s.published, events...)
	s.mu.Unlock()
	return nil
}

func (s *stubOutbox) Start(h outbox.Handler, sink outbox.ErrorSink) error {
	s.handler = h
	s.sink = sink
	return nil
}

func (s *stubOutbox) Stop() error { return nil }

// deliver runs one event through the bus pipeline as the adapter would.
func (s *stubOutbox) deliver(ev *outflow.Event) error {
	return s.handler(context.Background(), ev)
}

func (s *stubOutbox) publishedEvents() []*outflow.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*outflow.Event, len(s.published))
	copy(out, s.published)
	return out
}

func newTestBus(t *testing.T, opts ...Option) (*Bus, *stubOutbox) {
	t.Helper()
	ox := &stubOutbox{}
	b := New(ox, opts...)
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return b, ox
}

func TestOnRejectsDuplicate(t *testing.T) {
	b, _ := newTestBus(t)

	h := func(ctx context.Context, ev *outflow.Event) error { return nil }
	if err := b.On("user.created", h); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	err := b.On("user.created", h)
	if !errors.Is(err, outflow.ErrDuplicateListener) {
		t.Fatalf("expected duplicate-listener error, got %v", err)
	}
	if b.ListenerCount("user.created") != 1 {
		t.Error("failed registration must not disturb the original")
	}
}

func TestOnceDeregistersBeforeRunning(t *testing.T) {
	b, ox := newTestBus(t)

	var calls atomic.Int32
	b.Once("ping", func(ctx context.Context, ev *outflow.Event) error {
		calls.Add(1)
		// The handler is already gone while it runs.
		if n := b.ListenerCount("ping"); n != 0 {
			t.Errorf("expected 0 listeners during once-handler, got %d", n)
		}
		return nil
	})

	ox.deliver(&outflow.Event{ID: "1", Type: "ping"})
	ox.deliver(&outflow.Event{ID: "2", Type: "ping"})

	if calls.Load() != 1 {
		t.Errorf("once-handler ran %d times", calls.Load())
	}
}

func TestOffMatchesOriginalOfOnce(t *testing.T) {
	b, ox := newTestBus(t)

	var calls atomic.Int32
	h := func(ctx context.Context, ev *outflow.Event) error {
		calls.Add(1)
		return nil
	}
	b.Once("ping", h)
	b.Off("ping", h)

	ox.deliver(&outflow.Event{ID: "1", Type: "ping"})
	if calls.Load() != 0 {
		t.Error("Off with the original function must remove a once-registration")
	}
}

func TestOffIgnoresDifferentHandler(t *testing.T) {
	b, _ := newTestBus(t)

	b.On("ping", func(ctx context.Context, ev *outflow.Event) error { return nil })
	b.Off("ping", func(ctx context.Context, ev *outflow.Event) error { return nil })

	if b.ListenerCount("ping") != 1 {
		t.Error("Off with an unrelated function must be a no-op")
	}
}

func TestSubscribeAllOrNothing(t *testing.T) {
	b, _ := newTestBus(t)

	h := func(ctx context.Context, ev *outflow.Event) error { return nil }
	b.On("b", h)

	err := b.Subscribe([]string{"a", "b", "c"}, h)
	if !errors.Is(err, outflow.ErrDuplicateListener) {
		t.Fatalf("expected duplicate-listener error, got %v", err)
	}
	if b.ListenerCount("a") != 0 || b.ListenerCount("c") != 0 {
		t.Error("a failed Subscribe must register nothing")
	}

	if err := b.Subscribe([]string{"a", "c"}, h); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if got := b.SubscriptionCount(); got != 3 {
		t.Errorf("expected 3 registrations, got %d", got)
	}

	names := b.EventNames()
	want := []string{"a", "b", "c"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("EventNames = %v, want %v", names, want)
		}
	}
}

func TestRemoveAllListeners(t *testing.T) {
	b, _ := newTestBus(t)

	h := func(ctx context.Context, ev *outflow.Event) error { return nil }
	b.On("a", h)
	b.On("b", h)
	b.On("c", h)

	b.RemoveAllListeners("a", "b")
	if b.SubscriptionCount() != 1 {
		t.Fatalf("expected 1 registration left, got %d", b.SubscriptionCount())
	}
	b.RemoveAllListeners()
	if b.SubscriptionCount() != 0 {
		t.Error("RemoveAllListeners() must clear everything")
	}
}

func TestEmitFillsDefaults(t *testing.T) {
	b, ox := newTestBus(t)

	ev := &outflow.Event{Type: "t"}
	if err := b.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	got := ox.publishedEvents()
	if len(got) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(got))
	}
	if got[0].ID == "" {
		t.Error("expected a generated id")
	}
	if got[0].OccurredAt.IsZero() {
		t.Error("expected occurredAt to be filled")
	}
}

func TestEmitManyEmptyIsNoOp(t *testing.T) {
	b, ox := newTestBus(t)
	if err := b.EmitMany(context.Background(), nil); err != nil {
		t.Fatalf("empty EmitMany failed: %v", err)
	}
	if len(ox.publishedEvents()) != 0 {
		t.Error("empty emit must publish nothing")
	}
}

func TestEmitPropagatesTx(t *testing.T) {
	ox := &stubOutbox{}
	type fakeTx struct{ name string }
	tx := &fakeTx{name: "tx1"}

	var sawPublishTx any
	ox.publishFunc = func(ctx context.Context, events []*outflow.Event, got any) error {
		sawPublishTx = got
		return nil
	}

	b := New(ox)
	var sawMWTx any
	b.AddEmitMiddleware(func(c *Context, next func() error) error {
		sawMWTx = c.Tx
		return next()
	})

	if err := b.Emit(context.Background(), &outflow.Event{Type: "t"}, WithTx(tx)); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if sawMWTx != tx {
		t.Error("emit middleware did not see the transaction")
	}
	if sawPublishTx != tx {
		t.Error("adapter did not receive the transaction")
	}
}

func TestEmitMiddlewareOnionOrder(t *testing.T) {
	b, ox := newTestBus(t)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	b.AddEmitMiddleware(func(c *Context, next func() error) error {
		record("a:in")
		err := next()
		record("a:out")
		return err
	})
	b.AddEmitMiddleware(func(c *Context, next func() error) error {
		record("b:in")
		err := next()
		record("b:out")
		return err
	})

	if err := b.Emit(context.Background(), &outflow.Event{Type: "t"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	want := []string{"a:in", "b:in", "b:out", "a:out"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if len(ox.publishedEvents()) != 1 {
		t.Error("event should have been published")
	}
}

func TestEmitMiddlewareDropSuppressesPublish(t *testing.T) {
	b, ox := newTestBus(t)

	b.AddEmitMiddleware(func(c *Context, next func() error) error {
		if c.Event.Type == "internal" {
			c.Drop()
		}
		return nil
	})

	if err := b.Emit(context.Background(), &outflow.Event{Type: "internal"}); err != nil {
		t.Fatalf("dropped emit must still succeed: %v", err)
	}
	if len(ox.publishedEvents()) != 0 {
		t.Error("dropped event must not be published")
	}
}

func TestEmitMiddlewareSkippingNextDrops(t *testing.T) {
	b, ox := newTestBus(t)

	b.AddEmitMiddleware(func(c *Context, next func() error) error {
		// Completing without calling next is an implicit drop.
		return nil
	})

	if err := b.Emit(context.Background(), &outflow.Event{Type: "t"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if len(ox.publishedEvents()) != 0 {
		t.Error("skipping next must drop the event")
	}
}

func TestMiddlewareDoubleNextIsOperationalError(t *testing.T) {
	b, _ := newTestBus(t)

	b.AddEmitMiddleware(func(c *Context, next func() error) error {
		next()
		next()
		// Swallowing the second call's error must not hide the violation.
		return nil
	})

	err := b.Emit(context.Background(), &outflow.Event{Type: "t"})
	if !errors.Is(err, outflow.ErrOperational) {
		t.Fatalf("expected operational error for double next, got %v", err)
	}
}

func TestEmitMiddlewareErrorSurfacesToCaller(t *testing.T) {
	b, ox := newTestBus(t)

	boom := errors.New("validation failed")
	b.AddEmitMiddleware(func(c *Context, next func() error) error {
		return boom
	})

	err := b.Emit(context.Background(), &outflow.Event{Type: "t"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected middleware error, got %v", err)
	}
	if len(ox.publishedEvents()) != 0 {
		t.Error("failed emit must not publish")
	}
}

func TestEmitSnapshotExcludesLaterRegistrations(t *testing.T) {
	ox := &stubOutbox{}
	b := New(ox)

	var lateRan atomic.Bool
	release := make(chan struct{})
	var releaseOnce sync.Once

	b.AddEmitMiddleware(func(c *Context, next func() error) error {
		// Register another middleware while the pipeline runs. The current
		// emit must not see it.
		b.AddEmitMiddleware(func(c *Context, next func() error) error {
			lateRan.Store(true)
			return next()
		})
		releaseOnce.Do(func() { close(release) })
		return next()
	})

	if err := b.Emit(context.Background(), &outflow.Event{Type: "t"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	<-release
	if lateRan.Load() {
		t.Error("middleware registered mid-flight ran in the same emit")
	}

	if err := b.Emit(context.Background(), &outflow.Event{Type: "t"}); err != nil {
		t.Fatalf("second Emit failed: %v", err)
	}
	if !lateRan.Load() {
		t.Error("middleware registered earlier must run on the next emit")
	}
}

func TestHandlerMiddlewareRewritesType(t *testing.T) {
	b, ox := newTestBus(t)

	var handled atomic.Int32
	b.On("v2.user.created", func(ctx context.Context, ev *outflow.Event) error {
		handled.Add(1)
		return nil
	})

	b.Use(func(c *Context, next func() error) error {
		if c.Phase != PhaseHandle {
			t.Errorf("expected handle phase, got %s", c.Phase)
		}
		c.Event.Type = "v2." + c.Event.Type
		return next()
	})

	if err := ox.deliver(&outflow.Event{ID: "1", Type: "user.created"}); err != nil {
		t.Fatalf("delivery failed: %v", err)
	}
	if handled.Load() != 1 {
		t.Error("dispatch must use the rewritten type")
	}
}

func TestHandlerMiddlewareDropSettlesAsSuccess(t *testing.T) {
	b, ox := newTestBus(t)

	var handled atomic.Int32
	b.On("t", func(ctx context.Context, ev *outflow.Event) error {
		handled.Add(1)
		return nil
	})
	b.Use(func(c *Context, next func() error) error {
		c.Drop()
		return nil
	})

	if err := ox.deliver(&outflow.Event{ID: "1", Type: "t"}); err != nil {
		t.Fatalf("dropped delivery must settle clean: %v", err)
	}
	if handled.Load() != 0 {
		t.Error("dropped delivery must not reach the handler")
	}
}

func TestMissingHandlerIsNotAnError(t *testing.T) {
	_, ox := newTestBus(t)

	if err := ox.deliver(&outflow.Event{ID: "1", Type: "nobody.listens"}); err != nil {
		t.Fatalf("unhandled event must settle clean, got %v", err)
	}
}

func TestHandlerErrorPropagatesToAdapter(t *testing.T) {
	b, ox := newTestBus(t)

	boom := errors.New("db down")
	b.On("t", func(ctx context.Context, ev *outflow.Event) error { return boom })

	err := ox.deliver(&outflow.Event{ID: "1", Type: "t"})
	if !errors.Is(err, boom) {
		t.Fatalf("handler error must reach the adapter, got %v", err)
	}
}

func TestWaitForResolvesOnDelivery(t *testing.T) {
	b, ox := newTestBus(t)

	done := make(chan struct{})
	var got *outflow.Event
	var waitErr error
	go func() {
		got, waitErr = b.WaitForTimeout(context.Background(), "t", time.Second)
		close(done)
	}()

	// Give the waiter time to register.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.RLock()
		n := len(b.waiters["t"])
		b.mu.RUnlock()
		if n == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	ox.deliver(&outflow.Event{ID: "42", Type: "t"})
	<-done

	if waitErr != nil {
		t.Fatalf("WaitFor failed: %v", waitErr)
	}
	if got == nil || got.ID != "42" {
		t.Fatalf("expected event 42, got %+v", got)
	}

	b.mu.RLock()
	leftover := len(b.waiters)
	b.mu.RUnlock()
	if leftover != 0 {
		t.Error("waiter registry must be empty after resolution")
	}
}

func TestWaitForTimesOut(t *testing.T) {
	b, _ := newTestBus(t)

	_, err := b.WaitForTimeout(context.Background(), "never", 20*time.Millisecond)
	if !errors.Is(err, outflow.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}

	b.mu.RLock()
	leftover := len(b.waiters)
	b.mu.RUnlock()
	if leftover != 0 {
		t.Error("waiter registry must be empty after timeout")
	}
}

func TestWaitForZeroTimeoutFailsImmediately(t *testing.T) {
	b, _ := newTestBus(t)

	start := time.Now()
	_, err := b.WaitForTimeout(context.Background(), "t", 0)
	if !errors.Is(err, outflow.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("zero timeout must fail without waiting")
	}
}

func TestWaitForHonorsContextCancel(t *testing.T) {
	b, _ := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.WaitForTimeout(ctx, "t", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestCapabilitiesWithoutSupport(t *testing.T) {
	b, _ := newTestBus(t) // stubOutbox has no DLQ capabilities

	_, err := b.FailedEvents(context.Background())
	if !errors.Is(err, outflow.ErrUnsupportedOperation) {
		t.Fatalf("expected unsupported-operation error, got %v", err)
	}
	err = b.RetryEvents(context.Background(), []string{"x"})
	if !errors.Is(err, outflow.ErrUnsupportedOperation) {
		t.Fatalf("expected unsupported-operation error, got %v", err)
	}
}

func TestEndToEndWithMemoryAdapter(t *testing.T) {
	m := outbox.NewMemory(&outbox.Config{
		BatchSize:       10,
		PollInterval:    10 * time.Millisecond,
		MaxRetries:      2,
		BaseBackoff:     10 * time.Millisecond,
		MaxErrorBackoff: 100 * time.Millisecond,
	})
	b := New(m)

	var attempts atomic.Int32
	b.On("order.placed", func(ctx context.Context, ev *outflow.Event) error {
		if attempts.Add(1) < 3 {
			return errors.New("warehouse offline")
		}
		return nil
	})

	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	if err := b.Emit(context.Background(), &outflow.Event{Type: "order.placed"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for attempts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts through retries, got %d", got)
	}

	failed, err := b.FailedEvents(context.Background())
	if err != nil {
		t.Fatalf("FailedEvents failed: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("recovered event must not dead-letter, got %d", len(failed))
	}
}
