package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	outflow "go.outflow.dev"
)

func memoryConfig(maxRetries int) *Config {
	return &Config{
		BatchSize:       50,
		PollInterval:    10 * time.Millisecond,
		MaxRetries:      maxRetries,
		BaseBackoff:     10 * time.Millisecond,
		MaxErrorBackoff: 100 * time.Millisecond,
	}
}

func TestMemoryHappyPath(t *testing.T) {
	m := NewMemory(memoryConfig(5))

	var mu sync.Mutex
	var got []*outflow.Event

	err := m.Start(func(ctx context.Context, ev *outflow.Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	}, func(err error, ev *outflow.Event) {
		t.Errorf("unexpected sink error: %v", err)
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	ev := &outflow.Event{
		ID:         "1",
		Type:       "user.created",
		Payload:    json.RawMessage(`{"email":"a@b"}`),
		OccurredAt: time.Now().UTC(),
	}
	if err := m.Publish(context.Background(), []*outflow.Event{ev}, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(got))
	}
	if got[0].ID != "1" || got[0].Type != "user.created" {
		t.Errorf("delivered event mismatch: %+v", got[0])
	}
	if m.Pending() != 0 {
		t.Errorf("expected empty working set, %d pending", m.Pending())
	}
}

func TestMemoryRetryThenSuccess(t *testing.T) {
	m := NewMemory(memoryConfig(5))

	var attempts atomic.Int32
	var handlerErrs atomic.Int32

	m.Start(func(ctx context.Context, ev *outflow.Event) error {
		if attempts.Add(1) <= 2 {
			return errors.New("transient")
		}
		return nil
	}, func(err error, ev *outflow.Event) {
		if errors.Is(err, outflow.ErrHandler) {
			handlerErrs.Add(1)
		}
	})
	defer m.Stop()

	m.Publish(context.Background(), []*outflow.Event{outflow.NewEvent("t", nil)}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for attempts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if got := handlerErrs.Load(); got != 2 {
		t.Errorf("expected 2 handler errors at the sink, got %d", got)
	}
}

func TestMemoryRetryExhaustion(t *testing.T) {
	m := NewMemory(memoryConfig(2))

	var attempts atomic.Int32
	var mu sync.Mutex
	var sinkErrs []error

	m.Start(func(ctx context.Context, ev *outflow.Event) error {
		attempts.Add(1)
		return errors.New("always fails")
	}, func(err error, ev *outflow.Event) {
		mu.Lock()
		sinkErrs = append(sinkErrs, err)
		mu.Unlock()
	})
	defer m.Stop()

	ev := outflow.NewEvent("t", nil)
	m.Publish(context.Background(), []*outflow.Event{ev}, nil)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(sinkErrs)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := attempts.Load(); got != 3 {
		t.Fatalf("maxRetries=2 must give 3 attempts, got %d", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sinkErrs) != 3 {
		t.Fatalf("expected 3 sink errors, got %d", len(sinkErrs))
	}
	for _, err := range sinkErrs[:2] {
		if !errors.Is(err, outflow.ErrHandler) {
			t.Errorf("expected handler error while retries remain, got %v", err)
		}
	}
	last := sinkErrs[2]
	if !errors.Is(last, outflow.ErrMaxRetriesExceeded) {
		t.Fatalf("final sink error must be max-retries, got %v", last)
	}
	var oe *outflow.Error
	if errors.As(last, &oe) && oe.Retries != 3 {
		t.Errorf("expected retry count 3 on final error, got %d", oe.Retries)
	}

	failed, err := m.FailedEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("FailedEvents failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != ev.ID {
		t.Fatalf("expected the event in the dead-letter list, got %+v", failed)
	}
	if failed[0].RetryCount != 3 {
		t.Errorf("expected terminal retryCount 3, got %d", failed[0].RetryCount)
	}
}

func TestMemoryManualRetry(t *testing.T) {
	m := NewMemory(memoryConfig(1))

	var succeedNow atomic.Bool
	var delivered atomic.Int32

	m.Start(func(ctx context.Context, ev *outflow.Event) error {
		if succeedNow.Load() {
			delivered.Add(1)
			return nil
		}
		return errors.New("down")
	}, func(err error, ev *outflow.Event) {})
	defer m.Stop()

	ev := outflow.NewEvent("t", nil)
	m.Publish(context.Background(), []*outflow.Event{ev}, nil)

	// Let it exhaust retries into the DLQ.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		failed, _ := m.FailedEvents(context.Background(), 10)
		if len(failed) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	succeedNow.Store(true)
	if err := m.RetryEvents(context.Background(), []string{ev.ID}); err != nil {
		t.Fatalf("RetryEvents failed: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if delivered.Load() != 1 {
		t.Fatal("manually retried event was not redelivered")
	}

	failed, _ := m.FailedEvents(context.Background(), 10)
	if len(failed) != 0 {
		t.Errorf("dead-letter list should be empty after retry, got %d", len(failed))
	}
}

func TestMemoryPublishIdempotentOnID(t *testing.T) {
	m := NewMemory(memoryConfig(5))

	ev := outflow.NewEvent("t", nil)
	m.Publish(context.Background(), []*outflow.Event{ev}, nil)
	m.Publish(context.Background(), []*outflow.Event{ev}, nil)

	if m.Pending() != 1 {
		t.Errorf("duplicate publish must be a no-op, %d pending", m.Pending())
	}
}

func TestMemoryPublishEmptyIsNoOp(t *testing.T) {
	m := NewMemory(memoryConfig(5))
	if err := m.Publish(context.Background(), nil, nil); err != nil {
		t.Errorf("empty publish must succeed: %v", err)
	}
	if m.Pending() != 0 {
		t.Errorf("expected empty queue")
	}
}

func TestMemoryFailedEventsNewestFirst(t *testing.T) {
	m := NewMemory(memoryConfig(0))

	m.Start(func(ctx context.Context, ev *outflow.Event) error {
		return errors.New("no")
	}, func(err error, ev *outflow.Event) {})
	defer m.Stop()

	older := &outflow.Event{ID: "old", Type: "t", OccurredAt: time.Now().Add(-time.Hour)}
	newer := &outflow.Event{ID: "new", Type: "t", OccurredAt: time.Now()}
	m.Publish(context.Background(), []*outflow.Event{older, newer}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		failed, _ := m.FailedEvents(context.Background(), 10)
		if len(failed) == 2 {
			if failed[0].ID != "new" || failed[1].ID != "old" {
				t.Fatalf("expected newest-first ordering, got %s then %s", failed[0].ID, failed[1].ID)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("both events should have dead-lettered")
}

func TestMemoryStopIsRepeatable(t *testing.T) {
	m := NewMemory(memoryConfig(5))
	m.Start(func(ctx context.Context, ev *outflow.Event) error { return nil },
		func(err error, ev *outflow.Event) {})

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("repeated Stop failed: %v", err)
	}
}
