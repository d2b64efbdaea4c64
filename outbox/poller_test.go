package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	outflow "go.outflow.dev"
)

func TestPollerTicks(t *testing.T) {
	var ticks atomic.Int32

	p := NewPoller(PollerConfig{
		Name:         "test",
		PollInterval: 10 * time.Millisecond,
	}, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	})

	p.Start()
	time.Sleep(100 * time.Millisecond)
	p.Stop()

	if got := ticks.Load(); got < 3 {
		t.Errorf("expected at least 3 ticks, got %d", got)
	}
}

func TestPollerErrorBackoff(t *testing.T) {
	var mu sync.Mutex
	var tickTimes []time.Time

	p := NewPoller(PollerConfig{
		Name:            "test",
		PollInterval:    5 * time.Millisecond,
		BaseBackoff:     40 * time.Millisecond,
		MaxErrorBackoff: 500 * time.Millisecond,
	}, func(ctx context.Context) error {
		mu.Lock()
		tickTimes = append(tickTimes, time.Now())
		mu.Unlock()
		return errors.New("always fails")
	})

	var sinkErrs atomic.Int32
	p.OnError(func(err error) {
		sinkErrs.Add(1)
		if !errors.Is(err, outflow.ErrOperational) {
			t.Errorf("expected operational wrapping, got %v", err)
		}
	})

	p.Start()
	time.Sleep(200 * time.Millisecond)
	p.Stop()

	mu.Lock()
	defer mu.Unlock()

	if len(tickTimes) < 3 {
		t.Fatalf("expected at least 3 failing ticks, got %d", len(tickTimes))
	}
	if sinkErrs.Load() == 0 {
		t.Error("expected errors routed to the sink")
	}

	// Second gap should exceed the first: exponential growth (jitter is
	// +/-10%, spacing 40ms vs 80ms stays distinguishable).
	first := tickTimes[1].Sub(tickTimes[0])
	second := tickTimes[2].Sub(tickTimes[1])
	if first < 30*time.Millisecond {
		t.Errorf("first backoff %v shorter than base", first)
	}
	if second <= first {
		t.Errorf("backoff did not grow: first %v, second %v", first, second)
	}
}

func TestPollerErrorCountResetsOnSuccess(t *testing.T) {
	var calls atomic.Int32

	p := NewPoller(PollerConfig{
		Name:            "test",
		PollInterval:    5 * time.Millisecond,
		BaseBackoff:     20 * time.Millisecond,
		MaxErrorBackoff: time.Second,
	}, func(ctx context.Context) error {
		// Fail only the first call; after a success the loop must run at
		// PollInterval cadence again.
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	p.Start()
	time.Sleep(150 * time.Millisecond)
	p.Stop()

	if got := calls.Load(); got < 5 {
		t.Errorf("expected cadence to recover after success, got %d calls", got)
	}
}

func TestPollerMaintenanceFailureAbortsTick(t *testing.T) {
	var processed atomic.Int32
	var maintenanceErrs atomic.Int32

	p := NewPoller(PollerConfig{
		Name:            "test",
		PollInterval:    10 * time.Millisecond,
		BaseBackoff:     10 * time.Millisecond,
		MaxErrorBackoff: 50 * time.Millisecond,
	}, func(ctx context.Context) error {
		processed.Add(1)
		return nil
	})
	p.WithMaintenance(func(ctx context.Context) error {
		return errors.New("index rebuild failed")
	})
	p.OnError(func(err error) {
		if errors.Is(err, outflow.ErrMaintenance) {
			maintenanceErrs.Add(1)
		}
	})

	p.Start()
	time.Sleep(100 * time.Millisecond)
	p.Stop()

	if processed.Load() != 0 {
		t.Errorf("maintenance failure must skip processing, got %d passes", processed.Load())
	}
	if maintenanceErrs.Load() == 0 {
		t.Error("expected maintenance errors at the sink")
	}
}

func TestPollerGateSkipsWithoutError(t *testing.T) {
	var processed atomic.Int32
	var sinkErrs atomic.Int32

	p := NewPoller(PollerConfig{
		Name:         "test",
		PollInterval: 5 * time.Millisecond,
	}, func(ctx context.Context) error {
		processed.Add(1)
		return nil
	})
	p.WithGate(func() bool { return false })
	p.OnError(func(err error) { sinkErrs.Add(1) })

	p.Start()
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	if processed.Load() != 0 {
		t.Errorf("gated poller must not process, got %d", processed.Load())
	}
	if sinkErrs.Load() != 0 {
		t.Errorf("gated ticks are not errors, got %d", sinkErrs.Load())
	}
}

func TestPollerStopAwaitsInFlightTick(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool

	p := NewPoller(PollerConfig{
		Name:         "test",
		PollInterval: time.Hour,
	}, func(ctx context.Context) error {
		<-release
		finished.Store(true)
		return nil
	})

	p.Start()
	time.Sleep(20 * time.Millisecond) // let the first tick begin

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(release)
	}()

	p.Stop()
	if !finished.Load() {
		t.Error("Stop returned before the in-flight tick completed")
	}
}

func TestPollerRestart(t *testing.T) {
	var ticks atomic.Int32

	p := NewPoller(PollerConfig{
		Name:         "test",
		PollInterval: 5 * time.Millisecond,
	}, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	})

	p.Start()
	time.Sleep(30 * time.Millisecond)
	p.Stop()
	p.Stop() // repeated stop is safe

	before := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != before {
		t.Error("poller ticked after Stop")
	}

	p.Start()
	time.Sleep(30 * time.Millisecond)
	p.Stop()

	if ticks.Load() <= before {
		t.Error("poller did not tick after restart")
	}
}
