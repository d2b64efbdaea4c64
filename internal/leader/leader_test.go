package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func testElectorConfig(instanceID string) *Config {
	return &Config{
		InstanceID:      instanceID,
		LockName:        "test-leader",
		TTL:             2 * time.Second,
		RefreshInterval: 50 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestRedisElectorAcquiresLeadership(t *testing.T) {
	mr, client := newTestClient(t)

	e := NewRedisElector(client, testElectorConfig("node-1"))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	waitFor(t, time.Second, e.IsPrimary)

	owner, err := mr.Get("test-leader")
	if err != nil {
		t.Fatalf("reading lock: %v", err)
	}
	if owner != "node-1" {
		t.Errorf("expected node-1 to hold the lock, got %q", owner)
	}
}

func TestRedisElectorExclusivity(t *testing.T) {
	_, client := newTestClient(t)

	e1 := NewRedisElector(client, testElectorConfig("node-1"))
	e2 := NewRedisElector(client, testElectorConfig("node-2"))

	if err := e1.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e1.Stop()
	waitFor(t, time.Second, e1.IsPrimary)

	if err := e2.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e2.Stop()

	// Give the second elector several attempts.
	time.Sleep(200 * time.Millisecond)
	if e2.IsPrimary() {
		t.Fatal("two electors must not both be primary")
	}
	if !e1.IsPrimary() {
		t.Fatal("the holder must keep leadership while refreshing")
	}
}

func TestRedisElectorStopHandsOver(t *testing.T) {
	_, client := newTestClient(t)

	e1 := NewRedisElector(client, testElectorConfig("node-1"))
	e2 := NewRedisElector(client, testElectorConfig("node-2"))

	if err := e1.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, time.Second, e1.IsPrimary)

	if err := e2.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e2.Stop()

	e1.Stop()
	waitFor(t, time.Second, e2.IsPrimary)
}

func TestRedisElectorRefreshKeepsLeadership(t *testing.T) {
	mr, client := newTestClient(t)

	cfg := testElectorConfig("node-1")
	e := NewRedisElector(client, cfg)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()
	waitFor(t, time.Second, e.IsPrimary)

	// Advance past the TTL in steps shorter than the refresh interval's
	// coverage. The refresh loop keeps re-arming the expiry.
	for i := 0; i < 5; i++ {
		time.Sleep(100 * time.Millisecond)
		mr.FastForward(time.Second)
	}
	if !e.IsPrimary() {
		t.Fatal("refreshing holder must keep leadership")
	}
}

func TestRedisElectorTakesOverExpiredLock(t *testing.T) {
	mr, client := newTestClient(t)

	e1 := NewRedisElector(client, testElectorConfig("node-1"))
	if err := e1.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, time.Second, e1.IsPrimary)

	// Simulate the holder dying without releasing.
	e1.cancel()
	e1.wg.Wait()

	e2 := NewRedisElector(client, testElectorConfig("node-2"))
	if err := e2.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e2.Stop()

	mr.FastForward(3 * time.Second)
	waitFor(t, time.Second, e2.IsPrimary)
}

func TestRedisElectorCallbacks(t *testing.T) {
	_, client := newTestClient(t)

	became := make(chan struct{}, 1)
	e := NewRedisElector(client, testElectorConfig("node-1"))
	e.OnBecomeLeader(func() { became <- struct{}{} })

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	select {
	case <-became:
	case <-time.After(time.Second):
		t.Fatal("OnBecomeLeader never fired")
	}
}

func TestRedisElectorCurrentLeader(t *testing.T) {
	_, client := newTestClient(t)

	e := NewRedisElector(client, testElectorConfig("node-1"))

	owner, err := e.CurrentLeader(context.Background())
	if err != nil {
		t.Fatalf("CurrentLeader failed: %v", err)
	}
	if owner != "" {
		t.Errorf("expected no leader before election, got %q", owner)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()
	waitFor(t, time.Second, e.IsPrimary)

	owner, err = e.CurrentLeader(context.Background())
	if err != nil {
		t.Fatalf("CurrentLeader failed: %v", err)
	}
	if owner != "node-1" {
		t.Errorf("expected node-1, got %q", owner)
	}
}

func TestGateReflectsLeadership(t *testing.T) {
	s := NewStandalone()
	gate := Gate(s)
	if !gate() {
		t.Fatal("standalone gate must be open")
	}

	_, client := newTestClient(t)
	e := NewRedisElector(client, testElectorConfig("node-1"))
	gate = Gate(e)
	if gate() {
		t.Fatal("gate must be closed before election")
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()
	waitFor(t, time.Second, gate)
}

func TestDefaultConfigFillsInstanceID(t *testing.T) {
	cfg := DefaultConfig("my-lock")
	if cfg.InstanceID == "" {
		t.Fatal("instance id must not be empty")
	}
	if cfg.LockName != "my-lock" {
		t.Errorf("expected lock name my-lock, got %q", cfg.LockName)
	}
	if cfg.TTL <= cfg.RefreshInterval {
		t.Error("ttl must exceed the refresh interval")
	}
}
