package leader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"go.outflow.dev/internal/metrics"
)

// RedisElector contends for a Redis lock with the SET NX EX pattern:
//
//	SET lockName instanceId NX EX ttlSeconds
//
// The holder refreshes the lock periodically; refresh and release run as
// Lua scripts so only the owner can extend or delete the lock.
type RedisElector struct {
	client  redis.UniversalClient
	cfg     *Config
	primary atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onBecomeLeader   func()
	onLoseLeadership func()
}

var _ Elector = (*RedisElector)(nil)

var refreshScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("expire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// NewRedisElector creates an elector contending for cfg.LockName.
func NewRedisElector(client redis.UniversalClient, cfg *Config) *RedisElector {
	if cfg == nil {
		cfg = DefaultConfig("outflow-leader")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisElector{
		client: client,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnBecomeLeader sets a callback invoked on acquiring leadership.
func (e *RedisElector) OnBecomeLeader(fn func()) {
	e.onBecomeLeader = fn
}

// OnLoseLeadership sets a callback invoked on losing leadership.
func (e *RedisElector) OnLoseLeadership(fn func()) {
	e.onLoseLeadership = fn
}

func (e *RedisElector) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.electionLoop()

	slog.Info("Leader election started",
		"instanceId", e.cfg.InstanceID,
		"lockName", e.cfg.LockName,
		"ttl", e.cfg.TTL,
		"refreshInterval", e.cfg.RefreshInterval)
	return nil
}

func (e *RedisElector) Stop() {
	e.cancel()
	e.wg.Wait()

	if e.primary.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Release(ctx)
	}
	slog.Info("Leader election stopped", "instanceId", e.cfg.InstanceID)
}

func (e *RedisElector) IsPrimary() bool {
	return e.primary.Load()
}

func (e *RedisElector) InstanceID() string {
	return e.cfg.InstanceID
}

func (e *RedisElector) electionLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	e.tryAcquireOrRefresh()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tryAcquireOrRefresh()
		}
	}
}

func (e *RedisElector) tryAcquireOrRefresh() {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	wasPrimary := e.primary.Load()

	if wasPrimary {
		if e.refresh(ctx) {
			return
		}
		e.primary.Store(false)
		metrics.LeaderState.Set(0)
		slog.Warn("Lost leadership, refresh failed",
			"instanceId", e.cfg.InstanceID, "lockName", e.cfg.LockName)
		if e.onLoseLeadership != nil {
			e.onLoseLeadership()
		}
	}

	if e.tryAcquire(ctx) {
		if !wasPrimary {
			slog.Info("Acquired leadership",
				"instanceId", e.cfg.InstanceID, "lockName", e.cfg.LockName)
			if e.onBecomeLeader != nil {
				e.onBecomeLeader()
			}
		}
		e.primary.Store(true)
		metrics.LeaderState.Set(1)
	}
}

func (e *RedisElector) tryAcquire(ctx context.Context) bool {
	acquired, err := e.client.SetNX(ctx, e.cfg.LockName, e.cfg.InstanceID, e.cfg.TTL).Result()
	if err != nil {
		slog.Error("Failed to acquire leader lock", "error", err, "lockName", e.cfg.LockName)
		return false
	}
	if acquired {
		return true
	}

	// The lock exists; it may be our own from before a restart.
	owner, err := e.client.Get(ctx, e.cfg.LockName).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Error("Failed to check lock owner", "error", err)
		}
		return false
	}
	if owner == e.cfg.InstanceID {
		return e.refresh(ctx)
	}
	return false
}

func (e *RedisElector) refresh(ctx context.Context) bool {
	ttlSeconds := int(e.cfg.TTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := refreshScript.Run(ctx, e.client,
		[]string{e.cfg.LockName}, e.cfg.InstanceID, ttlSeconds).Int()
	if err != nil {
		slog.Error("Failed to refresh leader lock", "error", err, "lockName", e.cfg.LockName)
		return false
	}
	return result > 0
}

// Release deletes the lock when this instance owns it.
func (e *RedisElector) Release(ctx context.Context) {
	result, err := releaseScript.Run(ctx, e.client,
		[]string{e.cfg.LockName}, e.cfg.InstanceID).Int()
	if err != nil {
		slog.Error("Failed to release leader lock", "error", err, "lockName", e.cfg.LockName)
		return
	}
	if result > 0 {
		slog.Info("Released leader lock",
			"instanceId", e.cfg.InstanceID, "lockName", e.cfg.LockName)
	}
	e.primary.Store(false)
	metrics.LeaderState.Set(0)
}

// CurrentLeader returns the instance id holding the lock, empty when no
// leader is elected.
func (e *RedisElector) CurrentLeader(ctx context.Context) (string, error) {
	owner, err := e.client.Get(ctx, e.cfg.LockName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}
