package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	outflow "go.outflow.dev"
	"go.outflow.dev/internal/metrics"
	"go.outflow.dev/internal/tsid"
)

// Redis is the Redis adapter. Records live as JSON strings under per-id
// keys; eligibility is encoded in two sorted sets scored by unix
// milliseconds: "pending" (score = earliest claim instant) and "processing"
// (score = keep-alive deadline). A Lua script moves due ids between the
// sets atomically, so concurrent workers never claim the same record.
// Completed records are deleted outright; dead letters collect in a third
// sorted set scored by occurredAt.
type Redis struct {
	client redis.UniversalClient
	cfg    *Config
	prefix string
	worker string
	poller *Poller

	handler Handler
	sink    ErrorSink
}

var _ Outbox = (*Redis)(nil)
var _ FailedEventSource = (*Redis)(nil)
var _ Retryer = (*Redis)(nil)

// claimScript recovers stuck ids, then pops due pending ids into the
// processing set under the new keep-alive deadline.
//
// KEYS[1] pending zset, KEYS[2] processing zset
// ARGV[1] now (unix ms), ARGV[2] deadline (unix ms), ARGV[3] limit
// Returns {claimed ids..., recovered count} with the count last.
var claimScript = redis.NewScript(`
	local stuck = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
	for _, id in ipairs(stuck) do
		redis.call('ZREM', KEYS[2], id)
		redis.call('ZADD', KEYS[1], ARGV[1], id)
	end
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
	for _, id in ipairs(ids) do
		redis.call('ZREM', KEYS[1], id)
		redis.call('ZADD', KEYS[2], ARGV[2], id)
	end
	table.insert(ids, tostring(#stuck))
	return ids
`)

// NewRedis creates a Redis outbox under the "outflow:outbox:" key prefix.
func NewRedis(client redis.UniversalClient, cfg *Config) *Redis {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()

	r := &Redis{
		client: client,
		cfg:    cfg,
		prefix: "outflow:outbox:",
		worker: "redis-" + tsid.Generate(),
	}
	r.poller = NewPoller(PollerConfig{
		Name:            "redis",
		PollInterval:    cfg.PollInterval,
		BaseBackoff:     cfg.BaseBackoff,
		MaxErrorBackoff: cfg.MaxErrorBackoff,
	}, r.processBatch)
	return r
}

// Gate installs a claim gate, typically leader election.
func (r *Redis) Gate(gate func() bool) {
	r.poller.WithGate(gate)
}

func (r *Redis) pendingKey() string    { return r.prefix + "pending" }
func (r *Redis) processingKey() string { return r.prefix + "processing" }
func (r *Redis) deadKey() string       { return r.prefix + "dead" }
func (r *Redis) recordKey(id string) string {
	return r.prefix + "ev:" + id
}

// Publish stores each record with SETNX for idempotency and enqueues its id
// in the pending set. A redis.Pipeliner passed as tx queues the commands on
// the caller's pipeline instead of executing directly, so the enqueue
// becomes visible atomically with the caller's own writes.
func (r *Redis) Publish(ctx context.Context, events []*outflow.Event, tx any) error {
	if len(events) == 0 {
		return nil
	}

	expire := int(r.cfg.ProcessingTimeout.Seconds())

	if resolved := r.cfg.ambient(tx); resolved != nil {
		pipe, ok := resolved.(redis.Pipeliner)
		if !ok {
			return outflow.NewOperational(
				fmt.Sprintf("unsupported transaction type %T for the redis adapter", resolved), nil)
		}
		for _, ev := range events {
			if err := r.queuePublish(ctx, pipe, ev, expire); err != nil {
				return err
			}
		}
		return nil
	}

	pipe := r.client.TxPipeline()
	for _, ev := range events {
		if err := r.queuePublish(ctx, pipe, ev, expire); err != nil {
			return err
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	metrics.OutboxEventsPublished.WithLabelValues("redis").Add(float64(len(events)))
	return nil
}

func (r *Redis) queuePublish(ctx context.Context, pipe redis.Pipeliner, ev *outflow.Event, expire int) error {
	rec := NewRecord(ev, expire)
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", ev.ID, err)
	}

	// ZADD NX keeps the original score when the id is already enqueued, so
	// a duplicate publish never resurrects or reschedules a record.
	pipe.SetNX(ctx, r.recordKey(ev.ID), data, 0)
	pipe.ZAddNX(ctx, r.pendingKey(), redis.Z{
		Score:  float64(rec.OccurredAt.UnixMilli()),
		Member: ev.ID,
	})
	return nil
}

func (r *Redis) Start(handler Handler, onError ErrorSink) error {
	r.handler = handler
	r.sink = onError
	r.poller.OnError(func(err error) {
		if r.sink != nil {
			r.sink(err, nil)
		}
	})
	r.poller.Start()
	return nil
}

func (r *Redis) Stop() error {
	r.poller.Stop()
	return nil
}

func (r *Redis) processBatch(ctx context.Context) error {
	records, err := r.claim(ctx)
	if err != nil {
		return fmt.Errorf("claiming batch: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	metrics.OutboxClaimedBatchSize.WithLabelValues("redis").Observe(float64(len(records)))

	stopHeartbeat := r.startHeartbeat(ctx, records)
	defer stopHeartbeat()

	for _, rec := range records {
		if err := r.deliver(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) deliver(ctx context.Context, rec *Record) error {
	handlerCtx := ctx
	if r.cfg.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, r.cfg.ProcessingTimeout)
		defer cancel()
	}

	if err := r.handler(handlerCtx, rec.Event()); err != nil {
		return r.settleFailed(ctx, rec, err)
	}
	return r.settleCompleted(ctx, rec)
}

func (r *Redis) claim(ctx context.Context) ([]*Record, error) {
	now := time.Now().UTC()
	deadline := now.Add(r.cfg.ProcessingTimeout)

	raw, err := claimScript.Run(ctx, r.client,
		[]string{r.pendingKey(), r.processingKey()},
		now.UnixMilli(), deadline.UnixMilli(), r.cfg.BatchSize).StringSlice()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	// The script appends the recovered-stuck count as the last element.
	ids := raw[:len(raw)-1]
	recovered, _ := strconv.Atoi(raw[len(raw)-1])
	if recovered > 0 {
		metrics.OutboxStuckRecovered.WithLabelValues("redis").Add(float64(recovered))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var records []*Record
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			// Orphaned id without a record key; drop it from processing.
			r.client.ZRem(ctx, r.processingKey(), ids[i])
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decoding record %s: %w", ids[i], err)
		}
		rec.Status = StatusActive
		rec.ClaimedBy = r.worker
		rec.KeepAlive = now
		records = append(records, &rec)
	}
	return records, nil
}

// startHeartbeat pushes the processing deadlines forward at a third of the
// expiry window.
func (r *Redis) startHeartbeat(ctx context.Context, records []*Record) func() {
	interval := r.cfg.ProcessingTimeout / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				deadline := float64(time.Now().UTC().Add(r.cfg.ProcessingTimeout).UnixMilli())
				members := make([]redis.Z, len(records))
				for i, rec := range records {
					members[i] = redis.Z{Score: deadline, Member: rec.ID}
				}
				// ZADD XX refreshes only ids still held in processing.
				if err := r.client.ZAddXX(hbCtx, r.processingKey(), members...).Err(); err != nil {
					if r.sink != nil {
						r.sink(outflow.NewOperational("refreshing keep-alive", err), nil)
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// settleCompleted drops the record: Redis keeps no archive, completion is
// deletion.
func (r *Redis) settleCompleted(ctx context.Context, rec *Record) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.processingKey(), rec.ID)
	pipe.Del(ctx, r.recordKey(rec.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("settling record %s: %w", rec.ID, err)
	}
	metrics.OutboxEventsSettled.WithLabelValues("redis", "completed").Inc()
	return nil
}

func (r *Redis) settleFailed(ctx context.Context, rec *Record, cause error) error {
	count := rec.RetryCount + 1
	terminal := count > r.cfg.MaxRetries

	rec.Status = StatusFailed
	rec.RetryCount = count
	rec.LastError = cause.Error()
	rec.KeepAlive = time.Now().UTC()
	rec.ClaimedBy = ""
	if terminal {
		rec.NextRetryAt = time.Time{}
	} else {
		rec.NextRetryAt = time.Now().UTC().Add(r.cfg.retryStrategy().Backoff(count))
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(rec.ID), data, 0)
	pipe.ZRem(ctx, r.processingKey(), rec.ID)
	if terminal {
		pipe.ZAdd(ctx, r.deadKey(), redis.Z{
			Score:  float64(rec.OccurredAt.UnixMilli()),
			Member: rec.ID,
		})
	} else {
		pipe.ZAdd(ctx, r.pendingKey(), redis.Z{
			Score:  float64(rec.NextRetryAt.UnixMilli()),
			Member: rec.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("settling failed record %s: %w", rec.ID, err)
	}

	ev := rec.Event()
	if terminal {
		metrics.OutboxEventsSettled.WithLabelValues("redis", "dead_letter").Inc()
		if r.sink != nil {
			r.sink(outflow.NewMaxRetriesExceeded(cause, ev, count), ev)
		}
	} else {
		metrics.OutboxEventsSettled.WithLabelValues("redis", "retried").Inc()
		if r.sink != nil {
			r.sink(outflow.NewHandlerError(cause, ev), ev)
		}
	}
	return nil
}

func (r *Redis) FailedEvents(ctx context.Context, limit int) ([]*outflow.FailedEvent, error) {
	if limit <= 0 || limit > FailedEventsDefaultLimit {
		limit = FailedEventsDefaultLimit
	}

	ids, err := r.client.ZRevRange(ctx, r.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading dead letters: %w", err)
	}

	var out []*outflow.FailedEvent
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decoding dead letter %s: %w", ids[i], err)
		}
		out = append(out, rec.FailedEvent())
	}
	return out, nil
}

func (r *Redis) RetryEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, r.deadKey(), id).Result()
		if err != nil {
			return fmt.Errorf("resetting record %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}

		data, err := r.client.Get(ctx, r.recordKey(id)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("loading record %s: %w", id, err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return fmt.Errorf("decoding record %s: %w", id, err)
		}

		rec.Status = StatusCreated
		rec.RetryCount = 0
		rec.LastError = ""
		rec.NextRetryAt = time.Time{}
		rec.ClaimedBy = ""

		encoded, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encoding record %s: %w", id, err)
		}
		pipe := r.client.TxPipeline()
		pipe.Set(ctx, r.recordKey(id), encoded, 0)
		pipe.ZAdd(ctx, r.pendingKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("resetting record %s: %w", id, err)
		}
	}
	return nil
}
