package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	outflow "go.outflow.dev"
	"go.outflow.dev/internal/metrics"
	"go.outflow.dev/internal/tsid"
)

// Mongo is the MongoDB adapter. Claims use a findOneAndUpdate loop: each
// iteration atomically flips one eligible document to active, so concurrent
// workers never share a record even without row locks. Completed documents
// move to an archive collection; a session passed as tx joins the caller's
// multi-document transaction on Publish.
type Mongo struct {
	db      *mongo.Database
	coll    string
	archive string
	cfg     *Config
	worker  string
	poller  *Poller

	handler Handler
	sink    ErrorSink
}

var _ Outbox = (*Mongo)(nil)
var _ FailedEventSource = (*Mongo)(nil)
var _ Retryer = (*Mongo)(nil)

// NewMongo creates a MongoDB outbox over the "outbox_events" and
// "outbox_events_archive" collections.
func NewMongo(db *mongo.Database, cfg *Config) *Mongo {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()

	m := &Mongo{
		db:      db,
		coll:    "outbox_events",
		archive: "outbox_events_archive",
		cfg:     cfg,
		worker:  "mongo-" + tsid.Generate(),
	}
	m.poller = NewPoller(PollerConfig{
		Name:            "mongo",
		PollInterval:    cfg.PollInterval,
		BaseBackoff:     cfg.BaseBackoff,
		MaxErrorBackoff: cfg.MaxErrorBackoff,
	}, m.processBatch)
	return m
}

// Gate installs a claim gate, typically leader election.
func (m *Mongo) Gate(gate func() bool) {
	m.poller.WithGate(gate)
}

// EnsureIndexes creates the claim and dead-letter indexes. Idempotent.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.db.Collection(m.coll).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "nextRetryAt", Value: 1},
				{Key: "occurredAt", Value: 1},
			},
			Options: options.Index().SetName("idx_eligible"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "keepAlive", Value: 1},
			},
			Options: options.Index().
				SetName("idx_stuck").
				SetPartialFilterExpression(bson.M{"status": string(StatusActive)}),
		},
	})
	if err != nil {
		return fmt.Errorf("creating outbox indexes: %w", err)
	}
	return nil
}

// Publish inserts records idempotently: the unordered InsertMany continues
// past duplicate-key errors, which are swallowed as already-published ids.
func (m *Mongo) Publish(ctx context.Context, events []*outflow.Event, tx any) error {
	if len(events) == 0 {
		return nil
	}

	if resolved := m.cfg.ambient(tx); resolved != nil {
		session, ok := resolved.(mongo.SessionContext)
		if !ok {
			return outflow.NewOperational(
				fmt.Sprintf("unsupported transaction type %T for the mongo adapter", resolved), nil)
		}
		ctx = session
	}

	expire := int(m.cfg.ProcessingTimeout.Seconds())
	docs := make([]any, len(events))
	for i, ev := range events {
		r := NewRecord(ev, expire)
		if r.OccurredAt.IsZero() {
			r.OccurredAt = time.Now().UTC()
		}
		docs[i] = r
	}

	_, err := m.db.Collection(m.coll).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !isDuplicateKey(err) {
		return fmt.Errorf("inserting outbox records: %w", err)
	}
	metrics.OutboxEventsPublished.WithLabelValues("mongo").Add(float64(len(events)))
	return nil
}

func (m *Mongo) Start(handler Handler, onError ErrorSink) error {
	m.handler = handler
	m.sink = onError
	m.poller.OnError(func(err error) {
		if m.sink != nil {
			m.sink(err, nil)
		}
	})
	m.poller.Start()
	return nil
}

func (m *Mongo) Stop() error {
	m.poller.Stop()
	return nil
}

func (m *Mongo) processBatch(ctx context.Context) error {
	records, err := m.claim(ctx)
	if err != nil {
		return fmt.Errorf("claiming batch: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	metrics.OutboxClaimedBatchSize.WithLabelValues("mongo").Observe(float64(len(records)))

	stopHeartbeat := m.startHeartbeat(ctx)
	defer stopHeartbeat()

	for _, r := range records {
		if err := m.deliver(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mongo) deliver(ctx context.Context, r *Record) error {
	handlerCtx := ctx
	if m.cfg.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, m.cfg.ProcessingTimeout)
		defer cancel()
	}

	if err := m.handler(handlerCtx, r.Event()); err != nil {
		return m.settleFailed(ctx, r, err)
	}
	return m.settleCompleted(ctx, r)
}

// claim flips eligible documents to active one at a time. Each
// findOneAndUpdate is atomic, so a document observed eligible here cannot be
// claimed by another worker in between.
func (m *Mongo) claim(ctx context.Context) ([]*Record, error) {
	now := time.Now().UTC()
	stuckBefore := now.Add(-m.cfg.ProcessingTimeout)

	filter := bson.M{"$or": bson.A{
		bson.M{"status": string(StatusCreated)},
		bson.M{
			"status":     string(StatusFailed),
			"retryCount": bson.M{"$lte": m.cfg.MaxRetries},
			"$or": bson.A{
				bson.M{"nextRetryAt": bson.M{"$exists": false}},
				bson.M{"nextRetryAt": bson.M{"$lte": now}},
			},
		},
		bson.M{
			"status":    string(StatusActive),
			"keepAlive": bson.M{"$lt": stuckBefore},
		},
	}}
	update := bson.M{"$set": bson.M{
		"status":    string(StatusActive),
		"claimedBy": m.worker,
		"startedOn": now,
		"keepAlive": now,
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "occurredAt", Value: 1}}).
		SetReturnDocument(options.Before)

	var records []*Record
	for len(records) < m.cfg.BatchSize {
		var r Record
		err := m.db.Collection(m.coll).FindOneAndUpdate(ctx, filter, update, opts).Decode(&r)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}
			return records, err
		}
		if r.Status == StatusActive {
			metrics.OutboxStuckRecovered.WithLabelValues("mongo").Inc()
		}
		r.Status = StatusActive
		r.ClaimedBy = m.worker
		records = append(records, &r)
	}
	return records, nil
}

func (m *Mongo) startHeartbeat(ctx context.Context) func() {
	interval := m.cfg.ProcessingTimeout / 3
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
				_, err := m.db.Collection(m.coll).UpdateMany(hbCtx,
					bson.M{"claimedBy": m.worker, "status": string(StatusActive)},
					bson.M{"$set": bson.M{"keepAlive": time.Now().UTC()}})
				if err != nil && m.sink != nil {
					m.sink(outflow.NewOperational("refreshing keep-alive", err), nil)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// settleCompleted moves the document to the archive collection inside a
// session transaction when the deployment supports one, falling back to
// sequential writes on standalone servers.
func (m *Mongo) settleCompleted(ctx context.Context, r *Record) error {
	r.Status = StatusCompleted
	r.CompletedOn = time.Now().UTC()

	session, err := m.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("settling record %s: %w", r.ID, err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		if _, err := m.db.Collection(m.archive).InsertOne(sc, r); err != nil && !isDuplicateKey(err) {
			return nil, err
		}
		if _, err := m.db.Collection(m.coll).DeleteOne(sc, bson.M{"_id": r.ID}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("archiving record %s: %w", r.ID, err)
	}
	metrics.OutboxEventsSettled.WithLabelValues("mongo", "completed").Inc()
	return nil
}

func (m *Mongo) settleFailed(ctx context.Context, r *Record, cause error) error {
	count := r.RetryCount + 1
	terminal := count > m.cfg.MaxRetries

	set := bson.M{
		"status":    string(StatusFailed),
		"lastError": cause.Error(),
		"keepAlive": time.Now().UTC(),
	}
	unset := bson.M{"claimedBy": ""}
	if terminal {
		unset["nextRetryAt"] = ""
	} else {
		set["nextRetryAt"] = time.Now().UTC().Add(m.cfg.retryStrategy().Backoff(count))
	}

	_, err := m.db.Collection(m.coll).UpdateOne(ctx,
		bson.M{"_id": r.ID},
		bson.M{"$set": set, "$unset": unset, "$inc": bson.M{"retryCount": 1}})
	if err != nil {
		return fmt.Errorf("settling failed record %s: %w", r.ID, err)
	}

	ev := r.Event()
	if terminal {
		metrics.OutboxEventsSettled.WithLabelValues("mongo", "dead_letter").Inc()
		if m.sink != nil {
			m.sink(outflow.NewMaxRetriesExceeded(cause, ev, count), ev)
		}
	} else {
		metrics.OutboxEventsSettled.WithLabelValues("mongo", "retried").Inc()
		if m.sink != nil {
			m.sink(outflow.NewHandlerError(cause, ev), ev)
		}
	}
	return nil
}

func (m *Mongo) FailedEvents(ctx context.Context, limit int) ([]*outflow.FailedEvent, error) {
	if limit <= 0 || limit > FailedEventsDefaultLimit {
		limit = FailedEventsDefaultLimit
	}

	cursor, err := m.db.Collection(m.coll).Find(ctx,
		bson.M{
			"status":     string(StatusFailed),
			"retryCount": bson.M{"$gt": m.cfg.MaxRetries},
		},
		options.Find().
			SetSort(bson.D{{Key: "occurredAt", Value: -1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("listing failed records: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*outflow.FailedEvent
	for cursor.Next(ctx) {
		var r Record
		if err := cursor.Decode(&r); err != nil {
			return nil, fmt.Errorf("decoding failed record: %w", err)
		}
		out = append(out, r.FailedEvent())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterating failed records: %w", err)
	}
	return out, nil
}

func (m *Mongo) RetryEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := m.db.Collection(m.coll).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": string(StatusFailed)},
		bson.M{
			"$set":   bson.M{"status": string(StatusCreated), "retryCount": 0},
			"$unset": bson.M{"lastError": "", "nextRetryAt": "", "claimedBy": ""},
		})
	if err != nil {
		return fmt.Errorf("resetting failed records: %w", err)
	}
	return nil
}

func isDuplicateKey(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}
