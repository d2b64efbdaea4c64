package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	outflow "go.outflow.dev"
	"go.outflow.dev/internal/metrics"
	"go.outflow.dev/internal/tsid"
)

// sqlDialect carries everything that differs between PostgreSQL and MySQL:
// query text, placeholder style, and schema DDL. The claim-and-settle
// engine in sqlAdapter is shared.
type sqlDialect struct {
	name string

	insert       string
	claimSelect  string
	keepAlive    string
	completeCopy string
	completeDrop string
	fail         string
	failedList   string

	// claimMark and retryReset take an id list; the queries are built with
	// dialect placeholders at call time.
	claimMark  func(n int) string
	retryReset func(n int) string

	schema []string
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// sqlAdapter is the engine shared by the PostgreSQL and MySQL adapters.
type sqlAdapter struct {
	db      *sql.DB
	cfg     *Config
	dialect sqlDialect
	worker  string
	poller  *Poller

	handler Handler
	sink    ErrorSink
}

var _ Outbox = (*sqlAdapter)(nil)
var _ FailedEventSource = (*sqlAdapter)(nil)
var _ Retryer = (*sqlAdapter)(nil)

func newSQLAdapter(db *sql.DB, cfg *Config, dialect sqlDialect) *sqlAdapter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()

	a := &sqlAdapter{
		db:      db,
		cfg:     cfg,
		dialect: dialect,
		worker:  dialect.name + "-" + tsid.Generate(),
	}
	a.poller = NewPoller(PollerConfig{
		Name:            dialect.name,
		PollInterval:    cfg.PollInterval,
		BaseBackoff:     cfg.BaseBackoff,
		MaxErrorBackoff: cfg.MaxErrorBackoff,
	}, a.processBatch)
	return a
}

// CreateSchema creates the outbox and archive tables with their indexes.
// Idempotent, intended for development and tests; production deployments
// usually run migrations instead.
func (a *sqlAdapter) CreateSchema(ctx context.Context) error {
	for _, stmt := range a.dialect.schema {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating outbox schema: %w", err)
		}
	}
	return nil
}

// Gate installs a claim gate, typically leader election.
func (a *sqlAdapter) Gate(gate func() bool) {
	a.poller.WithGate(gate)
}

func (a *sqlAdapter) Publish(ctx context.Context, events []*outflow.Event, tx any) error {
	if len(events) == 0 {
		return nil
	}

	var ex execer = a.db
	if resolved := a.cfg.ambient(tx); resolved != nil {
		sqlTx, ok := resolved.(*sql.Tx)
		if !ok {
			return outflow.NewOperational(
				fmt.Sprintf("unsupported transaction type %T for the %s adapter", resolved, a.dialect.name), nil)
		}
		ex = sqlTx
	}

	expire := int(a.cfg.ProcessingTimeout.Seconds())
	for _, ev := range events {
		meta, err := encodeMetadata(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata for event %s: %w", ev.ID, err)
		}
		occurred := ev.OccurredAt
		if occurred.IsZero() {
			occurred = time.Now().UTC()
		}

		_, err = ex.ExecContext(ctx, a.dialect.insert,
			ev.ID, ev.Type, []byte(ev.Payload), occurred, meta,
			string(StatusCreated), expire, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("inserting outbox record %s: %w", ev.ID, err)
		}
		metrics.OutboxEventsPublished.WithLabelValues(a.dialect.name).Inc()
	}
	return nil
}

func (a *sqlAdapter) Start(handler Handler, onError ErrorSink) error {
	a.handler = handler
	a.sink = onError
	a.poller.OnError(func(err error) {
		if a.sink != nil {
			a.sink(err, nil)
		}
	})
	a.poller.Start()
	return nil
}

func (a *sqlAdapter) Stop() error {
	a.poller.Stop()
	return nil
}

// processBatch claims one batch inside a transaction, then delivers and
// settles each record. Handler failures settle per record and do not fail
// the tick; only storage errors do.
func (a *sqlAdapter) processBatch(ctx context.Context) error {
	records, err := a.claim(ctx)
	if err != nil {
		return fmt.Errorf("claiming batch: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	metrics.OutboxClaimedBatchSize.WithLabelValues(a.dialect.name).Observe(float64(len(records)))

	stopHeartbeat := a.startHeartbeat(ctx)
	defer stopHeartbeat()

	for _, r := range records {
		if err := a.deliver(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (a *sqlAdapter) deliver(ctx context.Context, r *Record) error {
	handlerCtx := ctx
	if a.cfg.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, a.cfg.ProcessingTimeout)
		defer cancel()
	}

	if err := a.handler(handlerCtx, r.Event()); err != nil {
		return a.settleFailed(ctx, r, err)
	}
	return a.settleCompleted(ctx, r)
}

// claim selects eligible records with SKIP LOCKED and marks them active in
// the same transaction, so concurrent workers never share a record.
func (a *sqlAdapter) claim(ctx context.Context) ([]*Record, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, a.dialect.claimSelect, a.cfg.MaxRetries, a.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, tx.Commit()
	}

	var recovered int
	now := time.Now().UTC()
	for _, r := range records {
		if r.Expired(now) {
			recovered++
		}
	}
	if recovered > 0 {
		metrics.OutboxStuckRecovered.WithLabelValues(a.dialect.name).Add(float64(recovered))
	}

	ids := make([]any, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	query := a.dialect.claimMark(len(ids))
	args := append([]any{a.worker}, ids...)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, r := range records {
		r.Status = StatusActive
		r.ClaimedBy = a.worker
	}
	return records, nil
}

// startHeartbeat refreshes keep_alive for this worker's claims at a third
// of the expiry window, so healthy batches are never recovered from under
// the worker.
func (a *sqlAdapter) startHeartbeat(ctx context.Context) func() {
	interval := a.cfg.ProcessingTimeout / 3
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
				if _, err := a.db.ExecContext(hbCtx, a.dialect.keepAlive, a.worker); err != nil {
					if a.sink != nil {
						a.sink(outflow.NewOperational("refreshing keep-alive", err), nil)
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

// settleCompleted moves the record to the archive table in one transaction.
func (a *sqlAdapter) settleCompleted(ctx context.Context, r *Record) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settling record %s: %w", r.ID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, a.dialect.completeCopy, r.ID); err != nil {
		return fmt.Errorf("archiving record %s: %w", r.ID, err)
	}
	if _, err := tx.ExecContext(ctx, a.dialect.completeDrop, r.ID); err != nil {
		return fmt.Errorf("removing archived record %s: %w", r.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settling record %s: %w", r.ID, err)
	}
	metrics.OutboxEventsSettled.WithLabelValues(a.dialect.name, "completed").Inc()
	return nil
}

// settleFailed increments the retry count and schedules the next attempt.
// Returns nil: handler failures are per-record outcomes, not tick failures.
func (a *sqlAdapter) settleFailed(ctx context.Context, r *Record, cause error) error {
	count := r.RetryCount + 1
	terminal := count > a.cfg.MaxRetries

	var nextRetry any
	if !terminal {
		nextRetry = time.Now().UTC().Add(a.cfg.retryStrategy().Backoff(count))
	}

	_, err := a.db.ExecContext(ctx, a.dialect.fail, cause.Error(), nextRetry, r.ID)
	if err != nil {
		return fmt.Errorf("settling failed record %s: %w", r.ID, err)
	}

	ev := r.Event()
	if terminal {
		metrics.OutboxEventsSettled.WithLabelValues(a.dialect.name, "dead_letter").Inc()
		if a.sink != nil {
			a.sink(outflow.NewMaxRetriesExceeded(cause, ev, count), ev)
		}
	} else {
		metrics.OutboxEventsSettled.WithLabelValues(a.dialect.name, "retried").Inc()
		if a.sink != nil {
			a.sink(outflow.NewHandlerError(cause, ev), ev)
		}
	}
	return nil
}

func (a *sqlAdapter) FailedEvents(ctx context.Context, limit int) ([]*outflow.FailedEvent, error) {
	if limit <= 0 || limit > FailedEventsDefaultLimit {
		limit = FailedEventsDefaultLimit
	}

	rows, err := a.db.QueryContext(ctx, a.dialect.failedList, a.cfg.MaxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("listing failed records: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	out := make([]*outflow.FailedEvent, len(records))
	for i, r := range records {
		out[i] = r.FailedEvent()
	}
	return out, nil
}

func (a *sqlAdapter) RetryEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := a.dialect.retryReset(len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("resetting failed records: %w", err)
	}
	return nil
}

func encodeMetadata(meta map[string]string) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		var status string
		var meta, lastError sql.NullString
		var nextRetryAt, startedOn, keepAlive sql.NullTime
		var claimedBy sql.NullString

		err := rows.Scan(
			&r.ID, &r.Type, &r.Payload, &r.OccurredAt, &meta,
			&status, &r.RetryCount, &lastError,
			&nextRetryAt, &startedOn, &keepAlive,
			&r.ExpireInSeconds, &claimedBy, &r.CreatedOn,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox record: %w", err)
		}

		r.Status = Status(status)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for record %s: %w", r.ID, err)
			}
		}
		if lastError.Valid {
			r.LastError = lastError.String
		}
		if nextRetryAt.Valid {
			r.NextRetryAt = nextRetryAt.Time
		}
		if startedOn.Valid {
			r.StartedOn = startedOn.Time
		}
		if keepAlive.Valid {
			r.KeepAlive = keepAlive.Time
		}
		if claimedBy.Valid {
			r.ClaimedBy = claimedBy.String
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox records: %w", err)
	}
	return records, nil
}
