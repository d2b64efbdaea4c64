// Package outbox implements the storage side of the transactional-outbox
// engine: the adapter contract every backend satisfies, the shared polling
// loop, and concrete adapters for memory, PostgreSQL, MySQL, MongoDB, Redis,
// and DynamoDB.
//
// Every adapter drives the same claim-and-settle protocol:
//  1. Select up to BatchSize eligible records: created, or failed with
//     retries remaining and nextRetryAt due, or active past its keep-alive
//     deadline (stuck recovery).
//  2. Claim each atomically so no other worker selects it concurrently.
//  3. Invoke the handler per decoded event.
//  4. Settle: completed (archived or TTL-dropped) on success, failed with
//     incremented retry count and a backoff-scheduled nextRetryAt otherwise.
//     Once the retry count passes MaxRetries the record is a dead letter.
package outbox

import (
	"context"
	"time"

	outflow "go.outflow.dev"
	"go.outflow.dev/internal/backoff"
)

// Handler processes one claimed event. A non-nil error drives the record to
// failed and schedules a retry.
type Handler func(ctx context.Context, ev *outflow.Event) error

// ErrorSink receives processing errors together with the event involved,
// when there is one. It is called with a HandlerError while retries remain
// and with a MaxRetriesExceeded on the final failure.
type ErrorSink func(err error, ev *outflow.Event)

// Outbox is the adapter contract consumed by the bus.
type Outbox interface {
	// Publish appends events idempotently by id. When tx is non-nil the
	// write participates in the caller's transaction; otherwise the adapter
	// uses its configured ambient accessor or opens its own short
	// transaction. An empty batch is a no-op.
	Publish(ctx context.Context, events []*outflow.Event, tx any) error

	// Start installs the handler and error sink and begins polling.
	// Idempotent while running.
	Start(handler Handler, onError ErrorSink) error

	// Stop ceases polling and awaits in-flight work. Safe to call
	// repeatedly; Start after Stop is allowed.
	Stop() error
}

// FailedEventSource is the optional capability of listing failed records,
// newest first by occurredAt.
type FailedEventSource interface {
	FailedEvents(ctx context.Context, limit int) ([]*outflow.FailedEvent, error)
}

// Retryer is the optional capability of manually resetting failed records
// back to created with their retry bookkeeping cleared.
type Retryer interface {
	RetryEvents(ctx context.Context, ids []string) error
}

// FailedEventsDefaultLimit caps FailedEvents listings when the caller asks
// for more, or for zero.
const FailedEventsDefaultLimit = 100

// Config holds the engine options shared by every adapter.
type Config struct {
	// BatchSize is the maximum records claimed per tick.
	BatchSize int

	// PollInterval is the spacing between successful ticks.
	PollInterval time.Duration

	// MaxRetries is the number of automatic retries after the first
	// attempt. Once a record's retry count passes it, the record is a
	// terminal dead letter.
	MaxRetries int

	// BaseBackoff is the base for both retry scheduling and polling-error
	// backoff.
	BaseBackoff time.Duration

	// MaxErrorBackoff caps the polling-error backoff.
	MaxErrorBackoff time.Duration

	// ProcessingTimeout is how long an active claim may go without a
	// keep-alive refresh before any worker may take it over.
	ProcessingTimeout time.Duration

	// Transaction, when set, supplies an ambient transaction for Publish
	// calls that pass a nil tx. The returned value is adapter-specific.
	Transaction func() any
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:         50,
		PollInterval:      time.Second,
		MaxRetries:        5,
		BaseBackoff:       time.Second,
		MaxErrorBackoff:   30 * time.Second,
		ProcessingTimeout: 30 * time.Second,
	}
}

// normalize fills zero values with defaults so adapters can accept partial
// configs.
func (c *Config) normalize() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	// Zero is a valid MaxRetries: exactly one attempt per record.
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxErrorBackoff <= 0 {
		c.MaxErrorBackoff = d.MaxErrorBackoff
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
}

// retryStrategy is the backoff used for nextRetryAt scheduling.
func (c *Config) retryStrategy() backoff.Strategy {
	return backoff.Exponential{Base: c.BaseBackoff, Max: c.MaxErrorBackoff, Jitter: 0.1}
}

// ambient resolves the transaction for a Publish call: the explicit tx wins,
// then the configured accessor, then nil.
func (c *Config) ambient(tx any) any {
	if tx != nil {
		return tx
	}
	if c.Transaction != nil {
		return c.Transaction()
	}
	return nil
}
