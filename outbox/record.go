package outbox

import (
	"time"

	outflow "go.outflow.dev"
)

// Status is the lifecycle state of a stored record.
type Status string

const (
	// StatusCreated - persisted, never claimed.
	StatusCreated Status = "created"

	// StatusActive - claimed by a worker, delivery in flight.
	StatusActive Status = "active"

	// StatusFailed - last attempt failed; retryable until the retry count
	// passes MaxRetries, terminal after.
	StatusFailed Status = "failed"

	// StatusCompleted - delivered; archived or dropped per backend.
	StatusCompleted Status = "completed"
)

// Record is the backend-neutral persisted layout. Adapters encode it per
// store but reproduce the same lifecycle.
type Record struct {
	ID         string            `json:"id" bson:"_id"`
	Type       string            `json:"type" bson:"type"`
	Payload    []byte            `json:"payload,omitempty" bson:"payload,omitempty"`
	OccurredAt time.Time         `json:"occurredAt" bson:"occurredAt"`
	Metadata   map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`

	Status     Status `json:"status" bson:"status"`
	RetryCount int    `json:"retryCount" bson:"retryCount"`
	LastError  string `json:"lastError,omitempty" bson:"lastError,omitempty"`

	// NextRetryAt is the earliest instant a failed record becomes
	// re-eligible. Unset on created records: they are eligible immediately.
	NextRetryAt time.Time `json:"nextRetryAt,omitempty" bson:"nextRetryAt,omitempty"`

	// StartedOn is when the current claim was taken.
	StartedOn time.Time `json:"startedOn,omitempty" bson:"startedOn,omitempty"`

	// KeepAlive is the owning worker's heartbeat. A claim whose heartbeat
	// is older than ExpireInSeconds is recoverable by any worker.
	KeepAlive       time.Time `json:"keepAlive,omitempty" bson:"keepAlive,omitempty"`
	ExpireInSeconds int       `json:"expireInSeconds,omitempty" bson:"expireInSeconds,omitempty"`

	// ClaimedBy tags the worker holding the claim.
	ClaimedBy string `json:"claimedBy,omitempty" bson:"claimedBy,omitempty"`

	CreatedOn   time.Time `json:"createdOn" bson:"createdOn"`
	CompletedOn time.Time `json:"completedOn,omitempty" bson:"completedOn,omitempty"`
}

// NewRecord builds a created record from an event.
func NewRecord(ev *outflow.Event, expireInSeconds int) *Record {
	return &Record{
		ID:              ev.ID,
		Type:            ev.Type,
		Payload:         []byte(ev.Payload),
		OccurredAt:      ev.OccurredAt,
		Metadata:        ev.Metadata,
		Status:          StatusCreated,
		ExpireInSeconds: expireInSeconds,
		CreatedOn:       time.Now().UTC(),
	}
}

// Event reconstructs the event carried by the record.
func (r *Record) Event() *outflow.Event {
	return &outflow.Event{
		ID:         r.ID,
		Type:       r.Type,
		Payload:    r.Payload,
		OccurredAt: r.OccurredAt,
		Metadata:   r.Metadata,
	}
}

// FailedEvent converts the record into its failed-event view.
func (r *Record) FailedEvent() *outflow.FailedEvent {
	return &outflow.FailedEvent{
		Event:         *r.Event(),
		RetryCount:    r.RetryCount,
		LastError:     r.LastError,
		LastAttemptAt: r.KeepAlive,
	}
}

// Expired reports whether an active claim is past its keep-alive deadline.
func (r *Record) Expired(now time.Time) bool {
	return r.Status == StatusActive &&
		r.KeepAlive.Add(time.Duration(r.ExpireInSeconds)*time.Second).Before(now)
}

// Eligible reports whether the record may be claimed at the given instant.
// This is the claim predicate every adapter's selection reproduces.
func (r *Record) Eligible(now time.Time, maxRetries int) bool {
	switch r.Status {
	case StatusCreated:
		return true
	case StatusFailed:
		return r.RetryCount <= maxRetries && !r.NextRetryAt.After(now)
	case StatusActive:
		return r.Expired(now)
	default:
		return false
	}
}

// Terminal reports whether a failed record is a dead letter.
func (r *Record) Terminal(maxRetries int) bool {
	return r.Status == StatusFailed && r.RetryCount > maxRetries
}
