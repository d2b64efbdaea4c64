// Package outflow provides the shared vocabulary of a transactional-outbox
// event bus: the event value types carried between the bus, the storage
// adapters, and the publisher helper, plus the closed error taxonomy they
// raise. The moving parts live in the subpackages: bus (dispatch and
// middleware), outbox (storage adapters and the polling engine), and
// publisher (subscriber-side batching for downstream transports).
package outflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the unit of work carried by the bus and persisted by adapters.
type Event struct {
	// ID uniquely identifies the event. Generated at emission when empty.
	// Adapters key idempotent publish and manual retry on it.
	ID string `json:"id"`

	// Type is the routing key. Exactly one handler may be registered per type.
	Type string `json:"type"`

	// Payload is opaque application data, serialized by the caller.
	Payload json.RawMessage `json:"payload,omitempty"`

	// OccurredAt is the logical event timestamp. Defaults to emission time.
	OccurredAt time.Time `json:"occurredAt"`

	// Metadata carries optional string pairs. Middleware may mutate it.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewEvent builds an event of the given type with a fresh id and the
// current time.
func NewEvent(eventType string, payload json.RawMessage) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Normalize fills the id and timestamp if the caller left them empty.
func (e *Event) Normalize() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
}

// Clone returns a copy of the event with its own metadata map, so handlers
// and middleware cannot mutate a stored original.
func (e *Event) Clone() *Event {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// FailedEvent is an event that failed delivery, together with its retry
// bookkeeping.
type FailedEvent struct {
	Event

	// RetryCount is the number of failed delivery attempts so far.
	RetryCount int `json:"retryCount"`

	// LastError is the message of the most recent handler failure.
	LastError string `json:"lastError,omitempty"`

	// LastAttemptAt is when the most recent attempt finished.
	LastAttemptAt time.Time `json:"lastAttemptAt"`
}
