// Package leader provides distributed leader election for the relay. Only
// the elected instance polls the outbox; followers keep their claim gates
// closed and take over when the leader's lock expires.
package leader

import (
	"context"
	"os"
	"time"

	"go.outflow.dev/internal/tsid"
)

// Elector is the election contract consumed by the relay. Gate adapts the
// current leadership state into a poller claim gate.
type Elector interface {
	Start(ctx context.Context) error
	Stop()
	IsPrimary() bool
	InstanceID() string
}

// Config holds election settings shared by implementations.
type Config struct {
	// InstanceID uniquely identifies this instance, defaulting to the
	// hostname plus a random token.
	InstanceID string

	// LockName is the lock to contend for, e.g. "outflow-relay-leader".
	LockName string

	// TTL is how long the lock stays valid without a refresh.
	TTL time.Duration

	// RefreshInterval is how often the holder refreshes the lock.
	RefreshInterval time.Duration
}

// DefaultConfig returns election defaults for the given lock.
func DefaultConfig(lockName string) *Config {
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "instance"
	}

	return &Config{
		InstanceID:      instanceID + "-" + tsid.Generate(),
		LockName:        lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// Gate adapts an elector into a poller claim gate.
func Gate(e Elector) func() bool {
	return e.IsPrimary
}

// Standalone is the elector for single-instance deployments: always
// primary, nothing to contend for.
type Standalone struct {
	id string
}

var _ Elector = (*Standalone)(nil)

func NewStandalone() *Standalone {
	id, _ := os.Hostname()
	if id == "" {
		id = "standalone"
	}
	return &Standalone{id: id}
}

func (s *Standalone) Start(ctx context.Context) error { return nil }
func (s *Standalone) Stop()                           {}
func (s *Standalone) IsPrimary() bool                 { return true }
func (s *Standalone) InstanceID() string              { return s.id }
