package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	outflow "go.outflow.dev"
	"go.outflow.dev/internal/backoff"
	"go.outflow.dev/internal/metrics"
)

// PollerConfig parameterizes the shared polling loop.
type PollerConfig struct {
	// Name labels the loop in logs and metrics, usually the backend name.
	Name string

	// PollInterval is the spacing between successful ticks.
	PollInterval time.Duration

	// BaseBackoff seeds the error backoff after a failed tick.
	BaseBackoff time.Duration

	// MaxErrorBackoff caps the error backoff.
	MaxErrorBackoff time.Duration
}

// Poller runs a single-goroutine cooperative loop: optional maintenance,
// then one processing pass. Successful ticks reschedule after PollInterval;
// failures route the error to the sink and back off exponentially with
// jitter, capped at MaxErrorBackoff. Stop cancels the pending sleep and
// awaits the in-flight tick; Start after Stop is allowed.
type Poller struct {
	cfg      PollerConfig
	process  func(ctx context.Context) error
	maintain func(ctx context.Context) error
	gate     func() bool
	onError  func(err error)
	strategy backoff.Strategy

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoller creates a poller around the mandatory processing hook.
func NewPoller(cfg PollerConfig, process func(ctx context.Context) error) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxErrorBackoff <= 0 {
		cfg.MaxErrorBackoff = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "outbox"
	}
	return &Poller{
		cfg:      cfg,
		process:  process,
		strategy: backoff.Exponential{Base: cfg.BaseBackoff, Max: cfg.MaxErrorBackoff, Jitter: 0.1},
	}
}

// WithMaintenance installs an optional per-tick maintenance hook, run before
// processing. A failure aborts the tick and counts as a polling error.
func (p *Poller) WithMaintenance(fn func(ctx context.Context) error) *Poller {
	p.maintain = fn
	return p
}

// WithGate installs an optional predicate checked before each tick. A false
// result skips the tick without treating it as an error; leader election
// hooks in here.
func (p *Poller) WithGate(fn func() bool) *Poller {
	p.gate = fn
	return p
}

// OnError installs the error sink for tick failures.
func (p *Poller) OnError(fn func(err error)) *Poller {
	p.onError = fn
	return p
}

// Start begins polling. Idempotent while running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(ctx, p.done)

	slog.Info("Outbox poller started",
		"backend", p.cfg.Name,
		"pollInterval", p.cfg.PollInterval)
}

// Stop cancels the pending sleep and awaits the in-flight tick. Safe to
// call repeatedly.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done

	slog.Info("Outbox poller stopped", "backend", p.cfg.Name)
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	errorCount := 0
	for {
		delay := p.cfg.PollInterval

		if p.gate == nil || p.gate() {
			if err := p.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				errorCount++
				metrics.OutboxPollErrors.WithLabelValues(p.cfg.Name).Inc()
				if p.onError != nil {
					p.onError(err)
				}
				delay = p.strategy.Backoff(errorCount)
				if delay > p.cfg.MaxErrorBackoff {
					delay = p.cfg.MaxErrorBackoff
				}
				slog.Warn("Polling cycle failed",
					"backend", p.cfg.Name,
					"error", err,
					"errorCount", errorCount,
					"backoff", delay)
			} else {
				errorCount = 0
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (p *Poller) tick(ctx context.Context) error {
	if p.maintain != nil {
		if err := p.maintain(ctx); err != nil {
			return outflow.NewMaintenance(err)
		}
	}

	start := time.Now()
	err := p.process(ctx)
	metrics.OutboxPollDuration.WithLabelValues(p.cfg.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		return outflow.AsOperational("polling cycle failed", err)
	}
	return nil
}
