// Package publisher forwards bus events to external brokers. It buffers
// events in memory, flushes them in batches on size or time, and sends each
// batch through a Sender with retries, rate limiting, and a circuit breaker.
//
// The publisher sits downstream of the outbox: events it buffers are already
// settled, so a lost buffer loses only the external copy. Systems that need
// end-to-end durability should run the broker as the bus handler instead.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	outflow "go.outflow.dev"
	"go.outflow.dev/internal/backoff"
	"go.outflow.dev/internal/metrics"
)

// Sender delivers one batch to an external broker.
type Sender interface {
	// Send delivers the batch. A non-nil error fails the whole batch and
	// triggers a retry of every event in it.
	Send(ctx context.Context, events []*outflow.Event) error

	// Name identifies the broker in logs and metrics.
	Name() string

	// MaxBatchSize is the broker's per-call cap, 0 for unbounded.
	MaxBatchSize() int
}

// Batch size caps of the supported brokers.
const (
	SQSMaxBatchSize         = 10
	EventBridgeMaxBatchSize = 10
	KafkaMaxBatchSize       = 100
	RabbitMQMaxBatchSize    = 100
)

// RetryConfig controls per-batch send retries.
type RetryConfig struct {
	MaxAttempts  int           `toml:"max_attempts"`
	InitialDelay time.Duration `toml:"initial_delay"`
	MaxDelay     time.Duration `toml:"max_delay"`
}

// ProcessingConfig controls buffering and flushing.
type ProcessingConfig struct {
	// BufferSize is the bounded in-memory queue. A full buffer rejects
	// new events with a backpressure error.
	BufferSize int `toml:"buffer_size"`

	// FlushTimeout is the linger: a partial batch is sent once the oldest
	// buffered event has waited this long.
	FlushTimeout time.Duration `toml:"flush_timeout"`

	// Concurrency bounds the number of in-flight Send calls.
	Concurrency int `toml:"concurrency"`

	// MaxBatchSize caps a flush. The sender's own cap applies on top.
	MaxBatchSize int `toml:"max_batch_size"`

	// RatePerSecond throttles sends when positive.
	RatePerSecond float64 `toml:"rate_per_second"`
}

// Config configures a Publisher.
type Config struct {
	Retry      RetryConfig      `toml:"retry"`
	Processing ProcessingConfig `toml:"processing"`

	// Breaker enables a circuit breaker around Send when true.
	Breaker bool `toml:"breaker"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		Processing: ProcessingConfig{
			BufferSize:   1000,
			FlushTimeout: 250 * time.Millisecond,
			Concurrency:  4,
			MaxBatchSize: 100,
		},
	}
}

func (c *Config) normalize() {
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 200 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}
	if c.Processing.BufferSize <= 0 {
		c.Processing.BufferSize = 1000
	}
	if c.Processing.FlushTimeout <= 0 {
		c.Processing.FlushTimeout = 250 * time.Millisecond
	}
	if c.Processing.Concurrency <= 0 {
		c.Processing.Concurrency = 4
	}
	if c.Processing.MaxBatchSize <= 0 {
		c.Processing.MaxBatchSize = 100
	}
}

// EventBus is the subset of the bus the publisher attaches to.
type EventBus interface {
	Subscribe(types []string, h func(ctx context.Context, ev *outflow.Event) error) error
}

// Publisher buffers and forwards events to one Sender.
type Publisher struct {
	cfg     *Config
	sender  Sender
	retry   backoff.Strategy
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	buf    chan *outflow.Event
	sem    chan struct{}
	closed chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New creates a publisher over the sender. Call Close to drain and stop.
func New(sender Sender, cfg *Config) *Publisher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()

	p := &Publisher{
		cfg:    cfg,
		sender: sender,
		retry: &backoff.Exponential{
			Base:   cfg.Retry.InitialDelay,
			Max:    cfg.Retry.MaxDelay,
			Jitter: 0.1,
		},
		buf:    make(chan *outflow.Event, cfg.Processing.BufferSize),
		sem:    make(chan struct{}, cfg.Processing.Concurrency),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	if cfg.Processing.RatePerSecond > 0 {
		burst := cfg.Processing.MaxBatchSize
		p.limiter = rate.NewLimiter(rate.Limit(cfg.Processing.RatePerSecond), burst)
	}
	if cfg.Breaker {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    sender.Name(),
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && ratio >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Publisher circuit breaker state changed",
					"sender", name, "from", from.String(), "to", to.String())
			},
		})
	}

	go p.run()
	return p
}

// Subscribe registers the publisher as the bus handler for the given types.
func (p *Publisher) Subscribe(b EventBus, types ...string) error {
	return b.Subscribe(types, func(ctx context.Context, ev *outflow.Event) error {
		return p.Enqueue(ev)
	})
}

// Enqueue buffers one event. A full buffer fails with a backpressure error
// rather than blocking the caller.
func (p *Publisher) Enqueue(ev *outflow.Event) error {
	select {
	case <-p.closed:
		return outflow.NewOperational("publisher is closed", nil)
	default:
	}

	select {
	case p.buf <- ev.Clone():
		metrics.PublisherBufferedEvents.Inc()
		return nil
	default:
		return outflow.NewBackpressure(
			fmt.Sprintf("publisher buffer full at %d events", p.cfg.Processing.BufferSize))
	}
}

// Close stops accepting events, drains the buffer, and awaits in-flight
// sends. Safe to call more than once.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	<-p.done
	return nil
}

// run collects buffered events into batches and dispatches them.
func (p *Publisher) run() {
	defer close(p.done)

	max := p.cfg.Processing.MaxBatchSize
	if limit := p.sender.MaxBatchSize(); limit > 0 && limit < max {
		max = limit
	}

	var batch []*outflow.Event
	var linger *time.Timer
	var lingerC <-chan time.Time

	dispatch := func() {
		if len(batch) == 0 {
			return
		}
		p.dispatch(batch)
		batch = nil
		if linger != nil {
			linger.Stop()
			linger = nil
			lingerC = nil
		}
	}

	for {
		select {
		case ev := <-p.buf:
			metrics.PublisherBufferedEvents.Dec()
			batch = append(batch, ev)
			if len(batch) >= max {
				dispatch()
				continue
			}
			if linger == nil {
				linger = time.NewTimer(p.cfg.Processing.FlushTimeout)
				lingerC = linger.C
			}

		case <-lingerC:
			linger = nil
			lingerC = nil
			dispatch()

		case <-p.closed:
			// Drain whatever is buffered, then stop.
			for {
				select {
				case ev := <-p.buf:
					metrics.PublisherBufferedEvents.Dec()
					batch = append(batch, ev)
					if len(batch) >= max {
						dispatch()
					}
				default:
					dispatch()
					p.wg.Wait()
					return
				}
			}
		}
	}
}

// dispatch hands one batch to a worker slot.
func (p *Publisher) dispatch(batch []*outflow.Event) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		p.sendWithRetry(batch)
	}()
}

func (p *Publisher) sendWithRetry(batch []*outflow.Event) {
	ctx := context.Background()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.Retry.MaxAttempts; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.WaitN(ctx, len(batch)); err != nil {
				lastErr = err
				break
			}
		}

		start := time.Now()
		err := p.send(ctx, batch)
		metrics.PublisherSendDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.PublisherBatchesSent.WithLabelValues("ok").Inc()
			return
		}
		lastErr = err
		slog.Warn("Publisher batch send failed",
			"sender", p.sender.Name(), "size", len(batch), "attempt", attempt, "error", err)

		if attempt < p.cfg.Retry.MaxAttempts {
			time.Sleep(p.retry.Backoff(attempt))
		}
	}

	metrics.PublisherBatchesSent.WithLabelValues("failed").Inc()
	slog.Error("Publisher dropped batch after retries",
		"sender", p.sender.Name(), "size", len(batch), "error", lastErr)
}

func (p *Publisher) send(ctx context.Context, batch []*outflow.Event) error {
	if p.breaker == nil {
		return p.sender.Send(ctx, batch)
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.sender.Send(ctx, batch)
	})
	return err
}
