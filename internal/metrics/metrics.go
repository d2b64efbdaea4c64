// Package metrics defines the Prometheus instruments shared across the
// outbox engine, the bus, and the publisher helper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbox engine metrics

	// OutboxEventsPublished tracks events appended to the outbox
	OutboxEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outflow",
			Subsystem: "outbox",
			Name:      "events_published_total",
			Help:      "Total events appended to the outbox",
		},
		[]string{"backend"},
	)

	// OutboxEventsSettled tracks settlement outcomes
	OutboxEventsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outflow",
			Subsystem: "outbox",
			Name:      "events_settled_total",
			Help:      "Total claimed events settled",
		},
		[]string{"backend", "outcome"}, // outcome: completed, retried, dead_letter
	)

	// OutboxClaimedBatchSize tracks records claimed per tick
	OutboxClaimedBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outflow",
			Subsystem: "outbox",
			Name:      "claimed_batch_size",
			Help:      "Records claimed per polling tick",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"backend"},
	)

	// OutboxPollDuration tracks the duration of a full polling tick
	OutboxPollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outflow",
			Subsystem: "outbox",
			Name:      "poll_duration_seconds",
			Help:      "Time to claim and process one batch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// OutboxPollErrors tracks polling cycle failures
	OutboxPollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outflow",
			Subsystem: "outbox",
			Name:      "poll_errors_total",
			Help:      "Total polling cycle failures",
		},
		[]string{"backend"},
	)

	// OutboxStuckRecovered tracks stale active claims taken over
	OutboxStuckRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outflow",
			Subsystem: "outbox",
			Name:      "stuck_recovered_total",
			Help:      "Total stale active claims re-claimed",
		},
		[]string{"backend"},
	)

	// Bus metrics

	// BusEventsEmitted tracks events accepted by emit
	BusEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outflow",
			Subsystem: "bus",
			Name:      "events_emitted_total",
			Help:      "Total events emitted through the bus",
		},
		[]string{"result"}, // result: published, dropped, failed
	)

	// BusEventsDelivered tracks handler dispatch outcomes
	BusEventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outflow",
			Subsystem: "bus",
			Name:      "events_delivered_total",
			Help:      "Total events dispatched to handlers",
		},
		[]string{"result"}, // result: handled, dropped, unhandled, failed
	)

	// BusHandlerDuration tracks handler execution time
	BusHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outflow",
			Subsystem: "bus",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the registered handler",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Publisher helper metrics

	// PublisherBufferedEvents tracks current publisher buffer occupancy
	PublisherBufferedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "outflow",
			Subsystem: "publisher",
			Name:      "buffered_events",
			Help:      "Events waiting in the publisher buffer",
		},
	)

	// PublisherBatchesSent tracks batch send outcomes
	PublisherBatchesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outflow",
			Subsystem: "publisher",
			Name:      "batches_sent_total",
			Help:      "Total batches handed to the send function",
		},
		[]string{"result"}, // result: success, failed
	)

	// PublisherSendDuration tracks batch send latency
	PublisherSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "outflow",
			Subsystem: "publisher",
			Name:      "send_duration_seconds",
			Help:      "Time to send one batch downstream",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// Leader election metrics

	// LeaderState tracks leader election status (0=follower, 1=leader)
	LeaderState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "outflow",
			Subsystem: "leader",
			Name:      "state",
			Help:      "Leader election state (0=follower, 1=leader)",
		},
	)
)
