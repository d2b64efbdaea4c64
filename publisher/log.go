package publisher

import (
	"context"
	"log/slog"

	outflow "go.outflow.dev"
)

// LogSender writes events to the structured log. It is the default sink of
// the relay binary, useful for development and smoke tests.
type LogSender struct {
	level slog.Level
}

var _ Sender = (*LogSender)(nil)

func NewLogSender() *LogSender {
	return &LogSender{level: slog.LevelInfo}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) MaxBatchSize() int { return 0 }

func (s *LogSender) Send(ctx context.Context, events []*outflow.Event) error {
	for _, ev := range events {
		slog.Log(ctx, s.level, "Event relayed",
			"eventId", ev.ID,
			"type", ev.Type,
			"occurredAt", ev.OccurredAt,
			"payloadBytes", len(ev.Payload))
	}
	return nil
}
