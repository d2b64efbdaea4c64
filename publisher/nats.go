package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	outflow "go.outflow.dev"
)

// JetStreamAPI is the subset of the JetStream context the sender needs.
type JetStreamAPI interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSSender publishes event batches to NATS JetStream, one message per
// event on "<prefix>.<type>". The event id rides in the Nats-Msg-Id header,
// so a stream with a deduplication window absorbs redeliveries.
type NATSSender struct {
	js      JetStreamAPI
	subject string
}

var _ Sender = (*NATSSender)(nil)

// NewNATSSender creates a sender publishing under the subject prefix.
func NewNATSSender(js JetStreamAPI, subjectPrefix string) *NATSSender {
	if subjectPrefix == "" {
		subjectPrefix = "events"
	}
	return &NATSSender{js: js, subject: subjectPrefix}
}

func (s *NATSSender) Name() string { return "nats" }

func (s *NATSSender) MaxBatchSize() int { return 0 }

func (s *NATSSender) Send(ctx context.Context, events []*outflow.Event) error {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshaling event %s: %w", ev.ID, err)
		}

		msg := &nats.Msg{
			Subject: s.subject + "." + ev.Type,
			Data:    data,
			Header:  make(nats.Header),
		}
		msg.Header.Set("Nats-Msg-Id", ev.ID)
		if group, ok := ev.Metadata[MetadataGroupID]; ok {
			msg.Header.Set("Nats-Msg-Group", group)
		}

		if _, err := s.js.PublishMsg(ctx, msg); err != nil {
			return fmt.Errorf("publishing event %s: %w", ev.ID, err)
		}
	}
	return nil
}
