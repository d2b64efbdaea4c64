package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	outflow "go.outflow.dev"
)

// SQSClientAPI is the subset of the SQS client the sender needs. Tests
// substitute a mock.
type SQSClientAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// MetadataGroupID is the event metadata key carrying the FIFO message group.
const MetadataGroupID = "groupId"

// SQSSender publishes event batches to one SQS queue. FIFO queues get the
// message group from event metadata (falling back to the event type) and the
// event id as the deduplication id.
type SQSSender struct {
	client   SQSClientAPI
	queueURL string
	fifo     bool
}

var _ Sender = (*SQSSender)(nil)

// NewSQSSender creates a sender for the queue. FIFO behavior is derived
// from the queue URL suffix.
func NewSQSSender(client SQSClientAPI, queueURL string) *SQSSender {
	return &SQSSender{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

func (s *SQSSender) Name() string { return "sqs" }

func (s *SQSSender) MaxBatchSize() int { return SQSMaxBatchSize }

// Send delivers the batch in chunks of at most ten messages. Entries
// rejected by SQS fail the call with their ids listed.
func (s *SQSSender) Send(ctx context.Context, events []*outflow.Event) error {
	for start := 0; start < len(events); start += SQSMaxBatchSize {
		end := start + SQSMaxBatchSize
		if end > len(events) {
			end = len(events)
		}
		if err := s.sendChunk(ctx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQSSender) sendChunk(ctx context.Context, events []*outflow.Event) error {
	entries := make([]types.SendMessageBatchRequestEntry, 0, len(events))
	byBatchID := make(map[string]string, len(events))

	for i, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshaling event %s: %w", ev.ID, err)
		}

		batchID := strconv.Itoa(i)
		byBatchID[batchID] = ev.ID

		entry := types.SendMessageBatchRequestEntry{
			Id:          aws.String(batchID),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"eventType": {
					DataType:    aws.String("String"),
					StringValue: aws.String(ev.Type),
				},
			},
		}
		if s.fifo {
			group := ev.Metadata[MetadataGroupID]
			if group == "" {
				group = ev.Type
			}
			entry.MessageGroupId = aws.String(group)
			entry.MessageDeduplicationId = aws.String(ev.ID)
		}
		entries = append(entries, entry)
	}

	out, err := s.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(s.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("sending batch to sqs: %w", err)
	}

	if len(out.Failed) > 0 {
		failed := make([]string, 0, len(out.Failed))
		for _, f := range out.Failed {
			failed = append(failed, byBatchID[aws.ToString(f.Id)])
		}
		return fmt.Errorf("sqs rejected %d of %d messages: %s",
			len(out.Failed), len(entries), strings.Join(failed, ", "))
	}
	return nil
}
