package publisher

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	outflow "go.outflow.dev"
)

type mockSQSClient struct {
	inputs []*sqs.SendMessageBatchInput

	sendFunc func(ctx context.Context, params *sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error)
}

func (m *mockSQSClient) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, params)
	}
	return &sqs.SendMessageBatchOutput{}, nil
}

func makeEvents(n int) []*outflow.Event {
	events := make([]*outflow.Event, n)
	for i := range events {
		events[i] = &outflow.Event{ID: "ev-" + strconv.Itoa(i), Type: "order.placed"}
	}
	return events
}

func TestSQSSenderChunksAtTen(t *testing.T) {
	client := &mockSQSClient{}
	s := NewSQSSender(client, "https://sqs.us-east-1.amazonaws.com/1/events")

	if err := s.Send(context.Background(), makeEvents(23)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(client.inputs) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(client.inputs))
	}
	sizes := []int{10, 10, 3}
	for i, in := range client.inputs {
		if len(in.Entries) != sizes[i] {
			t.Errorf("chunk %d has %d entries, want %d", i, len(in.Entries), sizes[i])
		}
		if aws.ToString(in.QueueUrl) != "https://sqs.us-east-1.amazonaws.com/1/events" {
			t.Errorf("wrong queue url: %s", aws.ToString(in.QueueUrl))
		}
	}
}

func TestSQSSenderStandardQueueOmitsFIFOFields(t *testing.T) {
	client := &mockSQSClient{}
	s := NewSQSSender(client, "https://sqs.us-east-1.amazonaws.com/1/events")

	s.Send(context.Background(), makeEvents(1))

	entry := client.inputs[0].Entries[0]
	if entry.MessageGroupId != nil || entry.MessageDeduplicationId != nil {
		t.Error("standard queues must not carry FIFO fields")
	}
	attr, ok := entry.MessageAttributes["eventType"]
	if !ok || aws.ToString(attr.StringValue) != "order.placed" {
		t.Errorf("expected eventType attribute, got %+v", entry.MessageAttributes)
	}
}

func TestSQSSenderFIFOFields(t *testing.T) {
	client := &mockSQSClient{}
	s := NewSQSSender(client, "https://sqs.us-east-1.amazonaws.com/1/events.fifo")

	ev := &outflow.Event{
		ID:       "ev-1",
		Type:     "order.placed",
		Metadata: map[string]string{MetadataGroupID: "customer-7"},
	}
	fallback := &outflow.Event{ID: "ev-2", Type: "order.shipped"}

	if err := s.Send(context.Background(), []*outflow.Event{ev, fallback}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	entries := client.inputs[0].Entries
	if aws.ToString(entries[0].MessageGroupId) != "customer-7" {
		t.Errorf("expected metadata group, got %s", aws.ToString(entries[0].MessageGroupId))
	}
	if aws.ToString(entries[0].MessageDeduplicationId) != "ev-1" {
		t.Errorf("expected event id as dedupe id, got %s", aws.ToString(entries[0].MessageDeduplicationId))
	}
	if aws.ToString(entries[1].MessageGroupId) != "order.shipped" {
		t.Errorf("expected event type fallback group, got %s", aws.ToString(entries[1].MessageGroupId))
	}
}

func TestSQSSenderPartialFailure(t *testing.T) {
	client := &mockSQSClient{
		sendFunc: func(ctx context.Context, params *sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error) {
			return &sqs.SendMessageBatchOutput{
				Failed: []types.BatchResultErrorEntry{
					{Id: aws.String("1"), Message: aws.String("throttled")},
				},
			}, nil
		},
	}
	s := NewSQSSender(client, "https://sqs.us-east-1.amazonaws.com/1/events")

	err := s.Send(context.Background(), makeEvents(3))
	if err == nil {
		t.Fatal("expected an error for a partial failure")
	}
	if !strings.Contains(err.Error(), "ev-1") {
		t.Errorf("error should name the failed event, got %v", err)
	}
}

func TestSQSSenderTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	client := &mockSQSClient{
		sendFunc: func(ctx context.Context, params *sqs.SendMessageBatchInput) (*sqs.SendMessageBatchOutput, error) {
			return nil, boom
		},
	}
	s := NewSQSSender(client, "https://sqs.us-east-1.amazonaws.com/1/events")

	if err := s.Send(context.Background(), makeEvents(1)); !errors.Is(err, boom) {
		t.Fatalf("expected the transport error, got %v", err)
	}
}
