package outbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	outflow "go.outflow.dev"
)

type mockDynamoClient struct {
	putInputs      []*dynamodb.PutItemInput
	updateInputs   []*dynamodb.UpdateItemInput
	queryInputs    []*dynamodb.QueryInput
	transactInputs []*dynamodb.TransactWriteItemsInput

	putFunc      func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	updateFunc   func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	queryFunc    func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	transactFunc func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error)
}

func (m *mockDynamoClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.putInputs = append(m.putInputs, params)
	if m.putFunc != nil {
		return m.putFunc(params)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.updateInputs = append(m.updateInputs, params)
	if m.updateFunc != nil {
		return m.updateFunc(params)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamoClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.queryInputs = append(m.queryInputs, params)
	if m.queryFunc != nil {
		return m.queryFunc(params)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockDynamoClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	m.transactInputs = append(m.transactInputs, params)
	if m.transactFunc != nil {
		return m.transactFunc(params)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func dynamoItem(t *testing.T, r *Record) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(toDynamoRecord(r))
	if err != nil {
		t.Fatalf("marshaling item: %v", err)
	}
	return item
}

func TestDynamoPublishConditionsOnAbsence(t *testing.T) {
	client := &mockDynamoClient{}
	d := NewDynamo(client, "outbox", nil)

	ev := outflow.NewEvent("t", []byte(`{"a":1}`))
	if err := d.Publish(context.Background(), []*outflow.Event{ev}, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(client.putInputs) != 1 {
		t.Fatalf("expected 1 put, got %d", len(client.putInputs))
	}
	in := client.putInputs[0]
	if aws.ToString(in.ConditionExpression) != "attribute_not_exists(id)" {
		t.Errorf("missing idempotency condition: %v", in.ConditionExpression)
	}
	if aws.ToString(in.TableName) != "outbox" {
		t.Errorf("wrong table: %s", aws.ToString(in.TableName))
	}
}

func TestDynamoPublishSwallowsDuplicates(t *testing.T) {
	client := &mockDynamoClient{
		putFunc: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{}
		},
	}
	d := NewDynamo(client, "outbox", nil)

	ev := outflow.NewEvent("t", nil)
	if err := d.Publish(context.Background(), []*outflow.Event{ev}, nil); err != nil {
		t.Fatalf("duplicate publish must succeed: %v", err)
	}
}

func TestDynamoPublishIntoTransaction(t *testing.T) {
	client := &mockDynamoClient{}
	d := NewDynamo(client, "outbox", nil)
	tx := NewDynamoTx(client)

	events := []*outflow.Event{outflow.NewEvent("a", nil), outflow.NewEvent("b", nil)}
	if err := d.Publish(context.Background(), events, tx); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(client.putInputs) != 0 {
		t.Fatal("transactional publish must not write directly")
	}
	if tx.Len() != 2 {
		t.Fatalf("expected 2 collected writes, got %d", tx.Len())
	}

	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(client.transactInputs) != 1 || len(client.transactInputs[0].TransactItems) != 2 {
		t.Fatal("expected one TransactWriteItems call with 2 items")
	}

	if err := tx.Commit(context.Background()); err == nil {
		t.Error("second Commit must fail")
	}
}

func TestDynamoTxEnforcesLimit(t *testing.T) {
	tx := NewDynamoTx(&mockDynamoClient{})

	for i := 0; i < DynamoTxLimit; i++ {
		if err := tx.Add(types.TransactWriteItem{}); err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
	}
	err := tx.Add(types.TransactWriteItem{})
	if !errors.Is(err, outflow.ErrBatchSizeLimit) {
		t.Fatalf("expected batch-size error past %d writes, got %v", DynamoTxLimit, err)
	}
}

func TestDynamoClaimSkipsLostConditions(t *testing.T) {
	now := time.Now().UTC()
	r1 := NewRecord(&outflow.Event{ID: "a", Type: "t", OccurredAt: now}, 30)
	r2 := NewRecord(&outflow.Event{ID: "b", Type: "t", OccurredAt: now}, 30)

	client := &mockDynamoClient{}
	client.queryFunc = func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		status := in.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS).Value
		if status == string(StatusCreated) && len(client.queryInputs) == 1 {
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
				dynamoItem(t, r1), dynamoItem(t, r2),
			}}, nil
		}
		return &dynamodb.QueryOutput{}, nil
	}
	client.updateFunc = func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		id := in.Key["id"].(*types.AttributeValueMemberS).Value
		if id == "a" {
			// Another worker won this one.
			return nil, &types.ConditionalCheckFailedException{}
		}
		return &dynamodb.UpdateItemOutput{}, nil
	}

	d := NewDynamo(client, "outbox", nil)
	records, err := d.claim(context.Background())
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "b" {
		t.Fatalf("expected only the won record, got %+v", records)
	}
	if records[0].Status != StatusActive || records[0].ClaimedBy == "" {
		t.Errorf("claimed record not active: %+v", records[0])
	}
}

func TestDynamoCompletedSettlesWithTTL(t *testing.T) {
	client := &mockDynamoClient{}
	d := NewDynamo(client, "outbox", nil)

	r := &Record{ID: "a", Type: "t", Status: StatusActive, OccurredAt: time.Now()}
	if err := d.settleCompleted(context.Background(), r); err != nil {
		t.Fatalf("settleCompleted failed: %v", err)
	}

	if len(client.updateInputs) != 1 {
		t.Fatalf("expected 1 update, got %d", len(client.updateInputs))
	}
	expr := aws.ToString(client.updateInputs[0].UpdateExpression)
	if !strings.Contains(expr, "expiresAt = :expires") {
		t.Errorf("completion must arm the TTL attribute, got %q", expr)
	}
}

func TestDynamoFailedSchedulesRetry(t *testing.T) {
	client := &mockDynamoClient{}
	d := NewDynamo(client, "outbox", &Config{MaxRetries: 2})

	var sinkErr error
	d.sink = func(err error, ev *outflow.Event) { sinkErr = err }

	r := &Record{ID: "a", Type: "t", Status: StatusActive, RetryCount: 0, OccurredAt: time.Now()}
	if err := d.settleFailed(context.Background(), r, errors.New("boom")); err != nil {
		t.Fatalf("settleFailed failed: %v", err)
	}

	expr := aws.ToString(client.updateInputs[0].UpdateExpression)
	if !strings.Contains(expr, "nextRetryAt = :nextRetry") {
		t.Errorf("retryable failure must schedule nextRetryAt, got %q", expr)
	}
	if !errors.Is(sinkErr, outflow.ErrHandler) {
		t.Errorf("expected handler error at the sink, got %v", sinkErr)
	}
}

func TestDynamoExhaustedDeadLetters(t *testing.T) {
	client := &mockDynamoClient{}
	d := NewDynamo(client, "outbox", &Config{MaxRetries: 1})

	var sinkErr error
	d.sink = func(err error, ev *outflow.Event) { sinkErr = err }

	r := &Record{ID: "a", Type: "t", Status: StatusActive, RetryCount: 1, OccurredAt: time.Now()}
	if err := d.settleFailed(context.Background(), r, errors.New("boom")); err != nil {
		t.Fatalf("settleFailed failed: %v", err)
	}

	expr := aws.ToString(client.updateInputs[0].UpdateExpression)
	if strings.Contains(expr, ":nextRetry") {
		t.Errorf("terminal failure must not schedule a retry, got %q", expr)
	}
	if !errors.Is(sinkErr, outflow.ErrMaxRetriesExceeded) {
		t.Fatalf("expected max-retries error, got %v", sinkErr)
	}
	var oe *outflow.Error
	if errors.As(sinkErr, &oe) && oe.Retries != 2 {
		t.Errorf("expected retry count 2, got %d", oe.Retries)
	}
}

func TestDynamoClaimPagesPastDeadLetters(t *testing.T) {
	// Dead letters stay in the failed partition with the oldest sort keys.
	// The service applies Limit before the retryCount filter, so the first
	// page can come back empty with a continuation key; the claim must
	// follow it to reach the retryable record behind the dead letters.
	now := time.Now().UTC()
	retryable := NewRecord(&outflow.Event{ID: "retry-me", Type: "t", OccurredAt: now.Add(-time.Minute)}, 30)
	retryable.Status = StatusFailed
	retryable.RetryCount = 1

	client := &mockDynamoClient{}
	client.queryFunc = func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		status := in.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS).Value
		if status != string(StatusFailed) {
			return &dynamodb.QueryOutput{}, nil
		}
		if in.ExclusiveStartKey == nil {
			// First page: every evaluated item was a filtered-out dead letter.
			return &dynamodb.QueryOutput{
				Items: nil,
				LastEvaluatedKey: map[string]types.AttributeValue{
					"id": &types.AttributeValueMemberS{Value: "dead-50"},
				},
			}, nil
		}
		return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
			dynamoItem(t, retryable),
		}}, nil
	}

	d := NewDynamo(client, "outbox", &Config{MaxRetries: 5})
	records, err := d.claim(context.Background())
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "retry-me" {
		t.Fatalf("expected the retryable record behind the dead letters, got %+v", records)
	}
}

func TestDynamoFailedEventsPagesPastRetryable(t *testing.T) {
	now := time.Now().UTC()
	dead := NewRecord(&outflow.Event{ID: "dead-one", Type: "t", OccurredAt: now.Add(-time.Hour)}, 30)
	dead.Status = StatusFailed
	dead.RetryCount = 6
	dead.LastError = "boom"

	client := &mockDynamoClient{}
	client.queryFunc = func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		if in.ExclusiveStartKey == nil {
			// First page: recent retryable failures fill the evaluated set.
			return &dynamodb.QueryOutput{
				Items: nil,
				LastEvaluatedKey: map[string]types.AttributeValue{
					"id": &types.AttributeValueMemberS{Value: "retry-99"},
				},
			}, nil
		}
		return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
			dynamoItem(t, dead),
		}}, nil
	}

	d := NewDynamo(client, "outbox", &Config{MaxRetries: 5})
	failed, err := d.FailedEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("FailedEvents failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "dead-one" {
		t.Fatalf("expected the dead letter from the second page, got %+v", failed)
	}
	if len(client.queryInputs) != 2 {
		t.Fatalf("expected 2 query pages, got %d", len(client.queryInputs))
	}
}

func TestDynamoRetryEventsSkipsNonFailed(t *testing.T) {
	client := &mockDynamoClient{
		updateFunc: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			id := in.Key["id"].(*types.AttributeValueMemberS).Value
			if id == "completed-one" {
				return nil, &types.ConditionalCheckFailedException{}
			}
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}
	d := NewDynamo(client, "outbox", nil)

	err := d.RetryEvents(context.Background(), []string{"completed-one", "failed-one"})
	if err != nil {
		t.Fatalf("RetryEvents failed: %v", err)
	}
	if len(client.updateInputs) != 2 {
		t.Fatalf("expected both updates attempted, got %d", len(client.updateInputs))
	}
}
