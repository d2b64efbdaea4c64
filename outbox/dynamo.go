package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	outflow "go.outflow.dev"
	"go.outflow.dev/internal/metrics"
	"go.outflow.dev/internal/tsid"
)

// DynamoDBAPI is the subset of the DynamoDB client the adapter needs.
// Tests substitute a mock.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// dynamoStatusIndex is the GSI on (status, eligibleAt). eligibleAt encodes
// when the record next matters: occurredAt for created, nextRetryAt for
// failed, the keep-alive deadline for active. One index serves claims,
// stuck recovery, and the dead-letter listing.
const dynamoStatusIndex = "status-eligibleAt-index"

// dynamoArchiveTTL is how long a completed item survives before the table's
// TTL sweep removes it. DynamoDB has no archive table; completion is a TTL.
const dynamoArchiveTTL = 7 * 24 * time.Hour

type dynamoRecord struct {
	ID              string            `dynamodbav:"id"`
	Type            string            `dynamodbav:"type"`
	Payload         []byte            `dynamodbav:"payload,omitempty"`
	OccurredAt      int64             `dynamodbav:"occurredAt"`
	Metadata        map[string]string `dynamodbav:"metadata,omitempty"`
	Status          string            `dynamodbav:"status"`
	RetryCount      int               `dynamodbav:"retryCount"`
	LastError       string            `dynamodbav:"lastError,omitempty"`
	NextRetryAt     int64             `dynamodbav:"nextRetryAt,omitempty"`
	StartedOn       int64             `dynamodbav:"startedOn,omitempty"`
	KeepAlive       int64             `dynamodbav:"keepAlive,omitempty"`
	ExpireInSeconds int               `dynamodbav:"expireInSeconds"`
	ClaimedBy       string            `dynamodbav:"claimedBy,omitempty"`
	CreatedOn       int64             `dynamodbav:"createdOn"`
	CompletedOn     int64             `dynamodbav:"completedOn,omitempty"`

	// EligibleAt is the GSI sort key, unix milliseconds.
	EligibleAt int64 `dynamodbav:"eligibleAt"`

	// ExpiresAt is the table TTL attribute, unix seconds, set on completion.
	ExpiresAt int64 `dynamodbav:"expiresAt,omitempty"`
}

func toDynamoRecord(r *Record) *dynamoRecord {
	return &dynamoRecord{
		ID:              r.ID,
		Type:            r.Type,
		Payload:         r.Payload,
		OccurredAt:      r.OccurredAt.UnixMilli(),
		Metadata:        r.Metadata,
		Status:          string(r.Status),
		RetryCount:      r.RetryCount,
		LastError:       r.LastError,
		NextRetryAt:     unixMilliOrZero(r.NextRetryAt),
		StartedOn:       unixMilliOrZero(r.StartedOn),
		KeepAlive:       unixMilliOrZero(r.KeepAlive),
		ExpireInSeconds: r.ExpireInSeconds,
		ClaimedBy:       r.ClaimedBy,
		CreatedOn:       r.CreatedOn.UnixMilli(),
		EligibleAt:      r.OccurredAt.UnixMilli(),
	}
}

func (d *dynamoRecord) record() *Record {
	return &Record{
		ID:              d.ID,
		Type:            d.Type,
		Payload:         d.Payload,
		OccurredAt:      time.UnixMilli(d.OccurredAt).UTC(),
		Metadata:        d.Metadata,
		Status:          Status(d.Status),
		RetryCount:      d.RetryCount,
		LastError:       d.LastError,
		NextRetryAt:     timeOrZero(d.NextRetryAt),
		StartedOn:       timeOrZero(d.StartedOn),
		KeepAlive:       timeOrZero(d.KeepAlive),
		ExpireInSeconds: d.ExpireInSeconds,
		ClaimedBy:       d.ClaimedBy,
		CreatedOn:       time.UnixMilli(d.CreatedOn).UTC(),
	}
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Dynamo is the DynamoDB adapter. Claims query the status GSI and take each
// candidate with a conditional UpdateItem, so a concurrent worker's claim
// simply fails the condition and is skipped. Completed items are settled by
// TTL rather than an archive table.
type Dynamo struct {
	client DynamoDBAPI
	table  string
	cfg    *Config
	worker string
	poller *Poller

	handler Handler
	sink    ErrorSink
}

var _ Outbox = (*Dynamo)(nil)
var _ FailedEventSource = (*Dynamo)(nil)
var _ Retryer = (*Dynamo)(nil)

// NewDynamo creates a DynamoDB outbox over the given table. The table needs
// a string hash key "id", the status GSI, and TTL enabled on "expiresAt".
func NewDynamo(client DynamoDBAPI, table string, cfg *Config) *Dynamo {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()

	d := &Dynamo{
		client: client,
		table:  table,
		cfg:    cfg,
		worker: "dynamo-" + tsid.Generate(),
	}
	d.poller = NewPoller(PollerConfig{
		Name:            "dynamo",
		PollInterval:    cfg.PollInterval,
		BaseBackoff:     cfg.BaseBackoff,
		MaxErrorBackoff: cfg.MaxErrorBackoff,
	}, d.processBatch)
	return d
}

// Gate installs a claim gate, typically leader election.
func (d *Dynamo) Gate(gate func() bool) {
	d.poller.WithGate(gate)
}

// Publish writes each record with an attribute_not_exists condition for
// idempotency. A *DynamoTx passed as tx collects the puts instead, to be
// committed atomically with the caller's writes.
func (d *Dynamo) Publish(ctx context.Context, events []*outflow.Event, tx any) error {
	if len(events) == 0 {
		return nil
	}

	var collector *DynamoTx
	if resolved := d.cfg.ambient(tx); resolved != nil {
		var ok bool
		collector, ok = resolved.(*DynamoTx)
		if !ok {
			return outflow.NewOperational(
				fmt.Sprintf("unsupported transaction type %T for the dynamo adapter", resolved), nil)
		}
	}

	expire := int(d.cfg.ProcessingTimeout.Seconds())
	for _, ev := range events {
		r := NewRecord(ev, expire)
		if r.OccurredAt.IsZero() {
			r.OccurredAt = time.Now().UTC()
		}
		item, err := attributevalue.MarshalMap(toDynamoRecord(r))
		if err != nil {
			return fmt.Errorf("encoding record %s: %w", ev.ID, err)
		}

		if collector != nil {
			if err := collector.add(types.TransactWriteItem{
				Put: &types.Put{
					TableName:           aws.String(d.table),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(id)"),
				},
			}); err != nil {
				return err
			}
			continue
		}

		_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.table),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		})
		if err != nil {
			var cond *types.ConditionalCheckFailedException
			if errors.As(err, &cond) {
				continue // already published
			}
			return fmt.Errorf("putting record %s: %w", ev.ID, err)
		}
		metrics.OutboxEventsPublished.WithLabelValues("dynamo").Inc()
	}
	return nil
}

func (d *Dynamo) Start(handler Handler, onError ErrorSink) error {
	d.handler = handler
	d.sink = onError
	d.poller.OnError(func(err error) {
		if d.sink != nil {
			d.sink(err, nil)
		}
	})
	d.poller.Start()
	return nil
}

func (d *Dynamo) Stop() error {
	d.poller.Stop()
	return nil
}

func (d *Dynamo) processBatch(ctx context.Context) error {
	records, err := d.claim(ctx)
	if err != nil {
		return fmt.Errorf("claiming batch: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	metrics.OutboxClaimedBatchSize.WithLabelValues("dynamo").Observe(float64(len(records)))

	stopHeartbeat := d.startHeartbeat(ctx, records)
	defer stopHeartbeat()

	for _, r := range records {
		if err := d.deliver(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dynamo) deliver(ctx context.Context, r *Record) error {
	handlerCtx := ctx
	if d.cfg.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, d.cfg.ProcessingTimeout)
		defer cancel()
	}

	if err := d.handler(handlerCtx, r.Event()); err != nil {
		return d.settleFailed(ctx, r, err)
	}
	return d.settleCompleted(ctx, r)
}

// claim gathers candidates from the status GSI and takes each one with a
// conditional update. Lost conditions mean another worker got there first
// and are skipped silently.
func (d *Dynamo) claim(ctx context.Context) ([]*Record, error) {
	now := time.Now().UTC()

	created, err := d.queryStatus(ctx, StatusCreated, now, d.cfg.BatchSize, nil)
	if err != nil {
		return nil, err
	}
	remaining := d.cfg.BatchSize - len(created)

	var failed []*dynamoRecord
	if remaining > 0 {
		failed, err = d.queryStatus(ctx, StatusFailed, now, remaining, aws.String("retryCount <= :maxRetries"))
		if err != nil {
			return nil, err
		}
		remaining -= len(failed)
	}

	var stuck []*dynamoRecord
	if remaining > 0 {
		// Active items with an expired keep-alive deadline.
		stuck, err = d.queryStatus(ctx, StatusActive, now, remaining, nil)
		if err != nil {
			return nil, err
		}
		if len(stuck) > 0 {
			metrics.OutboxStuckRecovered.WithLabelValues("dynamo").Add(float64(len(stuck)))
		}
	}

	var records []*Record
	for _, candidate := range append(append(created, failed...), stuck...) {
		r, err := d.take(ctx, candidate, now)
		if err != nil {
			return records, err
		}
		if r != nil {
			records = append(records, r)
		}
	}
	return records, nil
}

// queryStatus pages through the status partition until it has limit
// matches or the partition is exhausted. DynamoDB applies Limit before
// FilterExpression, and terminal dead letters share the failed partition
// with the oldest sort keys, so a single page can consist entirely of
// filtered-out items; following LastEvaluatedKey keeps retryable records
// reachable behind them.
func (d *Dynamo) queryStatus(ctx context.Context, status Status, now time.Time, limit int, filter *string) ([]*dynamoRecord, error) {
	values := map[string]types.AttributeValue{
		":status": &types.AttributeValueMemberS{Value: string(status)},
		":now":    &types.AttributeValueMemberN{Value: fmt.Sprint(now.UnixMilli())},
	}
	if filter != nil {
		values[":maxRetries"] = &types.AttributeValueMemberN{Value: fmt.Sprint(d.cfg.MaxRetries)}
	}

	records := make([]*dynamoRecord, 0, limit)
	var startKey map[string]types.AttributeValue
	for len(records) < limit {
		out, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(d.table),
			IndexName:                 aws.String(dynamoStatusIndex),
			KeyConditionExpression:    aws.String("#s = :status AND eligibleAt <= :now"),
			FilterExpression:          filter,
			ExpressionAttributeNames:  map[string]string{"#s": "status"},
			ExpressionAttributeValues: values,
			Limit:                     aws.Int32(int32(limit)),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying %s records: %w", status, err)
		}

		for _, item := range out.Items {
			var dr dynamoRecord
			if err := attributevalue.UnmarshalMap(item, &dr); err != nil {
				return nil, fmt.Errorf("decoding record: %w", err)
			}
			records = append(records, &dr)
			if len(records) == limit {
				break
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return records, nil
}

// take flips one candidate to active, conditioned on the record still being
// in the observed state.
func (d *Dynamo) take(ctx context.Context, candidate *dynamoRecord, now time.Time) (*Record, error) {
	deadline := now.Add(d.cfg.ProcessingTimeout)

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: candidate.ID},
		},
		UpdateExpression: aws.String(
			"SET #s = :active, claimedBy = :worker, startedOn = :now, keepAlive = :now, eligibleAt = :deadline"),
		ConditionExpression:      aws.String("#s = :observed AND eligibleAt = :observedAt"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":active":     &types.AttributeValueMemberS{Value: string(StatusActive)},
			":worker":     &types.AttributeValueMemberS{Value: d.worker},
			":now":        &types.AttributeValueMemberN{Value: fmt.Sprint(now.UnixMilli())},
			":deadline":   &types.AttributeValueMemberN{Value: fmt.Sprint(deadline.UnixMilli())},
			":observed":   &types.AttributeValueMemberS{Value: candidate.Status},
			":observedAt": &types.AttributeValueMemberN{Value: fmt.Sprint(candidate.EligibleAt)},
		},
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return nil, nil // lost the race, another worker claimed it
		}
		return nil, fmt.Errorf("claiming record %s: %w", candidate.ID, err)
	}

	r := candidate.record()
	r.Status = StatusActive
	r.ClaimedBy = d.worker
	r.StartedOn = now
	r.KeepAlive = now
	return r, nil
}

// startHeartbeat pushes eligibleAt (the keep-alive deadline of active
// items) forward at a third of the expiry window.
func (d *Dynamo) startHeartbeat(ctx context.Context, records []*Record) func() {
	interval := d.cfg.ProcessingTimeout / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				deadline := now.Add(d.cfg.ProcessingTimeout)
				for _, r := range records {
					_, err := d.client.UpdateItem(hbCtx, &dynamodb.UpdateItemInput{
						TableName: aws.String(d.table),
						Key: map[string]types.AttributeValue{
							"id": &types.AttributeValueMemberS{Value: r.ID},
						},
						UpdateExpression:         aws.String("SET keepAlive = :now, eligibleAt = :deadline"),
						ConditionExpression:      aws.String("claimedBy = :worker AND #s = :active"),
						ExpressionAttributeNames: map[string]string{"#s": "status"},
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":now":      &types.AttributeValueMemberN{Value: fmt.Sprint(now.UnixMilli())},
							":deadline": &types.AttributeValueMemberN{Value: fmt.Sprint(deadline.UnixMilli())},
							":worker":   &types.AttributeValueMemberS{Value: d.worker},
							":active":   &types.AttributeValueMemberS{Value: string(StatusActive)},
						},
					})
					if err != nil {
						var cond *types.ConditionalCheckFailedException
						if !errors.As(err, &cond) && d.sink != nil {
							d.sink(outflow.NewOperational("refreshing keep-alive", err), nil)
						}
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// settleCompleted marks the item completed and arms the TTL attribute; the
// table sweep removes it after the archive window.
func (d *Dynamo) settleCompleted(ctx context.Context, r *Record) error {
	now := time.Now().UTC()

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: r.ID},
		},
		UpdateExpression: aws.String(
			"SET #s = :completed, completedOn = :now, expiresAt = :expires REMOVE claimedBy"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: string(StatusCompleted)},
			":now":       &types.AttributeValueMemberN{Value: fmt.Sprint(now.UnixMilli())},
			":expires":   &types.AttributeValueMemberN{Value: fmt.Sprint(now.Add(dynamoArchiveTTL).Unix())},
		},
	})
	if err != nil {
		return fmt.Errorf("settling record %s: %w", r.ID, err)
	}
	metrics.OutboxEventsSettled.WithLabelValues("dynamo", "completed").Inc()
	return nil
}

func (d *Dynamo) settleFailed(ctx context.Context, r *Record, cause error) error {
	count := r.RetryCount + 1
	terminal := count > d.cfg.MaxRetries
	now := time.Now().UTC()

	// Terminal items keep eligibleAt = occurredAt so the dead-letter
	// listing can order them on the same index.
	eligible := r.OccurredAt.UnixMilli()
	var nextRetry int64
	if !terminal {
		nextRetry = now.Add(d.cfg.retryStrategy().Backoff(count)).UnixMilli()
		eligible = nextRetry
	}

	values := map[string]types.AttributeValue{
		":failed":   &types.AttributeValueMemberS{Value: string(StatusFailed)},
		":count":    &types.AttributeValueMemberN{Value: fmt.Sprint(count)},
		":cause":    &types.AttributeValueMemberS{Value: cause.Error()},
		":now":      &types.AttributeValueMemberN{Value: fmt.Sprint(now.UnixMilli())},
		":eligible": &types.AttributeValueMemberN{Value: fmt.Sprint(eligible)},
	}
	var update string
	if terminal {
		update = "SET #s = :failed, retryCount = :count, lastError = :cause, keepAlive = :now, eligibleAt = :eligible REMOVE claimedBy, nextRetryAt"
	} else {
		update = "SET #s = :failed, retryCount = :count, lastError = :cause, keepAlive = :now, eligibleAt = :eligible, nextRetryAt = :nextRetry REMOVE claimedBy"
		values[":nextRetry"] = &types.AttributeValueMemberN{Value: fmt.Sprint(nextRetry)}
	}

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: r.ID},
		},
		UpdateExpression:          aws.String(update),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("settling failed record %s: %w", r.ID, err)
	}

	ev := r.Event()
	if terminal {
		metrics.OutboxEventsSettled.WithLabelValues("dynamo", "dead_letter").Inc()
		if d.sink != nil {
			d.sink(outflow.NewMaxRetriesExceeded(cause, ev, count), ev)
		}
	} else {
		metrics.OutboxEventsSettled.WithLabelValues("dynamo", "retried").Inc()
		if d.sink != nil {
			d.sink(outflow.NewHandlerError(cause, ev), ev)
		}
	}
	return nil
}

func (d *Dynamo) FailedEvents(ctx context.Context, limit int) ([]*outflow.FailedEvent, error) {
	if limit <= 0 || limit > FailedEventsDefaultLimit {
		limit = FailedEventsDefaultLimit
	}

	// Limit applies before the filter, so retryable records on the first
	// page can hide dead letters; page until limit matches are collected.
	var failed []*outflow.FailedEvent
	var startKey map[string]types.AttributeValue
	for len(failed) < limit {
		out, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                aws.String(d.table),
			IndexName:                aws.String(dynamoStatusIndex),
			KeyConditionExpression:   aws.String("#s = :failed"),
			FilterExpression:         aws.String("retryCount > :maxRetries"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":failed":     &types.AttributeValueMemberS{Value: string(StatusFailed)},
				":maxRetries": &types.AttributeValueMemberN{Value: fmt.Sprint(d.cfg.MaxRetries)},
			},
			ScanIndexForward:  aws.Bool(false),
			Limit:             aws.Int32(int32(limit)),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("listing failed records: %w", err)
		}

		for _, item := range out.Items {
			var dr dynamoRecord
			if err := attributevalue.UnmarshalMap(item, &dr); err != nil {
				return nil, fmt.Errorf("decoding failed record: %w", err)
			}
			failed = append(failed, dr.record().FailedEvent())
			if len(failed) == limit {
				break
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return failed, nil
}

func (d *Dynamo) RetryEvents(ctx context.Context, ids []string) error {
	for _, id := range ids {
		_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(d.table),
			Key: map[string]types.AttributeValue{
				"id": &types.AttributeValueMemberS{Value: id},
			},
			UpdateExpression: aws.String(
				"SET #s = :created, retryCount = :zero, eligibleAt = occurredAt REMOVE lastError, nextRetryAt, claimedBy"),
			ConditionExpression:      aws.String("#s = :failed"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":created": &types.AttributeValueMemberS{Value: string(StatusCreated)},
				":zero":    &types.AttributeValueMemberN{Value: "0"},
				":failed":  &types.AttributeValueMemberS{Value: string(StatusFailed)},
			},
		})
		if err != nil {
			var cond *types.ConditionalCheckFailedException
			if errors.As(err, &cond) {
				continue // not failed, nothing to reset
			}
			return fmt.Errorf("resetting record %s: %w", id, err)
		}
	}
	return nil
}
