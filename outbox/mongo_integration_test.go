package outbox

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	outflow "go.outflow.dev"
)

// Requires a running MongoDB replica set; set OUTFLOW_MONGO_URI to enable,
// e.g. mongodb://localhost:27017/?replicaSet=rs0
func mongoTestDB(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv("OUTFLOW_MONGO_URI")
	if uri == "" {
		t.Skip("OUTFLOW_MONGO_URI not set, skipping mongo integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo connect failed: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Fatalf("mongo ping failed: %v", err)
	}

	db := client.Database("outflow_test")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		db.Drop(ctx)
		client.Disconnect(ctx)
	})
	return db
}

func TestMongoLifecycle(t *testing.T) {
	db := mongoTestDB(t)

	m := NewMongo(db, &Config{
		BatchSize:         10,
		PollInterval:      50 * time.Millisecond,
		MaxRetries:        1,
		BaseBackoff:       50 * time.Millisecond,
		MaxErrorBackoff:   time.Second,
		ProcessingTimeout: 5 * time.Second,
	})
	if err := m.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}

	var attempts atomic.Int32
	var dead atomic.Int32
	m.Start(func(ctx context.Context, ev *outflow.Event) error {
		attempts.Add(1)
		return errors.New("handler down")
	}, func(err error, ev *outflow.Event) {
		if errors.Is(err, outflow.ErrMaxRetriesExceeded) {
			dead.Add(1)
		}
	})
	defer m.Stop()

	ev := outflow.NewEvent("order.placed", []byte(`{"id":7}`))
	if err := m.Publish(context.Background(), []*outflow.Event{ev}, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// maxRetries=1 gives two attempts, then the dead-letter list.
	deadline := time.Now().Add(10 * time.Second)
	for dead.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}

	failed, err := m.FailedEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("FailedEvents failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != ev.ID || failed[0].RetryCount != 2 {
		t.Fatalf("unexpected dead-letter view: %+v", failed)
	}

	if err := m.RetryEvents(context.Background(), []string{ev.ID}); err != nil {
		t.Fatalf("RetryEvents failed: %v", err)
	}

	deadline = time.Now().Add(10 * time.Second)
	for attempts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if attempts.Load() < 3 {
		t.Fatal("manually retried event was not redelivered")
	}
}

func TestMongoPublishIdempotent(t *testing.T) {
	db := mongoTestDB(t)

	m := NewMongo(db, nil)
	ev := outflow.NewEvent("t", nil)

	if err := m.Publish(context.Background(), []*outflow.Event{ev}, nil); err != nil {
		t.Fatalf("first Publish failed: %v", err)
	}
	if err := m.Publish(context.Background(), []*outflow.Event{ev}, nil); err != nil {
		t.Fatalf("duplicate Publish must succeed: %v", err)
	}

	count, err := db.Collection("outbox_events").CountDocuments(context.Background(), map[string]any{"_id": ev.ID})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one document, got %d", count)
	}
}
