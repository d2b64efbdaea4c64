package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	outflow "go.outflow.dev"
)

// DynamoTxLimit is the TransactWriteItems cap DynamoDB imposes. A
// collector that grows past it fails with a batch-size error, because the
// writes could no longer commit atomically.
const DynamoTxLimit = 100

// DynamoTx collects writes for one atomic TransactWriteItems commit.
// DynamoDB has no open transactions, so the collector stands in for tx on
// Publish: business writes and outbox puts accumulate together and commit
// as one unit.
type DynamoTx struct {
	client DynamoDBAPI

	mu        sync.Mutex
	items     []types.TransactWriteItem
	committed bool
}

// NewDynamoTx creates an empty collector committing through the client.
func NewDynamoTx(client DynamoDBAPI) *DynamoTx {
	return &DynamoTx{client: client}
}

// Add appends a caller write to the transaction.
func (tx *DynamoTx) Add(item types.TransactWriteItem) error {
	return tx.add(item)
}

func (tx *DynamoTx) add(item types.TransactWriteItem) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return outflow.NewOperational("transaction already committed", nil)
	}
	if len(tx.items) >= DynamoTxLimit {
		return outflow.NewBatchSizeLimit(len(tx.items)+1, DynamoTxLimit)
	}
	tx.items = append(tx.items, item)
	return nil
}

// Len returns the number of collected writes.
func (tx *DynamoTx) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.items)
}

// Commit submits all collected writes atomically. A second Commit fails;
// an empty collector commits as a no-op.
func (tx *DynamoTx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return outflow.NewOperational("transaction already committed", nil)
	}
	tx.committed = true

	if len(tx.items) == 0 {
		return nil
	}
	_, err := tx.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: tx.items,
	})
	if err != nil {
		return fmt.Errorf("committing transaction of %d writes: %w", len(tx.items), err)
	}
	return nil
}
