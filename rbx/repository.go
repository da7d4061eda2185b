package rbx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TxKey is the context key under which stores carry the ongoing transaction.
type TxKey any

// Transactor runs units of work atomically.
type Transactor interface {

	// Transaction runs fn inside a transaction carried by the context passed to
	// fn. If ctx already carries a transaction fn joins it, otherwise the
	// transaction is committed when fn returns nil and rolled back otherwise.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Ledger answers whether a message id was already recorded.
type Ledger interface {
	Exists(ctx context.Context, messageId uuid.UUID) (bool, error)
}

// Repository manages outbox records persistent operations. It is the event
// store shared by every delivery loop and every worker instance.
type Repository interface {
	Transactor
	Ledger

	// Append persists the records inside the transaction carried by ctx and
	// fills their store assigned fields. A record whose message id already
	// exists fails with ErrDuplicate.
	Append(ctx context.Context, records ...*OutboxRecord) error

	// FindPending returns the records of the given class that are eligible at
	// now, in insertion order. A limit of -1 means unlimited.
	FindPending(ctx context.Context, class DeliveryClass, now time.Time, limit int) ([]*OutboxRecord, error)

	// Update writes ProcessedAt, NextRetryAt and RetryAttempt of a record that
	// is still pending. It reports false when the record was already processed.
	Update(ctx context.Context, o *OutboxRecord) (bool, error)

	// DeleteProcessedBefore deletes processed records created before cutoff in
	// batches of batchSize (-1 = single statement). Pending records are never
	// deleted.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)

	// AcquireLock takes or renews the named loop lease for owner.
	AcquireLock(ctx context.Context, name string, owner uuid.UUID, ttl time.Duration) (bool, error)

	// ReleaseLock releases the named loop lease held by owner.
	ReleaseLock(ctx context.Context, name string, owner uuid.UUID) error
}
