package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

const uniqueViolation = "23505"

const (
	insertOutboxSql             = "INSERT INTO outbox (message_id, delivery_class, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id"
	getPendingSql               = "SELECT id, message_id, delivery_class, payload, created_at, processed_at, next_retry_at, retry_attempt FROM outbox WHERE processed_at IS NULL AND delivery_class=$1 AND (next_retry_at IS NULL OR next_retry_at <= $2) ORDER BY id ASC"
	getPendingWithLimitSql      = getPendingSql + " LIMIT $3"
	updateOutboxSql             = "UPDATE outbox SET processed_at=$1, next_retry_at=$2, retry_attempt=$3 WHERE id=$4 AND processed_at IS NULL"
	existsOutboxSql             = "SELECT EXISTS(SELECT 1 FROM outbox WHERE message_id=$1)"
	deleteProcessedSql          = "DELETE FROM outbox WHERE processed_at IS NOT NULL AND created_at < $1"
	deleteProcessedWithLimitSql = "DELETE FROM outbox WHERE id IN (SELECT id FROM outbox WHERE processed_at IS NOT NULL AND created_at < $1 ORDER BY id ASC LIMIT $2)"
	getOutboxLockRowSql         = "SELECT name, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE name=$1"
	acquireLockSql              = "UPDATE outbox_lock SET locked=true, locked_by=$1, locked_at=$2, locked_until=$3, version=$4 WHERE name=$5 AND version=$6"
	releaseLockSql              = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null, version=version+1 WHERE name=$1 AND locked_by=$2"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	queryer
}

// queryer is satisfied by both the pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Repository struct {
	txKey  rbx.TxKey
	db     dbpool
	logger rbx.Logger
}

var _ rbx.Loggable = (*Repository)(nil)
var _ rbx.Repository = (*Repository)(nil)

func New(txKey rbx.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &rbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l rbx.Logger) {
	r.logger = l
}

// Runs returns the run store sharing this repository's pool and transactions.
func (r *Repository) Runs() *RunStore {
	return &RunStore{r}
}

// Flags returns the feature flag source backed by the 'feature_flag' table.
func (r *Repository) Flags() *FlagStore {
	return &FlagStore{r}
}

// conn returns the transaction carried by ctx or the pool when there is none.
func (r *Repository) conn(ctx context.Context) queryer {
	if tx, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		return tx
	}
	return r.db
}

// Transaction runs fn in a pgx.Tx stored in the context under the configured
// key. An outer transaction found in ctx is joined instead.
func (r *Repository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()
	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			r.logger.Error("could not roll back the transaction", rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Append persists the outbox records in the business transaction that should
// be present in the context. The expected transaction should implement the
// pgx.Tx interface.
func (r *Repository) Append(ctx context.Context, records ...*rbx.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return fmt.Errorf("a pgx.Tx transaction was expected: %w", rbx.ErrTxMissing)
	}
	for _, o := range records {
		row := tx.QueryRow(ctx, insertOutboxSql, o.MessageId, int16(o.DeliveryClass), o.Payload, o.CreatedAt)
		if err := row.Scan(&o.Id); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: message %s", rbx.ErrDuplicate, o.MessageId)
			}
			return fmt.Errorf("could not persist the outbox record: %w", err)
		}
	}
	return nil
}

// FindPending retrieves the pending records of a delivery class that are
// eligible at now.
func (r *Repository) FindPending(ctx context.Context, class rbx.DeliveryClass, now time.Time, limit int) ([]*rbx.OutboxRecord, error) {
	var rows pgx.Rows
	var err error

	if limit == -1 {
		rows, err = r.conn(ctx).Query(ctx, getPendingSql, int16(class), now)
	} else {
		rows, err = r.conn(ctx).Query(ctx, getPendingWithLimitSql, int16(class), now, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ors []*rbx.OutboxRecord
	for rows.Next() {
		var row outboxRow
		err := rows.Scan(&row.id, &row.messageId, &row.deliveryClass, &row.payload, &row.createdAt, &row.processedAt, &row.nextRetryAt, &row.retryAttempt)
		if err != nil {
			return nil, err
		}
		ors = append(ors, row.record())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ors, nil
}

// Update writes the delivery state of a record. The write only succeeds while
// the record is still pending, so two instances can never both finalize it.
func (r *Repository) Update(ctx context.Context, o *rbx.OutboxRecord) (bool, error) {
	var attempt pgtype.Int4
	if o.RetryAttempt != nil {
		attempt = pgtype.Int4{Int32: int32(*o.RetryAttempt), Valid: true}
	}
	ct, err := r.conn(ctx).Exec(ctx, updateOutboxSql, timestamptz(o.ProcessedAt), timestamptz(o.NextRetryAt), attempt, o.Id)
	if err != nil {
		return false, fmt.Errorf("could not update the outbox record %d: %w", o.Id, err)
	}
	return ct.RowsAffected() == 1, nil
}

// Exists reports whether a record with the given message id is stored.
func (r *Repository) Exists(ctx context.Context, messageId uuid.UUID) (bool, error) {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, existsOutboxSql, messageId).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// DeleteProcessedBefore deletes one batch of processed records created before
// cutoff and returns how many rows were removed.
func (r *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	var ct pgconn.CommandTag
	var err error

	if batchSize == -1 {
		ct, err = r.conn(ctx).Exec(ctx, deleteProcessedSql, cutoff)
	} else {
		ct, err = r.conn(ctx).Exec(ctx, deleteProcessedWithLimitSql, cutoff, batchSize)
	}
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// AcquireLock obtains the named loop lease by employing an optimistic lock
// strategy on the auxiliary table 'outbox_lock'. The owner may renew its own
// lease before it expires.
func (r *Repository) AcquireLock(ctx context.Context, name string, owner uuid.UUID, ttl time.Duration) (bool, error) {
	lock, err := r.getOutboxLockRow(ctx, name)
	if err != nil {
		return false, err
	}
	if lock.locked && lock.lockedUntil.Time.After(time.Now()) && uuid.UUID(lock.lockedBy.Bytes) != owner {
		return false, nil
	}
	lockedAt := time.Now()
	lockedUntil := lockedAt.Add(ttl)
	ct, err := r.db.Exec(ctx, acquireLockSql, owner, lockedAt, lockedUntil, lock.version+1, name, lock.version)
	if err != nil {
		return false, err
	}

	if ct.RowsAffected() == 0 {
		return false, errors.New("race condition detected during the optimistic locking")
	}
	r.logger.Debug(fmt.Sprintf("the %s lock was acquired by %s", name, owner))
	return true, nil
}

// ReleaseLock releases the named loop lease held by owner.
func (r *Repository) ReleaseLock(ctx context.Context, name string, owner uuid.UUID) error {
	ct, err := r.db.Exec(ctx, releaseLockSql, name, owner)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("the %s lock is not held by %s", name, owner)
	}
	r.logger.Debug(fmt.Sprintf("the %s lock was released by %s", name, owner))
	return nil
}

// getOutboxLockRow returns the 'outbox_lock' row of the named lease.
func (r *Repository) getOutboxLockRow(ctx context.Context, name string) (*outboxLock, error) {
	row := r.db.QueryRow(ctx, getOutboxLockRowSql, name)
	var lock outboxLock
	err := row.Scan(&lock.name, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock %s: %w", name, rbx.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
