package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const uniqueViolation = "23505"

const (
	insertOutboxSql             = "INSERT INTO outbox (message_id, delivery_class, payload, created_at) VALUES (?, ?, ?, ?) RETURNING id"
	getPendingSql               = "SELECT id, message_id, delivery_class, payload, created_at, processed_at, next_retry_at, retry_attempt FROM outbox WHERE processed_at IS NULL AND delivery_class=? AND (next_retry_at IS NULL OR next_retry_at <= ?) ORDER BY id ASC"
	getPendingWithLimitSql      = getPendingSql + " LIMIT ?"
	updateOutboxSql             = "UPDATE outbox SET processed_at=?, next_retry_at=?, retry_attempt=? WHERE id=? AND processed_at IS NULL"
	existsOutboxSql             = "SELECT EXISTS(SELECT 1 FROM outbox WHERE message_id=?)"
	deleteProcessedSql          = "DELETE FROM outbox WHERE processed_at IS NOT NULL AND created_at < ?"
	deleteProcessedWithLimitSql = "DELETE FROM outbox WHERE id IN (SELECT id FROM outbox WHERE processed_at IS NOT NULL AND created_at < ? ORDER BY id ASC LIMIT ?)"
	getOutboxLockRowSql         = "SELECT name, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE name=?"
	acquireLockSql              = "UPDATE outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE name=? AND version=?"
	releaseLockSql              = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null, version=version+1 WHERE name=? AND locked_by=?"
)

type Repository struct {
	txKey  rbx.TxKey
	db     *gorm.DB
	logger rbx.Logger
}

var _ rbx.Loggable = (*Repository)(nil)
var _ rbx.Repository = (*Repository)(nil)

func New(txKey rbx.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &rbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l rbx.Logger) {
	r.logger = l
}

// Runs returns the run store sharing this repository's connection and
// transactions.
func (r *Repository) Runs() *RunStore {
	return &RunStore{r}
}

// Flags returns the feature flag source backed by the 'feature_flag' table.
func (r *Repository) Flags() *FlagStore {
	return &FlagStore{r}
}

// conn returns the transaction carried by ctx or the base connection.
func (r *Repository) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// Transaction runs fn in a gorm transaction stored in the context under the
// configured key. An outer transaction found in ctx is joined instead.
func (r *Repository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, r.txKey, tx))
	})
}

// Append persists the outbox records in the business transaction that should
// be present in the context. The expected transaction should be a pointer to
// an instance of gorm.DB.
func (r *Repository) Append(ctx context.Context, records ...*rbx.OutboxRecord) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return fmt.Errorf("a *gorm.DB transaction was expected: %w", rbx.ErrTxMissing)
	}
	for _, o := range records {
		row := tx.WithContext(ctx).Raw(insertOutboxSql, o.MessageId, int16(o.DeliveryClass), o.Payload, o.CreatedAt).Row()
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
	var rows *sql.Rows
	var err error
	if limit == -1 {
		rows, err = r.conn(ctx).Raw(getPendingSql, int16(class), now).Rows()
	} else {
		rows, err = r.conn(ctx).Raw(getPendingWithLimitSql, int16(class), now, limit).Rows()
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ors []*rbx.OutboxRecord
	for rows.Next() {
		var row outboxRow
		err := rows.Scan(&row.Id, &row.MessageId, &row.DeliveryClass, &row.Payload, &row.CreatedAt, &row.ProcessedAt, &row.NextRetryAt, &row.RetryAttempt)
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

// Update writes the delivery state of a record that is still pending.
func (r *Repository) Update(ctx context.Context, o *rbx.OutboxRecord) (bool, error) {
	var attempt sql.NullInt32
	if o.RetryAttempt != nil {
		attempt = sql.NullInt32{Int32: int32(*o.RetryAttempt), Valid: true}
	}
	res := r.conn(ctx).Exec(updateOutboxSql, nullTime(o.ProcessedAt), nullTime(o.NextRetryAt), attempt, o.Id)
	if res.Error != nil {
		return false, fmt.Errorf("could not update the outbox record %d: %w", o.Id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Exists reports whether a record with the given message id is stored.
func (r *Repository) Exists(ctx context.Context, messageId uuid.UUID) (bool, error) {
	var exists bool
	if err := r.conn(ctx).Raw(existsOutboxSql, messageId).Row().Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// DeleteProcessedBefore deletes one batch of processed records created before
// cutoff and returns how many rows were removed.
func (r *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	var res *gorm.DB
	if batchSize == -1 {
		res = r.conn(ctx).Exec(deleteProcessedSql, cutoff)
	} else {
		res = r.conn(ctx).Exec(deleteProcessedWithLimitSql, cutoff, batchSize)
	}
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// AcquireLock obtains the named loop lease by employing an optimistic lock
// strategy on the auxiliary table 'outbox_lock'. The owner may renew its own
// lease before it expires.
func (r *Repository) AcquireLock(ctx context.Context, name string, owner uuid.UUID, ttl time.Duration) (bool, error) {
	lock, err := r.getOutboxLockRow(ctx, name)
	if err != nil {
		return false, err
	}
	if lock.Locked && lock.LockedUntil.Time.After(time.Now()) && lock.LockedBy != owner {
		return false, nil
	}
	lockedAt := time.Now()
	lockedUntil := lockedAt.Add(ttl)
	res := r.db.WithContext(ctx).Exec(acquireLockSql, owner, lockedAt, lockedUntil, lock.Version+1, name, lock.Version)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, errors.New("race condition detected during the optimistic locking")
	}

	r.logger.Debug(fmt.Sprintf("the %s lock was acquired by %s", name, owner))
	return true, nil
}

// ReleaseLock releases the named loop lease held by owner.
func (r *Repository) ReleaseLock(ctx context.Context, name string, owner uuid.UUID) error {
	res := r.db.WithContext(ctx).Exec(releaseLockSql, name, owner)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("the %s lock is not held by %s", name, owner)
	}
	r.logger.Debug(fmt.Sprintf("the %s lock was released by %s", name, owner))
	return nil
}

// getOutboxLockRow returns the 'outbox_lock' row of the named lease.
func (r *Repository) getOutboxLockRow(ctx context.Context, name string) (*outboxLock, error) {
	row := r.db.WithContext(ctx).Raw(getOutboxLockRowSql, name).Row()
	var lock outboxLock
	err := row.Scan(&lock.Name, &lock.Locked, &lock.LockedBy, &lock.LockedAt, &lock.LockedUntil, &lock.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock %s: %w", name, rbx.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
