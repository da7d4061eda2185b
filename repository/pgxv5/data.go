package pgxv5

import (
	"fmt"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type outboxLock struct {
	name        string
	locked      bool
	lockedBy    pgtype.UUID
	lockedAt    pgtype.Timestamptz
	lockedUntil pgtype.Timestamptz
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{name=%s, locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.name,
		o.locked,
		uuid.UUID(o.lockedBy.Bytes),
		o.lockedAt.Time,
		o.lockedUntil.Time,
		o.version)
}

type outboxRow struct {
	id            int64
	messageId     pgtype.UUID
	deliveryClass int16
	payload       []byte
	createdAt     time.Time
	processedAt   pgtype.Timestamptz
	nextRetryAt   pgtype.Timestamptz
	retryAttempt  pgtype.Int4
}

func (r *outboxRow) record() *rbx.OutboxRecord {
	o := &rbx.OutboxRecord{
		Id:            r.id,
		MessageId:     uuid.UUID(r.messageId.Bytes),
		DeliveryClass: rbx.DeliveryClass(r.deliveryClass),
		Payload:       r.payload,
		CreatedAt:     r.createdAt,
	}
	if r.processedAt.Valid {
		t := r.processedAt.Time
		o.ProcessedAt = &t
	}
	if r.nextRetryAt.Valid {
		t := r.nextRetryAt.Time
		o.NextRetryAt = &t
	}
	if r.retryAttempt.Valid {
		n := int(r.retryAttempt.Int32)
		o.RetryAttempt = &n
	}
	return o
}

type runRow struct {
	id            pgtype.UUID
	definition    string
	correlationId string
	input         []byte
	status        int16
	externalRunId string
	failure       string
	createdAt     time.Time
	updatedAt     time.Time
	version       int64
}
