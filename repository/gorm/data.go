package gorm

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/google/uuid"
)

type outboxLock struct {
	Name        string
	Locked      bool
	LockedBy    uuid.UUID
	LockedAt    sql.NullTime
	LockedUntil sql.NullTime
	Version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{name=%s, locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.Name,
		o.Locked,
		o.LockedBy,
		o.LockedAt,
		o.LockedUntil,
		o.Version)
}

type outboxRow struct {
	Id            int64
	MessageId     uuid.UUID
	DeliveryClass int16
	Payload       []byte
	CreatedAt     time.Time
	ProcessedAt   sql.NullTime
	NextRetryAt   sql.NullTime
	RetryAttempt  sql.NullInt32
}

func (r *outboxRow) record() *rbx.OutboxRecord {
	o := &rbx.OutboxRecord{
		Id:            r.Id,
		MessageId:     r.MessageId,
		DeliveryClass: rbx.DeliveryClass(r.DeliveryClass),
		Payload:       r.Payload,
		CreatedAt:     r.CreatedAt,
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time
		o.ProcessedAt = &t
	}
	if r.NextRetryAt.Valid {
		t := r.NextRetryAt.Time
		o.NextRetryAt = &t
	}
	if r.RetryAttempt.Valid {
		n := int(r.RetryAttempt.Int32)
		o.RetryAttempt = &n
	}
	return o
}

type runRow struct {
	Id            uuid.UUID
	Definition    string
	CorrelationId string
	Input         []byte
	Status        int16
	ExternalRunId string
	Failure       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64
}
