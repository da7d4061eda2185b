package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

var lockColumns = []string{"name", "locked", "locked_by", "locked_at", "locked_until", "version"}

var getLockRegEx = regexp.QuoteMeta("SELECT name, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE name=")

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_outbox.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

func MockUnlockedOutboxLock(mock sqlmock.Sqlmock, name string) *sqlmock.Rows {
	rows := sqlmock.NewRows(lockColumns).
		AddRow(name, false, nil, nil, nil, 1)
	mock.ExpectQuery(getLockRegEx).WithArgs(name).WillReturnRows(rows)
	return rows
}

func MockLockedOutboxLock(mock sqlmock.Sqlmock, name string, owner uuid.UUID, until time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows(lockColumns).
		AddRow(name, true, owner.String(), until.Add(-30*time.Second), until, 1)
	mock.ExpectQuery(getLockRegEx).WithArgs(name).WillReturnRows(rows)
	return rows
}

// MockOutboxRows returns three pending records: a first delivery, a record
// that already failed twice and one scheduled for a later retry.
func MockOutboxRows(messageId uuid.UUID, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "message_id", "delivery_class", "payload", "created_at", "processed_at", "next_retry_at", "retry_attempt"}).
		AddRow(1, messageId.String(), 0, []byte("payload"), now, nil, nil, nil).
		AddRow(2, uuid.NewString(), 0, []byte("payload"), now, nil, nil, 2).
		AddRow(3, uuid.NewString(), 0, []byte("payload"), now, nil, now.Add(time.Second), 1)
}
