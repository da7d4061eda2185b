package pgxv5

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/3rs4lg4d0/runbox/workflow"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	insertRunSql = "INSERT INTO workflow_run (id, definition, correlation_id, input, status, external_run_id, error, created_at, updated_at, version) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)"
	updateRunSql = "UPDATE workflow_run SET status=$1, external_run_id=$2, error=$3, updated_at=$4, version=$5 WHERE id=$6 AND version=$7"
	getRunSql    = "SELECT id, definition, correlation_id, input, status, external_run_id, error, created_at, updated_at, version FROM workflow_run WHERE id=$1"
)

// RunStore persists workflow runs in the 'workflow_run' table.
type RunStore struct {
	r *Repository
}

var _ workflow.Store = (*RunStore)(nil)

func (s *RunStore) Insert(ctx context.Context, run *workflow.Run) error {
	_, err := s.r.conn(ctx).Exec(ctx, insertRunSql,
		run.Id, run.Definition, run.CorrelationId, []byte(run.Input), int16(run.Status),
		run.ExternalRunId, run.Error, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the run %s: %w", run.Id, err)
	}
	run.Version = 1
	return nil
}

func (s *RunStore) Update(ctx context.Context, run *workflow.Run) error {
	ct, err := s.r.conn(ctx).Exec(ctx, updateRunSql,
		int16(run.Status), run.ExternalRunId, run.Error, run.UpdatedAt, run.Version+1, run.Id, run.Version)
	if err != nil {
		return fmt.Errorf("could not update the run %s: %w", run.Id, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("run %s at version %d: %w", run.Id, run.Version, workflow.ErrConflict)
	}
	run.Version++
	return nil
}

func (s *RunStore) Get(ctx context.Context, id uuid.UUID) (*workflow.Run, error) {
	var row runRow
	err := s.r.conn(ctx).QueryRow(ctx, getRunSql, id).Scan(
		&row.id, &row.definition, &row.correlationId, &row.input, &row.status,
		&row.externalRunId, &row.failure, &row.createdAt, &row.updatedAt, &row.version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, rbx.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &workflow.Run{
		Id:            uuid.UUID(row.id.Bytes),
		Definition:    row.definition,
		CorrelationId: row.correlationId,
		Input:         json.RawMessage(row.input),
		Status:        workflow.Status(row.status),
		ExternalRunId: row.externalRunId,
		Error:         row.failure,
		CreatedAt:     row.createdAt,
		UpdatedAt:     row.updatedAt,
		Version:       row.version,
	}, nil
}
