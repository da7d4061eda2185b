package gorm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/3rs4lg4d0/runbox/workflow"
	"github.com/google/uuid"
)

const (
	insertRunSql = "INSERT INTO workflow_run (id, definition, correlation_id, input, status, external_run_id, error, created_at, updated_at, version) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)"
	updateRunSql = "UPDATE workflow_run SET status=?, external_run_id=?, error=?, updated_at=?, version=? WHERE id=? AND version=?"
	getRunSql    = "SELECT id, definition, correlation_id, input, status, external_run_id, error, created_at, updated_at, version FROM workflow_run WHERE id=?"
)

// RunStore persists workflow runs in the 'workflow_run' table.
type RunStore struct {
	r *Repository
}

var _ workflow.Store = (*RunStore)(nil)

func (s *RunStore) Insert(ctx context.Context, run *workflow.Run) error {
	err := s.r.conn(ctx).Exec(insertRunSql,
		run.Id, run.Definition, run.CorrelationId, []byte(run.Input), int16(run.Status),
		run.ExternalRunId, run.Error, run.CreatedAt, run.UpdatedAt).Error
	if err != nil {
		return fmt.Errorf("could not persist the run %s: %w", run.Id, err)
	}
	run.Version = 1
	return nil
}

func (s *RunStore) Update(ctx context.Context, run *workflow.Run) error {
	res := s.r.conn(ctx).Exec(updateRunSql,
		int16(run.Status), run.ExternalRunId, run.Error, run.UpdatedAt, run.Version+1, run.Id, run.Version)
	if res.Error != nil {
		return fmt.Errorf("could not update the run %s: %w", run.Id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s at version %d: %w", run.Id, run.Version, workflow.ErrConflict)
	}
	run.Version++
	return nil
}

func (s *RunStore) Get(ctx context.Context, id uuid.UUID) (*workflow.Run, error) {
	var row runRow
	err := s.r.conn(ctx).Raw(getRunSql, id).Row().Scan(
		&row.Id, &row.Definition, &row.CorrelationId, &row.Input, &row.Status,
		&row.ExternalRunId, &row.Failure, &row.CreatedAt, &row.UpdatedAt, &row.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, rbx.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &workflow.Run{
		Id:            row.Id,
		Definition:    row.Definition,
		CorrelationId: row.CorrelationId,
		Input:         json.RawMessage(row.Input),
		Status:        workflow.Status(row.Status),
		ExternalRunId: row.ExternalRunId,
		Error:         row.Failure,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
		Version:       row.Version,
	}, nil
}
