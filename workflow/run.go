package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned when a command does not apply to the
	// current status of a run.
	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrInvalidCommand is returned for commands missing mandatory fields.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrConflict is returned when a run was modified concurrently.
	ErrConflict = errors.New("run was modified concurrently")
)

// Status is the lifecycle status of a workflow run.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Run tracks a long-running process executed by the external engine.
type Run struct {
	rbx.Events

	Id            uuid.UUID
	Definition    string
	CorrelationId string
	Input         json.RawMessage
	Status        Status
	ExternalRunId string
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64 // zero until the run is first stored
}

// NewRun creates a pending run and raises RunRequested under messageId.
func NewRun(messageId uuid.UUID, definition, correlationId string, input json.RawMessage, now time.Time) *Run {
	r := &Run{
		Id:            uuid.New(),
		Definition:    definition,
		CorrelationId: correlationId,
		Input:         input,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.raise(messageId, RunRequested{
		RunId:         r.Id,
		Definition:    definition,
		CorrelationId: correlationId,
		Input:         input,
		RequestedAt:   now,
	})
	return r
}

// MarkStarted records the external run id returned by the engine.
func (r *Run) MarkStarted(externalRunId string, now time.Time) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: cannot start a %s run", ErrInvalidTransition, r.Status)
	}
	r.Status = StatusRunning
	r.ExternalRunId = externalRunId
	r.UpdatedAt = now
	r.raise(uuid.Nil, RunStarted{
		RunId:         r.Id,
		CorrelationId: r.CorrelationId,
		ExternalRunId: externalRunId,
		StartedAt:     now,
	})
	return nil
}

// Complete marks the run succeeded and raises RunSucceeded under messageId.
func (r *Run) Complete(messageId uuid.UUID, output json.RawMessage, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: cannot complete a %s run", ErrInvalidTransition, r.Status)
	}
	r.Status = StatusSucceeded
	r.UpdatedAt = now
	r.raise(messageId, RunSucceeded{
		RunId:         r.Id,
		CorrelationId: r.CorrelationId,
		ExternalRunId: r.ExternalRunId,
		Output:        output,
		CompletedAt:   now,
	})
	return nil
}

// Fail marks the run failed and raises RunFailed under messageId.
func (r *Run) Fail(messageId uuid.UUID, reason string, now time.Time) error {
	if err := r.abort(reason, now); err != nil {
		return err
	}
	r.raise(messageId, RunFailed{
		RunId:         r.Id,
		CorrelationId: r.CorrelationId,
		ExternalRunId: r.ExternalRunId,
		Reason:        reason,
		FailedAt:      now,
	})
	return nil
}

// abort flips the run to failed without raising any event.
func (r *Run) abort(reason string, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: cannot fail a %s run", ErrInvalidTransition, r.Status)
	}
	r.Status = StatusFailed
	r.Error = reason
	r.UpdatedAt = now
	return nil
}

func (r *Run) raise(messageId uuid.UUID, e rbx.DomainEvent) {
	r.Raise(rbx.Raised{
		MessageId: messageId,
		Class:     rbx.Notification,
		Subject:   e.EventType(),
		Key:       r.Id.String(),
		Event:     e,
	})
}
