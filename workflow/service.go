package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/google/uuid"
)

// StartRun asks for a new run of a process definition.
type StartRun struct {
	MessageId     uuid.UUID       `json:"-"`
	Definition    string          `json:"definition"`
	CorrelationId string          `json:"correlationId"`
	Input         json.RawMessage `json:"input,omitempty"`
}

// CompleteRun reports the successful end of a run.
type CompleteRun struct {
	MessageId uuid.UUID       `json:"-"`
	RunId     uuid.UUID       `json:"runId"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// FailRun reports the failed end of a run.
type FailRun struct {
	MessageId uuid.UUID `json:"-"`
	RunId     uuid.UUID `json:"runId"`
	Reason    string    `json:"reason"`
}

// Service handles workflow run commands and reconciles the state reported by
// the delivery pipeline.
type Service struct {
	runs    *Repository
	capture *rbx.Capture
	clock   rbx.Clock
	logger  rbx.Logger
}

var _ rbx.RunTracker = (*Service)(nil)
var _ rbx.Loggable = (*Service)(nil)

// NewService creates a Service. A nil clock means rbx.SystemClock.
func NewService(runs *Repository, c *rbx.Capture, clock rbx.Clock) *Service {
	if runs == nil || c == nil {
		panic("you must provide a run repository and a capture")
	}
	if clock == nil {
		clock = rbx.SystemClock{}
	}
	return &Service{runs: runs, capture: c, clock: clock, logger: &rbx.NopLogger{}}
}

func (s *Service) SetLogger(l rbx.Logger) {
	if l != nil {
		s.logger = l
	}
}

// StartRun creates a pending run. The run is triggered in the external engine
// once its RunRequested notification has been delivered.
func (s *Service) StartRun(ctx context.Context, cmd StartRun) (*Run, error) {
	if cmd.Definition == "" {
		return nil, fmt.Errorf("%w: a process definition is required", ErrInvalidCommand)
	}
	run := NewRun(cmd.MessageId, cmd.Definition, cmd.CorrelationId, cmd.Input, s.clock.Now())
	if err := s.runs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("saving run %s: %w", run.Id, err)
	}
	s.logger.Debug(fmt.Sprintf("run %s of '%s' accepted", run.Id, run.Definition))
	return run, nil
}

func (s *Service) CompleteRun(ctx context.Context, cmd CompleteRun) error {
	return s.mutate(ctx, cmd.RunId, func(run *Run) error {
		return run.Complete(cmd.MessageId, cmd.Output, s.clock.Now())
	})
}

func (s *Service) FailRun(ctx context.Context, cmd FailRun) error {
	if cmd.Reason == "" {
		return fmt.Errorf("%w: a failure reason is required", ErrInvalidCommand)
	}
	return s.mutate(ctx, cmd.RunId, func(run *Run) error {
		return run.Fail(cmd.MessageId, cmd.Reason, s.clock.Now())
	})
}

// RecordStarted stores the external run id and raises RunStarted. A run that
// finished before its trigger was delivered keeps its status.
func (s *Service) RecordStarted(ctx context.Context, runId uuid.UUID, externalRunId string) error {
	err := s.mutate(ctx, runId, func(run *Run) error {
		return run.MarkStarted(externalRunId, s.clock.Now())
	})
	if errors.Is(err, ErrInvalidTransition) {
		s.logger.Warn(fmt.Sprintf("run %s already finished, ignoring external run %s", runId, externalRunId))
		return nil
	}
	return err
}

// RecordFailed flips the run to failed after its trigger exhausted every
// retry. The compensating event is captured by the delivery pipeline.
func (s *Service) RecordFailed(ctx context.Context, runId uuid.UUID, reason string) error {
	err := s.mutate(ctx, runId, func(run *Run) error {
		return run.abort(reason, s.clock.Now())
	})
	if errors.Is(err, ErrInvalidTransition) {
		s.logger.Warn(fmt.Sprintf("run %s already finished, keeping its status", runId))
		return nil
	}
	return err
}

// Hooks returns the processed hooks the notification loop must run.
func (s *Service) Hooks() map[string]rbx.ProcessedHook {
	return map[string]rbx.ProcessedHook{
		RunRequested{}.EventType(): s.trigger,
	}
}

// trigger captures the external trigger of a requested run inside the
// transaction that marks its RunRequested notification processed.
func (s *Service) trigger(ctx context.Context, e *rbx.Event) error {
	requested, ok := e.Data.(RunRequested)
	if !ok {
		return fmt.Errorf("unexpected %T payload for %s", e.Data, e.Type)
	}
	run, err := s.runs.Get(ctx, requested.RunId)
	if err != nil {
		return err
	}
	if run.Status != StatusPending {
		s.logger.Warn(fmt.Sprintf("run %s is %s, it will not be triggered", run.Id, run.Status))
		return nil
	}
	return s.capture.Append(ctx, rbx.Raised{
		Class:   rbx.ExternalTrigger,
		Subject: run.Definition,
		Key:     run.Id.String(),
		Headers: e.Headers,
		Event: rbx.ProcessDescriptor{
			RunId:         run.Id,
			Definition:    run.Definition,
			CorrelationId: run.CorrelationId,
			Input:         run.Input,
		},
	})
}

func (s *Service) mutate(ctx context.Context, runId uuid.UUID, change func(run *Run) error) error {
	run, err := s.runs.Get(ctx, runId)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runId, err)
	}
	if err := change(run); err != nil {
		return err
	}
	if err := s.runs.Save(ctx, run); err != nil {
		return fmt.Errorf("saving run %s: %w", runId, err)
	}
	return nil
}
