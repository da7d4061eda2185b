package workflow

import (
	"encoding/json"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/google/uuid"
)

// RunRequested is published when a run has been accepted. Its delivery
// captures the external trigger that starts the run.
type RunRequested struct {
	RunId         uuid.UUID       `json:"runId"`
	Definition    string          `json:"definition"`
	CorrelationId string          `json:"correlationId"`
	Input         json.RawMessage `json:"input,omitempty"`
	RequestedAt   time.Time       `json:"requestedAt"`
}

func (RunRequested) EventType() string { return "RunRequested" }

type RunStarted struct {
	RunId         uuid.UUID `json:"runId"`
	CorrelationId string    `json:"correlationId"`
	ExternalRunId string    `json:"externalRunId"`
	StartedAt     time.Time `json:"startedAt"`
}

func (RunStarted) EventType() string { return "RunStarted" }

type RunSucceeded struct {
	RunId         uuid.UUID       `json:"runId"`
	CorrelationId string          `json:"correlationId"`
	ExternalRunId string          `json:"externalRunId"`
	Output        json.RawMessage `json:"output,omitempty"`
	CompletedAt   time.Time       `json:"completedAt"`
}

func (RunSucceeded) EventType() string { return "RunSucceeded" }

type RunFailed struct {
	RunId         uuid.UUID `json:"runId"`
	CorrelationId string    `json:"correlationId"`
	ExternalRunId string    `json:"externalRunId,omitempty"`
	Reason        string    `json:"reason"`
	FailedAt      time.Time `json:"failedAt"`
}

func (RunFailed) EventType() string { return "RunFailed" }

// Decoders returns the closed table of events published by workflow runs.
func Decoders() rbx.Decoders {
	d := rbx.Decoders{}
	rbx.Register[RunRequested](d)
	rbx.Register[RunStarted](d)
	rbx.Register[RunSucceeded](d)
	rbx.Register[RunFailed](d)
	rbx.Register[rbx.ProcessFailed](d)
	return d
}
