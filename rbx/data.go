package rbx

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryClass tells the delivery loops how an outbox record must be delivered.
type DeliveryClass int

const (
	Notification    DeliveryClass = iota // fire-and-forget fan-out to the notification sink
	ExternalTrigger                      // invocation of the external workflow engine, retried with backoff
)

func (c DeliveryClass) String() string {
	switch c {
	case Notification:
		return "notification"
	case ExternalTrigger:
		return "external_trigger"
	default:
		return fmt.Sprintf("DeliveryClass(%d)", int(c))
	}
}

// OutboxRecord contains all the information stored in the underlying outbox
// table. A nil ProcessedAt means the record is still pending delivery.
type OutboxRecord struct {
	Id            int64         // store assigned, never reused
	MessageId     uuid.UUID     // idempotency key
	DeliveryClass DeliveryClass // how the record is delivered
	Payload       []byte        // serialized envelope
	CreatedAt     time.Time     // set at capture time
	ProcessedAt   *time.Time    // terminal once set (delivered or permanently failed)
	NextRetryAt   *time.Time    // external triggers only, nil means eligible now
	RetryAttempt  *int          // failed external trigger attempts so far
}

// Eligible reports whether the record can be delivered at the given instant.
func (o *OutboxRecord) Eligible(now time.Time) bool {
	if o.ProcessedAt != nil {
		return false
	}
	if o.DeliveryClass == Notification {
		return true
	}
	return o.NextRetryAt == nil || !o.NextRetryAt.After(now)
}

// Attempts returns the number of failed external trigger attempts.
func (o *OutboxRecord) Attempts() int {
	if o.RetryAttempt == nil {
		return 0
	}
	return *o.RetryAttempt
}

// DomainEvent is implemented by every event an aggregate can raise.
type DomainEvent interface {
	EventType() string
}

// Raised is a domain event waiting to be captured in the outbox together with
// the aggregate mutation that produced it.
type Raised struct {
	MessageId uuid.UUID         // optional, generated when nil
	Class     DeliveryClass     // delivery class of the resulting record
	Subject   string            // delivery target (topic subject or process definition)
	Key       string            // partitioning key, usually the aggregate id
	Headers   map[string]string // extra transport headers
	Event     DomainEvent
}

// Event is a decoded outbox record handed to the notification sink.
type Event struct {
	MessageId uuid.UUID
	Type      string
	Key       string
	Headers   map[string]string
	CreatedAt time.Time
	Data      DomainEvent
}

// ProcessDescriptor is the payload of ExternalTrigger records: everything the
// external engine needs to start a run.
type ProcessDescriptor struct {
	RunId         uuid.UUID       `json:"runId"`
	Definition    string          `json:"definition"`
	CorrelationId string          `json:"correlationId"`
	Input         json.RawMessage `json:"input,omitempty"`
}

func (ProcessDescriptor) EventType() string { return "ProcessStart" }

// ProcessFailed is the compensating event captured when an external trigger
// exhausts its retries.
type ProcessFailed struct {
	RunId            uuid.UUID `json:"runId"`
	CorrelationId    string    `json:"correlationId"`
	Definition       string    `json:"definition"`
	TriggerMessageId uuid.UUID `json:"triggerMessageId"`
	Attempts         int       `json:"attempts"`
	Error            string    `json:"error"`
	FailedAt         time.Time `json:"failedAt"`
}

func (ProcessFailed) EventType() string { return "ProcessFailed" }
