package rbx

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Aggregate is implemented by entities that raise domain events while they
// are mutated.
type Aggregate interface {
	PendingEvents() []Raised
	ClearEvents()
}

// Events collects the domain events raised by an aggregate. Embed it to
// implement Aggregate.
type Events struct {
	pending []Raised
}

// Raise records a domain event to be captured on the next save.
func (e *Events) Raise(r Raised) {
	e.pending = append(e.pending, r)
}

func (e *Events) PendingEvents() []Raised {
	return e.pending
}

func (e *Events) ClearEvents() {
	e.pending = nil
}

// Capture writes aggregate mutations and the events they raised atomically.
// It never performs network calls.
type Capture struct {
	repository Repository
	clock      Clock
}

// NewCapture creates a Capture over r. A nil clock means SystemClock.
func NewCapture(r Repository, clock Clock) *Capture {
	if r == nil {
		panic("you must provide a repository")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Capture{repository: r, clock: clock}
}

// Save runs persist and appends the pending events of a in the same
// transaction. Events are cleared from a only if the transaction succeeds.
func (c *Capture) Save(ctx context.Context, a Aggregate, persist func(ctx context.Context) error) error {
	err := c.repository.Transaction(ctx, func(ctx context.Context) error {
		if err := persist(ctx); err != nil {
			return err
		}
		return c.Append(ctx, a.PendingEvents()...)
	})
	if err != nil {
		return err
	}
	a.ClearEvents()
	return nil
}

// Append encodes the raised events and appends them to the outbox using the
// transaction carried by ctx.
func (c *Capture) Append(ctx context.Context, events ...Raised) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*OutboxRecord, 0, len(events))
	for _, e := range events {
		if e.MessageId == uuid.Nil {
			e.MessageId = uuid.New()
		}
		payload, err := encodeEnvelope(e, captureHeaders(ctx, e))
		if err != nil {
			return err
		}
		records = append(records, &OutboxRecord{
			MessageId:     e.MessageId,
			DeliveryClass: e.Class,
			Payload:       payload,
			CreatedAt:     c.clock.Now(),
		})
	}
	if err := c.repository.Append(ctx, records...); err != nil {
		return fmt.Errorf("capturing %d events: %w", len(records), err)
	}
	return nil
}

// captureHeaders merges the event headers with the idempotency key and the
// trace context active at capture time.
func captureHeaders(ctx context.Context, e Raised) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range e.Headers {
		carrier[k] = v
	}
	carrier[IdempotencyHeader] = e.MessageId.String()
	return carrier
}
