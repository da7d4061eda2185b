package rbx_test

import (
	"context"
	"testing"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/3rs4lg4d0/runbox/test"
	"github.com/3rs4lg4d0/runbox/test/memstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type orderPlaced struct {
	OrderId string `json:"orderId"`
	Amount  int    `json:"amount"`
}

func (orderPlaced) EventType() string { return "OrderPlaced" }

type orderShipped struct {
	OrderId string `json:"orderId"`
}

func (orderShipped) EventType() string { return "OrderShipped" }

type order struct {
	rbx.Events
	Id string
}

func decoders() rbx.Decoders {
	d := rbx.Decoders{}
	rbx.Register[orderPlaced](d)
	rbx.Register[orderShipped](d)
	return d
}

func settings() rbx.Settings {
	return rbx.Settings{
		NotificationInterval: 10 * time.Millisecond,
		TriggerInterval:      10 * time.Millisecond,
		RetentionInterval:    10 * time.Millisecond,
		MaxRetry:             3,
		InitialDelay:         10 * time.Second,
		RetentionDays:        7,
		MaxEventsPerInterval: -1,
		LockTTL:              time.Minute,
	}
}

// fixture wires a Runbox over an in-memory store driven by a manual clock.
type fixture struct {
	store   *memstore.Store
	clock   *test.ManualClock
	capture *rbx.Capture
	sink    *test.RecordingSink
	engine  *test.FakeEngine
	tracker *test.FakeTracker
	logger  *test.TestLogger
	success *test.TestCounter
	errors  *test.TestCounter
	retries *test.TestCounter
	dead    *test.TestCounter
	rb      *rbx.Runbox
}

func newFixture(t *testing.T, s rbx.Settings, hooks ...hookFor) *fixture {
	t.Helper()
	f := &fixture{
		store:   memstore.New(),
		clock:   test.NewManualClock(t0),
		sink:    &test.RecordingSink{},
		engine:  &test.FakeEngine{},
		tracker: test.NewFakeTracker(),
		logger:  &test.TestLogger{},
		success: &test.TestCounter{},
		errors:  &test.TestCounter{},
		retries: &test.TestCounter{},
		dead:    &test.TestCounter{},
	}
	f.store.Now = f.clock.Now
	f.capture = rbx.NewCapture(f.store, f.clock)

	registered := map[string]rbx.ProcessedHook{}
	for _, h := range hooks {
		registered[h.eventType] = h.hook
	}
	rb, err := rbx.New(s, rbx.Collaborators{
		Repository: f.store,
		Sink:       f.sink,
		Engine:     f.engine,
		Tracker:    f.tracker,
		Decoders:   decoders(),
	},
		rbx.WithLogger(f.logger),
		rbx.WithClock(f.clock),
		rbx.WithOnSuccessCounter(f.success),
		rbx.WithOnErrorCounter(f.errors),
		rbx.WithOnRetryCounter(f.retries),
		rbx.WithOnDeadCounter(f.dead),
		rbx.WithProcessedHooks(registered),
	)
	require.NoError(t, err)
	f.rb = rb
	return f
}

type hookFor struct {
	eventType string
	hook      rbx.ProcessedHook
}

// raise appends the raised events in their own transaction.
func (f *fixture) raise(t *testing.T, events ...rbx.Raised) {
	t.Helper()
	err := f.store.Transaction(context.Background(), func(ctx context.Context) error {
		return f.capture.Append(ctx, events...)
	})
	require.NoError(t, err)
}

func placed(orderId string) rbx.Raised {
	return rbx.Raised{
		Class:   rbx.Notification,
		Subject: "orders",
		Key:     orderId,
		Event:   orderPlaced{OrderId: orderId, Amount: 10},
	}
}

func trigger(runId uuid.UUID) rbx.Raised {
	return rbx.Raised{
		Class:   rbx.ExternalTrigger,
		Subject: "invoice",
		Key:     runId.String(),
		Event: rbx.ProcessDescriptor{
			RunId:         runId,
			Definition:    "invoice",
			CorrelationId: "corr-" + runId.String()[:8],
		},
	}
}

func pending(s *memstore.Store, class rbx.DeliveryClass) []rbx.OutboxRecord {
	var found []rbx.OutboxRecord
	for _, o := range s.Records() {
		if o.DeliveryClass == class && o.ProcessedAt == nil {
			found = append(found, o)
		}
	}
	return found
}
