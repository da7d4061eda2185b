package rbx_test

import (
	"context"
	"errors"
	"testing"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/3rs4lg4d0/runbox/test/memstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestNewCapture(t *testing.T) {
	assert.Panics(t, func() { rbx.NewCapture(nil, nil) })
	assert.NotPanics(t, func() { rbx.NewCapture(memstore.New(), nil) })
}

func TestCaptureSave(t *testing.T) {
	persistErr := errors.New("constraint violated")
	type args struct {
		persistErr error
		appendErr  error
	}
	testcases := []struct {
		name        string
		args        args
		wantErr     error
		wantRecords int
		wantPending int
	}{
		{
			name:        "mutation and events commit together",
			args:        args{},
			wantRecords: 2,
			wantPending: 0,
		},
		{
			name:        "failed mutation captures nothing",
			args:        args{persistErr: persistErr},
			wantErr:     persistErr,
			wantRecords: 0,
			wantPending: 2,
		},
		{
			name:        "failed capture rolls back the mutation",
			args:        args{appendErr: rbx.ErrDuplicate},
			wantErr:     rbx.ErrDuplicate,
			wantRecords: 0,
			wantPending: 2,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, settings())
			f.store.AppendErr = tc.args.appendErr

			o := &order{Id: "o-1"}
			o.Raise(placed(o.Id))
			o.Raise(rbx.Raised{Class: rbx.Notification, Subject: "orders", Key: o.Id, Event: orderShipped{OrderId: o.Id}})

			var persisted bool
			err := f.capture.Save(context.Background(), o, func(ctx context.Context) error {
				persisted = true
				// the follow-up append must join the same transaction
				return f.store.Transaction(ctx, func(ctx context.Context) error { return tc.args.persistErr })
			})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.True(t, persisted)
			assert.Len(t, f.store.Records(), tc.wantRecords)
			assert.Len(t, o.PendingEvents(), tc.wantPending)
		})
	}
}

func TestCaptureAppend(t *testing.T) {
	f := newFixture(t, settings())
	explicit := uuid.New()
	raised := placed("o-2")
	raised.MessageId = explicit
	raised.Headers = map[string]string{"x-tenant": "acme"}
	f.raise(t, raised, placed("o-3"))

	records := f.store.Records()
	require.Len(t, records, 2)
	assert.Equal(t, explicit, records[0].MessageId)
	assert.NotEqual(t, uuid.Nil, records[1].MessageId)
	assert.Equal(t, t0, records[0].CreatedAt)
	assert.Equal(t, rbx.Notification, records[0].DeliveryClass)
	assert.Nil(t, records[0].ProcessedAt)

	event, subject, err := decoders().Decode(&records[0])
	require.NoError(t, err)
	assert.Equal(t, "orders", subject)
	assert.Equal(t, "OrderPlaced", event.Type)
	assert.Equal(t, "o-2", event.Key)
	assert.Equal(t, orderPlaced{OrderId: "o-2", Amount: 10}, event.Data)
	assert.Equal(t, explicit.String(), event.Headers[rbx.IdempotencyHeader])
	assert.Equal(t, "acme", event.Headers["x-tenant"])
}

func TestCaptureAppendRequiresTransaction(t *testing.T) {
	f := newFixture(t, settings())
	err := f.capture.Append(context.Background(), placed("o-4"))
	assert.ErrorIs(t, err, rbx.ErrTxMissing)
	assert.Empty(t, f.store.Records())
}

func TestCaptureAppendDuplicate(t *testing.T) {
	f := newFixture(t, settings())
	r := placed("o-5")
	r.MessageId = uuid.New()
	f.raise(t, r)

	err := f.store.Transaction(context.Background(), func(ctx context.Context) error {
		return f.capture.Append(ctx, r)
	})
	assert.ErrorIs(t, err, rbx.ErrDuplicate)
	assert.Len(t, f.store.Records(), 1)
}

func TestCapturePropagatesTraceContext(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b, 0x0c, 0x0d, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x10, 0x11, 0x12},
		SpanID:     trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	f := newFixture(t, settings())
	err := f.store.Transaction(ctx, func(ctx context.Context) error {
		return f.capture.Append(ctx, placed("o-6"))
	})
	require.NoError(t, err)

	records := f.store.Records()
	require.Len(t, records, 1)
	event, _, err := decoders().Decode(&records[0])
	require.NoError(t, err)
	assert.Equal(t, "00-0a0b0c0d010203040506070809101112-0102030405060708-01", event.Headers["traceparent"])
}

func TestDecodeUnknownType(t *testing.T) {
	f := newFixture(t, settings())
	f.raise(t, placed("o-7"))
	records := f.store.Records()

	_, _, err := rbx.Decoders{}.Decode(&records[0])
	assert.ErrorIs(t, err, rbx.ErrUnknownEventType)

	_, _, err = decoders().Decode(&rbx.OutboxRecord{Payload: []byte("{")})
	assert.ErrorContains(t, err, "malformed outbox payload")
}
