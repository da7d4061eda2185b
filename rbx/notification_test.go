package rbx_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationRunOnce(t *testing.T) {
	f := newFixture(t, settings())
	f.raise(t, placed("o-1"), placed("o-2"))
	f.clock.Advance(time.Second)

	require.NoError(t, f.rb.Notifications().RunOnce(context.Background()))

	sent := f.sink.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "orders", sent[0].Subject)
	assert.Equal(t, orderPlaced{OrderId: "o-1", Amount: 10}, sent[0].Event.Data)
	assert.Equal(t, orderPlaced{OrderId: "o-2", Amount: 10}, sent[1].Event.Data)
	for _, o := range f.store.Records() {
		require.NotNil(t, o.ProcessedAt)
		assert.Equal(t, t0.Add(time.Second), *o.ProcessedAt)
	}
	assert.Equal(t, int64(2), f.success.Value())
	assert.Equal(t, int64(0), f.errors.Value())
}

func TestNotificationFailureIsolation(t *testing.T) {
	f := newFixture(t, settings())
	f.raise(t, placed("o-1"), placed("o-2"), placed("o-3"))
	f.sink.Fail = func(e *rbx.Event) error {
		if e.Key == "o-2" {
			return errors.New("broker unavailable")
		}
		return nil
	}

	require.NoError(t, f.rb.Notifications().RunOnce(context.Background()))
	assert.Len(t, f.sink.Sent(), 2)
	left := pending(f.store, rbx.Notification)
	require.Len(t, left, 1)
	assert.Equal(t, int64(1), f.errors.Value())
	assert.Equal(t, int64(2), f.success.Value())
	errs := f.logger.Entries("error")
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0].Err, "broker unavailable")

	// the failed record is retried on the next poll
	f.sink.Fail = nil
	require.NoError(t, f.rb.Notifications().RunOnce(context.Background()))
	assert.Empty(t, pending(f.store, rbx.Notification))
	sent := f.sink.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "o-2", sent[2].Event.Key)
}

func TestNotificationUndecodableRecordStaysPending(t *testing.T) {
	f := newFixture(t, settings())
	f.raise(t, rbx.Raised{Class: rbx.Notification, Subject: "misc", Event: unregistered{}}, placed("o-1"))

	require.NoError(t, f.rb.Notifications().RunOnce(context.Background()))
	assert.Len(t, f.sink.Sent(), 1)
	left := pending(f.store, rbx.Notification)
	require.Len(t, left, 1)
	errs := f.logger.Entries("error")
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, rbx.ErrUnknownEventType)
}

type unregistered struct{}

func (unregistered) EventType() string { return "Unregistered" }

func TestNotificationBatchCap(t *testing.T) {
	s := settings()
	s.MaxEventsPerInterval = 2
	f := newFixture(t, s)
	f.raise(t, placed("o-1"), placed("o-2"), placed("o-3"))

	require.NoError(t, f.rb.Notifications().RunOnce(context.Background()))
	assert.Len(t, f.sink.Sent(), 2)
	assert.Len(t, pending(f.store, rbx.Notification), 1)
}

func TestNotificationStopsOnCancellation(t *testing.T) {
	f := newFixture(t, settings())
	f.raise(t, placed("o-1"), placed("o-2"))
	ctx, cancel := context.WithCancel(context.Background())
	f.sink.Fail = func(e *rbx.Event) error {
		cancel()
		return nil
	}

	require.NoError(t, f.rb.Notifications().RunOnce(ctx))
	// the in-flight record completes, the next one is left for later
	assert.Len(t, f.sink.Sent(), 1)
	assert.Len(t, pending(f.store, rbx.Notification), 1)
}

func TestNotificationFetchError(t *testing.T) {
	f := newFixture(t, settings())
	f.store.FindErr = errors.New("connection reset")
	err := f.rb.Notifications().RunOnce(context.Background())
	assert.EqualError(t, err, "fetching pending notifications: connection reset")
}

func TestNotificationUpdateError(t *testing.T) {
	f := newFixture(t, settings())
	f.raise(t, placed("o-1"))
	f.store.UpdateErr = errors.New("deadlock")

	require.NoError(t, f.rb.Notifications().RunOnce(context.Background()))
	assert.Len(t, pending(f.store, rbx.Notification), 1)
	assert.Equal(t, int64(1), f.errors.Value())
}

func TestProcessedHook(t *testing.T) {
	hookErr := errors.New("hook failed")
	type args struct {
		hookErr error
	}
	testcases := []struct {
		name          string
		args          args
		wantPending   int
		wantFollowUps int
		wantSends     int
	}{
		{
			name:          "hook captures in the processing transaction",
			args:          args{},
			wantPending:   0,
			wantFollowUps: 1,
			wantSends:     1,
		},
		{
			name:          "failing hook rolls back the processed mark",
			args:          args{hookErr: hookErr},
			wantPending:   1,
			wantFollowUps: 0,
			wantSends:     2,
		},
		{
			name:          "hook on a missing aggregate keeps the processed mark only",
			args:          args{hookErr: fmt.Errorf("order o-1: %w", rbx.ErrNotFound)},
			wantPending:   0,
			wantFollowUps: 0,
			wantSends:     1,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			var f *fixture
			var seen []*rbx.Event
			hook := func(ctx context.Context, e *rbx.Event) error {
				seen = append(seen, e)
				if err := f.capture.Append(ctx, rbx.Raised{
					Class:   rbx.Notification,
					Subject: "shipping",
					Key:     e.Key,
					Event:   orderShipped{OrderId: e.Key},
				}); err != nil {
					return err
				}
				return tc.args.hookErr
			}
			f = newFixture(t, settings(), hookFor{eventType: "OrderPlaced", hook: hook})
			f.raise(t, placed("o-1"))

			require.NoError(t, f.rb.Notifications().RunOnce(context.Background()))
			require.Len(t, seen, 1)
			assert.Equal(t, "o-1", seen[0].Key)

			all := f.store.Records()
			var placedPending, followUps int
			for _, o := range all {
				event, _, err := decoders().Decode(&o)
				require.NoError(t, err)
				switch event.Type {
				case "OrderPlaced":
					if o.ProcessedAt == nil {
						placedPending++
					}
				case "OrderShipped":
					followUps++
				}
			}
			assert.Equal(t, tc.wantPending, placedPending)
			assert.Equal(t, tc.wantFollowUps, followUps)

			// a processed notification is never published again
			require.NoError(t, f.rb.Notifications().RunOnce(context.Background()))
			sends := 0
			for _, sent := range f.sink.Sent() {
				if sent.Event.Type == "OrderPlaced" {
					sends++
				}
			}
			assert.Equal(t, tc.wantSends, sends)
		})
	}
}

func TestNotificationLostClaim(t *testing.T) {
	f := newFixture(t, settings())
	f.raise(t, placed("o-1"))
	f.sink.Fail = func(e *rbx.Event) error {
		// another instance marks the record processed while this one sends it
		for _, o := range f.store.Records() {
			now := time.Now()
			o.ProcessedAt = &now
			_, err := f.store.Update(context.Background(), &o)
			require.NoError(t, err)
		}
		return nil
	}

	require.NoError(t, f.rb.Notifications().RunOnce(context.Background()))
	assert.Equal(t, int64(1), f.errors.Value())
	assert.Equal(t, int64(0), f.success.Value())
}
