package rbx_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/3rs4lg4d0/runbox/test"
	"github.com/3rs4lg4d0/runbox/test/memstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toggleFunc func(name string) (bool, error)

func (f toggleFunc) Enabled(ctx context.Context, name string) (bool, error) { return f(name) }

func TestNew(t *testing.T) {
	collaborators := func() rbx.Collaborators {
		return rbx.Collaborators{
			Repository: memstore.New(),
			Sink:       &test.RecordingSink{},
			Engine:     &test.FakeEngine{},
			Tracker:    test.NewFakeTracker(),
		}
	}
	testcases := []struct {
		name   string
		change func(c *rbx.Collaborators)
	}{
		{name: "without repository", change: func(c *rbx.Collaborators) { c.Repository = nil }},
		{name: "without sink", change: func(c *rbx.Collaborators) { c.Sink = nil }},
		{name: "without engine", change: func(c *rbx.Collaborators) { c.Engine = nil }},
		{name: "without tracker", change: func(c *rbx.Collaborators) { c.Tracker = nil }},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			c := collaborators()
			tc.change(&c)
			assert.Panics(t, func() { _, _ = rbx.New(settings(), c) })
		})
	}

	t.Run("invalid settings", func(t *testing.T) {
		rb, err := rbx.New(rbx.Settings{}, collaborators())
		assert.Nil(t, rb)
		assert.ErrorIs(t, err, rbx.ErrInvalidSettings)
	})

	t.Run("valid", func(t *testing.T) {
		rb, err := rbx.New(settings(), collaborators())
		require.NoError(t, err)
		assert.NotNil(t, rb.Notifications())
		assert.NotNil(t, rb.Triggers())
		assert.NotNil(t, rb.Retention())
	})
}

func start(t *testing.T, rb *rbx.Runbox) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rb.Start(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("the runbox did not stop")
		}
	}
}

func TestStartDeliversEveryClass(t *testing.T) {
	f := newFixture(t, settings())
	runId := uuid.New()
	f.raise(t, placed("o-1"), trigger(runId))

	stop := start(t, f.rb)
	assert.Eventually(t, func() bool {
		return len(f.sink.Sent()) == 1 && f.tracker.StartedRun(runId) != ""
	}, time.Second, 5*time.Millisecond)
	stop()

	// every lease was released on the way out
	for _, name := range []string{"notification", "external_trigger", "retention"} {
		ok, err := f.store.AcquireLock(context.Background(), name, uuid.New(), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
}

func TestStartSkipsLoopsLockedByAnotherInstance(t *testing.T) {
	f := newFixture(t, settings())
	ok, err := f.store.AcquireLock(context.Background(), "notification", uuid.New(), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	f.raise(t, placed("o-1"), trigger(uuid.New()))

	stop := start(t, f.rb)
	assert.Eventually(t, func() bool { return len(f.engine.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(f.sink.Sent()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	stop()
	assert.NotEmpty(t, f.logger.Entries("debug"))
}

func TestStartHonoursToggles(t *testing.T) {
	store := memstore.New()
	sink := &test.RecordingSink{}
	logger := &test.TestLogger{}
	rb, err := rbx.New(settings(), rbx.Collaborators{
		Repository: store,
		Sink:       sink,
		Engine:     &test.FakeEngine{},
		Tracker:    test.NewFakeTracker(),
		Decoders:   decoders(),
	},
		rbx.WithLogger(logger),
		rbx.WithToggle(toggleFunc(func(name string) (bool, error) {
			switch name {
			case "notification":
				return false, nil
			case "retention":
				return false, errors.New("flag store down")
			}
			return true, nil
		})),
	)
	require.NoError(t, err)
	err = store.Transaction(context.Background(), func(ctx context.Context) error {
		return rbx.NewCapture(store, nil).Append(ctx, placed("o-1"))
	})
	require.NoError(t, err)

	stop := start(t, rb)
	assert.Eventually(t, func() bool {
		for _, e := range logger.Entries("error") {
			if e.Msg == "reading the retention toggle" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(sink.Sent()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	stop()
}

func TestStartRecoversFromPanics(t *testing.T) {
	f := newFixture(t, settings())
	f.raise(t, placed("o-1"))
	panics := 0
	f.sink.Fail = func(e *rbx.Event) error {
		panics++
		if panics == 1 {
			panic("sink exploded")
		}
		return nil
	}

	stop := start(t, f.rb)
	assert.Eventually(t, func() bool { return len(f.sink.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	var recovered bool
	for _, e := range f.logger.Entries("error") {
		if e.Msg == "the notification loop panicked" {
			recovered = true
			assert.EqualError(t, e.Err, "panic: sink exploded")
		}
	}
	assert.True(t, recovered)
}
