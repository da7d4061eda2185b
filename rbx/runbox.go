package rbx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Toggle tells whether a named loop may run on the current tick.
type Toggle interface {
	Enabled(ctx context.Context, name string) (bool, error)
}

type alwaysOn struct{}

func (alwaysOn) Enabled(context.Context, string) (bool, error) { return true, nil }

// Collaborators groups the mandatory collaborators of a Runbox.
type Collaborators struct {
	Repository Repository
	Sink       Sink
	Engine     Engine
	Tracker    RunTracker
	Decoders   Decoders
}

// Runbox implements the outbox delivery pipeline: the notification loop, the
// external trigger loop and the retention sweep.
type Runbox struct {
	id         uuid.UUID
	settings   Settings
	repository Repository
	logger     Logger
	clock      Clock
	toggle     Toggle
	hooks      map[string]ProcessedHook
	successCtr Counter
	errorCtr   Counter
	retryCtr   Counter
	deadCtr    Counter

	notifications *NotificationLoop
	triggers      *TriggerLoop
	retention     *RetentionSweep
}

// opt allows optional configuration.
type opt func(rb *Runbox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) opt {
	return func(rb *Runbox) {
		if l != nil {
			rb.logger = l
		}
	}
}

// WithOnSuccessCounter configures the counter of delivered records.
func WithOnSuccessCounter(co Counter) opt {
	return func(rb *Runbox) {
		if co != nil {
			rb.successCtr = co
		}
	}
}

// WithOnErrorCounter configures the counter of failed delivery attempts.
func WithOnErrorCounter(co Counter) opt {
	return func(rb *Runbox) {
		if co != nil {
			rb.errorCtr = co
		}
	}
}

// WithOnRetryCounter configures the counter of scheduled trigger retries.
func WithOnRetryCounter(co Counter) opt {
	return func(rb *Runbox) {
		if co != nil {
			rb.retryCtr = co
		}
	}
}

// WithOnDeadCounter configures the counter of permanently failed triggers.
func WithOnDeadCounter(co Counter) opt {
	return func(rb *Runbox) {
		if co != nil {
			rb.deadCtr = co
		}
	}
}

// WithClock replaces the system clock.
func WithClock(c Clock) opt {
	return func(rb *Runbox) {
		if c != nil {
			rb.clock = c
		}
	}
}

// WithToggle lets loops be paused at runtime.
func WithToggle(t Toggle) opt {
	return func(rb *Runbox) {
		if t != nil {
			rb.toggle = t
		}
	}
}

// WithProcessedHook registers a hook run when a notification of eventType is
// marked processed.
func WithProcessedHook(eventType string, h ProcessedHook) opt {
	return func(rb *Runbox) {
		if h != nil {
			rb.hooks[eventType] = h
		}
	}
}

// WithProcessedHooks registers several processed hooks keyed by event type.
func WithProcessedHooks(hooks map[string]ProcessedHook) opt {
	return func(rb *Runbox) {
		for eventType, h := range hooks {
			if h != nil {
				rb.hooks[eventType] = h
			}
		}
	}
}

// New creates a Runbox. It panics when a mandatory collaborator is missing and
// fails when the settings are invalid.
func New(s Settings, c Collaborators, options ...opt) (*Runbox, error) {
	if c.Repository == nil || c.Sink == nil || c.Engine == nil || c.Tracker == nil {
		panic("you must provide a repository, a sink, an engine and a run tracker")
	}
	if err := validateSettings(s); err != nil {
		return nil, err
	}

	rb := &Runbox{
		id:         uuid.New(),
		settings:   s,
		repository: c.Repository,
		logger:     &NopLogger{},
		clock:      SystemClock{},
		toggle:     alwaysOn{},
		hooks:      map[string]ProcessedHook{},
		successCtr: &NopCounter{},
		errorCtr:   &NopCounter{},
		retryCtr:   &NopCounter{},
		deadCtr:    &NopCounter{},
	}
	for _, o := range options {
		o(rb)
	}

	for _, a := range []any{c.Repository, c.Sink, c.Engine, c.Tracker} {
		if l, ok := a.(Loggable); ok {
			l.SetLogger(rb.logger)
		}
	}

	decoders := Decoders{}
	for k, v := range c.Decoders {
		decoders[k] = v
	}
	if _, ok := decoders[ProcessFailed{}.EventType()]; !ok {
		Register[ProcessFailed](decoders)
	}

	rb.notifications = &NotificationLoop{
		settings:   s,
		repository: c.Repository,
		sink:       c.Sink,
		decoders:   decoders,
		hooks:      rb.hooks,
		clock:      rb.clock,
		logger:     rb.logger,
		successCtr: rb.successCtr,
		errorCtr:   rb.errorCtr,
	}
	rb.triggers = &TriggerLoop{
		settings:   s,
		repository: c.Repository,
		capture:    NewCapture(c.Repository, rb.clock),
		engine:     c.Engine,
		tracker:    c.Tracker,
		clock:      rb.clock,
		logger:     rb.logger,
		successCtr: rb.successCtr,
		errorCtr:   rb.errorCtr,
		retryCtr:   rb.retryCtr,
		deadCtr:    rb.deadCtr,
	}
	rb.retention = &RetentionSweep{
		settings:   s,
		repository: c.Repository,
		clock:      rb.clock,
		logger:     rb.logger,
	}
	return rb, nil
}

func (rb *Runbox) Notifications() *NotificationLoop { return rb.notifications }

func (rb *Runbox) Triggers() *TriggerLoop { return rb.triggers }

func (rb *Runbox) Retention() *RetentionSweep { return rb.retention }

// Start runs every loop until ctx is cancelled. A loop stops accepting new
// batches once ctx is done and finishes the record it is delivering.
func (rb *Runbox) Start(ctx context.Context) error {
	rb.logger.Info(fmt.Sprintf("starting delivery loops as instance '%s'", rb.id))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rb.run(ctx, rb.notifications, rb.settings.NotificationInterval) })
	g.Go(func() error { return rb.run(ctx, rb.triggers, rb.settings.TriggerInterval) })
	g.Go(func() error { return rb.run(ctx, rb.retention, rb.settings.RetentionInterval) })
	return g.Wait()
}

type loop interface {
	name() string
	RunOnce(ctx context.Context) error
}

// run executes a loop on its own fixed interval, starting immediately.
func (rb *Runbox) run(ctx context.Context, l loop, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rb.tick(ctx, l)
		select {
		case <-ctx.Done():
			rb.logger.Info(fmt.Sprintf("the %s loop has stopped", l.name()))
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs one iteration while holding the loop lease, so a single instance
// delivers each loop at a time. Errors and panics are logged and the loop
// carries on with the next tick.
func (rb *Runbox) tick(ctx context.Context, l loop) {
	defer func() {
		if p := recover(); p != nil {
			rb.logger.Error(fmt.Sprintf("the %s loop panicked", l.name()), fmt.Errorf("panic: %v", p))
		}
	}()
	if ctx.Err() != nil {
		return
	}

	enabled, err := rb.toggle.Enabled(ctx, l.name())
	if err != nil {
		rb.logger.Error(fmt.Sprintf("reading the %s toggle", l.name()), err)
		return
	}
	if !enabled {
		rb.logger.Debug(fmt.Sprintf("the %s loop is disabled", l.name()))
		return
	}

	acquired, err := rb.repository.AcquireLock(ctx, l.name(), rb.id, rb.settings.LockTTL)
	if err != nil {
		rb.logger.Error(fmt.Sprintf("unable to get the %s lock", l.name()), err)
		return
	}
	if !acquired {
		rb.logger.Debug(fmt.Sprintf("the %s lock is held by another instance", l.name()))
		return
	}
	defer func() {
		if err := rb.repository.ReleaseLock(context.WithoutCancel(ctx), l.name(), rb.id); err != nil {
			rb.logger.Error(fmt.Sprintf("releasing the %s lock", l.name()), err)
		}
	}()

	if err := l.RunOnce(ctx); err != nil {
		rb.logger.Error(fmt.Sprintf("running the %s loop", l.name()), err)
	}
}
