package rbx

import (
	"context"
	"errors"
	"fmt"
)

// Sink receives Notification class events.
type Sink interface {
	// Send publishes the event to the target identified by subject.
	Send(ctx context.Context, event *Event, subject string) error
}

// ProcessedHook reacts to a delivered notification inside the transaction
// that marks it processed. Events it captures commit with that transaction.
type ProcessedHook func(ctx context.Context, event *Event) error

// NotificationLoop delivers Notification records to the sink at least once.
// Failed records are left untouched and retried on the next poll.
type NotificationLoop struct {
	settings   Settings
	repository Repository
	sink       Sink
	decoders   Decoders
	hooks      map[string]ProcessedHook
	clock      Clock
	logger     Logger
	successCtr Counter
	errorCtr   Counter
}

func (l *NotificationLoop) name() string { return "notification" }

// RunOnce delivers every pending notification sequentially. A failing record
// never aborts its siblings; cancellation stops the batch between records.
func (l *NotificationLoop) RunOnce(ctx context.Context) error {
	records, err := l.repository.FindPending(ctx, Notification, l.clock.Now(), l.settings.MaxEventsPerInterval)
	if err != nil {
		return fmt.Errorf("fetching pending notifications: %w", err)
	}

	var delivered, failed int
	for _, o := range records {
		if ctx.Err() != nil {
			l.logger.Info(fmt.Sprintf("notification batch interrupted after %d of %d records", delivered+failed, len(records)))
			break
		}
		if err := l.deliver(ctx, o); err != nil {
			l.logger.Error(fmt.Sprintf("delivering notification %d (message %s)", o.Id, o.MessageId), err)
			l.errorCtr.Inc(1)
			failed++
			continue
		}
		l.logger.Debug(fmt.Sprintf("notification %d (message %s) delivered", o.Id, o.MessageId))
		l.successCtr.Inc(1)
		delivered++
	}

	if len(records) > 0 {
		l.logger.Info(fmt.Sprintf("%d notifications were delivered (with %d failed) from a total of %d pending", delivered, failed, len(records)))
	}
	return nil
}

func (l *NotificationLoop) deliver(ctx context.Context, o *OutboxRecord) error {
	// in-flight calls are never aborted by a shutdown request
	ctx = context.WithoutCancel(ctx)

	event, subject, err := l.decoders.Decode(o)
	if err != nil {
		return err
	}
	if err := l.sink.Send(ctx, event, subject); err != nil {
		return fmt.Errorf("sending %s to %q: %w", event.Type, subject, err)
	}

	processed := *o
	now := l.clock.Now()
	processed.ProcessedAt = &now
	err = l.repository.Transaction(ctx, func(ctx context.Context) error {
		claimed, err := l.repository.Update(ctx, &processed)
		if err != nil {
			return fmt.Errorf("marking notification processed: %w", err)
		}
		if !claimed {
			return errAlreadyProcessed
		}
		if hook, ok := l.hooks[event.Type]; ok {
			if err := hook(ctx, event); err != nil {
				return fmt.Errorf("running %s hook: %w", event.Type, err)
			}
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		// the notification was sent: mark it processed without the hook effects
		l.logger.Warn(fmt.Sprintf("notification %d (message %s) processed without its hook: %s", o.Id, o.MessageId, err))
		if _, uerr := l.repository.Update(ctx, &processed); uerr != nil {
			return errors.Join(err, uerr)
		}
		err = nil
	}
	if err != nil {
		return err
	}
	*o = processed
	return nil
}
