package rbx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Engine is the client of the external workflow engine.
type Engine interface {
	// StartRun starts the described process and returns the engine's run id.
	StartRun(ctx context.Context, p ProcessDescriptor, headers map[string]string) (string, error)
}

// RunTracker updates the aggregate that owns an external trigger. Both calls
// run inside the transaction that finalizes the trigger record and return
// ErrNotFound when the aggregate does not exist.
type RunTracker interface {
	RecordStarted(ctx context.Context, runId uuid.UUID, externalRunId string) error
	RecordFailed(ctx context.Context, runId uuid.UUID, reason string) error
}

// TriggerLoop delivers ExternalTrigger records by starting runs in the
// external engine, retrying failures with exponential backoff.
type TriggerLoop struct {
	settings   Settings
	repository Repository
	capture    *Capture
	engine     Engine
	tracker    RunTracker
	clock      Clock
	logger     Logger
	successCtr Counter
	errorCtr   Counter
	retryCtr   Counter
	deadCtr    Counter
}

func (l *TriggerLoop) name() string { return "external_trigger" }

// RunOnce attempts every eligible external trigger sequentially.
func (l *TriggerLoop) RunOnce(ctx context.Context) error {
	records, err := l.repository.FindPending(ctx, ExternalTrigger, l.clock.Now(), l.settings.MaxEventsPerInterval)
	if err != nil {
		return fmt.Errorf("fetching pending external triggers: %w", err)
	}

	var started, failed int
	for _, o := range records {
		if ctx.Err() != nil {
			l.logger.Info(fmt.Sprintf("external trigger batch interrupted after %d of %d records", started+failed, len(records)))
			break
		}
		if err := l.attempt(ctx, o); err != nil {
			l.logger.Error(fmt.Sprintf("delivering external trigger %d (message %s)", o.Id, o.MessageId), err)
			l.errorCtr.Inc(1)
			failed++
			continue
		}
		l.successCtr.Inc(1)
		started++
	}

	if len(records) > 0 {
		l.logger.Info(fmt.Sprintf("%d external triggers were started (with %d failed) from a total of %d eligible", started, failed, len(records)))
	}
	return nil
}

func (l *TriggerLoop) attempt(ctx context.Context, o *OutboxRecord) error {
	ctx = context.WithoutCancel(ctx)

	env, descriptor, err := parseTrigger(o.Payload)
	if err != nil {
		return l.fail(ctx, o, env, descriptor, err)
	}

	callCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Headers))
	externalRunId, err := l.engine.StartRun(callCtx, descriptor, env.Headers)
	if err != nil {
		return l.fail(ctx, o, env, descriptor, err)
	}
	return l.succeed(ctx, o, env, descriptor, externalRunId)
}

func (l *TriggerLoop) succeed(ctx context.Context, o *OutboxRecord, env *envelope, d ProcessDescriptor, externalRunId string) error {
	now := l.clock.Now()
	done := *o
	done.ProcessedAt = &now

	err := l.repository.Transaction(ctx, func(ctx context.Context) error {
		claimed, err := l.repository.Update(ctx, &done)
		if err != nil {
			return fmt.Errorf("marking external trigger processed: %w", err)
		}
		if !claimed {
			return errAlreadyProcessed
		}
		return l.tracker.RecordStarted(ctx, d.RunId, externalRunId)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		// the run is gone: finalize the record without touching any aggregate
		if _, uerr := l.repository.Update(ctx, &done); uerr != nil {
			return errors.Join(err, uerr)
		}
		*o = done
		return fmt.Errorf("recording external run %s for run %s: %w", externalRunId, d.RunId, err)
	case errors.Is(err, errAlreadyProcessed):
		return err
	default:
		// the engine call is retried under the same idempotency key
		return l.fail(ctx, o, env, d, fmt.Errorf("recording external run %s for run %s: %w", externalRunId, d.RunId, err))
	}
	*o = done
	l.logger.Debug(fmt.Sprintf("run %s started in the external engine as %s", d.RunId, externalRunId))
	return nil
}

func (l *TriggerLoop) fail(ctx context.Context, o *OutboxRecord, env *envelope, d ProcessDescriptor, cause error) error {
	now := l.clock.Now()
	next := *o

	if attempt := o.Attempts(); attempt < l.settings.MaxRetry {
		attempt++
		retryAt := now.Add(retryDelay(l.settings.InitialDelay, attempt))
		next.RetryAttempt = &attempt
		next.NextRetryAt = &retryAt
		claimed, err := l.repository.Update(ctx, &next)
		if err != nil {
			return errors.Join(cause, fmt.Errorf("scheduling retry: %w", err))
		}
		if !claimed {
			return errors.Join(cause, errAlreadyProcessed)
		}
		*o = next
		l.retryCtr.Inc(1)
		return fmt.Errorf("attempt %d of %d failed, next retry at %s: %w", attempt, l.settings.MaxRetry, retryAt.Format("2006-01-02T15:04:05.000Z07:00"), cause)
	}

	next.ProcessedAt = &now
	err := l.repository.Transaction(ctx, func(ctx context.Context) error {
		claimed, err := l.repository.Update(ctx, &next)
		if err != nil {
			return fmt.Errorf("marking external trigger failed: %w", err)
		}
		if !claimed {
			return errAlreadyProcessed
		}
		if d.RunId != uuid.Nil {
			err := l.tracker.RecordFailed(ctx, d.RunId, cause.Error())
			if errors.Is(err, ErrNotFound) {
				l.logger.Warn(fmt.Sprintf("run %s not found while recording its permanent failure", d.RunId))
			} else if err != nil {
				return err
			}
		}
		return l.capture.Append(ctx, compensation(o, env, d, cause, now))
	})
	if errors.Is(err, errAlreadyProcessed) {
		return errors.Join(cause, err)
	}
	if err != nil {
		return l.postpone(ctx, o, errors.Join(cause, err))
	}
	*o = next
	l.deadCtr.Inc(1)
	return fmt.Errorf("retries exhausted after %d retries: %w", o.Attempts(), cause)
}

// postpone keeps an exhausted record pending after its terminal transaction
// failed, so finalizing it is retried after the last backoff delay instead of
// on every tick.
func (l *TriggerLoop) postpone(ctx context.Context, o *OutboxRecord, cause error) error {
	retryAt := l.clock.Now().Add(retryDelay(l.settings.InitialDelay, max(o.Attempts(), 1)))
	next := *o
	next.NextRetryAt = &retryAt
	if _, err := l.repository.Update(ctx, &next); err != nil {
		return errors.Join(cause, fmt.Errorf("postponing finalization: %w", err))
	}
	*o = next
	return fmt.Errorf("finalizing the exhausted trigger failed, next attempt at %s: %w", retryAt.Format("2006-01-02T15:04:05.000Z07:00"), cause)
}

// compensation builds the failure notification that replaces a permanently
// failed external trigger.
func compensation(o *OutboxRecord, env *envelope, d ProcessDescriptor, cause error, now time.Time) Raised {
	event := ProcessFailed{
		RunId:            d.RunId,
		CorrelationId:    d.CorrelationId,
		Definition:       d.Definition,
		TriggerMessageId: o.MessageId,
		Attempts:         o.Attempts() + 1,
		Error:            cause.Error(),
		FailedAt:         now,
	}
	r := Raised{
		Class:   Notification,
		Subject: event.EventType(),
		Event:   event,
	}
	if env != nil {
		r.Key = env.Key
	}
	return r
}

func parseTrigger(payload []byte) (*envelope, ProcessDescriptor, error) {
	var d ProcessDescriptor
	env, err := decodeEnvelope(payload)
	if err != nil {
		return nil, d, err
	}
	if env.Type != d.EventType() {
		return env, d, fmt.Errorf("%w: %q is not a process start", ErrUnknownEventType, env.Type)
	}
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return env, d, fmt.Errorf("decoding process start: %w", err)
	}
	return env, d, nil
}
