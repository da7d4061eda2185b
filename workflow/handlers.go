package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/google/uuid"
)

// Inbound message types.
const (
	StartRunMessage    = "StartRun"
	CompleteRunMessage = "CompleteRun"
	FailRunMessage     = "FailRun"
)

// Handlers returns the inbound handler table of the service, keyed by
// message type.
func Handlers(s *Service) map[string]rbx.Handler {
	return map[string]rbx.Handler{
		StartRunMessage: func(ctx context.Context, m *rbx.Message) error {
			var cmd StartRun
			if err := decode(m, &cmd); err != nil {
				return err
			}
			cmd.MessageId = messageId(m)
			_, err := s.StartRun(ctx, cmd)
			return err
		},
		CompleteRunMessage: func(ctx context.Context, m *rbx.Message) error {
			var cmd CompleteRun
			if err := decode(m, &cmd); err != nil {
				return err
			}
			cmd.MessageId = messageId(m)
			return s.CompleteRun(ctx, cmd)
		},
		FailRunMessage: func(ctx context.Context, m *rbx.Message) error {
			var cmd FailRun
			if err := decode(m, &cmd); err != nil {
				return err
			}
			cmd.MessageId = messageId(m)
			return s.FailRun(ctx, cmd)
		},
	}
}

func decode(m *rbx.Message, cmd any) error {
	if err := json.Unmarshal(m.Body, cmd); err != nil {
		return fmt.Errorf("%w: malformed %s body: %v", ErrInvalidCommand, m.Type, err)
	}
	return nil
}

// messageId derives the id of the raised events from the idempotency key so
// that a redelivery is detectable. Messages without a key get a fresh id.
func messageId(m *rbx.Message) uuid.UUID {
	if id, ok := m.MessageId(); ok {
		return id
	}
	return uuid.New()
}

// Permanent reports whether a command failure can never succeed on a retry.
// It is meant as the transport policy of rbx.NewFailFast.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidCommand) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, rbx.ErrUnknownEventType) ||
		errors.Is(err, rbx.ErrNotFound)
}
