package rbx

import (
	"context"
	"fmt"
)

// Guard rejects inbound messages whose idempotency key is already recorded.
//
// The check and the handler run in separate transactions, so two deliveries
// of the same message racing each other may both pass the guard. Stores reject
// the second commit through the unique message id, which surfaces as
// ErrDuplicate from the handler.
type Guard struct {
	ledger Ledger
	logger Logger
}

var _ Loggable = (*Guard)(nil)

func NewGuard(l Ledger) *Guard {
	if l == nil {
		panic("you must provide a ledger")
	}
	return &Guard{ledger: l, logger: &NopLogger{}}
}

func (g *Guard) SetLogger(l Logger) {
	if l != nil {
		g.logger = l
	}
}

// CheckDuplicate reports whether key was already recorded. An empty key is
// never a duplicate. Keys are looked up through KeyMessageId.
func (g *Guard) CheckDuplicate(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	return g.ledger.Exists(ctx, KeyMessageId(key))
}

// Wrap places the guard in front of next.
func (g *Guard) Wrap(next Handler) Handler {
	return func(ctx context.Context, m *Message) error {
		key := m.IdempotencyKey()
		duplicate, err := g.CheckDuplicate(ctx, key)
		if err != nil {
			return fmt.Errorf("checking idempotency key %s: %w", key, err)
		}
		if duplicate {
			g.logger.Debug(fmt.Sprintf("message %s was already handled", key))
			return fmt.Errorf("%w: %s", ErrDuplicate, key)
		}
		return next(ctx, m)
	}
}
