package rbx

import "errors"

var (
	// ErrDuplicate signals that a message with the same idempotency key was
	// already fully handled.
	ErrDuplicate = errors.New("duplicate message")

	// ErrNotFound is returned when a referenced aggregate does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTxMissing is returned by store operations that must join a transaction
	// carried in the context.
	ErrTxMissing = errors.New("a transaction was expected in the context")

	// ErrUnknownEventType is returned when a payload has no registered decoder.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInvalidSettings wraps every settings validation problem.
	ErrInvalidSettings = errors.New("invalid settings")

	errAlreadyProcessed = errors.New("record already processed by another delivery")
)
