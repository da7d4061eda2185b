package rbx

import (
	"context"

	"github.com/google/uuid"
)

// Headers used on inbound and outbound messages.
const (
	IdempotencyHeader = "x-idempotency-key"
	TypeHeader        = "x-message-type"
)

// keyNamespace scopes the message ids derived from idempotency keys that are
// not UUIDs.
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("runbox.idempotency-key"))

// Message is an inbound message received from the transport.
type Message struct {
	Type    string
	Headers map[string]string
	Body    []byte
}

// IdempotencyKey returns the idempotency key header, empty when absent.
func (m *Message) IdempotencyKey() string {
	return m.Headers[IdempotencyHeader]
}

// MessageId returns the message id the idempotency key stands for and false
// when the message carries no key.
func (m *Message) MessageId() (uuid.UUID, bool) {
	key := m.IdempotencyKey()
	if key == "" {
		return uuid.Nil, false
	}
	return KeyMessageId(key), true
}

// KeyMessageId maps an idempotency key to a message id. A UUID key is its own
// id; any other key maps to the same name based UUID on every delivery.
func KeyMessageId(key string) uuid.UUID {
	if id, err := uuid.Parse(key); err == nil {
		return id
	}
	return uuid.NewSHA1(keyNamespace, []byte(key))
}

// Handler handles one inbound message.
type Handler func(ctx context.Context, m *Message) error
