package rbx

import (
	"encoding/json"
	"fmt"
)

// envelope is the serialized form of an outbox record payload.
type envelope struct {
	Type    string            `json:"type"`
	Subject string            `json:"subject"`
	Key     string            `json:"key,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    json.RawMessage   `json:"data"`
}

// Decoder turns the data of an envelope into a concrete domain event.
type Decoder func(data []byte) (DomainEvent, error)

// Decoders is the closed table of known event types, built once at startup.
type Decoders map[string]Decoder

// DecoderOf returns a JSON decoder for the event type T.
func DecoderOf[T DomainEvent]() Decoder {
	return func(data []byte) (DomainEvent, error) {
		var e T
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Register adds a JSON decoder for T keyed by its event type.
func Register[T DomainEvent](d Decoders) {
	var e T
	d[e.EventType()] = DecoderOf[T]()
}

// Decode deserializes the record payload into an event plus its subject.
func (d Decoders) Decode(o *OutboxRecord) (*Event, string, error) {
	env, err := decodeEnvelope(o.Payload)
	if err != nil {
		return nil, "", err
	}
	decode, ok := d[env.Type]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	data, err := decode(env.Data)
	if err != nil {
		return nil, "", fmt.Errorf("decoding %s event: %w", env.Type, err)
	}
	return &Event{
		MessageId: o.MessageId,
		Type:      env.Type,
		Key:       env.Key,
		Headers:   env.Headers,
		CreatedAt: o.CreatedAt,
		Data:      data,
	}, env.Subject, nil
}

func encodeEnvelope(r Raised, headers map[string]string) ([]byte, error) {
	data, err := json.Marshal(r.Event)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", r.Event.EventType(), err)
	}
	return json.Marshal(envelope{
		Type:    r.Event.EventType(),
		Subject: r.Subject,
		Key:     r.Key,
		Headers: headers,
		Data:    data,
	})
}

func decodeEnvelope(payload []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("malformed outbox payload: %w", err)
	}
	return &env, nil
}
