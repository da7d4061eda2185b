package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
)

const defaultDeliveryTimeout = 10 * time.Second

// kafkaProducer is the subset of *kafka.Producer used by the emitter.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// Emitter publishes notifications to Kafka, one topic per subject. Send only
// returns once the broker acknowledged the message.
type Emitter struct {
	producer kafkaProducer
	timeout  time.Duration
	logger   rbx.Logger
}

var _ rbx.Sink = (*Emitter)(nil)
var _ rbx.Loggable = (*Emitter)(nil)

type Option func(*Emitter)

// WithDeliveryTimeout bounds how long Send waits for the delivery report.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		e.timeout = d
	}
}

func New(p kafkaProducer, options ...Option) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("Producer is mandatory")
	}
	e := &Emitter{
		producer: p,
		timeout:  defaultDeliveryTimeout,
		logger:   &rbx.NopLogger{},
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

func (e *Emitter) SetLogger(l rbx.Logger) {
	e.logger = l
}

func (e *Emitter) Send(ctx context.Context, ev *rbx.Event, subject string) error {
	value, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("could not encode the %s event: %w", ev.Type, err)
	}

	// buffered so a late report never blocks the producer.
	delivery := make(chan kafka.Event, 1)
	topic := buildTopicName(subject)
	err = e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(ev.Key),
		Value:          value,
		Headers:        buildHeaders(ev),
	}, delivery)
	if err != nil {
		return fmt.Errorf("could not produce the %s event: %w", ev.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for the delivery report of %s: %w", ev.MessageId, ctx.Err())
		case report := <-delivery:
			m, ok := report.(*kafka.Message)
			if !ok {
				e.logger.Debug(fmt.Sprintf("Ignored event: %s", report))
				continue
			}
			if m.TopicPartition.Error != nil {
				return fmt.Errorf("delivery of %s failed: %w", ev.MessageId, m.TopicPartition.Error)
			}
			e.logger.Debug(fmt.Sprintf("Delivered message to topic %s [%d] at offset %v",
				*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset))
			return nil
		}
	}
}

// buildHeaders puts the record metadata first, followed by the captured
// headers in key order.
func buildHeaders(ev *rbx.Event) []kafka.Header {
	headers := []kafka.Header{
		{Key: "id", Value: []byte(ev.MessageId.String())},
		{Key: rbx.TypeHeader, Value: []byte(ev.Type)},
		{Key: "createdAt", Value: []byte(strconv.FormatInt(ev.CreatedAt.UnixMilli(), 10))},
	}
	keys := make([]string, 0, len(ev.Headers))
	for k := range ev.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(ev.Headers[k])})
	}
	return headers
}

// buildTopicName builds a topic name from a subject (e.g. if subject="RunRequested"
// then topic name is "outbox-run-requested").
func buildTopicName(subject string) string {
	return fmt.Sprintf("outbox-%s", strcase.ToKebab(subject))
}
