// Package kafka feeds inbound commands read from Kafka to the handlers of the
// service, retrying transient failures and dead-lettering the rest.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Headers added to dead-lettered messages.
const (
	ReasonHeader      = "x-dlq-reason"
	AttemptsHeader    = "x-dlq-attempts"
	SourceTopicHeader = "x-dlq-source-topic"
	FailedAtHeader    = "x-dlq-failed-at"
)

// kafkaConsumer is the subset of *kafka.Consumer used by the consumer.
type kafkaConsumer interface {
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
}

// kafkaProducer is the subset of *kafka.Producer used to dead-letter messages.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// Settings tune the consumer retry policy.
type Settings struct {
	PollTimeout     time.Duration // how long a single read blocks
	MaxAttempts     int           // handler attempts before dead-lettering
	RetryDelay      time.Duration // pause between attempts
	DeadLetterTopic string
}

type Consumer struct {
	consumer   kafkaConsumer
	dlq        kafkaProducer
	settings   Settings
	handle     rbx.Handler
	classifier rbx.Classifier
	clock      rbx.Clock
	logger     rbx.Logger
	successCtr rbx.Counter
	retryCtr   rbx.Counter
	deadCtr    rbx.Counter
}

var _ rbx.Loggable = (*Consumer)(nil)

type Option func(*Consumer)

func WithOnSuccessCounter(c rbx.Counter) Option {
	return func(cs *Consumer) {
		cs.successCtr = c
	}
}

func WithOnRetryCounter(c rbx.Counter) Option {
	return func(cs *Consumer) {
		cs.retryCtr = c
	}
}

func WithOnDeadCounter(c rbx.Counter) Option {
	return func(cs *Consumer) {
		cs.deadCtr = c
	}
}

func WithClock(c rbx.Clock) Option {
	return func(cs *Consumer) {
		cs.clock = c
	}
}

// New creates a consumer dispatching messages by their type header to
// handlers, behind the idempotency guard.
func New(c kafkaConsumer, dlq kafkaProducer, guard *rbx.Guard, classifier rbx.Classifier, handlers map[string]rbx.Handler, s Settings, options ...Option) *Consumer {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("consumer is mandatory")
	}
	if dlq == nil || reflect.ValueOf(dlq).IsNil() {
		panic("dead letter producer is mandatory")
	}
	if guard == nil || classifier == nil {
		panic("you must provide a guard and a classifier")
	}
	if s.DeadLetterTopic == "" {
		panic("dead letter topic is mandatory")
	}
	if s.PollTimeout <= 0 {
		s.PollTimeout = 100 * time.Millisecond
	}
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 1
	}
	cs := &Consumer{
		consumer:   c,
		dlq:        dlq,
		settings:   s,
		handle:     guard.Wrap(dispatcher(handlers)),
		classifier: classifier,
		clock:      rbx.SystemClock{},
		logger:     &rbx.NopLogger{},
		successCtr: &rbx.NopCounter{},
		retryCtr:   &rbx.NopCounter{},
		deadCtr:    &rbx.NopCounter{},
	}
	for _, opt := range options {
		opt(cs)
	}
	return cs
}

func (c *Consumer) SetLogger(l rbx.Logger) {
	c.logger = l
}

// Run reads and handles messages until ctx is cancelled. Offsets are
// committed once a message was handled or dead-lettered. A message that could
// not be dead-lettered stops the consumer without committing it.
func (c *Consumer) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		m, err := c.consumer.ReadMessage(c.settings.PollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				if kerr.IsFatal() {
					return fmt.Errorf("fatal consumer error: %w", err)
				}
			}
			c.logger.Error("could not read the next message", err)
			continue
		}

		if err := c.Handle(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := c.consumer.CommitMessage(m); err != nil {
			c.logger.Error("could not commit the message offset", err)
		}
	}
	return nil
}

// Handle runs the handler of one message with retries. It only returns an
// error when the message was neither handled nor dead-lettered.
func (c *Consumer) Handle(ctx context.Context, km *kafka.Message) error {
	m := toMessage(km)
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(m.Headers))
	key := m.IdempotencyKey()

	for attempt := 1; ; attempt++ {
		err := c.handle(ctx, m)
		if err == nil {
			c.successCtr.Inc(1)
			return nil
		}
		if c.classifier.ShouldFailFast(key, err) {
			c.logger.Warn(fmt.Sprintf("dead-lettering %s message %s without retry: %v", m.Type, key, err))
			return c.deadLetter(ctx, km, err, attempt)
		}
		if attempt >= c.settings.MaxAttempts {
			c.logger.Error(fmt.Sprintf("dead-lettering %s message %s after %d attempts", m.Type, key, attempt), err)
			return c.deadLetter(ctx, km, err, attempt)
		}
		c.retryCtr.Inc(1)
		c.logger.Debug(fmt.Sprintf("attempt %d of %s message %s failed: %v", attempt, m.Type, key, err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.settings.RetryDelay):
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, km *kafka.Message, cause error, attempts int) error {
	topic := c.settings.DeadLetterTopic
	headers := append([]kafka.Header(nil), km.Headers...)
	headers = append(headers,
		kafka.Header{Key: ReasonHeader, Value: []byte(cause.Error())},
		kafka.Header{Key: AttemptsHeader, Value: []byte(strconv.Itoa(attempts))},
		kafka.Header{Key: FailedAtHeader, Value: []byte(c.clock.Now().Format(time.RFC3339Nano))},
	)
	if km.TopicPartition.Topic != nil {
		headers = append(headers, kafka.Header{Key: SourceTopicHeader, Value: []byte(*km.TopicPartition.Topic)})
	}

	delivery := make(chan kafka.Event, 1)
	err := c.dlq.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            km.Key,
		Value:          km.Value,
		Headers:        headers,
	}, delivery)
	if err != nil {
		return fmt.Errorf("could not dead-letter the message: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case report := <-delivery:
			m, ok := report.(*kafka.Message)
			if !ok {
				c.logger.Debug(fmt.Sprintf("Ignored event: %s", report))
				continue
			}
			if m.TopicPartition.Error != nil {
				return fmt.Errorf("could not dead-letter the message: %w", m.TopicPartition.Error)
			}
			c.deadCtr.Inc(1)
			return nil
		}
	}
}

func dispatcher(handlers map[string]rbx.Handler) rbx.Handler {
	return func(ctx context.Context, m *rbx.Message) error {
		h, ok := handlers[m.Type]
		if !ok {
			return fmt.Errorf("%w: %q", rbx.ErrUnknownEventType, m.Type)
		}
		return h(ctx, m)
	}
}

func toMessage(km *kafka.Message) *rbx.Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &rbx.Message{
		Type:    headers[rbx.TypeHeader],
		Headers: headers,
		Body:    km.Value,
	}
}
