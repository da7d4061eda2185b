package test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	// send a predefined delivery report to the delivery channel.
	if p.MockedReportToSend != nil {
		internal <- p.MockedReportToSend
	}

	return p.RetVal
}

// DeliveredReport builds the delivery report the broker sends for msg.
func DeliveredReport(topic string, err error) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: 1, Error: err},
	}
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// MockedKafkaConsumer serves the queued messages one by one and reports a
// timeout once the queue is drained.
type MockedKafkaConsumer struct {
	mu        sync.Mutex
	queue     []*kafka.Message
	committed []*kafka.Message
	ReadErr   error
	CommitErr error
}

func NewMockedKafkaConsumer(msgs ...*kafka.Message) *MockedKafkaConsumer {
	return &MockedKafkaConsumer{queue: msgs}
}

func (c *MockedKafkaConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	c.mu.Lock()
	if c.ReadErr != nil {
		c.mu.Unlock()
		return nil, c.ReadErr
	}
	if len(c.queue) > 0 {
		m := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()
	time.Sleep(time.Millisecond)
	return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
}

func (c *MockedKafkaConsumer) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CommitErr != nil {
		return nil, c.CommitErr
	}
	c.committed = append(c.committed, m)
	return []kafka.TopicPartition{m.TopicPartition}, nil
}

func (c *MockedKafkaConsumer) Committed() []*kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*kafka.Message(nil), c.committed...)
}

func (c *MockedKafkaConsumer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Sent is a notification received by a RecordingSink.
type Sent struct {
	Event   *rbx.Event
	Subject string
}

// RecordingSink records every event it receives. Fail decides, per event,
// whether the send fails.
type RecordingSink struct {
	mu   sync.Mutex
	sent []Sent
	Fail func(e *rbx.Event) error
}

var _ rbx.Sink = (*RecordingSink)(nil)

func (s *RecordingSink) Send(ctx context.Context, e *rbx.Event, subject string) error {
	if s.Fail != nil {
		if err := s.Fail(e); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Sent{Event: e, Subject: subject})
	return nil
}

func (s *RecordingSink) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// StartCall is a StartRun invocation seen by a FakeEngine.
type StartCall struct {
	Process rbx.ProcessDescriptor
	Headers map[string]string
}

// FakeEngine answers StartRun with Start, or with a generated run id when
// Start is nil.
type FakeEngine struct {
	mu    sync.Mutex
	calls []StartCall
	Start func(p rbx.ProcessDescriptor) (string, error)
}

var _ rbx.Engine = (*FakeEngine)(nil)

func (e *FakeEngine) StartRun(ctx context.Context, p rbx.ProcessDescriptor, headers map[string]string) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, StartCall{Process: p, Headers: headers})
	e.mu.Unlock()
	if e.Start != nil {
		return e.Start(p)
	}
	return "ext-" + p.RunId.String(), nil
}

func (e *FakeEngine) Calls() []StartCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]StartCall(nil), e.calls...)
}

// FakeTracker records the run updates requested by the trigger loop.
type FakeTracker struct {
	mu        sync.Mutex
	Started   map[uuid.UUID]string
	Failed    map[uuid.UUID]string
	StartErr  error
	FailedErr error
}

var _ rbx.RunTracker = (*FakeTracker)(nil)

func NewFakeTracker() *FakeTracker {
	return &FakeTracker{Started: map[uuid.UUID]string{}, Failed: map[uuid.UUID]string{}}
}

func (t *FakeTracker) RecordStarted(ctx context.Context, runId uuid.UUID, externalRunId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StartErr != nil {
		return t.StartErr
	}
	t.Started[runId] = externalRunId
	return nil
}

func (t *FakeTracker) RecordFailed(ctx context.Context, runId uuid.UUID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailedErr != nil {
		return t.FailedErr
	}
	t.Failed[runId] = reason
	return nil
}

// StartedRun returns the external run id recorded for runId.
func (t *FakeTracker) StartedRun(runId uuid.UUID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Started[runId]
}

// Entry is a line written to a TestLogger.
type Entry struct {
	Level string
	Msg   string
	Err   error
}

// TestLogger keeps every log line in memory.
type TestLogger struct {
	mu      sync.Mutex
	entries []Entry
}

var _ rbx.Logger = (*TestLogger)(nil)

func (l *TestLogger) add(level, msg string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{Level: level, Msg: msg, Err: err})
}

func (l *TestLogger) Info(msg string) { l.add("info", msg, nil) }
func (l *TestLogger) Debug(msg string) { l.add("debug", msg, nil) }
func (l *TestLogger) Warn(msg string) { l.add("warn", msg, nil) }
func (l *TestLogger) Error(msg string, err error) { l.add("error", msg, err) }

// Entries returns the lines logged at level, or every line when level is empty.
func (l *TestLogger) Entries(level string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var found []Entry
	for _, e := range l.entries {
		if level == "" || e.Level == level {
			found = append(found, e)
		}
	}
	return found
}

// TestCounter is a concurrency safe rbx.Counter.
type TestCounter struct {
	v atomic.Int64
}

var _ rbx.Counter = (*TestCounter)(nil)

func (c *TestCounter) Inc(delta int64) { c.v.Add(delta) }

func (c *TestCounter) Value() int64 { return c.v.Load() }

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

var _ rbx.Clock = (*ManualClock)(nil)

func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *ManualClock) String() string {
	return fmt.Sprintf("ManualClock(%s)", c.Now().Format(time.RFC3339))
}
