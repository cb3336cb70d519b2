package test

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

// TestLogger records every line it receives.
type TestLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *TestLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf("%s %s", level, msg))
}

func (l *TestLogger) Debug(msg string) { l.record("DEBUG", msg) }

func (l *TestLogger) Info(msg string) { l.record("INFO", msg) }

func (l *TestLogger) Warn(msg string) { l.record("WARN", msg) }

func (l *TestLogger) Error(msg string, err error) {
	l.record("ERROR", fmt.Sprintf("%s: %v", msg, err))
}

// Lines returns a copy of the recorded lines.
func (l *TestLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Contains reports whether any recorded line contains s.
func (l *TestLogger) Contains(s string) bool {
	for _, line := range l.Lines() {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

// TestCounter is a concurrency safe counter.
type TestCounter struct {
	v atomic.Int64
}

func (c *TestCounter) Inc(delta int64) {
	c.v.Add(delta)
}

func (c *TestCounter) Value() int64 {
	return c.v.Load()
}

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
	Closed             bool
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	if p.Snitch != nil {
		p.Snitch <- msg
	}
	if p.RetVal != nil {
		return p.RetVal
	}

	// send a predefined delivery report to the delivery channel.
	if p.MockedReportToSend != nil {
		go func() { deliveryChan <- p.MockedReportToSend }()
	}
	return nil
}

func (p *MockedKafkaProducer) Flush(timeoutMs int) int {
	return 0
}

func (p *MockedKafkaProducer) Close() {
	p.Closed = true
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// MockedKafkaConsumer serves a fixed list of messages and then blocks like an
// idle topic, recording every committed message.
type MockedKafkaConsumer struct {
	Messages   []*kafka.Message
	ReadErr    error
	CommitErr  error
	Subscribed []string

	mu        sync.Mutex
	next      int
	committed []*kafka.Message
	closed    bool
}

func (c *MockedKafkaConsumer) SubscribeTopics(topics []string, _ kafka.RebalanceCb) error {
	c.Subscribed = topics
	return nil
}

func (c *MockedKafkaConsumer) Poll(timeoutMs int) kafka.Event {
	if ev := c.nextEvent(); ev != nil {
		return ev
	}
	time.Sleep(time.Millisecond)
	return nil
}

func (c *MockedKafkaConsumer) nextEvent() kafka.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		err := c.ReadErr
		c.ReadErr = nil
		return kafka.NewError(kafka.ErrTransport, err.Error(), false)
	}
	if c.next < len(c.Messages) {
		m := c.Messages[c.next]
		c.next++
		return m
	}
	return nil
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

func (c *MockedKafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Committed returns the messages committed so far.
func (c *MockedKafkaConsumer) Committed() []*kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*kafka.Message(nil), c.committed...)
}

// IsClosed reports whether Close was called.
func (c *MockedKafkaConsumer) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
