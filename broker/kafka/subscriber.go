package kafka

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

const (
	pollTimeoutMs     = 100
	metadataTimeoutMs = 5000
)

// kafkaConsumer is the subset of *kafka.Consumer used by the subscriber.
type kafkaConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Close() error
}

// Subscriber reads a topic with auto commit disabled. Acknowledging a message
// commits its offset, so unacknowledged messages are read again by the next
// member of the group.
type Subscriber struct {
	consumer kafkaConsumer
	logger   pipeline.Logger

	mu     sync.Mutex
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

var _ pipeline.Subscriber = (*Subscriber)(nil)
var _ pipeline.Loggable = (*Subscriber)(nil)

func NewSubscriber(c kafkaConsumer) *Subscriber {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("consumer is mandatory")
	}
	return &Subscriber{
		consumer: c,
		logger:   &pipeline.NopLogger{},
		done:     make(chan struct{}),
	}
}

func (s *Subscriber) SetLogger(l pipeline.Logger) {
	s.logger = l
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *pipeline.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("subscriber is closed")
	}
	if err := s.consumer.SubscribeTopics([]string{topic}, nil); err != nil {
		return nil, fmt.Errorf("could not subscribe to %s: %w", topic, err)
	}

	out := make(chan *pipeline.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		s.poll(ctx, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) poll(ctx context.Context, topic string, out chan<- *pipeline.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		switch ev := s.consumer.Poll(pollTimeoutMs).(type) {
		case *kafka.Message:
			msg := s.toMessage(topic, ev)
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		case kafka.Error:
			if ev.IsFatal() {
				s.logger.Error("fatal consumer error", ev)
				return
			}
			s.logger.Warn(fmt.Sprintf("consumer error: %v", ev))
		case nil:
		default:
			s.logger.Debug(fmt.Sprintf("ignored event: %s", ev))
		}
	}
}

func (s *Subscriber) toMessage(topic string, m *kafka.Message) *pipeline.Message {
	msg := pipeline.NewMessage(topic, m.Key, m.Value, func() error {
		if _, err := s.consumer.CommitMessage(m); err != nil {
			return fmt.Errorf("could not commit offset %v: %w", m.TopicPartition.Offset, err)
		}
		return nil
	})
	for _, h := range m.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	if !m.Timestamp.IsZero() {
		msg.ReceivedAt = m.Timestamp
	}
	return msg
}

// Close stops every subscription loop and closes the consumer, leaving the
// group.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	return s.consumer.Close()
}

// NewConsumer creates a group consumer with manual offset commits and checks
// the cluster answers.
func NewConsumer(bootstrapServers, groupID string) (*kafka.Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.GetMetadata(nil, true, metadataTimeoutMs); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
