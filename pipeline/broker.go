package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message header keys set on every published envelope.
const (
	HeaderType    = "type"
	HeaderTraceID = "trace_id"
)

// Message is a raw broker message.
type Message struct {
	Topic      string            // topic the message was read from or is published to
	Key        []byte            // partitioning key (the trace id)
	Payload    []byte            // encoded envelope
	Headers    map[string]string // optional metadata
	ReceivedAt time.Time         // broker delivery time, zero when unknown

	ack func() error
}

// NewMessage builds a delivered message whose acknowledgement runs ack.
func NewMessage(topic string, key, payload []byte, ack func() error) *Message {
	return &Message{
		Topic:      topic,
		Key:        key,
		Payload:    payload,
		Headers:    map[string]string{},
		ReceivedAt: time.Now(),
		ack:        ack,
	}
}

// Ack tells the broker the message was handled and must not be redelivered.
// Messages that are never acknowledged are redelivered after a restart.
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Publisher sends raw messages to the broker. Publish must block until the
// broker acknowledges the message or fails.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
	Close() error
}

// Subscriber delivers raw messages in broker order. The returned channel is
// closed when ctx is cancelled or the subscriber is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *Message, error)
	Close() error
}

// EnvelopePublisher publishes envelopes durably.
type EnvelopePublisher interface {
	Publish(ctx context.Context, e *Envelope) error
}

// Broker hides the broker connection behind envelope level publish and
// subscribe operations on a single topic.
type Broker struct {
	topic          string
	publishTimeout time.Duration
	publisher      Publisher
	subscriber     Subscriber
	logger         Logger
}

var _ EnvelopePublisher = (*Broker)(nil)
var _ Loggable = (*Broker)(nil)

// NewBroker creates a broker client. Either side may be nil for processes
// that only publish or only consume, but not both.
func NewBroker(s Settings, p Publisher, sub Subscriber) *Broker {
	if p == nil && sub == nil {
		panic("a publisher or a subscriber is mandatory")
	}
	validateSettings(&s)
	return &Broker{
		topic:          s.Topic,
		publishTimeout: s.PublishTimeout,
		publisher:      p,
		subscriber:     sub,
		logger:         &NopLogger{},
	}
}

// SetLogger sets an optional logger, also handed to the publisher and the
// subscriber when they accept one.
func (b *Broker) SetLogger(l Logger) {
	if l == nil {
		return
	}
	b.logger = l
	propagateLogger(l, b.publisher, b.subscriber)
}

// Topic returns the topic used for every envelope.
func (b *Broker) Topic() string {
	return b.topic
}

// Publish encodes e and performs a synchronous round trip to the broker. A nil
// error means the envelope is durably queued.
func (b *Broker) Publish(ctx context.Context, e *Envelope) error {
	if b.publisher == nil {
		return fmt.Errorf("%w: broker has no publisher", ErrPublish)
	}
	data, err := Encode(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	msg := &Message{
		Topic:   b.topic,
		Key:     []byte(e.TraceID),
		Payload: data,
		Headers: map[string]string{
			HeaderType:    e.Type.String(),
			HeaderTraceID: e.TraceID,
		},
	}
	if err := b.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	b.logger.Debug(fmt.Sprintf("published %s to '%s' (trace_id=%s)", e.Type, b.topic, e.TraceID))
	return nil
}

// Subscribe returns the lazy, infinite sequence of raw messages of the topic.
func (b *Broker) Subscribe(ctx context.Context) (<-chan *Message, error) {
	if b.subscriber == nil {
		return nil, errors.New("broker has no subscriber")
	}
	return b.subscriber.Subscribe(ctx, b.topic)
}

// Close releases the publisher and the subscriber.
func (b *Broker) Close() error {
	var errs []error
	if b.subscriber != nil {
		errs = append(errs, b.subscriber.Close())
	}
	if b.publisher != nil {
		errs = append(errs, b.publisher.Close())
	}
	return errors.Join(errs...)
}
