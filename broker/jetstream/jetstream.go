// Package jetstream carries pipeline messages over a NATS JetStream stream.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultStream  = "GOEVENTS"
	defaultDurable = "persister"
	defaultAckWait = 30 * time.Second
)

// Config describes the stream and the durable consumer.
type Config struct {
	URL     string
	Stream  string
	Durable string
	AckWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = defaultStream
	}
	if c.Durable == "" {
		c.Durable = defaultDurable
	}
	if c.AckWait <= 0 {
		c.AckWait = defaultAckWait
	}
	return c
}

// Conn is a NATS connection with the event stream already provisioned.
type Conn struct {
	cfg    Config
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

// Connect dials NATS and creates or updates a file backed stream capturing
// the topic subject.
func Connect(ctx context.Context, cfg Config, topic string) (*Conn, error) {
	cfg = cfg.withDefaults()
	nc, err := nats.Connect(cfg.URL, nats.Name("goevents"))
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{topic},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Stream, err)
	}
	return &Conn{cfg: cfg, nc: nc, js: js, stream: stream}, nil
}

// Publisher returns a publisher bound to the connection.
func (c *Conn) Publisher() *Publisher {
	return NewPublisher(c.js)
}

// Subscriber creates or updates the durable consumer filtered on topic.
func (c *Conn) Subscriber(ctx context.Context, topic string) (*Subscriber, error) {
	consumer, err := c.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          c.cfg.Durable,
		Durable:       c.cfg.Durable,
		FilterSubject: topic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", c.cfg.Durable, err)
	}
	return NewSubscriber(consumer), nil
}

// Close drains the connection.
func (c *Conn) Close() error {
	return c.nc.Drain()
}

// jsPublisher is the subset of jetstream.JetStream used by the publisher.
type jsPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type Publisher struct {
	js     jsPublisher
	logger pipeline.Logger
}

var _ pipeline.Publisher = (*Publisher)(nil)
var _ pipeline.Loggable = (*Publisher)(nil)

func NewPublisher(js jsPublisher) *Publisher {
	if js == nil || reflect.ValueOf(js).IsNil() {
		panic("jetstream is mandatory")
	}
	return &Publisher{js: js, logger: &pipeline.NopLogger{}}
}

func (p *Publisher) SetLogger(l pipeline.Logger) {
	p.logger = l
}

// Publish waits for the stream acknowledgement. The trace id header doubles as
// the message id so the server drops republished duplicates within its window.
func (p *Publisher) Publish(ctx context.Context, msg *pipeline.Message) error {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Payload
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}

	var opts []jetstream.PublishOpt
	if id := msg.Headers[pipeline.HeaderTraceID]; id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	ack, err := p.js.PublishMsg(ctx, m, opts...)
	if err != nil {
		return fmt.Errorf("could not publish to %s: %w", msg.Topic, err)
	}
	if ack.Duplicate {
		p.logger.Debug(fmt.Sprintf("stream %s already holds message %s", ack.Stream, msg.Headers[pipeline.HeaderTraceID]))
	} else {
		p.logger.Debug(fmt.Sprintf("stored in stream %s at sequence %d", ack.Stream, ack.Sequence))
	}
	return nil
}

func (p *Publisher) Close() error {
	return nil
}

// jsConsumer is the subset of jetstream.Consumer used by the subscriber.
type jsConsumer interface {
	Consume(handler jetstream.MessageHandler, opts ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error)
}

// Subscriber pushes the messages of a durable consumer with explicit acks.
// Messages left unacknowledged are redelivered once the ack wait expires.
type Subscriber struct {
	consumer jsConsumer
	logger   pipeline.Logger

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

var _ pipeline.Subscriber = (*Subscriber)(nil)
var _ pipeline.Loggable = (*Subscriber)(nil)

func NewSubscriber(c jsConsumer) *Subscriber {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("consumer is mandatory")
	}
	return &Subscriber{consumer: c, logger: &pipeline.NopLogger{}}
}

func (s *Subscriber) SetLogger(l pipeline.Logger) {
	s.logger = l
}

// subscription forwards consumed messages to out until stopped. Handlers hold
// the read lock while delivering so out is never closed under them.
type subscription struct {
	out     chan *pipeline.Message
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	stopped bool
	cc      jetstream.ConsumeContext
}

func (sub *subscription) deliver(ctx context.Context, msg *pipeline.Message) bool {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.stopped {
		return false
	}
	select {
	case sub.out <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-sub.done:
		return false
	}
}

func (sub *subscription) stop() {
	sub.once.Do(func() {
		close(sub.done)
		if sub.cc != nil {
			sub.cc.Stop()
		}
		sub.mu.Lock()
		sub.stopped = true
		close(sub.out)
		sub.mu.Unlock()
	})
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *pipeline.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("subscriber is closed")
	}

	sub := &subscription{
		out:  make(chan *pipeline.Message),
		done: make(chan struct{}),
	}
	cc, err := s.consumer.Consume(func(m jetstream.Msg) {
		if !sub.deliver(ctx, toMessage(topic, m)) {
			s.logger.Debug("subscription stopped, message left for redelivery")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	sub.cc = cc
	s.subs = append(s.subs, sub)

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		sub.stop()
	}()
	return sub.out, nil
}

// ackMsg is the part of jetstream.Msg a pipeline message needs.
type ackMsg interface {
	Data() []byte
	Headers() nats.Header
	Ack() error
}

func toMessage(topic string, m ackMsg) *pipeline.Message {
	msg := pipeline.NewMessage(topic, nil, m.Data(), m.Ack)
	for k := range m.Headers() {
		msg.Headers[k] = m.Headers().Get(k)
	}
	if id := msg.Headers[pipeline.HeaderTraceID]; id != "" {
		msg.Key = []byte(id)
	}
	return msg
}

// Close stops every subscription.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, sub := range s.subs {
		sub.stop()
	}
	s.subs = nil
	return nil
}
