// Package watermill adapts any watermill pub/sub to the pipeline broker
// contracts. The in-memory gochannel and the AMQP transports are provided.
package watermill

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewMemory returns an in-process pub/sub that keeps every message so late
// subscribers still receive them.
func NewMemory(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{Persistent: true}, logger)
}

// NewAMQP connects to an AMQP broker using a durable queue per topic shared by
// every subscriber.
func NewAMQP(url string, logger watermill.LoggerAdapter) (*amqp.Publisher, *amqp.Subscriber, error) {
	cfg := newAMQPConfig(url)
	pub, err := amqp.NewPublisher(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create the amqp publisher: %w", err)
	}
	sub, err := amqp.NewSubscriber(cfg, logger)
	if err != nil {
		pub.Close()
		return nil, nil, fmt.Errorf("could not create the amqp subscriber: %w", err)
	}
	return pub, sub, nil
}

// newAMQPConfig returns the durable queue config with publisher confirms
// enabled, so Publish only returns once the broker has taken the message.
func newAMQPConfig(url string) amqp.Config {
	cfg := amqp.NewDurableQueueConfig(url)
	cfg.Publish.ConfirmDelivery = true
	return cfg
}

type Publisher struct {
	pub message.Publisher
}

var _ pipeline.Publisher = (*Publisher)(nil)

func NewPublisher(pub message.Publisher) *Publisher {
	if pub == nil || reflect.ValueOf(pub).IsNil() {
		panic("publisher is mandatory")
	}
	return &Publisher{pub: pub}
}

// Publish sends one message. The trace id, when present, becomes the
// watermill message id.
func (p *Publisher) Publish(ctx context.Context, msg *pipeline.Message) error {
	id := msg.Headers[pipeline.HeaderTraceID]
	if id == "" {
		id = watermill.NewUUID()
	}
	wm := message.NewMessage(id, msg.Payload)
	for k, v := range msg.Headers {
		wm.Metadata.Set(k, v)
	}
	wm.SetContext(ctx)

	if err := p.pub.Publish(msg.Topic, wm); err != nil {
		return fmt.Errorf("could not publish to %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.pub.Close()
}

type Subscriber struct {
	sub    message.Subscriber
	logger pipeline.Logger
}

var _ pipeline.Subscriber = (*Subscriber)(nil)
var _ pipeline.Loggable = (*Subscriber)(nil)

func NewSubscriber(sub message.Subscriber) *Subscriber {
	if sub == nil || reflect.ValueOf(sub).IsNil() {
		panic("subscriber is mandatory")
	}
	return &Subscriber{sub: sub, logger: &pipeline.NopLogger{}}
}

func (s *Subscriber) SetLogger(l pipeline.Logger) {
	s.logger = l
}

// Subscribe forwards the watermill messages one at a time. Acknowledging the
// pipeline message acks the watermill one; a message still pending when ctx
// ends is nacked so the transport redelivers it.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *pipeline.Message, error) {
	in, err := s.sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("could not subscribe to %s: %w", topic, err)
	}

	out := make(chan *pipeline.Message)
	go func() {
		defer close(out)
		for wm := range in {
			select {
			case out <- toMessage(topic, wm):
			case <-ctx.Done():
				wm.Nack()
				return
			}
		}
	}()
	return out, nil
}

func toMessage(topic string, wm *message.Message) *pipeline.Message {
	msg := pipeline.NewMessage(topic, []byte(wm.UUID), wm.Payload, func() error {
		if !wm.Ack() {
			return errors.New("message was already nacked")
		}
		return nil
	})
	for k, v := range wm.Metadata {
		msg.Headers[k] = v
	}
	return msg
}

func (s *Subscriber) Close() error {
	return s.sub.Close()
}
