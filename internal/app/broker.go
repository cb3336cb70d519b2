package app

import (
	"context"
	"fmt"

	kafkabroker "github.com/3rs4lg4d0/goevents/broker/kafka"
	jsbroker "github.com/3rs4lg4d0/goevents/broker/jetstream"
	wmbroker "github.com/3rs4lg4d0/goevents/broker/watermill"
	"github.com/3rs4lg4d0/goevents/config"
	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// BrokerSides selects the sides of the broker a process uses.
type BrokerSides struct {
	Publish   bool
	Subscribe bool
}

// NewBroker connects to the configured broker, retrying with the connection
// budget. Exhaustion is reported as pipeline.ErrConnectionExhausted. The
// returned closers release the underlying connection after the broker itself.
func (a *App) NewBroker(ctx context.Context, sides BrokerSides) (*pipeline.Broker, []func() error, error) {
	s := a.Settings()
	b := a.cfg.Broker
	var (
		pub     pipeline.Publisher
		sub     pipeline.Subscriber
		closers []func() error
	)

	switch b.Kind {
	case config.BrokerKafka:
		if sides.Publish {
			p, err := pipeline.Dial(ctx, pipeline.NewConnector("kafka producer", s, a.Logger("connector")),
				func(context.Context) (*kafka.Producer, error) {
					return kafkabroker.NewProducer(b.Kafka.BootstrapServers)
				})
			if err != nil {
				return nil, nil, err
			}
			pub = kafkabroker.NewPublisher(p)
		}
		if sides.Subscribe {
			c, err := pipeline.Dial(ctx, pipeline.NewConnector("kafka consumer", s, a.Logger("connector")),
				func(context.Context) (*kafka.Consumer, error) {
					return kafkabroker.NewConsumer(b.Kafka.BootstrapServers, b.Kafka.GroupID)
				})
			if err != nil {
				if pub != nil {
					_ = pub.Close()
				}
				return nil, nil, err
			}
			sub = kafkabroker.NewSubscriber(c)
		}

	case config.BrokerJetStream:
		conn, err := pipeline.Dial(ctx, pipeline.NewConnector("nats", s, a.Logger("connector")),
			func(ctx context.Context) (*jsbroker.Conn, error) {
				return jsbroker.Connect(ctx, jsbroker.Config{
					URL:     b.NATS.URL,
					Stream:  b.NATS.Stream,
					Durable: b.NATS.Durable,
					AckWait: b.NATS.AckWait,
				}, s.Topic)
			})
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, conn.Close)
		if sides.Publish {
			pub = conn.Publisher()
		}
		if sides.Subscribe {
			js, err := conn.Subscriber(ctx, s.Topic)
			if err != nil {
				_ = conn.Close()
				return nil, nil, err
			}
			sub = js
		}

	case config.BrokerAMQP:
		type amqpConn struct {
			pub *amqp.Publisher
			sub *amqp.Subscriber
		}
		wl := wmbroker.NewLoggerAdapter(a.Logger("amqp"))
		conn, err := pipeline.Dial(ctx, pipeline.NewConnector("amqp", s, a.Logger("connector")),
			func(context.Context) (amqpConn, error) {
				p, sb, err := wmbroker.NewAMQP(b.AMQP.URL, wl)
				return amqpConn{pub: p, sub: sb}, err
			})
		if err != nil {
			return nil, nil, err
		}
		if sides.Publish {
			pub = wmbroker.NewPublisher(conn.pub)
		} else {
			closers = append(closers, conn.pub.Close)
		}
		if sides.Subscribe {
			sub = wmbroker.NewSubscriber(conn.sub)
		} else {
			closers = append(closers, conn.sub.Close)
		}

	case config.BrokerMemory:
		gc := wmbroker.NewMemory(wmbroker.NewLoggerAdapter(a.Logger("memory")))
		if sides.Publish {
			pub = wmbroker.NewPublisher(gc)
		}
		if sides.Subscribe {
			sub = wmbroker.NewSubscriber(gc)
		}
		closers = append(closers, gc.Close)

	default:
		return nil, nil, fmt.Errorf("unknown broker kind '%s'", b.Kind)
	}

	broker := pipeline.NewBroker(s, pub, sub)
	broker.SetLogger(a.Logger("broker"))
	return broker, closers, nil
}
