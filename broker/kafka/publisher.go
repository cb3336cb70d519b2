package kafka

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

const defaultFlushTimeoutMs = 5000

// kafkaProducer is the subset of *kafka.Producer used by the publisher.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Publisher produces every message synchronously: Publish waits for the
// delivery report of the message before returning.
type Publisher struct {
	producer kafkaProducer
	logger   pipeline.Logger
}

var _ pipeline.Publisher = (*Publisher)(nil)
var _ pipeline.Loggable = (*Publisher)(nil)

func NewPublisher(p kafkaProducer) *Publisher {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Publisher{
		producer: p,
		logger:   &pipeline.NopLogger{},
	}
}

func (p *Publisher) SetLogger(l pipeline.Logger) {
	p.logger = l
}

func (p *Publisher) Publish(ctx context.Context, msg *pipeline.Message) error {
	delivery := make(chan kafka.Event, 1)
	topic := msg.Topic
	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Payload,
		Headers:        buildHeaders(msg.Headers),
	}, delivery)
	if err != nil {
		return fmt.Errorf("could not produce the message: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no delivery report received: %w", ctx.Err())
		case ev := <-delivery:
			switch m := ev.(type) {
			case *kafka.Message:
				if m.TopicPartition.Error != nil {
					return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
				}
				p.logger.Debug(fmt.Sprintf("delivered message to topic %s [%d] at offset %v",
					*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset))
				return nil
			default:
				p.logger.Debug(fmt.Sprintf("ignored event: %s", ev))
			}
		}
	}
}

// Close flushes outstanding messages and closes the producer.
func (p *Publisher) Close() error {
	if n := p.producer.Flush(defaultFlushTimeoutMs); n > 0 {
		p.logger.Warn(fmt.Sprintf("%d messages still queued on close", n))
	}
	p.producer.Close()
	return nil
}

// buildHeaders turns the message metadata into kafka headers ordered by key.
func buildHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	headers := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(h[k])})
	}
	return headers
}

// NewProducer creates an idempotent producer and checks the cluster answers.
func NewProducer(bootstrapServers string) (*kafka.Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, err
	}
	if _, err := p.GetMetadata(nil, true, metadataTimeoutMs); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}
