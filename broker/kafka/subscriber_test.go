package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/goevents/test"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kafkaMessage(topic string, offset int64, value string) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: kafka.Offset(offset)},
		Key:            []byte("t-1"),
		Value:          []byte(value),
		Headers:        []kafka.Header{{Key: "type", Value: []byte("listing_event")}},
		Timestamp:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNewSubscriber(t *testing.T) {
	assert.Panics(t, func() {
		NewSubscriber(nil)
	})
	assert.Panics(t, func() {
		var c *test.MockedKafkaConsumer
		NewSubscriber(c)
	})
	assert.NotPanics(t, func() {
		NewSubscriber(&test.MockedKafkaConsumer{})
	})
}

func TestSubscribe(t *testing.T) {
	consumer := &test.MockedKafkaConsumer{
		ReadErr:  errors.New("broker down"),
		Messages: []*kafka.Message{kafkaMessage("events", 1, "one"), kafkaMessage("events", 2, "two")},
	}
	logger := &test.TestLogger{}
	s := NewSubscriber(consumer)
	s.SetLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := s.Subscribe(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, []string{"events"}, consumer.Subscribed)

	first := <-msgs
	assert.Equal(t, "events", first.Topic)
	assert.Equal(t, []byte("one"), first.Payload)
	assert.Equal(t, "listing_event", first.Headers["type"])
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), first.ReceivedAt)
	assert.True(t, logger.Contains("consumer error"))

	second := <-msgs
	assert.Equal(t, []byte("two"), second.Payload)
	assert.Empty(t, consumer.Committed())

	require.NoError(t, second.Ack())
	require.Len(t, consumer.Committed(), 1)
	assert.Equal(t, kafka.Offset(2), consumer.Committed()[0].TopicPartition.Offset)

	cancel()
	for range msgs {
	}
	require.NoError(t, s.Close())
	assert.True(t, consumer.IsClosed())
}

func TestAckError(t *testing.T) {
	consumer := &test.MockedKafkaConsumer{
		Messages:  []*kafka.Message{kafkaMessage("events", 7, "one")},
		CommitErr: errors.New("rebalancing"),
	}
	s := NewSubscriber(consumer)
	msgs, err := s.Subscribe(context.Background(), "events")
	require.NoError(t, err)

	msg := <-msgs
	assert.ErrorContains(t, msg.Ack(), "could not commit offset 7")

	require.NoError(t, s.Close())
	_, open := <-msgs
	assert.False(t, open)
	assert.NoError(t, s.Close())

	_, err = s.Subscribe(context.Background(), "events")
	assert.Error(t, err)
}
