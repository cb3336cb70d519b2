package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MessageSource yields the raw messages of the pipeline topic.
type MessageSource interface {
	Subscribe(ctx context.Context) (<-chan *Message, error)
}

// Consumer is the long running subscription loop that decodes envelopes and
// persists them. Every message is handled in isolation: a failure is logged,
// counted and the loop moves on to the next message.
type Consumer struct {
	base
	source          MessageSource
	saver           EventSaver
	shutdownTimeout time.Duration
}

// NewConsumer creates a consumer reading from src and persisting through saver.
func NewConsumer(s Settings, src MessageSource, saver EventSaver, options ...Option) *Consumer {
	if src == nil || saver == nil {
		panic("you must provide a message source and an event saver")
	}
	validateSettings(&s)
	c := &Consumer{
		base:            newBase(options),
		source:          src,
		saver:           saver,
		shutdownTimeout: s.ShutdownTimeout,
	}
	propagateLogger(c.logger, src, saver)
	return c
}

// Run consumes messages until ctx is cancelled. Cancellation stops the intake
// of new messages; the message being persisted at that moment is completed
// first. The caller releases the broker once Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("could not subscribe: %w", err)
	}
	c.logger.Info("consumer subscribed, waiting for messages")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					c.logger.Info("consumer stopped")
					return nil
				}
				return errors.New("subscription closed by the broker")
			}
			if ctx.Err() != nil {
				// left unacknowledged so the broker redelivers it
				c.logger.Info("consumer stopped")
				return nil
			}
			_ = c.Handle(ctx, msg)
		}
	}
}

// Handle processes one message and acknowledges it. The returned error is
// informational: the message is acknowledged either way so the subscription
// advances.
func (c *Consumer) Handle(ctx context.Context, msg *Message) (err error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.shutdownTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic while handling message: %v", ErrPersistence, r)
			c.errorCtr.Inc(1)
			c.logger.Error("recovered from a panic in the consumer", err)
		}
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Error("could not acknowledge message", ackErr)
		}
	}()

	return c.process(hctx, msg)
}

func (c *Consumer) process(ctx context.Context, msg *Message) error {
	c.logger.Debug(fmt.Sprintf("processing message: %s", msg.Payload))

	if _, err := Classify(msg.Payload); err != nil {
		c.errorCtr.Inc(1)
		if errors.Is(err, ErrUnknownKind) {
			c.logger.Warn(fmt.Sprintf("skipping message: %v", err))
		} else {
			c.logger.Error("skipping unclassifiable message", err)
		}
		return err
	}

	e, err := Decode(msg.Payload)
	if err != nil {
		c.errorCtr.Inc(1)
		c.logger.Error("skipping undecodable message", err)
		return err
	}

	inserted, err := c.saver.Save(ctx, e)
	if err != nil {
		if !errors.Is(err, ErrPersistence) {
			err = fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		c.errorCtr.Inc(1)
		c.logger.Error(fmt.Sprintf("failed to store %s (trace_id=%s)", e.Type, e.TraceID), err)
		return err
	}

	c.successCtr.Inc(1)
	if inserted {
		c.logger.Debug(fmt.Sprintf("stored %s (trace_id=%s)", e.Type, e.TraceID))
	} else {
		c.logger.Info(fmt.Sprintf("ignored redelivered %s (trace_id=%s)", e.Type, e.TraceID))
	}
	return nil
}
