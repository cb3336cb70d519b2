package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/goevents/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loggablePublisher struct {
	*memBroker
	logger Logger
}

func (p *loggablePublisher) SetLogger(l Logger) {
	p.logger = l
}

func TestNewBroker(t *testing.T) {
	testcases := []struct {
		name      string
		pub       Publisher
		sub       Subscriber
		wantPanic bool
	}{
		{name: "publisher only", pub: newMemBroker()},
		{name: "subscriber only", sub: newMemBroker()},
		{name: "both", pub: newMemBroker(), sub: newMemBroker()},
		{name: "none", wantPanic: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					NewBroker(Settings{}, tc.pub, tc.sub)
				})
			} else {
				assert.NotPanics(t, func() {
					b := NewBroker(Settings{}, tc.pub, tc.sub)
					assert.Equal(t, defaultTopic, b.Topic())
				})
			}
		})
	}
}

func TestBrokerSetLogger(t *testing.T) {
	pub := &loggablePublisher{memBroker: newMemBroker()}
	b := NewBroker(Settings{}, pub, nil)
	b.SetLogger(nil)
	assert.Nil(t, pub.logger)

	l := &test.TestLogger{}
	b.SetLogger(l)
	assert.Equal(t, l, pub.logger)
	assert.Equal(t, l, b.logger)
}

func TestBrokerPublish(t *testing.T) {
	testcases := []struct {
		name       string
		publishErr error
		e          *Envelope
		wantErr    error
	}{
		{
			name: "acknowledged publication",
			e:    listingEnvelope("t-1"),
		},
		{
			name:       "broker unreachable",
			publishErr: errors.New("broker unreachable"),
			e:          listingEnvelope("t-1"),
			wantErr:    ErrPublish,
		},
		{
			name:    "invalid envelope is never sent",
			e:       &Envelope{Type: ListingEvent, TraceID: "t-1"},
			wantErr: ErrValidation,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			mb := newMemBroker()
			mb.publishErr = tc.publishErr
			b := NewBroker(Settings{Topic: "events"}, mb, nil)

			err := b.Publish(context.Background(), tc.e)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Equal(t, 0, mb.publishedCount())
				return
			}
			require.NoError(t, err)
			require.Equal(t, 1, mb.publishedCount())

			msg := mb.published[0]
			assert.Equal(t, "events", msg.Topic)
			assert.Equal(t, []byte("t-1"), msg.Key)
			assert.Equal(t, "listing_event", msg.Headers[HeaderType])
			assert.Equal(t, "t-1", msg.Headers[HeaderTraceID])

			decoded, err := Decode(msg.Payload)
			require.NoError(t, err)
			assert.Equal(t, "t-1", decoded.TraceID)
		})
	}
}

type slowPublisher struct {
	memBroker
}

func (p *slowPublisher) Publish(ctx context.Context, msg *Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBrokerPublishTimeout(t *testing.T) {
	b := NewBroker(Settings{PublishTimeout: 10 * time.Millisecond}, &slowPublisher{}, nil)
	err := b.Publish(context.Background(), listingEnvelope("t-1"))
	assert.ErrorIs(t, err, ErrPublish)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBrokerWithoutSides(t *testing.T) {
	pubOnly := NewBroker(Settings{}, newMemBroker(), nil)
	_, err := pubOnly.Subscribe(context.Background())
	assert.Error(t, err)

	subOnly := NewBroker(Settings{}, nil, newMemBroker())
	assert.ErrorIs(t, subOnly.Publish(context.Background(), listingEnvelope("t-1")), ErrPublish)
}

func TestBrokerSubscribeAndClose(t *testing.T) {
	mb := newMemBroker()
	b := NewBroker(Settings{Topic: "events"}, mb, mb)
	require.NoError(t, b.Publish(context.Background(), listingEnvelope("t-1")))
	require.NoError(t, b.Publish(context.Background(), transactionEnvelope("t-2")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := b.Subscribe(ctx)
	require.NoError(t, err)

	var kinds []Kind
	for i := 0; i < 2; i++ {
		msg := <-msgs
		assert.Equal(t, "events", msg.Topic)
		k, err := Classify(msg.Payload)
		require.NoError(t, err)
		kinds = append(kinds, k)
		assert.NoError(t, msg.Ack())
	}
	assert.Equal(t, []Kind{ListingEvent, TransactionEvent}, kinds)
	assert.Equal(t, 2, mb.ackedCount())

	assert.NoError(t, b.Close())
	assert.True(t, mb.closed)
}

func TestMessageAckWithoutCallback(t *testing.T) {
	m := &Message{}
	assert.NoError(t, m.Ack())
}
