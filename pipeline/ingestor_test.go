package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/3rs4lg4d0/goevents/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	envelopes []*Envelope
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, e *Envelope) error {
	if p.err != nil {
		return p.err
	}
	p.envelopes = append(p.envelopes, e)
	return nil
}

func TestNewIngestor(t *testing.T) {
	assert.Panics(t, func() {
		NewIngestor(nil)
	})
	assert.NotPanics(t, func() {
		NewIngestor(&recordingPublisher{})
	})
}

func TestSubmitListing(t *testing.T) {
	now := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)
	testcases := []struct {
		name         string
		s            *ListingSubmission
		publishErr   error
		wantTraceID  string
		wantField    string
		wantReason   string
		wantErr      error
		wantSuccess  int64
		wantFailures int64
	}{
		{
			name:        "generated trace id",
			s:           &ListingSubmission{UserID: "u1", ItemID: "i1", Price: ptr(10.0), Timestamp: "2024-01-01T00:00:00"},
			wantTraceID: "generated",
			wantSuccess: 1,
		},
		{
			name:        "caller supplied trace id is kept",
			s:           &ListingSubmission{TraceID: "abc", UserID: "u1", ItemID: "i1", Price: ptr(0.0), Timestamp: "2024-01-01T00:00:00Z"},
			wantTraceID: "abc",
			wantSuccess: 1,
		},
		{
			name:         "missing timestamp",
			s:            &ListingSubmission{UserID: "u1", ItemID: "i1", Price: ptr(10.0)},
			wantField:    "timestamp",
			wantReason:   ReasonMissing,
			wantErr:      ErrValidation,
			wantFailures: 1,
		},
		{
			name:         "unparsable timestamp",
			s:            &ListingSubmission{UserID: "u1", ItemID: "i1", Price: ptr(10.0), Timestamp: "not a date"},
			wantField:    "timestamp",
			wantReason:   ReasonInvalid,
			wantErr:      ErrValidation,
			wantFailures: 1,
		},
		{
			name:         "every missing field is named",
			s:            &ListingSubmission{Timestamp: "2024-01-01"},
			wantField:    "item_id,price,user_id",
			wantReason:   ReasonMissing,
			wantErr:      ErrValidation,
			wantFailures: 1,
		},
		{
			name:         "negative price",
			s:            &ListingSubmission{UserID: "u1", ItemID: "i1", Price: ptr(-1.0), Timestamp: "2024-01-01"},
			wantField:    "price",
			wantReason:   ReasonNegative,
			wantErr:      ErrValidation,
			wantFailures: 1,
		},
		{
			name:        "trace id at the column width",
			s:           &ListingSubmission{TraceID: strings.Repeat("a", MaxTraceIDLength), UserID: "u1", ItemID: "i1", Price: ptr(1.0), Timestamp: "2024-01-01"},
			wantTraceID: strings.Repeat("a", MaxTraceIDLength),
			wantSuccess: 1,
		},
		{
			name:         "trace id wider than the column",
			s:            &ListingSubmission{TraceID: strings.Repeat("a", MaxTraceIDLength+1), UserID: "u1", ItemID: "i1", Price: ptr(1.0), Timestamp: "2024-01-01"},
			wantField:    "trace_id",
			wantReason:   ReasonTooLong,
			wantErr:      ErrValidation,
			wantFailures: 1,
		},
		{
			name:         "item id wider than the column",
			s:            &ListingSubmission{UserID: "u1", ItemID: strings.Repeat("é", MaxIdentifierLength+1), Price: ptr(1.0), Timestamp: "2024-01-01"},
			wantField:    "item_id",
			wantReason:   ReasonTooLong,
			wantErr:      ErrValidation,
			wantFailures: 1,
		},
		{
			name:         "nil submission",
			s:            nil,
			wantField:    "body",
			wantReason:   ReasonMissing,
			wantErr:      ErrValidation,
			wantFailures: 1,
		},
		{
			name:         "broker failure",
			s:            &ListingSubmission{UserID: "u1", ItemID: "i1", Price: ptr(10.0), Timestamp: "2024-01-01"},
			publishErr:   errors.New("broker unreachable"),
			wantErr:      ErrPublish,
			wantFailures: 1,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &recordingPublisher{err: tc.publishErr}
			success, failure := &test.TestCounter{}, &test.TestCounter{}
			i := NewIngestor(pub,
				WithLogger(&test.TestLogger{}),
				WithCounters(success, failure),
				WithClock(func() time.Time { return now }),
				WithTraceIDGenerator(func() string { return "generated" }),
			)

			traceID, err := i.SubmitListing(context.Background(), tc.s)

			assert.Equal(t, tc.wantSuccess, success.Value())
			assert.Equal(t, tc.wantFailures, failure.Value())
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Empty(t, traceID)
				assert.Empty(t, pub.envelopes)
				if tc.wantField != "" {
					var verr *ValidationError
					require.True(t, errors.As(err, &verr))
					assert.Equal(t, tc.wantField, verr.Field)
					assert.Equal(t, tc.wantReason, verr.Reason)
				}
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.wantTraceID, traceID)
			require.Len(t, pub.envelopes, 1)
			e := pub.envelopes[0]
			assert.Equal(t, ListingEvent, e.Type)
			assert.Equal(t, tc.wantTraceID, e.TraceID)
			assert.Equal(t, now, e.ReceivedAt)
			assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), e.OccurredAt)
		})
	}
}

func TestSubmitTransaction(t *testing.T) {
	testcases := []struct {
		name      string
		s         *TransactionSubmission
		wantField string
		wantErr   bool
	}{
		{
			name: "valid",
			s:    &TransactionSubmission{UserID: "u1", TransactionID: "tx1", Amount: ptr(5.5), Timestamp: "2024-01-01T12:00:00+01:00"},
		},
		{
			name:      "missing amount",
			s:         &TransactionSubmission{UserID: "u1", TransactionID: "tx1", Timestamp: "2024-01-01"},
			wantField: "amount",
			wantErr:   true,
		},
		{
			name:      "missing transaction id and user",
			s:         &TransactionSubmission{Amount: ptr(1.0), Timestamp: "2024-01-01"},
			wantField: "transaction_id,user_id",
			wantErr:   true,
		},
		{
			name:      "negative amount",
			s:         &TransactionSubmission{UserID: "u1", TransactionID: "tx1", Amount: ptr(-0.5), Timestamp: "2024-01-01"},
			wantField: "amount",
			wantErr:   true,
		},
		{
			name:      "transaction id wider than the column",
			s:         &TransactionSubmission{UserID: "u1", TransactionID: strings.Repeat("x", MaxIdentifierLength+1), Amount: ptr(1.0), Timestamp: "2024-01-01"},
			wantField: "transaction_id",
			wantErr:   true,
		},
		{
			name:      "nil submission",
			wantField: "body",
			wantErr:   true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			i := NewIngestor(pub)

			traceID, err := i.SubmitTransaction(context.Background(), tc.s)
			test.AssertError(t, err, tc.wantErr)
			if tc.wantErr {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr))
				assert.Equal(t, tc.wantField, verr.Field)
				assert.Empty(t, pub.envelopes)
				return
			}
			assert.Len(t, traceID, 36)
			require.Len(t, pub.envelopes, 1)
			assert.Equal(t, TransactionEvent, pub.envelopes[0].Type)
			assert.Equal(t, &TransactionPayload{UserID: "u1", TransactionID: "tx1", Amount: 5.5}, pub.envelopes[0].Payload)
			assert.Equal(t, time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), pub.envelopes[0].OccurredAt)
		})
	}
}

func TestSubmitGeneratesDistinctTraceIDs(t *testing.T) {
	pub := &recordingPublisher{}
	i := NewIngestor(pub)
	seen := map[string]bool{}
	for n := 0; n < 50; n++ {
		id, err := i.SubmitListing(context.Background(), &ListingSubmission{
			UserID: "u1", ItemID: "i1", Price: ptr(1.0), Timestamp: "2024-01-01",
		})
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
