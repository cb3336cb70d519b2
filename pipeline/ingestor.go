package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ListingSubmission is an inbound listing event as sent by clients.
type ListingSubmission struct {
	TraceID   string   `json:"trace_id"`
	Timestamp string   `json:"timestamp"`
	UserID    string   `json:"user_id"`
	ItemID    string   `json:"item_id"`
	Price     *float64 `json:"price"`
}

// TransactionSubmission is an inbound transaction event as sent by clients.
type TransactionSubmission struct {
	TraceID       string   `json:"trace_id"`
	Timestamp     string   `json:"timestamp"`
	UserID        string   `json:"user_id"`
	TransactionID string   `json:"transaction_id"`
	Amount        *float64 `json:"amount"`
}

// Ingestor validates submissions, assigns trace ids and publishes envelopes.
// It is stateless: a failed publication is reported to the caller and never
// retried internally.
type Ingestor struct {
	base
	publisher EnvelopePublisher
}

// NewIngestor creates an ingestor publishing through p.
func NewIngestor(p EnvelopePublisher, options ...Option) *Ingestor {
	if p == nil {
		panic("publisher is mandatory")
	}
	i := &Ingestor{
		base:      newBase(options),
		publisher: p,
	}
	propagateLogger(i.logger, p)
	return i
}

// SubmitListing validates and publishes a listing event, returning its trace id.
func (i *Ingestor) SubmitListing(ctx context.Context, s *ListingSubmission) (string, error) {
	if s == nil {
		return "", i.reject(ListingEvent, missingField("body"))
	}
	occurredAt, err := parseSubmissionTimestamp(s.Timestamp)
	if err != nil {
		return "", i.reject(ListingEvent, err)
	}
	if err := requireFields(map[string]bool{
		"user_id": s.UserID != "",
		"item_id": s.ItemID != "",
		"price":   s.Price != nil,
	}); err != nil {
		return "", i.reject(ListingEvent, err)
	}
	return i.submit(ctx, s.TraceID, occurredAt, &ListingPayload{
		UserID: s.UserID,
		ItemID: s.ItemID,
		Price:  *s.Price,
	})
}

// SubmitTransaction validates and publishes a transaction event, returning its
// trace id.
func (i *Ingestor) SubmitTransaction(ctx context.Context, s *TransactionSubmission) (string, error) {
	if s == nil {
		return "", i.reject(TransactionEvent, missingField("body"))
	}
	occurredAt, err := parseSubmissionTimestamp(s.Timestamp)
	if err != nil {
		return "", i.reject(TransactionEvent, err)
	}
	if err := requireFields(map[string]bool{
		"user_id":        s.UserID != "",
		"transaction_id": s.TransactionID != "",
		"amount":         s.Amount != nil,
	}); err != nil {
		return "", i.reject(TransactionEvent, err)
	}
	return i.submit(ctx, s.TraceID, occurredAt, &TransactionPayload{
		UserID:        s.UserID,
		TransactionID: s.TransactionID,
		Amount:        *s.Amount,
	})
}

func (i *Ingestor) submit(ctx context.Context, traceID string, occurredAt time.Time, p Payload) (string, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		traceID = i.newTraceID()
	}

	e := &Envelope{
		Type:       p.Kind(),
		TraceID:    traceID,
		OccurredAt: occurredAt,
		ReceivedAt: i.clock().UTC(),
		Payload:    p,
	}
	if err := e.Validate(); err != nil {
		return "", i.reject(e.Type, err)
	}

	i.logger.Info(fmt.Sprintf("received %s (trace_id=%s)", e.Type, traceID))

	if err := i.publisher.Publish(ctx, e); err != nil {
		i.errorCtr.Inc(1)
		if !errors.Is(err, ErrPublish) && !errors.Is(err, ErrValidation) {
			err = fmt.Errorf("%w: %w", ErrPublish, err)
		}
		i.logger.Error(fmt.Sprintf("could not publish %s (trace_id=%s)", e.Type, traceID), err)
		return "", err
	}

	i.successCtr.Inc(1)
	return traceID, nil
}

func (i *Ingestor) reject(k Kind, err error) error {
	i.errorCtr.Inc(1)
	i.logger.Debug(fmt.Sprintf("rejected %s submission: %v", k, err))
	return err
}

// parseSubmissionTimestamp distinguishes a missing timestamp from an
// unparsable one.
func parseSubmissionTimestamp(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, missingField("timestamp")
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: ReasonInvalid}
	}
	return t, nil
}

// requireFields returns a validation error naming every absent field, sorted.
func requireFields(present map[string]bool) error {
	var missing []string
	for field, ok := range present {
		if !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return &ValidationError{Field: strings.Join(missing, ","), Reason: ReasonMissing}
}
