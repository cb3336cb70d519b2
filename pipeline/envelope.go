package pipeline

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Kind discriminates the payload shape carried by an Envelope.
type Kind string

const (
	ListingEvent     Kind = "listing_event"
	TransactionEvent Kind = "transaction_event"
)

// Kinds lists every supported event kind.
var Kinds = []Kind{ListingEvent, TransactionEvent}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	return k == ListingEvent || k == TransactionEvent
}

func (k Kind) String() string {
	return string(k)
}

// Payload is implemented by the kind-specific event bodies.
type Payload interface {
	Kind() Kind
	validate() error
}

// Column widths of the event tables, in characters.
const (
	MaxTraceIDLength    = 64
	MaxIdentifierLength = 255
)

func tooLong(s string, limit int) bool {
	return utf8.RuneCountInString(s) > limit
}

// ListingPayload is the body of a listing_event.
type ListingPayload struct {
	UserID string  // the user publishing the listing
	ItemID string  // the listed item
	Price  float64 // non-negative asking price
}

func (*ListingPayload) Kind() Kind { return ListingEvent }

func (p *ListingPayload) validate() error {
	switch {
	case p.UserID == "":
		return missingField("user_id")
	case p.ItemID == "":
		return missingField("item_id")
	case tooLong(p.UserID, MaxIdentifierLength):
		return tooLongField("user_id")
	case tooLong(p.ItemID, MaxIdentifierLength):
		return tooLongField("item_id")
	case p.Price < 0:
		return negativeField("price")
	}
	return nil
}

// TransactionPayload is the body of a transaction_event.
type TransactionPayload struct {
	UserID        string  // the paying user
	TransactionID string  // the business transaction identifier
	Amount        float64 // non-negative transferred amount
}

func (*TransactionPayload) Kind() Kind { return TransactionEvent }

func (p *TransactionPayload) validate() error {
	switch {
	case p.UserID == "":
		return missingField("user_id")
	case p.TransactionID == "":
		return missingField("transaction_id")
	case tooLong(p.UserID, MaxIdentifierLength):
		return tooLongField("user_id")
	case tooLong(p.TransactionID, MaxIdentifierLength):
		return tooLongField("transaction_id")
	case p.Amount < 0:
		return negativeField("amount")
	}
	return nil
}

// Envelope is the typed representation of one event while it travels through
// the broker. It is built per request and never persisted as such.
type Envelope struct {
	Type       Kind      // payload discriminator
	TraceID    string    // idempotency and correlation key
	OccurredAt time.Time // supplied by the submitter
	ReceivedAt time.Time // set by the ingestor right before publishing
	Payload    Payload
}

// Validate checks the envelope invariants: a known type matching the payload,
// a non-zero occurrence time and every mandatory payload field.
func (e *Envelope) Validate() error {
	if !e.Type.Valid() {
		return &ValidationError{Field: "type", Reason: ReasonInvalid}
	}
	if e.Payload == nil {
		return missingField("payload")
	}
	if e.Payload.Kind() != e.Type {
		return &ValidationError{Field: "payload", Reason: ReasonInvalid}
	}
	if tooLong(e.TraceID, MaxTraceIDLength) {
		return tooLongField("trace_id")
	}
	if e.OccurredAt.IsZero() {
		return missingField("timestamp")
	}
	return e.Payload.validate()
}

// ListingRecord is a persisted listing_event row. Rows are immutable once
// written; ID and DateCreated are assigned by the store.
type ListingRecord struct {
	ID          int64     `json:"id"`
	TraceID     string    `json:"trace_id"`
	UserID      string    `json:"user_id"`
	ItemID      string    `json:"item_id"`
	Price       float64   `json:"price"`
	OccurredAt  time.Time `json:"timestamp"`
	DateCreated time.Time `json:"date_created"`
}

// TransactionRecord is a persisted transaction_event row.
type TransactionRecord struct {
	ID            int64     `json:"id"`
	TraceID       string    `json:"trace_id"`
	UserID        string    `json:"user_id"`
	TransactionID string    `json:"transaction_id"`
	Amount        float64   `json:"amount"`
	OccurredAt    time.Time `json:"timestamp"`
	DateCreated   time.Time `json:"date_created"`
}

// Checkpoint is the durable marker of aggregation progress.
type Checkpoint struct {
	NumListings            uint64    `json:"num_listings"`
	NumTransactions        uint64    `json:"num_transactions"`
	LastProcessedTimestamp time.Time `json:"last_processed_timestamp"`
}

// Epoch is the starting point of the first aggregation window.
var Epoch = time.Unix(0, 0).UTC()

// ZeroCheckpoint returns the state used before the first successful cycle.
func ZeroCheckpoint() *Checkpoint {
	return &Checkpoint{LastProcessedTimestamp: Epoch}
}

// Validate reports a decoded checkpoint that carries no processing time, such
// as an empty JSON object, as ErrCheckpointCorrupt.
func (c *Checkpoint) Validate() error {
	if c.LastProcessedTimestamp.IsZero() {
		return fmt.Errorf("%w: missing last_processed_timestamp", ErrCheckpointCorrupt)
	}
	return nil
}
