package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

var jsonAPI = sonic.ConfigStd

// wireEnvelope is the broker representation of an Envelope. The "type" key is
// always serialized first so consumers can route on it without a full parse.
type wireEnvelope struct {
	Type       Kind            `json:"type"`
	TraceID    string          `json:"trace_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

type wireListing struct {
	UserID string   `json:"user_id"`
	ItemID string   `json:"item_id"`
	Price  *float64 `json:"price"`
}

type wireTransaction struct {
	UserID        string   `json:"user_id"`
	TransactionID string   `json:"transaction_id"`
	Amount        *float64 `json:"amount"`
}

// Encode serializes a valid envelope to its JSON wire form. Timestamps are
// written in UTC.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, missingField("envelope")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var body any
	switch p := e.Payload.(type) {
	case *ListingPayload:
		price := p.Price
		body = wireListing{UserID: p.UserID, ItemID: p.ItemID, Price: &price}
	case *TransactionPayload:
		amount := p.Amount
		body = wireTransaction{UserID: p.UserID, TransactionID: p.TransactionID, Amount: &amount}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, e.Payload)
	}

	payload, err := jsonAPI.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("could not encode the %s payload: %w", e.Type, err)
	}

	return jsonAPI.Marshal(wireEnvelope{
		Type:       e.Type,
		TraceID:    e.TraceID,
		OccurredAt: e.OccurredAt.UTC(),
		ReceivedAt: e.ReceivedAt.UTC(),
		Payload:    payload,
	})
}

// Classify extracts the event kind from an encoded envelope reading only the
// "type" discriminator.
func Classify(data []byte) (Kind, error) {
	node, err := sonic.Get(data, "type")
	if err != nil {
		return "", &DecodeError{Reason: "missing type discriminator", Err: err}
	}
	s, err := node.String()
	if err != nil {
		return "", &DecodeError{Reason: "type discriminator is not a string", Err: err}
	}
	k := Kind(s)
	if !k.Valid() {
		return k, &DecodeError{Reason: fmt.Sprintf("type '%s'", s), Err: ErrUnknownKind}
	}
	return k, nil
}

// Decode parses an encoded envelope. Any structural problem, unknown type or
// missing mandatory field is reported as a *DecodeError.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := jsonAPI.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if !w.Type.Valid() {
		return nil, &DecodeError{Reason: fmt.Sprintf("type '%s'", w.Type), Err: ErrUnknownKind}
	}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil, &DecodeError{Reason: "missing payload", Err: missingField("payload")}
	}

	e := &Envelope{
		Type:       w.Type,
		TraceID:    w.TraceID,
		OccurredAt: w.OccurredAt.UTC(),
		ReceivedAt: w.ReceivedAt.UTC(),
	}

	switch w.Type {
	case ListingEvent:
		var p wireListing
		if err := jsonAPI.Unmarshal(w.Payload, &p); err != nil {
			return nil, &DecodeError{Reason: "malformed listing payload", Err: err}
		}
		if p.Price == nil {
			return nil, &DecodeError{Reason: "invalid listing payload", Err: missingField("price")}
		}
		e.Payload = &ListingPayload{UserID: p.UserID, ItemID: p.ItemID, Price: *p.Price}
	case TransactionEvent:
		var p wireTransaction
		if err := jsonAPI.Unmarshal(w.Payload, &p); err != nil {
			return nil, &DecodeError{Reason: "malformed transaction payload", Err: err}
		}
		if p.Amount == nil {
			return nil, &DecodeError{Reason: "invalid transaction payload", Err: missingField("amount")}
		}
		e.Payload = &TransactionPayload{UserID: p.UserID, TransactionID: p.TransactionID, Amount: *p.Amount}
	}

	if err := e.Validate(); err != nil {
		return nil, &DecodeError{Reason: "invalid envelope", Err: err}
	}

	return e, nil
}
