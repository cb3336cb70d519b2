package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrPublish indicates the broker did not acknowledge a publication.
	ErrPublish = errors.New("publish failed")

	// ErrDecode is matched by every *DecodeError.
	ErrDecode = errors.New("decode failed")

	// ErrPersistence indicates a store write failure for one message.
	ErrPersistence = errors.New("persistence failed")

	// ErrQuery indicates a store read failure.
	ErrQuery = errors.New("query failed")

	// ErrConnectionExhausted is returned once the connection retry budget is spent.
	ErrConnectionExhausted = errors.New("connection attempts exhausted")

	// ErrCheckpointNotFound is returned by checkpoint stores with no saved state.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointCorrupt is returned by checkpoint stores holding undecodable state.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrEventNotFound is returned by EventLocator for a position holding no event.
	ErrEventNotFound = errors.New("event not found")

	// ErrUnknownKind is returned when an event type is not supported.
	ErrUnknownKind = errors.New("unknown event kind")
)

// Validation reasons.
const (
	ReasonMissing  = "missing"
	ReasonInvalid  = "invalid format"
	ReasonNegative = "negative"
	ReasonTooLong  = "too long"
)

// ValidationError reports a malformed or missing submission field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field '%s': %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func missingField(field string) error {
	return &ValidationError{Field: field, Reason: ReasonMissing}
}

func negativeField(field string) error {
	return &ValidationError{Field: field, Reason: ReasonNegative}
}

func tooLongField(field string) error {
	return &ValidationError{Field: field, Reason: ReasonTooLong}
}

// DecodeError reports a broker message that could not be turned into an
// Envelope. It is always recoverable: the message is skipped.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}
