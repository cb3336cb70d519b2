package pipeline

import (
	"context"
	"time"
)

// EventSaver persists consumed envelopes.
type EventSaver interface {

	// Save persists the envelope as a new row inside its own unit of work.
	// Saving an envelope whose trace id was already persisted for the same
	// kind is a no-op that returns inserted=false.
	Save(ctx context.Context, e *Envelope) (inserted bool, err error)
}

// EventFinder retrieves persisted events whose occurrence time falls within
// [start, end).
type EventFinder interface {
	FindListings(ctx context.Context, start, end time.Time) ([]*ListingRecord, error)
	FindTransactions(ctx context.Context, start, end time.Time) ([]*TransactionRecord, error)
}

// EventCounter counts persisted events of a kind whose occurrence time falls
// within [start, end).
type EventCounter interface {
	CountEvents(ctx context.Context, kind Kind, start, end time.Time) (uint64, error)
}

// EventLocator addresses persisted events of one kind by their zero based
// position in insertion order. A position past the last event returns
// ErrEventNotFound.
type EventLocator interface {
	ListingAt(ctx context.Context, index int) (*ListingRecord, error)
	TransactionAt(ctx context.Context, index int) (*TransactionRecord, error)

	// TotalEvents counts every persisted event of a kind regardless of its
	// occurrence time.
	TotalEvents(ctx context.Context, kind Kind) (uint64, error)
}

// Repository manages persisted events. Every implementation shares its
// connection pool between the consumer and the query path and acquires a
// connection per unit of work.
type Repository interface {
	EventSaver
	EventFinder
	EventCounter
}

// CheckpointStore reads and writes the aggregation checkpoint as a single
// atomic unit. Load returns ErrCheckpointNotFound when nothing was saved yet
// and ErrCheckpointCorrupt when the stored state cannot be decoded.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, c *Checkpoint) error
}
