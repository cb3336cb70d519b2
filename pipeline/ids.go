package pipeline

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Trace id formats.
const (
	TraceIDUUID = "uuid"
	TraceIDULID = "ulid"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a time-sortable ULID.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// TraceIDGenerator returns the generator for the given format.
func TraceIDGenerator(format string) (func() string, error) {
	switch format {
	case TraceIDUUID, "":
		return uuid.NewString, nil
	case TraceIDULID:
		return NewULID, nil
	default:
		return nil, fmt.Errorf("unknown trace id format '%s'", format)
	}
}
