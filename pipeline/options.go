package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// base holds the collaborators shared by every pipeline component.
type base struct {
	logger     Logger
	successCtr Counter
	errorCtr   Counter
	clock      func() time.Time
	newTraceID func() string
}

func newBase(options []Option) base {
	b := base{
		logger:     &NopLogger{},
		successCtr: &NopCounter{},
		errorCtr:   &NopCounter{},
		clock:      time.Now,
		newTraceID: uuid.NewString,
	}
	for _, o := range options {
		o(&b)
	}
	return b
}

// Option allows optional configuration of pipeline components.
type Option func(b *base)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for observability.
// The success counter is incremented for every unit of work completed and the
// error counter for every unit of work that failed.
func WithCounters(success Counter, error Counter) Option {
	return func(b *base) {
		if success != nil {
			b.successCtr = success
		}
		if error != nil {
			b.errorCtr = error
		}
	}
}

// WithClock replaces the wall clock, mostly useful in tests.
func WithClock(clock func() time.Time) Option {
	return func(b *base) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithTraceIDGenerator replaces the generator used for submissions that do not
// carry a trace id.
func WithTraceIDGenerator(gen func() string) Option {
	return func(b *base) {
		if gen != nil {
			b.newTraceID = gen
		}
	}
}
