package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ConnState is the state of a Connector.
type ConnState int

const (
	Connecting ConnState = iota
	Connected
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// maxBackoffShift bounds the exponent so the delay never overflows.
const maxBackoffShift = 30

// Connector drives startup connection establishment as a small state machine:
// it starts in Connecting, moves to Connected on the first successful dial and
// to Failed once maxAttempts dials have failed. Failed is terminal and the
// owning process is expected to exit.
type Connector struct {
	name        string
	maxAttempts int
	baseDelay   time.Duration
	logger      Logger
	sleep       func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	state    ConnState
	attempts int
}

// NewConnector creates a connector for the named resource using the retry
// budget in s.
func NewConnector(name string, s Settings, l Logger) *Connector {
	validateSettings(&s)
	if l == nil {
		l = &NopLogger{}
	}
	return &Connector{
		name:        name,
		maxAttempts: s.ConnectMaxAttempts,
		baseDelay:   s.ConnectBaseDelay,
		logger:      l,
		sleep:       sleepContext,
		state:       Connecting,
	}
}

// State returns the current connector state.
func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns how many dials were performed.
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Delay returns the wait after the given failed attempt (1-based): the base
// delay doubled once per previous attempt.
func (c *Connector) Delay(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return c.baseDelay * time.Duration(1<<shift)
}

func (c *Connector) transition(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connector) attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

// Dial runs dial until it succeeds or the connector retry budget is spent. On
// exhaustion the returned error wraps ErrConnectionExhausted.
func Dial[T any](ctx context.Context, c *Connector, dial func(context.Context) (T, error)) (T, error) {
	var zero T
	if c.State() != Connecting {
		return zero, fmt.Errorf("connector for %s is %s", c.name, c.State())
	}

	var lastErr error
	for {
		n := c.attempt()
		conn, err := dial(ctx)
		if err == nil {
			c.transition(Connected)
			c.logger.Info(fmt.Sprintf("connected to %s (attempt %d/%d)", c.name, n, c.maxAttempts))
			return conn, nil
		}
		lastErr = err
		c.logger.Warn(fmt.Sprintf("%s not available (attempt %d/%d): %v", c.name, n, c.maxAttempts, err))

		if n >= c.maxAttempts {
			break
		}
		if err := c.sleep(ctx, c.Delay(n)); err != nil {
			c.transition(Failed)
			return zero, fmt.Errorf("%w: %s: %w", ErrConnectionExhausted, c.name, err)
		}
	}

	c.transition(Failed)
	c.logger.Error(fmt.Sprintf("could not connect to %s after %d attempts", c.name, c.maxAttempts), lastErr)
	return zero, fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectionExhausted, c.name, c.maxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
