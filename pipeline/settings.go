package pipeline

import (
	"time"
)

const (
	defaultTopic               string        = "events"
	defaultAggregationInterval time.Duration = time.Second * 5
	defaultConnectMaxAttempts  int           = 10
	defaultConnectBaseDelay    time.Duration = time.Second
	defaultPublishTimeout      time.Duration = time.Second * 10
	defaultShutdownTimeout     time.Duration = time.Second * 10
)

// Settings holds the general pipeline configuration.
type Settings struct {
	Topic               string        // broker topic carrying every envelope
	AggregationInterval time.Duration // interval between aggregation cycles
	ConnectMaxAttempts  int           // connection attempts before giving up at startup
	ConnectBaseDelay    time.Duration // delay after the first failed attempt, doubled on each retry
	PublishTimeout      time.Duration // maximum wait for a broker acknowledgement
	ShutdownTimeout     time.Duration // grace period for in-flight work on shutdown
}

// validateSettings sets defaults for every unset or invalid setting.
func validateSettings(s *Settings) {
	if s.Topic == "" {
		s.Topic = defaultTopic
	}
	if s.AggregationInterval <= 0 {
		s.AggregationInterval = defaultAggregationInterval
	}
	if s.ConnectMaxAttempts <= 0 {
		s.ConnectMaxAttempts = defaultConnectMaxAttempts
	}
	if s.ConnectBaseDelay <= 0 {
		s.ConnectBaseDelay = defaultConnectBaseDelay
	}
	if s.PublishTimeout <= 0 {
		s.PublishTimeout = defaultPublishTimeout
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = defaultShutdownTimeout
	}
}

// WithDefaults returns a copy of s with defaults applied.
func (s Settings) WithDefaults() Settings {
	validateSettings(&s)
	return s
}
