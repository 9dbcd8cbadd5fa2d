package config

import "time"

// EventsConfig controls the dashboard event stream.
type EventsConfig struct {
	// StreamEventTTL is how long undelivered stream events are kept for
	// reconnect catch-up before the cleanup loop drops them.
	StreamEventTTL time.Duration `yaml:"stream_event_ttl"`

	// CatchupLimit caps how many missed events a reconnecting
	// subscriber is replayed.
	CatchupLimit int `yaml:"catchup_limit"`

	// CleanupInterval is how often expired stream events are purged.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultEventsConfig returns the built-in event stream defaults.
func DefaultEventsConfig() *EventsConfig {
	return &EventsConfig{
		StreamEventTTL:  1 * time.Hour,
		CatchupLimit:    200,
		CleanupInterval: 10 * time.Minute,
	}
}
