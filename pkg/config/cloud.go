package config

import "time"

// CloudConfig controls the cloud provider integration.
type CloudConfig struct {
	// Enabled toggles the real provider client. When false the server
	// runs with backfill and instance verification disabled, which is
	// the mode integration tests use.
	Enabled bool `yaml:"enabled"`

	// Region is the default API region. Per-pool requests override it.
	Region string `yaml:"region"`

	// RequestTimeout bounds individual provider API calls.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// BreakerFailureThreshold is how many consecutive provider failures
	// open the circuit breaker.
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`

	// BreakerOpenTimeout is how long the breaker stays open before a
	// half-open probe.
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
}

// DefaultCloudConfig returns the built-in cloud provider defaults.
func DefaultCloudConfig() *CloudConfig {
	return &CloudConfig{
		Enabled:                 false,
		Region:                  "us-east-1",
		RequestTimeout:          10 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      30 * time.Second,
	}
}
