package config

import "time"

// ReplicaConfig controls the replica coordinator loop.
type ReplicaConfig struct {
	// CoordinatorInterval is how often the coordinator reconciles
	// desired replica state for manual_replica agents.
	CoordinatorInterval time.Duration `yaml:"coordinator_interval"`

	// PriceFreshness is the maximum age of consolidated pricing the
	// coordinator will base pool selection on. Pools with only stale
	// data are ignored.
	PriceFreshness time.Duration `yaml:"price_freshness"`

	// DriftMargin is the relative price increase of the current replica
	// pool over the cheapest alternative that gets logged as drift.
	// Drift is observational only; replicas are never churned for it.
	DriftMargin float64 `yaml:"drift_margin"`
}

// DefaultReplicaConfig returns the built-in replica coordinator defaults.
func DefaultReplicaConfig() *ReplicaConfig {
	return &ReplicaConfig{
		CoordinatorInterval: 10 * time.Second,
		PriceFreshness:      1 * time.Hour,
		DriftMargin:         0.20,
	}
}
