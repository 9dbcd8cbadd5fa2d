package config

import "time"

// EmergencyConfig controls the interruption-notice orchestrator.
type EmergencyConfig struct {
	// RebalanceDeadline is the response budget for a rebalance
	// recommendation. Replica launch and promotion must fit inside it.
	RebalanceDeadline time.Duration `yaml:"rebalance_deadline"`

	// TerminationDeadline is the response budget for a spot termination
	// notice. Much tighter than rebalance; health checks are skipped.
	TerminationDeadline time.Duration `yaml:"termination_deadline"`

	// PromotionFailureThreshold is how many consecutive emergency
	// promotion failures flip an agent into error status.
	PromotionFailureThreshold int `yaml:"promotion_failure_threshold"`

	// MinBootSamples is the minimum number of boot observations a pool
	// needs before its mean boot time is trusted for pool selection.
	MinBootSamples int `yaml:"min_boot_samples"`
}

// DefaultEmergencyConfig returns the built-in emergency defaults.
func DefaultEmergencyConfig() *EmergencyConfig {
	return &EmergencyConfig{
		RebalanceDeadline:         120 * time.Second,
		TerminationDeadline:       60 * time.Second,
		PromotionFailureThreshold: 3,
		MinBootSamples:            3,
	}
}
