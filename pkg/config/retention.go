package config

import "time"

// RetentionConfig controls data retention and partition maintenance.
type RetentionConfig struct {
	// ZombieRetention is how long a zombie instance is tracked before
	// the sweeper gives up and force-marks it terminated.
	ZombieRetention time.Duration `yaml:"zombie_retention"`

	// PartitionRetentionMonths is how many monthly partitions of the
	// snapshot and audit tables are kept before being dropped.
	PartitionRetentionMonths int `yaml:"partition_retention_months"`

	// MaintenanceInterval is how often partition maintenance runs.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		ZombieRetention:          30 * 24 * time.Hour,
		PartitionRetentionMonths: 6,
		MaintenanceInterval:      12 * time.Hour,
	}
}
