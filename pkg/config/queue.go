package config

import "time"

// QueueConfig controls the command queue reconciler.
type QueueConfig struct {
	// ReconcileInterval is how often the reconciler scans for overdue
	// and orphaned commands.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// OrphanThreshold is how long a command may sit in executing with
	// no completion report before it is marked orphaned.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// MaxOpenPerAgent caps pending plus executing commands per agent.
	MaxOpenPerAgent int `yaml:"max_open_per_agent"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		ReconcileInterval: 1 * time.Minute,
		OrphanThreshold:   30 * time.Minute,
		MaxOpenPerAgent:   10,
	}
}
