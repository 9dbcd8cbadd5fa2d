package config

import "time"

// LifecycleConfig controls instance lifecycle handling.
type LifecycleConfig struct {
	// TerminateWait is how long an old primary is kept alive after a
	// switch before agents are told to terminate it. A per-agent policy
	// override takes precedence when set.
	TerminateWait time.Duration `yaml:"terminate_wait"`

	// ZombieSweepInterval is how often the zombie sweeper scans for old
	// instances that never reported termination.
	ZombieSweepInterval time.Duration `yaml:"zombie_sweep_interval"`

	// HeartbeatStaleAfter is how long an agent may go silent before it
	// is marked offline and a warning event is raised.
	HeartbeatStaleAfter time.Duration `yaml:"heartbeat_stale_after"`

	// HeartbeatMonitorInterval is how often the staleness monitor runs.
	HeartbeatMonitorInterval time.Duration `yaml:"heartbeat_monitor_interval"`

	// PollInterval is the command poll cadence handed to agents at
	// registration.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultLifecycleConfig returns the built-in lifecycle defaults.
func DefaultLifecycleConfig() *LifecycleConfig {
	return &LifecycleConfig{
		TerminateWait:            300 * time.Second,
		ZombieSweepInterval:      10 * time.Minute,
		HeartbeatStaleAfter:      600 * time.Second,
		HeartbeatMonitorInterval: 1 * time.Minute,
		PollInterval:             30 * time.Second,
	}
}
