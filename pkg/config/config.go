package config

import "fmt"

// Config is the fully resolved runtime configuration.
type Config struct {
	Server    *ServerConfig    `yaml:"server"`
	Lifecycle *LifecycleConfig `yaml:"lifecycle"`
	Emergency *EmergencyConfig `yaml:"emergency"`
	Replica   *ReplicaConfig   `yaml:"replica"`
	Pricing   *PricingConfig   `yaml:"pricing"`
	Queue     *QueueConfig     `yaml:"queue"`
	Events    *EventsConfig    `yaml:"events"`
	Retention *RetentionConfig `yaml:"retention"`
	Cloud     *CloudConfig     `yaml:"cloud"`
	Decision  *DecisionConfig  `yaml:"decision"`
	Slack     *SlackConfig     `yaml:"slack"`
}

// Default returns a Config populated with all built-in defaults.
func Default() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Lifecycle: DefaultLifecycleConfig(),
		Emergency: DefaultEmergencyConfig(),
		Replica:   DefaultReplicaConfig(),
		Pricing:   DefaultPricingConfig(),
		Queue:     DefaultQueueConfig(),
		Events:    DefaultEventsConfig(),
		Retention: DefaultRetentionConfig(),
		Cloud:     DefaultCloudConfig(),
		Decision:  DefaultDecisionConfig(),
		Slack:     DefaultSlackConfig(),
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Lifecycle.TerminateWait <= 0 {
		return fmt.Errorf("lifecycle.terminate_wait must be positive")
	}
	if c.Emergency.TerminationDeadline >= c.Emergency.RebalanceDeadline {
		return fmt.Errorf("emergency.termination_deadline must be shorter than rebalance_deadline")
	}
	if c.Emergency.PromotionFailureThreshold < 1 {
		return fmt.Errorf("emergency.promotion_failure_threshold must be at least 1")
	}
	if c.Replica.CoordinatorInterval <= 0 {
		return fmt.Errorf("replica.coordinator_interval must be positive")
	}
	if c.Replica.DriftMargin < 0 || c.Replica.DriftMargin > 1 {
		return fmt.Errorf("replica.drift_margin must be in [0, 1], got %v", c.Replica.DriftMargin)
	}
	if c.Pricing.BucketSize <= 0 {
		return fmt.Errorf("pricing.bucket_size must be positive")
	}
	if c.Pricing.BackfillConcurrency < 1 {
		return fmt.Errorf("pricing.backfill_concurrency must be at least 1")
	}
	if c.Queue.MaxOpenPerAgent < 1 {
		return fmt.Errorf("queue.max_open_per_agent must be at least 1")
	}
	if c.Events.CatchupLimit < 1 {
		return fmt.Errorf("events.catchup_limit must be at least 1")
	}
	if c.Retention.ZombieRetention <= 0 {
		return fmt.Errorf("retention.zombie_retention must be positive")
	}
	if c.Decision.SavingsThreshold < 0 || c.Decision.SavingsThreshold > 1 {
		return fmt.Errorf("decision.savings_threshold must be in [0, 1], got %v", c.Decision.SavingsThreshold)
	}
	return nil
}
