package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Initialize("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 300*time.Second, cfg.Lifecycle.TerminateWait)
	assert.Equal(t, 120*time.Second, cfg.Emergency.RebalanceDeadline)
	assert.Equal(t, 60*time.Second, cfg.Emergency.TerminationDeadline)
	assert.Equal(t, 10*time.Second, cfg.Replica.CoordinatorInterval)
	assert.Equal(t, 12*time.Hour, cfg.Pricing.ConsolidationInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.ZombieRetention)
}

func TestInitialize_MergesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
lifecycle:
  terminate_wait: 60s
`), 0o600))

	cfg, err := Initialize(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Lifecycle.TerminateWait)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Pricing.BucketSize)
}

func TestInitialize_ExpandsEnvTemplates(t *testing.T) {
	t.Setenv("TEST_SLACK_CHANNEL", "#fleet-alerts")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
slack:
  enabled: true
  channel: "{{.TEST_SLACK_CHANNEL}}"
`), 0o600))

	cfg, err := Initialize(path)
	require.NoError(t, err)
	assert.Equal(t, "#fleet-alerts", cfg.Slack.Channel)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"termination deadline above rebalance", func(c *Config) {
			c.Emergency.TerminationDeadline = 3 * time.Minute
		}},
		{"zero failure threshold", func(c *Config) { c.Emergency.PromotionFailureThreshold = 0 }},
		{"drift margin above one", func(c *Config) { c.Replica.DriftMargin = 1.5 }},
		{"zero bucket size", func(c *Config) { c.Pricing.BucketSize = 0 }},
		{"zero backfill concurrency", func(c *Config) { c.Pricing.BackfillConcurrency = 0 }},
		{"savings threshold above one", func(c *Config) { c.Decision.SavingsThreshold = 1.2 }},
		{"zero zombie retention", func(c *Config) { c.Retention.ZombieRetention = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestInitialize_MissingFileFails(t *testing.T) {
	_, err := Initialize(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
