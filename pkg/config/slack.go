package config

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	Enabled bool `yaml:"enabled"`

	// TokenEnv names the environment variable holding the bot token.
	TokenEnv string `yaml:"token_env"`

	// Channel is the channel interruption and failure alerts post to.
	Channel string `yaml:"channel"`
}

// DefaultSlackConfig returns the built-in Slack defaults.
func DefaultSlackConfig() *SlackConfig {
	return &SlackConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}
}
