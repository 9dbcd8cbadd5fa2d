package config

import "time"

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`

	// Port is the listen port.
	Port int `yaml:"port"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TokenCacheTTL is how long a verified agent token is cached before
	// being checked against the database again.
	TokenCacheTTL time.Duration `yaml:"token_cache_ttl"`

	// AdminTokenEnv names the environment variable holding the operator
	// API token. An empty variable disables the operator surface.
	AdminTokenEnv string `yaml:"admin_token_env"`
}

// DefaultServerConfig returns the built-in HTTP server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 10 * time.Second,
		TokenCacheTTL:   5 * time.Minute,
		AdminTokenEnv:   "SPOTPLANE_ADMIN_TOKEN",
	}
}
