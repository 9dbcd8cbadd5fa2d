package models

import "time"

// Limits caps what a single tenant may run.
type Limits struct {
	MaxAgents           int `db:"max_agents" json:"maxAgents"`
	MaxReplicasPerAgent int `db:"max_replicas_per_agent" json:"maxReplicasPerAgent"`
}

// Client is a tenant of the control plane. Agents and operators
// authenticate with the client's token; only a sha256 digest of it is
// stored.
type Client struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	AuthTokenHash string    `db:"auth_token_hash" json:"-"`
	Plan          string    `db:"plan" json:"plan"`
	Limits        Limits    `db:"limits" json:"limits"`
	DefaultPolicy Policy    `db:"default_policy" json:"defaultPolicy"`
	SlackChannel  *string   `db:"slack_channel" json:"slackChannel,omitempty"`
	Disabled      bool      `db:"disabled" json:"disabled"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}
