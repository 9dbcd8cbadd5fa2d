package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/models"
)

// ClientStore manages tenant rows.
type ClientStore struct {
	db *database.Client
}

const clientColumns = `
	id, name, auth_token_hash, plan, slack_channel, disabled, created_at, updated_at,
	max_agents AS "limits.max_agents",
	max_replicas_per_agent AS "limits.max_replicas_per_agent",
	auto_switch_enabled AS "default_policy.auto_switch_enabled",
	manual_replica_enabled AS "default_policy.manual_replica_enabled",
	auto_terminate AS "default_policy.auto_terminate",
	terminate_wait_seconds AS "default_policy.terminate_wait_seconds"`

// Create inserts a tenant. The policy exclusivity rule is checked here
// and backed by a database constraint.
func (s *ClientStore) Create(ctx context.Context, c *models.Client) (*models.Client, error) {
	if !c.DefaultPolicy.Exclusive() {
		return nil, fmt.Errorf("%w: autoSwitchEnabled and manualReplicaEnabled are mutually exclusive", ErrInvariantViolation)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	var out models.Client
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO clients (
			id, name, auth_token_hash, plan, max_agents, max_replicas_per_agent,
			auto_switch_enabled, manual_replica_enabled, auto_terminate,
			terminate_wait_seconds, slack_channel, disabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+clientColumns,
		c.ID, c.Name, c.AuthTokenHash, c.Plan,
		c.Limits.MaxAgents, c.Limits.MaxReplicasPerAgent,
		c.DefaultPolicy.AutoSwitchEnabled, c.DefaultPolicy.ManualReplicaEnabled,
		c.DefaultPolicy.AutoTerminate, c.DefaultPolicy.TerminateWaitSeconds,
		c.SlackChannel, c.Disabled,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", classifyWriteError(err))
	}
	return &out, nil
}

// GetByID fetches one tenant.
func (s *ClientStore) GetByID(ctx context.Context, id string) (*models.Client, error) {
	var c models.Client
	err := s.db.GetContext(ctx, &c, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &c, nil
}

// GetByTokenHash resolves a bearer token digest to its tenant. Disabled
// tenants do not authenticate.
func (s *ClientStore) GetByTokenHash(ctx context.Context, hash string) (*models.Client, error) {
	var c models.Client
	err := s.db.GetContext(ctx, &c, `
		SELECT `+clientColumns+` FROM clients
		WHERE auth_token_hash = $1 AND NOT disabled`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client by token: %w", err)
	}
	return &c, nil
}

// List returns all tenants, newest first.
func (s *ClientStore) List(ctx context.Context) ([]models.Client, error) {
	var out []models.Client
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+clientColumns+` FROM clients ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return out, nil
}

// UpdateDefaultPolicy replaces the tenant-level default policy applied
// to newly registered agents.
func (s *ClientStore) UpdateDefaultPolicy(ctx context.Context, id string, p models.Policy) (*models.Client, error) {
	if !p.Exclusive() {
		return nil, fmt.Errorf("%w: autoSwitchEnabled and manualReplicaEnabled are mutually exclusive", ErrInvariantViolation)
	}
	var c models.Client
	err := s.db.GetContext(ctx, &c, `
		UPDATE clients SET
			auto_switch_enabled = $2,
			manual_replica_enabled = $3,
			auto_terminate = $4,
			terminate_wait_seconds = $5,
			updated_at = now()
		WHERE id = $1
		RETURNING `+clientColumns,
		id, p.AutoSwitchEnabled, p.ManualReplicaEnabled, p.AutoTerminate, p.TerminateWaitSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update client policy: %w", classifyWriteError(err))
	}
	return &c, nil
}

// SetDisabled toggles a tenant. Disabled tenants fail authentication on
// the next request; their agents keep running unmanaged.
func (s *ClientStore) SetDisabled(ctx context.Context, id string, disabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clients SET disabled = $2, updated_at = now() WHERE id = $1`, id, disabled)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
