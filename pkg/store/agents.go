package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/models"
)

// AgentStore manages agent rows. Every update bumps version; writes that
// change switching behavior validate policy exclusivity before touching
// the database.
type AgentStore struct {
	db *database.Client
}

const agentColumns = `
	id, client_id, logical_id, hostname, region, availability_zone,
	mode, status, notice_status, notice_deadline, current_instance_id,
	current_pool_id, fastest_boot_pool_id, on_demand_price, agent_version,
	failed_promotions, last_heartbeat_at, last_error, version, created_at, updated_at,
	auto_switch_enabled AS "policy.auto_switch_enabled",
	manual_replica_enabled AS "policy.manual_replica_enabled",
	auto_terminate AS "policy.auto_terminate",
	terminate_wait_seconds AS "policy.terminate_wait_seconds"`

// Create inserts a new agent, typically at first registration.
func (s *AgentStore) Create(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	if !a.Policy.Exclusive() {
		return nil, fmt.Errorf("%w: autoSwitchEnabled and manualReplicaEnabled are mutually exclusive", ErrInvariantViolation)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	var out models.Agent
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO agents (
			id, client_id, logical_id, hostname, region, availability_zone,
			mode, status, current_instance_id, current_pool_id,
			auto_switch_enabled, manual_replica_enabled, auto_terminate,
			terminate_wait_seconds, agent_version, last_heartbeat_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
		RETURNING `+agentColumns,
		a.ID, a.ClientID, a.LogicalID, a.Hostname, a.Region, a.AvailabilityZone,
		a.Mode, models.AgentStatusOnline, a.CurrentInstanceID, a.CurrentPoolID,
		a.Policy.AutoSwitchEnabled, a.Policy.ManualReplicaEnabled, a.Policy.AutoTerminate,
		a.Policy.TerminateWaitSeconds, a.AgentVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", classifyWriteError(err))
	}
	return &out, nil
}

// GetByID fetches one agent.
func (s *AgentStore) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	var a models.Agent
	err := s.db.GetContext(ctx, &a, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &a, nil
}

// GetByLogicalID resolves the stable (client, logicalId) identity.
func (s *AgentStore) GetByLogicalID(ctx context.Context, clientID, logicalID string) (*models.Agent, error) {
	var a models.Agent
	err := s.db.GetContext(ctx, &a, `
		SELECT `+agentColumns+` FROM agents
		WHERE client_id = $1 AND logical_id = $2`, clientID, logicalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent by logical id: %w", err)
	}
	return &a, nil
}

// ListByClient returns a tenant's agents, oldest first.
func (s *AgentStore) ListByClient(ctx context.Context, clientID string) ([]models.Agent, error) {
	var out []models.Agent
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+agentColumns+` FROM agents
		WHERE client_id = $1 ORDER BY created_at ASC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return out, nil
}

// CountByClient supports tenant limit enforcement at registration.
func (s *AgentStore) CountByClient(ctx context.Context, clientID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM agents WHERE client_id = $1`, clientID); err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return n, nil
}

// ListForReplicaCoordination returns online agents whose policy asks the
// coordinator to maintain a standing replica.
func (s *AgentStore) ListForReplicaCoordination(ctx context.Context) ([]models.Agent, error) {
	var out []models.Agent
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+agentColumns+` FROM agents
		WHERE status = $1 AND manual_replica_enabled
		ORDER BY created_at ASC`, models.AgentStatusOnline)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents for coordination: %w", err)
	}
	return out, nil
}

// UpdateRegistration refreshes instance context on re-registration under
// an existing logical id and brings the agent back online. Role fields
// on instances are not touched here.
func (s *AgentStore) UpdateRegistration(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	var out models.Agent
	err := s.db.GetContext(ctx, &out, `
		UPDATE agents SET
			hostname = $2, region = $3, availability_zone = $4, mode = $5,
			current_instance_id = $6, current_pool_id = $7, agent_version = $8,
			status = $9, last_heartbeat_at = now(),
			version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+agentColumns,
		a.ID, a.Hostname, a.Region, a.AvailabilityZone, a.Mode,
		a.CurrentInstanceID, a.CurrentPoolID, a.AgentVersion,
		models.AgentStatusOnline)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update registration: %w", classifyWriteError(err))
	}
	return &out, nil
}

// Heartbeat records liveness. Instance-context drift is reconciled by
// the caller through ReconcileContext; this touches liveness fields
// only.
func (s *AgentStore) Heartbeat(ctx context.Context, id string, status models.AgentStatus) (*models.Agent, error) {
	var out models.Agent
	err := s.db.GetContext(ctx, &out, `
		UPDATE agents SET
			status = $2, last_heartbeat_at = now(),
			version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+agentColumns, id, status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return &out, nil
}

// ReconcileContext updates the agent's view of its own instance without
// touching any role state. Nil fields are left unchanged.
func (s *AgentStore) ReconcileContext(ctx context.Context, id string, instanceID, poolID *string, mode *models.AgentMode) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			current_instance_id = COALESCE($2, current_instance_id),
			current_pool_id = COALESCE($3, current_pool_id),
			mode = COALESCE($4, mode),
			version = version + 1, updated_at = now()
		WHERE id = $1`, id, instanceID, poolID, mode)
	if err != nil {
		return fmt.Errorf("failed to reconcile agent context: %w", err)
	}
	return nil
}

// UpdatePolicy replaces the agent's policy wholesale so exclusivity is
// always evaluated against the full intended state.
func (s *AgentStore) UpdatePolicy(ctx context.Context, id string, p models.Policy) (*models.Agent, error) {
	if !p.Exclusive() {
		return nil, fmt.Errorf("%w: autoSwitchEnabled and manualReplicaEnabled are mutually exclusive", ErrInvariantViolation)
	}
	var out models.Agent
	err := s.db.GetContext(ctx, &out, `
		UPDATE agents SET
			auto_switch_enabled = $2, manual_replica_enabled = $3,
			auto_terminate = $4, terminate_wait_seconds = $5,
			version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+agentColumns,
		id, p.AutoSwitchEnabled, p.ManualReplicaEnabled, p.AutoTerminate, p.TerminateWaitSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update policy: %w", classifyWriteError(err))
	}
	return &out, nil
}

// SetNotice marks an in-flight preemption notice and its deadline.
func (s *AgentStore) SetNotice(ctx context.Context, id string, status models.NoticeStatus, deadline *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			notice_status = $2, notice_deadline = $3,
			version = version + 1, updated_at = now()
		WHERE id = $1`, id, status, deadline)
	if err != nil {
		return fmt.Errorf("failed to set notice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearNotice resets the preemption state after the emergency settles.
func (s *AgentStore) ClearNotice(ctx context.Context, id string) error {
	return s.SetNotice(ctx, id, models.NoticeNone, nil)
}

// SetOnDemandPrice records the baseline price reported alongside pricing
// batches.
func (s *AgentStore) SetOnDemandPrice(ctx context.Context, id string, price float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET on_demand_price = $2, version = version + 1, updated_at = now()
		WHERE id = $1`, id, price)
	if err != nil {
		return fmt.Errorf("failed to set on-demand price: %w", err)
	}
	return nil
}

// SetFastestBootPool refreshes the opportunistic cache after a
// successful promotion.
func (s *AgentStore) SetFastestBootPool(ctx context.Context, id, poolID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET fastest_boot_pool_id = $2, version = version + 1, updated_at = now()
		WHERE id = $1`, id, poolID)
	if err != nil {
		return fmt.Errorf("failed to set fastest boot pool: %w", err)
	}
	return nil
}

// RecordPromotionFailure bumps the failure counter; crossing the
// threshold marks the agent error and disables auto-switching until an
// operator clears it. Returns the new count and whether the threshold
// tripped.
func (s *AgentStore) RecordPromotionFailure(ctx context.Context, id string, threshold int, lastError string) (int, bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		UPDATE agents SET
			failed_promotions = failed_promotions + 1,
			last_error = $2,
			version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING failed_promotions`, id, lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to record promotion failure: %w", err)
	}
	if count < threshold {
		return count, false, nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE agents SET
			status = $2, auto_switch_enabled = FALSE,
			version = version + 1, updated_at = now()
		WHERE id = $1`, id, models.AgentStatusError)
	if err != nil {
		return count, false, fmt.Errorf("failed to mark agent error: %w", err)
	}
	return count, true, nil
}

// ClearError resets the failure counter and brings the agent back
// online. Auto-switching stays off until the operator re-enables it via
// policy.
func (s *AgentStore) ClearError(ctx context.Context, id string) (*models.Agent, error) {
	var out models.Agent
	err := s.db.GetContext(ctx, &out, `
		UPDATE agents SET
			failed_promotions = 0, last_error = NULL, status = $2,
			version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+agentColumns, id, models.AgentStatusOnline)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to clear agent error: %w", err)
	}
	return &out, nil
}

// MarkStaleOffline flips online agents whose last heartbeat is older
// than the cutoff and returns them for notification.
func (s *AgentStore) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]models.Agent, error) {
	var out []models.Agent
	err := s.db.SelectContext(ctx, &out, `
		UPDATE agents SET
			status = $2, version = version + 1, updated_at = now()
		WHERE status = $1 AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $3)
		RETURNING `+agentColumns,
		models.AgentStatusOnline, models.AgentStatusOffline, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to mark stale agents offline: %w", err)
	}
	return out, nil
}
