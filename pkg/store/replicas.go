package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/models"
)

// ReplicaStore manages standby work orders and their lifecycle.
type ReplicaStore struct {
	db *database.Client
}

const replicaColumns = `
	id, agent_id, parent_instance_id, instance_id, pool_id, kind, status,
	sync_metrics, health_check_passed, requested_at, ready_at, promoted_at,
	terminated_at, created_at, updated_at`

// Valid forward transitions for replica status updates coming from
// agents. Terminal statuses accept nothing further.
var replicaTransitions = map[models.ReplicaStatus][]models.ReplicaStatus{
	models.ReplicaStatusLaunching: {models.ReplicaStatusSyncing, models.ReplicaStatusReady, models.ReplicaStatusFailed, models.ReplicaStatusTerminated},
	models.ReplicaStatusSyncing:   {models.ReplicaStatusReady, models.ReplicaStatusFailed, models.ReplicaStatusTerminated},
	models.ReplicaStatusReady:     {models.ReplicaStatusSyncing, models.ReplicaStatusPromoted, models.ReplicaStatusFailed, models.ReplicaStatusTerminated},
}

func replicaTransitionAllowed(from, to models.ReplicaStatus) bool {
	for _, s := range replicaTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Create opens a work order. The caller provides kind, pool, and parent;
// status starts at launching so the agent picks it up on its next poll.
func (s *ReplicaStore) Create(ctx context.Context, r *models.Replica) (*models.Replica, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	var out models.Replica
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO replicas (
			id, agent_id, parent_instance_id, instance_id, pool_id, kind, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+replicaColumns,
		r.ID, r.AgentID, r.ParentInstanceID, r.InstanceID, r.PoolID,
		r.Kind, models.ReplicaStatusLaunching)
	if err != nil {
		return nil, fmt.Errorf("failed to create replica: %w", classifyWriteError(err))
	}
	return &out, nil
}

// Get fetches one replica.
func (s *ReplicaStore) Get(ctx context.Context, id string) (*models.Replica, error) {
	var r models.Replica
	err := s.db.GetContext(ctx, &r, `
		SELECT `+replicaColumns+` FROM replicas WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get replica: %w", err)
	}
	return &r, nil
}

// ActiveForAgent returns the agent's non-terminal replicas, oldest
// first.
func (s *ReplicaStore) ActiveForAgent(ctx context.Context, agentID string) ([]models.Replica, error) {
	var out []models.Replica
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+replicaColumns+` FROM replicas
		WHERE agent_id = $1 AND status IN ($2, $3, $4)
		ORDER BY requested_at ASC`,
		agentID, models.ReplicaStatusLaunching, models.ReplicaStatusSyncing, models.ReplicaStatusReady)
	if err != nil {
		return nil, fmt.Errorf("failed to list active replicas: %w", err)
	}
	return out, nil
}

// ReadyForAgent returns ready replicas, most recently ready first, so
// the orchestrator promotes the freshest standby.
func (s *ReplicaStore) ReadyForAgent(ctx context.Context, agentID string) ([]models.Replica, error) {
	var out []models.Replica
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+replicaColumns+` FROM replicas
		WHERE agent_id = $1 AND status = $2
		ORDER BY ready_at DESC NULLS LAST`,
		agentID, models.ReplicaStatusReady)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready replicas: %w", err)
	}
	return out, nil
}

// ListByAgentAndStatus serves the agent's work-order poll. An empty
// status filter returns everything non-terminal.
func (s *ReplicaStore) ListByAgentAndStatus(ctx context.Context, agentID string, statuses []models.ReplicaStatus) ([]models.Replica, error) {
	if len(statuses) == 0 {
		return s.ActiveForAgent(ctx, agentID)
	}
	query, args, err := sqlx.In(`
		SELECT `+replicaColumns+` FROM replicas
		WHERE agent_id = ? AND status IN (?)
		ORDER BY requested_at ASC`, agentID, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build replica query: %w", err)
	}
	var out []models.Replica
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list replicas: %w", err)
	}
	return out, nil
}

// BindInstance attaches the launched cloud instance to its work order
// and moves it to syncing.
func (s *ReplicaStore) BindInstance(ctx context.Context, id, instanceID string) (*models.Replica, error) {
	var out models.Replica
	err := s.db.GetContext(ctx, &out, `
		UPDATE replicas SET
			instance_id = $2, status = $3, updated_at = now()
		WHERE id = $1 AND status = $4
		RETURNING `+replicaColumns,
		id, instanceID, models.ReplicaStatusSyncing, models.ReplicaStatusLaunching)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing.InstanceID != nil && *existing.InstanceID == instanceID {
			return existing, nil
		}
		return nil, fmt.Errorf("replica %s is %s: %w", id, existing.Status, ErrInvalidInput)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind replica instance: %w", classifyWriteError(err))
	}
	return &out, nil
}

// UpdateStatus applies an agent-reported lifecycle change, enforcing the
// forward-only transition table.
func (s *ReplicaStore) UpdateStatus(ctx context.Context, id string, to models.ReplicaStatus, syncMetrics json.RawMessage, healthCheckPassed *bool) (*models.Replica, error) {
	if !to.Valid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown replica status %q", to))
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == to {
		return current, nil
	}
	if !replicaTransitionAllowed(current.Status, to) {
		return nil, fmt.Errorf("replica %s: %s -> %s: %w", id, current.Status, to, ErrInvalidInput)
	}
	var out models.Replica
	err = s.db.GetContext(ctx, &out, `
		UPDATE replicas SET
			status = $2,
			sync_metrics = COALESCE($3, sync_metrics),
			health_check_passed = COALESCE($4, health_check_passed),
			ready_at = CASE WHEN $2 = $5 THEN now() ELSE ready_at END,
			terminated_at = CASE WHEN $2 = $6 THEN now() ELSE terminated_at END,
			updated_at = now()
		WHERE id = $1 AND status = $7
		RETURNING `+replicaColumns,
		id, to, []byte(syncMetrics), healthCheckPassed,
		models.ReplicaStatusReady, models.ReplicaStatusTerminated, current.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("replica %s: %w", id, ErrOptimisticConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update replica status: %w", err)
	}
	return &out, nil
}

// MarkPromoted closes the work order after its instance became primary.
func (s *ReplicaStore) MarkPromoted(ctx context.Context, id string, at time.Time) (*models.Replica, error) {
	var out models.Replica
	err := s.db.GetContext(ctx, &out, `
		UPDATE replicas SET
			status = $2, promoted_at = $3, updated_at = now()
		WHERE id = $1 AND status NOT IN ($2, $4)
		RETURNING `+replicaColumns,
		id, models.ReplicaStatusPromoted, at, models.ReplicaStatusTerminated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark replica promoted: %w", err)
	}
	return &out, nil
}

// MarkTerminated tears down a work order, recording why.
func (s *ReplicaStore) MarkTerminated(ctx context.Context, id string, failed bool) (*models.Replica, error) {
	status := models.ReplicaStatusTerminated
	if failed {
		status = models.ReplicaStatusFailed
	}
	var out models.Replica
	err := s.db.GetContext(ctx, &out, `
		UPDATE replicas SET
			status = $2, terminated_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ($3, $4, $5)
		RETURNING `+replicaColumns,
		id, status,
		models.ReplicaStatusPromoted, models.ReplicaStatusTerminated, models.ReplicaStatusFailed)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark replica terminated: %w", err)
	}
	return &out, nil
}
