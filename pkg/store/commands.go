package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/models"
)

// CommandStore implements the priority queue over the commands table.
// Ordering is priority DESC then createdAt ASC then id ASC; idempotency
// rides on the global request_id uniqueness.
type CommandStore struct {
	db *database.Client
}

const commandColumns = `
	id, agent_id, request_id, type, status, trigger, priority, target_mode,
	target_pool_id, replica_id, terminate_wait_seconds, payload, pre_state,
	post_state, result_message, user_id, deadline_at, executed_at,
	completed_at, version, created_at, updated_at`

// Enqueue inserts a command unless its request id already exists, in
// which case the prior row is returned untouched. The boolean reports
// whether a new row was created. Callers decide between replay and
// DUPLICATE_REQUEST from the prior row's status.
func (s *CommandStore) Enqueue(ctx context.Context, cmd *models.Command) (*models.Command, bool, error) {
	if cmd.RequestID == "" {
		return nil, false, NewValidationError("requestId", "must not be empty")
	}
	if !cmd.Type.Valid() {
		return nil, false, NewValidationError("type", fmt.Sprintf("unknown command type %q", cmd.Type))
	}
	if !cmd.Trigger.Valid() {
		return nil, false, NewValidationError("trigger", fmt.Sprintf("unknown trigger %q", cmd.Trigger))
	}
	if cmd.Priority < 0 || cmd.Priority > 100 {
		return nil, false, NewValidationError("priority", "must be between 0 and 100")
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}

	var out models.Command
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO commands (
			id, agent_id, request_id, type, status, trigger, priority,
			target_mode, target_pool_id, replica_id, terminate_wait_seconds,
			payload, pre_state, user_id, deadline_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING `+commandColumns,
		cmd.ID, cmd.AgentID, cmd.RequestID, cmd.Type, models.CommandPending,
		cmd.Trigger, cmd.Priority, cmd.TargetMode, cmd.TargetPoolID,
		cmd.ReplicaID, cmd.TerminateWaitSeconds, cmd.Payload, cmd.PreState,
		cmd.UserID, cmd.DeadlineAt,
	)
	if err == nil {
		return &out, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to enqueue command: %w", classifyWriteError(err))
	}

	existing, err := s.GetByRequestID(ctx, cmd.RequestID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load duplicate command: %w", err)
	}
	return existing, false, nil
}

// Get fetches one command.
func (s *CommandStore) Get(ctx context.Context, id string) (*models.Command, error) {
	var cmd models.Command
	err := s.db.GetContext(ctx, &cmd, `
		SELECT `+commandColumns+` FROM commands WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return &cmd, nil
}

// GetByRequestID fetches the command bound to an idempotency key.
func (s *CommandStore) GetByRequestID(ctx context.Context, requestID string) (*models.Command, error) {
	var cmd models.Command
	err := s.db.GetContext(ctx, &cmd, `
		SELECT `+commandColumns+` FROM commands WHERE request_id = $1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command by request id: %w", err)
	}
	return &cmd, nil
}

// TakeForAgent returns the agent's open commands in priority-then-FIFO
// order and stamps first delivery: pending rows move to executing with
// executedAt set. Commands already executing are returned again so a
// crashed agent can resume; ordering is stable across polls.
func (s *CommandStore) TakeForAgent(ctx context.Context, agentID string) ([]models.Command, error) {
	var out []models.Command
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &out, `
			SELECT `+commandColumns+` FROM commands
			WHERE agent_id = $1 AND status IN ($2, $3)
			ORDER BY priority DESC, created_at ASC, id ASC`,
			agentID, models.CommandPending, models.CommandExecuting); err != nil {
			return fmt.Errorf("failed to list open commands: %w", err)
		}
		if len(out) == 0 {
			return nil
		}

		ids := make([]string, 0, len(out))
		for _, c := range out {
			if c.Status == models.CommandPending {
				ids = append(ids, c.ID)
			}
		}
		if len(ids) == 0 {
			return nil
		}

		query, args, err := sqlx.In(`
			UPDATE commands SET
				status = ?, executed_at = now(),
				version = version + 1, updated_at = now()
			WHERE id IN (?) AND status = ?`,
			models.CommandExecuting, ids, models.CommandPending)
		if err != nil {
			return fmt.Errorf("failed to build delivery update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to stamp delivered commands: %w", err)
		}

		now := time.Now().UTC()
		for i := range out {
			if out[i].Status == models.CommandPending {
				out[i].Status = models.CommandExecuting
				out[i].ExecutedAt = &now
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountOpenForAgent reports pending plus executing commands, used by the
// heartbeat response to prompt an immediate poll.
func (s *CommandStore) CountOpenForAgent(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM commands
		WHERE agent_id = $1 AND status IN ($2, $3)`,
		agentID, models.CommandPending, models.CommandExecuting)
	if err != nil {
		return 0, fmt.Errorf("failed to count open commands: %w", err)
	}
	return n, nil
}

// MarkExecuted finalizes a command from the agent's execution report.
// Terminal rows are never mutated again.
func (s *CommandStore) MarkExecuted(ctx context.Context, id string, success bool, message string, postState []byte) (*models.Command, error) {
	status := models.CommandCompleted
	if !success {
		status = models.CommandFailed
	}
	var out models.Command
	err := s.db.GetContext(ctx, &out, `
		UPDATE commands SET
			status = $2, result_message = NULLIF($3, ''), post_state = $4,
			completed_at = now(), executed_at = COALESCE(executed_at, now()),
			version = version + 1, updated_at = now()
		WHERE id = $1 AND status IN ($5, $6)
		RETURNING `+commandColumns,
		id, status, message, postState,
		models.CommandPending, models.CommandExecuting)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("command %s is %s: %w", id, existing.Status, ErrCommandTerminal)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark command executed: %w", err)
	}
	return &out, nil
}

// Cancel aborts a command that has not reached the agent yet.
func (s *CommandStore) Cancel(ctx context.Context, id string) (*models.Command, error) {
	var out models.Command
	err := s.db.GetContext(ctx, &out, `
		UPDATE commands SET
			status = $2, completed_at = now(),
			version = version + 1, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING `+commandColumns,
		id, models.CommandCancelled, models.CommandPending)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("command %s is %s: %w", id, existing.Status, ErrCommandTerminal)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel command: %w", err)
	}
	return &out, nil
}

// ExpireOverdue closes out commands whose deadline passed and commands
// stuck in executing longer than the orphan threshold. Returns the
// expired rows for audit.
func (s *CommandStore) ExpireOverdue(ctx context.Context, now time.Time, orphanAfter time.Duration) ([]models.Command, error) {
	var out []models.Command
	err := s.db.SelectContext(ctx, &out, `
		UPDATE commands SET
			status = $1, completed_at = $2,
			result_message = COALESCE(result_message, 'expired by reconciler'),
			version = version + 1, updated_at = now()
		WHERE (status IN ($3, $4) AND deadline_at IS NOT NULL AND deadline_at < $2)
		   OR (status = $4 AND executed_at IS NOT NULL AND executed_at < $5)
		RETURNING `+commandColumns,
		models.CommandExpired, now,
		models.CommandPending, models.CommandExecuting,
		now.Add(-orphanAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to expire overdue commands: %w", err)
	}
	return out, nil
}

// ListByAgent returns an agent's command history, newest first.
func (s *CommandStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]models.Command, error) {
	var out []models.Command
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+commandColumns+` FROM commands
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	return out, nil
}
