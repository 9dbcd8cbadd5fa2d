package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/models"
)

// EventStore manages the dashboard notification rows and the append-only
// audit log. Stream rows double as the catch-up buffer for reconnecting
// subscribers; audit rows are never updated.
type EventStore struct {
	db *database.Client
}

const streamEventColumns = `
	id, client_id, agent_id, event_type, payload, delivered, created_at, expires_at`

// InsertStreamEventTx persists one dashboard notification inside a
// caller-owned transaction, so the row and its NOTIFY commit together.
func (s *EventStore) InsertStreamEventTx(ctx context.Context, q sqlx.ExtContext, clientID string, agentID *string, eventType string, payload json.RawMessage, ttl time.Duration) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, `
		INSERT INTO sse_events (client_id, agent_id, event_type, payload, expires_at)
		VALUES ($1, $2, $3, $4, now() + $5)
		RETURNING id`,
		clientID, agentID, eventType, payload, ttl)
	if err != nil {
		return 0, fmt.Errorf("failed to insert stream event: %w", classifyWriteError(err))
	}
	return id, nil
}

// CatchupEvents returns a client's undelivered, unexpired events after
// sinceID, oldest first, capped at limit.
func (s *EventStore) CatchupEvents(ctx context.Context, clientID string, sinceID int64, limit int) ([]models.StreamEvent, error) {
	var out []models.StreamEvent
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+streamEventColumns+` FROM sse_events
		WHERE client_id = $1 AND id > $2 AND expires_at > now()
		ORDER BY id ASC
		LIMIT $3`, clientID, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load catchup events: %w", err)
	}
	return out, nil
}

// MarkDelivered flags events flushed to at least one subscriber.
// Delivery stays at-least-once: rows are kept until they expire so other
// subscribers can still catch up.
func (s *EventStore) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE sse_events SET delivered = TRUE WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("failed to build delivered update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to mark events delivered: %w", err)
	}
	return nil
}

// DeleteExpired removes stream events past their TTL. Returns the count
// removed.
func (s *EventStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sse_events WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AppendAudit writes one audit-log row.
func (s *EventStore) AppendAudit(ctx context.Context, ev *models.SystemEvent) error {
	if !validSeverity(ev.Severity) {
		return NewValidationError("severity", fmt.Sprintf("unknown severity %q", ev.Severity))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_events (client_id, agent_id, severity, event_type, message, context)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ClientID, ev.AgentID, ev.Severity, ev.EventType, ev.Message, ev.Context)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", classifyWriteError(err))
	}
	return nil
}

func validSeverity(s models.EventSeverity) bool {
	switch s {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityError, models.SeverityCritical:
		return true
	}
	return false
}

// RecentAudit lists the newest audit rows, optionally filtered by agent.
func (s *EventStore) RecentAudit(ctx context.Context, clientID string, agentID *string, limit int) ([]models.SystemEvent, error) {
	var out []models.SystemEvent
	var err error
	if agentID != nil {
		err = s.db.SelectContext(ctx, &out, `
			SELECT id, client_id, agent_id, severity, event_type, message, context, created_at
			FROM system_events
			WHERE client_id = $1 AND agent_id = $2
			ORDER BY created_at DESC
			LIMIT $3`, clientID, *agentID, limit)
	} else {
		err = s.db.SelectContext(ctx, &out, `
			SELECT id, client_id, agent_id, severity, event_type, message, context, created_at
			FROM system_events
			WHERE client_id = $1
			ORDER BY created_at DESC
			LIMIT $2`, clientID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return out, nil
}
