package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

// notifyLimit is the usable size of a NOTIFY payload. Postgres caps
// them at 8000 bytes; a margin is kept for encoding overhead.
const notifyLimit = 7900

// Publisher persists stream events and broadcasts them via NOTIFY.
// The insert and the pg_notify run in one transaction, so a committed
// row is always announced and an announced row is always committed.
type Publisher struct {
	db     *database.Client
	events *store.EventStore
	ttl    time.Duration
}

// NewPublisher creates a Publisher. ttl bounds how long rows are kept
// for reconnect catch-up.
func NewPublisher(db *database.Client, events *store.EventStore, ttl time.Duration) *Publisher {
	return &Publisher{db: db, events: events, ttl: ttl}
}

// Publish stores one event for a client's dashboard stream and
// broadcasts it on the client's channel. agentID is optional.
func (p *Publisher) Publish(ctx context.Context, clientID string, agentID *string, eventType string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := p.events.InsertStreamEventTx(ctx, tx, clientID, agentID, eventType, payloadJSON, p.ttl)
	if err != nil {
		return err
	}

	envelope := Envelope{
		ID:        id,
		ClientID:  clientID,
		AgentID:   agentID,
		EventType: eventType,
		Payload:   payloadJSON,
	}
	wire, err := marshalForNotify(envelope)
	if err != nil {
		return err
	}

	// pg_notify is transactional; the notification fires on COMMIT.
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", ClientChannel(clientID), wire); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// PublishBestEffort publishes and logs instead of failing. Used from
// paths where event delivery must never abort the operation.
func (p *Publisher) PublishBestEffort(ctx context.Context, clientID string, agentID *string, eventType string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, clientID, agentID, eventType, payload); err != nil {
		slog.Warn("Failed to publish stream event",
			"client_id", clientID, "event_type", eventType, "error", err)
	}
}

// Audit appends one audit-log row, best effort. clientID and agentID
// are optional; system-wide events carry neither.
func (p *Publisher) Audit(ctx context.Context, severity models.EventSeverity, clientID, agentID *string, eventType, message string, auditCtx any) {
	if p == nil {
		return
	}
	var ctxJSON json.RawMessage
	if auditCtx != nil {
		b, err := json.Marshal(auditCtx)
		if err != nil {
			slog.Warn("Failed to marshal audit context", "event_type", eventType, "error", err)
		} else {
			ctxJSON = b
		}
	}
	err := p.events.AppendAudit(ctx, &models.SystemEvent{
		ClientID:  clientID,
		AgentID:   agentID,
		Severity:  severity,
		EventType: eventType,
		Message:   message,
		Context:   ctxJSON,
	})
	if err != nil {
		slog.Warn("Failed to append audit event", "event_type", eventType, "error", err)
	}
}

// marshalForNotify serializes an envelope, dropping the payload when
// the result would exceed the NOTIFY size limit. Subscribers recover
// truncated payloads through catch-up.
func marshalForNotify(e Envelope) (string, error) {
	wire, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notify envelope: %w", err)
	}
	if len(wire) <= notifyLimit {
		return string(wire), nil
	}

	e.Payload = nil
	e.Truncated = true
	wire, err = json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated envelope: %w", err)
	}
	return string(wire), nil
}
