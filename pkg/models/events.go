package models

import (
	"encoding/json"
	"time"
)

// Event types pushed to dashboard subscribers over SSE.
const (
	EventAgentRegistered  = "agent.registered"
	EventAgentStale       = "agent.stale"
	EventAgentError       = "agent.error"
	EventModeChanged      = "agent.mode_changed"
	EventCommandQueued    = "command.queued"
	EventCommandDelivered = "command.delivered"
	EventCommandCompleted = "command.completed"
	EventCommandFailed    = "command.failed"
	EventSwitchCompleted  = "switch.completed"
	EventReplicaReady     = "replica.ready"
	EventReplicaPromoted  = "replica.promoted"
	EventEmergencyStarted = "emergency.started"
	EventEmergencySettled = "emergency.settled"
	EventZombieMarked     = "instance.zombie"
	EventPriceAnomaly     = "pricing.anomaly"
)

// StreamEvent is one dashboard notification. Rows are kept until they
// expire so reconnecting subscribers can catch up; delivery is
// at-least-once and consumers dedupe on ID.
type StreamEvent struct {
	ID        int64           `db:"id" json:"id"`
	ClientID  string          `db:"client_id" json:"clientId"`
	AgentID   *string         `db:"agent_id" json:"agentId,omitempty"`
	EventType string          `db:"event_type" json:"eventType"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Delivered bool            `db:"delivered" json:"delivered"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	ExpiresAt time.Time       `db:"expires_at" json:"expiresAt"`
}

// EventSeverity grades audit-log entries.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// SystemEvent is one audit-log row. The table is partitioned by month;
// rows are never updated.
type SystemEvent struct {
	ID        int64           `db:"id" json:"id"`
	ClientID  *string         `db:"client_id" json:"clientId,omitempty"`
	AgentID   *string         `db:"agent_id" json:"agentId,omitempty"`
	Severity  EventSeverity   `db:"severity" json:"severity"`
	EventType string          `db:"event_type" json:"eventType"`
	Message   string          `db:"message" json:"message"`
	Context   json.RawMessage `db:"context" json:"context,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}
