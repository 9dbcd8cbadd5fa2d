package events

import (
	"encoding/json"
	"strings"
)

// channelPrefix namespaces NOTIFY channels so several deployments can
// share one database.
const channelPrefix = "spotplane_client_"

// ClientChannel derives the NOTIFY channel for one client's event
// stream. Postgres identifiers cannot contain dashes, so UUIDs are
// flattened.
func ClientChannel(clientID string) string {
	return channelPrefix + strings.ReplaceAll(clientID, "-", "")
}

// Envelope is the wire form of one stream event, carried in NOTIFY
// payloads and SSE frames alike. ID is the database row id; subscribers
// use it to dedupe and to resume after a reconnect.
//
// Truncated is set when the payload would not fit in a NOTIFY message;
// the full row is still in the database and a catch-up fetch recovers
// it.
type Envelope struct {
	ID        int64           `json:"id"`
	ClientID  string          `json:"clientId"`
	AgentID   *string         `json:"agentId,omitempty"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// --- Typed event payloads ---

// AgentEventPayload accompanies agent lifecycle events.
type AgentEventPayload struct {
	AgentID   string `json:"agentId"`
	LogicalID string `json:"logicalId"`
	Mode      string `json:"mode,omitempty"`
	Status    string `json:"status,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// CommandEventPayload accompanies command queue events.
type CommandEventPayload struct {
	CommandID   string `json:"commandId"`
	AgentID     string `json:"agentId"`
	CommandType string `json:"commandType"`
	Trigger     string `json:"trigger"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// SwitchEventPayload accompanies completed tier switches.
type SwitchEventPayload struct {
	SwitchID        string  `json:"switchId"`
	AgentID         string  `json:"agentId"`
	OldMode         string  `json:"oldMode"`
	NewMode         string  `json:"newMode"`
	NewPoolID       *string `json:"newPoolId,omitempty"`
	DowntimeSeconds float64 `json:"downtimeSeconds"`
}

// ReplicaEventPayload accompanies replica lifecycle events.
type ReplicaEventPayload struct {
	ReplicaID  string  `json:"replicaId"`
	AgentID    string  `json:"agentId"`
	Kind       string  `json:"kind"`
	Status     string  `json:"status"`
	PoolID     *string `json:"poolId,omitempty"`
	InstanceID *string `json:"instanceId,omitempty"`
}

// EmergencyEventPayload accompanies interruption notice handling.
type EmergencyEventPayload struct {
	AgentID         string  `json:"agentId"`
	NoticeKind      string  `json:"noticeKind"`
	Outcome         string  `json:"outcome,omitempty"`
	DeadlineSeconds float64 `json:"deadlineSeconds,omitempty"`
	ElapsedSeconds  float64 `json:"elapsedSeconds,omitempty"`
	Detail          string  `json:"detail,omitempty"`
}

// PricingEventPayload accompanies pricing anomaly events.
type PricingEventPayload struct {
	PoolID string  `json:"poolId"`
	Price  float64 `json:"price"`
	Detail string  `json:"detail,omitempty"`
}
