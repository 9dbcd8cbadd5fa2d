package models

import (
	"encoding/json"
	"time"
)

// Agent-facing request/response payloads. Field names are part of the
// deployed agent protocol and must not change.

// RegisterRequest is the body of POST /api/agents/register.
type RegisterRequest struct {
	LogicalAgentID   string    `json:"logicalAgentId" binding:"required"`
	InstanceID       string    `json:"instanceId" binding:"required"`
	InstanceType     string    `json:"instanceType" binding:"required"`
	Region           string    `json:"region" binding:"required"`
	AvailabilityZone string    `json:"az" binding:"required"`
	AMIID            string    `json:"amiId"`
	Mode             AgentMode `json:"mode" binding:"required"`
	Hostname         string    `json:"hostname"`
	PrivateIP        string    `json:"privateIp"`
	PublicIP         string    `json:"publicIp"`
	AgentVersion     string    `json:"agentVersion"`
}

// RegisterResponse returns the server-assigned agent id and the policy
// the agent should run under.
type RegisterResponse struct {
	AgentID             string `json:"agentId"`
	PoolID              string `json:"poolId"`
	Policy              Policy `json:"policy"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
}

// HeartbeatRequest is the body of POST /api/agents/{id}/heartbeat. The
// optional instance-context fields let a drifted agent re-sync without
// touching role state.
type HeartbeatRequest struct {
	Status           AgentStatus `json:"status" binding:"required"`
	InstanceID       *string     `json:"instanceId,omitempty"`
	InstanceType     *string     `json:"instanceType,omitempty"`
	Mode             *AgentMode  `json:"mode,omitempty"`
	AvailabilityZone *string     `json:"az,omitempty"`
}

// HeartbeatResponse acknowledges liveness and tells the agent whether
// commands are waiting so it can poll immediately instead of on
// schedule.
type HeartbeatResponse struct {
	AgentID         string `json:"agentId"`
	PendingCommands int    `json:"pendingCommands"`
}

// PoolPriceReport is one pool's observed spot price inside a pricing
// report.
type PoolPriceReport struct {
	ID    string  `json:"id" binding:"required"`
	Price float64 `json:"price" binding:"required"`
}

// PricingReportRequest is the body of POST /api/agents/{id}/pricing-report.
type PricingReportRequest struct {
	Pools         []PoolPriceReport `json:"pools" binding:"required"`
	OnDemandPrice float64           `json:"onDemandPrice"`
	ObservedAt    *time.Time        `json:"observedAt,omitempty"`
}

// PendingCommandsResponse lists undelivered work in priority order.
type PendingCommandsResponse struct {
	Commands []Command `json:"commands"`
}

// CommandExecutedRequest is the body of
// POST /api/agents/{id}/commands/{commandId}/executed.
type CommandExecutedRequest struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SwitchInstanceRef identifies one side of a switch. For the old
// instance only the id is required; for the new instance the agent
// supplies enough context to register it.
type SwitchInstanceRef struct {
	InstanceID       string     `json:"instanceId" binding:"required"`
	InstanceType     string     `json:"instanceType,omitempty"`
	AvailabilityZone string     `json:"az,omitempty"`
	Mode             *AgentMode `json:"mode,omitempty"`
	AMIID            string     `json:"amiId,omitempty"`
	PrivateIP        string     `json:"privateIp,omitempty"`
	PublicIP         string     `json:"publicIp,omitempty"`
}

// SwitchTiming carries the agent-observed timeline of a switch. An
// absent OldTerminatedAt means the agent could not confirm termination,
// and the old instance must be kept as a zombie.
type SwitchTiming struct {
	InitiatedAt        time.Time  `json:"initiatedAt" binding:"required"`
	AMICreatedAt       *time.Time `json:"amiCreatedAt,omitempty"`
	InstanceLaunchedAt *time.Time `json:"instanceLaunchedAt,omitempty"`
	InstanceReadyAt    time.Time  `json:"instanceReadyAt" binding:"required"`
	OldTerminatedAt    *time.Time `json:"oldTerminatedAt,omitempty"`
}

// SwitchPricing carries the prices in effect around a switch.
type SwitchPricing struct {
	OnDemand *float64 `json:"onDemand,omitempty"`
	OldSpot  *float64 `json:"oldSpot,omitempty"`
	NewSpot  *float64 `json:"newSpot,omitempty"`
}

// SwitchReportRequest is the body of POST /api/agents/{id}/switch-report.
type SwitchReportRequest struct {
	CommandID   string            `json:"commandId" binding:"required"`
	OldInstance SwitchInstanceRef `json:"oldInstance" binding:"required"`
	NewInstance SwitchInstanceRef `json:"newInstance" binding:"required"`
	Timing      SwitchTiming      `json:"timing" binding:"required"`
	Pricing     SwitchPricing     `json:"pricing"`
	Trigger     CommandTrigger    `json:"trigger" binding:"required"`
}

// RebalanceNoticeRequest is the body of
// POST /api/agents/{id}/rebalance-notice.
type RebalanceNoticeRequest struct {
	NoticeTime time.Time `json:"noticeTime" binding:"required"`
}

// TerminationNoticeRequest is the body of
// POST /api/agents/{id}/termination-notice.
type TerminationNoticeRequest struct {
	TerminationTime time.Time `json:"terminationTime" binding:"required"`
}

// ReplicaBindRequest is the body of
// PUT /api/agents/{id}/replicas/{replicaId}: the agent has launched the
// replica and reports the concrete cloud instance.
type ReplicaBindRequest struct {
	InstanceID string     `json:"instanceId" binding:"required"`
	LaunchedAt *time.Time `json:"launchedAt,omitempty"`
	PrivateIP  string     `json:"privateIp,omitempty"`
	PublicIP   string     `json:"publicIp,omitempty"`
}

// ReplicaStatusUpdateRequest is the body of
// POST /api/agents/{id}/replicas/{replicaId}/status.
type ReplicaStatusUpdateRequest struct {
	Status            ReplicaStatus   `json:"status" binding:"required"`
	SyncMetrics       json.RawMessage `json:"syncMetrics,omitempty"`
	HealthCheckPassed *bool           `json:"healthCheckPassed,omitempty"`
}

// TerminationReportRequest is the body of
// POST /api/agents/{id}/termination-report.
type TerminationReportRequest struct {
	InstanceID   string     `json:"instanceId" binding:"required"`
	TerminatedAt *time.Time `json:"terminatedAt,omitempty"`
}

// Operator-facing payloads.

// EnqueueCommandRequest creates a command through the operator API.
// RequestID is the idempotency key; omitting Priority picks the default
// for the trigger.
type EnqueueCommandRequest struct {
	RequestID            string          `json:"requestId" binding:"required"`
	Type                 CommandType     `json:"type" binding:"required"`
	Trigger              CommandTrigger  `json:"trigger"`
	TargetMode           *AgentMode      `json:"targetMode,omitempty"`
	TargetPoolID         *string         `json:"targetPoolId,omitempty"`
	ReplicaID            *string         `json:"replicaId,omitempty"`
	TerminateWaitSeconds *int            `json:"terminateWaitSeconds,omitempty"`
	Priority             *int            `json:"priority,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	UserID               *string         `json:"userId,omitempty"`
}

// UpdatePolicyRequest replaces an agent's policy wholesale. Partial
// updates are deliberately unsupported so the exclusivity rule is always
// evaluated against the full intended state.
type UpdatePolicyRequest struct {
	Policy Policy `json:"policy" binding:"required"`
}

// CreateReplicaRequest asks for a manual replica. Omitting PoolID lets
// the coordinator pick the cheapest pool.
type CreateReplicaRequest struct {
	RequestID string  `json:"requestId" binding:"required"`
	PoolID    *string `json:"poolId,omitempty"`
}

// PromoteReplicaRequest asks for a manual promotion of a ready replica.
type PromoteReplicaRequest struct {
	RequestID string `json:"requestId" binding:"required"`
}

// ApplyRecommendationRequest turns the current decision-engine verdict
// for an agent into a queued switch command.
type ApplyRecommendationRequest struct {
	RequestID string `json:"requestId" binding:"required"`
}

// SavingsSummary aggregates realized savings for a client over a
// trailing window.
type SavingsSummary struct {
	ClientID         string    `json:"clientId"`
	WindowDays       int       `json:"windowDays"`
	Switches         int       `json:"switches"`
	SpotHours        float64   `json:"spotHours"`
	OnDemandHours    float64   `json:"onDemandHours"`
	EstimatedSavings float64   `json:"estimatedSavings"`
	GeneratedAt      time.Time `json:"generatedAt"`
}
