package models

import "time"

// AgentMode is the cost tier an agent's primary instance runs on.
type AgentMode string

const (
	ModeUnknown  AgentMode = "unknown"
	ModeOnDemand AgentMode = "ondemand"
	ModeSpot     AgentMode = "spot"
)

func (m AgentMode) Valid() bool {
	switch m {
	case ModeUnknown, ModeOnDemand, ModeSpot:
		return true
	}
	return false
}

// AgentStatus is the liveness of an agent as seen by the control plane.
// Agents come online at registration, go offline when heartbeats stop,
// and enter error after repeated failed emergency promotions until an
// operator clears the flag.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusError   AgentStatus = "error"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusOnline, AgentStatusOffline, AgentStatusError:
		return true
	}
	return false
}

// NoticeStatus tracks an in-flight cloud preemption notice for an agent.
type NoticeStatus string

const (
	NoticeNone        NoticeStatus = "none"
	NoticeRebalance   NoticeStatus = "rebalance"
	NoticeTermination NoticeStatus = "termination"
)

// Policy holds the per-agent switching knobs. AutoSwitchEnabled and
// ManualReplicaEnabled are mutually exclusive; stores reject writes that
// would set both.
type Policy struct {
	AutoSwitchEnabled    bool `db:"auto_switch_enabled" json:"autoSwitchEnabled"`
	ManualReplicaEnabled bool `db:"manual_replica_enabled" json:"manualReplicaEnabled"`
	AutoTerminate        bool `db:"auto_terminate" json:"autoTerminate"`
	// TerminateWaitSeconds overrides the server default grace period when
	// set. Nil means inherit.
	TerminateWaitSeconds *int `db:"terminate_wait_seconds" json:"terminateWaitSeconds,omitempty"`
}

// Exclusive reports whether the two replica-management toggles conflict.
func (p Policy) Exclusive() bool {
	return !(p.AutoSwitchEnabled && p.ManualReplicaEnabled)
}

// Agent is a managed workload slot: one logical server that at any time
// maps to at most one primary cloud instance. Identity is
// (clientId, logicalId) and survives instance replacement. Version is
// bumped on every update and checked by role-changing writes.
type Agent struct {
	ID                string       `db:"id" json:"id"`
	ClientID          string       `db:"client_id" json:"clientId"`
	LogicalID         string       `db:"logical_id" json:"logicalId"`
	Hostname          string       `db:"hostname" json:"hostname"`
	Region            string       `db:"region" json:"region"`
	AvailabilityZone  string       `db:"availability_zone" json:"availabilityZone"`
	Mode              AgentMode    `db:"mode" json:"mode"`
	Status            AgentStatus  `db:"status" json:"status"`
	NoticeStatus      NoticeStatus `db:"notice_status" json:"noticeStatus"`
	NoticeDeadline    *time.Time   `db:"notice_deadline" json:"noticeDeadline,omitempty"`
	CurrentInstanceID *string      `db:"current_instance_id" json:"currentInstanceId,omitempty"`
	CurrentPoolID     *string      `db:"current_pool_id" json:"currentPoolId,omitempty"`
	// FastestBootPoolID is an opportunistic cache refreshed after each
	// successful promotion; the emergency orchestrator re-queries boot
	// statistics, so staleness here is harmless.
	FastestBootPoolID *string    `db:"fastest_boot_pool_id" json:"fastestBootPoolId,omitempty"`
	Policy            Policy     `db:"policy" json:"policy"`
	OnDemandPrice     *float64   `db:"on_demand_price" json:"onDemandPrice,omitempty"`
	AgentVersion      *string    `db:"agent_version" json:"agentVersion,omitempty"`
	FailedPromotions  int        `db:"failed_promotions" json:"failedPromotions"`
	LastHeartbeatAt   *time.Time `db:"last_heartbeat_at" json:"lastHeartbeatAt,omitempty"`
	LastError         *string    `db:"last_error" json:"lastError,omitempty"`
	Version           int64      `db:"version" json:"version"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
}

// EffectiveTerminateWait resolves the grace period for old primaries,
// falling back to the server-wide default when the policy does not set
// one.
func (a *Agent) EffectiveTerminateWait(defaultSeconds int) int {
	if a.Policy.TerminateWaitSeconds != nil {
		return *a.Policy.TerminateWaitSeconds
	}
	return defaultSeconds
}
