package models

import (
	"encoding/json"
	"time"
)

// ReplicaKind distinguishes why a replica exists. Manual replicas are
// maintained by the replica coordinator for agents with
// manualReplicaEnabled; emergency replicas are raised by the preemption
// orchestrator.
type ReplicaKind string

const (
	ReplicaKindManual    ReplicaKind = "manual"
	ReplicaKindEmergency ReplicaKind = "emergency"
)

// ReplicaStatus is the lifecycle of a standby. Rows start in launching
// (a work order the agent picks up), move through syncing to ready, and
// end promoted, terminated, or failed.
type ReplicaStatus string

const (
	ReplicaStatusLaunching  ReplicaStatus = "launching"
	ReplicaStatusSyncing    ReplicaStatus = "syncing"
	ReplicaStatusReady      ReplicaStatus = "ready"
	ReplicaStatusPromoted   ReplicaStatus = "promoted"
	ReplicaStatusTerminated ReplicaStatus = "terminated"
	ReplicaStatusFailed     ReplicaStatus = "failed"
)

func (s ReplicaStatus) Valid() bool {
	switch s {
	case ReplicaStatusLaunching, ReplicaStatusSyncing, ReplicaStatusReady,
		ReplicaStatusPromoted, ReplicaStatusTerminated, ReplicaStatusFailed:
		return true
	}
	return false
}

func (s ReplicaStatus) Terminal() bool {
	switch s {
	case ReplicaStatusPromoted, ReplicaStatusTerminated, ReplicaStatusFailed:
		return true
	}
	return false
}

// Active reports whether the replica still counts toward the
// one-active-replica-per-agent goal of the coordinator.
func (s ReplicaStatus) Active() bool {
	return !s.Terminal()
}

// Replica tracks one standby instance from work order through promotion
// or teardown. InstanceID stays nil until the agent binds the launched
// cloud instance.
type Replica struct {
	ID                string          `db:"id" json:"id"`
	AgentID           string          `db:"agent_id" json:"agentId"`
	ParentInstanceID  *string         `db:"parent_instance_id" json:"parentInstanceId,omitempty"`
	InstanceID        *string         `db:"instance_id" json:"instanceId,omitempty"`
	PoolID            string          `db:"pool_id" json:"poolId"`
	Kind              ReplicaKind     `db:"kind" json:"kind"`
	Status            ReplicaStatus   `db:"status" json:"status"`
	SyncMetrics       json.RawMessage `db:"sync_metrics" json:"syncMetrics,omitempty"`
	HealthCheckPassed *bool           `db:"health_check_passed" json:"healthCheckPassed,omitempty"`
	RequestedAt       time.Time       `db:"requested_at" json:"requestedAt"`
	ReadyAt           *time.Time      `db:"ready_at" json:"readyAt,omitempty"`
	PromotedAt        *time.Time      `db:"promoted_at" json:"promotedAt,omitempty"`
	TerminatedAt      *time.Time      `db:"terminated_at" json:"terminatedAt,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}
