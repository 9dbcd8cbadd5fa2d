package models

import (
	"encoding/json"
	"time"
)

// CommandType enumerates the operations the control plane can ask an
// agent to perform. The set is closed: stores and handlers reject
// anything else. Values match the agent wire protocol.
type CommandType string

const (
	CommandSwitch            CommandType = "switch"
	CommandLaunchInstance    CommandType = "launchInstance"
	CommandTerminateInstance CommandType = "terminateInstance"
	CommandPromoteReplica    CommandType = "promoteReplica"
	CommandApplyConfig       CommandType = "applyConfig"
	CommandSelfDestruct      CommandType = "selfDestruct"
)

func (t CommandType) Valid() bool {
	switch t {
	case CommandSwitch, CommandLaunchInstance, CommandTerminateInstance,
		CommandPromoteReplica, CommandApplyConfig, CommandSelfDestruct:
		return true
	}
	return false
}

// CommandStatus is the delivery state of a queued command. Terminal
// statuses are never mutated again.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
	CommandExpired   CommandStatus = "expired"
)

func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandCancelled, CommandExpired:
		return true
	}
	return false
}

// CommandTrigger records what initiated a command.
type CommandTrigger string

const (
	TriggerManual    CommandTrigger = "manual"
	TriggerML        CommandTrigger = "ml"
	TriggerEmergency CommandTrigger = "emergency"
	TriggerScheduled CommandTrigger = "scheduled"
)

func (t CommandTrigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerML, TriggerEmergency, TriggerScheduled:
		return true
	}
	return false
}

// Queue priorities. Delivery order is priority DESC then createdAt ASC,
// so an emergency enqueued after a scheduled switch still goes out
// first.
const (
	PriorityEmergency = 100
	PriorityManual    = 75
	PriorityMLUrgent  = 50
	PriorityMLNormal  = 25
	PriorityScheduled = 10
)

// PriorityForTrigger maps a trigger to its default queue priority.
func PriorityForTrigger(t CommandTrigger) int {
	switch t {
	case TriggerEmergency:
		return PriorityEmergency
	case TriggerManual:
		return PriorityManual
	case TriggerML:
		return PriorityMLNormal
	default:
		return PriorityScheduled
	}
}

// CommandState is the agent snapshot captured in a command's PreState
// and PostState columns. Execution reports are validated against the
// PreState snapshot.
type CommandState struct {
	InstanceID string    `json:"instanceId,omitempty"`
	Mode       AgentMode `json:"mode,omitempty"`
	PoolID     string    `json:"poolId,omitempty"`
}

// Command is one queued directive for an agent. RequestID is the
// caller-supplied idempotency key, globally unique across all commands.
// PreState and PostState capture the agent snapshot around execution for
// the audit trail.
type Command struct {
	ID                   string          `db:"id" json:"id"`
	AgentID              string          `db:"agent_id" json:"agentId"`
	RequestID            string          `db:"request_id" json:"requestId"`
	Type                 CommandType     `db:"type" json:"type"`
	Status               CommandStatus   `db:"status" json:"status"`
	Trigger              CommandTrigger  `db:"trigger" json:"trigger"`
	Priority             int             `db:"priority" json:"priority"`
	TargetMode           *AgentMode      `db:"target_mode" json:"targetMode,omitempty"`
	TargetPoolID         *string         `db:"target_pool_id" json:"targetPoolId,omitempty"`
	ReplicaID            *string         `db:"replica_id" json:"replicaId,omitempty"`
	TerminateWaitSeconds *int            `db:"terminate_wait_seconds" json:"terminateWaitSeconds,omitempty"`
	Payload              json.RawMessage `db:"payload" json:"payload,omitempty"`
	PreState             json.RawMessage `db:"pre_state" json:"preState,omitempty"`
	PostState            json.RawMessage `db:"post_state" json:"postState,omitempty"`
	ResultMessage        *string         `db:"result_message" json:"resultMessage,omitempty"`
	UserID               *string         `db:"user_id" json:"userId,omitempty"`
	DeadlineAt           *time.Time      `db:"deadline_at" json:"deadlineAt,omitempty"`
	ExecutedAt           *time.Time      `db:"executed_at" json:"executedAt,omitempty"`
	CompletedAt          *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
	Version              int64           `db:"version" json:"version"`
	CreatedAt            time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updatedAt"`
}
