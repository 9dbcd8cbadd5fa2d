package models

import "time"

// Switch is the completed record of one tier change: which instance
// replaced which, at what prices, how long the agent was without a
// serving primary, and the request id of the originating command. Rows
// are append-only and feed the savings report.
type Switch struct {
	ID                 string         `db:"id" json:"id"`
	AgentID            string         `db:"agent_id" json:"agentId"`
	CommandID          *string        `db:"command_id" json:"commandId,omitempty"`
	RequestID          string         `db:"request_id" json:"requestId"`
	Trigger            CommandTrigger `db:"trigger" json:"trigger"`
	OldInstanceID      *string        `db:"old_instance_id" json:"oldInstanceId,omitempty"`
	NewInstanceID      string         `db:"new_instance_id" json:"newInstanceId"`
	OldMode            AgentMode      `db:"old_mode" json:"oldMode"`
	NewMode            AgentMode      `db:"new_mode" json:"newMode"`
	OldPoolID          *string        `db:"old_pool_id" json:"oldPoolId,omitempty"`
	NewPoolID          string         `db:"new_pool_id" json:"newPoolId"`
	OnDemandPrice      *float64       `db:"on_demand_price" json:"onDemandPrice,omitempty"`
	OldSpotPrice       *float64       `db:"old_spot_price" json:"oldSpotPrice,omitempty"`
	NewSpotPrice       *float64       `db:"new_spot_price" json:"newSpotPrice,omitempty"`
	InitiatedAt        time.Time      `db:"initiated_at" json:"initiatedAt"`
	AMICreatedAt       *time.Time     `db:"ami_created_at" json:"amiCreatedAt,omitempty"`
	InstanceLaunchedAt *time.Time     `db:"instance_launched_at" json:"instanceLaunchedAt,omitempty"`
	InstanceReadyAt    time.Time      `db:"instance_ready_at" json:"instanceReadyAt"`
	OldTerminatedAt    *time.Time     `db:"old_terminated_at" json:"oldTerminatedAt,omitempty"`
	DowntimeSeconds    float64        `db:"downtime_seconds" json:"downtimeSeconds"`
	CreatedAt          time.Time      `db:"created_at" json:"createdAt"`
}
