package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// InstanceRole is the lifecycle state of one cloud instance. Transitions
// are validated by the lifecycle package; role-changing writes carry the
// row version so concurrent transitions cannot both land.
type InstanceRole string

const (
	RoleLaunching      InstanceRole = "launching"
	RoleRunningPrimary InstanceRole = "runningPrimary"
	RoleRunningReplica InstanceRole = "runningReplica"
	RolePromoting      InstanceRole = "promoting"
	RoleTerminating    InstanceRole = "terminating"
	RoleTerminated     InstanceRole = "terminated"
	RoleZombie         InstanceRole = "zombie"
)

func (r InstanceRole) Valid() bool {
	switch r {
	case RoleLaunching, RoleRunningPrimary, RoleRunningReplica,
		RolePromoting, RoleTerminating, RoleTerminated, RoleZombie:
		return true
	}
	return false
}

// Primary reports whether the role counts against the single-primary
// rule (at most one per agent).
func (r InstanceRole) Primary() bool {
	return r == RoleRunningPrimary || r == RolePromoting
}

// Terminal reports whether the role is an end state.
func (r InstanceRole) Terminal() bool {
	return r == RoleTerminated
}

// TempInstanceID mints a placeholder id for an instance row created at
// launch-request time, before the cloud has assigned one. The real id
// replaces it when the agent binds the launched instance.
func TempInstanceID() string {
	return "tmp-" + uuid.New().String()
}

// IsTempInstanceID reports whether id is a placeholder.
func IsTempInstanceID(id string) bool {
	return strings.HasPrefix(id, "tmp-")
}

// Instance is one cloud VM observed or owned by an agent. The primary
// key is the cloud-assigned id (or a tmp- placeholder until launch is
// confirmed).
type Instance struct {
	ID                    string       `db:"id" json:"id"`
	AgentID               string       `db:"agent_id" json:"agentId"`
	PoolID                string       `db:"pool_id" json:"poolId"`
	InstanceType          string       `db:"instance_type" json:"instanceType"`
	Region                string       `db:"region" json:"region"`
	AvailabilityZone      string       `db:"availability_zone" json:"availabilityZone"`
	AMIID                 *string      `db:"ami_id" json:"amiId,omitempty"`
	Mode                  AgentMode    `db:"mode" json:"mode"`
	Role                  InstanceRole `db:"role" json:"role"`
	PrivateIP             *string      `db:"private_ip" json:"privateIp,omitempty"`
	PublicIP              *string      `db:"public_ip" json:"publicIp,omitempty"`
	SpotPrice             *float64     `db:"spot_price" json:"spotPrice,omitempty"`
	OnDemandPrice         *float64     `db:"ondemand_price" json:"ondemandPrice,omitempty"`
	BaselineOnDemandPrice *float64     `db:"baseline_ondemand_price" json:"baselineOndemandPrice,omitempty"`
	LaunchRequestedAt     *time.Time   `db:"launch_requested_at" json:"launchRequestedAt,omitempty"`
	LaunchConfirmedAt     *time.Time   `db:"launch_confirmed_at" json:"launchConfirmedAt,omitempty"`
	LastSwitchAt          *time.Time   `db:"last_switch_at" json:"lastSwitchAt,omitempty"`
	TerminateRequestedAt  *time.Time   `db:"terminate_requested_at" json:"terminateRequestedAt,omitempty"`
	TerminatedAt          *time.Time   `db:"terminated_at" json:"terminatedAt,omitempty"`
	ZombieAt              *time.Time   `db:"zombie_at" json:"zombieAt,omitempty"`
	Version               int64        `db:"version" json:"version"`
	CreatedAt             time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time    `db:"updated_at" json:"updatedAt"`
}

// IsPrimary mirrors Role.Primary for JSON consumers that expect the
// derived flag.
func (i *Instance) IsPrimary() bool {
	return i.Role.Primary()
}

// BootSeconds returns the launch-request-to-confirmed duration when both
// timestamps are known.
func (i *Instance) BootSeconds() (float64, bool) {
	if i.LaunchRequestedAt == nil || i.LaunchConfirmedAt == nil {
		return 0, false
	}
	d := i.LaunchConfirmedAt.Sub(*i.LaunchRequestedAt).Seconds()
	if d < 0 {
		return 0, false
	}
	return d, true
}
