package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyExclusive(t *testing.T) {
	assert.True(t, Policy{}.Exclusive())
	assert.True(t, Policy{AutoSwitchEnabled: true}.Exclusive())
	assert.True(t, Policy{ManualReplicaEnabled: true}.Exclusive())
	assert.False(t, Policy{AutoSwitchEnabled: true, ManualReplicaEnabled: true}.Exclusive())
}

func TestPriorityForTrigger(t *testing.T) {
	assert.Equal(t, PriorityEmergency, PriorityForTrigger(TriggerEmergency))
	assert.Equal(t, PriorityManual, PriorityForTrigger(TriggerManual))
	assert.Equal(t, PriorityMLNormal, PriorityForTrigger(TriggerML))
	assert.Equal(t, PriorityScheduled, PriorityForTrigger(TriggerScheduled))
}

func TestInstanceRoleHelpers(t *testing.T) {
	assert.True(t, RoleRunningPrimary.Primary())
	assert.True(t, RolePromoting.Primary())
	assert.False(t, RoleRunningReplica.Primary())
	assert.True(t, RoleTerminated.Terminal())
	assert.False(t, RoleZombie.Terminal())
	assert.False(t, InstanceRole("rebooting").Valid())
}

func TestTempInstanceID(t *testing.T) {
	id := TempInstanceID()
	assert.True(t, IsTempInstanceID(id))
	assert.False(t, IsTempInstanceID("i-0abc123"))
	assert.NotEqual(t, id, TempInstanceID())
}

func TestEffectiveTerminateWait(t *testing.T) {
	agent := &Agent{}
	assert.Equal(t, 300, agent.EffectiveTerminateWait(300))

	wait := 60
	agent.Policy.TerminateWaitSeconds = &wait
	assert.Equal(t, 60, agent.EffectiveTerminateWait(300))
}
