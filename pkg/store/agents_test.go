package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotplane/spotplane/pkg/models"
)

func TestAgentCreate_PolicyExclusivity(t *testing.T) {
	st := newTestStore(t)
	client := seedClient(t, st)

	_, err := st.Agents.Create(context.Background(), &models.Agent{
		ClientID:  client.ID,
		LogicalID: "web-both",
		Region:    "us-east-1",
		Mode:      models.ModeOnDemand,
		Policy: models.Policy{
			AutoSwitchEnabled:    true,
			ManualReplicaEnabled: true,
		},
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestUpdatePolicy_RejectsConflictingToggles(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)

	_, err := st.Agents.UpdatePolicy(ctx, agent.ID, models.Policy{
		AutoSwitchEnabled:    true,
		ManualReplicaEnabled: true,
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)

	// The stored policy is untouched.
	fresh, err := st.Agents.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, fresh.Policy.AutoSwitchEnabled)
	assert.False(t, fresh.Policy.ManualReplicaEnabled)

	wait := 120
	updated, err := st.Agents.UpdatePolicy(ctx, agent.ID, models.Policy{
		ManualReplicaEnabled: true,
		TerminateWaitSeconds: &wait,
	})
	require.NoError(t, err)
	assert.False(t, updated.Policy.AutoSwitchEnabled)
	assert.True(t, updated.Policy.ManualReplicaEnabled)
	require.NotNil(t, updated.Policy.TerminateWaitSeconds)
	assert.Equal(t, 120, *updated.Policy.TerminateWaitSeconds)
}

func TestGetByLogicalID_ScopedToClient(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	clientA := seedClient(t, st)
	clientB := seedClient(t, st)
	agent := seedAgent(t, st, clientA.ID)

	found, err := st.Agents.GetByLogicalID(ctx, clientA.ID, agent.LogicalID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, found.ID)

	_, err = st.Agents.GetByLogicalID(ctx, clientB.ID, agent.LogicalID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkStaleOffline_HeartbeatCutoff(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	stale := seedAgent(t, st, client.ID)
	fresh := seedAgent(t, st, client.ID)

	_, err := st.DB().ExecContext(ctx,
		`UPDATE agents SET last_heartbeat_at = now() - interval '10 minutes' WHERE id = $1`, stale.ID)
	require.NoError(t, err)

	flipped, err := st.Agents.MarkStaleOffline(ctx, time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, flipped, 1)
	assert.Equal(t, stale.ID, flipped[0].ID)
	assert.Equal(t, models.AgentStatusOffline, flipped[0].Status)

	still, err := st.Agents.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOnline, still.Status)

	// Already-offline agents are not flipped again.
	flipped, err = st.Agents.MarkStaleOffline(ctx, time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, flipped)
}

func TestRecordPromotionFailure_ThresholdTripsErrorState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)

	count, tripped, err := st.Agents.RecordPromotionFailure(ctx, agent.ID, 2, "no capacity in pool")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.False(t, tripped)

	count, tripped, err = st.Agents.RecordPromotionFailure(ctx, agent.ID, 2, "no capacity in pool")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.True(t, tripped)

	broken, err := st.Agents.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusError, broken.Status)
	assert.False(t, broken.Policy.AutoSwitchEnabled)
	require.NotNil(t, broken.LastError)

	cleared, err := st.Agents.ClearError(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOnline, cleared.Status)
	assert.Equal(t, 0, cleared.FailedPromotions)
	assert.Nil(t, cleared.LastError)
	// Auto-switching stays off until the operator re-enables it.
	assert.False(t, cleared.Policy.AutoSwitchEnabled)
}

func TestSetNotice_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)

	deadline := time.Now().UTC().Add(2 * time.Minute)
	require.NoError(t, st.Agents.SetNotice(ctx, agent.ID, models.NoticeRebalance, &deadline))

	fresh, err := st.Agents.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NoticeRebalance, fresh.NoticeStatus)
	require.NotNil(t, fresh.NoticeDeadline)

	require.NoError(t, st.Agents.ClearNotice(ctx, agent.ID))
	fresh, err = st.Agents.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NoticeNone, fresh.NoticeStatus)
	assert.Nil(t, fresh.NoticeDeadline)

	assert.ErrorIs(t, st.Agents.SetNotice(ctx, "missing", models.NoticeRebalance, nil), ErrNotFound)
}
