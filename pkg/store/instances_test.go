package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotplane/spotplane/pkg/models"
)

func TestPromoteToPrimary_DemotesOldPrimary(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)
	pool := seedPool(t, st, "us-east-1a")

	old := seedInstance(t, st, agent.ID, pool.ID, models.RoleRunningPrimary, models.ModeOnDemand)
	replica := seedInstance(t, st, agent.ID, pool.ID, models.RoleRunningReplica, models.ModeSpot)

	promoted, demoted, err := st.Instances.PromoteToPrimary(ctx, replica.ID, agent.ID, replica.Version)
	require.NoError(t, err)

	assert.Equal(t, models.RoleRunningPrimary, promoted.Role)
	assert.NotNil(t, promoted.LastSwitchAt)
	require.NotNil(t, demoted)
	assert.Equal(t, old.ID, demoted.ID)
	assert.Equal(t, models.RoleZombie, demoted.Role)
	assert.NotNil(t, demoted.ZombieAt)

	n, err := st.Instances.CountPrimaries(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The agent follows the winner.
	fresh, err := st.Agents.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.CurrentInstanceID)
	assert.Equal(t, replica.ID, *fresh.CurrentInstanceID)
	assert.Equal(t, models.ModeSpot, fresh.Mode)
}

func TestPromoteToPrimary_FirstPromotionHasNoDemotion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)
	pool := seedPool(t, st, "us-east-1a")

	replica := seedInstance(t, st, agent.ID, pool.ID, models.RoleRunningReplica, models.ModeSpot)

	promoted, demoted, err := st.Instances.PromoteToPrimary(ctx, replica.ID, agent.ID, replica.Version)
	require.NoError(t, err)
	assert.Equal(t, models.RoleRunningPrimary, promoted.Role)
	assert.Nil(t, demoted)
}

// Concurrent promotions with the same expected version must produce
// exactly one winner; the losers see an optimistic conflict and the
// agent ends up with exactly one primary.
func TestPromoteToPrimary_ConcurrentSingleWinner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)
	pool := seedPool(t, st, "us-east-1a")

	seedInstance(t, st, agent.ID, pool.ID, models.RoleRunningPrimary, models.ModeOnDemand)
	replica := seedInstance(t, st, agent.ID, pool.ID, models.RoleRunningReplica, models.ModeSpot)

	const racers = 5
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = st.Instances.PromoteToPrimary(ctx, replica.ID, agent.ID, replica.Version)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrOptimisticConflict)
		}
	}
	assert.Equal(t, 1, wins)

	n, err := st.Instances.CountPrimaries(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreate_SecondPrimaryRejectedByConstraint(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)
	pool := seedPool(t, st, "us-east-1a")

	seedInstance(t, st, agent.ID, pool.ID, models.RoleRunningPrimary, models.ModeOnDemand)

	_, err := st.Instances.Create(ctx, &models.Instance{
		ID:               "i-second-primary",
		AgentID:          agent.ID,
		PoolID:           pool.ID,
		InstanceType:     "m5.large",
		Region:           "us-east-1",
		AvailabilityZone: "us-east-1a",
		Mode:             models.ModeSpot,
		Role:             models.RoleRunningPrimary,
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestSetRole_StaleVersionConflicts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)
	pool := seedPool(t, st, "us-east-1a")

	inst := seedInstance(t, st, agent.ID, pool.ID, models.RoleRunningReplica, models.ModeSpot)

	bumped, err := st.Instances.MarkPromoting(ctx, inst.ID, inst.Version)
	require.NoError(t, err)
	assert.Equal(t, models.RolePromoting, bumped.Role)
	assert.Greater(t, bumped.Version, inst.Version)

	// The original version is now stale.
	_, err = st.Instances.MarkZombie(ctx, inst.ID, inst.Version)
	assert.ErrorIs(t, err, ErrOptimisticConflict)

	_, err = st.Instances.MarkZombie(ctx, "i-does-not-exist", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBindLaunched_ReplacesTempID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)
	pool := seedPool(t, st, "us-east-1a")

	tempID := models.TempInstanceID()
	_, err := st.Instances.Create(ctx, &models.Instance{
		ID:               tempID,
		AgentID:          agent.ID,
		PoolID:           pool.ID,
		InstanceType:     "m5.large",
		Region:           "us-east-1",
		AvailabilityZone: "us-east-1a",
		Mode:             models.ModeSpot,
		Role:             models.RoleLaunching,
	})
	require.NoError(t, err)

	privateIP := "10.0.1.5"
	bound, err := st.Instances.BindLaunched(ctx, tempID, "i-0real", nil, &privateIP, nil)
	require.NoError(t, err)
	assert.Equal(t, "i-0real", bound.ID)
	assert.Equal(t, models.RoleRunningReplica, bound.Role)
	assert.NotNil(t, bound.LaunchConfirmedAt)

	_, err = st.Instances.Get(ctx, tempID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListZombiesBefore_RetentionBoundary(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	client := seedClient(t, st)
	agent := seedAgent(t, st, client.ID)
	pool := seedPool(t, st, "us-east-1a")

	oldZombie := seedInstance(t, st, agent.ID, pool.ID, models.RoleZombie, models.ModeSpot)
	freshZombie := seedInstance(t, st, agent.ID, pool.ID, models.RoleZombie, models.ModeSpot)

	now := time.Now().UTC()
	_, err := st.DB().ExecContext(ctx,
		`UPDATE instances SET zombie_at = $2 WHERE id = $1`, oldZombie.ID, now.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = st.DB().ExecContext(ctx,
		`UPDATE instances SET zombie_at = $2 WHERE id = $1`, freshZombie.ID, now.Add(-time.Hour))
	require.NoError(t, err)

	out, err := st.Instances.ListZombiesBefore(ctx, now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, oldZombie.ID, out[0].ID)
}
