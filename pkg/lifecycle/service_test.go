package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
	"github.com/spotplane/spotplane/test/util"
)

type fixture struct {
	store   *store.Store
	service *Service
	client  *models.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := util.SetupTestDatabase(t)
	st := store.New(db)
	publisher := events.NewPublisher(db, st.Events, time.Hour)

	digest := sha256.Sum256([]byte("sp_" + uuid.New().String()))
	client, err := st.Clients.Create(context.Background(), &models.Client{
		Name:          "acme",
		AuthTokenHash: hex.EncodeToString(digest[:]),
		Plan:          "standard",
		Limits:        models.Limits{MaxAgents: 3, MaxReplicasPerAgent: 1},
		DefaultPolicy: models.Policy{AutoSwitchEnabled: true},
	})
	require.NoError(t, err)

	return &fixture{
		store:   st,
		service: NewService(st, publisher, config.DefaultLifecycleConfig()),
		client:  client,
	}
}

func registerRequest(logicalID, instanceID string) *models.RegisterRequest {
	return &models.RegisterRequest{
		LogicalAgentID:   logicalID,
		InstanceID:       instanceID,
		InstanceType:     "m5.large",
		Region:           "us-east-1",
		AvailabilityZone: "us-east-1a",
		Mode:             models.ModeOnDemand,
		Hostname:         "web-1.internal",
	}
}

func TestRegister_NewAgentGetsPrimaryAndDefaultPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.service.Register(ctx, f.client, registerRequest("web-1", "i-001"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AgentID)
	assert.True(t, resp.Policy.AutoSwitchEnabled)
	assert.Equal(t, 30, resp.PollIntervalSeconds)

	agent, err := f.store.Agents.GetByID(ctx, resp.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOnline, agent.Status)
	assert.NotNil(t, agent.LastHeartbeatAt)

	primary, err := f.store.Instances.GetPrimary(ctx, resp.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "i-001", primary.ID)
	assert.Equal(t, models.RoleRunningPrimary, primary.Role)

	pool, err := f.store.Pools.Get(ctx, resp.PoolID)
	require.NoError(t, err)
	assert.Equal(t, "m5.large", pool.InstanceType)
}

func TestRegister_SameLogicalIDIsNotANewAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Register(ctx, f.client, registerRequest("web-1", "i-001"))
	require.NoError(t, err)
	second, err := f.service.Register(ctx, f.client, registerRequest("web-1", "i-001"))
	require.NoError(t, err)
	assert.Equal(t, first.AgentID, second.AgentID)

	n, err := f.store.Agents.CountByClient(ctx, f.client.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegister_NewInstanceReplacesUntrackedPrimary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.service.Register(ctx, f.client, registerRequest("web-1", "i-001"))
	require.NoError(t, err)

	// The workload moved to a new instance outside any tracked switch,
	// e.g. a manual replacement. Re-registration takes over and parks
	// the old primary as a zombie.
	_, err = f.service.Register(ctx, f.client, registerRequest("web-1", "i-002"))
	require.NoError(t, err)

	primary, err := f.store.Instances.GetPrimary(ctx, resp.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "i-002", primary.ID)

	old, err := f.store.Instances.Get(ctx, "i-001")
	require.NoError(t, err)
	assert.Equal(t, models.RoleZombie, old.Role)

	n, err := f.store.Instances.CountPrimaries(ctx, resp.AgentID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegister_AgentLimitEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, logical := range []string{"web-1", "web-2", "web-3"} {
		_, err := f.service.Register(ctx, f.client, registerRequest(logical, "i-00"+string(rune('1'+i))))
		require.NoError(t, err)
	}

	_, err := f.service.Register(ctx, f.client, registerRequest("web-4", "i-004"))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestHeartbeat_ReportsPendingCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.service.Register(ctx, f.client, registerRequest("web-1", "i-001"))
	require.NoError(t, err)
	agent, err := f.store.Agents.GetByID(ctx, resp.AgentID)
	require.NoError(t, err)

	_, _, err = f.store.Commands.Enqueue(ctx, &models.Command{
		AgentID:   agent.ID,
		RequestID: "req-hb",
		Type:      models.CommandSwitch,
		Trigger:   models.TriggerManual,
	})
	require.NoError(t, err)

	hb, err := f.service.Heartbeat(ctx, agent, &models.HeartbeatRequest{Status: models.AgentStatusOnline})
	require.NoError(t, err)
	assert.Equal(t, 1, hb.PendingCommands)

	_, err = f.service.Heartbeat(ctx, agent, &models.HeartbeatRequest{Status: "rebooting"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func switchReport(commandID string, oldTerminated *time.Time) *models.SwitchReportRequest {
	spot := models.ModeSpot
	initiated := time.Now().UTC().Add(-5 * time.Minute)
	launched := initiated.Add(1 * time.Minute)
	ready := initiated.Add(2 * time.Minute)
	onDemand := 0.096
	newSpot := 0.032
	return &models.SwitchReportRequest{
		CommandID:   commandID,
		OldInstance: models.SwitchInstanceRef{InstanceID: "i-001"},
		NewInstance: models.SwitchInstanceRef{
			InstanceID:       "i-spot-1",
			InstanceType:     "m5.large",
			AvailabilityZone: "us-east-1b",
			Mode:             &spot,
		},
		Timing: models.SwitchTiming{
			InitiatedAt:        initiated,
			InstanceLaunchedAt: &launched,
			InstanceReadyAt:    ready,
			OldTerminatedAt:    oldTerminated,
		},
		Pricing: models.SwitchPricing{OnDemand: &onDemand, NewSpot: &newSpot},
		Trigger: models.TriggerManual,
	}
}

func (f *fixture) registerAndCommand(t *testing.T) (*models.Agent, *models.Command) {
	t.Helper()
	ctx := context.Background()
	resp, err := f.service.Register(ctx, f.client, registerRequest("web-1", "i-001"))
	require.NoError(t, err)
	agent, err := f.store.Agents.GetByID(ctx, resp.AgentID)
	require.NoError(t, err)

	spot := models.ModeSpot
	cmd, _, err := f.store.Commands.Enqueue(ctx, &models.Command{
		AgentID:    agent.ID,
		RequestID:  "req-switch",
		Type:       models.CommandSwitch,
		Trigger:    models.TriggerManual,
		TargetMode: &spot,
	})
	require.NoError(t, err)
	return agent, cmd
}

func TestApplySwitchReport_ConfirmedTermination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, cmd := f.registerAndCommand(t)

	terminated := time.Now().UTC().Add(-time.Minute)
	sw, err := f.service.ApplySwitchReport(ctx, f.client.ID, agent, switchReport(cmd.ID, &terminated))
	require.NoError(t, err)

	assert.Equal(t, models.ModeOnDemand, sw.OldMode)
	assert.Equal(t, models.ModeSpot, sw.NewMode)
	assert.Equal(t, "i-spot-1", sw.NewInstanceID)
	assert.Greater(t, sw.DowntimeSeconds, 0.0)

	primary, err := f.store.Instances.GetPrimary(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "i-spot-1", primary.ID)

	old, err := f.store.Instances.Get(ctx, "i-001")
	require.NoError(t, err)
	assert.Equal(t, models.RoleTerminated, old.Role)
	require.NotNil(t, old.TerminatedAt)

	fresh, err := f.store.Agents.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModeSpot, fresh.Mode)

	// A duplicate report replays the recorded switch.
	again, err := f.service.ApplySwitchReport(ctx, f.client.ID, agent, switchReport(cmd.ID, &terminated))
	require.NoError(t, err)
	assert.Equal(t, sw.ID, again.ID)
}

func TestApplySwitchReport_UnconfirmedTerminationKeepsZombie(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, cmd := f.registerAndCommand(t)

	sw, err := f.service.ApplySwitchReport(ctx, f.client.ID, agent, switchReport(cmd.ID, nil))
	require.NoError(t, err)
	assert.Equal(t, 0.0, sw.DowntimeSeconds)

	old, err := f.store.Instances.Get(ctx, "i-001")
	require.NoError(t, err)
	assert.Equal(t, models.RoleZombie, old.Role)
	assert.NotNil(t, old.ZombieAt)
	assert.Nil(t, old.TerminatedAt)
}

func TestApplySwitchReport_RejectsMismatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, cmd := f.registerAndCommand(t)

	report := switchReport(cmd.ID, nil)
	report.Trigger = models.TriggerEmergency
	_, err := f.service.ApplySwitchReport(ctx, f.client.ID, agent, report)
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	report = switchReport(cmd.ID, nil)
	report.Timing.InstanceReadyAt = report.Timing.InitiatedAt.Add(-time.Minute)
	_, err = f.service.ApplySwitchReport(ctx, f.client.ID, agent, report)
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	ondemand := models.ModeOnDemand
	report = switchReport(cmd.ID, nil)
	report.NewInstance.Mode = &ondemand
	_, err = f.service.ApplySwitchReport(ctx, f.client.ID, agent, report)
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	// No switch row was appended by the rejected reports.
	switches, err := f.store.Switches.ListByAgent(ctx, agent.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, switches)
}

func TestApplyTerminationReport_FinalizesZombie(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, cmd := f.registerAndCommand(t)

	_, err := f.service.ApplySwitchReport(ctx, f.client.ID, agent, switchReport(cmd.ID, nil))
	require.NoError(t, err)

	terminatedAt := time.Now().UTC()
	inst, err := f.service.ApplyTerminationReport(ctx, f.client.ID, agent, &models.TerminationReportRequest{
		InstanceID:   "i-001",
		TerminatedAt: &terminatedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleTerminated, inst.Role)

	// Reporting again is a no-op, not an error.
	again, err := f.service.ApplyTerminationReport(ctx, f.client.ID, agent, &models.TerminationReportRequest{
		InstanceID: "i-001",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleTerminated, again.Role)
}
