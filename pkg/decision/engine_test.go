package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/models"
)

func testEngine() *ThresholdEngine {
	cfg := config.DefaultDecisionConfig()
	cfg.SavingsThreshold = 0.3
	return NewThresholdEngine(cfg)
}

func onDemandAgent() *models.Agent {
	return &models.Agent{ID: "a1", Mode: models.ModeOnDemand}
}

func spotAgent(poolID string) *models.Agent {
	return &models.Agent{ID: "a1", Mode: models.ModeSpot, CurrentPoolID: &poolID}
}

func TestDecide_NoBaselineIsAnError(t *testing.T) {
	_, err := testEngine().Decide(context.Background(), Input{Agent: onDemandAgent()})
	assert.Error(t, err)
}

func TestDecide_SwitchToSpotAboveThreshold(t *testing.T) {
	rec, err := testEngine().Decide(context.Background(), Input{
		Agent:         onDemandAgent(),
		OnDemandPrice: 0.10,
		Candidates: []PoolPrice{
			{PoolID: "p1", Price: 0.06, Confidence: 1.0, Volatility: 0.1},
			{PoolID: "p2", Price: 0.05, Confidence: 1.0, Volatility: 0.1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionSwitchToSpot, rec.Action)
	assert.Equal(t, "p2", rec.TargetPoolID)
	assert.InDelta(t, 0.5, rec.EstimatedSavings, 1e-9)
	assert.False(t, rec.Urgent)
}

func TestDecide_StayWhenAlreadyInBestPool(t *testing.T) {
	rec, err := testEngine().Decide(context.Background(), Input{
		Agent:         spotAgent("p2"),
		OnDemandPrice: 0.10,
		Candidates:    []PoolPrice{{PoolID: "p2", Price: 0.05, Confidence: 1.0, Volatility: 0.1}},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionStay, rec.Action)
}

func TestDecide_StayBelowThreshold(t *testing.T) {
	rec, err := testEngine().Decide(context.Background(), Input{
		Agent:         onDemandAgent(),
		OnDemandPrice: 0.10,
		Candidates:    []PoolPrice{{PoolID: "p1", Price: 0.09, Confidence: 1.0, Volatility: 0.1}},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionStay, rec.Action)
}

func TestDecide_ExitSpotWhenSavingCollapses(t *testing.T) {
	// Saving of 10% is below half of the 30% threshold.
	rec, err := testEngine().Decide(context.Background(), Input{
		Agent:         spotAgent("p1"),
		OnDemandPrice: 0.10,
		Candidates:    []PoolPrice{{PoolID: "p1", Price: 0.09, Confidence: 1.0, Volatility: 0.1}},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionSwitchToOnDemand, rec.Action)
	// Retreats protect a workload already at risk.
	assert.True(t, rec.Urgent)
}

func TestDecide_UntrustworthyCandidatesIgnored(t *testing.T) {
	candidates := []PoolPrice{
		{PoolID: "lowconf", Price: 0.01, Confidence: 0.4, Volatility: 0.1},
		{PoolID: "jittery", Price: 0.01, Confidence: 1.0, Volatility: 0.9},
		{PoolID: "free", Price: 0, Confidence: 1.0, Volatility: 0.1},
	}

	rec, err := testEngine().Decide(context.Background(), Input{
		Agent:         onDemandAgent(),
		OnDemandPrice: 0.10,
		Candidates:    candidates,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionStay, rec.Action)

	// A spot agent with no trustworthy pricing retreats to on-demand.
	rec, err = testEngine().Decide(context.Background(), Input{
		Agent:         spotAgent("p1"),
		OnDemandPrice: 0.10,
		Candidates:    candidates,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionSwitchToOnDemand, rec.Action)
	assert.True(t, rec.Urgent)
}
