// Package decision recommends tier moves from canonical pricing data.
// The default engine is a plain threshold rule; uploaded model
// artifacts can replace it without touching the callers.
package decision

import (
	"context"
	"fmt"

	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/models"
)

// Action is the recommended move for one agent.
type Action string

const (
	ActionStay             Action = "stay"
	ActionSwitchToSpot     Action = "switchToSpot"
	ActionSwitchToOnDemand Action = "switchToOnDemand"
)

// PoolPrice is one candidate pool's latest canonical point.
type PoolPrice struct {
	PoolID     string
	Price      float64
	Confidence float64
	Volatility float64
}

// Input is everything an engine may consider for one agent.
type Input struct {
	Agent         *models.Agent
	OnDemandPrice float64
	Candidates    []PoolPrice
}

// Recommendation is an engine verdict. EstimatedSavings is relative to
// the on-demand baseline. Urgent marks verdicts that protect a
// workload already at risk, such as retreating off untrustworthy spot
// capacity; applied commands queue ahead of routine optimization.
type Recommendation struct {
	Action           Action  `json:"action"`
	TargetPoolID     string  `json:"targetPoolId,omitempty"`
	EstimatedSavings float64 `json:"estimatedSavings"`
	Urgent           bool    `json:"urgent,omitempty"`
	Reason           string  `json:"reason"`
}

// Engine decides tier moves. Implementations must be pure over their
// input: same pricing in, same recommendation out.
type Engine interface {
	Decide(ctx context.Context, in Input) (Recommendation, error)
}

// Canonical points below this confidence or above this volatility are
// not trusted for a switch recommendation.
const (
	minConfidence   = 0.5
	maxVolatility   = 0.5
	exitSavingsFrac = 0.5
)

// ThresholdEngine is the built-in rule: switch to spot when the best
// trustworthy pool saves at least the configured fraction of the
// on-demand price, and retreat to on-demand when the saving of the
// current spot placement collapses below half the threshold.
type ThresholdEngine struct {
	config *config.DecisionConfig
}

// NewThresholdEngine creates the default rule engine.
func NewThresholdEngine(cfg *config.DecisionConfig) *ThresholdEngine {
	return &ThresholdEngine{config: cfg}
}

func (e *ThresholdEngine) Decide(_ context.Context, in Input) (Recommendation, error) {
	if in.OnDemandPrice <= 0 {
		return Recommendation{}, fmt.Errorf("no on-demand baseline for agent %s", in.Agent.ID)
	}

	best, ok := e.bestCandidate(in.Candidates)
	if !ok {
		if in.Agent.Mode == models.ModeSpot {
			return Recommendation{
				Action: ActionSwitchToOnDemand,
				Urgent: true,
				Reason: "no trustworthy spot pricing available",
			}, nil
		}
		return Recommendation{Action: ActionStay, Reason: "no trustworthy spot pricing available"}, nil
	}

	savings := 1 - best.Price/in.OnDemandPrice
	switch {
	case savings >= e.config.SavingsThreshold:
		if in.Agent.Mode == models.ModeSpot && in.Agent.CurrentPoolID != nil && *in.Agent.CurrentPoolID == best.PoolID {
			return Recommendation{
				Action:           ActionStay,
				EstimatedSavings: savings,
				Reason:           "already in the best pool",
			}, nil
		}
		return Recommendation{
			Action:           ActionSwitchToSpot,
			TargetPoolID:     best.PoolID,
			EstimatedSavings: savings,
			Reason: fmt.Sprintf("pool %s saves %.0f%% over on-demand",
				best.PoolID, savings*100),
		}, nil
	case in.Agent.Mode == models.ModeSpot && savings < e.config.SavingsThreshold*exitSavingsFrac:
		return Recommendation{
			Action:           ActionSwitchToOnDemand,
			EstimatedSavings: savings,
			Urgent:           true,
			Reason: fmt.Sprintf("best spot saving %.0f%% collapsed below exit threshold",
				savings*100),
		}, nil
	}
	return Recommendation{
		Action:           ActionStay,
		EstimatedSavings: savings,
		Reason:           "saving below switch threshold",
	}, nil
}

// bestCandidate picks the cheapest pool whose canonical point is both
// confident and calm enough to act on.
func (e *ThresholdEngine) bestCandidate(candidates []PoolPrice) (PoolPrice, bool) {
	var best PoolPrice
	found := false
	for _, c := range candidates {
		if c.Confidence < minConfidence || c.Volatility > maxVolatility || c.Price <= 0 {
			continue
		}
		if !found || c.Price < best.Price {
			best = c
			found = true
		}
	}
	return best, found
}
