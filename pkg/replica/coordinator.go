// Package replica maintains standing standby instances for agents that
// opted into manual replica management, and serves the operator-driven
// replica requests.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spotplane/spotplane/pkg/command"
	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

// Coordinator keeps one active replica per opted-in agent. The loop is
// deliberately slow-twitch: it only opens work orders and observes
// drift; launching and syncing are the agent's job.
type Coordinator struct {
	config    *config.ReplicaConfig
	store     *store.Store
	commands  *command.Service
	publisher *events.Publisher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates the replica coordinator.
func NewCoordinator(cfg *config.ReplicaConfig, st *store.Store, commands *command.Service, publisher *events.Publisher) *Coordinator {
	return &Coordinator{config: cfg, store: st, commands: commands, publisher: publisher}
}

// Start launches the background coordination loop.
func (c *Coordinator) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.run(ctx)

	slog.Info("Replica coordinator started",
		"interval", c.config.CoordinatorInterval,
		"price_freshness", c.config.PriceFreshness,
		"drift_margin", c.config.DriftMargin)
}

// Stop signals the loop to exit and waits for it to finish.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	slog.Info("Replica coordinator stopped")
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.config.CoordinatorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

// runOnce reconciles every opted-in agent. Ticks are serialized by the
// loop, so a slow pass simply delays the next one instead of stacking.
func (c *Coordinator) runOnce(ctx context.Context) {
	agents, err := c.store.Agents.ListForReplicaCoordination(ctx)
	if err != nil {
		slog.Error("Failed to list agents for replica coordination", "error", err)
		return
	}
	for i := range agents {
		if ctx.Err() != nil {
			return
		}
		if err := c.reconcileAgent(ctx, &agents[i]); err != nil {
			slog.Error("Replica reconciliation failed",
				"agent_id", agents[i].ID, "error", err)
		}
	}
}

func (c *Coordinator) reconcileAgent(ctx context.Context, agent *models.Agent) error {
	active, err := c.store.Replicas.ActiveForAgent(ctx, agent.ID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return c.openWorkOrder(ctx, agent, nil)
	}
	c.observeDrift(ctx, agent, &active[0])
	return nil
}

// openWorkOrder creates a replica work order and tells the agent to
// launch it. With no explicit pool the cheapest fresh-priced pool wins;
// stale pricing data defers the decision to a later tick rather than
// guessing.
func (c *Coordinator) openWorkOrder(ctx context.Context, agent *models.Agent, poolID *string) error {
	target := ""
	if poolID != nil {
		target = *poolID
	} else {
		var err error
		target, err = c.cheapestFreshPool(ctx, agent)
		if errors.Is(err, store.ErrNotFound) {
			slog.Debug("No fresh pricing for replica placement, deferring",
				"agent_id", agent.ID)
			return nil
		}
		if err != nil {
			return err
		}
	}

	replica, err := c.store.Replicas.Create(ctx, &models.Replica{
		AgentID:          agent.ID,
		ParentInstanceID: agent.CurrentInstanceID,
		PoolID:           target,
		Kind:             models.ReplicaKindManual,
	})
	if err != nil {
		return err
	}

	cmd := &models.Command{
		AgentID:      agent.ID,
		RequestID:    "replica-launch-" + replica.ID,
		Type:         models.CommandLaunchInstance,
		Trigger:      models.TriggerScheduled,
		TargetPoolID: &target,
		ReplicaID:    &replica.ID,
	}
	if _, _, err := c.commands.Enqueue(ctx, agent.ClientID, cmd); err != nil {
		var dup *store.DuplicateRequestError
		if !errors.As(err, &dup) {
			return err
		}
	}
	slog.Info("Opened replica work order",
		"agent_id", agent.ID, "replica_id", replica.ID, "pool_id", target, "kind", replica.Kind)
	return nil
}

// CreateManual opens a replica work order on operator request. The
// request id makes retries idempotent at the command layer; omitting
// the pool delegates placement to the pricing data.
func (c *Coordinator) CreateManual(ctx context.Context, clientID string, agent *models.Agent, req *models.CreateReplicaRequest) (*models.Replica, error) {
	active, err := c.store.Replicas.ActiveForAgent(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	client, err := c.store.Clients.GetByID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Limits.MaxReplicasPerAgent > 0 && len(active) >= client.Limits.MaxReplicasPerAgent {
		return nil, store.NewValidationError("poolId",
			fmt.Sprintf("agent has %d active replicas, limit is %d", len(active), client.Limits.MaxReplicasPerAgent))
	}

	target := ""
	if req.PoolID != nil {
		if _, err := c.store.Pools.Get(ctx, *req.PoolID); err != nil {
			return nil, err
		}
		target = *req.PoolID
	} else {
		target, err = c.cheapestFreshPool(ctx, agent)
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.NewValidationError("poolId",
				"no fresh pricing data to place the replica; specify a pool")
		}
		if err != nil {
			return nil, err
		}
	}

	replica, err := c.store.Replicas.Create(ctx, &models.Replica{
		AgentID:          agent.ID,
		ParentInstanceID: agent.CurrentInstanceID,
		PoolID:           target,
		Kind:             models.ReplicaKindManual,
	})
	if err != nil {
		return nil, err
	}
	cmd := &models.Command{
		AgentID:      agent.ID,
		RequestID:    req.RequestID,
		Type:         models.CommandLaunchInstance,
		Trigger:      models.TriggerManual,
		TargetPoolID: &target,
		ReplicaID:    &replica.ID,
	}
	if _, _, err := c.commands.Enqueue(ctx, clientID, cmd); err != nil {
		return nil, err
	}
	return replica, nil
}

// observeDrift compares the standing replica's pool price against the
// current cheapest. Drift past the margin is logged and surfaced, never
// acted on: churning replicas to chase every price move would cost more
// than it saves, and the operator can always rebuild by hand.
func (c *Coordinator) observeDrift(ctx context.Context, agent *models.Agent, replica *models.Replica) {
	since := time.Now().UTC().Add(-c.config.PriceFreshness)
	current, err := c.store.Pricing.LatestConsolidated(ctx, replica.PoolID)
	if err != nil || current.ObservedAt.Before(since) {
		return
	}

	instanceType := c.primaryInstanceType(ctx, agent)
	if instanceType == "" {
		return
	}
	cheapestPool, cheapestPrice, err := c.store.Pricing.CheapestPool(ctx, instanceType, agent.Region, since, replica.PoolID)
	if err != nil {
		return
	}
	if cheapestPrice <= 0 || current.Price <= cheapestPrice*(1+c.config.DriftMargin) {
		return
	}

	slog.Warn("Replica pool price drifted past margin",
		"agent_id", agent.ID, "replica_id", replica.ID,
		"replica_pool", replica.PoolID, "replica_price", current.Price,
		"cheapest_pool", cheapestPool, "cheapest_price", cheapestPrice)
	c.publisher.PublishBestEffort(ctx, agent.ClientID, &agent.ID, models.EventPriceAnomaly, events.PricingEventPayload{
		PoolID: replica.PoolID,
		Price:  current.Price,
		Detail: fmt.Sprintf("replica pool is %.0f%% over cheapest pool %s",
			(current.Price/cheapestPrice-1)*100, cheapestPool),
	})
}

func (c *Coordinator) cheapestFreshPool(ctx context.Context, agent *models.Agent) (string, error) {
	instanceType := c.primaryInstanceType(ctx, agent)
	if instanceType == "" {
		return "", store.ErrNotFound
	}
	exclude := ""
	if agent.CurrentPoolID != nil {
		exclude = *agent.CurrentPoolID
	}
	since := time.Now().UTC().Add(-c.config.PriceFreshness)
	poolID, _, err := c.store.Pricing.CheapestPool(ctx, instanceType, agent.Region, since, exclude)
	if err != nil {
		return "", err
	}
	return poolID, nil
}

func (c *Coordinator) primaryInstanceType(ctx context.Context, agent *models.Agent) string {
	if primary, err := c.store.Instances.GetPrimary(ctx, agent.ID); err == nil {
		return primary.InstanceType
	}
	return ""
}
