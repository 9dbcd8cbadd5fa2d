// Package emergency reacts to cloud preemption notices. A rebalance
// recommendation leaves time to raise and sync a standby; a termination
// notice does not, so whatever standby exists is promoted immediately,
// health-checked or not.
package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spotplane/spotplane/pkg/command"
	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/metrics"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/notify"
	"github.com/spotplane/spotplane/pkg/store"
)

// Orchestrator drives the response to preemption notices for one fleet.
type Orchestrator struct {
	store     *store.Store
	commands  *command.Service
	publisher *events.Publisher
	notifier  *notify.Service
	config    *config.EmergencyConfig
}

// NewOrchestrator creates the emergency orchestrator. notifier may be
// nil when Slack is not configured.
func NewOrchestrator(st *store.Store, commands *command.Service, publisher *events.Publisher, notifier *notify.Service, cfg *config.EmergencyConfig) *Orchestrator {
	return &Orchestrator{
		store:     st,
		commands:  commands,
		publisher: publisher,
		notifier:  notifier,
		config:    cfg,
	}
}

// HandleRebalance processes a rebalance recommendation. The budget is
// generous enough to promote only a synced standby: a ready replica is
// promoted right away, otherwise an emergency replica is raised in the
// pool with the best boot record and promotion waits for it to sync.
func (o *Orchestrator) HandleRebalance(ctx context.Context, clientID string, agent *models.Agent, req *models.RebalanceNoticeRequest) error {
	metrics.NoticesReceived.WithLabelValues("rebalance").Inc()
	deadline := req.NoticeTime.Add(o.config.RebalanceDeadline)
	if err := o.store.Agents.SetNotice(ctx, agent.ID, models.NoticeRebalance, &deadline); err != nil {
		return err
	}
	o.publisher.PublishBestEffort(ctx, clientID, &agent.ID, models.EventEmergencyStarted, events.EmergencyEventPayload{
		AgentID:         agent.ID,
		NoticeKind:      "rebalance",
		DeadlineSeconds: o.config.RebalanceDeadline.Seconds(),
	})
	slog.Warn("Rebalance notice received",
		"agent_id", agent.ID, "notice_time", req.NoticeTime, "deadline", deadline)

	ready, err := o.store.Replicas.ReadyForAgent(ctx, agent.ID)
	if err != nil {
		return err
	}
	outcome := "standby launching"
	if len(ready) > 0 {
		outcome = "promotion scheduled"
		err = o.enqueuePromotion(ctx, clientID, agent, &ready[0], "rebalance", deadline)
	} else {
		err = o.raiseEmergencyReplica(ctx, clientID, agent, "rebalance", deadline)
	}
	if err != nil {
		return err
	}
	o.notifier.NotifyEmergency(ctx, notify.EmergencyInput{
		AgentID:    agent.ID,
		LogicalID:  agent.LogicalID,
		NoticeKind: "rebalance",
		Outcome:    outcome,
		Deadline:   deadline,
	})
	return nil
}

// HandleTermination processes a hard termination notice. There is no
// time to sync anything: the freshest standby with a bound instance is
// promoted on the spot, skipping the health check if it never ran, and
// the doomed primary is written off as terminated. An unbound standby
// is ridden until it binds; with no standby at all an emergency one is
// launched in the pool with the best boot record.
func (o *Orchestrator) HandleTermination(ctx context.Context, clientID string, agent *models.Agent, req *models.TerminationNoticeRequest) error {
	metrics.NoticesReceived.WithLabelValues("termination").Inc()
	now := time.Now().UTC()
	deadline := now.Add(o.config.TerminationDeadline)
	if !req.TerminationTime.IsZero() && req.TerminationTime.Before(deadline) {
		deadline = req.TerminationTime
	}
	if err := o.store.Agents.SetNotice(ctx, agent.ID, models.NoticeTermination, &deadline); err != nil {
		return err
	}
	o.publisher.PublishBestEffort(ctx, clientID, &agent.ID, models.EventEmergencyStarted, events.EmergencyEventPayload{
		AgentID:         agent.ID,
		NoticeKind:      "termination",
		DeadlineSeconds: deadline.Sub(now).Seconds(),
	})
	slog.Warn("Termination notice received",
		"agent_id", agent.ID, "termination_time", req.TerminationTime, "deadline", deadline)

	replica, err := o.bestBoundReplica(ctx, agent.ID)
	if err != nil {
		return err
	}
	outcome := "promoted"
	switch {
	case replica != nil:
		if err := o.PromoteNow(ctx, clientID, agent, replica, deadline); err != nil {
			return err
		}
	default:
		active, err := o.store.Replicas.ActiveForAgent(ctx, agent.ID)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			// A standby is already on the way; promotion fires from
			// OnReplicaReady the moment it reports in.
			outcome = "waiting for standby"
			o.publisher.Audit(ctx, models.SeverityWarning, &clientID, &agent.ID,
				"emergency.standby_pending",
				fmt.Sprintf("termination notice while replica %s is still launching, promoting on bind", active[len(active)-1].ID), nil)
		} else {
			outcome = "standby launching"
			o.publisher.Audit(ctx, models.SeverityCritical, &clientID, &agent.ID,
				"emergency.no_standby", "termination notice with no standby replica, launching an emergency standby", nil)
			if err := o.raiseEmergencyReplica(ctx, clientID, agent, "termination", deadline); err != nil {
				return err
			}
		}
	}
	o.notifier.NotifyEmergency(ctx, notify.EmergencyInput{
		AgentID:    agent.ID,
		LogicalID:  agent.LogicalID,
		NoticeKind: "termination",
		Outcome:    outcome,
		Deadline:   deadline,
	})
	return nil
}

// OnReplicaReady resumes an in-flight emergency once the standby it was
// waiting for finishes syncing. A rebalance promotes through the agent;
// a termination cannot wait for the round trip and promotes directly.
func (o *Orchestrator) OnReplicaReady(ctx context.Context, clientID string, agent *models.Agent, replica *models.Replica) error {
	switch agent.NoticeStatus {
	case models.NoticeRebalance:
		deadline := time.Now().UTC().Add(o.config.RebalanceDeadline)
		if agent.NoticeDeadline != nil {
			deadline = *agent.NoticeDeadline
		}
		return o.enqueuePromotion(ctx, clientID, agent, replica, "rebalance", deadline)
	case models.NoticeTermination:
		deadline := time.Now().UTC()
		if agent.NoticeDeadline != nil {
			deadline = *agent.NoticeDeadline
		}
		return o.PromoteNow(ctx, clientID, agent, replica, deadline)
	}
	return nil
}

// PromoteNow performs a control-plane-side promotion of the replica's
// instance, without waiting for the agent to report a switch. The agent
// is still told to cut traffic over, but role state changes first so a
// dying primary can never win a race against its successor.
func (o *Orchestrator) PromoteNow(ctx context.Context, clientID string, agent *models.Agent, replica *models.Replica, deadline time.Time) error {
	if replica.InstanceID == nil {
		return o.failPromotion(ctx, clientID, agent,
			fmt.Sprintf("replica %s has no bound instance", replica.ID))
	}
	if replica.HealthCheckPassed == nil || !*replica.HealthCheckPassed {
		o.publisher.Audit(ctx, models.SeverityWarning, &clientID, &agent.ID,
			"emergency.promotion_without_health_check",
			fmt.Sprintf("replica %s promoted without a passing health check under termination pressure", replica.ID), nil)
	}

	inst, err := o.store.Instances.Get(ctx, *replica.InstanceID)
	if err != nil {
		return o.failPromotion(ctx, clientID, agent,
			fmt.Sprintf("replica %s instance %s: %v", replica.ID, *replica.InstanceID, err))
	}
	promoted, demoted, err := o.store.Instances.PromoteToPrimary(ctx, inst.ID, agent.ID, inst.Version)
	if err != nil {
		return o.failPromotion(ctx, clientID, agent,
			fmt.Sprintf("promote replica %s: %v", replica.ID, err))
	}

	now := time.Now().UTC()
	if _, err := o.store.Replicas.MarkPromoted(ctx, replica.ID, now); err != nil {
		slog.Error("Failed to close promoted replica", "replica_id", replica.ID, "error", err)
	}
	if demoted != nil {
		// The cloud is reclaiming the old primary; no point parking it.
		if _, err := o.store.Instances.MarkTerminated(ctx, demoted.ID, demoted.Version, nil); err != nil &&
			!errors.Is(err, store.ErrOptimisticConflict) {
			slog.Error("Failed to write off doomed primary",
				"instance_id", demoted.ID, "error", err)
		}
	}

	if err := o.enqueuePromotion(ctx, clientID, agent, replica, "termination", deadline); err != nil {
		slog.Error("Failed to enqueue cutover command after forced promotion",
			"agent_id", agent.ID, "replica_id", replica.ID, "error", err)
	}
	if err := o.store.Agents.ClearNotice(ctx, agent.ID); err != nil {
		slog.Error("Failed to clear notice after forced promotion", "agent_id", agent.ID, "error", err)
	}

	elapsed := now.Sub(replica.RequestedAt).Seconds()
	metrics.EmergencyHandlingSeconds.WithLabelValues("termination", "promoted").Observe(elapsed)
	metrics.Promotions.WithLabelValues("emergency", "success").Inc()
	o.publisher.PublishBestEffort(ctx, clientID, &agent.ID, models.EventReplicaPromoted, events.ReplicaEventPayload{
		ReplicaID:  replica.ID,
		AgentID:    agent.ID,
		Kind:       string(replica.Kind),
		Status:     string(models.ReplicaStatusPromoted),
		PoolID:     &replica.PoolID,
		InstanceID: replica.InstanceID,
	})
	o.publisher.PublishBestEffort(ctx, clientID, &agent.ID, models.EventEmergencySettled, events.EmergencyEventPayload{
		AgentID:    agent.ID,
		NoticeKind: "termination",
		Outcome:    "promoted",
	})
	slog.Info("Forced promotion under termination notice",
		"agent_id", agent.ID, "replica_id", replica.ID, "instance_id", promoted.ID)
	return nil
}

// RecordFailure is the entry point for promotion failures reported by
// agents. Crossing the failure threshold parks the agent in error and
// pages operators.
func (o *Orchestrator) RecordFailure(ctx context.Context, clientID string, agent *models.Agent, reason string) error {
	return o.failPromotion(ctx, clientID, agent, reason)
}

func (o *Orchestrator) failPromotion(ctx context.Context, clientID string, agent *models.Agent, reason string) error {
	metrics.Promotions.WithLabelValues("emergency", "failure").Inc()
	count, tripped, err := o.store.Agents.RecordPromotionFailure(ctx, agent.ID, o.config.PromotionFailureThreshold, reason)
	if err != nil {
		return err
	}
	o.publisher.Audit(ctx, models.SeverityError, &clientID, &agent.ID,
		"emergency.promotion_failed",
		fmt.Sprintf("promotion failed (%d/%d): %s", count, o.config.PromotionFailureThreshold, reason), nil)
	slog.Error("Emergency promotion failed",
		"agent_id", agent.ID, "failures", count, "reason", reason)

	if !tripped {
		return fmt.Errorf("emergency promotion failed for agent %s: %s", agent.ID, reason)
	}

	o.publisher.PublishBestEffort(ctx, clientID, &agent.ID, models.EventAgentError, events.AgentEventPayload{
		AgentID:   agent.ID,
		LogicalID: agent.LogicalID,
		Status:    string(models.AgentStatusError),
		Detail:    reason,
	})
	o.publisher.Audit(ctx, models.SeverityCritical, &clientID, &agent.ID,
		"agent.error",
		fmt.Sprintf("agent parked in error after %d failed promotions, auto-switching disabled", count), nil)
	o.notifier.NotifyAgentError(ctx, notify.AgentErrorInput{
		AgentID:          agent.ID,
		LogicalID:        agent.LogicalID,
		ClientID:         clientID,
		Reason:           reason,
		FailedPromotions: count,
	})
	return fmt.Errorf("agent %s parked in error after %d failed promotions", agent.ID, count)
}

// bestBoundReplica picks the most promotable standby: ready first, then
// anything with a bound instance, freshest progress first.
func (o *Orchestrator) bestBoundReplica(ctx context.Context, agentID string) (*models.Replica, error) {
	ready, err := o.store.Replicas.ReadyForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for i := range ready {
		if ready[i].InstanceID != nil {
			return &ready[i], nil
		}
	}
	active, err := o.store.Replicas.ActiveForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for i := len(active) - 1; i >= 0; i-- {
		if active[i].InstanceID != nil {
			return &active[i], nil
		}
	}
	return nil, nil
}

// raiseEmergencyReplica opens an emergency work order in the pool with
// the best boot record, falling back to the agent's current pool when
// no pool has enough samples yet.
func (o *Orchestrator) raiseEmergencyReplica(ctx context.Context, clientID string, agent *models.Agent, kind string, deadline time.Time) error {
	poolID, err := o.pickLaunchPool(ctx, agent)
	if err != nil {
		return err
	}
	replica, err := o.store.Replicas.Create(ctx, &models.Replica{
		AgentID:          agent.ID,
		ParentInstanceID: agent.CurrentInstanceID,
		PoolID:           poolID,
		Kind:             models.ReplicaKindEmergency,
	})
	if err != nil {
		return err
	}

	cmd := &models.Command{
		AgentID:      agent.ID,
		RequestID:    fmt.Sprintf("%s-launch-%s-%d", kind, agent.ID, deadline.Unix()),
		Type:         models.CommandLaunchInstance,
		Trigger:      models.TriggerEmergency,
		TargetPoolID: &poolID,
		ReplicaID:    &replica.ID,
		PreState:     agentSnapshot(agent),
		DeadlineAt:   &deadline,
	}
	if _, _, err := o.commands.Enqueue(ctx, clientID, cmd); err != nil {
		var dup *store.DuplicateRequestError
		if !errors.As(err, &dup) {
			return err
		}
	}
	slog.Info("Raised emergency replica",
		"agent_id", agent.ID, "replica_id", replica.ID, "pool_id", poolID, "notice", kind)
	return nil
}

func (o *Orchestrator) enqueuePromotion(ctx context.Context, clientID string, agent *models.Agent, replica *models.Replica, kind string, deadline time.Time) error {
	cmd := &models.Command{
		AgentID:    agent.ID,
		RequestID:  fmt.Sprintf("%s-promote-%s-%s", kind, agent.ID, replica.ID),
		Type:       models.CommandPromoteReplica,
		Trigger:    models.TriggerEmergency,
		ReplicaID:  &replica.ID,
		PreState:   agentSnapshot(agent),
		DeadlineAt: &deadline,
	}
	if _, _, err := o.commands.Enqueue(ctx, clientID, cmd); err != nil {
		var dup *store.DuplicateRequestError
		if errors.As(err, &dup) {
			return nil
		}
		return err
	}
	slog.Info("Enqueued emergency promotion",
		"agent_id", agent.ID, "replica_id", replica.ID, "notice", kind)
	return nil
}

// pickLaunchPool chooses where an emergency standby boots. Boot history
// wins when enough samples exist; otherwise stay in the current pool.
func (o *Orchestrator) pickLaunchPool(ctx context.Context, agent *models.Agent) (string, error) {
	instanceType := ""
	if primary, err := o.store.Instances.GetPrimary(ctx, agent.ID); err == nil {
		instanceType = primary.InstanceType
	}
	if instanceType != "" {
		poolID, err := o.store.Pools.FastestBootPool(ctx, agent.Region, instanceType, o.config.MinBootSamples)
		if err == nil {
			return poolID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	if agent.CurrentPoolID != nil {
		return *agent.CurrentPoolID, nil
	}
	return "", fmt.Errorf("%w: agent %s has no pool to launch in", store.ErrInvariantViolation, agent.ID)
}

func agentSnapshot(agent *models.Agent) json.RawMessage {
	snap := models.CommandState{Mode: agent.Mode}
	if agent.CurrentInstanceID != nil {
		snap.InstanceID = *agent.CurrentInstanceID
	}
	if agent.CurrentPoolID != nil {
		snap.PoolID = *agent.CurrentPoolID
	}
	out, _ := json.Marshal(snap)
	return out
}
