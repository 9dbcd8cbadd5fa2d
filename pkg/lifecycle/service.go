// Package lifecycle owns the agent and instance state machines:
// registration, heartbeats, switch reports, and the background workers
// that keep role state honest when agents go quiet.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/metrics"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

// Service handles the agent-facing lifecycle operations. All role
// transitions go through the instance store's version-checked writes;
// the service layers validation, event publication, and the
// registration and switch-report protocols on top.
type Service struct {
	store     *store.Store
	publisher *events.Publisher
	config    *config.LifecycleConfig
}

// NewService creates the lifecycle service.
func NewService(st *store.Store, publisher *events.Publisher, cfg *config.LifecycleConfig) *Service {
	return &Service{store: st, publisher: publisher, config: cfg}
}

// Register creates or refreshes an agent under its stable
// (client, logicalId) identity. A new logical id counts against the
// client's agent limit; a known one re-syncs instance context and
// brings the agent back online without disturbing role state, unless
// the reported instance differs from the recorded primary, in which
// case the new instance takes over through the normal promotion path.
func (s *Service) Register(ctx context.Context, client *models.Client, req *models.RegisterRequest) (*models.RegisterResponse, error) {
	if !req.Mode.Valid() {
		return nil, store.NewValidationError("mode", fmt.Sprintf("unknown mode %q", req.Mode))
	}

	pool, err := s.store.Pools.Ensure(ctx, req.InstanceType, req.Region, req.AvailabilityZone)
	if err != nil {
		return nil, err
	}

	agent, err := s.store.Agents.GetByLogicalID(ctx, client.ID, req.LogicalAgentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		agent, err = s.createAgent(ctx, client, req, pool)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		agent.Hostname = req.Hostname
		agent.Region = req.Region
		agent.AvailabilityZone = req.AvailabilityZone
		agent.Mode = req.Mode
		agent.CurrentInstanceID = &req.InstanceID
		agent.CurrentPoolID = &pool.ID
		agent.AgentVersion = optString(req.AgentVersion)
		agent, err = s.store.Agents.UpdateRegistration(ctx, agent)
		if err != nil {
			return nil, err
		}
	}

	if _, err := s.ensurePrimary(ctx, agent, pool, req); err != nil {
		return nil, err
	}

	s.publisher.PublishBestEffort(ctx, client.ID, &agent.ID, models.EventAgentRegistered, events.AgentEventPayload{
		AgentID:   agent.ID,
		LogicalID: agent.LogicalID,
		Mode:      string(agent.Mode),
		Status:    string(agent.Status),
	})
	slog.Info("Agent registered",
		"agent_id", agent.ID, "logical_id", agent.LogicalID,
		"instance_id", req.InstanceID, "pool_id", pool.ID, "mode", req.Mode)

	return &models.RegisterResponse{
		AgentID:             agent.ID,
		PoolID:              pool.ID,
		Policy:              agent.Policy,
		PollIntervalSeconds: int(s.config.PollInterval.Seconds()),
	}, nil
}

func (s *Service) createAgent(ctx context.Context, client *models.Client, req *models.RegisterRequest, pool *models.Pool) (*models.Agent, error) {
	if client.Limits.MaxAgents > 0 {
		n, err := s.store.Agents.CountByClient(ctx, client.ID)
		if err != nil {
			return nil, err
		}
		if n >= client.Limits.MaxAgents {
			return nil, store.NewValidationError("logicalAgentId",
				fmt.Sprintf("client has %d agents, limit is %d", n, client.Limits.MaxAgents))
		}
	}
	return s.store.Agents.Create(ctx, &models.Agent{
		ClientID:          client.ID,
		LogicalID:         req.LogicalAgentID,
		Hostname:          req.Hostname,
		Region:            req.Region,
		AvailabilityZone:  req.AvailabilityZone,
		Mode:              req.Mode,
		CurrentInstanceID: &req.InstanceID,
		CurrentPoolID:     &pool.ID,
		Policy:            client.DefaultPolicy,
		AgentVersion:      optString(req.AgentVersion),
	})
}

// ensurePrimary makes the registered instance the agent's primary. An
// unknown instance id is recorded first; if another primary exists the
// takeover goes through PromoteToPrimary so the old one is parked as a
// zombie rather than silently forgotten.
func (s *Service) ensurePrimary(ctx context.Context, agent *models.Agent, pool *models.Pool, req *models.RegisterRequest) (*models.Instance, error) {
	inst, err := s.store.Instances.Get(ctx, req.InstanceID)
	if errors.Is(err, store.ErrNotFound) {
		role := models.RoleLaunching
		if _, perr := s.store.Instances.GetPrimary(ctx, agent.ID); errors.Is(perr, store.ErrNotFound) {
			role = models.RoleRunningPrimary
		} else if perr != nil {
			return nil, perr
		}
		now := time.Now().UTC()
		inst, err = s.store.Instances.Create(ctx, &models.Instance{
			ID:                req.InstanceID,
			AgentID:           agent.ID,
			PoolID:            pool.ID,
			InstanceType:      req.InstanceType,
			Region:            req.Region,
			AvailabilityZone:  req.AvailabilityZone,
			AMIID:             optString(req.AMIID),
			Mode:              req.Mode,
			Role:              role,
			PrivateIP:         optString(req.PrivateIP),
			PublicIP:          optString(req.PublicIP),
			LaunchConfirmedAt: &now,
		})
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if inst.AgentID != agent.ID {
		return nil, fmt.Errorf("%w: instance %s belongs to another agent", store.ErrInvariantViolation, inst.ID)
	}
	if inst.Role.Primary() {
		return inst, nil
	}

	promoted, demoted, err := s.store.Instances.PromoteToPrimary(ctx, inst.ID, agent.ID, inst.Version)
	if err != nil {
		return nil, err
	}
	if demoted != nil {
		metrics.ZombiesDetected.Inc()
		slog.Warn("Registration replaced untracked primary",
			"agent_id", agent.ID, "old_instance_id", demoted.ID, "new_instance_id", promoted.ID)
	}
	return promoted, nil
}

// Heartbeat records liveness and reconciles drifted instance context.
// Role fields are never touched from a heartbeat; if the agent reports
// an instance the control plane disagrees with, the pointer fields
// follow the agent and the discrepancy surfaces through the normal
// switch-report path.
func (s *Service) Heartbeat(ctx context.Context, agent *models.Agent, req *models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	if !req.Status.Valid() {
		return nil, store.NewValidationError("status", fmt.Sprintf("unknown status %q", req.Status))
	}
	updated, err := s.store.Agents.Heartbeat(ctx, agent.ID, req.Status)
	if err != nil {
		return nil, err
	}

	if req.InstanceID != nil || req.Mode != nil {
		var poolID *string
		if req.InstanceType != nil && req.AvailabilityZone != nil {
			pool, err := s.store.Pools.Ensure(ctx, *req.InstanceType, updated.Region, *req.AvailabilityZone)
			if err != nil {
				return nil, err
			}
			poolID = &pool.ID
		}
		if err := s.store.Agents.ReconcileContext(ctx, agent.ID, req.InstanceID, poolID, req.Mode); err != nil {
			return nil, err
		}
	}

	pending, err := s.store.Commands.CountOpenForAgent(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	return &models.HeartbeatResponse{AgentID: agent.ID, PendingCommands: pending}, nil
}

// ApplySwitchReport records a completed tier switch: the new instance
// becomes primary, the old one is terminated or parked as a zombie
// depending on whether the agent could confirm termination, and an
// immutable switch row is appended for the savings report.
//
// The report is cross-checked against the originating command; a
// mismatched old instance, mode, or trigger rejects the whole report.
// A duplicate report for an already-recorded command replays the
// existing switch row.
func (s *Service) ApplySwitchReport(ctx context.Context, clientID string, agent *models.Agent, req *models.SwitchReportRequest) (*models.Switch, error) {
	cmd, err := s.store.Commands.Get(ctx, req.CommandID)
	if err != nil {
		return nil, err
	}
	if cmd.AgentID != agent.ID {
		return nil, store.ErrNotFound
	}
	if existing, err := s.store.Switches.GetByRequestID(ctx, cmd.RequestID); err == nil {
		slog.Info("Replaying switch record for duplicate report",
			"agent_id", agent.ID, "command_id", cmd.ID, "switch_id", existing.ID)
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := s.validateSwitchReport(ctx, clientID, agent, cmd, req); err != nil {
		return nil, err
	}

	newMode := s.resolveNewMode(agent, cmd, req)
	instanceType := req.NewInstance.InstanceType
	if instanceType == "" {
		instanceType = primaryInstanceType(ctx, s.store, agent)
	}
	az := req.NewInstance.AvailabilityZone
	if az == "" {
		az = agent.AvailabilityZone
	}
	pool, err := s.store.Pools.Ensure(ctx, instanceType, agent.Region, az)
	if err != nil {
		return nil, err
	}

	promoted, demoted, err := s.promoteReported(ctx, agent, pool, newMode, req)
	if err != nil {
		return nil, err
	}

	oldTerminated := req.Timing.OldTerminatedAt
	if err := s.settleOldInstance(ctx, clientID, agent, demoted, req.OldInstance.InstanceID, oldTerminated); err != nil {
		return nil, err
	}

	sw, err := s.store.Switches.Create(ctx, &models.Switch{
		AgentID:            agent.ID,
		CommandID:          &cmd.ID,
		RequestID:          cmd.RequestID,
		Trigger:            req.Trigger,
		OldInstanceID:      &req.OldInstance.InstanceID,
		NewInstanceID:      promoted.ID,
		OldMode:            agent.Mode,
		NewMode:            newMode,
		OldPoolID:          agent.CurrentPoolID,
		NewPoolID:          pool.ID,
		OnDemandPrice:      req.Pricing.OnDemand,
		OldSpotPrice:       req.Pricing.OldSpot,
		NewSpotPrice:       req.Pricing.NewSpot,
		InitiatedAt:        req.Timing.InitiatedAt,
		AMICreatedAt:       req.Timing.AMICreatedAt,
		InstanceLaunchedAt: req.Timing.InstanceLaunchedAt,
		InstanceReadyAt:    req.Timing.InstanceReadyAt,
		OldTerminatedAt:    oldTerminated,
		DowntimeSeconds:    downtimeSeconds(req.Timing),
	})
	if err != nil {
		return nil, err
	}

	s.recordBootSample(ctx, pool.ID, promoted.ID, req.Timing)
	s.settleNotice(ctx, clientID, agent, req)

	metrics.Promotions.WithLabelValues(string(req.Trigger), "success").Inc()
	s.publisher.PublishBestEffort(ctx, clientID, &agent.ID, models.EventSwitchCompleted, events.SwitchEventPayload{
		SwitchID:        sw.ID,
		AgentID:         agent.ID,
		OldMode:         string(sw.OldMode),
		NewMode:         string(sw.NewMode),
		NewPoolID:       &sw.NewPoolID,
		DowntimeSeconds: sw.DowntimeSeconds,
	})
	slog.Info("Switch recorded",
		"agent_id", agent.ID, "switch_id", sw.ID, "trigger", sw.Trigger,
		"old_instance_id", req.OldInstance.InstanceID, "new_instance_id", promoted.ID,
		"old_mode", sw.OldMode, "new_mode", sw.NewMode)
	return sw, nil
}

func (s *Service) validateSwitchReport(ctx context.Context, clientID string, agent *models.Agent, cmd *models.Command, req *models.SwitchReportRequest) error {
	reject := func(field, msg string) error {
		s.publisher.Audit(ctx, models.SeverityError, &clientID, &agent.ID,
			"switch.report_rejected", fmt.Sprintf("switch report for command %s rejected: %s", cmd.ID, msg), req)
		slog.Warn("Rejected switch report",
			"agent_id", agent.ID, "command_id", cmd.ID, "field", field, "reason", msg)
		return store.NewValidationError(field, msg)
	}

	if req.Timing.InstanceReadyAt.Before(req.Timing.InitiatedAt) {
		return reject("timing", "instanceReadyAt precedes initiatedAt")
	}
	if req.Trigger != cmd.Trigger {
		return reject("trigger", fmt.Sprintf("reported trigger %q, command was %q", req.Trigger, cmd.Trigger))
	}
	if cmd.TargetMode != nil && req.NewInstance.Mode != nil && *req.NewInstance.Mode != *cmd.TargetMode {
		return reject("newInstance.mode",
			fmt.Sprintf("reported mode %q, command targeted %q", *req.NewInstance.Mode, *cmd.TargetMode))
	}
	if len(cmd.PreState) > 0 {
		var pre models.CommandState
		if err := json.Unmarshal(cmd.PreState, &pre); err == nil && pre.InstanceID != "" &&
			pre.InstanceID != req.OldInstance.InstanceID {
			return reject("oldInstance.instanceId",
				fmt.Sprintf("reported old instance %q, command captured %q", req.OldInstance.InstanceID, pre.InstanceID))
		}
	}
	return nil
}

func (s *Service) resolveNewMode(agent *models.Agent, cmd *models.Command, req *models.SwitchReportRequest) models.AgentMode {
	if req.NewInstance.Mode != nil {
		return *req.NewInstance.Mode
	}
	if cmd.TargetMode != nil {
		return *cmd.TargetMode
	}
	return agent.Mode
}

// promoteReported registers the reported new instance if it is unknown
// and promotes it, demoting any current primary in the same
// transaction.
func (s *Service) promoteReported(ctx context.Context, agent *models.Agent, pool *models.Pool, mode models.AgentMode, req *models.SwitchReportRequest) (*models.Instance, *models.Instance, error) {
	inst, err := s.store.Instances.Get(ctx, req.NewInstance.InstanceID)
	if errors.Is(err, store.ErrNotFound) {
		inst, err = s.store.Instances.Create(ctx, &models.Instance{
			ID:                req.NewInstance.InstanceID,
			AgentID:           agent.ID,
			PoolID:            pool.ID,
			InstanceType:      pool.InstanceType,
			Region:            pool.Region,
			AvailabilityZone:  pool.AvailabilityZone,
			AMIID:             optString(req.NewInstance.AMIID),
			Mode:              mode,
			Role:              models.RoleLaunching,
			PrivateIP:         optString(req.NewInstance.PrivateIP),
			PublicIP:          optString(req.NewInstance.PublicIP),
			SpotPrice:         req.Pricing.NewSpot,
			OnDemandPrice:     req.Pricing.OnDemand,
			LaunchRequestedAt: &req.Timing.InitiatedAt,
			LaunchConfirmedAt: req.Timing.InstanceLaunchedAt,
		})
		if err != nil {
			return nil, nil, err
		}
	} else if err != nil {
		return nil, nil, err
	}
	if inst.AgentID != agent.ID {
		return nil, nil, fmt.Errorf("%w: instance %s belongs to another agent", store.ErrInvariantViolation, inst.ID)
	}
	return s.store.Instances.PromoteToPrimary(ctx, inst.ID, agent.ID, inst.Version)
}

// settleOldInstance finalizes the replaced primary. A confirmed
// termination timestamp marks it terminated; without one it stays a
// zombie for the retention sweeper, no matter what the agent's policy
// says, because an unconfirmed instance may still be running and
// billing.
func (s *Service) settleOldInstance(ctx context.Context, clientID string, agent *models.Agent, demoted *models.Instance, oldInstanceID string, terminatedAt *time.Time) error {
	old := demoted
	if old == nil || old.ID != oldInstanceID {
		var err error
		old, err = s.store.Instances.Get(ctx, oldInstanceID)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("Switch report names an unknown old instance",
				"agent_id", agent.ID, "old_instance_id", oldInstanceID)
			return nil
		}
		if err != nil {
			return err
		}
	}
	if old.Role.Terminal() {
		return nil
	}

	if terminatedAt != nil {
		if _, err := s.store.Instances.MarkTerminated(ctx, old.ID, old.Version, terminatedAt); err != nil {
			return err
		}
		return nil
	}

	if old.Role != models.RoleZombie {
		if _, err := s.store.Instances.MarkZombie(ctx, old.ID, old.Version); err != nil {
			return err
		}
	}
	metrics.ZombiesDetected.Inc()
	s.publisher.PublishBestEffort(ctx, clientID, &agent.ID, models.EventZombieMarked, events.AgentEventPayload{
		AgentID:   agent.ID,
		LogicalID: agent.LogicalID,
		Detail:    fmt.Sprintf("instance %s parked as zombie: termination unconfirmed", old.ID),
	})
	s.publisher.Audit(ctx, models.SeverityWarning, &clientID, &agent.ID,
		"instance.zombie", fmt.Sprintf("instance %s termination unconfirmed after switch", old.ID), nil)
	return nil
}

func (s *Service) recordBootSample(ctx context.Context, poolID, instanceID string, timing models.SwitchTiming) {
	if timing.InstanceLaunchedAt == nil {
		return
	}
	boot := timing.InstanceReadyAt.Sub(*timing.InstanceLaunchedAt).Seconds()
	if boot < 0 {
		return
	}
	if err := s.store.Pools.RecordBoot(ctx, poolID, instanceID, boot); err != nil {
		slog.Error("Failed to record boot sample",
			"pool_id", poolID, "instance_id", instanceID, "error", err)
	}
}

// settleNotice closes out an in-flight preemption notice once the
// switch that answers it lands.
func (s *Service) settleNotice(ctx context.Context, clientID string, agent *models.Agent, req *models.SwitchReportRequest) {
	if agent.NoticeStatus == models.NoticeNone || agent.NoticeStatus == "" {
		return
	}
	if err := s.store.Agents.ClearNotice(ctx, agent.ID); err != nil {
		slog.Error("Failed to clear preemption notice", "agent_id", agent.ID, "error", err)
		return
	}
	elapsed := req.Timing.InstanceReadyAt.Sub(req.Timing.InitiatedAt).Seconds()
	metrics.EmergencyHandlingSeconds.WithLabelValues(string(agent.NoticeStatus), "settled").Observe(elapsed)
	s.publisher.PublishBestEffort(ctx, clientID, &agent.ID, models.EventEmergencySettled, events.EmergencyEventPayload{
		AgentID:        agent.ID,
		NoticeKind:     string(agent.NoticeStatus),
		Outcome:        "settled",
		ElapsedSeconds: elapsed,
	})
}

// ApplyTerminationReport finalizes an instance the agent confirmed
// gone, typically a zombie from an earlier switch. Reporting an already
// terminated instance is a no-op.
func (s *Service) ApplyTerminationReport(ctx context.Context, clientID string, agent *models.Agent, req *models.TerminationReportRequest) (*models.Instance, error) {
	inst, err := s.store.Instances.Get(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.AgentID != agent.ID {
		return nil, store.ErrNotFound
	}
	if inst.Role.Terminal() {
		return inst, nil
	}
	out, err := s.store.Instances.MarkTerminated(ctx, inst.ID, inst.Version, req.TerminatedAt)
	if err != nil {
		return nil, err
	}
	s.publisher.Audit(ctx, models.SeverityInfo, &clientID, &agent.ID,
		"instance.terminated", fmt.Sprintf("agent confirmed termination of instance %s", inst.ID), nil)
	return out, nil
}

func primaryInstanceType(ctx context.Context, st *store.Store, agent *models.Agent) string {
	if primary, err := st.Instances.GetPrimary(ctx, agent.ID); err == nil {
		return primary.InstanceType
	}
	return ""
}

// downtimeSeconds estimates the window with no serving primary: zero
// when the old instance outlived the new one's readiness, otherwise the
// gap between confirmed termination and ready.
func downtimeSeconds(t models.SwitchTiming) float64 {
	if t.OldTerminatedAt == nil {
		return 0
	}
	gap := t.InstanceReadyAt.Sub(*t.OldTerminatedAt).Seconds()
	if gap < 0 {
		return 0
	}
	return gap
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
