package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

func (s *Server) handleRegister(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	resp, err := s.Lifecycle.Register(c.Request.Context(), mustClient(c), &req)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	resp, err := s.Lifecycle.Heartbeat(c.Request.Context(), mustAgent(c), &req)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePricingReport(c *gin.Context) {
	var req models.PricingReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	inserted, err := s.Ingestor.Ingest(c.Request.Context(), mustClient(c).ID, mustAgent(c), &req)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": inserted})
}

func (s *Server) handlePendingCommands(c *gin.Context) {
	commands, err := s.Commands.PendingForAgent(c.Request.Context(), mustAgent(c).ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.PendingCommandsResponse{Commands: commands})
}

func (s *Server) handleCommandExecuted(c *gin.Context) {
	var req models.CommandExecutedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	ctx := c.Request.Context()
	client := mustClient(c)
	agent := mustAgent(c)

	cmd, err := s.Commands.GetForAgent(ctx, agent.ID, c.Param("commandId"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	out, err := s.Commands.Complete(ctx, client.ID, agent.ID, cmd.ID, req.Success, req.Message, agentPostState(agent))
	if err != nil {
		respondStoreError(c, err)
		return
	}

	if !req.Success && cmd.Trigger == models.TriggerEmergency &&
		(cmd.Type == models.CommandPromoteReplica || cmd.Type == models.CommandLaunchInstance) {
		if ferr := s.Emergency.RecordFailure(ctx, client.ID, agent, req.Message); ferr != nil {
			slog.Warn("Emergency command failure recorded",
				"agent_id", agent.ID, "command_id", cmd.ID, "error", ferr)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSwitchReport(c *gin.Context) {
	var req models.SwitchReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	ctx := c.Request.Context()
	client := mustClient(c)
	agent := mustAgent(c)

	sw, err := s.Lifecycle.ApplySwitchReport(ctx, client.ID, agent, &req)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	// A switch report implies the command ran; completion is recorded here
	// so the agent does not need a second round trip. An already-terminal
	// command means the report was a replay.
	if _, err := s.Commands.Complete(ctx, client.ID, agent.ID, req.CommandID, true, "switch completed", agentPostState(agent)); err != nil &&
		!errors.Is(err, store.ErrCommandTerminal) {
		slog.Warn("Failed to complete command for switch report",
			"agent_id", agent.ID, "command_id", req.CommandID, "error", err)
	}
	c.JSON(http.StatusOK, sw)
}

func (s *Server) handleRebalanceNotice(c *gin.Context) {
	var req models.RebalanceNoticeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if err := s.Emergency.HandleRebalance(c.Request.Context(), mustClient(c).ID, mustAgent(c), &req); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "handling"})
}

func (s *Server) handleTerminationNotice(c *gin.Context) {
	var req models.TerminationNoticeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if err := s.Emergency.HandleTermination(c.Request.Context(), mustClient(c).ID, mustAgent(c), &req); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "handling"})
}

func (s *Server) handleAgentReplicas(c *gin.Context) {
	statuses := []models.ReplicaStatus{models.ReplicaStatusLaunching}
	if raw := c.Query("status"); raw != "" {
		statuses = statuses[:0]
		for _, part := range strings.Split(raw, ",") {
			st := models.ReplicaStatus(strings.TrimSpace(part))
			if !st.Valid() {
				respondStoreError(c, store.NewValidationError("status", "unknown replica status "+string(st)))
				return
			}
			statuses = append(statuses, st)
		}
	}
	replicas, err := s.Store.Replicas.ListByAgentAndStatus(c.Request.Context(), mustAgent(c).ID, statuses)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replicas": replicas})
}

func (s *Server) handleReplicaBind(c *gin.Context) {
	var req models.ReplicaBindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	ctx := c.Request.Context()
	agent := mustAgent(c)

	replica, err := s.agentReplica(c, c.Param("replicaId"))
	if err != nil {
		respondStoreError(c, err)
		return
	}

	pool, err := s.Store.Pools.Get(ctx, replica.PoolID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	_, err = s.Store.Instances.Create(ctx, &models.Instance{
		ID:                req.InstanceID,
		AgentID:           agent.ID,
		PoolID:            pool.ID,
		InstanceType:      pool.InstanceType,
		Region:            pool.Region,
		AvailabilityZone:  pool.AvailabilityZone,
		Mode:              models.ModeSpot,
		Role:              models.RoleRunningReplica,
		PrivateIP:         optString(req.PrivateIP),
		PublicIP:          optString(req.PublicIP),
		LaunchRequestedAt: &replica.RequestedAt,
		LaunchConfirmedAt: req.LaunchedAt,
	})
	// A bind retry hits the existing instance row; the replica update
	// below is idempotent for the same instance id.
	if err != nil && !errors.Is(err, store.ErrInvariantViolation) {
		respondStoreError(c, err)
		return
	}

	bound, err := s.Store.Replicas.BindInstance(ctx, replica.ID, req.InstanceID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, bound)
}

func (s *Server) handleReplicaStatus(c *gin.Context) {
	var req models.ReplicaStatusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	ctx := c.Request.Context()
	client := mustClient(c)
	agent := mustAgent(c)

	replica, err := s.agentReplica(c, c.Param("replicaId"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	updated, err := s.Store.Replicas.UpdateStatus(ctx, replica.ID, req.Status, req.SyncMetrics, req.HealthCheckPassed)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	switch req.Status {
	case models.ReplicaStatusReady:
		s.Publisher.PublishBestEffort(ctx, client.ID, &agent.ID, models.EventReplicaReady, replicaEventPayload(updated))
		if agent.NoticeStatus != models.NoticeNone {
			if err := s.Emergency.OnReplicaReady(ctx, client.ID, agent, updated); err != nil {
				slog.Error("Emergency promotion on replica ready failed",
					"agent_id", agent.ID, "replica_id", updated.ID, "error", err)
			}
		}
	case models.ReplicaStatusFailed:
		if agent.NoticeStatus != models.NoticeNone {
			if err := s.Emergency.RecordFailure(ctx, client.ID, agent, "replica "+updated.ID+" failed"); err != nil {
				slog.Warn("Replica failure during emergency recorded",
					"agent_id", agent.ID, "replica_id", updated.ID, "error", err)
			}
		}
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleTerminationReport(c *gin.Context) {
	var req models.TerminationReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	inst, err := s.Lifecycle.ApplyTerminationReport(c.Request.Context(), mustClient(c).ID, mustAgent(c), &req)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// agentReplica loads a replica and verifies ownership. Foreign replicas
// read as not found.
func (s *Server) agentReplica(c *gin.Context, replicaID string) (*models.Replica, error) {
	replica, err := s.Store.Replicas.Get(c.Request.Context(), replicaID)
	if err != nil {
		return nil, err
	}
	if replica.AgentID != mustAgent(c).ID {
		return nil, store.ErrNotFound
	}
	return replica, nil
}

func replicaEventPayload(r *models.Replica) events.ReplicaEventPayload {
	return events.ReplicaEventPayload{
		ReplicaID:  r.ID,
		AgentID:    r.AgentID,
		Kind:       string(r.Kind),
		Status:     string(r.Status),
		PoolID:     &r.PoolID,
		InstanceID: r.InstanceID,
	}
}

func agentPostState(agent *models.Agent) json.RawMessage {
	state := models.CommandState{Mode: agent.Mode}
	if agent.CurrentInstanceID != nil {
		state.InstanceID = *agent.CurrentInstanceID
	}
	if agent.CurrentPoolID != nil {
		state.PoolID = *agent.CurrentPoolID
	}
	b, _ := json.Marshal(state)
	return b
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
