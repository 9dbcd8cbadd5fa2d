package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/spotplane/spotplane/pkg/decision"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

func (s *Server) handleFleetList(c *gin.Context) {
	agents, err := s.Store.Agents.ListByClient(c.Request.Context(), mustClient(c).ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleFleetDetail(c *gin.Context) {
	ctx := c.Request.Context()
	agent := mustAgent(c)

	instances, err := s.Store.Instances.ListByAgent(ctx, agent.ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	replicas, err := s.Store.Replicas.ActiveForAgent(ctx, agent.ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent":     agent,
		"instances": instances,
		"replicas":  replicas,
	})
}

func (s *Server) handleCommandHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	commands, err := s.Store.Commands.ListByAgent(c.Request.Context(), mustAgent(c).ID, limit)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": commands})
}

func (s *Server) handleEnqueueCommand(c *gin.Context) {
	var req models.EnqueueCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if !req.Type.Valid() {
		respondStoreError(c, store.NewValidationError("type", "unknown command type "+string(req.Type)))
		return
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = models.TriggerManual
	}
	if !trigger.Valid() {
		respondStoreError(c, store.NewValidationError("trigger", "unknown trigger "+string(trigger)))
		return
	}
	agent := mustAgent(c)

	cmd := &models.Command{
		AgentID:              agent.ID,
		RequestID:            req.RequestID,
		Type:                 req.Type,
		Trigger:              trigger,
		TargetMode:           req.TargetMode,
		TargetPoolID:         req.TargetPoolID,
		ReplicaID:            req.ReplicaID,
		TerminateWaitSeconds: req.TerminateWaitSeconds,
		Payload:              req.Payload,
		PreState:             agentPostState(agent),
		UserID:               req.UserID,
	}
	if req.Priority != nil {
		cmd.Priority = *req.Priority
	}

	out, replayed, err := s.Commands.Enqueue(c.Request.Context(), mustClient(c).ID, cmd)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	status := http.StatusAccepted
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, out)
}

func (s *Server) handleCancelCommand(c *gin.Context) {
	ctx := c.Request.Context()
	agent := mustAgent(c)

	cmd, err := s.Commands.GetForAgent(ctx, agent.ID, c.Param("commandId"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	out, err := s.Commands.Cancel(ctx, mustClient(c).ID, cmd.ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSwitchHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	switches, err := s.Store.Switches.ListByAgent(c.Request.Context(), mustAgent(c).ID, limit)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"switches": switches})
}

// handleUpdatePolicy replaces the agent policy and pushes it to the
// agent as an applyConfig command. The request id is derived from the
// policy content, so re-submitting the same policy replays instead of
// queueing a second push.
func (s *Server) handleUpdatePolicy(c *gin.Context) {
	var req models.UpdatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	ctx := c.Request.Context()
	agent := mustAgent(c)

	updated, err := s.Store.Agents.UpdatePolicy(ctx, agent.ID, req.Policy)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	hash, err := hashstructure.Hash(req.Policy, hashstructure.FormatV2, nil)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	payload, _ := json.Marshal(req.Policy)
	_, _, err = s.Commands.Enqueue(ctx, mustClient(c).ID, &models.Command{
		AgentID:   agent.ID,
		RequestID: fmt.Sprintf("policy-%s-%x", agent.ID, hash),
		Type:      models.CommandApplyConfig,
		Trigger:   models.TriggerManual,
		Payload:   payload,
		PreState:  agentPostState(agent),
	})
	var dup *store.DuplicateRequestError
	if err != nil && !errors.As(err, &dup) {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleCreateReplica(c *gin.Context) {
	var req models.CreateReplicaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	replica, err := s.Replicas.CreateManual(c.Request.Context(), mustClient(c).ID, mustAgent(c), &req)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, replica)
}

func (s *Server) handlePromoteReplica(c *gin.Context) {
	var req models.PromoteReplicaRequest
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
	if replica.Status != models.ReplicaStatusReady {
		respondStoreError(c, store.NewValidationError("replicaId",
			fmt.Sprintf("replica is %s, only ready replicas can be promoted", replica.Status)))
		return
	}

	out, replayed, err := s.Commands.Enqueue(ctx, mustClient(c).ID, &models.Command{
		AgentID:   agent.ID,
		RequestID: req.RequestID,
		Type:      models.CommandPromoteReplica,
		Trigger:   models.TriggerManual,
		ReplicaID: &replica.ID,
		PreState:  agentPostState(agent),
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}
	status := http.StatusAccepted
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, out)
}

// recommendFor runs the decision engine over the latest canonical
// prices for the agent's instance type. A false return means an error
// response has already been written.
func (s *Server) recommendFor(c *gin.Context, agent *models.Agent) (decision.Recommendation, bool) {
	ctx := c.Request.Context()
	if agent.OnDemandPrice == nil || *agent.OnDemandPrice <= 0 {
		respondStoreError(c, store.NewValidationError("agent", "no on-demand baseline price reported yet"))
		return decision.Recommendation{}, false
	}

	primary, err := s.Store.Instances.GetPrimary(ctx, agent.ID)
	if err != nil {
		respondStoreError(c, err)
		return decision.Recommendation{}, false
	}
	pools, err := s.Store.Pools.ListByTypeAndRegion(ctx, primary.InstanceType, agent.Region)
	if err != nil {
		respondStoreError(c, err)
		return decision.Recommendation{}, false
	}

	candidates := make([]decision.PoolPrice, 0, len(pools))
	for _, pool := range pools {
		point, err := s.Store.Pricing.LatestCanonical(ctx, pool.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			respondStoreError(c, err)
			return decision.Recommendation{}, false
		}
		candidates = append(candidates, decision.PoolPrice{
			PoolID:     pool.ID,
			Price:      point.Price,
			Confidence: point.ConfidenceScore,
			Volatility: point.VolatilityIndex,
		})
	}

	rec, err := s.Engine.Decide(ctx, decision.Input{
		Agent:         agent,
		OnDemandPrice: *agent.OnDemandPrice,
		Candidates:    candidates,
	})
	if err != nil {
		respondStoreError(c, err)
		return decision.Recommendation{}, false
	}
	return rec, true
}

func (s *Server) handleRecommendation(c *gin.Context) {
	rec, ok := s.recommendFor(c, mustAgent(c))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleApplyRecommendation queues the current engine verdict as an
// ML-triggered switch command. Urgent retreats queue ahead of routine
// optimization moves; a stay verdict queues nothing.
func (s *Server) handleApplyRecommendation(c *gin.Context) {
	var req models.ApplyRecommendationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	agent := mustAgent(c)
	rec, ok := s.recommendFor(c, agent)
	if !ok {
		return
	}
	if rec.Action == decision.ActionStay {
		c.JSON(http.StatusOK, gin.H{"recommendation": rec})
		return
	}

	mode := models.ModeSpot
	var targetPool *string
	if rec.TargetPoolID != "" {
		targetPool = &rec.TargetPoolID
	}
	if rec.Action == decision.ActionSwitchToOnDemand {
		mode = models.ModeOnDemand
		targetPool = nil
	}
	priority := models.PriorityMLNormal
	if rec.Urgent {
		priority = models.PriorityMLUrgent
	}
	out, replayed, err := s.Commands.Enqueue(c.Request.Context(), mustClient(c).ID, &models.Command{
		AgentID:      agent.ID,
		RequestID:    req.RequestID,
		Type:         models.CommandSwitch,
		Trigger:      models.TriggerML,
		Priority:     priority,
		TargetMode:   &mode,
		TargetPoolID: targetPool,
		PreState:     agentPostState(agent),
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}
	status := http.StatusAccepted
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"recommendation": rec, "command": out})
}

func (s *Server) handleClearError(c *gin.Context) {
	agent, err := s.Store.Agents.ClearError(c.Request.Context(), mustAgent(c).ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	clientID := mustClient(c).ID
	s.Publisher.Audit(c.Request.Context(), models.SeverityInfo, &clientID, &agent.ID,
		"agent.error_cleared", "operator cleared agent error state", nil)
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleSavings(c *gin.Context) {
	windowDays := intQuery(c, "windowDays", 30)
	summary, err := s.Store.Switches.SavingsSummary(c.Request.Context(), mustClient(c).ID, windowDays)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleAudit(c *gin.Context) {
	var agentID *string
	if id := c.Query("agentId"); id != "" {
		agentID = &id
	}
	rows, err := s.Store.Events.RecentAudit(c.Request.Context(), mustClient(c).ID, agentID, intQuery(c, "limit", 100))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}

func (s *Server) handlePoolPrices(c *gin.Context) {
	poolID := c.Param("poolId")
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			respondStoreError(c, store.NewValidationError("to", "must be RFC3339"))
			return
		}
	}
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			respondStoreError(c, store.NewValidationError("from", "must be RFC3339"))
			return
		}
	}

	ctx := c.Request.Context()
	switch tier := c.DefaultQuery("tier", "canonical"); tier {
	case "canonical":
		points, err := s.Store.Pricing.CanonicalRange(ctx, poolID, from, to)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tier": tier, "points": points})
	case "consolidated":
		points, err := s.Store.Pricing.ConsolidatedRange(ctx, poolID, from, to)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tier": tier, "points": points})
	default:
		respondStoreError(c, store.NewValidationError("tier", "must be canonical or consolidated"))
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
