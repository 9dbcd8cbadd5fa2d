package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotplane/spotplane/pkg/command"
	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/decision"
	"github.com/spotplane/spotplane/pkg/emergency"
	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/lifecycle"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/pricing"
	"github.com/spotplane/spotplane/pkg/replica"
	"github.com/spotplane/spotplane/pkg/store"
	"github.com/spotplane/spotplane/test/util"
)

const testAdminToken = "admin-secret-for-tests"

type testAPI struct {
	router *gin.Engine
	store  *store.Store
	client *models.Client
	token  string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db := util.SetupTestDatabase(t)
	st := store.New(db)
	publisher := events.NewPublisher(db, st.Events, time.Hour)
	hub := events.NewHub(st.Events, 100)
	commands := command.NewService(st, publisher, config.DefaultQueueConfig())

	decisionCfg := config.DefaultDecisionConfig()
	decisionCfg.ArtifactDir = t.TempDir()
	artifacts, err := decision.NewArtifactManager(decisionCfg, st)
	require.NoError(t, err)

	token := "sp_" + uuid.New().String()
	digest := sha256.Sum256([]byte(token))
	client, err := st.Clients.Create(ctx, &models.Client{
		Name:          "acme",
		AuthTokenHash: hex.EncodeToString(digest[:]),
		Plan:          "standard",
		Limits:        models.Limits{MaxAgents: 10, MaxReplicasPerAgent: 2},
		DefaultPolicy: models.Policy{AutoSwitchEnabled: true},
	})
	require.NoError(t, err)

	t.Setenv("SPOTPLANE_ADMIN_TOKEN", testAdminToken)
	server := NewServer(config.DefaultServerConfig(), Dependencies{
		Store:        st,
		Hub:          hub,
		Publisher:    publisher,
		Lifecycle:    lifecycle.NewService(st, publisher, config.DefaultLifecycleConfig()),
		Commands:     commands,
		Emergency:    emergency.NewOrchestrator(st, commands, publisher, nil, config.DefaultEmergencyConfig()),
		Replicas:     replica.NewCoordinator(config.DefaultReplicaConfig(), st, commands, publisher),
		Ingestor:     pricing.NewIngestor(st, publisher),
		Consolidator: pricing.NewConsolidator(config.DefaultPricingConfig(), st, nil),
		Artifacts:    artifacts,
		Engine:       decision.NewThresholdEngine(decisionCfg),
	})

	return &testAPI{router: server.Router(), store: st, client: client, token: token}
}

func (a *testAPI) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) register(t *testing.T, logicalID, instanceID string) string {
	t.Helper()
	w := a.request(t, http.MethodPost, "/api/agents/register", a.token, models.RegisterRequest{
		LogicalAgentID:   logicalID,
		InstanceID:       instanceID,
		InstanceType:     "m5.large",
		Region:           "us-east-1",
		AvailabilityZone: "us-east-1a",
		Mode:             models.ModeOnDemand,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.RegisterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.AgentID
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestAuth_RejectsMissingAndBogusTokens(t *testing.T) {
	a := newTestAPI(t)

	w := a.request(t, http.MethodGet, "/api/fleet", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.request(t, http.MethodGet, "/api/fleet", "sp_not-a-real-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.request(t, http.MethodGet, "/api/fleet", a.token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_ForeignAgentLooksLikeNotFound(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	agentID := a.register(t, "web-1", "i-001")

	otherToken := "sp_" + uuid.New().String()
	digest := sha256.Sum256([]byte(otherToken))
	_, err := a.store.Clients.Create(ctx, &models.Client{
		Name:          "rival",
		AuthTokenHash: hex.EncodeToString(digest[:]),
		Plan:          "standard",
		DefaultPolicy: models.Policy{},
	})
	require.NoError(t, err)

	w := a.request(t, http.MethodGet, "/api/fleet/"+agentID, otherToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))
}

func TestRegisterAndHeartbeat(t *testing.T) {
	a := newTestAPI(t)
	agentID := a.register(t, "web-1", "i-001")

	w := a.request(t, http.MethodPost, "/api/agents/"+agentID+"/heartbeat", a.token,
		models.HeartbeatRequest{Status: models.AgentStatusOnline})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.HeartbeatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, agentID, resp.AgentID)
	assert.Equal(t, 0, resp.PendingCommands)
}

func TestEnqueueCommand_DuplicateRequestConflict(t *testing.T) {
	a := newTestAPI(t)
	agentID := a.register(t, "web-1", "i-001")

	spot := models.ModeSpot
	body := models.EnqueueCommandRequest{
		RequestID:  "req-switch-1",
		Type:       models.CommandSwitch,
		TargetMode: &spot,
	}
	w := a.request(t, http.MethodPost, "/api/fleet/"+agentID+"/commands", a.token, body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var first models.Command
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, models.CommandPending, first.Status)
	assert.Equal(t, models.PriorityManual, first.Priority)

	// Same request id while the command is open.
	w = a.request(t, http.MethodPost, "/api/fleet/"+agentID+"/commands", a.token, body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_REQUEST", errorCode(t, w))

	var conflict struct {
		Error struct {
			Command models.Command `json:"command"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conflict))
	assert.Equal(t, first.ID, conflict.Error.Command.ID)

	// After completion the same request id replays with 200.
	_, err := a.store.Commands.MarkExecuted(context.Background(), first.ID, true, "done", nil)
	require.NoError(t, err)
	w = a.request(t, http.MethodPost, "/api/fleet/"+agentID+"/commands", a.token, body)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCommandFlow_PollAndExecute(t *testing.T) {
	a := newTestAPI(t)
	agentID := a.register(t, "web-1", "i-001")

	spot := models.ModeSpot
	w := a.request(t, http.MethodPost, "/api/fleet/"+agentID+"/commands", a.token, models.EnqueueCommandRequest{
		RequestID:  "req-flow",
		Type:       models.CommandSwitch,
		TargetMode: &spot,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var cmd models.Command
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cmd))

	w = a.request(t, http.MethodGet, "/api/agents/"+agentID+"/pending-commands", a.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pending models.PendingCommandsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	require.Len(t, pending.Commands, 1)
	assert.Equal(t, models.CommandExecuting, pending.Commands[0].Status)

	w = a.request(t, http.MethodPost,
		fmt.Sprintf("/api/agents/%s/commands/%s/executed", agentID, cmd.ID), a.token,
		models.CommandExecutedRequest{Success: true, Message: "switched"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A second executed report hits the terminal guard.
	w = a.request(t, http.MethodPost,
		fmt.Sprintf("/api/agents/%s/commands/%s/executed", agentID, cmd.ID), a.token,
		models.CommandExecutedRequest{Success: true})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "COMMAND_TERMINAL", errorCode(t, w))
}

func TestPricingReport_Accepted(t *testing.T) {
	a := newTestAPI(t)
	agentID := a.register(t, "web-1", "i-001")

	pool := models.PoolKey("m5.large", "us-east-1", "us-east-1a")
	w := a.request(t, http.MethodPost, "/api/agents/"+agentID+"/pricing-report", a.token,
		models.PricingReportRequest{
			Pools: []models.PoolPriceReport{
				{ID: pool, Price: 0.032},
			},
			OnDemandPrice: 0.096,
		})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	snaps, err := a.store.Pricing.SnapshotsForPool(context.Background(), pool,
		time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 0.032, snaps[0].Price)
}

func TestApplyRecommendation_RoutineSwitchQueuesAtMLPriority(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	agentID := a.register(t, "web-1", "i-001")

	pool := models.PoolKey("m5.large", "us-east-1", "us-east-1a")
	require.NoError(t, a.store.Agents.SetOnDemandPrice(ctx, agentID, 0.10))
	require.NoError(t, a.store.Pricing.UpsertCanonical(ctx, []models.CanonicalPrice{{
		PoolID:          pool,
		ObservedAt:      time.Now().UTC().Truncate(time.Minute),
		Price:           0.05,
		ConfidenceScore: 1.0,
		VolatilityIndex: 0.1,
	}}))

	w := a.request(t, http.MethodPost, "/api/fleet/"+agentID+"/recommendation/apply", a.token,
		models.ApplyRecommendationRequest{RequestID: "req-apply-1"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		Recommendation decision.Recommendation `json:"recommendation"`
		Command        models.Command          `json:"command"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, decision.ActionSwitchToSpot, resp.Recommendation.Action)
	assert.False(t, resp.Recommendation.Urgent)
	assert.Equal(t, models.CommandSwitch, resp.Command.Type)
	assert.Equal(t, models.TriggerML, resp.Command.Trigger)
	assert.Equal(t, models.PriorityMLNormal, resp.Command.Priority)
	require.NotNil(t, resp.Command.TargetPoolID)
	assert.Equal(t, pool, *resp.Command.TargetPoolID)
}

func TestApplyRecommendation_UrgentRetreatJumpsQueue(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	agentID := a.register(t, "web-1", "i-001")

	// A spot agent whose pool now saves only 10% over on-demand.
	pool := models.PoolKey("m5.large", "us-east-1", "us-east-1a")
	spot := models.ModeSpot
	require.NoError(t, a.store.Agents.ReconcileContext(ctx, agentID, nil, &pool, &spot))
	require.NoError(t, a.store.Agents.SetOnDemandPrice(ctx, agentID, 0.10))
	require.NoError(t, a.store.Pricing.UpsertCanonical(ctx, []models.CanonicalPrice{{
		PoolID:          pool,
		ObservedAt:      time.Now().UTC().Truncate(time.Minute),
		Price:           0.09,
		ConfidenceScore: 1.0,
		VolatilityIndex: 0.1,
	}}))

	w := a.request(t, http.MethodPost, "/api/fleet/"+agentID+"/recommendation/apply", a.token,
		models.ApplyRecommendationRequest{RequestID: "req-apply-2"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		Recommendation decision.Recommendation `json:"recommendation"`
		Command        models.Command          `json:"command"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, decision.ActionSwitchToOnDemand, resp.Recommendation.Action)
	assert.True(t, resp.Recommendation.Urgent)
	assert.Equal(t, models.PriorityMLUrgent, resp.Command.Priority)
	require.NotNil(t, resp.Command.TargetMode)
	assert.Equal(t, models.ModeOnDemand, *resp.Command.TargetMode)
	assert.Nil(t, resp.Command.TargetPoolID)
}

func TestUpdatePolicy_RejectsConflictingToggles(t *testing.T) {
	a := newTestAPI(t)
	agentID := a.register(t, "web-1", "i-001")

	w := a.request(t, http.MethodPut, "/api/fleet/"+agentID+"/policy", a.token,
		models.UpdatePolicyRequest{Policy: models.Policy{
			AutoSwitchEnabled:    true,
			ManualReplicaEnabled: true,
		}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVARIANT_VIOLATION", errorCode(t, w))

	w = a.request(t, http.MethodPut, "/api/fleet/"+agentID+"/policy", a.token,
		models.UpdatePolicyRequest{Policy: models.Policy{ManualReplicaEnabled: true}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var agent models.Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))
	assert.True(t, agent.Policy.ManualReplicaEnabled)
}

func TestAdminSurface_RequiresAdminToken(t *testing.T) {
	a := newTestAPI(t)

	w := a.request(t, http.MethodGet, "/api/admin/clients", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A tenant token is not an admin token.
	w = a.request(t, http.MethodGet, "/api/admin/clients", a.token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.request(t, http.MethodGet, "/api/admin/clients", testAdminToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminCreateClient_TokenReturnedOnce(t *testing.T) {
	a := newTestAPI(t)

	w := a.request(t, http.MethodPost, "/api/admin/clients", testAdminToken, map[string]any{
		"name": "newco",
		"plan": "standard",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Client models.Client `json:"client"`
		Token  string        `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Client.ID)
	assert.Contains(t, resp.Token, "sp_")

	// The new token authenticates against the tenant API.
	w = a.request(t, http.MethodGet, "/api/fleet", resp.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Disabling the tenant kills the token immediately.
	w = a.request(t, http.MethodPut, "/api/admin/clients/"+resp.Client.ID+"/disabled",
		testAdminToken, map[string]bool{"disabled": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.request(t, http.MethodGet, "/api/fleet", resp.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
