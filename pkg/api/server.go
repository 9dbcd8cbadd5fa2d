// Package api is the HTTP surface of the control plane: the agent
// protocol, the operator endpoints, and the SSE event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spotplane/spotplane/pkg/command"
	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/decision"
	"github.com/spotplane/spotplane/pkg/emergency"
	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/lifecycle"
	"github.com/spotplane/spotplane/pkg/pricing"
	"github.com/spotplane/spotplane/pkg/replica"
	"github.com/spotplane/spotplane/pkg/store"
)

// Dependencies bundles everything the HTTP layer calls into.
type Dependencies struct {
	Store        *store.Store
	Hub          *events.Hub
	Publisher    *events.Publisher
	Lifecycle    *lifecycle.Service
	Commands     *command.Service
	Emergency    *emergency.Orchestrator
	Replicas     *replica.Coordinator
	Ingestor     *pricing.Ingestor
	Consolidator *pricing.Consolidator
	Artifacts    *decision.ArtifactManager
	Engine       decision.Engine
}

// Server owns the gin router and the http.Server around it.
type Server struct {
	config *config.ServerConfig
	Dependencies

	tokenCache *gocache.Cache
	adminToken string

	httpServer *http.Server
}

// NewServer wires the router. The admin token is read from the
// environment variable named in the config; when unset the operator
// admin surface rejects everything.
func NewServer(cfg *config.ServerConfig, deps Dependencies) *Server {
	s := &Server{
		config:       cfg,
		Dependencies: deps,
		tokenCache:   gocache.New(cfg.TokenCacheTTL, 2*cfg.TokenCacheTTL),
		adminToken:   os.Getenv(cfg.AdminTokenEnv),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed for handler tests.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", s.clientAuth())

	agents := api.Group("/agents")
	agents.POST("/register", s.handleRegister)
	agent := agents.Group("/:id", s.agentScoped())
	{
		agent.POST("/heartbeat", s.handleHeartbeat)
		agent.POST("/pricing-report", s.handlePricingReport)
		agent.GET("/pending-commands", s.handlePendingCommands)
		agent.POST("/commands/:commandId/executed", s.handleCommandExecuted)
		agent.POST("/switch-report", s.handleSwitchReport)
		agent.POST("/rebalance-notice", s.handleRebalanceNotice)
		agent.POST("/termination-notice", s.handleTerminationNotice)
		agent.GET("/replicas", s.handleAgentReplicas)
		agent.PUT("/replicas/:replicaId", s.handleReplicaBind)
		agent.POST("/replicas/:replicaId/status", s.handleReplicaStatus)
		agent.POST("/termination-report", s.handleTerminationReport)
	}

	fleet := api.Group("/fleet")
	fleet.GET("", s.handleFleetList)
	member := fleet.Group("/:id", s.agentScoped())
	{
		member.GET("", s.handleFleetDetail)
		member.GET("/commands", s.handleCommandHistory)
		member.POST("/commands", s.handleEnqueueCommand)
		member.POST("/commands/:commandId/cancel", s.handleCancelCommand)
		member.GET("/switches", s.handleSwitchHistory)
		member.PUT("/policy", s.handleUpdatePolicy)
		member.POST("/replicas", s.handleCreateReplica)
		member.POST("/replicas/:replicaId/promote", s.handlePromoteReplica)
		member.GET("/recommendation", s.handleRecommendation)
		member.POST("/recommendation/apply", s.handleApplyRecommendation)
		member.POST("/clear-error", s.handleClearError)
	}
	api.GET("/savings", s.handleSavings)
	api.GET("/audit", s.handleAudit)
	api.GET("/pools/:poolId/prices", s.handlePoolPrices)
	api.GET("/events/stream", s.handleEventStream)

	admin := r.Group("/api/admin", s.adminAuth())
	{
		admin.GET("/clients", s.handleListClients)
		admin.POST("/clients", s.handleCreateClient)
		admin.PUT("/clients/:clientId/disabled", s.handleSetClientDisabled)
		admin.PUT("/clients/:clientId/policy", s.handleClientDefaultPolicy)
		admin.POST("/consolidation/run", s.handleRunConsolidation)
		admin.GET("/consolidation/jobs", s.handleConsolidationJobs)
		admin.GET("/artifacts", s.handleListArtifacts)
		admin.POST("/artifacts", s.handleUploadArtifact)
		admin.POST("/artifacts/:version/activate", s.handleActivateArtifact)
		admin.GET("/artifacts/active", s.handleDownloadArtifact)
	}

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	health, err := s.Store.DB().Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": health})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"database":      health,
		"subscriptions": s.Hub.ActiveSubscriptions(),
	})
}
