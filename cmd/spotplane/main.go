// Spotplane control plane server — serves the agent HTTP API, runs the
// background workers, and streams fleet events to dashboards.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/spotplane/spotplane/pkg/api"
	"github.com/spotplane/spotplane/pkg/cleanup"
	"github.com/spotplane/spotplane/pkg/cloud"
	"github.com/spotplane/spotplane/pkg/command"
	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/decision"
	"github.com/spotplane/spotplane/pkg/emergency"
	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/lifecycle"
	"github.com/spotplane/spotplane/pkg/notify"
	"github.com/spotplane/spotplane/pkg/pricing"
	"github.com/spotplane/spotplane/pkg/replica"
	"github.com/spotplane/spotplane/pkg/store"
	"github.com/spotplane/spotplane/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("SPOTPLANE_CONFIG", ""),
		"Path to YAML configuration file (empty runs on defaults)")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded .env file")
	}

	slog.Info("Starting spotplane", "version", version.Full(), "config", *configPath)

	ctx := context.Background()

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient)
	publisher := events.NewPublisher(dbClient, st.Events, cfg.Events.StreamEventTTL)

	// Streaming infrastructure: the hub fans out NOTIFY payloads to SSE
	// subscribers; the listener holds the dedicated LISTEN connection.
	hub := events.NewHub(st.Events, cfg.Events.CatchupLimit)
	listener := events.NewNotifyListener(dbConfig.DSN(), hub)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	hub.SetListener(listener)
	slog.Info("Streaming infrastructure initialized")

	var provider cloud.Provider
	if cfg.Cloud.Enabled {
		ec2, err := cloud.NewEC2Provider(ctx, cfg.Cloud)
		if err != nil {
			slog.Error("Failed to initialize cloud provider", "error", err)
			os.Exit(1)
		}
		provider = ec2
		slog.Info("Cloud provider initialized", "region", cfg.Cloud.Region)
	} else {
		slog.Info("Cloud provider disabled, backfill and instance verification off")
	}

	var notifier *notify.Service
	if cfg.Slack.Enabled {
		notifier = notify.NewService(notify.ServiceConfig{
			Token:   os.Getenv(cfg.Slack.TokenEnv),
			Channel: cfg.Slack.Channel,
		})
		if notifier == nil {
			slog.Warn("Slack enabled but token or channel missing, notifications off")
		}
	}

	commands := command.NewService(st, publisher, cfg.Queue)
	lifecycleSvc := lifecycle.NewService(st, publisher, cfg.Lifecycle)
	orchestrator := emergency.NewOrchestrator(st, commands, publisher, notifier, cfg.Emergency)
	coordinator := replica.NewCoordinator(cfg.Replica, st, commands, publisher)
	ingestor := pricing.NewIngestor(st, publisher)
	consolidator := pricing.NewConsolidator(cfg.Pricing, st, provider)
	engine := decision.NewThresholdEngine(cfg.Decision)

	artifacts, err := decision.NewArtifactManager(cfg.Decision, st)
	if err != nil {
		slog.Error("Failed to initialize artifact manager", "error", err)
		os.Exit(1)
	}

	// Background workers, started before the HTTP server so the first
	// requests already see reconciliation running.
	reconciler := command.NewReconciler(cfg.Queue, st, publisher)
	sweeper := lifecycle.NewSweeper(cfg.Lifecycle, cfg.Retention, st, publisher, provider)
	monitor := lifecycle.NewMonitor(cfg.Lifecycle, st, publisher)
	cleaner := cleanup.NewService(cfg.Events, cfg.Retention, st, dbClient)

	reconciler.Start(ctx)
	sweeper.Start(ctx)
	monitor.Start(ctx)
	cleaner.Start(ctx)
	coordinator.Start(ctx)
	consolidator.Start(ctx)

	server := api.NewServer(cfg.Server, api.Dependencies{
		Store:        st,
		Hub:          hub,
		Publisher:    publisher,
		Lifecycle:    lifecycleSvc,
		Commands:     commands,
		Emergency:    orchestrator,
		Replicas:     coordinator,
		Ingestor:     ingestor,
		Consolidator: consolidator,
		Artifacts:    artifacts,
		Engine:       engine,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()
	slog.Info("Spotplane started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Drain HTTP first so no new work arrives, then stop the workers in
	// reverse start order.
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	consolidator.Stop()
	coordinator.Stop()
	cleaner.Stop()
	monitor.Stop()
	sweeper.Stop()
	reconciler.Stop()

	slog.Info("Shutdown complete")
}
