package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/metrics"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

// Reconciler closes out commands the normal path lost track of: rows
// whose deadline passed undelivered, and rows stuck in executing after
// an agent crashed mid-command. Idempotent and safe to run from
// multiple replicas.
type Reconciler struct {
	config    *config.QueueConfig
	store     *store.Store
	publisher *events.Publisher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates the queue reconciler.
func NewReconciler(cfg *config.QueueConfig, st *store.Store, publisher *events.Publisher) *Reconciler {
	return &Reconciler{config: cfg, store: st, publisher: publisher}
}

// Start launches the background reconcile loop.
func (r *Reconciler) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.run(ctx)

	slog.Info("Command reconciler started",
		"interval", r.config.ReconcileInterval,
		"orphan_threshold", r.config.OrphanThreshold)
}

// Stop signals the loop to exit and waits for it to finish.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("Command reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	r.runOnce(ctx)

	ticker := time.NewTicker(r.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	expired, err := r.store.Commands.ExpireOverdue(ctx, time.Now().UTC(), r.config.OrphanThreshold)
	if err != nil {
		slog.Error("Failed to expire overdue commands", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	slog.Warn("Expired overdue commands", "count", len(expired))

	for _, cmd := range expired {
		metrics.CommandsCompleted.WithLabelValues(string(cmd.Type), string(cmd.Status)).Inc()

		agent, err := r.store.Agents.GetByID(ctx, cmd.AgentID)
		if err != nil {
			slog.Error("Failed to resolve agent for expired command",
				"command_id", cmd.ID, "agent_id", cmd.AgentID, "error", err)
			continue
		}
		r.publisher.Audit(ctx, models.SeverityWarning, &agent.ClientID, &cmd.AgentID,
			"command.expired", "command "+cmd.ID+" ("+string(cmd.Type)+") expired by reconciler", nil)
		r.publisher.PublishBestEffort(ctx, agent.ClientID, &cmd.AgentID, models.EventCommandFailed, events.CommandEventPayload{
			CommandID:   cmd.ID,
			AgentID:     cmd.AgentID,
			CommandType: string(cmd.Type),
			Trigger:     string(cmd.Trigger),
			Status:      string(cmd.Status),
			Message:     "expired by reconciler",
		})
	}
}
