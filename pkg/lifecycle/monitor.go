package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

// Monitor flips agents offline when their heartbeats go stale. Flipping
// is a liveness verdict only; role state is untouched and the agent
// comes straight back online on its next heartbeat or registration.
type Monitor struct {
	config    *config.LifecycleConfig
	store     *store.Store
	publisher *events.Publisher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates the heartbeat staleness monitor.
func NewMonitor(cfg *config.LifecycleConfig, st *store.Store, publisher *events.Publisher) *Monitor {
	return &Monitor{config: cfg, store: st, publisher: publisher}
}

// Start launches the background monitor loop.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx)

	slog.Info("Heartbeat monitor started",
		"interval", m.config.HeartbeatMonitorInterval,
		"stale_after", m.config.HeartbeatStaleAfter)
}

// Stop signals the loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	slog.Info("Heartbeat monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.HeartbeatMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.config.HeartbeatStaleAfter)
	stale, err := m.store.Agents.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		slog.Error("Failed to mark stale agents offline", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}
	slog.Warn("Marked stale agents offline", "count", len(stale), "cutoff", cutoff)

	for _, agent := range stale {
		m.publisher.PublishBestEffort(ctx, agent.ClientID, &agent.ID, models.EventAgentStale, events.AgentEventPayload{
			AgentID:   agent.ID,
			LogicalID: agent.LogicalID,
			Status:    string(agent.Status),
			Detail:    "no heartbeat since " + formatHeartbeat(agent.LastHeartbeatAt),
		})
		m.publisher.Audit(ctx, models.SeverityWarning, &agent.ClientID, &agent.ID,
			"agent.stale", "agent "+agent.ID+" marked offline after missed heartbeats", nil)
	}
}

func formatHeartbeat(t *time.Time) string {
	if t == nil {
		return "registration"
	}
	return t.UTC().Format(time.RFC3339)
}
