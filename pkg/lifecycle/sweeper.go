package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spotplane/spotplane/pkg/cloud"
	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

const sweepBatchSize = 100

// Sweeper retires zombies whose retention window has passed. When a
// cloud provider is wired it double-checks the instance first and
// issues a real terminate if the zombie is somehow still running.
type Sweeper struct {
	lifecycle *config.LifecycleConfig
	retention *config.RetentionConfig
	store     *store.Store
	publisher *events.Publisher
	provider  cloud.Provider

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates the zombie retention sweeper. provider may be nil
// when no cloud integration is configured.
func NewSweeper(lifecycleCfg *config.LifecycleConfig, retentionCfg *config.RetentionConfig, st *store.Store, publisher *events.Publisher, provider cloud.Provider) *Sweeper {
	return &Sweeper{
		lifecycle: lifecycleCfg,
		retention: retentionCfg,
		store:     st,
		publisher: publisher,
		provider:  provider,
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Zombie sweeper started",
		"interval", s.lifecycle.ZombieSweepInterval,
		"retention", s.retention.ZombieRetention)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Zombie sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.runOnce(ctx)

	ticker := time.NewTicker(s.lifecycle.ZombieSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention.ZombieRetention)
	for {
		zombies, err := s.store.Instances.ListZombiesBefore(ctx, cutoff, sweepBatchSize)
		if err != nil {
			slog.Error("Failed to list expired zombies", "error", err)
			return
		}
		for _, z := range zombies {
			if ctx.Err() != nil {
				return
			}
			s.retire(ctx, &z)
		}
		if len(zombies) < sweepBatchSize {
			return
		}
	}
}

func (s *Sweeper) retire(ctx context.Context, z *models.Instance) {
	if s.provider != nil && !models.IsTempInstanceID(z.ID) {
		if !s.cloudGone(ctx, z) {
			return
		}
	}

	if _, err := s.store.Instances.MarkTerminated(ctx, z.ID, z.Version, nil); err != nil {
		if errors.Is(err, store.ErrOptimisticConflict) || errors.Is(err, store.ErrNotFound) {
			return
		}
		slog.Error("Failed to retire zombie", "instance_id", z.ID, "error", err)
		return
	}

	agent, err := s.store.Agents.GetByID(ctx, z.AgentID)
	if err != nil {
		slog.Error("Failed to resolve agent for retired zombie",
			"instance_id", z.ID, "agent_id", z.AgentID, "error", err)
		return
	}
	s.publisher.Audit(ctx, models.SeverityInfo, &agent.ClientID, &z.AgentID,
		"instance.retired", "zombie instance "+z.ID+" retired after retention window", nil)
	slog.Info("Retired zombie instance",
		"instance_id", z.ID, "agent_id", z.AgentID, "zombie_at", z.ZombieAt)
}

// cloudGone verifies the zombie against the provider, terminating it if
// it is still alive. Returns false when the instance could not be
// confirmed gone this round; the next sweep retries.
func (s *Sweeper) cloudGone(ctx context.Context, z *models.Instance) bool {
	state, err := s.provider.DescribeInstance(ctx, z.ID)
	if errors.Is(err, cloud.ErrInstanceNotFound) {
		return true
	}
	if err != nil {
		slog.Warn("Could not verify zombie with provider", "instance_id", z.ID, "error", err)
		return false
	}
	switch state.State {
	case cloud.StateTerminated, cloud.StateShuttingDown, cloud.StateStopped:
		return true
	}

	slog.Warn("Zombie still running past retention, terminating",
		"instance_id", z.ID, "state", state.State)
	if err := s.provider.TerminateInstance(ctx, z.ID); err != nil {
		slog.Error("Failed to terminate lingering zombie", "instance_id", z.ID, "error", err)
		return false
	}
	return true
}
