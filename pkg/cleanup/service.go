// Package cleanup enforces data retention: expired stream events are
// purged and monthly partitions of the append-only tables are rolled
// forward and dropped past the retention horizon.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/store"
)

// Service is the periodic retention worker. All operations are
// idempotent and safe to run from multiple replicas.
type Service struct {
	events    *config.EventsConfig
	retention *config.RetentionConfig
	store     *store.Store
	db        *database.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention worker.
func NewService(eventsCfg *config.EventsConfig, retentionCfg *config.RetentionConfig, st *store.Store, db *database.Client) *Service {
	return &Service{
		events:    eventsCfg,
		retention: retentionCfg,
		store:     st,
		db:        db,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"event_cleanup_interval", s.events.CleanupInterval,
		"maintenance_interval", s.retention.MaintenanceInterval,
		"partition_retention_months", s.retention.PartitionRetentionMonths)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.maintainPartitions(ctx)

	eventTicker := time.NewTicker(s.events.CleanupInterval)
	defer eventTicker.Stop()
	maintenanceTicker := time.NewTicker(s.retention.MaintenanceInterval)
	defer maintenanceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-eventTicker.C:
			s.purgeExpiredEvents(ctx)
		case <-maintenanceTicker.C:
			s.maintainPartitions(ctx)
		}
	}
}

func (s *Service) purgeExpiredEvents(ctx context.Context) {
	count, err := s.store.Events.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("Retention: stream event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged expired stream events", "count", count)
	}
}

// maintainPartitions keeps the current and next month's partitions
// present and drops partitions older than the retention horizon.
func (s *Service) maintainPartitions(ctx context.Context) {
	now := time.Now().UTC()
	if err := s.db.EnsureMonthlyPartitions(ctx, now, 2); err != nil {
		slog.Error("Retention: partition creation failed", "error", err)
	}

	cutoff := now.AddDate(0, -s.retention.PartitionRetentionMonths, 0)
	dropped, err := s.db.DropPartitionsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: partition drop failed", "error", err)
		return
	}
	if len(dropped) > 0 {
		slog.Info("Retention: dropped expired partitions", "partitions", dropped)
	}
}
