package pricing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spotplane/spotplane/pkg/events"
	"github.com/spotplane/spotplane/pkg/metrics"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

// Ingestor appends agent price reports to the staging tier. Writes are
// raw and append-only; duplicates across agents watching the same pool
// are expected and resolved later by the consolidator.
type Ingestor struct {
	store     *store.Store
	publisher *events.Publisher
}

// NewIngestor creates the staging ingest service.
func NewIngestor(st *store.Store, publisher *events.Publisher) *Ingestor {
	return &Ingestor{store: st, publisher: publisher}
}

// Ingest stages one agent's pricing report. Unknown pools are skipped
// with a warning rather than failing the batch, since a partially
// landed report is still worth more than none. A spot price above the
// reported on-demand baseline is flagged as an anomaly.
func (i *Ingestor) Ingest(ctx context.Context, clientID string, agent *models.Agent, req *models.PricingReportRequest) (int, error) {
	observedAt := time.Now().UTC()
	if req.ObservedAt != nil {
		observedAt = req.ObservedAt.UTC()
	}

	role := string(models.RoleRunningPrimary)
	snaps := make([]models.SpotPriceSnapshot, 0, len(req.Pools))
	for _, report := range req.Pools {
		if report.Price < 0 {
			return 0, store.NewValidationError("pools", "price must not be negative")
		}
		if _, err := i.store.Pools.Get(ctx, report.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.Warn("Skipping price report for unknown pool",
					"agent_id", agent.ID, "pool_id", report.ID)
				continue
			}
			return 0, err
		}
		snaps = append(snaps, models.SpotPriceSnapshot{
			PoolID:           report.ID,
			Price:            report.Price,
			ObservedAt:       observedAt,
			SourceInstanceID: agent.CurrentInstanceID,
			SourceRole:       &role,
		})
		if req.OnDemandPrice > 0 && report.Price > req.OnDemandPrice {
			i.publisher.PublishBestEffort(ctx, clientID, &agent.ID, models.EventPriceAnomaly, events.PricingEventPayload{
				PoolID: report.ID,
				Price:  report.Price,
				Detail: "spot price above on-demand baseline",
			})
		}
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	if err := i.store.Pricing.InsertSnapshots(ctx, snaps); err != nil {
		return 0, err
	}
	if req.OnDemandPrice > 0 {
		if err := i.store.Agents.SetOnDemandPrice(ctx, agent.ID, req.OnDemandPrice); err != nil {
			slog.Error("Failed to record on-demand baseline",
				"agent_id", agent.ID, "error", err)
		}
	}
	metrics.SnapshotsIngested.Add(float64(len(snaps)))
	return len(snaps), nil
}
