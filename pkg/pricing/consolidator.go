package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spotplane/spotplane/pkg/cloud"
	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/metrics"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

// Consolidator runs the periodic pipeline pass: staging snapshots are
// deduplicated into the consolidated tier, gaps are interpolated or
// backfilled from the cloud API, and the canonical tier is derived.
// Each pass is a tracked job; a failed pass leaves the watermark where
// it was so the next one covers the same window again.
type Consolidator struct {
	config    *config.PricingConfig
	store     *store.Store
	provider  cloud.Provider
	runMu     sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsolidator creates the pipeline worker. provider may be nil, in
// which case backfill is skipped and wide gaps stay open.
func NewConsolidator(cfg *config.PricingConfig, st *store.Store, provider cloud.Provider) *Consolidator {
	return &Consolidator{config: cfg, store: st, provider: provider}
}

// Start launches the background consolidation loop.
func (c *Consolidator) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.run(ctx)

	slog.Info("Pricing consolidator started",
		"interval", c.config.ConsolidationInterval,
		"bucket", c.config.BucketSize,
		"backfill_window", c.config.BackfillWindow)
}

// Stop signals the loop to exit and waits for it to finish.
func (c *Consolidator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	slog.Info("Pricing consolidator stopped")
}

func (c *Consolidator) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.config.ConsolidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Consolidation pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes one consolidation pass. It is also the entry point
// for the operator-triggered run; concurrent invocations serialize.
func (c *Consolidator) RunOnce(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	now := time.Now().UTC().Truncate(c.config.BucketSize)
	start, err := c.windowStart(ctx, now)
	if err != nil {
		return err
	}
	if !start.Before(now) {
		slog.Debug("Nothing to consolidate", "watermark", start)
		return nil
	}

	job, err := c.store.Pricing.StartJob(ctx, start, now)
	if err != nil {
		return err
	}
	slog.Info("Consolidation pass started",
		"job_id", job.ID, "window_start", start, "window_end", now)

	var counters models.ConsolidationJob
	runErr := c.consolidateWindow(ctx, start, now, &counters)

	errMsg := ""
	status := "succeeded"
	if runErr != nil {
		errMsg = runErr.Error()
		status = "failed"
	}
	if err := c.store.Pricing.FinishJob(ctx, job.ID, counters, errMsg); err != nil {
		slog.Error("Failed to finalize consolidation job", "job_id", job.ID, "error", err)
	}
	metrics.ConsolidationRuns.WithLabelValues(status).Inc()
	slog.Info("Consolidation pass finished",
		"job_id", job.ID, "status", status,
		"snapshots", counters.SnapshotsProcessed,
		"duplicates", counters.DuplicatesMarked,
		"gaps_filled", counters.GapsFilled,
		"backfill_points", counters.BackfillPoints,
		"canonical_written", counters.CanonicalWritten)
	return runErr
}

// windowStart is the consolidation watermark, bounded by the backfill
// window on the very first run so a fresh deployment does not try to
// reconstruct all of history.
func (c *Consolidator) windowStart(ctx context.Context, now time.Time) (time.Time, error) {
	watermark, err := c.store.Pricing.LastSuccessfulWindowEnd(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return now.Add(-c.config.BackfillWindow), nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if floor := now.Add(-c.config.BackfillWindow); watermark.Before(floor) {
		return floor, nil
	}
	return watermark.UTC().Truncate(c.config.BucketSize), nil
}

func (c *Consolidator) consolidateWindow(ctx context.Context, start, end time.Time, counters *models.ConsolidationJob) error {
	pools, err := c.store.Pricing.PoolsWithSnapshots(ctx, start, end)
	if err != nil {
		return err
	}
	for _, poolID := range pools {
		// Cancellation is cooperative between pools so a shutdown never
		// leaves a pool half-written.
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.consolidatePool(ctx, poolID, start, end, counters); err != nil {
			return fmt.Errorf("pool %s: %w", poolID, err)
		}
	}
	return nil
}

func (c *Consolidator) consolidatePool(ctx context.Context, poolID string, start, end time.Time, counters *models.ConsolidationJob) error {
	snaps, err := c.store.Pricing.SnapshotsForPool(ctx, poolID, start, end)
	if err != nil {
		return err
	}
	counters.SnapshotsProcessed += len(snaps)

	points, duplicates := bucketMedians(snaps, c.config.BucketSize)
	if err := c.store.Pricing.MarkDuplicates(ctx, duplicates); err != nil {
		return err
	}
	counters.DuplicatesMarked += len(duplicates)

	points, filled := fillGaps(points, c.config.BucketSize)
	counters.GapsFilled += filled
	metrics.GapsFilled.WithLabelValues("interpolated").Add(float64(filled))

	backfilled, err := c.backfillPool(ctx, poolID, points, start, end)
	if err != nil {
		// Backfill depends on an external API; its failure degrades the
		// series but must not lose the observed points.
		slog.Warn("Backfill failed, keeping observed points only",
			"pool_id", poolID, "error", err)
	} else if len(backfilled) > 0 {
		points = mergePoints(points, backfilled)
		counters.BackfillPoints += len(backfilled)
		metrics.GapsFilled.WithLabelValues("backfill").Add(float64(len(backfilled)))
	}

	if len(points) == 0 {
		return nil
	}
	if err := c.store.Pricing.UpsertConsolidated(ctx, points); err != nil {
		return err
	}

	canonical := canonicalize(points)
	if err := c.store.Pricing.UpsertCanonical(ctx, canonical); err != nil {
		return err
	}
	counters.CanonicalWritten += len(canonical)
	return nil
}

// backfillPool fetches provider price history for the stretches no
// agent covered, bounded to the trailing backfill window. Gap fetches
// fan out under a concurrency cap.
func (c *Consolidator) backfillPool(ctx context.Context, poolID string, points []models.ConsolidatedPrice, start, end time.Time) ([]models.ConsolidatedPrice, error) {
	if c.provider == nil {
		return nil, nil
	}
	floor := time.Now().UTC().Add(-c.config.BackfillWindow)
	if start.Before(floor) {
		start = floor
	}
	gaps := uncoveredGaps(points, start, end, c.config.BucketSize)
	if len(gaps) == 0 {
		return nil, nil
	}

	pool, err := c.store.Pools.Get(ctx, poolID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var out []models.ConsolidatedPrice
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.BackfillConcurrency)
	for _, gap := range gaps {
		g.Go(func() error {
			history, err := c.provider.SpotPriceHistory(gctx, pool.InstanceType, gap.From, gap.To)
			if err != nil {
				return err
			}
			fetched := bucketizeHistory(history, pool, c.config.BucketSize)
			mu.Lock()
			out = append(out, fetched...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// bucketizeHistory converts provider price points for one pool's AZ to
// consolidated buckets, last observation per bucket winning.
func bucketizeHistory(history []cloud.PricePoint, pool *models.Pool, bucket time.Duration) []models.ConsolidatedPrice {
	byBucket := make(map[time.Time]float64)
	for _, p := range history {
		if p.AvailabilityZone != pool.AvailabilityZone {
			continue
		}
		byBucket[p.ObservedAt.UTC().Truncate(bucket)] = p.Price
	}
	out := make([]models.ConsolidatedPrice, 0, len(byBucket))
	for t, price := range byBucket {
		out = append(out, models.ConsolidatedPrice{
			PoolID:      pool.ID,
			ObservedAt:  t,
			Price:       price,
			SourceCount: 1,
			DataSource:  models.SourceBackfill,
		})
	}
	return out
}
