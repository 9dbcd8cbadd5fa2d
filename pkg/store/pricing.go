package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/models"
)

// PricingStore covers all three pricing tiers and the consolidation job
// ledger. Staging writes are append-only; the consolidated and canonical
// tiers are upserted so job reruns converge instead of conflicting.
type PricingStore struct {
	db *database.Client
}

const snapshotColumns = `
	id, pool_id, price, observed_at, source_instance_id, source_role,
	is_duplicate, created_at`

const jobColumns = `
	id, status, window_start, window_end, snapshots_processed,
	duplicates_marked, gaps_filled, backfill_points, canonical_written,
	error, started_at, finished_at`

// InsertSnapshots appends raw observations to staging. Duplicates are
// expected and accepted; the consolidator sorts them out later.
func (s *PricingStore) InsertSnapshots(ctx context.Context, snaps []models.SpotPriceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, snap := range snaps {
			if snap.Price < 0 {
				return NewValidationError("price", "must not be negative")
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO spot_price_snapshots
					(pool_id, price, observed_at, source_instance_id, source_role)
				VALUES ($1, $2, $3, $4, $5)`,
				snap.PoolID, snap.Price, snap.ObservedAt,
				snap.SourceInstanceID, snap.SourceRole); err != nil {
				return fmt.Errorf("failed to insert snapshot: %w", classifyWriteError(err))
			}
		}
		return nil
	})
}

// PoolsWithSnapshots lists pools that have raw observations in the
// window, so the consolidator can walk them one by one.
func (s *PricingStore) PoolsWithSnapshots(ctx context.Context, from, to time.Time) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `
		SELECT DISTINCT pool_id FROM spot_price_snapshots
		WHERE observed_at >= $1 AND observed_at < $2
		ORDER BY pool_id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools with snapshots: %w", err)
	}
	return out, nil
}

// SnapshotsForPool returns one pool's raw observations in the window in
// observation order, including rows previously marked duplicate so
// reruns recompute the same medians.
func (s *PricingStore) SnapshotsForPool(ctx context.Context, poolID string, from, to time.Time) ([]models.SpotPriceSnapshot, error) {
	var out []models.SpotPriceSnapshot
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+snapshotColumns+` FROM spot_price_snapshots
		WHERE pool_id = $1 AND observed_at >= $2 AND observed_at < $3
		ORDER BY observed_at ASC, id ASC`, poolID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	return out, nil
}

// MarkDuplicates flags minute-bucket losers. Raw rows are never deleted.
func (s *PricingStore) MarkDuplicates(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE spot_price_snapshots SET is_duplicate = TRUE WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("failed to build duplicate update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to mark duplicates: %w", err)
	}
	return nil
}

// UpsertConsolidated writes the deduplicated tier. The (pool, minute)
// key makes reruns idempotent.
func (s *PricingStore) UpsertConsolidated(ctx context.Context, points []models.ConsolidatedPrice) error {
	if len(points) == 0 {
		return nil
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, p := range points {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pricing_consolidated
					(pool_id, observed_at, price, source_count, is_interpolated, data_source)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (pool_id, observed_at) DO UPDATE SET
					price = EXCLUDED.price,
					source_count = EXCLUDED.source_count,
					is_interpolated = EXCLUDED.is_interpolated,
					data_source = EXCLUDED.data_source`,
				p.PoolID, p.ObservedAt, p.Price, p.SourceCount,
				p.IsInterpolated, p.DataSource); err != nil {
				return fmt.Errorf("failed to upsert consolidated point: %w", classifyWriteError(err))
			}
		}
		return nil
	})
}

// ConsolidatedRange returns one pool's consolidated series in
// chronological order.
func (s *PricingStore) ConsolidatedRange(ctx context.Context, poolID string, from, to time.Time) ([]models.ConsolidatedPrice, error) {
	var out []models.ConsolidatedPrice
	err := s.db.SelectContext(ctx, &out, `
		SELECT pool_id, observed_at, price, source_count, is_interpolated, data_source, created_at
		FROM pricing_consolidated
		WHERE pool_id = $1 AND observed_at >= $2 AND observed_at < $3
		ORDER BY observed_at ASC`, poolID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load consolidated range: %w", err)
	}
	return out, nil
}

// CheapestPool picks the pool with the lowest latest consolidated price
// for this instance type in this region, skipping excludePoolID and any
// point older than `since`. ErrNotFound means no fresh data exists.
func (s *PricingStore) CheapestPool(ctx context.Context, instanceType, region string, since time.Time, excludePoolID string) (string, float64, error) {
	row := struct {
		PoolID string  `db:"pool_id"`
		Price  float64 `db:"price"`
	}{}
	err := s.db.GetContext(ctx, &row, `
		SELECT pool_id, price FROM (
			SELECT DISTINCT ON (pc.pool_id) pc.pool_id, pc.price
			FROM pricing_consolidated pc
			JOIN pools p ON p.id = pc.pool_id
			WHERE p.instance_type = $1 AND p.region = $2
			  AND pc.observed_at >= $3 AND pc.pool_id <> $4
			ORDER BY pc.pool_id, pc.observed_at DESC
		) latest
		ORDER BY price ASC
		LIMIT 1`, instanceType, region, since, excludePoolID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to select cheapest pool: %w", err)
	}
	return row.PoolID, row.Price, nil
}

// LatestConsolidated returns the freshest consolidated point for a pool.
func (s *PricingStore) LatestConsolidated(ctx context.Context, poolID string) (*models.ConsolidatedPrice, error) {
	var p models.ConsolidatedPrice
	err := s.db.GetContext(ctx, &p, `
		SELECT pool_id, observed_at, price, source_count, is_interpolated, data_source, created_at
		FROM pricing_consolidated
		WHERE pool_id = $1
		ORDER BY observed_at DESC
		LIMIT 1`, poolID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest consolidated point: %w", err)
	}
	return &p, nil
}

// UpsertCanonical writes the query tier.
func (s *PricingStore) UpsertCanonical(ctx context.Context, points []models.CanonicalPrice) error {
	if len(points) == 0 {
		return nil
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, p := range points {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pricing_canonical
					(pool_id, observed_at, price, confidence_score, volatility_index)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (pool_id, observed_at) DO UPDATE SET
					price = EXCLUDED.price,
					confidence_score = EXCLUDED.confidence_score,
					volatility_index = EXCLUDED.volatility_index`,
				p.PoolID, p.ObservedAt, p.Price, p.ConfidenceScore, p.VolatilityIndex); err != nil {
				return fmt.Errorf("failed to upsert canonical point: %w", classifyWriteError(err))
			}
		}
		return nil
	})
}

// CanonicalRange returns one pool's canonical series in chronological
// order, the read surface for charts and the decision engine.
func (s *PricingStore) CanonicalRange(ctx context.Context, poolID string, from, to time.Time) ([]models.CanonicalPrice, error) {
	var out []models.CanonicalPrice
	err := s.db.SelectContext(ctx, &out, `
		SELECT pool_id, observed_at, price, confidence_score, volatility_index, created_at
		FROM pricing_canonical
		WHERE pool_id = $1 AND observed_at >= $2 AND observed_at < $3
		ORDER BY observed_at ASC`, poolID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load canonical range: %w", err)
	}
	return out, nil
}

// LatestCanonical returns the freshest canonical point for a pool.
func (s *PricingStore) LatestCanonical(ctx context.Context, poolID string) (*models.CanonicalPrice, error) {
	var p models.CanonicalPrice
	err := s.db.GetContext(ctx, &p, `
		SELECT pool_id, observed_at, price, confidence_score, volatility_index, created_at
		FROM pricing_canonical
		WHERE pool_id = $1
		ORDER BY observed_at DESC
		LIMIT 1`, poolID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest canonical point: %w", err)
	}
	return &p, nil
}

// StartJob opens a consolidation job row covering the window.
func (s *PricingStore) StartJob(ctx context.Context, windowStart, windowEnd time.Time) (*models.ConsolidationJob, error) {
	var job models.ConsolidationJob
	err := s.db.GetContext(ctx, &job, `
		INSERT INTO consolidation_jobs (id, status, window_start, window_end)
		VALUES ($1, $2, $3, $4)
		RETURNING `+jobColumns,
		uuid.New().String(), models.JobRunning, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to start consolidation job: %w", err)
	}
	return &job, nil
}

// FinishJob records counters and the outcome. A non-empty errMsg marks
// the job failed; the next run resumes from the previous success.
func (s *PricingStore) FinishJob(ctx context.Context, id string, counters models.ConsolidationJob, errMsg string) error {
	status := models.JobSucceeded
	var errVal *string
	if errMsg != "" {
		status = models.JobFailed
		errVal = &errMsg
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE consolidation_jobs SET
			status = $2, snapshots_processed = $3, duplicates_marked = $4,
			gaps_filled = $5, backfill_points = $6, canonical_written = $7,
			error = $8, finished_at = now()
		WHERE id = $1`,
		id, status, counters.SnapshotsProcessed, counters.DuplicatesMarked,
		counters.GapsFilled, counters.BackfillPoints, counters.CanonicalWritten,
		errVal)
	if err != nil {
		return fmt.Errorf("failed to finish consolidation job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LastSuccessfulWindowEnd is the consolidation watermark: the next run
// starts here. ErrNotFound means no run has succeeded yet.
func (s *PricingStore) LastSuccessfulWindowEnd(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.db.GetContext(ctx, &t, `
		SELECT window_end FROM consolidation_jobs
		WHERE status = $1
		ORDER BY window_end DESC
		LIMIT 1`, models.JobSucceeded)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load consolidation watermark: %w", err)
	}
	return t, nil
}

// RecentJobs lists the newest job rows for the operator API.
func (s *PricingStore) RecentJobs(ctx context.Context, limit int) ([]models.ConsolidationJob, error) {
	var out []models.ConsolidationJob
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+jobColumns+` FROM consolidation_jobs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list consolidation jobs: %w", err)
	}
	return out, nil
}
