package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/models"
)

// PoolStore manages capacity pools and their boot statistics.
type PoolStore struct {
	db *database.Client
}

const poolColumns = `
	id, instance_type, region, availability_zone, boot_samples,
	boot_seconds_mean, last_boot_at, created_at, updated_at`

// Ensure upserts the pool for a triple and returns it. The id is the
// deterministic natural key, so concurrent ensures converge on one row.
func (s *PoolStore) Ensure(ctx context.Context, instanceType, region, az string) (*models.Pool, error) {
	if instanceType == "" || region == "" || az == "" {
		return nil, NewValidationError("pool", "instanceType, region, and az are all required")
	}
	id := models.PoolKey(instanceType, region, az)
	var out models.Pool
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO pools (id, instance_type, region, availability_zone)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()
		RETURNING `+poolColumns,
		id, instanceType, region, az)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure pool: %w", classifyWriteError(err))
	}
	return &out, nil
}

// Get fetches one pool by id.
func (s *PoolStore) Get(ctx context.Context, id string) (*models.Pool, error) {
	var p models.Pool
	err := s.db.GetContext(ctx, &p, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}
	return &p, nil
}

// ListByTypeAndRegion returns candidate pools for one instance type in a
// region.
func (s *PoolStore) ListByTypeAndRegion(ctx context.Context, instanceType, region string) ([]models.Pool, error) {
	var out []models.Pool
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+poolColumns+` FROM pools
		WHERE instance_type = $1 AND region = $2
		ORDER BY availability_zone ASC`, instanceType, region)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	return out, nil
}

// RecordBoot appends a launch-to-ready sample and folds it into the
// pool's rolling mean, in one transaction.
func (s *PoolStore) RecordBoot(ctx context.Context, poolID, instanceID string, bootSeconds float64) error {
	if bootSeconds < 0 {
		return NewValidationError("bootSeconds", "must not be negative")
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO boot_stats (pool_id, instance_id, boot_seconds)
			VALUES ($1, $2, $3)`, poolID, instanceID, bootSeconds); err != nil {
			return fmt.Errorf("failed to insert boot stat: %w", classifyWriteError(err))
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE pools SET
				boot_seconds_mean = (boot_seconds_mean * boot_samples + $2) / (boot_samples + 1),
				boot_samples = boot_samples + 1,
				last_boot_at = now(),
				updated_at = now()
			WHERE id = $1`, poolID, bootSeconds)
		if err != nil {
			return fmt.Errorf("failed to update pool boot mean: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// FastestBootPool picks the pool with the lowest mean boot time over
// promoted-replica samples for this instance type in this region,
// requiring at least minSamples observations. Ties go to the pool with
// the most recent sample. ErrNotFound means no pool qualifies and the
// caller should fall back to the current pool.
func (s *PoolStore) FastestBootPool(ctx context.Context, region, instanceType string, minSamples int) (string, error) {
	var poolID string
	err := s.db.GetContext(ctx, &poolID, `
		SELECT bs.pool_id
		FROM boot_stats bs
		JOIN pools p ON p.id = bs.pool_id
		WHERE p.region = $1 AND p.instance_type = $2
		GROUP BY bs.pool_id
		HAVING count(*) >= $3
		ORDER BY avg(bs.boot_seconds) ASC, max(bs.recorded_at) DESC
		LIMIT 1`, region, instanceType, minSamples)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to select fastest boot pool: %w", err)
	}
	return poolID, nil
}
