package models

import "time"

// DataSource labels where a consolidated price point came from.
type DataSource string

const (
	SourceAgent        DataSource = "agent"
	SourceInterpolated DataSource = "interpolated"
	SourceBackfill     DataSource = "backfill"
)

// SpotPriceSnapshot is one raw price observation as reported by an agent
// (or pulled from the cloud API during backfill). Raw rows are immutable;
// consolidation marks minute-bucket losers as duplicates instead of
// deleting them.
type SpotPriceSnapshot struct {
	ID               int64     `db:"id" json:"id"`
	PoolID           string    `db:"pool_id" json:"poolId"`
	Price            float64   `db:"price" json:"price"`
	ObservedAt       time.Time `db:"observed_at" json:"observedAt"`
	SourceInstanceID *string   `db:"source_instance_id" json:"sourceInstanceId,omitempty"`
	SourceRole       *string   `db:"source_role" json:"sourceRole,omitempty"`
	IsDuplicate      bool      `db:"is_duplicate" json:"isDuplicate"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
}

// ConsolidatedPrice is the deduplicated, gap-filled middle tier: one row
// per (pool, minute), unique on that pair.
type ConsolidatedPrice struct {
	PoolID         string     `db:"pool_id" json:"poolId"`
	ObservedAt     time.Time  `db:"observed_at" json:"observedAt"`
	Price          float64    `db:"price" json:"price"`
	SourceCount    int        `db:"source_count" json:"sourceCount"`
	IsInterpolated bool       `db:"is_interpolated" json:"isInterpolated"`
	DataSource     DataSource `db:"data_source" json:"dataSource"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
}

// CanonicalPrice is the query tier consumed by decision-making and the
// operator API. Confidence reflects observation density; volatility is
// the coefficient of variation over the trailing window.
type CanonicalPrice struct {
	PoolID          string    `db:"pool_id" json:"poolId"`
	ObservedAt      time.Time `db:"observed_at" json:"observedAt"`
	Price           float64   `db:"price" json:"price"`
	ConfidenceScore float64   `db:"confidence_score" json:"confidenceScore"`
	VolatilityIndex float64   `db:"volatility_index" json:"volatilityIndex"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// ConsolidationJobStatus is the run state of one consolidation pass.
type ConsolidationJobStatus string

const (
	JobRunning   ConsolidationJobStatus = "running"
	JobSucceeded ConsolidationJobStatus = "succeeded"
	JobFailed    ConsolidationJobStatus = "failed"
)

// ConsolidationJob records one execution of the pricing pipeline:
// the window it covered, per-stage counters, and the watermark the next
// run resumes from.
type ConsolidationJob struct {
	ID                 string                 `db:"id" json:"id"`
	Status             ConsolidationJobStatus `db:"status" json:"status"`
	WindowStart        time.Time              `db:"window_start" json:"windowStart"`
	WindowEnd          time.Time              `db:"window_end" json:"windowEnd"`
	SnapshotsProcessed int                    `db:"snapshots_processed" json:"snapshotsProcessed"`
	DuplicatesMarked   int                    `db:"duplicates_marked" json:"duplicatesMarked"`
	GapsFilled         int                    `db:"gaps_filled" json:"gapsFilled"`
	BackfillPoints     int                    `db:"backfill_points" json:"backfillPoints"`
	CanonicalWritten   int                    `db:"canonical_written" json:"canonicalWritten"`
	Error              *string                `db:"error" json:"error,omitempty"`
	StartedAt          time.Time              `db:"started_at" json:"startedAt"`
	FinishedAt         *time.Time             `db:"finished_at" json:"finishedAt,omitempty"`
}
