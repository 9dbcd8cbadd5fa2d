package config

import "time"

// PricingConfig controls the pricing consolidation pipeline.
type PricingConfig struct {
	// ConsolidationInterval is how often the consolidation job runs.
	ConsolidationInterval time.Duration `yaml:"consolidation_interval"`

	// BucketSize is the alignment granularity for consolidated points.
	// Raw snapshots inside one bucket collapse to their median, and any
	// hole wider than one bucket between two observed points is filled
	// by linear interpolation. Cloud backfill covers only the stretches
	// with no observed neighbor to interpolate from.
	BucketSize time.Duration `yaml:"bucket_size"`

	// BackfillWindow is how far back the cloud price history API is
	// queried when local data has gaps.
	BackfillWindow time.Duration `yaml:"backfill_window"`

	// BackfillConcurrency caps parallel per-pool backfill requests.
	BackfillConcurrency int `yaml:"backfill_concurrency"`
}

// DefaultPricingConfig returns the built-in pricing pipeline defaults.
func DefaultPricingConfig() *PricingConfig {
	return &PricingConfig{
		ConsolidationInterval: 12 * time.Hour,
		BucketSize:            5 * time.Minute,
		BackfillWindow:        7 * 24 * time.Hour,
		BackfillConcurrency:   4,
	}
}
