package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/models"
)

const bucket = 5 * time.Minute

func at(t *testing.T, hhmm string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", "2025-06-01 "+hhmm)
	require.NoError(t, err)
	return ts.UTC()
}

func snap(id int64, pool string, observed time.Time, price float64) models.SpotPriceSnapshot {
	return models.SpotPriceSnapshot{ID: id, PoolID: pool, ObservedAt: observed, Price: price}
}

func TestBucketMedians_DeduplicatesWithinBucket(t *testing.T) {
	base := at(t, "10:00")
	snaps := []models.SpotPriceSnapshot{
		snap(1, "p1", base, 0.032),
		snap(2, "p1", base.Add(10*time.Second), 0.033),
		snap(3, "p1", base.Add(20*time.Second), 0.032),
	}

	points, duplicates := bucketMedians(snaps, bucket)

	require.Len(t, points, 1)
	assert.Equal(t, 0.032, points[0].Price)
	assert.Equal(t, 3, points[0].SourceCount)
	assert.Equal(t, models.SourceAgent, points[0].DataSource)
	assert.Equal(t, base, points[0].ObservedAt)

	// The winner is the snapshot closest to the median; the other two
	// are flagged.
	assert.ElementsMatch(t, []int64{2, 3}, duplicates)
}

func TestBucketMedians_EvenCountAveragesMiddlePair(t *testing.T) {
	base := at(t, "10:00")
	points, _ := bucketMedians([]models.SpotPriceSnapshot{
		snap(1, "p1", base, 0.030),
		snap(2, "p1", base, 0.034),
	}, bucket)

	require.Len(t, points, 1)
	assert.InDelta(t, 0.032, points[0].Price, 1e-9)
}

func TestBucketMedians_SingleSnapshotNoDuplicates(t *testing.T) {
	points, duplicates := bucketMedians([]models.SpotPriceSnapshot{
		snap(1, "p1", at(t, "10:00"), 0.03),
	}, bucket)
	require.Len(t, points, 1)
	assert.Empty(t, duplicates)
}

func TestFillGaps_LinearInterpolation(t *testing.T) {
	points := []models.ConsolidatedPrice{
		{PoolID: "p1", ObservedAt: at(t, "10:00"), Price: 0.032, SourceCount: 3, DataSource: models.SourceAgent},
		{PoolID: "p1", ObservedAt: at(t, "10:15"), Price: 0.031, SourceCount: 1, DataSource: models.SourceAgent},
	}

	out, filled := fillGaps(points, bucket)

	require.Len(t, out, 4)
	assert.Equal(t, 2, filled)

	assert.Equal(t, at(t, "10:05"), out[1].ObservedAt)
	assert.InDelta(t, 0.032+(0.031-0.032)/3, out[1].Price, 1e-9)
	assert.True(t, out[1].IsInterpolated)
	assert.Equal(t, models.SourceInterpolated, out[1].DataSource)
	assert.Equal(t, 0, out[1].SourceCount)

	assert.Equal(t, at(t, "10:10"), out[2].ObservedAt)
	assert.InDelta(t, 0.032+2*(0.031-0.032)/3, out[2].Price, 1e-9)
}

// A two-point series spanning the whole default consolidation window
// must come out fully interpolated; the 10:00 and 10:15 reports with
// nothing in between yield the 10:05 and 10:10 rows.
func TestFillGaps_DefaultConfigFillsFifteenMinuteGap(t *testing.T) {
	points := []models.ConsolidatedPrice{
		{PoolID: "p1", ObservedAt: at(t, "10:00"), Price: 0.032, SourceCount: 3, DataSource: models.SourceAgent},
		{PoolID: "p1", ObservedAt: at(t, "10:15"), Price: 0.031, SourceCount: 1, DataSource: models.SourceAgent},
	}

	out, filled := fillGaps(points, config.DefaultPricingConfig().BucketSize)

	require.Len(t, out, 4)
	assert.Equal(t, 2, filled)
	assert.Equal(t, at(t, "10:05"), out[1].ObservedAt)
	assert.True(t, out[1].IsInterpolated)
	assert.Equal(t, at(t, "10:10"), out[2].ObservedAt)
	assert.True(t, out[2].IsInterpolated)
}

// Interpolation has no upper bound: any gap with an observed point on
// both sides is filled, however wide.
func TestFillGaps_WideInteriorGapInterpolated(t *testing.T) {
	points := []models.ConsolidatedPrice{
		{PoolID: "p1", ObservedAt: at(t, "10:00"), Price: 0.03},
		{PoolID: "p1", ObservedAt: at(t, "11:00"), Price: 0.04},
	}
	out, filled := fillGaps(points, bucket)
	assert.Len(t, out, 13)
	assert.Equal(t, 11, filled)
}

func TestFillGaps_AdjacentBucketsUntouched(t *testing.T) {
	points := []models.ConsolidatedPrice{
		{PoolID: "p1", ObservedAt: at(t, "10:00"), Price: 0.03},
		{PoolID: "p1", ObservedAt: at(t, "10:05"), Price: 0.031},
	}
	out, filled := fillGaps(points, bucket)
	assert.Len(t, out, 2)
	assert.Equal(t, 0, filled)
}

// Backfill only covers the stretches interpolation cannot: before the
// first observation and after the last. Interior gaps are never
// reported, they belong to interpolation.
func TestUncoveredGaps_EdgesOnly(t *testing.T) {
	windowStart := at(t, "09:00")
	windowEnd := at(t, "12:00")
	points := []models.ConsolidatedPrice{
		{ObservedAt: at(t, "10:00")},
		{ObservedAt: at(t, "10:05")},
		{ObservedAt: at(t, "11:30")},
	}

	gaps := uncoveredGaps(points, windowStart, windowEnd, bucket)

	require.Len(t, gaps, 2)
	assert.Equal(t, timeGap{From: windowStart, To: at(t, "10:00")}, gaps[0])
	assert.Equal(t, timeGap{From: at(t, "11:35"), To: windowEnd}, gaps[1])
}

func TestUncoveredGaps_EmptySeriesIsOneGap(t *testing.T) {
	gaps := uncoveredGaps(nil, at(t, "09:00"), at(t, "12:00"), bucket)
	require.Len(t, gaps, 1)
	assert.Equal(t, at(t, "09:00"), gaps[0].From)
	assert.Equal(t, at(t, "12:00"), gaps[0].To)
}

func TestMergePoints_ObservedWinsCollision(t *testing.T) {
	base := []models.ConsolidatedPrice{
		{ObservedAt: at(t, "10:00"), Price: 0.03, DataSource: models.SourceAgent},
	}
	extra := []models.ConsolidatedPrice{
		{ObservedAt: at(t, "10:00"), Price: 0.99, DataSource: models.SourceBackfill},
		{ObservedAt: at(t, "09:55"), Price: 0.029, DataSource: models.SourceBackfill},
	}

	out := mergePoints(base, extra)

	require.Len(t, out, 2)
	assert.Equal(t, at(t, "09:55"), out[0].ObservedAt)
	assert.Equal(t, 0.03, out[1].Price)
}

func TestCanonicalize_ConfidenceByProvenance(t *testing.T) {
	points := []models.ConsolidatedPrice{
		{PoolID: "p1", ObservedAt: at(t, "10:00"), Price: 0.03, DataSource: models.SourceAgent},
		{PoolID: "p1", ObservedAt: at(t, "10:05"), Price: 0.03, DataSource: models.SourceBackfill},
		{PoolID: "p1", ObservedAt: at(t, "10:10"), Price: 0.03, DataSource: models.SourceInterpolated},
	}

	canonical := canonicalize(points)

	require.Len(t, canonical, 3)
	assert.Equal(t, 1.0, canonical[0].ConfidenceScore)
	assert.Equal(t, 0.8, canonical[1].ConfidenceScore)
	assert.Equal(t, 0.5, canonical[2].ConfidenceScore)
}

func TestCanonicalize_VolatilityIsCoefficientOfVariation(t *testing.T) {
	// A flat series has zero volatility.
	flat := canonicalize([]models.ConsolidatedPrice{
		{ObservedAt: at(t, "10:00"), Price: 0.03},
		{ObservedAt: at(t, "10:05"), Price: 0.03},
		{ObservedAt: at(t, "10:10"), Price: 0.03},
	})
	assert.Equal(t, 0.0, flat[2].VolatilityIndex)

	// A jumpy series scores higher at the end than at the start.
	jumpy := canonicalize([]models.ConsolidatedPrice{
		{ObservedAt: at(t, "10:00"), Price: 0.03},
		{ObservedAt: at(t, "10:05"), Price: 0.06},
		{ObservedAt: at(t, "10:10"), Price: 0.02},
	})
	assert.Equal(t, 0.0, jumpy[0].VolatilityIndex)
	assert.Greater(t, jumpy[2].VolatilityIndex, 0.3)
}

// Scenario: three agents report one bucket, two buckets are missing,
// then a single report closes the window. Consolidation must produce
// exactly one row per bucket, flag the interpolated ones, and carry the
// medians through to the canonical tier.
func TestConsolidationRoundTrip(t *testing.T) {
	snaps := []models.SpotPriceSnapshot{
		snap(1, "p1", at(t, "10:00"), 0.032),
		snap(2, "p1", at(t, "10:00").Add(5*time.Second), 0.033),
		snap(3, "p1", at(t, "10:00").Add(9*time.Second), 0.032),
		snap(4, "p1", at(t, "10:15"), 0.031),
	}

	points, duplicates := bucketMedians(snaps, bucket)
	require.Len(t, points, 2)
	assert.Len(t, duplicates, 2)

	points, filled := fillGaps(points, config.DefaultPricingConfig().BucketSize)
	require.Len(t, points, 4)
	assert.Equal(t, 2, filled)

	seen := make(map[time.Time]int)
	for _, p := range points {
		seen[p.ObservedAt]++
	}
	for ts, n := range seen {
		assert.Equal(t, 1, n, "bucket %s has %d rows", ts, n)
	}

	assert.InDelta(t, 0.032, points[0].Price, 1e-9)
	assert.Equal(t, 3, points[0].SourceCount)
	assert.True(t, points[1].IsInterpolated)
	assert.True(t, points[2].IsInterpolated)
	assert.InDelta(t, 0.031, points[3].Price, 1e-9)

	canonical := canonicalize(points)
	require.Len(t, canonical, 4)
	for i := range points {
		assert.Equal(t, points[i].ObservedAt, canonical[i].ObservedAt)
		assert.Equal(t, points[i].Price, canonical[i].Price)
	}
}
