// Package pricing implements the three-tier price pipeline: raw agent
// snapshots are staged as-is, a periodic job consolidates them into a
// clean per-minute series, and a canonical tier derives the scores the
// decision engine reads.
package pricing

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/spotplane/spotplane/pkg/models"
)

// Canonical confidence by provenance. Observed points are trusted
// fully, cloud backfill nearly so, interpolation least.
const (
	confidenceAgent        = 1.0
	confidenceBackfill     = 0.8
	confidenceInterpolated = 0.5
)

// volatilityWindow is how many trailing buckets feed the volatility
// index of each canonical point.
const volatilityWindow = 60

// timeGap is a stretch of a pool's series with no observations.
type timeGap struct {
	From time.Time
	To   time.Time
}

// bucketMedians reduces raw snapshots to one representative per time
// bucket. With several observations in a bucket the median wins; the
// rest are reported as duplicates to be flagged, never deleted.
func bucketMedians(snaps []models.SpotPriceSnapshot, bucket time.Duration) ([]models.ConsolidatedPrice, []int64) {
	if len(snaps) == 0 {
		return nil, nil
	}

	byBucket := lo.GroupBy(snaps, func(s models.SpotPriceSnapshot) time.Time {
		return s.ObservedAt.UTC().Truncate(bucket)
	})

	times := lo.Keys(byBucket)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	points := make([]models.ConsolidatedPrice, 0, len(times))
	var duplicates []int64
	for _, t := range times {
		group := byBucket[t]
		median := medianPrice(group)
		points = append(points, models.ConsolidatedPrice{
			PoolID:      group[0].PoolID,
			ObservedAt:  t,
			Price:       median,
			SourceCount: len(group),
			DataSource:  models.SourceAgent,
		})
		if len(group) < 2 {
			continue
		}
		winner := closestTo(group, median)
		for _, s := range group {
			if s.ID != winner {
				duplicates = append(duplicates, s.ID)
			}
		}
	}
	return points, duplicates
}

func medianPrice(group []models.SpotPriceSnapshot) float64 {
	prices := lo.Map(group, func(s models.SpotPriceSnapshot, _ int) float64 { return s.Price })
	sort.Float64s(prices)
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid]
	}
	return (prices[mid-1] + prices[mid]) / 2
}

// closestTo picks the snapshot id whose price sits nearest the median,
// earliest arrival breaking ties.
func closestTo(group []models.SpotPriceSnapshot, median float64) int64 {
	best := group[0].ID
	bestDist := abs(group[0].Price - median)
	for _, s := range group[1:] {
		if d := abs(s.Price - median); d < bestDist {
			best = s.ID
			bestDist = d
		}
	}
	return best
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// fillGaps linearly interpolates every missing bucket between
// consecutive observed points. Gaps with an observed point on each
// side are always interpolated; only the stretches before the first
// and after the last observation are left for backfill. Input must be
// chronological; output is chronological with fills merged in.
func fillGaps(points []models.ConsolidatedPrice, bucket time.Duration) ([]models.ConsolidatedPrice, int) {
	if len(points) < 2 {
		return points, 0
	}

	out := make([]models.ConsolidatedPrice, 0, len(points))
	filled := 0
	for i := 0; i < len(points)-1; i++ {
		cur, next := points[i], points[i+1]
		out = append(out, cur)

		gap := next.ObservedAt.Sub(cur.ObservedAt)
		if gap <= bucket {
			continue
		}
		steps := int(gap / bucket)
		for step := 1; step < steps; step++ {
			frac := float64(step) / float64(steps)
			out = append(out, models.ConsolidatedPrice{
				PoolID:         cur.PoolID,
				ObservedAt:     cur.ObservedAt.Add(time.Duration(step) * bucket),
				Price:          cur.Price + (next.Price-cur.Price)*frac,
				SourceCount:    0,
				IsInterpolated: true,
				DataSource:     models.SourceInterpolated,
			})
			filled++
		}
	}
	out = append(out, points[len(points)-1])
	return out, filled
}

// uncoveredGaps finds the stretches interpolation cannot reach: the
// run-up to the first observation and the tail after the last one, or
// the whole window when a pool has no local points at all. These are
// the backfill targets.
func uncoveredGaps(points []models.ConsolidatedPrice, windowStart, windowEnd time.Time, bucket time.Duration) []timeGap {
	var gaps []timeGap
	add := func(from, to time.Time) {
		if to.Sub(from) >= bucket {
			gaps = append(gaps, timeGap{From: from, To: to})
		}
	}

	if len(points) == 0 {
		add(windowStart, windowEnd)
		return gaps
	}
	add(windowStart, points[0].ObservedAt)
	add(points[len(points)-1].ObservedAt.Add(bucket), windowEnd)
	return gaps
}

// mergePoints folds backfill points into the series, observed points
// winning any bucket collision, and restores chronological order.
func mergePoints(base, extra []models.ConsolidatedPrice) []models.ConsolidatedPrice {
	seen := make(map[time.Time]bool, len(base))
	for _, p := range base {
		seen[p.ObservedAt] = true
	}
	out := base
	for _, p := range extra {
		if !seen[p.ObservedAt] {
			seen[p.ObservedAt] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out
}

// canonicalize derives the query tier from a consolidated series:
// confidence from provenance, volatility as the coefficient of
// variation over the trailing window.
func canonicalize(points []models.ConsolidatedPrice) []models.CanonicalPrice {
	out := make([]models.CanonicalPrice, len(points))
	for i, p := range points {
		confidence := confidenceAgent
		switch p.DataSource {
		case models.SourceInterpolated:
			confidence = confidenceInterpolated
		case models.SourceBackfill:
			confidence = confidenceBackfill
		}
		start := i - volatilityWindow + 1
		if start < 0 {
			start = 0
		}
		out[i] = models.CanonicalPrice{
			PoolID:          p.PoolID,
			ObservedAt:      p.ObservedAt,
			Price:           p.Price,
			ConfidenceScore: confidence,
			VolatilityIndex: coefficientOfVariation(points[start : i+1]),
		}
	}
	return out
}

func coefficientOfVariation(points []models.ConsolidatedPrice) float64 {
	if len(points) < 2 {
		return 0
	}
	var sum float64
	for _, p := range points {
		sum += p.Price
	}
	mean := sum / float64(len(points))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, p := range points {
		d := p.Price - mean
		sq += d * d
	}
	variance := sq / float64(len(points)-1)
	return math.Sqrt(variance) / mean
}
