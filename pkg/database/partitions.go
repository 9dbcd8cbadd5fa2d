package database

import (
	"context"
	"fmt"
	"time"
)

// Tables range-partitioned on created_at. Each has a DEFAULT partition
// so inserts never fail when the maintenance worker lags; monthly
// partitions exist so old data can be dropped in O(1).
var partitionedTables = []string{
	"spot_price_snapshots",
	"system_events",
}

// PartitionName returns the child table name for a month, e.g.
// spot_price_snapshots_y2026m08.
func PartitionName(table string, month time.Time) string {
	return fmt.Sprintf("%s_y%04dm%02d", table, month.Year(), int(month.Month()))
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EnsureMonthlyPartitions creates partitions covering `months` months
// starting at the month containing from. Existing partitions are left
// alone.
func (c *Client) EnsureMonthlyPartitions(ctx context.Context, from time.Time, months int) error {
	start := monthStart(from.UTC())
	for i := 0; i < months; i++ {
		lo := start.AddDate(0, i, 0)
		hi := lo.AddDate(0, 1, 0)
		for _, table := range partitionedTables {
			stmt := fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
				PartitionName(table, lo), table,
				lo.Format("2006-01-02"), hi.Format("2006-01-02"),
			)
			if _, err := c.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create partition %s: %w", PartitionName(table, lo), err)
			}
		}
	}
	return nil
}

// DropPartitionsBefore detaches and drops every monthly partition whose
// entire range falls before the cutoff. The DEFAULT partitions are never
// touched. Returns the names of dropped partitions.
func (c *Client) DropPartitionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var dropped []string
	limit := monthStart(cutoff.UTC())
	for _, table := range partitionedTables {
		var names []string
		err := c.SelectContext(ctx, &names, `
			SELECT c.relname
			FROM pg_inherits i
			JOIN pg_class c ON c.oid = i.inhrelid
			JOIN pg_class p ON p.oid = i.inhparent
			WHERE p.relname = $1 AND c.relname ~ ('^' || $1 || '_y[0-9]{4}m[0-9]{2}$')
			ORDER BY c.relname`, table)
		if err != nil {
			return dropped, fmt.Errorf("failed to list partitions of %s: %w", table, err)
		}
		for _, name := range names {
			var year, month int
			if _, err := fmt.Sscanf(name[len(table):], "_y%04dm%02d", &year, &month); err != nil {
				continue
			}
			partEnd := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
			if !partEnd.After(limit) {
				if _, err := c.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
					return dropped, fmt.Errorf("failed to drop partition %s: %w", name, err)
				}
				dropped = append(dropped, name)
			}
		}
	}
	return dropped, nil
}
