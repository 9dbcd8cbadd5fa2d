package models

import (
	"fmt"
	"time"
)

// Pool identifies a spot capacity pool: one (instance type, region,
// availability zone) triple. The id is the deterministic natural key
// produced by PoolKey, so agents can name pools without a lookup round
// trip. Prices are tracked per pool and boot statistics feed emergency
// pool selection.
type Pool struct {
	ID               string     `db:"id" json:"id"`
	InstanceType     string     `db:"instance_type" json:"instanceType"`
	Region           string     `db:"region" json:"region"`
	AvailabilityZone string     `db:"availability_zone" json:"availabilityZone"`
	BootSamples      int        `db:"boot_samples" json:"bootSamples"`
	BootSecondsMean  float64    `db:"boot_seconds_mean" json:"bootSecondsMean"`
	LastBootAt       *time.Time `db:"last_boot_at" json:"lastBootAt,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
}

// PoolKey builds the canonical pool id for a triple.
func PoolKey(instanceType, region, az string) string {
	return fmt.Sprintf("%s/%s/%s", instanceType, region, az)
}

// BootStat is one observed launch-to-ready duration, recorded whenever a
// replica is promoted. Emergency pool selection ranks pools by mean boot
// time over these rows, requiring at least three samples.
type BootStat struct {
	ID          int64     `db:"id" json:"id"`
	PoolID      string    `db:"pool_id" json:"poolId"`
	InstanceID  string    `db:"instance_id" json:"instanceId"`
	BootSeconds float64   `db:"boot_seconds" json:"bootSeconds"`
	RecordedAt  time.Time `db:"recorded_at" json:"recordedAt"`
}
