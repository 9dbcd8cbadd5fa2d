package cloud

import (
	"context"
	"time"
)

// PricePoint is one spot price observation from the provider's history
// API.
type PricePoint struct {
	InstanceType     string
	AvailabilityZone string
	Price            float64
	ObservedAt       time.Time
}

// InstanceState is the provider-side view of one instance.
type InstanceState struct {
	InstanceID string
	State      string
	LaunchedAt *time.Time
}

// Instance states as reported by the provider.
const (
	StatePending      = "pending"
	StateRunning      = "running"
	StateShuttingDown = "shutting-down"
	StateTerminated   = "terminated"
	StateStopped      = "stopped"
)

// Provider is the cloud integration surface the control plane depends
// on. The real implementation talks to EC2; tests use a fake. All
// methods return ErrUnavailable for provider-side failures.
type Provider interface {
	// SpotPriceHistory returns price observations for one instance
	// type across availability zones in the window, oldest first.
	SpotPriceHistory(ctx context.Context, instanceType string, start, end time.Time) ([]PricePoint, error)

	// DescribeInstance reports the current state of one instance.
	// Returns ErrInstanceNotFound for unknown ids.
	DescribeInstance(ctx context.Context, instanceID string) (*InstanceState, error)

	// TerminateInstance requests termination. Terminating an already
	// terminated instance is not an error.
	TerminateInstance(ctx context.Context, instanceID string) error
}
