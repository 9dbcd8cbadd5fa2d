package cloud

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// FakeEC2 is an in-memory EC2API for tests. Outputs and errors are set
// per operation; calls are recorded for assertions.
type FakeEC2 struct {
	mu sync.Mutex

	SpotPriceHistoryOutput *ec2.DescribeSpotPriceHistoryOutput
	SpotPriceHistoryErr    error
	DescribeOutput         *ec2.DescribeInstancesOutput
	DescribeErr            error
	TerminateOutput        *ec2.TerminateInstancesOutput
	TerminateErr           error

	SpotPriceHistoryCalls []*ec2.DescribeSpotPriceHistoryInput
	DescribeCalls         []*ec2.DescribeInstancesInput
	TerminateCalls        []*ec2.TerminateInstancesInput
}

var _ EC2API = (*FakeEC2)(nil)

func (f *FakeEC2) DescribeSpotPriceHistory(_ context.Context, in *ec2.DescribeSpotPriceHistoryInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SpotPriceHistoryCalls = append(f.SpotPriceHistoryCalls, in)
	if f.SpotPriceHistoryErr != nil {
		return nil, f.SpotPriceHistoryErr
	}
	if f.SpotPriceHistoryOutput != nil {
		return f.SpotPriceHistoryOutput, nil
	}
	return &ec2.DescribeSpotPriceHistoryOutput{}, nil
}

func (f *FakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DescribeCalls = append(f.DescribeCalls, in)
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	if f.DescribeOutput != nil {
		return f.DescribeOutput, nil
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (f *FakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TerminateCalls = append(f.TerminateCalls, in)
	if f.TerminateErr != nil {
		return nil, f.TerminateErr
	}
	if f.TerminateOutput != nil {
		return f.TerminateOutput, nil
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

// Reset clears recorded calls and configured responses.
func (f *FakeEC2) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SpotPriceHistoryOutput = nil
	f.SpotPriceHistoryErr = nil
	f.DescribeOutput = nil
	f.DescribeErr = nil
	f.TerminateOutput = nil
	f.TerminateErr = nil
	f.SpotPriceHistoryCalls = nil
	f.DescribeCalls = nil
	f.TerminateCalls = nil
}

// FakeProvider is an in-memory Provider for service-level tests that
// don't want to go through the EC2 wire types.
type FakeProvider struct {
	mu sync.Mutex

	History      []PricePoint
	HistoryErr   error
	Instances    map[string]*InstanceState
	DescribeErr  error
	TerminateErr error

	Terminated []string
}

var _ Provider = (*FakeProvider)(nil)

func (f *FakeProvider) SpotPriceHistory(_ context.Context, instanceType string, start, end time.Time) ([]PricePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	var out []PricePoint
	for _, p := range f.History {
		if p.InstanceType == instanceType && !p.ObservedAt.Before(start) && !p.ObservedAt.After(end) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *FakeProvider) DescribeInstance(_ context.Context, instanceID string) (*InstanceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	if state, ok := f.Instances[instanceID]; ok {
		return state, nil
	}
	return nil, ErrInstanceNotFound
}

func (f *FakeProvider) TerminateInstance(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TerminateErr != nil {
		return f.TerminateErr
	}
	f.Terminated = append(f.Terminated, instanceID)
	return nil
}
