package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sony/gobreaker"

	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/metrics"
)

// EC2Provider implements Provider against the EC2 API. All calls go
// through a circuit breaker so a provider outage fails fast instead of
// tying up worker loops in retries.
type EC2Provider struct {
	api     EC2API
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewEC2Provider builds a Provider from ambient AWS credentials.
func NewEC2Provider(ctx context.Context, cfg *config.CloudConfig) (*EC2Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return NewEC2ProviderWithAPI(ec2.NewFromConfig(awsCfg), cfg), nil
}

// NewEC2ProviderWithAPI wires an explicit API client. Tests inject a
// fake here.
func NewEC2ProviderWithAPI(api EC2API, cfg *config.CloudConfig) *EC2Provider {
	threshold := uint32(cfg.BreakerFailureThreshold)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ec2",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Cloud provider breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &EC2Provider{api: api, breaker: breaker, timeout: cfg.RequestTimeout}
}

func (p *EC2Provider) SpotPriceHistory(ctx context.Context, instanceType string, start, end time.Time) ([]PricePoint, error) {
	out, err := p.execute(ctx, "DescribeSpotPriceHistory", func(callCtx context.Context) (any, error) {
		var points []PricePoint
		paginator := ec2.NewDescribeSpotPriceHistoryPaginator(p.api, &ec2.DescribeSpotPriceHistoryInput{
			InstanceTypes: []ec2types.InstanceType{ec2types.InstanceType(instanceType)},
			ProductDescriptions: []string{
				"Linux/UNIX",
				"Linux/UNIX (Amazon VPC)",
			},
			StartTime: aws.Time(start),
			EndTime:   aws.Time(end),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(callCtx)
			if err != nil {
				return nil, err
			}
			for _, sph := range page.SpotPriceHistory {
				price, err := strconv.ParseFloat(aws.ToString(sph.SpotPrice), 64)
				if err != nil || sph.Timestamp == nil {
					slog.Debug("Skipping unparsable price record",
						"instance_type", instanceType, "error", err)
					continue
				}
				points = append(points, PricePoint{
					InstanceType:     string(sph.InstanceType),
					AvailabilityZone: aws.ToString(sph.AvailabilityZone),
					Price:            price,
					ObservedAt:       *sph.Timestamp,
				})
			}
		}
		return points, nil
	})
	if err != nil {
		return nil, err
	}
	points := out.([]PricePoint)
	// History pages arrive newest first.
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

func (p *EC2Provider) DescribeInstance(ctx context.Context, instanceID string) (*InstanceState, error) {
	out, err := p.execute(ctx, "DescribeInstances", func(callCtx context.Context) (any, error) {
		return p.api.DescribeInstances(callCtx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
	})
	if err != nil {
		return nil, err
	}
	resp := out.(*ec2.DescribeInstancesOutput)
	for _, res := range resp.Reservations {
		for _, inst := range res.Instances {
			if aws.ToString(inst.InstanceId) != instanceID {
				continue
			}
			state := &InstanceState{InstanceID: instanceID}
			if inst.State != nil {
				state.State = string(inst.State.Name)
			}
			if inst.LaunchTime != nil {
				state.LaunchedAt = inst.LaunchTime
			}
			return state, nil
		}
	}
	return nil, fmt.Errorf("DescribeInstances: %w", ErrInstanceNotFound)
}

func (p *EC2Provider) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := p.execute(ctx, "TerminateInstances", func(callCtx context.Context) (any, error) {
		return p.api.TerminateInstances(callCtx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{instanceID},
		})
	})
	return err
}

// execute runs one API call through the breaker with the configured
// timeout and maps failures onto the package error taxonomy.
func (p *EC2Provider) execute(ctx context.Context, operation string, call func(context.Context) (any, error)) (any, error) {
	out, err := p.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return call(callCtx)
	})
	if err != nil {
		metrics.CloudAPIErrors.WithLabelValues(operation).Inc()
		return nil, classify(operation, err)
	}
	return out, nil
}
