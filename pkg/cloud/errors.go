package cloud

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"
)

// ErrUnavailable marks provider failures that are the provider's
// problem, not ours. Callers degrade gracefully: backfill skips the
// pool, verification defers to the next sweep.
var ErrUnavailable = errors.New("cloud provider unavailable")

// ErrInstanceNotFound is returned when the provider has no record of
// an instance id.
var ErrInstanceNotFound = errors.New("instance not found")

// transientCodes are EC2 API error codes worth classifying as
// provider unavailability.
var transientCodes = map[string]bool{
	"RequestLimitExceeded":     true,
	"Throttling":               true,
	"ThrottlingException":      true,
	"TooManyRequestsException": true,
	"ServiceUnavailable":       true,
	"InternalError":            true,
	"EC2ThrottledException":    true,
}

// classify wraps provider errors so callers only see the taxonomy, not
// SDK internals. Breaker rejections and throttles collapse into
// ErrUnavailable.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: circuit open: %w", operation, ErrUnavailable)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "InvalidInstanceID.NotFound" {
			return fmt.Errorf("%s: %w", operation, ErrInstanceNotFound)
		}
		if transientCodes[code] || apiErr.ErrorFault() == smithy.FaultServer {
			return fmt.Errorf("%s: %s: %w", operation, code, ErrUnavailable)
		}
		return fmt.Errorf("%s failed: %w", operation, err)
	}
	// Network-level failures have no API error code.
	return fmt.Errorf("%s: %v: %w", operation, err, ErrUnavailable)
}
