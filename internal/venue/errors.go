package venue

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
)

// ErrConnectivity marks a venue as unreachable. Adapters wrap transport
// failures with it so callers can distinguish "retry later" from a
// rejected action.
var ErrConnectivity = errors.New("venue unreachable")

// ErrOrderRejected is returned when the venue refused the order itself;
// retrying the identical request will not help.
var ErrOrderRejected = errors.New("order rejected by venue")

func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// Retry runs fn with bounded exponential backoff, giving up after
// maxAttempts or when the error is not a connectivity failure.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	boff := &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsConnectivity(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(boff.Duration()):
		}
	}
	return err
}
