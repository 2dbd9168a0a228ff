package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrAborted marks a retry loop stopped by a failed pre-attempt validation
// rather than by the operation itself.
var ErrAborted = errors.New("retry aborted by validation")

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// Policy bounds a retried operation. Delays between attempts grow
// geometrically: BaseDelay, BaseDelay*Multiplier, and so on.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64

	// ValidateBeforeRetry, when set, runs immediately before every attempt,
	// including the first. The world may have changed while we were backing
	// off; an error here aborts the whole loop with ErrAborted.
	ValidateBeforeRetry func(ctx context.Context) error

	// RetryableError, when set, limits which failures are retried. A
	// non-retryable error is returned as-is. Default: retry everything.
	RetryableError func(err error) bool
}

// DefaultPolicy matches the submission budget used across the coordinators.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
	}
}

// Do runs op under the policy. It returns nil on the first success, the
// validation error wrapped in ErrAborted if a pre-attempt check fails, the
// first non-retryable error, or the last error once attempts are exhausted.
func (p Policy) Do(ctx context.Context, clock Clock, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.ValidateBeforeRetry != nil {
			if err := p.ValidateBeforeRetry(ctx); err != nil {
				return fmt.Errorf("%w: %w", ErrAborted, err)
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.RetryableError != nil && !p.RetryableError(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		if err := sleep(ctx, clock, delay); err != nil {
			return err
		}
		if p.Multiplier > 0 {
			delay = time.Duration(float64(delay) * p.Multiplier)
		}
	}

	return fmt.Errorf("%d attempts exhausted: %w", attempts, lastErr)
}

// Aborted reports whether err came from a failed pre-attempt validation.
func Aborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := clock.NewTimer(d)
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		stopAndDrainTimer(timer)
		return ctx.Err()
	}
}

// stopAndDrainTimer safely stops a timer and drains its channel so an
// already-fired timer cannot leak a buffered tick.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
