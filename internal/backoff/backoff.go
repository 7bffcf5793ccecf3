// Package backoff implements the exponential-backoff-with-jitter supervisor
// spec.md §4.4 requires for TaskStart/TaskReplace child workers: restart on
// any non-fatal failure, escalate on fatal ones. No library in the
// reference pack provides this shape (the teacher's own retry loops are
// fixed-interval tickers), so this is the one hand-rolled, stdlib-only
// piece of the core — documented here rather than silently reached for.
package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Fatal wraps an error to mark it as non-retryable; Supervise returns it
// immediately instead of restarting.
type Fatal struct {
	Err error
}

func (f Fatal) Error() string { return f.Err.Error() }
func (f Fatal) Unwrap() error { return f.Err }

// Policy configures the supervisor's restart schedule.
type Policy struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay to randomize, e.g. 0.2 for 20%
}

// DefaultPolicy matches spec.md §4.4: min 5s, max 1min, 20% jitter.
var DefaultPolicy = Policy{Min: 5 * time.Second, Max: time.Minute, Jitter: 0.2}

// Supervise runs fn repeatedly until it succeeds (returns nil), the
// context is cancelled, or fn returns a Fatal error. Between attempts it
// sleeps for an exponentially growing, jittered delay bounded by
// policy.Max.
func Supervise(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	delay := policy.Min
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var fatal Fatal
		if errors.As(err, &fatal) {
			return fatal
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sleep := jittered(delay, policy.Jitter)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > policy.Max {
			delay = policy.Max
		}
	}
}

func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	span := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * span
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}
