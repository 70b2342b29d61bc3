// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy configures a Retryer.
type Policy struct {
	MaxAttempts  int           // total attempts including the first; < 1 means 1
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on any single delay
	Multiplier   float64       // growth factor between delays
	Jitter       bool          // spread delays by ±25%
	OnRetry      func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy is three attempts starting at 200ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer retries failing calls according to a Policy.
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// New creates a Retryer, filling zero policy fields with defaults.
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 200 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	return &Retryer{policy: policy, logger: logger}
}

// Policy returns the effective policy.
func (r *Retryer) Policy() Policy { return r.policy }

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx is done. Cancellation while waiting returns ctx.Err() wrapped
// together with the last failure.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.delay(attempt - 1)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry aborted after %d attempts: %w", attempt-1, errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Debug("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return &ExhaustedError{Attempts: r.policy.MaxAttempts, Err: lastErr}
}

// delay returns the wait before retry n (n >= 1).
func (r *Retryer) delay(n int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(n-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		d += (rand.Float64()*2 - 1) * d * 0.25
	}
	return time.Duration(d)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
