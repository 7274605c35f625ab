// Package retry holds the pacing and retry primitives used by the sync
// orchestrator. Delays are always injected so tests can run without sleeping.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Pacer maps an attempt number (starting at 1) to the delay to wait before it.
type Pacer func(attempt int) time.Duration

// Fixed returns a Pacer that always waits d.
func Fixed(d time.Duration) Pacer {
	return func(int) time.Duration { return d }
}

// None returns a Pacer that never waits.
func None() Pacer {
	return Fixed(0)
}

// Delay returns the delay for attempt, treating a nil Pacer as no delay.
func (p Pacer) Delay(attempt int) time.Duration {
	if p == nil {
		return 0
	}
	if d := p(attempt); d > 0 {
		return d
	}
	return 0
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy configures Do.
type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	// Delay is consulted before every retry with the number of the attempt
	// about to run (2, 3, ...).
	Delay Pacer
	// OnRetry, if set, is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is cancelled. The error of the last attempt is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if serr := Sleep(ctx, p.Delay.Delay(attempt)); serr != nil {
				return fmt.Errorf("retry interrupted after %d attempts: %w", attempt-1, err)
			}
		}
		if err = op(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt < attempts && p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}
