// Package retry runs an operation until it succeeds, fails permanently, or
// exhausts an attempt/time budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted reports that the budget ran out while the operation was
// still returning retryable errors.
var ErrExhausted = errors.New("retry: budget exhausted")

type Policy struct {
	// MaxAttempts bounds the total number of calls. Values below 1 mean 1.
	MaxAttempts int
	// Interval is the wait before the second attempt.
	Interval time.Duration
	// MaxInterval caps the wait when Multiplier grows it. Zero means Interval.
	MaxInterval time.Duration
	// Multiplier scales the wait after each attempt. Values below 1 mean a
	// constant interval.
	Multiplier float64
	// MaxElapsed stops retrying once this much time has passed. Zero disables it.
	MaxElapsed time.Duration
}

// Permanent marks err as non-retryable; Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Interval
	eb.RandomizationFactor = 0
	eb.Multiplier = p.Multiplier
	if eb.Multiplier < 1 {
		eb.Multiplier = 1
	}
	eb.MaxInterval = p.MaxInterval
	if eb.MaxInterval < p.Interval {
		eb.MaxInterval = p.Interval
	}
	eb.MaxElapsedTime = p.MaxElapsed

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do calls op until it returns nil or a Permanent error, the budget is spent,
// or ctx is done. On exhaustion the returned error wraps ErrExhausted; on
// cancellation it is ctx.Err().
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	var (
		attempts  int
		permanent bool
	)
	err := backoff.Retry(func() error {
		attempts++
		err := op(ctx)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return err
	}, p.backOff(ctx))
	switch {
	case err == nil, permanent:
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempts, err)
	}
}
