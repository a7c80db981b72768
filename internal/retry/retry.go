// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when every attempt failed with a retryable error.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy configures Do.
type Policy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	// Jitter is the randomization factor applied to each wait (0 disables).
	Jitter float64
	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Default returns three attempts starting at 200ms.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		Initial:     200 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2,
	}
}

// Outcome describes how an operation went.
type Outcome struct {
	Attempts int
	Elapsed  time.Duration
	// Err is the error returned by the last attempt.
	Err error
}

// OK reports whether the last attempt succeeded.
func (o Outcome) OK() bool { return o.Attempts > 0 && o.Err == nil }

func (p Policy) normalized() Policy {
	d := Default()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = func(error) bool { return true }
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Max
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
}

// Do runs op until it succeeds, returns a non-retryable error, the context
// ends, or the policy runs out of attempts. In the last case the returned
// error wraps both ErrExhausted and the final attempt's error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) (Outcome, error) {
	p = p.normalized()
	start := time.Now()

	var out Outcome
	stopped := false
	operation := func() error {
		if err := ctx.Err(); err != nil {
			stopped = true
			return backoff.Permanent(err)
		}
		out.Attempts++
		err := op(ctx)
		out.Err = err
		if err != nil && !p.Retryable(err) {
			stopped = true
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = func(err error, wait time.Duration) {
			p.OnRetry(out.Attempts, err, wait)
		}
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	out.Elapsed = time.Since(start)

	switch {
	case err == nil:
		return out, nil
	case stopped:
		return out, err
	case ctx.Err() != nil:
		return out, ctx.Err()
	}
	return out, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, out.Attempts, err)
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, Outcome, error) {
	var result T
	out, err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, out, err
}
