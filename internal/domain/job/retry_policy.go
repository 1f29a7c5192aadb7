package job

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrInvalidRetryPolicy indicates a policy with no attempts or a non-positive base delay.
var ErrInvalidRetryPolicy = errors.New("retry policy requires attempts >= 1 and a positive base delay")

// RetryPolicy is a bounded exponential backoff.
type RetryPolicy struct {
	maxAttempts int
	base        time.Duration
	capDelay    time.Duration
}

// NewRetryPolicy constructs a RetryPolicy. capDelay below base is raised to base.
func NewRetryPolicy(maxAttempts int, base, capDelay time.Duration) (*RetryPolicy, error) {
	if maxAttempts < 1 || base <= 0 {
		return nil, ErrInvalidRetryPolicy
	}
	if capDelay < base {
		capDelay = base
	}
	return &RetryPolicy{maxAttempts: maxAttempts, base: base, capDelay: capDelay}, nil
}

// MaxAttempts returns the attempt budget.
func (p *RetryPolicy) MaxAttempts() int { return p.maxAttempts }

// Delay returns the un-jittered wait before attempt n+1 (n starting at 1).
func (p *RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.capDelay || d <= 0 {
			return p.capDelay
		}
	}
	return d
}

// RetryNotify is called after each failed attempt that will be retried.
type RetryNotify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, returns an error retryable rejects, the
// attempt budget is spent, or ctx is done. It returns the number of attempts
// made and the last error.
func (p *RetryPolicy) Do(
	ctx context.Context,
	op func(ctx context.Context, attempt int) error,
	retryable func(error) bool,
	notify RetryNotify,
) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.base
	eb.MaxInterval = p.capDelay
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(p.maxAttempts-1))
	b = backoff.WithContext(b, ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx, attempts)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempts, err, wait)
		}
	})
	return attempts, err
}
