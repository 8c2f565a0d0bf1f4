// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"time"
)

// Policy configures exponential backoff.
type Policy struct {
	// MaxRetries bounds the attempts after the first; zero or less retries
	// until the context ends.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// WithDefaults fills unset delays.
func (p Policy) WithDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Do runs fn until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx ends. onRetry may be nil.
func Do(
	ctx context.Context,
	policy Policy,
	retryable func(error) bool,
	onRetry func(attempt int, err error, delay time.Duration),
	fn func(context.Context) error,
) error {
	policy = policy.WithDefaults()

	delay := policy.BaseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if policy.MaxRetries > 0 && attempt >= policy.MaxRetries {
			return err
		}
		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
