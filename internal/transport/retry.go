package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds local retries of transport I/O.
type RetryPolicy struct {
	Attempts        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times starting at 100ms.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:        3,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     time.Second,
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs fn until it succeeds, returns a Permanent error, the attempts
// are exhausted or ctx is done.
func (p RetryPolicy) Retry(ctx context.Context, fn func() error) error {
	if p.Attempts == 0 {
		p.Attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.Attempts))
	return err
}
