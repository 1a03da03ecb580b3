package blobstore

import (
	"context"
	"errors"
	"time"

	backoff "github.com/lestrrat-go/backoff/v2"
)

func isRetryable(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr) && ioErr.IsRetryAble()
}

// retryIO runs fn until it succeeds, fails with an error that is not a
// retryable *IOError, or policy gives up. onFailure sees every retryable
// failure.
func retryIO(ctx context.Context, policy backoff.Policy, fn func() error, onFailure func(attempt int, err error)) error {
	// the controller runs its own goroutine until its context ends
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		err      error
		attempts int
	)
	b := policy.Start(ctx)
	for backoff.Continue(b) {
		attempts++
		if err = fn(); err == nil || !isRetryable(err) {
			return err
		}
		if onFailure != nil {
			onFailure(attempts, err)
		}
	}
	if attempts == 0 {
		return ctx.Err()
	}
	return err
}

func ioBackoff() backoff.Policy {
	return backoff.Exponential(
		backoff.WithMinInterval(100*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithJitterFactor(0.05),
		backoff.WithMaxRetries(5),
	)
}
