package chunked

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultRetryAttempts = 5
	defaultRetryDelay    = time.Second
)

// withRetry runs fn up to attempts times, sleeping delay between tries.
// Context cancellation and integrity errors stop the loop immediately:
// corrupt data is a verdict, not a transient condition.
func withRetry[T any](ctx context.Context, log *logrus.Logger, op string, attempts int, delay time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		var integrity *IntegrityError
		if errors.As(err, &integrity) {
			return zero, err
		}

		lastErr = err
		if attempt < attempts {
			log.WithError(err).Warnf("%s failed, retry %d/%d", op, attempt, attempts-1)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
