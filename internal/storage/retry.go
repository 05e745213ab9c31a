package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the retries a network backend performs before giving
// up with ErrBackend.
type RetryPolicy struct {
	Attempts        int           `yaml:"attempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// DefaultRetryPolicy makes three attempts with increasing delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:        3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	expo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		expo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		expo.MaxInterval = p.MaxInterval
	}
	expo.MaxElapsedTime = 0
	expo.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)
}

// permanent marks an error that must not be retried.
func permanent(err error) error {
	return backoff.Permanent(err)
}

// retry runs op under the policy. Errors wrapped with permanent are returned
// as they are; transient errors that exhaust the policy come back wrapped in
// ErrBackend.
func (p RetryPolicy) retry(ctx context.Context, logger *slog.Logger, name string, op func() error) error {
	attempt := 0
	var lastPermanent bool

	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			lastPermanent = true
			return err
		}

		lastPermanent = false
		logger.Debug("Storage operation failed", "op", name, "attempt", attempt, "err", err)
		return err
	}, p.backOff(ctx))

	if err == nil || lastPermanent {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrBackend, name, attempt, err)
}
