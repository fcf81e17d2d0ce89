// Package retry provides the exponential backoff policies used for connecting
// to infrastructure and for writing to the external registries.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic. The operation runs once and is
// then retried up to MaxRetries times.
type Config struct {
	MaxRetries    uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// PostgreSQLDefaults returns sensible defaults for PostgreSQL operations
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxRetries:    10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// EtcdDefaults returns sensible defaults for etcd operations
func EtcdDefaults() *Config {
	return &Config{
		MaxRetries:    15, // etcd can take longer to recover
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      1 * time.Minute,
		JitterPercent: 15,
	}
}

// SyncDefaults returns the policy for counterpart registry writes: three
// retries spaced 30s, 60s and 120s apart.
func SyncDefaults() *Config {
	return &Config{
		MaxRetries: 3,
		BaseDelay:  30 * time.Second,
		MaxDelay:   2 * time.Minute,
	}
}

// WithOperation performs a general operation with retry logic
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	return WithAttempts(ctx, config, func(context.Context, uint64) error {
		return operation()
	}, operationName)
}

// WithAttempts runs operation with the attempt number (starting at 1) until it
// succeeds, returns a Permanent error, or the retries are exhausted. The last
// error is returned unwrapped.
func WithAttempts(ctx context.Context, config *Config, operation func(ctx context.Context, attempt uint64) error, operationName string) error {
	backoff := config.CreateBackoff()
	var attempt uint64
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := operation(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		logrus.WithError(err).
			WithField("operation", operationName).
			WithField("attempt", attempt).
			Warn("Operation failed, retrying...")
		return retry.RetryableError(err)
	})
}

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

// CreateBackoff creates a reusable backoff strategy from config
func (c *Config) CreateBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxRetries, backoff)
	backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	if c.JitterPercent > 0 {
		backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	}
	return backoff
}
