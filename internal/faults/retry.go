package faults

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds a retry loop.
type RetryConfig struct {
	MaxAttempts uint64        // total tries including the first (default 3)
	BaseDelay   time.Duration // initial backoff interval (default 1s)
	MaxDelay    time.Duration // backoff ceiling (default 30s)
}

// DefaultRetryConfig returns the policy used for store and collaborator calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Retry runs fn with exponential backoff and jitter until it succeeds, returns
// a non-retryable error, exhausts the attempt budget, or ctx is cancelled.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BaseDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, cfg.MaxAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
