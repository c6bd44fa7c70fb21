package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 2 * time.Second
	defaultMaxDelay     = 8 * time.Second
	defaultMultiplier   = 2.0
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry returns the delay before the retry that follows the given
	// zero-based failed attempt
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry time using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy runs an operation up to MaxAttempts times, sleeping between
// failures according to Strategy
type RetryPolicy struct {
	MaxAttempts int
	Strategy    RetryStrategy
	Sleep       SleepFunc
}

// DefaultRetryPolicy returns 3 attempts with 2s then 4s between them
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		Strategy: &ExponentialBackoff{
			InitialDelay: defaultInitialDelay,
			MaxDelay:     defaultMaxDelay,
			Multiplier:   defaultMultiplier,
		},
		Sleep: sleepContext,
	}
}

// permanent is implemented by errors that will not succeed on retry
type permanent interface {
	Permanent() bool
}

// IsPermanent reports whether err, or an error it wraps, is marked permanent
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// Do runs fn until it succeeds, returns a permanent error, or the attempts
// are exhausted. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if IsPermanent(err) {
			logger.Warn("Permanent failure, not retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			return attempt + 1, err
		}
		if attempt+1 == maxAttempts {
			break
		}

		delay := p.Strategy.NextRetry(attempt)
		logger.Warn("Attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := sleep(ctx, delay); err != nil {
			return attempt + 1, fmt.Errorf("retry interrupted: %w", err)
		}
	}

	return maxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, maxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
