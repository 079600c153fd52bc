package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/provider"
	"conveyor/internal/store"
)

// Class buckets an error for retry purposes.
type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassPermanent
)

// Classify maps an error to its retry class. Unknown errors are retried like
// transient ones up to the attempt cap.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, provider.ErrRejected),
		errors.Is(err, store.ErrValidation),
		errors.Is(err, store.ErrNotFound):
		return ClassPermanent
	case errors.Is(err, provider.ErrUnavailable),
		errors.Is(err, provider.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// Retryable reports whether an error is worth another attempt.
func Retryable(err error) bool {
	return Classify(err) != ClassPermanent
}

// Policy holds the bounded exponential backoff parameters.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// FromConfig builds the policy from application configuration.
func FromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
	}
}

// Exhausted reports whether the attempt counter has reached the cap.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns the jittered backoff before the given attempt (1-based).
// Full jitter over an exponentially growing window avoids thundering herds.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	window := base << uint(attempt-1)
	if p.MaxDelay > 0 && window > p.MaxDelay {
		window = p.MaxDelay
	}
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(window))) + 1
}

// Do runs op with bounded retries, sleeping the jittered backoff between
// attempts. Permanent errors abort immediately; the last error is returned
// once attempts are exhausted.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, label string, op func(ctx context.Context) error) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) == ClassPermanent {
			return lastErr
		}
		if p.Exhausted(attempt) {
			return lastErr
		}
		delay := p.Delay(attempt)
		logger.Warn("operation failed, backing off",
			logging.String("operation", label),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(lastErr),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
