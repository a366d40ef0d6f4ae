// Package retry runs an operation with bounded attempts and exponential
// backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/tphakala/imagewall/internal/errors"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 5 * time.Second
)

// Handler retries an operation up to MaxAttempts times. The zero value is
// usable and applies the defaults.
type Handler struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry is called before sleeping ahead of attempt number `attempt`
	// (1-based, so the first retry reports 2).
	OnRetry func(attempt int, delay time.Duration, err error)
	// OnFinalFailure is called once with the last error when every attempt
	// failed.
	OnFinalFailure func(err error)
}

// Delay returns the wait before the retry following the given 0-based
// failed attempt: min(base * 2^attempt, max).
func (h *Handler) Delay(attempt int) time.Duration {
	base, limit := h.BaseDelay, h.MaxDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if limit <= 0 {
		limit = DefaultMaxDelay
	}
	d := base
	for range attempt {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

// Do runs op until it succeeds, attempts run out or ctx is done. op receives
// the 0-based attempt number. The returned error wraps the last failure.
func (h *Handler) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := h.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return errors.New(err).
				Category(errors.CategoryCancellation).
				Context("attempt", attempt).
				Build()
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}

		delay := h.Delay(attempt)
		if h.OnRetry != nil {
			h.OnRetry(attempt+2, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.New(fmt.Errorf("retry aborted: %w", ctx.Err())).
				Category(errors.CategoryCancellation).
				Context("attempt", attempt+1).
				Build()
		case <-timer.C:
		}
	}

	if h.OnFinalFailure != nil {
		h.OnFinalFailure(lastErr)
	}
	return errors.New(fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)).
		Category(errors.CategoryRetry).
		Context("attempts", attempts).
		Build()
}
