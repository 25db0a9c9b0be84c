// Package resilience provides retry primitives for outbound connections.
//
// The central helper is [Retry], a bounded exponential-backoff loop used when
// opening AI provider sessions and reconnecting the telephony event feed. It
// is context-aware: cancellation aborts both the attempt in flight (via the
// context handed to the operation) and any backoff sleep.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy holds tuning knobs for [Retry].
type RetryPolicy struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt. Default: 250ms.
	BaseDelay time.Duration

	// Multiplier scales the delay after each failure. Default: 2.
	Multiplier float64

	// MaxDelay caps the per-attempt backoff. Default: 5s.
	MaxDelay time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// Permanent wraps err to tell [Retry] that further attempts are pointless.
// The retry loop stops immediately and returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Retry runs fn up to p.MaxAttempts times with exponential backoff between
// failures. It returns nil on the first success. It stops early when ctx is
// done or when fn returns an error wrapped with [Permanent]; in both cases
// the last attempt's error is wrapped in the result.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	delay := p.BaseDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return retryResult(p, lastErr, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return fmt.Errorf("resilience: %s: %w", p.Name, perm.err)
		}

		if attempt == p.MaxAttempts {
			break
		}

		slog.Warn("retrying after failure",
			"name", p.Name,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"backoff", delay,
			"error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return retryResult(p, lastErr, ctx.Err())
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return fmt.Errorf("resilience: %s: %d attempts failed: %w", p.Name, p.MaxAttempts, lastErr)
}

// retryResult combines a context error with the last attempt error, keeping
// both visible to errors.Is.
func retryResult(p RetryPolicy, lastErr, ctxErr error) error {
	if lastErr == nil {
		return fmt.Errorf("resilience: %s: %w", p.Name, ctxErr)
	}
	return fmt.Errorf("resilience: %s: %w (last attempt: %w)", p.Name, ctxErr, lastErr)
}
