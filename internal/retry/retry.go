// Package retry runs an attempt function under bounded exponential backoff,
// giving up early on failures that resubmitting cannot fix.
package retry

import (
	"context"
	"time"

	"CanvasPay/internal/payerr"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// OnRetry is called before sleeping; attempt is the index of the attempt that failed.
	OnRetry func(attempt int, err *payerr.Error, delay time.Duration)
	// Sleep replaces the context-aware wait, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

// Delay is BaseDelay * 2^attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<uint(attempt))
}

// ShortCircuits reports whether a classification must end the loop
// regardless of remaining budget.
func ShortCircuits(e *payerr.Error) bool {
	if e == nil {
		return true
	}
	switch {
	case e.Category == payerr.UserRejection, e.Category == payerr.BalanceError:
		return true
	case e.Code == payerr.CodeDuplicateTransaction:
		return true
	}
	return !e.Retryable
}

// Do calls fn until it succeeds, returns a failure that short-circuits, or
// the budget runs out. The returned error is always a *payerr.Error; on
// exhaustion it is the last one, unchanged.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = wait
	}

	var last *payerr.Error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		last = payerr.Classify(err)
		if ShortCircuits(last) || attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, last, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, last
		}
	}
	return zero, last
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
