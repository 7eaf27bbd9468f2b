// Package poll repeats a check on a fixed interval until it reports
// completion, the failure budget runs out, or the context ends.
//
// It is the only completion signal available for provider jobs that have
// no status endpoint, such as droplet snapshots.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Unlimited disables the failure budget
const Unlimited = -1

// ErrBudgetExhausted is returned once more than MaxFailures checks failed
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Config holds polling configuration.
type Config struct {
	// Interval is slept before every check, including the first
	Interval time.Duration
	// MaxFailures is the number of failed checks tolerated; the next one
	// ends polling. Unlimited never gives up.
	MaxFailures int
	// Timeout bounds the whole loop when positive
	Timeout time.Duration
}

// Condition reports whether the polled resource reached the wanted state.
// (false, nil) keeps polling without touching the budget; an error counts
// as a failure unless it is wrapped with Permanent.
type Condition func(ctx context.Context) (done bool, err error)

// Until runs cond until it reports done.
func Until(ctx context.Context, cfg Config, cond Condition) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	failures := 0
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := sleep(ctx, cfg.Interval); err != nil {
			if lastErr != nil {
				return fmt.Errorf("polling stopped after %d attempts: %w (last error: %v)", attempt-1, err, lastErr)
			}
			return fmt.Errorf("polling stopped after %d attempts: %w", attempt-1, err)
		}

		done, err := cond(ctx)
		if err == nil {
			if done {
				return nil
			}
			continue
		}

		if IsPermanent(err) {
			return fmt.Errorf("permanent error (not retrying): %w", err)
		}

		failures++
		lastErr = err
		if cfg.MaxFailures != Unlimited && failures > cfg.MaxFailures {
			return fmt.Errorf("%w after %d failures: %w", ErrBudgetExhausted, failures, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PermanentError marks a failure that must end polling immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that Until stops on it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error was wrapped with Permanent
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
