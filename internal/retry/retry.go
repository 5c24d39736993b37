// Package retry provides a bounded retry wrapper for calls into flaky
// collaborators. It replaces ad hoc recursive retries with an explicit
// attempt counter and a fixed backoff, and lets the caller decide which
// error kinds are worth another attempt.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds one retried operation.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Backoff is slept between consecutive attempts.
	Backoff time.Duration
}

// Do runs op until it succeeds, the policy is exhausted, retryIf rejects
// the error, or the context is cancelled. The last error is returned.
// A nil retryIf retries every error.
func Do(ctx context.Context, p Policy, retryIf func(error) bool, op func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return err
		}
		last = op(ctx)
		if last == nil {
			return nil
		}
		if retryIf != nil && !retryIf(last) {
			return last
		}
		if attempt == attempts {
			break
		}
		if p.Backoff > 0 {
			timer := time.NewTimer(p.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return last
			case <-timer.C:
			}
		}
	}
	return last
}

// Permanent wraps an error so any retryIf built with IsTransient stops
// immediately.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err was not marked Permanent. It is the
// default predicate for gateway calls.
func IsTransient(err error) bool {
	var p *permanentError
	return !errors.As(err, &p)
}
