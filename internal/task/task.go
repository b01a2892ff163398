// Package task defines the abstract shape of a user-registered task kind:
// a stable name, typed parameters, an asynchronous Execute operation, and
// optional per-kind overrides of the engine's default timeout/retry policy.
package task

import (
	"context"
	"time"
)

// Task is implemented by a user-defined task kind. P is the parameter type
// decoded from a message's kwargs; R is the (optional, unenforced by the
// engine) result type.
type Task[P any, R any] interface {
	// Name returns the globally unique, cluster-wide task name.
	Name() string

	// Execute runs the task's business logic. A retryable failure is an error
	// that is, or wraps, a *taskerr.Error with Retryable set (taskerr.RetryError
	// builds one); any other error is treated as non-retryable.
	Execute(ctx context.Context, params P) (R, error)

	// Timeout overrides the engine default for this task kind, if non-nil.
	Timeout() *time.Duration
	// MaxRetries overrides the engine default for this task kind, if non-nil.
	MaxRetries() *int
	// MinRetryDelay overrides the engine default for this task kind, if non-nil.
	MinRetryDelay() *time.Duration
	// MaxRetryDelay overrides the engine default for this task kind, if non-nil.
	MaxRetryDelay() *time.Duration
}

// Options is the four-field record of effective per-task behavior described
// by the engine: timeout, retry cap, and the two retry-backoff bounds.
type Options struct {
	Timeout       *time.Duration
	MaxRetries    *int
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
}

// DefaultOptions returns the engine's built-in defaults: no timeout,
// unbounded retries, zero minimum backoff, one hour maximum backoff.
func DefaultOptions() Options {
	return Options{
		Timeout:       nil,
		MaxRetries:    nil,
		MinRetryDelay: 0,
		MaxRetryDelay: time.Hour,
	}
}

// OverriddenBy composes o (the base) with a task kind's overrides: Timeout
// and MaxRetries take the task's value when present, else the base's value
// (both "add" in the sense of filling an absence); the two retry delays are
// replaced outright by the task's value when present.
func (o Options) OverriddenBy(t interface {
	Timeout() *time.Duration
	MaxRetries() *int
	MinRetryDelay() *time.Duration
	MaxRetryDelay() *time.Duration
}) Options {
	out := o

	if timeout := t.Timeout(); timeout != nil {
		out.Timeout = timeout
	}
	if maxRetries := t.MaxRetries(); maxRetries != nil {
		out.MaxRetries = maxRetries
	}
	if minDelay := t.MinRetryDelay(); minDelay != nil {
		out.MinRetryDelay = *minDelay
	}
	if maxDelay := t.MaxRetryDelay(); maxDelay != nil {
		out.MaxRetryDelay = *maxDelay
	}

	return out
}
