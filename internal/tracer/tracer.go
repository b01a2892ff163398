// Package tracer implements the per-delivery execution state machine: a
// tracer owns one decoded task body, its effective options, an event sink
// back to the dispatcher, and the retry-ETA policy. This is the core of the
// engine (see spec §4.4).
package tracer

import (
	"context"
	"math/rand/v2"
	"time"

	"dev.taskcore.worker/internal/protocol"
	"dev.taskcore.worker/internal/task"
	"dev.taskcore.worker/internal/taskerr"
)

// Status is the two-valued life-phase signal a tracer emits exactly once
// each: Pending when it begins executing its task, Finished when it
// completes by any terminal path.
type Status int

const (
	StatusPending Status = iota
	StatusFinished
)

// Event is sent on a tracer's event sink for each life-phase transition.
type Event struct {
	Status Status
	Task   string
}

// Clock abstracts "now" for the ETA, expiry and retry-ETA computations.
// NewBuilder always uses time.Now; the ETA sleep and the execution timeout
// run on real timers.
type Clock func() time.Time

// Tracer is the live, per-delivery state machine produced by a Builder.
type Tracer interface {
	// Name returns the task kind this tracer was built for, for logging and
	// metrics labeling.
	Name() string

	// IsDelayed reports whether the message's ETA header is set and still
	// in the future as of the tracer's clock. Pure query; no transition.
	IsDelayed() bool

	// Trace runs the task to completion: it emits Pending, sleeps until ETA
	// if delayed, executes the task under its timeout, and emits Finished.
	// A retryable outcome is returned as a retryable *taskerr.Error (code
	// Retry, or Timeout when the deadline fires); any other non-nil error is
	// terminal and non-retryable.
	Trace(ctx context.Context) error

	// RetryETA computes the ETA for the next retry attempt, per the
	// jittered exponential backoff policy, using the retry count recovered
	// from the message headers.
	RetryETA() time.Time
}

// Builder is the type-erased constructor stored in the registry: given a
// decoded Message, the engine's effective default options, and an event
// sink, it produces a live Tracer specialized for one task kind.
type Builder func(msg *protocol.Message, base task.Options, sink chan<- Event) (Tracer, error)

// NewBuilder closes over task kind T (with parameter type P and result type
// R), erasing the type parameters behind the Builder signature so the
// registry can store builders for many task kinds in one map.
func NewBuilder[P any, R any](t task.Task[P, R]) Builder {
	return func(msg *protocol.Message, base task.Options, sink chan<- Event) (Tracer, error) {
		opts := base.OverriddenBy(t)

		decoded, err := protocol.Decode[P](msg)
		if err != nil {
			return nil, err
		}

		return &genericTracer[P, R]{
			task:    t,
			msg:     msg,
			params:  decoded.Params,
			opts:    opts,
			sink:    sink,
			clock:   time.Now,
			retries: msg.Headers.RetryCount(),
		}, nil
	}
}

// genericTracer is the concrete Tracer for one task kind.
type genericTracer[P any, R any] struct {
	task    task.Task[P, R]
	msg     *protocol.Message
	params  P
	opts    task.Options
	sink    chan<- Event
	clock   Clock
	retries int
}

func (t *genericTracer[P, R]) Name() string {
	return t.task.Name()
}

func (t *genericTracer[P, R]) IsDelayed() bool {
	eta := t.msg.Headers.ETA
	return eta != nil && eta.After(t.clock())
}

func (t *genericTracer[P, R]) emit(status Status) {
	if t.sink == nil {
		return
	}
	t.sink <- Event{Status: status, Task: t.task.Name()}
}

func (t *genericTracer[P, R]) Trace(ctx context.Context) error {
	t.emit(StatusPending)
	defer t.emit(StatusFinished)

	if t.msg.IsExpired(t.clock()) {
		return taskerr.ExpiredError(t.task.Name())
	}

	if t.IsDelayed() {
		delay := t.msg.Headers.ETA.Sub(t.clock())
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return taskerr.RetryError(ctx.Err())
		}
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if t.opts.Timeout != nil {
		execCtx, cancel = context.WithTimeout(ctx, *t.opts.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		_, err := t.task.Execute(execCtx, t.params)
		done <- err
	}()

	select {
	case err := <-done:
		return t.classify(err)
	case <-execCtx.Done():
		return t.classify(taskerr.TimeoutError(t.task.Name()))
	}
}

// classify maps an Execute() outcome onto the terminal transitions of the
// state machine: nil is success, a Retry-kind taskerr.Error (or timeout) is
// subject to the retry cap, anything else is a non-retryable failure.
func (t *genericTracer[P, R]) classify(err error) error {
	if err == nil {
		return nil
	}

	if !taskerr.IsRetryable(err) {
		return err
	}

	if t.opts.MaxRetries != nil && t.retries >= *t.opts.MaxRetries {
		return taskerr.RetriesExhaustedError(t.task.Name(), err)
	}

	return err
}

// RetryETA computes now + min(max_retry_delay, max(min_retry_delay,
// 2^n * min_retry_delay)), jittered by up to ±10%, where n is the current
// retry count. A zero min_retry_delay yields an immediate (zero-delay)
// retry, matching the reference implementation.
func (t *genericTracer[P, R]) RetryETA() time.Time {
	return t.clock().Add(retryDelay(t.retries, t.opts.MinRetryDelay, t.opts.MaxRetryDelay))
}

func retryDelay(n int, minDelay, maxDelay time.Duration) time.Duration {
	if minDelay <= 0 {
		return 0
	}

	backoff := minDelay
	for i := 0; i < n; i++ {
		backoff *= 2
		if backoff >= maxDelay {
			backoff = maxDelay
			break
		}
	}
	if backoff < minDelay {
		backoff = minDelay
	}
	if backoff > maxDelay {
		backoff = maxDelay
	}

	return jitter(backoff)
}

// jitter applies up to ±10% uniform jitter to d, never going negative.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := float64(d) * 0.10
	delta := (rand.Float64()*2 - 1) * spread
	jittered := time.Duration(float64(d) + delta)
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}
