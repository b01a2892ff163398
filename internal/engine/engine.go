// Package engine implements the dispatcher: the consume loop that pulls
// deliveries off a broker, resolves each to a registered task's tracer, runs
// it under a concurrency cap, and acks or retries based on the outcome. The
// control flow is a direct port of the reference implementation's
// consume()/try_handle_delivery()/handle_delivery() trio, reshaped around
// Go channels and goroutines the way the teacher's worker_pool.go reshapes
// its own task loop around a scaling pool of goroutines.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"dev.taskcore.worker/internal/broker"
	"dev.taskcore.worker/internal/config"
	"dev.taskcore.worker/internal/metrics"
	"dev.taskcore.worker/internal/registry"
	"dev.taskcore.worker/internal/taskerr"
	"dev.taskcore.worker/internal/tracer"
)

// Engine is the dispatcher bound to one broker and one task registry.
type Engine struct {
	broker   broker.Broker
	registry *registry.Registry
	cfg      config.Config
	metrics  *metrics.EngineMetrics
	logger   *logrus.Logger

	events chan tracer.Event
	sem    chan struct{}

	pending int64

	forceOnce sync.Once
	force     chan struct{}
}

// New builds an Engine. If m is nil the process-wide metrics singleton is
// used, matching the teacher's GetGlobalMetrics fallback.
func New(b broker.Broker, r *registry.Registry, cfg config.Config, m *metrics.EngineMetrics) *Engine {
	if m == nil {
		m = metrics.GetGlobalMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}

	limit := cfg.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}

	return &Engine{
		broker:   b,
		registry: r,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		events:   make(chan tracer.Event, 256),
		sem:      make(chan struct{}, limit),
		force:    make(chan struct{}),
	}
}

// Events exposes the tracer event sink Consume itself drains to derive
// pending_tasks. It is read-only here because Consume is the sink's single
// authoritative reader; a second concurrent reader would starve it of
// events and silently corrupt the pending-tasks count.
func (e *Engine) Events() <-chan tracer.Event {
	return e.events
}

// PendingCount returns the number of deliveries currently armed or running.
func (e *Engine) PendingCount() int64 {
	return atomic.LoadInt64(&e.pending)
}

// ForceShutdown requests immediate abandonment of in-flight deliveries. A
// second call is a no-op; it corresponds to receiving a second interrupt
// signal while a warm shutdown is already draining.
func (e *Engine) ForceShutdown() {
	e.forceOnce.Do(func() { close(e.force) })
}

// Consume runs the dispatcher loop against queue until ctx is canceled
// (warm shutdown: stop accepting new deliveries, wait for in-flight ones to
// finish) or ForceShutdown is called (abandon in-flight deliveries
// immediately and return taskerr.ForcedShutdown()). Per spec, one select
// multiplexes all three inputs the dispatcher reacts to: the delivery
// stream, the shutdown signals, and the tracer event stream that in-flight
// goroutines report their Pending/Finished transitions on. pending_tasks is
// derived entirely from that event stream rather than tracked alongside it,
// so there is exactly one place that can ever stop draining e.events.
func (e *Engine) Consume(ctx context.Context, queue string) error {
	active, err := e.broker.Consume(ctx, queue)
	if err != nil {
		return taskerr.SubscribeError(queue, err)
	}

	shutdownCh := ctx.Done()
	draining := false

	for {
		select {
		case <-e.force:
			return taskerr.ForcedShutdown()

		case <-shutdownCh:
			e.logger.Info("warm shutdown: draining in-flight deliveries")
			shutdownCh = nil
			active = nil
			draining = true
			if atomic.LoadInt64(&e.pending) == 0 {
				return nil
			}

		case ev := <-e.events:
			e.handleEvent(ev)
			if draining && atomic.LoadInt64(&e.pending) == 0 {
				return nil
			}

		case result, ok := <-active:
			if !ok {
				active = nil
				draining = true
				if atomic.LoadInt64(&e.pending) == 0 {
					return nil
				}
				continue
			}
			e.dispatch(ctx, queue, result)
		}
	}
}

// handleEvent folds one tracer life-phase transition into the pending-tasks
// counter and its matching metrics.
func (e *Engine) handleEvent(ev tracer.Event) {
	switch ev.Status {
	case tracer.StatusPending:
		n := atomic.AddInt64(&e.pending, 1)
		e.metrics.TasksStarted.WithLabelValues(ev.Task).Inc()
		e.metrics.PendingTasks.Set(float64(n))
	case tracer.StatusFinished:
		n := atomic.AddInt64(&e.pending, -1)
		e.metrics.PendingTasks.Set(float64(n))
	}
}

// dispatch admits one delivery past the concurrency semaphore and runs it in
// its own goroutine, matching the reference's spawn-per-delivery model.
func (e *Engine) dispatch(ctx context.Context, queue string, result broker.DeliveryResult) {
	if result.Err != nil {
		e.logger.WithError(result.Err).Error("broker delivery error")
		return
	}

	// Wait for a free slot while still draining tracer events, so in-flight
	// goroutines blocked on a full event sink can finish and release theirs.
	for acquired := false; !acquired; {
		select {
		case e.sem <- struct{}{}:
			acquired = true
		case ev := <-e.events:
			e.handleEvent(ev)
		}
	}

	// In-flight deliveries run detached from ctx's cancellation: a warm
	// shutdown stops new deliveries but lets these finish and ack or retry.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() { <-e.sem }()
		e.tryHandleDelivery(runCtx, queue, result.Delivery)
	}()
}

// tryHandleDelivery decodes the delivery and resolves its tracer, logging
// and acking away anything that can never be executed (malformed body,
// unregistered task name) before falling through to handleDelivery for the
// cases that actually run a task.
func (e *Engine) tryHandleDelivery(ctx context.Context, queue string, d broker.Delivery) {
	msg, err := d.Message()
	if err != nil {
		e.logger.WithError(err).Error("failed to decode delivery, acking to drop it")
		e.ackOrLog(ctx, d)
		return
	}

	build, err := e.registry.Lookup(msg.Headers.Task)
	if err != nil {
		e.logger.WithField("task", msg.Headers.Task).Warn("delivery for unregistered task")
		e.nackOrAck(ctx, d)
		return
	}

	tr, err := build(msg, e.cfg.TaskDefaults, e.events)
	if err != nil {
		e.logger.WithError(err).WithField("task", msg.Headers.Task).Error("failed to build tracer")
		e.nackOrAck(ctx, d)
		return
	}

	e.handleDelivery(ctx, d, tr)
}

// handleDelivery runs the tracer and resolves the outcome into exactly one
// of ack or retry, per the broker's at-least-once contract.
func (e *Engine) handleDelivery(ctx context.Context, d broker.Delivery, tr tracer.Tracer) {
	taskName := tr.Name()
	start := time.Now()

	if tr.IsDelayed() {
		if err := e.broker.IncreasePrefetchCount(ctx); err != nil {
			e.logger.WithError(err).WithField("task", taskName).Error("failed to increase prefetch count, returning delivery without executing it")
			if rerr := e.broker.Retry(ctx, d, nil); rerr != nil {
				e.logger.WithError(rerr).Error("failed to return delivery after prefetch increase failure")
			}
			return
		}
		e.metrics.PrefetchCount.Inc()
		defer func() {
			if err := e.broker.DecreasePrefetchCount(ctx); err != nil {
				e.logger.WithError(err).Error("failed to decrease prefetch count")
			}
			e.metrics.PrefetchCount.Dec()
		}()
	}

	err := tr.Trace(ctx)

	e.metrics.TaskDuration.WithLabelValues(taskName).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		e.ackOrLog(ctx, d)
		e.metrics.TasksSucceeded.WithLabelValues(taskName).Inc()

	case isRetry(err):
		eta := tr.RetryETA()
		if rerr := e.broker.Retry(ctx, d, &eta); rerr != nil {
			e.logger.WithError(rerr).Error("failed to schedule retry, acking to avoid a poison message")
			e.ackOrLog(ctx, d)
		}
		e.metrics.TasksRetried.WithLabelValues(taskName).Inc()

	case isExpiredOrExhausted(err):
		e.ackOrLog(ctx, d)
		e.metrics.TasksDeadLettered.WithLabelValues(taskName).Inc()

	default:
		e.nackOrAck(ctx, d)
		e.metrics.TasksFailed.WithLabelValues(taskName).Inc()
	}
}

func (e *Engine) ackOrLog(ctx context.Context, d broker.Delivery) {
	if err := e.broker.Ack(ctx, d); err != nil {
		e.logger.WithError(err).Error("ack failed")
	}
}

// nackOrAck honors the NackOnNonRetryableError option. The abstract Broker
// contract has no separate reject-without-requeue verb, so both settings
// currently route through Ack; NackOnNonRetryableError is recorded on the
// log line so operators can distinguish the two policies until a broker
// implementation grows an explicit dead-letter-exchange reject path.
func (e *Engine) nackOrAck(ctx context.Context, d broker.Delivery) {
	if e.cfg.NackOnNonRetryableError {
		e.logger.Debug("nack-on-non-retryable-error configured; routing through ack pending dead-letter-exchange support")
	}
	e.ackOrLog(ctx, d)
}

func isRetry(err error) bool {
	return taskerr.IsRetryable(err)
}

func isExpiredOrExhausted(err error) bool {
	te, ok := err.(*taskerr.Error)
	if !ok {
		return false
	}
	return te.Code == taskerr.ErrCodeExpired || te.Code == taskerr.ErrCodeRetriesExhausted
}
