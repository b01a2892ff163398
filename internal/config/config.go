// Package config provides the builder-style construction of engine defaults,
// modeled on the Rust original's CeleryBuilder and the teacher's
// DefaultWorkerPoolConfig pattern: sensible zero-config defaults, overridden
// one field at a time through chained With* calls.
package config

import (
	"time"

	"github.com/sirupsen/logrus"

	"dev.taskcore.worker/internal/task"
)

// Config is the fully-resolved, immutable engine configuration produced by
// Builder.Build.
type Config struct {
	DefaultQueue     string
	TaskDefaults     task.Options
	ConcurrencyLimit int
	Logger           *logrus.Logger

	// NackOnNonRetryableError records a preference for nacking rather than
	// acking a non-retryable task failure. The abstract Broker contract has
	// no nack verb, so the engine acks such failures whatever this is set to
	// (see internal/engine); when true it only adds a debug log line.
	NackOnNonRetryableError bool
}

// Builder accumulates overrides before producing a Config.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder seeded with the engine's built-in defaults:
// queue name "celery", the task package's DefaultOptions, a concurrency
// limit of 4, and a default logrus logger.
func NewBuilder() *Builder {
	return &Builder{
		cfg: Config{
			DefaultQueue:     "celery",
			TaskDefaults:     task.DefaultOptions(),
			ConcurrencyLimit: 4,
			Logger:           logrus.New(),
		},
	}
}

// WithDefaultQueue overrides the queue name used when a task is sent without
// an explicit routing override.
func (b *Builder) WithDefaultQueue(name string) *Builder {
	b.cfg.DefaultQueue = name
	return b
}

// WithTaskTimeout overrides the engine-wide default task timeout.
func (b *Builder) WithTaskTimeout(d time.Duration) *Builder {
	b.cfg.TaskDefaults.Timeout = &d
	return b
}

// WithTaskMaxRetries overrides the engine-wide default retry cap.
func (b *Builder) WithTaskMaxRetries(n int) *Builder {
	b.cfg.TaskDefaults.MaxRetries = &n
	return b
}

// WithTaskMinRetryDelay overrides the engine-wide minimum retry backoff.
func (b *Builder) WithTaskMinRetryDelay(d time.Duration) *Builder {
	b.cfg.TaskDefaults.MinRetryDelay = d
	return b
}

// WithTaskMaxRetryDelay overrides the engine-wide maximum retry backoff.
func (b *Builder) WithTaskMaxRetryDelay(d time.Duration) *Builder {
	b.cfg.TaskDefaults.MaxRetryDelay = d
	return b
}

// WithConcurrencyLimit overrides the number of deliveries the dispatcher may
// run at once.
func (b *Builder) WithConcurrencyLimit(n int) *Builder {
	b.cfg.ConcurrencyLimit = n
	return b
}

// WithLogger overrides the logger every engine component logs through.
func (b *Builder) WithLogger(logger *logrus.Logger) *Builder {
	b.cfg.Logger = logger
	return b
}

// WithNackOnNonRetryableError sets NackOnNonRetryableError. Non-retryable
// failures are still acked and dropped either way.
func (b *Builder) WithNackOnNonRetryableError(nack bool) *Builder {
	b.cfg.NackOnNonRetryableError = nack
	return b
}

// Build returns the accumulated Config.
func (b *Builder) Build() Config {
	return b.cfg
}
