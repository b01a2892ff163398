// Package metrics exposes the engine's Prometheus instrumentation, built the
// way the teacher's background.WorkerPoolMetrics is: promauto constructors
// registered against a caller-supplied registerer, with a process-wide
// singleton accessor for components that don't carry their own reference.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics bundles every series the dispatcher reports.
type EngineMetrics struct {
	TasksStarted      *prometheus.CounterVec
	TasksSucceeded    *prometheus.CounterVec
	TasksFailed       *prometheus.CounterVec
	TasksRetried      *prometheus.CounterVec
	TasksDeadLettered *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	PendingTasks      prometheus.Gauge
	PrefetchCount     prometheus.Gauge
}

// New registers a fresh EngineMetrics set against reg. Pass
// prometheus.DefaultRegisterer in production; tests should pass a scratch
// *prometheus.Registry to avoid collisions across parallel suites.
func New(reg prometheus.Registerer) *EngineMetrics {
	factory := promauto.With(reg)

	return &EngineMetrics{
		TasksStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskcore",
			Subsystem: "engine",
			Name:      "tasks_started_total",
			Help:      "Total tasks that began execution, by task name.",
		}, []string{"task"}),

		TasksSucceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskcore",
			Subsystem: "engine",
			Name:      "tasks_succeeded_total",
			Help:      "Total tasks that completed successfully, by task name.",
		}, []string{"task"}),

		TasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskcore",
			Subsystem: "engine",
			Name:      "tasks_failed_total",
			Help:      "Total tasks that failed terminally (non-retryable), by task name.",
		}, []string{"task"}),

		TasksRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskcore",
			Subsystem: "engine",
			Name:      "tasks_retried_total",
			Help:      "Total retry attempts scheduled, by task name.",
		}, []string{"task"}),

		TasksDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskcore",
			Subsystem: "engine",
			Name:      "tasks_dead_lettered_total",
			Help:      "Total tasks abandoned after exhausting their retry budget or expiring, by task name.",
		}, []string{"task"}),

		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskcore",
			Subsystem: "engine",
			Name:      "task_duration_seconds",
			Help:      "Task execution latency from Pending to Finished, by task name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),

		PendingTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskcore",
			Subsystem: "engine",
			Name:      "pending_tasks",
			Help:      "Number of deliveries currently armed or running in the dispatcher.",
		}),

		PrefetchCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskcore",
			Subsystem: "engine",
			Name:      "prefetch_count",
			Help:      "Net outstanding prefetch credit held by the consumer.",
		}),
	}
}

var (
	globalMu sync.RWMutex
	global   *EngineMetrics
)

// SetGlobalMetrics installs m as the process-wide metrics instance.
func SetGlobalMetrics(m *EngineMetrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = m
}

// GetGlobalMetrics returns the process-wide metrics instance, lazily
// registering one against the default registerer if none was installed.
func GetGlobalMetrics() *EngineMetrics {
	globalMu.RLock()
	m := global
	globalMu.RUnlock()
	if m != nil {
		return m
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(prometheus.DefaultRegisterer)
	}
	return global
}
