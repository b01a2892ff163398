// Package registry implements the process-wide mapping from task name to a
// tracer factory. Writes happen only during startup registration; reads
// happen on every delivery, so the map is guarded by a RWMutex exactly as
// the teacher guards its executor map in worker_pool.go.
package registry

import (
	"sync"

	"github.com/sirupsen/logrus"

	"dev.taskcore.worker/internal/taskerr"
	"dev.taskcore.worker/internal/tracer"
)

// Registry is a task-name -> tracer.Builder map, safe for many concurrent
// readers and occasional writers.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]tracer.Builder
	logger   *logrus.Logger
}

// New creates an empty registry.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		builders: make(map[string]tracer.Builder),
		logger:   logger,
	}
}

// Register installs builder under name. It fails loudly if name is already
// registered; double registration is a configuration bug, not a runtime
// condition to tolerate.
func (r *Registry) Register(name string, builder tracer.Builder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builders[name]; exists {
		return taskerr.TaskAlreadyExists(name)
	}

	r.builders[name] = builder
	r.logger.WithField("task_name", name).Info("registered task")
	return nil
}

// Lookup returns the builder registered for name, or an UnregisteredTask
// error if none is registered.
func (r *Registry) Lookup(name string) (tracer.Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	builder, ok := r.builders[name]
	if !ok {
		return nil, taskerr.UnregisteredTask(name)
	}
	return builder, nil
}

// Names returns every registered task name, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}
