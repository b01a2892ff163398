package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEverySeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TasksStarted.WithLabelValues("examples.add").Inc()
	m.PendingTasks.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["taskcore_engine_tasks_started_total"])
	require.True(t, names["taskcore_engine_pending_tasks"])
}

func TestGlobalMetricsSingleton(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	SetGlobalMetrics(m)

	require.Same(t, m, GetGlobalMetrics())
}
