package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskmesh/internal/orchestrator"
)

type fixedSource struct {
	m orchestrator.ExecutionMetrics
}

func (s *fixedSource) GetExecutionMetrics() orchestrator.ExecutionMetrics { return s.m }

func gather(t *testing.T, reg *prometheus.Registry) map[string][]*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string][]*dto.Metric, len(families))
	for _, f := range families {
		out[f.GetName()] = f.GetMetric()
	}
	return out
}

func labeled(t *testing.T, metrics []*dto.Metric, label string) map[string]float64 {
	t.Helper()
	out := make(map[string]float64)
	for _, m := range metrics {
		for _, l := range m.GetLabel() {
			if l.GetName() == label {
				out[l.GetValue()] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

// TestCollector verifies every gauge mirrors the source at scrape time.
func TestCollector(t *testing.T) {
	src := &fixedSource{m: orchestrator.ExecutionMetrics{
		RunningExecutions:    2,
		QueuedExecutions:     1,
		CompletedExecutions:  6,
		FailedExecutions:     2,
		SuccessRate:          0.75,
		AverageExecutionTime: 1500 * time.Millisecond,
		Throughput:           3,
		Utilization:          orchestrator.ResourceUtilization{Memory: 0.5, CPU: 0.25, Agents: 1},
		IdleAgents:           1,
		BusyAgents:           2,
	}}

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(src)))

	got := gather(t, reg)
	assert.Equal(t, map[string]float64{"running": 2, "queued": 1, "completed": 6, "failed": 2, "cancelled": 0},
		labeled(t, got["taskmesh_executions"], "status"))
	assert.Equal(t, map[string]float64{"memory": 0.5, "cpu": 0.25, "agents": 1},
		labeled(t, got["taskmesh_resource_utilization_ratio"], "resource"))
	assert.Equal(t, map[string]float64{"idle": 1, "busy": 2, "offline": 0},
		labeled(t, got["taskmesh_agents"], "status"))

	require.Len(t, got["taskmesh_execution_success_ratio"], 1)
	assert.Equal(t, 0.75, got["taskmesh_execution_success_ratio"][0].GetGauge().GetValue())
	assert.Equal(t, 1.5, got["taskmesh_execution_duration_average_seconds"][0].GetGauge().GetValue())
	assert.Equal(t, 3.0, got["taskmesh_executions_completed_per_minute"][0].GetGauge().GetValue())

	// Values are read on every scrape, never cached
	src.m.RunningExecutions = 0
	got = gather(t, reg)
	assert.Equal(t, 0.0, labeled(t, got["taskmesh_executions"], "status")["running"])
}

// TestNewRegistry verifies the runtime collectors are registered alongside.
func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(&fixedSource{})
	require.NoError(t, err)

	got := gather(t, reg)
	assert.Contains(t, got, "taskmesh_agents")
	assert.Contains(t, got, "go_goroutines")
}
