package orchestrator

import (
	"time"

	"github.com/aristath/taskmesh/internal/agent"
)

// ResourceUtilization is the fraction of pool capacity currently reserved.
type ResourceUtilization struct {
	Memory float64 // Reserved MB / total MB over non-offline agents
	CPU    float64 // Reserved CPU weight / total CPU weight
	Agents float64 // Agents with at least one active task / non-offline agents
}

// ExecutionMetrics is a point-in-time view derived from execution state.
// Execution counts, SuccessRate, AverageExecutionTime and Throughput cover the
// tracked executions only: everything in flight plus the last HistoryLimit
// finished ones. WindowStart is where that window begins; it is the
// coordinator's creation time until history starts dropping entries.
type ExecutionMetrics struct {
	TotalExecutions      int
	RunningExecutions    int
	QueuedExecutions     int
	CompletedExecutions  int
	FailedExecutions     int
	CancelledExecutions  int
	SuccessRate          float64       // Completed / (completed + failed); 0 with no results
	AverageExecutionTime time.Duration // Over completed and failed attempts
	Throughput           float64       // Completed executions per minute since WindowStart
	WindowStart          time.Time
	Utilization          ResourceUtilization
	Agents               int
	IdleAgents           int
	BusyAgents           int
	OfflineAgents        int
}

// GetExecutionMetrics computes metrics from the active set, the history and
// the agent registry. Nothing is counted separately.
func (c *Coordinator) GetExecutionMetrics() ExecutionMetrics {
	var m ExecutionMetrics
	var total time.Duration
	var finished int

	count := func(e *TaskExecution) {
		m.TotalExecutions++
		switch e.Status {
		case ExecutionRunning:
			m.RunningExecutions++
		case ExecutionQueued:
			m.QueuedExecutions++
		case ExecutionCompleted:
			m.CompletedExecutions++
		case ExecutionFailed:
			m.FailedExecutions++
		case ExecutionCancelled:
			m.CancelledExecutions++
		}
		if e.Status == ExecutionCompleted || e.Status == ExecutionFailed {
			total += e.EndTime.Sub(e.StartTime)
			finished++
		}
	}

	c.mu.RLock()
	for _, es := range c.active {
		count(&es.exec)
	}
	for _, e := range c.history {
		count(e)
	}
	since := c.since
	c.mu.RUnlock()
	m.WindowStart = since

	if n := m.CompletedExecutions + m.FailedExecutions; n > 0 {
		m.SuccessRate = float64(m.CompletedExecutions) / float64(n)
	}
	if finished > 0 {
		m.AverageExecutionTime = total / time.Duration(finished)
	}
	if up := time.Since(since).Minutes(); up > 0 {
		m.Throughput = float64(m.CompletedExecutions) / up
	}

	var memCap, memUsed int
	var cpuCap, cpuUsed float64
	var live, working int
	for _, a := range c.orch.GetAgents() {
		m.Agents++
		switch a.Status {
		case agent.StatusIdle:
			m.IdleAgents++
		case agent.StatusBusy:
			m.BusyAgents++
		case agent.StatusOffline:
			m.OfflineAgents++
			continue
		}
		live++
		memCap += a.Capacity.MaxMemoryMB
		memUsed += a.CurrentUsage.MemoryMB
		cpuCap += a.Capacity.MaxCPUWeight
		cpuUsed += a.CurrentUsage.CPUWeight
		if a.CurrentUsage.ActiveTasks > 0 {
			working++
		}
	}
	if memCap > 0 {
		m.Utilization.Memory = float64(memUsed) / float64(memCap)
	}
	if cpuCap > 0 {
		m.Utilization.CPU = cpuUsed / cpuCap
	}
	if live > 0 {
		m.Utilization.Agents = float64(working) / float64(live)
	}
	return m
}
