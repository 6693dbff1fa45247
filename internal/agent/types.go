// Package agent models remote workers, keeps the registry of available agents
// and defines the Communication Channel used to dispatch tasks to them.
package agent

import (
	"time"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// Status is an agent's availability.
type Status string

const (
	StatusIdle    Status = "idle"    // Accepting work
	StatusBusy    Status = "busy"    // All task slots in use, or agent-reported busy
	StatusOffline Status = "offline" // Heartbeat stale or agent-reported offline
)

// Capacity is the maximum an agent can take on at once.
type Capacity struct {
	MaxMemoryMB        int     `json:"max_memory_mb"`
	MaxCPUWeight       float64 `json:"max_cpu_weight"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
}

// IsZero reports whether no capacity was declared.
func (c Capacity) IsZero() bool {
	return c.MaxMemoryMB == 0 && c.MaxCPUWeight == 0 && c.MaxConcurrentTasks == 0
}

// DefaultCapacity is applied to agents registered without an explicit capacity.
func DefaultCapacity() Capacity {
	return Capacity{MaxMemoryMB: 4096, MaxCPUWeight: 4, MaxConcurrentTasks: 3}
}

// Usage is what an agent currently has reserved.
type Usage struct {
	MemoryMB    int     `json:"memory_mb"`
	CPUWeight   float64 `json:"cpu_weight"`
	ActiveTasks int     `json:"active_tasks"`
}

// Metadata carries liveness and performance history for an agent.
type Metadata struct {
	RegisteredAt         time.Time     `json:"registered_at"`
	LastHeartbeat        time.Time     `json:"last_heartbeat"`
	TotalTasksExecuted   int           `json:"total_tasks_executed"`
	SuccessfulTasks      int           `json:"successful_tasks"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	SuccessRate          float64       `json:"success_rate"` // 0..1, 1 until the first result
	Capabilities         []string      `json:"capabilities,omitempty"`
}

// Agent is a remote worker process able to execute tasks.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Status       Status   `json:"status"`
	Capacity     Capacity `json:"capacity"`
	CurrentUsage Usage    `json:"current_usage"`
	Metadata     Metadata `json:"metadata"`
}

// Clone returns a deep copy.
func (a Agent) Clone() Agent {
	if a.Metadata.Capabilities != nil {
		a.Metadata.Capabilities = append([]string(nil), a.Metadata.Capabilities...)
	}
	return a
}

// Fits reports whether the agent's remaining headroom covers req plus one task slot.
func (a Agent) Fits(req scheduler.ResourceEstimate) bool {
	return a.CurrentUsage.ActiveTasks < a.Capacity.MaxConcurrentTasks &&
		a.CurrentUsage.MemoryMB+req.MemoryMB <= a.Capacity.MaxMemoryMB &&
		a.CurrentUsage.CPUWeight+req.CPUWeight <= a.Capacity.MaxCPUWeight
}

// Eligible reports whether the agent may be selected for a task needing req.
func (a Agent) Eligible(req scheduler.ResourceEstimate) bool {
	return a.Status == StatusIdle && a.Fits(req)
}

// Headroom returns the capacity not yet reserved.
func (a Agent) Headroom() Usage {
	return Usage{
		MemoryMB:    a.Capacity.MaxMemoryMB - a.CurrentUsage.MemoryMB,
		CPUWeight:   a.Capacity.MaxCPUWeight - a.CurrentUsage.CPUWeight,
		ActiveTasks: a.Capacity.MaxConcurrentTasks - a.CurrentUsage.ActiveTasks,
	}
}
