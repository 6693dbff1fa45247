package orchestrator

import (
	"sync"
	"time"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// ExecutionStatus is the state of one execution attempt.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"    // Agent chosen, waiting for locks or capacity
	ExecutionRunning   ExecutionStatus = "running"   // Dispatched, awaiting the agent
	ExecutionCompleted ExecutionStatus = "completed" // Agent reported DONE
	ExecutionFailed    ExecutionStatus = "failed"    // Delivery, timeout or agent error
	ExecutionCancelled ExecutionStatus = "cancelled" // Cancelled by the caller
)

// Terminal reports whether the status is final for the current attempt.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// ExecutionResult is what an attempt produced.
type ExecutionResult struct {
	Success  bool
	Output   string
	Error    string
	Progress int // Last reported percentage, -1 if none
}

// ExecutionMetadata identifies the execution and counts its attempts.
type ExecutionMetadata struct {
	ExecutionID string
	RetryCount  int
	Attempts    int
}

// TaskExecution is the record of dispatching a scheduled task to an agent.
// Values handed out by the Coordinator are snapshots.
type TaskExecution struct {
	ScheduledTask *scheduler.ScheduledTask
	AgentID       string
	Status        ExecutionStatus
	StartTime     time.Time
	EndTime       time.Time
	Result        ExecutionResult
	Metadata      ExecutionMetadata
}

// TaskID returns the ID of the executed task.
func (e *TaskExecution) TaskID() string {
	if e.ScheduledTask == nil || e.ScheduledTask.Task == nil {
		return ""
	}
	return e.ScheduledTask.Task.ID
}

// Duration returns how long the attempt ran, up to now if it is still going.
func (e *TaskExecution) Duration() time.Duration {
	if e.StartTime.IsZero() {
		return 0
	}
	if e.EndTime.IsZero() {
		return time.Since(e.StartTime)
	}
	return e.EndTime.Sub(e.StartTime)
}

func (e *TaskExecution) snapshot() *TaskExecution {
	cp := *e
	return &cp
}

// ExecutionBatch is a parallel batch being executed.
type ExecutionBatch struct {
	Batch              scheduler.ParallelBatch
	Executions         map[string]*TaskExecution // By task ID
	ResourceAllocation map[string]string         // Task ID to agent ID planned before dispatch
	Errors             map[string]error          // Tasks that never produced an execution
	StartTime          time.Time
	EndTime            time.Time
}

// Succeeded reports whether every task in the batch completed.
func (b *ExecutionBatch) Succeeded() bool {
	if len(b.Errors) > 0 {
		return false
	}
	for _, id := range b.Batch.TaskIDs {
		e, ok := b.Executions[id]
		if !ok || e.Status != ExecutionCompleted {
			return false
		}
	}
	return true
}

// Completed returns the IDs of tasks whose execution completed, in batch order.
func (b *ExecutionBatch) Completed() []string {
	var ids []string
	for _, id := range b.Batch.TaskIDs {
		if e, ok := b.Executions[id]; ok && e.Status == ExecutionCompleted {
			ids = append(ids, id)
		}
	}
	return ids
}

// attempt holds what one dispatch attempt must give back. Fields are set
// under the coordinator lock; release runs at most once.
type attempt struct {
	lease    *scheduler.Lease
	agentID  string
	res      agent.Reservation
	reserved bool
	once     sync.Once
}

// execState is the coordinator's private record of an in-flight execution.
type execState struct {
	exec      TaskExecution
	cancel    func()
	current   *attempt
	retrying  bool
	stopRetry func()        // Wakes a retry waiting out its backoff
	done      chan struct{} // Closed when the current attempt reaches a terminal state
}
