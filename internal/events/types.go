package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicExecution = "execution"
	TopicBatch     = "batch"
	TopicAgent     = "agent"
)

// Event type constants
const (
	EventTypeExecutionStarted   = "execution.started"
	EventTypeExecutionProgress  = "execution.progress"
	EventTypeExecutionCompleted = "execution.completed"
	EventTypeExecutionFailed    = "execution.failed"
	EventTypeExecutionCancelled = "execution.cancelled"
	EventTypeExecutionRetrying  = "execution.retrying"
	EventTypeBatchProgress      = "batch.progress"
	EventTypeAgentStatus        = "agent.status"
)

// ExecutionStartedEvent is published when a task is dispatched to an agent.
type ExecutionStartedEvent struct {
	ExecutionID string
	Task        string
	Title       string
	AgentID     string
	Attempt     int
	Timestamp   time.Time
}

func (e ExecutionStartedEvent) EventType() string { return EventTypeExecutionStarted }
func (e ExecutionStartedEvent) TaskID() string    { return e.Task }

// ExecutionProgressEvent is published when an agent reports PARTIAL progress.
type ExecutionProgressEvent struct {
	ExecutionID string
	Task        string
	Percent     int // -1 when the agent sent no percentage
	Message     string
	Timestamp   time.Time
}

func (e ExecutionProgressEvent) EventType() string { return EventTypeExecutionProgress }
func (e ExecutionProgressEvent) TaskID() string    { return e.Task }

// ExecutionCompletedEvent is published when an execution completes successfully.
type ExecutionCompletedEvent struct {
	ExecutionID string
	Task        string
	AgentID     string
	Output      string
	Duration    time.Duration
	Timestamp   time.Time
}

func (e ExecutionCompletedEvent) EventType() string { return EventTypeExecutionCompleted }
func (e ExecutionCompletedEvent) TaskID() string    { return e.Task }

// ExecutionFailedEvent is published when an execution fails.
type ExecutionFailedEvent struct {
	ExecutionID string
	Task        string
	AgentID     string
	Err         string
	Duration    time.Duration
	Retryable   bool
	Timestamp   time.Time
}

func (e ExecutionFailedEvent) EventType() string { return EventTypeExecutionFailed }
func (e ExecutionFailedEvent) TaskID() string    { return e.Task }

// ExecutionCancelledEvent is published when an execution is cancelled.
type ExecutionCancelledEvent struct {
	ExecutionID string
	Task        string
	Timestamp   time.Time
}

func (e ExecutionCancelledEvent) EventType() string { return EventTypeExecutionCancelled }
func (e ExecutionCancelledEvent) TaskID() string    { return e.Task }

// ExecutionRetryingEvent is published before a failed execution is re-dispatched.
type ExecutionRetryingEvent struct {
	ExecutionID string
	Task        string
	RetryCount  int
	Delay       time.Duration
	Timestamp   time.Time
}

func (e ExecutionRetryingEvent) EventType() string { return EventTypeExecutionRetrying }
func (e ExecutionRetryingEvent) TaskID() string    { return e.Task }

// BatchProgressEvent is published when a batch's task counts change.
type BatchProgressEvent struct {
	BatchID   int
	Batches   int // Total batches in the schedule, 0 when unknown
	Total     int
	Completed int
	Running   int
	Failed    int
	Pending   int
	Timestamp time.Time
}

func (e BatchProgressEvent) EventType() string { return EventTypeBatchProgress }
func (e BatchProgressEvent) TaskID() string    { return "" }

// AgentStatusEvent is published when an agent changes availability.
type AgentStatusEvent struct {
	AgentID   string
	Status    string
	Timestamp time.Time
}

func (e AgentStatusEvent) EventType() string { return EventTypeAgentStatus }
func (e AgentStatusEvent) TaskID() string    { return "" }
