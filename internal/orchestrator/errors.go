package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/taskmesh/internal/scheduler"
)

var (
	// ErrNoSchedule is returned by batch execution when no schedule has been generated.
	ErrNoSchedule = errors.New("no current schedule")
	// ErrDisposed is returned by a coordinator after Dispose.
	ErrDisposed = errors.New("coordinator disposed")
)

// NoAgentAvailableError means no registered agent is idle with enough headroom.
type NoAgentAvailableError struct {
	TaskID   string
	Strategy Strategy
	Agents   int // Registered agents at selection time
}

func (e *NoAgentAvailableError) Error() string {
	return fmt.Sprintf("no agent available for task %q (%d registered, strategy %s)", e.TaskID, e.Agents, e.Strategy)
}

// InsufficientResourcesError means a batch cannot be placed on the agent pool.
// Nothing from the batch has been dispatched when it is returned.
type InsufficientResourcesError struct {
	BatchID   int
	Required  scheduler.ResourceEstimate
	Available scheduler.ResourceEstimate
	Tasks     int
	Slots     int // Free task slots across eligible agents
	Unplaced  []string
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("insufficient resources for batch %d: need %dMB/%.2f cpu for %d tasks, have %dMB/%.2f cpu in %d slots (unplaced: %s)",
		e.BatchID, e.Required.MemoryMB, e.Required.CPUWeight, e.Tasks,
		e.Available.MemoryMB, e.Available.CPUWeight, e.Slots, strings.Join(e.Unplaced, ", "))
}
