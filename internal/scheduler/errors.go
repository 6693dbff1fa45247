package scheduler

import (
	"fmt"
	"strings"
)

// CycleError is returned when a hard dependency would close a cycle.
// Path lists the task IDs of the cycle, starting and ending with the same ID.
type CycleError struct {
	From string
	To   string
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("dependency %s -> %s would create a cycle", e.From, e.To)
	}
	return fmt.Sprintf("dependency %s -> %s would create a cycle: %s", e.From, e.To, strings.Join(e.Path, " -> "))
}

// NotFoundError reports an unknown task, agent or execution.
type NotFoundError struct {
	Kind string // "task", "agent", "execution"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// SchedulingError reports that a schedule could not be generated.
type SchedulingError struct {
	ProjectID string
	Reason    string
	Err       error
}

func (e *SchedulingError) Error() string {
	msg := "scheduling failed"
	if e.ProjectID != "" {
		msg = fmt.Sprintf("scheduling project %q failed", e.ProjectID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Reason)
}

func (e *SchedulingError) Unwrap() error { return e.Err }
