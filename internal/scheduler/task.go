package scheduler

import "time"

// TaskStatus represents the current state of an atomic task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"     // Waiting for dependencies or dispatch
	TaskInProgress TaskStatus = "in_progress" // Dispatched to an agent
	TaskCompleted  TaskStatus = "completed"   // Finished successfully
	TaskFailed     TaskStatus = "failed"      // Finished with error (retries exhausted or not attempted)
	TaskBlocked    TaskStatus = "blocked"     // A hard dependency did not complete
)

// TaskPriority orders tasks inside a batch and steers priority-based agent selection.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Rank returns a sortable weight for the priority; unknown values rank as medium.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// TaskType is a free-form classification supplied by the decomposition service
// (e.g. "development", "testing", "documentation").
type TaskType string

// ResourceEstimate is the memory and CPU a task is expected to need on an agent.
type ResourceEstimate struct {
	MemoryMB  int     `json:"memory_mb" yaml:"memory_mb"`
	CPUWeight float64 `json:"cpu_weight" yaml:"cpu_weight"`
}

// Add returns the component-wise sum of two estimates.
func (r ResourceEstimate) Add(o ResourceEstimate) ResourceEstimate {
	return ResourceEstimate{MemoryMB: r.MemoryMB + o.MemoryMB, CPUWeight: r.CPUWeight + o.CPUWeight}
}

// IsZero reports whether no resources are declared.
func (r ResourceEstimate) IsZero() bool {
	return r.MemoryMB == 0 && r.CPUWeight == 0
}

// TaskMetadata carries bookkeeping fields for a task.
type TaskMetadata struct {
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	Tags      []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// AtomicTask is an indivisible unit of work produced by task decomposition.
// Only the execution coordinator mutates Status and ActualHours.
type AtomicTask struct {
	ID                  string            `json:"id" yaml:"id"`
	Title               string            `json:"title" yaml:"title"`
	Description         string            `json:"description,omitempty" yaml:"description,omitempty"`
	Status              TaskStatus        `json:"status" yaml:"status"`
	Priority            TaskPriority      `json:"priority" yaml:"priority"`
	Type                TaskType          `json:"type,omitempty" yaml:"type,omitempty"`
	EstimatedHours      float64           `json:"estimated_hours" yaml:"estimated_hours"`
	ActualHours         float64           `json:"actual_hours,omitempty" yaml:"actual_hours,omitempty"`
	Dependencies        []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Dependents          []string          `json:"dependents,omitempty" yaml:"dependents,omitempty"`
	FilePaths           []string          `json:"file_paths,omitempty" yaml:"file_paths,omitempty"`
	AcceptanceCriteria  []string          `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	TestingRequirements []string          `json:"testing_requirements,omitempty" yaml:"testing_requirements,omitempty"`
	QualityCriteria     []string          `json:"quality_criteria,omitempty" yaml:"quality_criteria,omitempty"`
	EpicID              string            `json:"epic_id,omitempty" yaml:"epic_id,omitempty"`
	ProjectID           string            `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	Resources           *ResourceEstimate `json:"resources,omitempty" yaml:"resources,omitempty"` // Overrides the scheduler default
	Metadata            TaskMetadata      `json:"metadata" yaml:"metadata"`
}

// Clone returns a deep copy of the task.
func (t *AtomicTask) Clone() *AtomicTask {
	if t == nil {
		return nil
	}

	cp := *t
	cp.Dependencies = cloneStrings(t.Dependencies)
	cp.Dependents = cloneStrings(t.Dependents)
	cp.FilePaths = cloneStrings(t.FilePaths)
	cp.AcceptanceCriteria = cloneStrings(t.AcceptanceCriteria)
	cp.TestingRequirements = cloneStrings(t.TestingRequirements)
	cp.QualityCriteria = cloneStrings(t.QualityCriteria)
	cp.Metadata.Tags = cloneStrings(t.Metadata.Tags)
	if t.Resources != nil {
		r := *t.Resources
		cp.Resources = &r
	}
	return &cp
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
