package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ParallelBatch is a set of tasks that may run concurrently once every earlier batch is done.
type ParallelBatch struct {
	BatchID              int              `json:"batch_id"`
	TaskIDs              []string         `json:"task_ids"`
	EstimatedDuration    float64          `json:"estimated_duration_hours"` // Slowest task in the batch
	CanRunInParallel     bool             `json:"can_run_in_parallel"`
	ResourceRequirements ResourceEstimate `json:"resource_requirements"` // Sum over the batch
}

func (b ParallelBatch) clone() ParallelBatch {
	b.TaskIDs = cloneStrings(b.TaskIDs)
	return b
}

// ScheduledTask is a task placed in a schedule.
type ScheduledTask struct {
	Task             *AtomicTask
	BatchID          int
	Position         int // Index within its batch
	HardDependencies []string
	Resources        ResourceEstimate
	EstimatedStart   float64 // Hours from schedule start
	EstimatedEnd     float64
}

// Schedule is an immutable execution plan for one task set.
// It is regenerated wholesale when the task set changes.
type Schedule struct {
	projectID    string
	generatedAt  time.Time
	tasks        map[string]ScheduledTask
	batches      []ParallelBatch
	criticalPath []string
	totalHours   float64
}

// ProjectID returns the project the schedule was generated for.
func (s *Schedule) ProjectID() string { return s.projectID }

// GeneratedAt returns the generation timestamp.
func (s *Schedule) GeneratedAt() time.Time { return s.generatedAt }

// Batches returns copies of the execution batches in order.
func (s *Schedule) Batches() []ParallelBatch {
	out := make([]ParallelBatch, len(s.batches))
	for i, b := range s.batches {
		out[i] = b.clone()
	}
	return out
}

// Batch returns the batch with the given ID.
func (s *Schedule) Batch(batchID int) (ParallelBatch, bool) {
	if batchID < 0 || batchID >= len(s.batches) {
		return ParallelBatch{}, false
	}
	return s.batches[batchID].clone(), true
}

// Task returns the scheduled entry for a task.
func (s *Schedule) Task(taskID string) (ScheduledTask, bool) {
	st, ok := s.tasks[taskID]
	return st, ok
}

// BatchOf returns the batch ID a task was placed in, or -1.
func (s *Schedule) BatchOf(taskID string) int {
	if st, ok := s.tasks[taskID]; ok {
		return st.BatchID
	}
	return -1
}

// Tasks returns all scheduled tasks in execution order.
func (s *Schedule) Tasks() []ScheduledTask {
	out := make([]ScheduledTask, 0, len(s.tasks))
	for _, b := range s.batches {
		for _, id := range b.TaskIDs {
			out = append(out, s.tasks[id])
		}
	}
	return out
}

// Len returns the number of scheduled tasks.
func (s *Schedule) Len() int { return len(s.tasks) }

// CriticalPath returns the longest hard-dependency chain by estimated hours.
func (s *Schedule) CriticalPath() []string { return cloneStrings(s.criticalPath) }

// TotalEstimatedHours is the sum of batch durations.
func (s *Schedule) TotalEstimatedHours() float64 { return s.totalHours }

// SchedulerConfig configures schedule generation.
type SchedulerConfig struct {
	DefaultResources          ResourceEstimate `json:"default_resources"`
	EnableDynamicOptimization bool             `json:"enable_dynamic_optimization"`
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DefaultResources: ResourceEstimate{MemoryMB: 512, CPUWeight: 1},
	}
}

// TaskScheduler turns a task set and its dependency graph into a Schedule.
type TaskScheduler struct {
	mu      sync.RWMutex
	config  SchedulerConfig
	current *Schedule
	logger  *slog.Logger
}

// NewTaskScheduler creates a scheduler. A nil logger uses slog.Default().
func NewTaskScheduler(cfg SchedulerConfig, logger *slog.Logger) *TaskScheduler {
	if cfg.DefaultResources.IsZero() {
		cfg.DefaultResources = DefaultSchedulerConfig().DefaultResources
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskScheduler{config: cfg, logger: logger}
}

// GenerateSchedule computes batches from the graph and annotates them with duration and
// resource estimates. On success the schedule becomes the scheduler's current schedule.
// Any structural problem aborts generation; no partial schedule is returned.
func (s *TaskScheduler) GenerateSchedule(tasks []*AtomicTask, graph *DependencyGraph, projectID string) (*Schedule, error) {
	if graph == nil {
		return nil, &SchedulingError{ProjectID: projectID, Reason: "no dependency graph"}
	}

	s.mu.RLock()
	cfg := s.config
	s.mu.RUnlock()

	byID := make(map[string]*AtomicTask, len(tasks))
	for _, t := range tasks {
		if t == nil {
			return nil, &SchedulingError{ProjectID: projectID, Reason: "nil task"}
		}
		if _, dup := byID[t.ID]; dup {
			return nil, &SchedulingError{ProjectID: projectID, Reason: fmt.Sprintf("duplicate task %q", t.ID)}
		}
		if !graph.Has(t.ID) {
			return nil, &SchedulingError{
				ProjectID: projectID,
				Reason:    fmt.Sprintf("task %q has no dependency graph entry", t.ID),
				Err:       &NotFoundError{Kind: "task", ID: t.ID},
			}
		}
		byID[t.ID] = t
	}

	layers, err := graph.GetExecutionBatches()
	if err != nil {
		return nil, &SchedulingError{ProjectID: projectID, Reason: "invalid dependency graph", Err: err}
	}

	sched := &Schedule{
		projectID:   projectID,
		generatedAt: time.Now(),
		tasks:       make(map[string]ScheduledTask, len(tasks)),
	}

	for _, layer := range layers {
		var ids []string
		for _, id := range layer {
			if _, ok := byID[id]; ok {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		if cfg.EnableDynamicOptimization {
			optimizeBatch(ids, byID)
		}

		batch := ParallelBatch{
			BatchID:          len(sched.batches),
			TaskIDs:          ids,
			CanRunInParallel: len(ids) > 1,
		}
		start := sched.totalHours
		for pos, id := range ids {
			t := byID[id]
			deps := graph.HardDependencies(id)
			for _, depID := range deps {
				if _, ok := byID[depID]; ok {
					continue
				}
				dep, _ := graph.Get(depID)
				if dep == nil || dep.Status != TaskCompleted {
					return nil, &SchedulingError{
						ProjectID: projectID,
						Reason:    fmt.Sprintf("task %q depends on unscheduled task %q", id, depID),
					}
				}
			}

			res := s.resourcesFor(t, cfg)
			batch.ResourceRequirements = batch.ResourceRequirements.Add(res)
			if t.EstimatedHours > batch.EstimatedDuration {
				batch.EstimatedDuration = t.EstimatedHours
			}
			sched.tasks[id] = ScheduledTask{
				Task:             t,
				BatchID:          batch.BatchID,
				Position:         pos,
				HardDependencies: deps,
				Resources:        res,
				EstimatedStart:   start,
				EstimatedEnd:     start + t.EstimatedHours,
			}
		}
		sched.totalHours += batch.EstimatedDuration
		sched.batches = append(sched.batches, batch)
	}

	if path, _, err := graph.CriticalPath(); err == nil {
		for _, id := range path {
			if _, ok := byID[id]; ok {
				sched.criticalPath = append(sched.criticalPath, id)
			}
		}
	}

	s.mu.Lock()
	s.current = sched
	s.mu.Unlock()

	s.logger.Info("schedule generated",
		"project_id", projectID,
		"tasks", len(sched.tasks),
		"batches", len(sched.batches),
		"estimated_hours", sched.totalHours)

	return sched, nil
}

func (s *TaskScheduler) resourcesFor(t *AtomicTask, cfg SchedulerConfig) ResourceEstimate {
	if t.Resources != nil && !t.Resources.IsZero() {
		return *t.Resources
	}
	return cfg.DefaultResources
}

// optimizeBatch orders a batch by priority, then longest estimate first. It only
// permutes tasks within one batch, so dependency order is preserved.
func optimizeBatch(ids []string, byID map[string]*AtomicTask) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := byID[ids[i]], byID[ids[j]]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		return a.EstimatedHours > b.EstimatedHours
	})
}

// CurrentSchedule returns the most recently generated schedule, or nil.
func (s *TaskScheduler) CurrentSchedule() *Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Invalidate drops the current schedule, e.g. after the task set changed.
func (s *TaskScheduler) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}

// Config returns the scheduler configuration.
func (s *TaskScheduler) Config() SchedulerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetConfig replaces the configuration used by later GenerateSchedule calls.
func (s *TaskScheduler) SetConfig(cfg SchedulerConfig) {
	if cfg.DefaultResources.IsZero() {
		cfg.DefaultResources = DefaultSchedulerConfig().DefaultResources
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
}
