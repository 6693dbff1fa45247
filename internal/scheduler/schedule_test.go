package scheduler

import (
	"errors"
	"reflect"
	"testing"
)

// TestGenerateSchedule verifies batches carry duration and resource annotations.
func TestGenerateSchedule(t *testing.T) {
	a := newTask("A", PriorityMedium, 2)
	b := newTask("B", PriorityMedium, 3)
	c := newTask("C", PriorityMedium, 1)
	c.Resources = &ResourceEstimate{MemoryMB: 2048, CPUWeight: 2}
	tasks := []*AtomicTask{a, b, c}

	g := NewDependencyGraph()
	for _, task := range tasks {
		g.AddTask(task)
	}
	g.AddDependency("C", "A", DependencyTask, 1, true)

	s := NewTaskScheduler(SchedulerConfig{DefaultResources: ResourceEstimate{MemoryMB: 256, CPUWeight: 0.5}}, nil)
	sched, err := s.GenerateSchedule(tasks, g, "proj-1")
	if err != nil {
		t.Fatalf("GenerateSchedule: %v", err)
	}

	batches := sched.Batches()
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}

	first := batches[0]
	if first.BatchID != 0 || !reflect.DeepEqual(first.TaskIDs, []string{"A", "B"}) {
		t.Errorf("first batch = %+v", first)
	}
	if first.EstimatedDuration != 3 {
		t.Errorf("first batch duration = %v, want 3 (slowest task)", first.EstimatedDuration)
	}
	if !first.CanRunInParallel {
		t.Error("two-task batch should run in parallel")
	}
	if first.ResourceRequirements != (ResourceEstimate{MemoryMB: 512, CPUWeight: 1}) {
		t.Errorf("first batch resources = %+v", first.ResourceRequirements)
	}

	second := batches[1]
	if second.BatchID != 1 || second.CanRunInParallel {
		t.Errorf("second batch = %+v", second)
	}
	if second.ResourceRequirements != (ResourceEstimate{MemoryMB: 2048, CPUWeight: 2}) {
		t.Errorf("override not applied: %+v", second.ResourceRequirements)
	}

	if sched.TotalEstimatedHours() != 4 {
		t.Errorf("TotalEstimatedHours = %v, want 4", sched.TotalEstimatedHours())
	}
	st, ok := sched.Task("C")
	if !ok {
		t.Fatal("C not scheduled")
	}
	if st.BatchID != 1 || st.EstimatedStart != 3 || !reflect.DeepEqual(st.HardDependencies, []string{"A"}) {
		t.Errorf("scheduled C = %+v", st)
	}
	if st.Task != c {
		t.Error("scheduled task should reference the caller's task")
	}
	if sched.ProjectID() != "proj-1" {
		t.Errorf("ProjectID = %q", sched.ProjectID())
	}
	if s.CurrentSchedule() != sched {
		t.Error("CurrentSchedule should return the generated schedule")
	}
}

// TestGenerateScheduleEveryTaskOnce verifies each task lands in exactly one batch after its prerequisites.
func TestGenerateScheduleEveryTaskOnce(t *testing.T) {
	var tasks []*AtomicTask
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		tasks = append(tasks, newTask(id, PriorityMedium, 1))
	}
	tasks[1].Dependencies = []string{"a"}
	tasks[2].Dependencies = []string{"a", "b"}
	tasks[4].Dependencies = []string{"d"}
	tasks[5].Dependencies = []string{"c", "e"}

	g, err := BuildGraph(tasks)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	sched, err := NewTaskScheduler(DefaultSchedulerConfig(), nil).GenerateSchedule(tasks, g, "p")
	if err != nil {
		t.Fatalf("GenerateSchedule: %v", err)
	}

	seen := make(map[string]int)
	for _, b := range sched.Batches() {
		for _, id := range b.TaskIDs {
			seen[id]++
		}
	}
	for _, task := range tasks {
		if seen[task.ID] != 1 {
			t.Errorf("task %s appears %d times", task.ID, seen[task.ID])
		}
		for _, dep := range task.Dependencies {
			if sched.BatchOf(dep) >= sched.BatchOf(task.ID) {
				t.Errorf("%s (batch %d) must come after %s (batch %d)", task.ID, sched.BatchOf(task.ID), dep, sched.BatchOf(dep))
			}
		}
	}
}

// TestGenerateScheduleErrors verifies structural problems raise SchedulingError.
func TestGenerateScheduleErrors(t *testing.T) {
	s := NewTaskScheduler(DefaultSchedulerConfig(), nil)

	t.Run("nil graph", func(t *testing.T) {
		_, err := s.GenerateSchedule(nil, nil, "p")
		var schedErr *SchedulingError
		if !errors.As(err, &schedErr) {
			t.Fatalf("expected SchedulingError, got %v", err)
		}
	})

	t.Run("task missing from graph", func(t *testing.T) {
		g := NewDependencyGraph()
		g.AddTask(newTask("A", PriorityMedium, 1))
		_, err := s.GenerateSchedule([]*AtomicTask{newTask("A", PriorityMedium, 1), newTask("ghost", PriorityMedium, 1)}, g, "p")

		var schedErr *SchedulingError
		if !errors.As(err, &schedErr) {
			t.Fatalf("expected SchedulingError, got %v", err)
		}
		var notFound *NotFoundError
		if !errors.As(err, &notFound) || notFound.ID != "ghost" {
			t.Errorf("expected wrapped NotFoundError for ghost, got %v", err)
		}
	})

	t.Run("duplicate task", func(t *testing.T) {
		a := newTask("A", PriorityMedium, 1)
		g := NewDependencyGraph()
		g.AddTask(a)
		if _, err := s.GenerateSchedule([]*AtomicTask{a, a}, g, "p"); err == nil {
			t.Fatal("expected error for duplicate task")
		}
	})

	t.Run("dependency outside task set", func(t *testing.T) {
		a := newTask("A", PriorityMedium, 1)
		b := newTask("B", PriorityMedium, 1)
		g := NewDependencyGraph()
		g.AddTask(a)
		g.AddTask(b)
		g.AddDependency("B", "A", DependencyTask, 1, true)
		if _, err := s.GenerateSchedule([]*AtomicTask{b}, g, "p"); err == nil {
			t.Fatal("expected error for unscheduled pending dependency")
		}
	})

	t.Run("completed dependency outside task set", func(t *testing.T) {
		a := newTask("A", PriorityMedium, 1)
		a.Status = TaskCompleted
		b := newTask("B", PriorityMedium, 1)
		g := NewDependencyGraph()
		g.AddTask(a)
		g.AddTask(b)
		g.AddDependency("B", "A", DependencyTask, 1, true)
		sched, err := s.GenerateSchedule([]*AtomicTask{b}, g, "p")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sched.Len() != 1 {
			t.Errorf("Len = %d, want 1", sched.Len())
		}
	})
}

// TestGenerateScheduleDynamicOptimization verifies in-batch reordering keeps dependency order.
func TestGenerateScheduleDynamicOptimization(t *testing.T) {
	a := newTask("A", PriorityMedium, 1)
	b := newTask("B", PriorityMedium, 8)
	c := newTask("C", PriorityHigh, 2)
	d := newTask("D", PriorityCritical, 1)
	d.Dependencies = []string{"A"}
	tasks := []*AtomicTask{a, b, c, d}

	g, err := BuildGraph(tasks)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	cfg := DefaultSchedulerConfig()
	cfg.EnableDynamicOptimization = true
	sched, err := NewTaskScheduler(cfg, nil).GenerateSchedule(tasks, g, "p")
	if err != nil {
		t.Fatalf("GenerateSchedule: %v", err)
	}

	batches := sched.Batches()
	if want := []string{"C", "B", "A"}; !reflect.DeepEqual(batches[0].TaskIDs, want) {
		t.Errorf("batch 0 = %v, want %v", batches[0].TaskIDs, want)
	}
	if want := []string{"D"}; !reflect.DeepEqual(batches[1].TaskIDs, want) {
		t.Errorf("batch 1 = %v, want %v", batches[1].TaskIDs, want)
	}
}

// TestScheduleIsImmutable verifies accessors return copies.
func TestScheduleIsImmutable(t *testing.T) {
	tasks := []*AtomicTask{newTask("A", PriorityMedium, 1), newTask("B", PriorityMedium, 1)}
	g, _ := BuildGraph(tasks)
	sched, err := NewTaskScheduler(DefaultSchedulerConfig(), nil).GenerateSchedule(tasks, g, "p")
	if err != nil {
		t.Fatalf("GenerateSchedule: %v", err)
	}

	batches := sched.Batches()
	batches[0].TaskIDs[0] = "mutated"
	if got := sched.Batches()[0].TaskIDs[0]; got != "A" {
		t.Errorf("schedule mutated through Batches(): %q", got)
	}

	s := NewTaskScheduler(DefaultSchedulerConfig(), nil)
	s.GenerateSchedule(tasks, g, "p")
	s.Invalidate()
	if s.CurrentSchedule() != nil {
		t.Error("Invalidate should drop the current schedule")
	}
}
