package persistence

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTask(id string, deps ...string) *scheduler.AtomicTask {
	return &scheduler.AtomicTask{
		ID:             id,
		Title:          "Task " + id,
		Status:         scheduler.TaskPending,
		Priority:       scheduler.PriorityMedium,
		EstimatedHours: 2,
		Dependencies:   deps,
	}
}

// TestSaveAndGetTask verifies a saved task round-trips with its dependencies and resources.
func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// Save dependencies first (to satisfy foreign key constraints)
	for _, id := range []string{"dep-1", "dep-2"} {
		if err := store.SaveTask(ctx, newTask(id)); err != nil {
			t.Fatalf("failed to save %s: %v", id, err)
		}
	}

	task := newTask("task-1", "dep-1", "dep-2")
	task.Priority = scheduler.PriorityHigh
	task.FilePaths = []string{"internal/a.go", "internal/b.go"}
	task.AcceptanceCriteria = []string{"tests pass"}
	task.Resources = &scheduler.ResourceEstimate{MemoryMB: 256, CPUWeight: 0.5}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	retrieved, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}

	if retrieved.Title != task.Title {
		t.Errorf("Title mismatch: got %s, want %s", retrieved.Title, task.Title)
	}
	if retrieved.Priority != scheduler.PriorityHigh {
		t.Errorf("Priority mismatch: got %s, want high", retrieved.Priority)
	}
	if strings.Join(retrieved.Dependencies, ",") != "dep-1,dep-2" {
		t.Errorf("Dependencies mismatch: got %v", retrieved.Dependencies)
	}
	if strings.Join(retrieved.FilePaths, ",") != "internal/a.go,internal/b.go" {
		t.Errorf("FilePaths mismatch: got %v", retrieved.FilePaths)
	}
	if retrieved.Resources == nil || *retrieved.Resources != *task.Resources {
		t.Errorf("Resources mismatch: got %+v, want %+v", retrieved.Resources, task.Resources)
	}
}

// TestSaveTaskIdempotent verifies saving an existing task updates it in place.
func TestSaveTaskIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := newTask("task-idempotent")
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	task.Status = scheduler.TaskCompleted
	task.ActualHours = 1.5
	task.Title = "Renamed"
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task second time: %v", err)
	}

	retrieved, err := store.GetTask(ctx, "task-idempotent")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if retrieved.Status != scheduler.TaskCompleted {
		t.Errorf("Status should be completed after update, got %v", retrieved.Status)
	}
	if retrieved.ActualHours != 1.5 {
		t.Errorf("ActualHours = %v, want 1.5", retrieved.ActualHours)
	}
	if retrieved.Title != "Renamed" {
		t.Errorf("Title = %q, want Renamed", retrieved.Title)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected 1 task after re-save, got %d", len(tasks))
	}
}

// TestUpdateTaskStatus verifies status and hour updates override the stored snapshot.
func TestUpdateTaskStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveTask(ctx, newTask("task-status")); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	steps := []struct {
		status scheduler.TaskStatus
		hours  float64
	}{
		{scheduler.TaskInProgress, 0},
		{scheduler.TaskCompleted, 0.25},
	}
	for _, step := range steps {
		if err := store.UpdateTaskStatus(ctx, "task-status", step.status, step.hours); err != nil {
			t.Fatalf("failed to update to %s: %v", step.status, err)
		}
		retrieved, err := store.GetTask(ctx, "task-status")
		if err != nil {
			t.Fatalf("failed to get task: %v", err)
		}
		if retrieved.Status != step.status {
			t.Errorf("Status = %v, want %v", retrieved.Status, step.status)
		}
		if retrieved.ActualHours != step.hours {
			t.Errorf("ActualHours = %v, want %v", retrieved.ActualHours, step.hours)
		}
	}
}

// TestUpdateTaskStatusNotFound verifies updating an unknown task returns a NotFoundError.
func TestUpdateTaskStatusNotFound(t *testing.T) {
	store := testStore(t)

	err := store.UpdateTaskStatus(context.Background(), "nonexistent", scheduler.TaskCompleted, 0)
	var nf *scheduler.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.ID != "nonexistent" {
		t.Errorf("NotFoundError.ID = %q, want nonexistent", nf.ID)
	}
}

// TestGetTaskNotFound verifies a missing task returns a NotFoundError.
func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	var nf *scheduler.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

// TestListTasks verifies tasks come back in insertion order with their dependencies.
func TestListTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, task := range []*scheduler.AtomicTask{
		newTask("list-task-1"),
		newTask("list-task-2", "list-task-1"),
		newTask("list-task-3", "list-task-1", "list-task-2"),
	} {
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("failed to save %s: %v", task.ID, err)
		}
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i, want := range []string{"list-task-1", "list-task-2", "list-task-3"} {
		if tasks[i].ID != want {
			t.Errorf("tasks[%d] = %s, want %s", i, tasks[i].ID, want)
		}
	}
	if len(tasks[2].Dependencies) != 2 {
		t.Errorf("list-task-3 should have 2 dependencies, got %d", len(tasks[2].Dependencies))
	}
}

// TestForeignKeyEnforced verifies a dependency on an unsaved task is rejected.
func TestForeignKeyEnforced(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	err := store.SaveTask(ctx, newTask("fk-task", "nonexistent-dep"))
	if err == nil {
		t.Fatal("expected error when inserting dependency on non-existent task, got nil")
	}
	if !strings.Contains(err.Error(), "foreign key") {
		t.Errorf("expected foreign key error, got: %v", err)
	}

	// The failed save rolled back
	if _, err := store.GetTask(ctx, "fk-task"); err == nil {
		t.Error("task should not exist after failed save")
	}
}

// TestExecutionHistory verifies execution records upsert and list oldest first.
func TestExecutionHistory(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	first := ExecutionRecord{
		ExecutionID: "exec-1",
		TaskID:      "T001",
		AgentID:     "a1",
		Status:      "failed",
		Attempts:    1,
		Error:       "boom",
		StartedAt:   base,
		EndedAt:     base.Add(time.Second),
	}
	second := ExecutionRecord{
		ExecutionID: "exec-2",
		TaskID:      "T001",
		AgentID:     "a2",
		Status:      "completed",
		Attempts:    1,
		Output:      "ok",
		StartedAt:   base.Add(2 * time.Second),
		EndedAt:     base.Add(3 * time.Second),
	}
	other := ExecutionRecord{ExecutionID: "exec-3", TaskID: "T002", AgentID: "a1", Status: "completed"}

	for _, rec := range []ExecutionRecord{second, first, other} {
		if err := store.SaveExecution(ctx, rec); err != nil {
			t.Fatalf("failed to save %s: %v", rec.ExecutionID, err)
		}
	}

	// A retry rewrites the first record
	first.Status = "completed"
	first.Attempts = 2
	first.RetryCount = 1
	first.Error = ""
	first.EndedAt = base.Add(1500 * time.Millisecond)
	if err := store.SaveExecution(ctx, first); err != nil {
		t.Fatalf("failed to update exec-1: %v", err)
	}

	recs, err := store.ListExecutions(ctx, "T001")
	if err != nil {
		t.Fatalf("failed to list executions: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 executions for T001, got %d", len(recs))
	}
	if recs[0].ExecutionID != "exec-1" || recs[1].ExecutionID != "exec-2" {
		t.Errorf("order = [%s %s], want [exec-1 exec-2]", recs[0].ExecutionID, recs[1].ExecutionID)
	}
	got := recs[0]
	if got.Status != "completed" || got.Attempts != 2 || got.RetryCount != 1 || got.Error != "" {
		t.Errorf("exec-1 not updated: %+v", got)
	}
	if !got.StartedAt.Equal(base) || !got.EndedAt.Equal(first.EndedAt) {
		t.Errorf("times = %v..%v, want %v..%v", got.StartedAt, got.EndedAt, base, first.EndedAt)
	}

	recs, err = store.ListExecutions(ctx, "T002")
	if err != nil {
		t.Fatalf("failed to list executions: %v", err)
	}
	if len(recs) != 1 || !recs[0].StartedAt.IsZero() {
		t.Errorf("T002 executions = %+v, want one record with zero times", recs)
	}
}
