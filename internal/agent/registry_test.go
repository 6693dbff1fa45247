package agent

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// TestRegistry_RegisterIdempotent verifies re-registering an ID refreshes it instead of duplicating.
func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := NewRegistry(Capacity{})
	clock := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	first, created := r.Register(Agent{ID: "a1"})
	if !created {
		t.Fatal("first Register should create")
	}
	if first.Name != "a1" || first.Status != StatusIdle {
		t.Errorf("defaults not applied: %+v", first)
	}
	if first.Capacity != DefaultCapacity() {
		t.Errorf("capacity = %+v, want default", first.Capacity)
	}

	if _, err := r.Reserve("a1", scheduler.ResourceEstimate{MemoryMB: 100, CPUWeight: 1}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	clock = clock.Add(time.Minute)
	second, created := r.Register(Agent{ID: "a1", Name: "renamed"})
	if created {
		t.Error("second Register must not create")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if !second.Metadata.LastHeartbeat.Equal(clock) {
		t.Errorf("heartbeat = %v, want %v", second.Metadata.LastHeartbeat, clock)
	}
	if second.Name != "renamed" {
		t.Errorf("Name = %q", second.Name)
	}
	if second.CurrentUsage.ActiveTasks != 1 {
		t.Errorf("usage reset by re-registration: %+v", second.CurrentUsage)
	}
}

// TestRegistry_ReserveRelease verifies capacity accounting and busy/idle transitions.
func TestRegistry_ReserveRelease(t *testing.T) {
	r := NewRegistry(Capacity{})
	r.Register(Agent{ID: "a", Capacity: Capacity{MaxMemoryMB: 1000, MaxCPUWeight: 2, MaxConcurrentTasks: 2}})
	req := scheduler.ResourceEstimate{MemoryMB: 400, CPUWeight: 1}

	first, err := r.Reserve("a", req)
	if err != nil {
		t.Fatalf("Reserve 1: %v", err)
	}
	if _, err := r.Reserve("a", req); err != nil {
		t.Fatalf("Reserve 2: %v", err)
	}
	a, _ := r.Get("a")
	if a.Status != StatusBusy {
		t.Errorf("status with all slots used = %s, want busy", a.Status)
	}
	if _, err := r.Reserve("a", req); !errors.Is(err, ErrUnavailable) {
		t.Errorf("third Reserve err = %v, want ErrUnavailable", err)
	}

	r.Release(first)
	a, _ = r.Get("a")
	if a.Status != StatusIdle || a.CurrentUsage.ActiveTasks != 1 || a.CurrentUsage.MemoryMB != 400 {
		t.Errorf("after release: %+v", a)
	}

	big := scheduler.ResourceEstimate{MemoryMB: 700}
	if _, err := r.Reserve("a", big); !errors.Is(err, ErrInsufficientCapacity) {
		t.Errorf("oversized Reserve err = %v, want ErrInsufficientCapacity", err)
	}

	var notFound *scheduler.NotFoundError
	if _, err := r.Reserve("ghost", req); !errors.As(err, &notFound) {
		t.Errorf("Reserve on unknown agent err = %v", err)
	}
	r.Release(Reservation{AgentID: "ghost", Request: req}) // no-op
}

// TestRegistry_ConcurrentReserve verifies reservations never exceed capacity under contention.
func TestRegistry_ConcurrentReserve(t *testing.T) {
	r := NewRegistry(Capacity{})
	r.Register(Agent{ID: "a", Capacity: Capacity{MaxMemoryMB: 10000, MaxCPUWeight: 100, MaxConcurrentTasks: 5}})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Reserve("a", scheduler.ResourceEstimate{MemoryMB: 1}); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 5 {
		t.Errorf("granted = %d, want 5", granted)
	}
}

// TestRegistry_UnregisterDuringExecution verifies releasing against a removed agent is harmless.
func TestRegistry_UnregisterDuringExecution(t *testing.T) {
	r := NewRegistry(Capacity{})
	r.Register(Agent{ID: "a"})
	req := scheduler.ResourceEstimate{MemoryMB: 10}
	res, err := r.Reserve("a", req)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := r.Unregister("a"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	r.Release(res)
	r.RecordExecution(res, time.Second, true)

	if err := r.Unregister("a"); err == nil {
		t.Error("second Unregister should fail")
	}
	if len(r.Agents()) != 0 {
		t.Error("agent still listed")
	}
}

// TestRegistry_StaleReservationAfterReregister verifies a reservation made
// before an ID was re-registered cannot touch the new registration.
func TestRegistry_StaleReservationAfterReregister(t *testing.T) {
	r := NewRegistry(Capacity{})
	r.Register(Agent{ID: "a"})
	req := scheduler.ResourceEstimate{MemoryMB: 10, CPUWeight: 0.5}
	old, err := r.Reserve("a", req)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := r.Unregister("a"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	r.Register(Agent{ID: "a", Capacity: Capacity{MaxMemoryMB: 100, MaxCPUWeight: 1, MaxConcurrentTasks: 1}})
	if _, err := r.Reserve("a", req); err != nil {
		t.Fatalf("Reserve on new registration: %v", err)
	}

	r.Release(old)
	r.RecordExecution(old, time.Second, false)

	a, _ := r.Get("a")
	if a.CurrentUsage.ActiveTasks != 1 || a.CurrentUsage.MemoryMB != 10 || a.Status != StatusBusy {
		t.Errorf("new registration changed by stale release: usage=%+v status=%s", a.CurrentUsage, a.Status)
	}
	if a.Metadata.TotalTasksExecuted != 0 {
		t.Errorf("stale result recorded on new registration: %+v", a.Metadata)
	}
}

// TestRegistry_RecordExecution verifies success rate and average duration.
func TestRegistry_RecordExecution(t *testing.T) {
	r := NewRegistry(Capacity{})
	r.Register(Agent{ID: "a"})
	res := Reservation{AgentID: "a"}
	res.generation = r.generations["a"]

	r.RecordExecution(res, 2*time.Second, true)
	r.RecordExecution(res, 4*time.Second, false)

	a, _ := r.Get("a")
	if a.Metadata.TotalTasksExecuted != 2 || a.Metadata.SuccessfulTasks != 1 {
		t.Errorf("counts = %+v", a.Metadata)
	}
	if a.Metadata.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", a.Metadata.SuccessRate)
	}
	if a.Metadata.AverageExecutionTime != 3*time.Second {
		t.Errorf("AverageExecutionTime = %v, want 3s", a.Metadata.AverageExecutionTime)
	}
}

// TestRegistry_MarkStale verifies stale agents go offline and heartbeats bring them back.
func TestRegistry_MarkStale(t *testing.T) {
	r := NewRegistry(Capacity{})
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	r.Register(Agent{ID: "old"})
	clock = clock.Add(50 * time.Second)
	r.Register(Agent{ID: "fresh"})
	clock = clock.Add(20 * time.Second)

	changed := r.MarkStale(60 * time.Second)
	if len(changed) != 1 || changed[0] != "old" {
		t.Fatalf("changed = %v, want [old]", changed)
	}
	old, _ := r.Get("old")
	if old.Status != StatusOffline {
		t.Errorf("old status = %s", old.Status)
	}
	if _, err := r.Reserve("old", scheduler.ResourceEstimate{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("offline Reserve err = %v", err)
	}
	if again := r.MarkStale(60 * time.Second); len(again) != 0 {
		t.Errorf("second sweep changed %v", again)
	}

	if err := r.UpdateHeartbeat("old", ""); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}
	old, _ = r.Get("old")
	if old.Status != StatusIdle {
		t.Errorf("status after heartbeat = %s, want idle", old.Status)
	}

	if err := r.UpdateHeartbeat("fresh", StatusBusy); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}
	fresh, _ := r.Get("fresh")
	if fresh.Status != StatusBusy {
		t.Errorf("reported status not applied: %s", fresh.Status)
	}
}

// TestRegistry_Contact verifies first contact auto-registers an agent.
func TestRegistry_Contact(t *testing.T) {
	r := NewRegistry(Capacity{MaxMemoryMB: 1, MaxCPUWeight: 1, MaxConcurrentTasks: 1})

	a := r.Contact("session-7", "worker")
	if a.ID != "session-7" || a.Capacity.MaxConcurrentTasks != 1 {
		t.Errorf("contact agent = %+v", a)
	}
	r.Contact("session-7", "")
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}
