package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestAccessManager_BasicAcquireRelease verifies basic acquire/release operations.
func TestAccessManager_BasicAcquireRelease(t *testing.T) {
	mgr := NewAccessManager()

	lease, err := mgr.Acquire(context.Background(), "exec-1", []string{"main.go"}, LockExclusive)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if holder, _ := mgr.Holders("main.go"); holder != "exec-1" {
		t.Errorf("exclusive holder = %q, want exec-1", holder)
	}
	lease.Release()
	lease.Release() // idempotent

	if mgr.LockedResources() != 0 {
		t.Errorf("LockedResources = %d after release, want 0", mgr.LockedResources())
	}
}

// TestAccessManager_ExclusiveBlocks verifies that exclusive access to the same path blocks.
func TestAccessManager_ExclusiveBlocks(t *testing.T) {
	mgr := NewAccessManager()
	orderChan := make(chan int, 2)

	first, err := mgr.Acquire(context.Background(), "A", []string{"main.go"}, LockExclusive)
	if err != nil {
		t.Fatalf("Acquire A: %v", err)
	}

	go func() {
		lease, err := mgr.Acquire(context.Background(), "B", []string{"main.go"}, LockExclusive)
		if err != nil {
			return
		}
		orderChan <- 2
		lease.Release()
	}()

	time.Sleep(30 * time.Millisecond)
	orderChan <- 1
	first.Release()

	if a, b := <-orderChan, <-orderChan; a != 1 || b != 2 {
		t.Errorf("Expected order [1, 2], got [%d, %d]", a, b)
	}
}

// TestAccessManager_TryAcquire verifies prompt acquisition fails without waiting.
func TestAccessManager_TryAcquire(t *testing.T) {
	mgr := NewAccessManager()

	lease, ok := mgr.TryAcquire("A", []string{"a.go", "b.go"}, LockExclusive)
	if !ok {
		t.Fatal("TryAcquire on free paths should succeed")
	}
	if _, ok := mgr.TryAcquire("B", []string{"b.go", "c.go"}, LockExclusive); ok {
		t.Fatal("TryAcquire on a held path should fail")
	}
	if holder, _ := mgr.Holders("c.go"); holder != "" {
		t.Errorf("failed TryAcquire must not grant any path, c.go held by %q", holder)
	}
	lease.Release()

	if _, ok := mgr.TryAcquire("B", []string{"b.go", "c.go"}, LockExclusive); !ok {
		t.Fatal("TryAcquire should succeed after release")
	}
}

// TestAccessManager_SharedReaders verifies shared holders coexist and block writers.
func TestAccessManager_SharedReaders(t *testing.T) {
	mgr := NewAccessManager()

	r1, ok := mgr.TryAcquire("r1", []string{"schema.sql"}, LockShared)
	if !ok {
		t.Fatal("first reader should acquire")
	}
	r2, ok := mgr.TryAcquire("r2", []string{"schema.sql"}, LockShared)
	if !ok {
		t.Fatal("second reader should acquire")
	}
	if _, shared := mgr.Holders("schema.sql"); len(shared) != 2 {
		t.Errorf("shared holders = %v, want 2", shared)
	}

	if _, ok := mgr.TryAcquire("w", []string{"schema.sql"}, LockExclusive); ok {
		t.Fatal("writer must wait for readers")
	}

	r1.Release()
	if _, ok := mgr.TryAcquire("w", []string{"schema.sql"}, LockExclusive); ok {
		t.Fatal("writer must wait for all readers")
	}
	r2.Release()

	w, ok := mgr.TryAcquire("w", []string{"schema.sql"}, LockExclusive)
	if !ok {
		t.Fatal("writer should acquire once readers are gone")
	}
	if _, ok := mgr.TryAcquire("r3", []string{"schema.sql"}, LockShared); ok {
		t.Fatal("reader must wait for writer")
	}
	w.Release()
}

// TestAccessManager_DifferentPathsConcurrent verifies that different paths don't block.
func TestAccessManager_DifferentPathsConcurrent(t *testing.T) {
	mgr := NewAccessManager()
	var wg sync.WaitGroup
	var aLocked, bLocked atomic.Bool
	release := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		mgr.WithLocks(context.Background(), "A", []string{"a.go"}, LockExclusive, func() error {
			aLocked.Store(true)
			<-release
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		mgr.WithLocks(context.Background(), "B", []string{"b.go"}, LockExclusive, func() error {
			bLocked.Store(true)
			<-release
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	if !aLocked.Load() || !bLocked.Load() {
		t.Error("Both goroutines should have acquired their locks concurrently")
	}
	close(release)
	wg.Wait()
}

// TestAccessManager_NoDeadlockOnOverlappingSets verifies all-or-nothing grants prevent deadlocks.
func TestAccessManager_NoDeadlockOnOverlappingSets(t *testing.T) {
	mgr := NewAccessManager()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			mgr.WithLocks(context.Background(), "A", []string{"b.go", "a.go"}, LockExclusive, func() error {
				time.Sleep(time.Millisecond)
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			mgr.WithLocks(context.Background(), "B", []string{"a.go", "b.go"}, LockExclusive, func() error {
				time.Sleep(time.Millisecond)
				return nil
			})
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deadlock detected acquiring overlapping path sets")
	}
}

// TestAccessManager_AcquireCancelled verifies a waiting acquisition honours context cancellation.
func TestAccessManager_AcquireCancelled(t *testing.T) {
	mgr := NewAccessManager()
	held, _ := mgr.TryAcquire("A", []string{"main.go"}, LockExclusive)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := mgr.Acquire(ctx, "B", []string{"main.go"}, LockExclusive)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

// TestAccessManager_WithLocksReleasesOnError verifies scoped locks are released when fn fails.
func TestAccessManager_WithLocksReleasesOnError(t *testing.T) {
	mgr := NewAccessManager()
	boom := errors.New("boom")

	err := mgr.WithLocks(context.Background(), "A", []string{"a.go"}, LockExclusive, func() error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if mgr.LockedResources() != 0 {
		t.Error("locks leaked after fn error")
	}
}

// TestAccessManager_ClearAllLocks verifies the administrative reset wakes waiters.
func TestAccessManager_ClearAllLocks(t *testing.T) {
	mgr := NewAccessManager()
	stale, _ := mgr.TryAcquire("A", []string{"main.go"}, LockExclusive)

	acquired := make(chan *Lease, 1)
	go func() {
		lease, err := mgr.Acquire(context.Background(), "B", []string{"main.go"}, LockExclusive)
		if err == nil {
			acquired <- lease
		}
	}()

	time.Sleep(10 * time.Millisecond)
	mgr.ClearAllLocks()

	select {
	case lease := <-acquired:
		stale.Release() // must not drop B's lock
		if holder, _ := mgr.Holders("main.go"); holder != "B" {
			t.Errorf("holder after stale release = %q, want B", holder)
		}
		lease.Release()
	case <-time.After(500 * time.Millisecond):
		t.Fatal("waiter not woken by ClearAllLocks")
	}
}

// TestAccessManager_EmptyPaths verifies empty path sets are granted trivially.
func TestAccessManager_EmptyPaths(t *testing.T) {
	mgr := NewAccessManager()

	lease, ok := mgr.TryAcquire("A", nil, LockExclusive)
	if !ok {
		t.Fatal("empty path set should always be granted")
	}
	lease.Release()

	var nilLease *Lease
	nilLease.Release() // should not panic
}
