package persistence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aristath/taskmesh/internal/agent"
	"github.com/aristath/taskmesh/internal/orchestrator"
	"github.com/aristath/taskmesh/internal/scheduler"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func payloadFor(execID string, attempt int) agent.TaskPayload {
	return agent.TaskPayload{ExecutionID: execID, Attempt: attempt, Task: newTask("T001")}
}

// TestMailboxRoundTrip verifies a dispatch travels to the worker and its status comes back.
func TestMailboxRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mb := NewMailbox(store, quietLogger)
	w := NewWorker(store, "a1", "", quietLogger)

	if _, err := mb.ReceiveResponse(ctx, "a1", "exec-1"); err == nil {
		t.Fatal("expected NotFoundError before dispatch")
	}

	ok, err := mb.SendTask(ctx, "a1", payloadFor("exec-1", 1))
	if err != nil || !ok {
		t.Fatalf("SendTask = %v, %v; want true, nil", ok, err)
	}
	ok, err = mb.SendTask(ctx, "a1", payloadFor("exec-1", 1))
	if err != nil || ok {
		t.Fatalf("duplicate SendTask = %v, %v; want false, nil", ok, err)
	}

	if _, err := mb.ReceiveResponse(ctx, "a1", "exec-1"); !errors.Is(err, agent.ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse before report, got %v", err)
	}

	// Another agent's queue stays empty
	if _, err := NewWorker(store, "a2", "", quietLogger).ClaimNext(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("a2 ClaimNext error = %v, want ErrEmpty", err)
	}

	got, err := w.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got.ExecutionID != "exec-1" || got.Task == nil || got.Task.ID != "T001" {
		t.Errorf("claimed payload = %+v", got)
	}
	if _, err := w.ClaimNext(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("second ClaimNext error = %v, want ErrEmpty", err)
	}

	half := 50
	if err := w.Report(ctx, got, agent.StatusMessage{Status: agent.ResponsePartial, ProgressPercentage: &half}); err != nil {
		t.Fatalf("Report partial: %v", err)
	}
	msg, err := mb.ReceiveResponse(ctx, "a1", "exec-1")
	if err != nil {
		t.Fatalf("ReceiveResponse: %v", err)
	}
	if msg.Status != agent.ResponsePartial || msg.Progress() != 50 {
		t.Errorf("got %s %d%%, want PARTIAL 50%%", msg.Status, msg.Progress())
	}

	if err := w.Report(ctx, got, agent.StatusMessage{Status: agent.ResponseDone, Message: "ok"}); err != nil {
		t.Fatalf("Report done: %v", err)
	}
	msg, err = mb.ReceiveResponse(ctx, "a1", "exec-1")
	if err != nil {
		t.Fatalf("ReceiveResponse: %v", err)
	}
	if msg.Status != agent.ResponseDone || msg.Message != "ok" {
		t.Errorf("got %+v, want DONE ok", msg)
	}

	// A retry is a new attempt with no response yet
	ok, err = mb.SendTask(ctx, "a1", payloadFor("exec-1", 2))
	if err != nil || !ok {
		t.Fatalf("retry SendTask = %v, %v; want true, nil", ok, err)
	}
	if _, err := mb.ReceiveResponse(ctx, "a1", "exec-1"); !errors.Is(err, agent.ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse for new attempt, got %v", err)
	}
}

// TestMailboxMalformedResponse verifies a bad status body surfaces as a ProtocolError.
func TestMailboxMalformedResponse(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mb := NewMailbox(store, quietLogger)

	if _, err := mb.SendTask(ctx, "a1", payloadFor("exec-1", 1)); err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `INSERT INTO responses (execution_id, attempt, body) VALUES (?, ?, ?)`,
		"exec-1", 1, `{"status":"MAYBE"}`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err := mb.ReceiveResponse(ctx, "a1", "exec-1")
	var perr *agent.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

// TestMailboxCancel verifies cancellation is visible to the worker.
func TestMailboxCancel(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mb := NewMailbox(store, quietLogger)
	w := NewWorker(store, "a1", "", quietLogger)

	var nf *scheduler.NotFoundError
	if err := mb.CancelTask(ctx, "a1", "missing"); !errors.As(err, &nf) {
		t.Fatalf("CancelTask unknown = %v, want NotFoundError", err)
	}

	p := payloadFor("exec-1", 1)
	if _, err := mb.SendTask(ctx, "a1", p); err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	if c, err := w.Cancelled(ctx, p); err != nil || c {
		t.Fatalf("Cancelled before cancel = %v, %v", c, err)
	}
	if err := mb.CancelTask(ctx, "a1", "exec-1"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if c, err := w.Cancelled(ctx, p); err != nil || !c {
		t.Fatalf("Cancelled after cancel = %v, %v", c, err)
	}

	// Cancelled dispatches are never claimed
	if _, err := w.ClaimNext(ctx); !errors.Is(err, ErrEmpty) {
		t.Fatalf("ClaimNext error = %v, want ErrEmpty", err)
	}
}

// TestSyncHeartbeats verifies worker heartbeats register and refresh agents.
func TestSyncHeartbeats(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mb := NewMailbox(store, quietLogger)
	reg := agent.NewRegistry(agent.DefaultCapacity())

	w := NewWorker(store, "a1", "Builder", quietLogger)
	if err := w.Heartbeat(ctx, agent.StatusIdle); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := mb.SyncHeartbeats(ctx, reg); err != nil {
		t.Fatalf("SyncHeartbeats: %v", err)
	}

	a, ok := reg.Get("a1")
	if !ok {
		t.Fatal("agent a1 not registered on first heartbeat")
	}
	if a.Name != "Builder" || a.Status != agent.StatusIdle {
		t.Errorf("agent = %s/%s, want Builder/idle", a.Name, a.Status)
	}
	if a.Capacity != agent.DefaultCapacity() {
		t.Errorf("capacity = %+v, want default", a.Capacity)
	}

	// The same heartbeat is applied once
	if err := reg.UpdateHeartbeat("a1", agent.StatusOffline); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}
	if err := mb.SyncHeartbeats(ctx, reg); err != nil {
		t.Fatalf("SyncHeartbeats: %v", err)
	}
	if a, _ := reg.Get("a1"); a.Status != agent.StatusOffline {
		t.Errorf("status = %s, want offline (stale heartbeat reapplied)", a.Status)
	}

	time.Sleep(2 * time.Millisecond)
	if err := w.Heartbeat(ctx, agent.StatusIdle); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := mb.SyncHeartbeats(ctx, reg); err != nil {
		t.Fatalf("SyncHeartbeats: %v", err)
	}
	if a, _ := reg.Get("a1"); a.Status != agent.StatusIdle {
		t.Errorf("status = %s, want idle after fresh heartbeat", a.Status)
	}
}

// TestWorkerServe verifies a coordinator executes a task through the mailbox end to end.
func TestWorkerServe(t *testing.T) {
	store := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(store, "a1", "", quietLogger)
	served := make(chan error, 1)
	go func() {
		served <- w.Serve(ctx, func(ctx context.Context, p agent.TaskPayload, progress agent.ProgressFunc) (string, error) {
			progress(50, "halfway")
			return "built " + p.Task.ID, nil
		}, 5*time.Millisecond)
	}()

	mb := NewMailbox(store, quietLogger)
	orch := agent.NewOrchestrator(mb, agent.Options{Logger: quietLogger})
	cfg := orchestrator.DefaultExecutionConfig()
	cfg.TaskTimeout = 5 * time.Second
	cfg.MaxTaskTimeout = 5 * time.Second
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxPollInterval = 20 * time.Millisecond
	c := orchestrator.NewCoordinator(orch, orchestrator.Options{Config: cfg, Logger: quietLogger})
	defer c.Dispose()

	// The worker's first heartbeat registers it
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := mb.SyncHeartbeats(ctx, orch.Registry()); err != nil {
			t.Fatalf("SyncHeartbeats: %v", err)
		}
		if _, ok := orch.Registry().Get("a1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st := &scheduler.ScheduledTask{
		Task:      newTask("T001"),
		Resources: scheduler.ResourceEstimate{MemoryMB: 256, CPUWeight: 0.5},
	}
	exec, err := c.ExecuteTask(ctx, st)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if exec.Status != orchestrator.ExecutionCompleted || exec.Result.Output != "built T001" {
		t.Fatalf("execution = %s %q (%s), want completed", exec.Status, exec.Result.Output, exec.Result.Error)
	}

	if err := store.SaveTask(ctx, st.Task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := store.SaveExecution(ctx, RecordOf(exec)); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	recs, err := store.ListExecutions(ctx, "T001")
	if err != nil || len(recs) != 1 || recs[0].AgentID != "a1" || recs[0].Status != "completed" {
		t.Fatalf("stored executions = %+v, %v", recs, err)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	// Serve marks the worker offline on the way out
	var status string
	if err := store.db.QueryRowContext(context.Background(), `SELECT status FROM heartbeats WHERE agent_id = ?`, "a1").Scan(&status); err != nil {
		t.Fatalf("query heartbeat: %v", err)
	}
	if status != string(agent.StatusOffline) {
		t.Errorf("heartbeat status = %s, want offline", status)
	}
}
