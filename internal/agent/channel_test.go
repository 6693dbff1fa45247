package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/taskmesh/internal/scheduler"
)

// TestParseStatusMessage verifies the wire schema and its error cases.
func TestParseStatusMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		status   ResponseStatus
		progress int
		wantErr  bool
	}{
		{
			name:     "done with rfc3339 timestamp",
			input:    `{"status":"DONE","message":"ok","timestamp":"2025-03-01T10:00:00Z"}`,
			status:   ResponseDone,
			progress: -1,
		},
		{
			name:     "partial with progress and millis",
			input:    `{"status":"PARTIAL","progress_percentage":40,"timestamp":1740823200000}`,
			status:   ResponsePartial,
			progress: 40,
		},
		{
			name:     "error without timestamp",
			input:    `{"status":"ERROR","error":"tests failed"}`,
			status:   ResponseError,
			progress: -1,
		},
		{name: "unknown status", input: `{"status":"WORKING"}`, wantErr: true},
		{name: "missing status", input: `{"message":"hi"}`, wantErr: true},
		{name: "malformed json", input: `{"status":`, wantErr: true},
		{name: "progress out of range", input: `{"status":"PARTIAL","progress_percentage":140}`, wantErr: true},
		{name: "bad timestamp", input: `{"status":"DONE","timestamp":"yesterday"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseStatusMessage([]byte(tt.input))
			if tt.wantErr {
				var protoErr *ProtocolError
				if !errors.As(err, &protoErr) {
					t.Fatalf("expected ProtocolError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.Status != tt.status {
				t.Errorf("Status = %s, want %s", msg.Status, tt.status)
			}
			if msg.Progress() != tt.progress {
				t.Errorf("Progress = %d, want %d", msg.Progress(), tt.progress)
			}
			if msg.Timestamp.IsZero() {
				t.Error("Timestamp should be set")
			}
		})
	}

	msg, _ := ParseStatusMessage([]byte(`{"status":"DONE","timestamp":1740823200000}`))
	if want := time.UnixMilli(1740823200000); !msg.Timestamp.Equal(want) {
		t.Errorf("millis timestamp = %v, want %v", msg.Timestamp, want)
	}
}

// waitForStatus polls until the channel reports a terminal status.
func waitForStatus(t *testing.T, ch Channel, agentID, execID string) StatusMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := ch.ReceiveResponse(context.Background(), agentID, execID)
		if err == nil && msg.Status.Terminal() {
			return msg
		}
		if err != nil && !errors.Is(err, ErrNoResponse) {
			t.Fatalf("ReceiveResponse: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for terminal status")
	return StatusMessage{}
}

// TestLocalChannel_Lifecycle verifies send, progress, result and collection.
func TestLocalChannel_Lifecycle(t *testing.T) {
	ch := NewLocalChannel()
	defer ch.Close()

	release := make(chan struct{})
	ch.Handle("a1", func(ctx context.Context, p TaskPayload, progress ProgressFunc) (string, error) {
		progress(50, "halfway")
		<-release
		return "built " + p.Task.ID, nil
	})

	ok, err := ch.SendTask(context.Background(), "a1", testPayload("exec-1", "T1"))
	if !ok || err != nil {
		t.Fatalf("SendTask = %v, %v", ok, err)
	}
	if ok, _ := ch.SendTask(context.Background(), "a1", testPayload("exec-1", "T1")); ok {
		t.Error("duplicate execution should be rejected")
	}

	deadline := time.Now().Add(time.Second)
	for {
		msg, err := ch.ReceiveResponse(context.Background(), "a1", "exec-1")
		if err == nil && msg.Status == ResponsePartial {
			if msg.Progress() != 50 {
				t.Errorf("progress = %d", msg.Progress())
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no partial status reported")
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	msg := waitForStatus(t, ch, "a1", "exec-1")
	if msg.Status != ResponseDone || msg.Message != "built T1" {
		t.Errorf("terminal = %+v", msg)
	}
	if ch.Pending() != 0 {
		t.Errorf("Pending = %d after collection", ch.Pending())
	}
}

// TestLocalChannel_Errors verifies unknown agents, handler errors and cancellation.
func TestLocalChannel_Errors(t *testing.T) {
	ch := NewLocalChannel()
	defer ch.Close()

	if ok, err := ch.SendTask(context.Background(), "nobody", testPayload("e", "T")); ok || err != nil {
		t.Errorf("unknown agent SendTask = %v, %v; want false, nil", ok, err)
	}

	ch.Handle("fail", func(ctx context.Context, p TaskPayload, progress ProgressFunc) (string, error) {
		return "", errors.New("compile error")
	})
	ch.SendTask(context.Background(), "fail", testPayload("e1", "T"))
	msg := waitForStatus(t, ch, "fail", "e1")
	if msg.Status != ResponseError || msg.Error != "compile error" {
		t.Errorf("error status = %+v", msg)
	}

	stopped := make(chan struct{})
	ch.Handle("slow", func(ctx context.Context, p TaskPayload, progress ProgressFunc) (string, error) {
		<-ctx.Done()
		close(stopped)
		return "", ctx.Err()
	})
	ch.SendTask(context.Background(), "slow", testPayload("e2", "T"))
	if err := ch.CancelTask(context.Background(), "slow", "e2"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("handler context not cancelled")
	}
	if _, err := ch.ReceiveResponse(context.Background(), "slow", "e2"); err == nil {
		t.Error("cancelled run should be forgotten")
	}
}

func testPayload(execID, taskID string) TaskPayload {
	return TaskPayload{
		ExecutionID: execID,
		Attempt:     1,
		Task:        &scheduler.AtomicTask{ID: taskID, Title: "task " + taskID},
	}
}
