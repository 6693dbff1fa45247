package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aristath/taskmesh/internal/scheduler"
)

var (
	// ErrNoResponse is returned by ReceiveResponse when the agent has not reported yet.
	ErrNoResponse = errors.New("no response yet")
	// ErrDeliveryFailed marks a task that the channel could not hand to its agent.
	ErrDeliveryFailed = errors.New("task delivery failed")
)

// ResponseStatus is the tag of an agent status message.
type ResponseStatus string

const (
	ResponseDone    ResponseStatus = "DONE"
	ResponseError   ResponseStatus = "ERROR"
	ResponsePartial ResponseStatus = "PARTIAL"
)

// Terminal reports whether the status ends an execution.
func (s ResponseStatus) Terminal() bool {
	return s == ResponseDone || s == ResponseError
}

// TaskPayload is what a channel delivers to an agent.
type TaskPayload struct {
	ExecutionID string                `json:"execution_id"`
	Attempt     int                   `json:"attempt"`
	Deadline    time.Time             `json:"deadline"`
	Task        *scheduler.AtomicTask `json:"task"`
}

// StatusMessage is the agent-reported progress or result of an execution.
type StatusMessage struct {
	Status             ResponseStatus `json:"status"`
	Message            string         `json:"message,omitempty"`
	ProgressPercentage *int           `json:"progress_percentage,omitempty"`
	Error              string         `json:"error,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}

// Progress returns the reported percentage, or -1 when none was given.
func (m StatusMessage) Progress() int {
	if m.ProgressPercentage == nil {
		return -1
	}
	return *m.ProgressPercentage
}

// ProtocolError means an agent sent something that does not match the wire schema.
type ProtocolError struct {
	Raw    string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "invalid agent response: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

type wireStatus struct {
	Status             string          `json:"status"`
	Message            string          `json:"message"`
	ProgressPercentage *int            `json:"progress_percentage"`
	Error              string          `json:"error"`
	Timestamp          json.RawMessage `json:"timestamp"`
}

// ParseStatusMessage decodes one agent status message. The timestamp may be an
// RFC 3339 string or unix milliseconds; a missing timestamp is set to now.
func ParseStatusMessage(data []byte) (StatusMessage, error) {
	raw := string(bytes.TrimSpace(data))

	var w wireStatus
	if err := json.Unmarshal(data, &w); err != nil {
		return StatusMessage{}, &ProtocolError{Raw: raw, Reason: "malformed json", Err: err}
	}

	msg := StatusMessage{
		Status:             ResponseStatus(w.Status),
		Message:            w.Message,
		ProgressPercentage: w.ProgressPercentage,
		Error:              w.Error,
	}
	switch msg.Status {
	case ResponseDone, ResponseError, ResponsePartial:
	default:
		return StatusMessage{}, &ProtocolError{Raw: raw, Reason: fmt.Sprintf("unknown status %q", w.Status)}
	}
	if p := msg.ProgressPercentage; p != nil && (*p < 0 || *p > 100) {
		return StatusMessage{}, &ProtocolError{Raw: raw, Reason: fmt.Sprintf("progress %d out of range", *p)}
	}

	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return StatusMessage{}, &ProtocolError{Raw: raw, Reason: "bad timestamp", Err: err}
	}
	msg.Timestamp = ts
	return msg, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Now(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// Channel is the boundary to remote agents. Every call is fallible and the
// caller bounds it with ctx.
type Channel interface {
	// SendTask delivers a task. false or an error means the agent did not accept it.
	SendTask(ctx context.Context, agentID string, payload TaskPayload) (bool, error)

	// ReceiveResponse returns the latest status for an execution, or
	// ErrNoResponse if the agent has not reported yet.
	ReceiveResponse(ctx context.Context, agentID, executionID string) (StatusMessage, error)
}

// Canceler is implemented by channels that can tell an agent to stop working
// on an execution. Cancellation is best effort.
type Canceler interface {
	CancelTask(ctx context.Context, agentID, executionID string) error
}
