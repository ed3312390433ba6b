package domain

import (
	"encoding"
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusSuccess    TaskStatus = "success"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further status changes are expected for a task.
// Unknown status values are treated as non-terminal.
func (s TaskStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

var (
	_ encoding.BinaryMarshaler = TaskStatus("")
	_ encoding.TextMarshaler   = TaskStatus("")
)

func (s TaskStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s TaskStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

// TaskStatusEvent is one frame pushed by the remote service over the task
// group's websocket. The wire shape is the service's standard response:
// status, status_code, optional message and data; the task key, when the
// frame is task-scoped, lives at data.key. Frames without a key are
// group-scoped (e.g. invalid_key_format) and apply to every subscriber.
type TaskStatusEvent struct {
	TaskID     string
	Status     TaskStatus
	StatusCode string
	Message    string
	Payload    json.RawMessage
}

type statusFrame struct {
	Status     string          `json:"status"`
	StatusCode string          `json:"status_code"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

// ParseTaskStatusEvent decodes a raw websocket text frame. It fails only
// when the frame is not JSON or carries no status at all; unknown status
// values are kept as-is and stay non-terminal.
func ParseTaskStatusEvent(raw []byte) (TaskStatusEvent, error) {
	var f statusFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return TaskStatusEvent{}, &ProtocolError{Reason: "frame is not valid JSON", Err: err}
	}
	if f.Status == "" {
		return TaskStatusEvent{}, &ProtocolError{Reason: "frame has no status field"}
	}
	evt := TaskStatusEvent{
		Status:     TaskStatus(f.Status),
		StatusCode: f.StatusCode,
		Message:    f.Message,
		Payload:    f.Data,
	}
	if len(f.Data) > 0 {
		var key struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(f.Data, &key); err == nil {
			evt.TaskID = key.Key
		}
	}
	return evt, nil
}

// SubmissionRequest is one upload to the remote service. SubmissionID is
// generated locally and used only for client-side bookkeeping; the
// authoritative task id is assigned by the server.
type SubmissionRequest struct {
	SubmissionID string
	FileName     string
	Payload      []byte
	TaskGroup    string
	Country      string
}

// BatchReport aggregates the outcomes of one orchestrated run.
type BatchReport struct {
	TaskGroup  string    `json:"taskGroup"`
	Requested  int       `json:"requested"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Errored    int       `json:"errored"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}
