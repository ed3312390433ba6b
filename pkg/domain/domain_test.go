package domain

import (
	"errors"
	"testing"
)

func TestTaskStatusTerminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusSuccess, true},
		{StatusFailed, true},
		{TaskStatus("queued"), false},
		{TaskStatus(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Terminal(%q) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestParseTaskStatusEvent(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantErr    bool
		wantStatus TaskStatus
		wantTaskID string
		wantCode   string
	}{
		{
			name:       "terminal success with key",
			raw:        `{"status":"success","status_code":"ok","data":{"key":"abc123"}}`,
			wantStatus: StatusSuccess,
			wantTaskID: "abc123",
			wantCode:   "ok",
		},
		{
			name:       "pending without data",
			raw:        `{"status":"pending"}`,
			wantStatus: StatusPending,
		},
		{
			name:       "group scoped failure has no key",
			raw:        `{"status":"failed","status_code":"invalid_key_format","message":"Invalid image key format."}`,
			wantStatus: StatusFailed,
			wantCode:   "invalid_key_format",
		},
		{
			name:       "unknown status is preserved",
			raw:        `{"status":"queued","data":{"key":"k1"}}`,
			wantStatus: TaskStatus("queued"),
			wantTaskID: "k1",
		},
		{
			name:    "not json",
			raw:     `status=success`,
			wantErr: true,
		},
		{
			name:    "missing status",
			raw:     `{"data":{"key":"abc"}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := ParseTaskStatusEvent([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var perr *ProtocolError
				if !errors.As(err, &perr) {
					t.Fatalf("expected *ProtocolError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if evt.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", evt.Status, tt.wantStatus)
			}
			if evt.TaskID != tt.wantTaskID {
				t.Errorf("TaskID = %q, want %q", evt.TaskID, tt.wantTaskID)
			}
			if evt.StatusCode != tt.wantCode {
				t.Errorf("StatusCode = %q, want %q", evt.StatusCode, tt.wantCode)
			}
		})
	}
}

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateOpen, "open"},
		{StateClosing, "closing"},
		{ConnectionState(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
