package stream

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/osvaldoandrade/bgprobe/pkg/domain"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions(srv *httptest.Server) Options {
	return Options{
		BaseURL:       wsURL(srv),
		ReconnectBase: 20 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	}
}

func collectEvents() (func(domain.TaskStatusEvent), func() []domain.TaskStatusEvent) {
	var mu sync.Mutex
	var events []domain.TaskStatusEvent
	record := func(evt domain.TaskStatusEvent) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	}
	snapshot := func() []domain.TaskStatusEvent {
		mu.Lock()
		defer mu.Unlock()
		out := make([]domain.TaskStatusEvent, len(events))
		copy(out, events)
		return out
	}
	return record, snapshot
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubscribeReceivesStatusEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/remove-background/group-1/") {
			t.Errorf("path = %s", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var frame struct {
			Key string `json:"key"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Errorf("read subscribe frame: %v", err)
			return
		}
		if frame.Key != "abc123" {
			t.Errorf("subscribe key = %q, want abc123", frame.Key)
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"pending","data":{"key":"abc123"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"success","data":{"key":"abc123"}}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv), slog.Default())
	defer c.Close()

	record, snapshot := collectEvents()
	h, err := c.Subscribe("group-1", "abc123", record, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe()

	waitFor(t, 2*time.Second, func() bool { return len(snapshot()) >= 2 })
	events := snapshot()
	if events[0].Status != domain.StatusPending {
		t.Errorf("first event = %q, want pending", events[0].Status)
	}
	if events[1].Status != domain.StatusSuccess {
		t.Errorf("second event = %q, want success", events[1].Status)
	}
}

func TestSingleConnectionPerTaskGroup(t *testing.T) {
	var upgrades int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upgrades, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv), slog.Default())
	defer c.Close()

	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, err := c.Subscribe("group-1", "", nil, nil)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		handles = append(handles, h)
	}

	waitFor(t, 2*time.Second, func() bool {
		return c.GroupState("group-1") == domain.StateOpen
	})
	if got := atomic.LoadInt32(&upgrades); got != 1 {
		t.Errorf("upgrades = %d, want 1", got)
	}
	for _, h := range handles {
		h.Unsubscribe()
	}
}

func TestReconnectResendsSubscribeKey(t *testing.T) {
	var conns int32
	keyFrames := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&conns, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var frame struct {
			Key string `json:"key"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		keyFrames <- frame.Key

		if n == 1 {
			// Drop the first connection without a terminal event.
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"failed","data":{"key":"abc123"}}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv), slog.Default())
	defer c.Close()

	record, snapshot := collectEvents()
	h, err := c.Subscribe("group-1", "abc123", record, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe()

	// Both connections must have seen the subscribe frame.
	for i := 0; i < 2; i++ {
		select {
		case key := <-keyFrames:
			if key != "abc123" {
				t.Errorf("subscribe key = %q, want abc123", key)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %d never received the subscribe frame", i+1)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(snapshot()) >= 1 })
	if got := snapshot()[0].Status; got != domain.StatusFailed {
		t.Errorf("status after reconnect = %q, want failed", got)
	}
}

func TestUnparsableFramesAreDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"no_status":true}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"success"}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv), slog.Default())
	defer c.Close()

	record, snapshot := collectEvents()
	h, err := c.Subscribe("group-1", "", record, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe()

	waitFor(t, 2*time.Second, func() bool { return len(snapshot()) >= 1 })
	events := snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %d, want exactly 1 (bad frames dropped)", len(events))
	}
	if events[0].Status != domain.StatusSuccess {
		t.Errorf("status = %q, want success", events[0].Status)
	}
}

func TestKeylessFramesBroadcastToAllSubscribers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Consume the two subscribe frames, then emit a group-scoped error.
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"failed","status_code":"internal_server_error"}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv), slog.Default())
	defer c.Close()

	recordA, snapshotA := collectEvents()
	recordB, snapshotB := collectEvents()
	hA, err := c.Subscribe("group-1", "task-a", recordA, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer hA.Unsubscribe()
	hB, err := c.Subscribe("group-1", "task-b", recordB, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer hB.Unsubscribe()

	waitFor(t, 2*time.Second, func() bool {
		return len(snapshotA()) >= 1 && len(snapshotB()) >= 1
	})
}

func TestKeyedFramesAreFiltered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"success","data":{"key":"task-a"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"failed","data":{"key":"task-b"}}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv), slog.Default())
	defer c.Close()

	recordA, snapshotA := collectEvents()
	recordB, snapshotB := collectEvents()
	hA, _ := c.Subscribe("group-1", "task-a", recordA, nil)
	defer hA.Unsubscribe()
	hB, _ := c.Subscribe("group-1", "task-b", recordB, nil)
	defer hB.Unsubscribe()

	waitFor(t, 2*time.Second, func() bool {
		return len(snapshotA()) >= 1 && len(snapshotB()) >= 1
	})
	if got := snapshotA()[0].Status; got != domain.StatusSuccess {
		t.Errorf("subscriber a saw %q, want success", got)
	}
	if got := snapshotB()[0].Status; got != domain.StatusFailed {
		t.Errorf("subscriber b saw %q, want failed", got)
	}
	if len(snapshotA()) != 1 || len(snapshotB()) != 1 {
		t.Errorf("cross-delivery detected: a=%d b=%d", len(snapshotA()), len(snapshotB()))
	}
}

func TestLastUnsubscribeClosesConnection(t *testing.T) {
	closed := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- struct{}{}
				return
			}
		}
	}))
	defer srv.Close()

	c := NewClient(testOptions(srv), slog.Default())
	h, err := c.Subscribe("group-1", "abc123", nil, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return c.GroupState("group-1") == domain.StateOpen
	})

	h.Unsubscribe()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the close")
	}
	waitFor(t, 2*time.Second, func() bool {
		return c.GroupState("group-1") == domain.StateDisconnected
	})
}

func TestReconnectBudgetExhaustedReportsOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no websocket here", http.StatusBadRequest)
	}))
	defer srv.Close()

	opts := testOptions(srv)
	opts.MaxReconnectAttempts = 2
	c := NewClient(opts, slog.Default())
	defer c.Close()

	outcomes := make(chan ConnectionOutcome, 1)
	h, err := c.Subscribe("group-1", "abc123", nil, func(o ConnectionOutcome) {
		outcomes <- o
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe()

	select {
	case o := <-outcomes:
		if o.Err == nil {
			t.Error("expected a non-nil outcome error after budget exhaustion")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("onClosed never fired")
	}
}
