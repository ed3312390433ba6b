// Package stream owns the websocket side of the harness: one persistent
// connection per task group, a subscribe frame per task key, fixed-delay
// reconnects, and frame dispatch to the workflows that care.
//
// The connection and its state are owned exclusively by the group's run
// goroutine; everything else goes through Subscribe/Unsubscribe. Inbound
// frames are queued to a dispatcher goroutine so slow handlers can never
// stall the reader.
package stream

import (
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/osvaldoandrade/bgprobe/internal/backoff"
	"github.com/osvaldoandrade/bgprobe/internal/metrics"
	"github.com/osvaldoandrade/bgprobe/pkg/domain"
)

// ConnectionOutcome is reported to subscribers when a group connection
// terminates for good: clean unsubscribe (Err nil) or reconnect budget
// exhausted.
type ConnectionOutcome struct {
	Err error
}

type Options struct {
	BaseURL    string // ws://host or wss://host
	PathPrefix string // e.g. /ws/remove-background/

	HandshakeTimeout time.Duration

	ReconnectPolicy      string
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int // consecutive failures before giving up; 0 = unbounded
}

type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string]*groupConn
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PathPrefix == "" {
		opts.PathPrefix = "/ws/remove-background/"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectPolicy == "" {
		opts.ReconnectPolicy = "fixed"
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 5 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Minute
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		logger: logger,
		groups: make(map[string]*groupConn),
	}
}

type subscription struct {
	taskID   string
	handler  func(domain.TaskStatusEvent)
	onClosed func(ConnectionOutcome)
}

// Handle detaches one subscriber from its group connection. The connection
// itself is torn down only when the last subscriber leaves.
type Handle struct {
	group *groupConn
	sub   *subscription
	once  sync.Once
}

func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		if h.group != nil {
			h.group.remove(h.sub)
		}
	})
}

// Subscribe attaches a handler for events of taskGroup. When taskID is
// non-empty a subscribe frame {"key": taskID} is sent as soon as the
// connection is open (queued while connecting, re-sent after reconnects),
// and keyed frames are filtered to that id. An empty taskID observes every
// frame of the group. Keyless frames reach all subscribers.
//
// Callers correlating a task must register their waiter before calling
// Subscribe, otherwise a fast terminal event can race the registration.
func (c *Client) Subscribe(taskGroup string, taskID string, handler func(domain.TaskStatusEvent), onClosed func(ConnectionOutcome)) (*Handle, error) {
	if strings.TrimSpace(taskGroup) == "" {
		return nil, &domain.ProtocolError{Reason: "task group is required"}
	}
	g := c.group(taskGroup)
	sub := &subscription{taskID: taskID, handler: handler, onClosed: onClosed}
	g.add(sub)
	return &Handle{group: g, sub: sub}, nil
}

// GroupState reports the connection state for a task group. Groups without a
// live connection are disconnected.
func (c *Client) GroupState(taskGroup string) domain.ConnectionState {
	c.mu.Lock()
	g, ok := c.groups[taskGroup]
	c.mu.Unlock()
	if !ok {
		return domain.StateDisconnected
	}
	return g.State()
}

// Close tears down every group connection. Used by the orchestrator at batch
// end (connections are otherwise kept alive for the batch's duration).
func (c *Client) Close() {
	c.mu.Lock()
	groups := make([]*groupConn, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()
	for _, g := range groups {
		g.shutdown(ConnectionOutcome{})
	}
}

// group returns the live connection for taskGroup, spawning one if needed.
// Never more than one per group value: duplicates would receive interleaved
// events and waste server resources.
func (c *Client) group(taskGroup string) *groupConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[taskGroup]; ok && !g.stopped() {
		return g
	}
	g := newGroupConn(c, taskGroup)
	c.groups[taskGroup] = g
	go g.run()
	return g
}

func (c *Client) drop(g *groupConn) {
	c.mu.Lock()
	if cur, ok := c.groups[g.taskGroup]; ok && cur == g {
		delete(c.groups, g.taskGroup)
	}
	c.mu.Unlock()
}

func (c *Client) groupURL(taskGroup string) string {
	return c.opts.BaseURL + c.opts.PathPrefix + url.PathEscape(taskGroup) + "/"
}

type groupConn struct {
	client    *Client
	taskGroup string
	logger    *slog.Logger

	mu    sync.Mutex
	state domain.ConnectionState
	subs  map[*subscription]struct{}
	conn  *websocket.Conn
	done  bool

	wmu sync.Mutex // serializes frame writes

	stop   chan struct{}
	events chan domain.TaskStatusEvent
}

func newGroupConn(c *Client, taskGroup string) *groupConn {
	return &groupConn{
		client:    c,
		taskGroup: taskGroup,
		logger:    c.logger.With("task_group", taskGroup),
		state:     domain.StateDisconnected,
		subs:      make(map[*subscription]struct{}),
		stop:      make(chan struct{}),
		events:    make(chan domain.TaskStatusEvent, 64),
	}
}

func (g *groupConn) State() domain.ConnectionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *groupConn) stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done || g.state == domain.StateClosing
}

func (g *groupConn) add(sub *subscription) {
	g.mu.Lock()
	g.subs[sub] = struct{}{}
	open := g.state == domain.StateOpen
	conn := g.conn
	g.mu.Unlock()

	// Subscriptions issued while connecting stay queued in subs and are
	// flushed by the run loop once the connection opens.
	if open && sub.taskID != "" {
		g.writeKey(conn, sub.taskID)
	}
}

func (g *groupConn) remove(sub *subscription) {
	g.mu.Lock()
	delete(g.subs, sub)
	last := len(g.subs) == 0 && !g.done
	g.mu.Unlock()
	if last {
		g.shutdown(ConnectionOutcome{})
	}
}

// shutdown moves the connection to closing and stops the run loop. No
// further reconnects happen; the terminal state is disconnected.
func (g *groupConn) shutdown(outcome ConnectionOutcome) {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	g.done = true
	g.state = domain.StateClosing
	conn := g.conn
	g.mu.Unlock()

	close(g.stop)
	if conn != nil {
		_ = conn.Close()
	}
	g.client.drop(g)
}

// run owns the connection lifecycle: connect, flush subscribe frames, read
// until the socket drops, back off, repeat. Exits on explicit shutdown or
// when the reconnect budget is exhausted.
func (g *groupConn) run() {
	go g.dispatchLoop()
	defer close(g.events)

	wsURL := g.client.groupURL(g.taskGroup)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempts := 0

	for {
		if g.stopped() {
			g.finish(ConnectionOutcome{})
			return
		}

		g.setState(domain.StateConnecting)
		conn, _, err := g.client.dialer.Dial(wsURL, nil)
		if err != nil {
			g.logger.Warn("stream connect failed", "err", err, "attempts", attempts)
			if !g.await(attempts, rng) {
				g.finish(ConnectionOutcome{Err: err})
				return
			}
			attempts++
			continue
		}

		g.mu.Lock()
		if g.done {
			g.mu.Unlock()
			_ = conn.Close()
			g.finish(ConnectionOutcome{})
			return
		}
		g.conn = conn
		g.state = domain.StateOpen
		keys := g.activeKeys()
		g.mu.Unlock()
		attempts = 0

		// Re-sending every active key after a reconnect is what keeps a
		// still-pending correlation alive across a drop.
		for _, key := range keys {
			g.writeKey(conn, key)
		}
		g.logger.Debug("stream open", "subscriptions", len(keys))

		readErr := g.readLoop(conn)
		_ = conn.Close()
		g.mu.Lock()
		g.conn = nil
		if !g.done {
			g.state = domain.StateDisconnected
		}
		g.mu.Unlock()

		if g.stopped() {
			g.finish(ConnectionOutcome{})
			return
		}
		g.logger.Warn("stream connection dropped", "err", readErr)
		if !g.await(attempts, rng) {
			g.finish(ConnectionOutcome{Err: readErr})
			return
		}
		attempts++
	}
}

// await sleeps the reconnect delay for the given attempt. Returns false when
// the budget is exhausted or the connection is shutting down.
func (g *groupConn) await(attempts int, rng *rand.Rand) bool {
	opts := g.client.opts
	if opts.MaxReconnectAttempts > 0 && attempts+1 > opts.MaxReconnectAttempts {
		g.logger.Error("reconnect budget exhausted", "attempts", attempts)
		return false
	}
	metrics.ReconnectsTotal.Inc()
	delay := backoff.Delay(opts.ReconnectPolicy, opts.ReconnectBase, opts.ReconnectMax, attempts, rng)
	select {
	case <-time.After(delay):
		return true
	case <-g.stop:
		return false
	}
}

func (g *groupConn) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		evt, err := domain.ParseTaskStatusEvent(data)
		if err != nil {
			metrics.ProtocolErrorsTotal.Inc()
			g.logger.Warn("dropping unparsable frame", "err", err)
			continue
		}
		metrics.StreamEventsTotal.WithLabelValues(string(evt.Status)).Inc()
		select {
		case g.events <- evt:
		default:
			// Dispatch queue full: the frame is dropped rather than
			// blocking the reader. Terminal frames re-arrive on the
			// server's standard response path for detail queries, so
			// this only loses progress updates under pathological load.
			g.logger.Warn("dispatch queue full, dropping frame", "status", evt.Status)
		}
	}
}

// dispatchLoop routes queued events to subscribers. Keyed frames go to the
// matching subscriptions (plus any group-wide observers); keyless frames are
// broadcast to everyone in the group.
func (g *groupConn) dispatchLoop() {
	for evt := range g.events {
		g.mu.Lock()
		targets := make([]*subscription, 0, len(g.subs))
		for sub := range g.subs {
			if evt.TaskID == "" || sub.taskID == "" || sub.taskID == evt.TaskID {
				targets = append(targets, sub)
			}
		}
		g.mu.Unlock()
		for _, sub := range targets {
			if sub.handler != nil {
				sub.handler(evt)
			}
		}
	}
}

// finish reports the terminal outcome to every remaining subscriber and
// leaves the state at disconnected.
func (g *groupConn) finish(outcome ConnectionOutcome) {
	g.mu.Lock()
	g.done = true
	g.state = domain.StateDisconnected
	subs := make([]*subscription, 0, len(g.subs))
	for sub := range g.subs {
		subs = append(subs, sub)
	}
	g.mu.Unlock()

	g.client.drop(g)
	for _, sub := range subs {
		if sub.onClosed != nil {
			sub.onClosed(outcome)
		}
	}
}

// activeKeys returns the distinct task keys of the current subscriptions.
// Caller holds g.mu.
func (g *groupConn) activeKeys() []string {
	seen := make(map[string]struct{}, len(g.subs))
	keys := make([]string, 0, len(g.subs))
	for sub := range g.subs {
		if sub.taskID == "" {
			continue
		}
		if _, ok := seen[sub.taskID]; ok {
			continue
		}
		seen[sub.taskID] = struct{}{}
		keys = append(keys, sub.taskID)
	}
	return keys
}

func (g *groupConn) writeKey(conn *websocket.Conn, taskID string) {
	g.wmu.Lock()
	defer g.wmu.Unlock()
	if err := conn.WriteJSON(map[string]string{"key": taskID}); err != nil {
		// The read loop will observe the broken connection and reconnect;
		// the key is re-sent on the next open.
		g.logger.Warn("subscribe frame write failed", "task", taskID, "err", err)
	}
}

func (g *groupConn) setState(s domain.ConnectionState) {
	g.mu.Lock()
	if !g.done {
		g.state = s
	}
	g.mu.Unlock()
}
