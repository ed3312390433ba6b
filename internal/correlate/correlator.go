// Package correlate matches server-issued task keys to the workflows
// awaiting their outcomes. Registration must happen before the subscribe
// frame is sent, so a terminal event can never arrive ahead of its waiter.
package correlate

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/osvaldoandrade/bgprobe/pkg/domain"
)

var (
	// ErrTimeout is returned when no terminal event arrives within the
	// caller's deadline. The correlation entry is discarded; later terminal
	// events for the same key are dropped.
	ErrTimeout = errors.New("timed out waiting for terminal event")

	// ErrDuplicateTask is returned when a key is registered twice. The first
	// waiter keeps the slot.
	ErrDuplicateTask = errors.New("task id already registered")

	// ErrNotRegistered is returned when awaiting a key that was never
	// registered or was already resolved and collected.
	ErrNotRegistered = errors.New("task id not registered")
)

type waiter struct {
	done     chan struct{}
	outcome  domain.TaskStatusEvent
	resolved bool
	progress func(domain.TaskStatusEvent)
}

type Correlator struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		waiters: make(map[string]*waiter),
		logger:  logger,
	}
}

// Register creates the outcome slot for taskID. progress may be nil; when
// set it is invoked for every non-terminal event routed to the key.
func (c *Correlator) Register(taskID string, progress func(domain.TaskStatusEvent)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.waiters[taskID]; ok {
		return ErrDuplicateTask
	}
	c.waiters[taskID] = &waiter{
		done:     make(chan struct{}),
		progress: progress,
	}
	return nil
}

// Dispatch routes one stream event. Terminal events resolve the slot exactly
// once; repeats and events for unknown keys are no-ops.
func (c *Correlator) Dispatch(evt domain.TaskStatusEvent) {
	c.mu.Lock()
	w, ok := c.waiters[evt.TaskID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("dropping event for unknown task", "task", evt.TaskID, "status", evt.Status)
		return
	}
	if !evt.Status.Terminal() {
		progress := w.progress
		c.mu.Unlock()
		if progress != nil {
			progress(evt)
		}
		return
	}
	if w.resolved {
		c.mu.Unlock()
		c.logger.Debug("dropping duplicate terminal event", "task", evt.TaskID, "status", evt.Status)
		return
	}
	w.resolved = true
	w.outcome = evt
	close(w.done)
	c.mu.Unlock()
}

// AwaitOutcome blocks until the key resolves or ctx expires. A deadline hit
// maps to ErrTimeout; either way the entry is removed before returning.
func (c *Correlator) AwaitOutcome(ctx context.Context, taskID string) (domain.TaskStatusEvent, error) {
	c.mu.Lock()
	w, ok := c.waiters[taskID]
	c.mu.Unlock()
	if !ok {
		return domain.TaskStatusEvent{}, ErrNotRegistered
	}

	select {
	case <-w.done:
		c.Drop(taskID)
		return w.outcome, nil
	case <-ctx.Done():
		c.Drop(taskID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.TaskStatusEvent{}, ErrTimeout
		}
		return domain.TaskStatusEvent{}, ctx.Err()
	}
}

// Drop removes the slot for taskID. Safe to call for unknown keys.
func (c *Correlator) Drop(taskID string) {
	c.mu.Lock()
	delete(c.waiters, taskID)
	c.mu.Unlock()
}

// Pending reports how many correlations are still registered.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
