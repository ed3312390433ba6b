// Package runner drives a batch: N concurrent submission workflows, each one
// upload followed by one event-stream subscription, joined and aggregated
// into a single report. Aggregation flows through one results channel; no
// counter is shared between workflows.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/osvaldoandrade/bgprobe/internal/correlate"
	"github.com/osvaldoandrade/bgprobe/internal/metrics"
	"github.com/osvaldoandrade/bgprobe/internal/stream"
	"github.com/osvaldoandrade/bgprobe/pkg/domain"
)

type Submitter interface {
	Submit(ctx context.Context, req domain.SubmissionRequest) (string, error)
}

type EventStream interface {
	Subscribe(taskGroup string, taskID string, handler func(domain.TaskStatusEvent), onClosed func(stream.ConnectionOutcome)) (*stream.Handle, error)
	Close()
}

type Config struct {
	Count          int
	Payload        []byte
	FileName       string
	TaskGroup      string
	Country        string
	Stagger        time.Duration
	OutcomeTimeout time.Duration
}

type Orchestrator struct {
	submitter  Submitter
	streams    EventStream
	correlator *correlate.Correlator
	logger     *slog.Logger
	tracer     trace.Tracer

	// OnProgress, when set, receives every non-terminal event routed to a
	// workflow. Used by the CLI to feed its progress display.
	OnProgress func(taskID string, evt domain.TaskStatusEvent)
}

func New(submitter Submitter, streams EventStream, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		submitter:  submitter,
		streams:    streams,
		correlator: correlate.New(logger),
		logger:     logger,
		tracer:     otel.Tracer("bgprobe/runner"),
	}
}

type result string

const (
	resultSucceeded result = "succeeded"
	resultFailed    result = "failed"
	resultErrored   result = "errored"
)

// RunBatch spawns cfg.Count workflows with a small stagger between spawns
// (connect-storm avoidance, not correctness), joins every one, and reports
// aggregate counts. The task group's stream connection stays alive for the
// whole batch and is closed here at the end.
func (o *Orchestrator) RunBatch(ctx context.Context, cfg Config) domain.BatchReport {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.OutcomeTimeout <= 0 {
		cfg.OutcomeTimeout = 2 * time.Minute
	}
	defer o.streams.Close()

	report := domain.BatchReport{
		TaskGroup: cfg.TaskGroup,
		Requested: cfg.Count,
		StartedAt: time.Now().UTC(),
	}

	results := make(chan result)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Count; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results <- o.workflow(ctx, cfg, n)
		}(i)
		if cfg.Stagger > 0 && i < cfg.Count-1 {
			time.Sleep(cfg.Stagger)
		}
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		switch r {
		case resultSucceeded:
			report.Succeeded++
		case resultFailed:
			report.Failed++
		default:
			report.Errored++
		}
	}
	report.FinishedAt = time.Now().UTC()

	o.logger.Info("batch finished",
		"task_group", cfg.TaskGroup,
		"requested", report.Requested,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"errored", report.Errored)
	return report
}

func (o *Orchestrator) workflow(ctx context.Context, cfg Config, n int) result {
	ctx, span := o.tracer.Start(ctx, "bgprobe.workflow",
		trace.WithAttributes(attribute.Int("workflow.index", n)))
	defer span.End()

	req := domain.SubmissionRequest{
		SubmissionID: uuid.NewString(),
		FileName:     cfg.FileName,
		Payload:      cfg.Payload,
		TaskGroup:    cfg.TaskGroup,
		Country:      cfg.Country,
	}

	taskID, err := o.submitter.Submit(ctx, req)
	if err != nil {
		o.logger.Warn("submission failed", "submission", req.SubmissionID, "err", err)
		metrics.OutcomesTotal.WithLabelValues("errored").Inc()
		return resultErrored
	}
	span.SetAttributes(attribute.String("task.id", taskID))
	start := time.Now()

	// Registration must precede the subscribe frame: a fast terminal event
	// may arrive before AwaitOutcome is even called.
	progress := func(evt domain.TaskStatusEvent) {
		o.logger.Debug("task progress", "task", taskID, "status", evt.Status)
		if o.OnProgress != nil {
			o.OnProgress(taskID, evt)
		}
	}
	if err := o.correlator.Register(taskID, progress); err != nil {
		o.logger.Warn("correlation register failed", "task", taskID, "err", err)
		metrics.OutcomesTotal.WithLabelValues("errored").Inc()
		return resultErrored
	}

	wfCtx, cancel := context.WithTimeout(ctx, cfg.OutcomeTimeout)
	defer cancel()

	handler := func(evt domain.TaskStatusEvent) {
		// Group-scoped frames carry no key; attribute them to this task,
		// matching the reference client which never filtered.
		if evt.TaskID == "" {
			evt.TaskID = taskID
		}
		o.correlator.Dispatch(evt)
	}
	onClosed := func(out stream.ConnectionOutcome) {
		if out.Err != nil {
			cancel()
		}
	}

	handle, err := o.streams.Subscribe(cfg.TaskGroup, taskID, handler, onClosed)
	if err != nil {
		o.correlator.Drop(taskID)
		o.logger.Warn("stream subscribe failed", "task", taskID, "err", err)
		metrics.OutcomesTotal.WithLabelValues("errored").Inc()
		return resultErrored
	}
	defer handle.Unsubscribe()

	evt, err := o.correlator.AwaitOutcome(wfCtx, taskID)
	if err != nil {
		switch {
		case errors.Is(err, correlate.ErrTimeout):
			o.logger.Warn("no terminal event before timeout", "task", taskID)
		case errors.Is(err, context.Canceled):
			o.logger.Warn("stream terminated while waiting", "task", taskID)
		default:
			o.logger.Warn("await outcome failed", "task", taskID, "err", err)
		}
		metrics.OutcomesTotal.WithLabelValues("errored").Inc()
		return resultErrored
	}

	metrics.OutcomeLatencySeconds.Observe(time.Since(start).Seconds())
	if evt.Status == domain.StatusSuccess {
		metrics.OutcomesTotal.WithLabelValues("succeeded").Inc()
		return resultSucceeded
	}
	o.logger.Info("task failed", "task", taskID, "status_code", evt.StatusCode, "message", evt.Message)
	metrics.OutcomesTotal.WithLabelValues("failed").Inc()
	return resultFailed
}
