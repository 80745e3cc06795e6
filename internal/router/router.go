// Package router dispatches workflow jobs to the processor registered for
// their workflow type and owns the generic FAILED bookkeeping.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"review-orchestrator/internal/errclass"
	"review-orchestrator/internal/models"
	"review-orchestrator/internal/store"
	"review-orchestrator/internal/telemetry"
)

var (
	ErrUnknownWorkflowType = errors.New("router: no processor registered for workflow type")
	// ErrProcessTimeout wraps errclass.ErrTimeout so it always classifies as RETRYABLE.
	ErrProcessTimeout = fmt.Errorf("router: processing deadline exceeded: %w", errclass.ErrTimeout)
)

// DefaultTimeouts bound a single Process call per workflow type.
var DefaultTimeouts = map[models.WorkflowType]time.Duration{
	models.WorkflowWebhookProcessing:             10 * time.Minute,
	models.WorkflowCodeReview:                    2 * time.Hour,
	models.WorkflowCheckSuggestionImplementation: 10 * time.Minute,
}

// Processor runs one workflow type. Process is expected to finish by calling
// MarkCompleted, or to park the job waiting for an event.
type Processor interface {
	Process(ctx context.Context, jobID string) error
	HandleFailure(ctx context.Context, jobID string, cause error) error
	MarkCompleted(ctx context.Context, jobID string, result map[string]any) error
}

// Router holds the static processor registry.
type Router struct {
	jobs       store.JobStore
	processors map[models.WorkflowType]Processor
	timeouts   map[models.WorkflowType]time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

type Option func(*Router)

// WithTimeouts overrides the per-type timeouts; zero durations are ignored.
func WithTimeouts(t map[models.WorkflowType]time.Duration) Option {
	return func(r *Router) {
		for k, v := range t {
			if v > 0 {
				r.timeouts[k] = v
			}
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Router) { r.tracer = tp.Tracer("review-orchestrator/router") }
}

func New(jobs store.JobStore, opts ...Option) *Router {
	r := &Router{
		jobs:       jobs,
		processors: make(map[models.WorkflowType]Processor),
		timeouts:   make(map[models.WorkflowType]time.Duration, len(DefaultTimeouts)),
		logger:     slog.Default(),
		tracer:     otel.Tracer("review-orchestrator/router"),
	}
	for k, v := range DefaultTimeouts {
		r.timeouts[k] = v
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Register binds p to workflowType. Each type may be registered once.
func (r *Router) Register(workflowType models.WorkflowType, p Processor) error {
	if p == nil {
		return fmt.Errorf("router: nil processor for %s", workflowType)
	}
	if _, dup := r.processors[workflowType]; dup {
		return fmt.Errorf("router: processor for %s registered twice", workflowType)
	}
	r.processors[workflowType] = p
	return nil
}

// TimeoutFor returns the bound for workflowType, falling back to CODE_REVIEW's.
func (r *Router) TimeoutFor(workflowType models.WorkflowType) time.Duration {
	if d, ok := r.timeouts[workflowType]; ok {
		return d
	}
	return r.timeouts[models.WorkflowCodeReview]
}

func (r *Router) resolve(workflowType models.WorkflowType) (Processor, error) {
	p, ok := r.processors[workflowType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflowType, workflowType)
	}
	return p, nil
}

// Process runs the job's processor under its timeout. On failure the job is
// stored as FAILED with a classification and the original error is returned.
func (r *Router) Process(ctx context.Context, jobID string) (err error) {
	ctx, span := r.tracer.Start(ctx, "router.process", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("router: load job %s: %w", jobID, err)
	}
	span.SetAttributes(
		attribute.String("workflow.type", string(job.WorkflowType)),
		attribute.String("correlation.id", job.CorrelationID),
	)
	log := r.logger.With("job_id", jobID, "workflow_type", job.WorkflowType, "correlation_id", job.CorrelationID)

	proc, err := r.resolve(job.WorkflowType)
	if err != nil {
		return err
	}

	runnable, err := r.prepare(ctx, job, log)
	if err != nil || !runnable {
		return err
	}

	timeout := r.TimeoutFor(job.WorkflowType)
	start := time.Now()
	perr := r.run(ctx, proc, job, timeout)
	if perr == nil {
		telemetry.ProcessDuration.WithLabelValues(string(job.WorkflowType), "ok").Observe(time.Since(start).Seconds())
		log.Debug("job processed", "elapsed", time.Since(start))
		return nil
	}

	classification := errclass.Classify(perr)
	telemetry.ProcessDuration.WithLabelValues(string(job.WorkflowType), "failed").Observe(time.Since(start).Seconds())
	telemetry.JobsFinished.WithLabelValues(string(job.WorkflowType), string(models.StatusFailed), string(classification)).Inc()
	span.SetAttributes(attribute.String("error.classification", string(classification)))

	msg := perr.Error()
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, uerr := r.jobs.UpdateJob(persistCtx, jobID, store.JobUpdate{
		Status:              store.Status(models.StatusFailed),
		ErrorClassification: store.Classification(classification),
		LastError:           &msg,
	}); uerr != nil {
		log.Error("failed to record job failure", "error", uerr, "cause", perr)
	}
	log.Warn("job failed", "error", perr, "classification", classification)
	return perr
}

// prepare decides whether a delivered job should run at all. Redelivered
// messages may find the job already finished, parked, or failed for good.
func (r *Router) prepare(ctx context.Context, job models.WorkflowJob, log *slog.Logger) (bool, error) {
	switch job.Status {
	case models.StatusPending:
		return true, nil
	case models.StatusCompleted:
		log.Info("job already completed, skipping")
		return false, nil
	case models.StatusWaitingForEvent:
		log.Info("job is waiting for an event, skipping stale delivery", "event_type", job.WaitingForEvent.EventType)
		return false, nil
	case models.StatusFailed:
		if job.ErrorClassification == nil || *job.ErrorClassification != models.ErrorRetryable {
			log.Info("job failed permanently, skipping")
			return false, nil
		}
		_, err := r.jobs.UpdateJob(ctx, job.ID, store.JobUpdate{
			ExpectedStatus: store.Status(models.StatusFailed),
			Status:         store.Status(models.StatusPending),
		})
		if errors.Is(err, store.ErrStatusConflict) {
			log.Info("job changed while resetting for retry, skipping")
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("router: reset job %s for retry: %w", job.ID, err)
		}
		log.Info("retrying job after retryable failure")
		return true, nil
	default:
		return false, fmt.Errorf("router: job %s has unknown status %q", job.ID, job.Status)
	}
}

// run races the processor against its deadline. An expired deadline wins even
// when the processor reports its own error afterwards.
func (r *Router) run(ctx context.Context, proc Processor, job models.WorkflowJob, timeout time.Duration) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("router: processor panic: %v", rec)
			}
		}()
		done <- proc.Process(runCtx, job.ID)
	}()

	timedOut := func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %s", ErrProcessTimeout, job.WorkflowType, timeout)
	}

	select {
	case err := <-done:
		if err != nil && runCtx.Err() != nil {
			return timedOut()
		}
		return err
	case <-runCtx.Done():
		return timedOut()
	}
}

// HandleFailure delegates to the job's processor.
func (r *Router) HandleFailure(ctx context.Context, jobID string, cause error) error {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("router: load job %s: %w", jobID, err)
	}
	proc, err := r.resolve(job.WorkflowType)
	if err != nil {
		return err
	}
	return proc.HandleFailure(ctx, jobID, cause)
}

// MarkCompleted delegates to the job's processor.
func (r *Router) MarkCompleted(ctx context.Context, jobID string, result map[string]any) error {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("router: load job %s: %w", jobID, err)
	}
	proc, err := r.resolve(job.WorkflowType)
	if err != nil {
		return err
	}
	return proc.MarkCompleted(ctx, jobID, result)
}
