// Package jobs is the lifecycle API processors and handlers use to move
// workflow jobs between states and announce them on the broker.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"review-orchestrator/internal/broker"
	"review-orchestrator/internal/errclass"
	"review-orchestrator/internal/eventbuffer"
	"review-orchestrator/internal/models"
	"review-orchestrator/internal/store"
	"review-orchestrator/internal/telemetry"
)

// ErrNotWaiting is returned by Resume when the job is no longer parked on the
// event's condition, usually because another path resumed it first.
var ErrNotWaiting = errors.New("jobs: job is not waiting for an event")

// Resume reasons carried in the x-resume-reason header.
const (
	ReasonEventCompleted = "event_completed"
	ReasonBufferedEvent  = "buffered_event"
)

func CreatedRoutingKey(t models.WorkflowType) string {
	return "workflow.jobs.created." + string(t)
}

func ResumedRoutingKey(t models.WorkflowType) string {
	return "workflow.jobs.resumed." + string(t)
}

// DispatchMessage is the body of created and resumed messages.
type DispatchMessage struct {
	JobID     string         `json:"jobId"`
	EventData map[string]any `json:"eventData,omitempty"`
}

// ResumeEvent describes the completion that wakes a job.
type ResumeEvent struct {
	EventType string
	EventKey  string
	TaskID    string
	StageName string
	Reason    string
	Result    map[string]any
}

func (e ResumeEvent) data() map[string]any {
	out := map[string]any{
		"eventType": e.EventType,
		"eventKey":  e.EventKey,
	}
	if e.TaskID != "" {
		out["taskId"] = e.TaskID
	}
	if e.StageName != "" {
		out["stageName"] = e.StageName
	}
	if e.Result != nil {
		out["result"] = e.Result
	}
	return out
}

// Service owns job transitions. It never holds a job in memory between calls.
type Service struct {
	store     store.JobStore
	publisher broker.Publisher
	buffer    eventbuffer.Buffer
	exchange  string
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(st store.JobStore, pub broker.Publisher, buf eventbuffer.Buffer, exchange string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		publisher: pub,
		buffer:    buf,
		exchange:  exchange,
		logger:    logger.With("component", "jobs"),
		now:       time.Now,
	}
}

func (s *Service) Get(ctx context.Context, id string) (models.WorkflowJob, error) {
	return s.store.GetJob(ctx, id)
}

// Create persists a PENDING job and publishes workflow.jobs.created.<type>.
func (s *Service) Create(ctx context.Context, p store.CreateJobParams) (models.WorkflowJob, error) {
	job, err := s.store.CreateJob(ctx, p)
	if err != nil {
		return models.WorkflowJob{}, fmt.Errorf("jobs: create %s: %w", p.WorkflowType, err)
	}
	err = s.publisher.Publish(ctx, s.exchange, CreatedRoutingKey(job.WorkflowType), DispatchMessage{JobID: job.ID},
		broker.WithMessageID(job.ID+":created"),
		broker.WithCorrelationID(job.CorrelationID),
		broker.WithHeaders(jobHeaders(job)),
	)
	if err != nil {
		s.logger.Error("job stored but dispatch failed", "job_id", job.ID, "workflow_type", job.WorkflowType, "error", err)
		return job, fmt.Errorf("jobs: dispatch %s: %w", job.ID, err)
	}
	telemetry.JobsCreated.WithLabelValues(string(job.WorkflowType)).Inc()
	s.logger.Info("job created", "job_id", job.ID, "workflow_type", job.WorkflowType, "correlation_id", job.CorrelationID)
	return job, nil
}

// WaitForEvent parks a PENDING job on cond, then consults the event buffer
// so an event that arrived early still resumes it. It reports whether the job
// was resumed straight away.
func (s *Service) WaitForEvent(ctx context.Context, jobID string, cond models.WaitCondition, metadata map[string]any) (bool, error) {
	_, err := s.store.UpdateJob(ctx, jobID, store.JobUpdate{
		ExpectedStatus:  store.Status(models.StatusPending),
		Status:          store.Status(models.StatusWaitingForEvent),
		WaitingForEvent: &cond,
		Metadata:        metadata,
	})
	if err != nil {
		return false, fmt.Errorf("jobs: park %s on %s/%s: %w", jobID, cond.EventType, cond.EventKey, err)
	}
	log := s.logger.With("job_id", jobID, "event_type", cond.EventType, "event_key", cond.EventKey)
	log.Info("job waiting for event")

	if s.buffer == nil {
		return false, nil
	}
	evt, ok, err := s.buffer.Take(ctx, cond.EventType, cond.EventKey)
	if err != nil {
		log.Warn("event buffer lookup failed, relying on live delivery", "error", err)
		return false, nil
	}
	if !ok {
		return false, nil
	}
	resumed, err := s.resume(ctx, jobID, ResumeEvent{
		EventType: evt.EventType,
		EventKey:  evt.EventKey,
		TaskID:    evt.TaskID,
		StageName: evt.StageName,
		Reason:    ReasonBufferedEvent,
		Result:    evt.Result,
	}, "buffer")
	if errors.Is(err, ErrNotWaiting) {
		return true, nil
	}
	if err != nil {
		// The job is still parked unless the transition went through, so the
		// event goes back for the next attempt to find.
		if resumed.ID == "" {
			if serr := s.buffer.Store(context.WithoutCancel(ctx), evt); serr != nil {
				log.Error("failed to return event to buffer after resume error", "error", serr)
			}
		}
		return false, err
	}
	log.Info("job resumed from buffered event")
	return true, nil
}

// Resume moves a WAITING_FOR_EVENT job back to PENDING, merges the event result
// into its metadata and publishes workflow.jobs.resumed.<type>.
func (s *Service) Resume(ctx context.Context, jobID string, ev ResumeEvent) (models.WorkflowJob, error) {
	return s.resume(ctx, jobID, ev, "event")
}

func (s *Service) resume(ctx context.Context, jobID string, ev ResumeEvent, source string) (models.WorkflowJob, error) {
	if ev.Reason == "" {
		ev.Reason = ReasonEventCompleted
	}
	metadata := maps.Clone(ev.Result)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["resumedAt"] = s.now().UTC().Format(time.RFC3339Nano)

	job, err := s.store.UpdateJob(ctx, jobID, store.JobUpdate{
		ExpectedStatus: store.Status(models.StatusWaitingForEvent),
		ExpectedWait:   &models.WaitCondition{EventType: ev.EventType, EventKey: ev.EventKey},
		Status:         store.Status(models.StatusPending),
		Metadata:       metadata,
	})
	if errors.Is(err, store.ErrStatusConflict) {
		return models.WorkflowJob{}, fmt.Errorf("%w: %s on %s/%s", ErrNotWaiting, jobID, ev.EventType, ev.EventKey)
	}
	if errors.Is(err, store.ErrUpdateContended) {
		return models.WorkflowJob{}, errclass.Retryable(fmt.Errorf("jobs: resume %s: %w", jobID, err))
	}
	if err != nil {
		return models.WorkflowJob{}, fmt.Errorf("jobs: resume %s: %w", jobID, err)
	}

	headers := jobHeaders(job)
	headers[broker.HeaderResumeReason] = ev.Reason
	if ev.StageName != "" {
		headers[broker.HeaderStageName] = ev.StageName
	}
	err = s.publisher.Publish(ctx, s.exchange, ResumedRoutingKey(job.WorkflowType),
		DispatchMessage{JobID: job.ID, EventData: ev.data()},
		broker.WithMessageID(fmt.Sprintf("%s:resumed:%d", job.ID, job.Version)),
		broker.WithCorrelationID(job.CorrelationID),
		broker.WithHeaders(headers),
	)
	if err != nil {
		return job, fmt.Errorf("jobs: publish resume of %s: %w", jobID, err)
	}
	telemetry.JobsResumed.WithLabelValues(string(job.WorkflowType), source).Inc()
	return job, nil
}

// Complete marks a PENDING job COMPLETED and stores result under "result".
func (s *Service) Complete(ctx context.Context, jobID string, result map[string]any) (models.WorkflowJob, error) {
	u := store.JobUpdate{
		ExpectedStatus: store.Status(models.StatusPending),
		Status:         store.Status(models.StatusCompleted),
	}
	if result != nil {
		u.Metadata = map[string]any{"result": result}
	}
	job, err := s.store.UpdateJob(ctx, jobID, u)
	if err != nil {
		return models.WorkflowJob{}, fmt.Errorf("jobs: complete %s: %w", jobID, err)
	}
	telemetry.JobsFinished.WithLabelValues(string(job.WorkflowType), string(models.StatusCompleted), "").Inc()
	s.logger.Info("job completed", "job_id", job.ID, "workflow_type", job.WorkflowType, "correlation_id", job.CorrelationID)
	return job, nil
}

// Fail records cause on the job with its classification.
func (s *Service) Fail(ctx context.Context, jobID string, cause error) (models.WorkflowJob, error) {
	msg := cause.Error()
	job, err := s.store.UpdateJob(ctx, jobID, store.JobUpdate{
		Status:              store.Status(models.StatusFailed),
		ErrorClassification: store.Classification(errclass.Classify(cause)),
		LastError:           &msg,
	})
	if err != nil {
		return models.WorkflowJob{}, fmt.Errorf("jobs: fail %s: %w", jobID, err)
	}
	return job, nil
}

// Annotate merges metadata into the job without changing its status.
func (s *Service) Annotate(ctx context.Context, jobID string, metadata map[string]any) (models.WorkflowJob, error) {
	job, err := s.store.UpdateJob(ctx, jobID, store.JobUpdate{Metadata: metadata})
	if err != nil {
		return models.WorkflowJob{}, fmt.Errorf("jobs: annotate %s: %w", jobID, err)
	}
	return job, nil
}

func jobHeaders(job models.WorkflowJob) map[string]string {
	return map[string]string{
		broker.HeaderCorrelationID: job.CorrelationID,
		broker.HeaderWorkflowType:  string(job.WorkflowType),
		broker.HeaderJobID:         job.ID,
	}
}
