// Package completion resumes parked workflow jobs when the external task they
// wait on reports completion. One Handler serves one event family.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"review-orchestrator/internal/broker"
	"review-orchestrator/internal/eventbuffer"
	"review-orchestrator/internal/jobs"
	"review-orchestrator/internal/models"
	"review-orchestrator/internal/store"
	"review-orchestrator/internal/telemetry"
)

// ErrInboxContended means another instance holds the claim; the delivery is
// retried later instead of being acknowledged.
var ErrInboxContended = errors.New("completion: message claimed by another instance")

// Event is the body of a completion message.
type Event struct {
	TaskID        string         `json:"taskId"`
	EventType     string         `json:"eventType,omitempty"`
	EventKey      string         `json:"eventKey,omitempty"`
	StageName     string         `json:"stageName,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
}

// Family describes one kind of completion event.
type Family struct {
	// ConsumerID scopes inbox records for this handler.
	ConsumerID string
	// Normalize fills in fields the payload may omit.
	Normalize func(d broker.Delivery, evt *Event)
}

// StageFamily handles stage.completed.<stage> on the live and delayed exchanges.
// The routing key is the event type and the task id is the key.
func StageFamily() Family {
	return Family{
		ConsumerID: "stage-completion-handler",
		Normalize: func(d broker.Delivery, evt *Event) {
			if evt.EventType == "" {
				evt.EventType = d.RoutingKey
			}
			if evt.StageName == "" {
				evt.StageName = strings.TrimPrefix(evt.EventType, "stage.completed.")
			}
			if evt.EventKey == "" {
				evt.EventKey = evt.TaskID
			}
		},
	}
}

const ASTCompletedEvent = "ast.task.completed"

// ASTFamily handles ast.task.completed keyed by task id.
func ASTFamily() Family {
	return Family{
		ConsumerID: "ast-completion-handler",
		Normalize: func(_ broker.Delivery, evt *Event) {
			if evt.EventType == "" {
				evt.EventType = ASTCompletedEvent
			}
			if evt.EventKey == "" {
				evt.EventKey = evt.TaskID
			}
		},
	}
}

// Resumer moves a waiting job back to PENDING and dispatches it.
type Resumer interface {
	Resume(ctx context.Context, jobID string, ev jobs.ResumeEvent) (models.WorkflowJob, error)
}

type Handler struct {
	family     Family
	instanceID string
	inbox      store.InboxStore
	jobs       store.JobStore
	resumer    Resumer
	buffer     eventbuffer.Buffer
	logger     *slog.Logger
	tracer     trace.Tracer
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Handler) { h.tracer = tp.Tracer("review-orchestrator/completion") }
}

func NewHandler(family Family, instanceID string, inbox store.InboxStore, jobStore store.JobStore, resumer Resumer, buffer eventbuffer.Buffer, opts ...Option) *Handler {
	h := &Handler{
		family:     family,
		instanceID: instanceID,
		inbox:      inbox,
		jobs:       jobStore,
		resumer:    resumer,
		buffer:     buffer,
		logger:     slog.Default(),
		tracer:     otel.Tracer("review-orchestrator/completion"),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "completion", "consumer_id", family.ConsumerID)
	return h
}

// ConsumerID identifies this handler in the inbox.
func (h *Handler) ConsumerID() string { return h.family.ConsumerID }

// Handle is a broker.Handler.
func (h *Handler) Handle(ctx context.Context, d broker.Delivery) error {
	var evt Event
	if err := d.Decode(&evt); err != nil {
		return err
	}
	if h.family.Normalize != nil {
		h.family.Normalize(d, &evt)
	}
	if evt.EventType == "" || evt.EventKey == "" {
		return broker.Reject(fmt.Errorf("completion: %s event without type or key", d.RoutingKey))
	}

	messageID := d.MessageID()
	if messageID == "" {
		messageID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(evt.EventType+"|"+evt.EventKey+"|"+evt.TaskID)).String()
	}
	correlationID := firstNonEmpty(d.Properties.CorrelationID, d.Header(broker.HeaderCorrelationID), evt.CorrelationID, messageID)
	log := h.logger.With("message_id", messageID, "correlation_id", correlationID,
		"event_type", evt.EventType, "event_key", evt.EventKey, "task_id", evt.TaskID)

	claimed, err := h.inbox.Claim(ctx, messageID, h.family.ConsumerID, h.instanceID)
	if err != nil {
		return fmt.Errorf("completion: claim %s: %w", messageID, err)
	}
	if !claimed {
		return h.skipUnclaimed(ctx, messageID, log)
	}

	ctx, span := h.tracer.Start(ctx, "completion."+h.family.ConsumerID, trace.WithAttributes(
		attribute.String("event.type", evt.EventType),
		attribute.String("event.key", evt.EventKey),
		attribute.String("task.id", evt.TaskID),
		attribute.String("correlation.id", correlationID),
	))
	defer span.End()

	if err := h.process(ctx, messageID, evt, log, span); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if rerr := h.inbox.ReleaseLock(context.WithoutCancel(ctx), messageID, h.family.ConsumerID, err.Error()); rerr != nil {
			log.Error("failed to release inbox claim", "error", rerr)
		}
		log.Error("completion handling failed", "error", err)
		return err
	}
	return nil
}

func (h *Handler) skipUnclaimed(ctx context.Context, messageID string, log *slog.Logger) error {
	rec, err := h.inbox.FindByConsumerAndMessageID(ctx, h.family.ConsumerID, messageID)
	if err != nil {
		return fmt.Errorf("completion: inspect inbox for %s: %w", messageID, err)
	}
	if rec != nil && rec.Status == models.InboxProcessed {
		telemetry.InboxDuplicates.WithLabelValues(h.family.ConsumerID, "processed").Inc()
		log.Debug("duplicate completion event, already processed")
		return nil
	}
	telemetry.InboxDuplicates.WithLabelValues(h.family.ConsumerID, "contended").Inc()
	log.Warn("completion event claimed by another instance, leaving it for redelivery")
	return fmt.Errorf("%w: %s", ErrInboxContended, messageID)
}

func (h *Handler) process(ctx context.Context, messageID string, evt Event, log *slog.Logger, span trace.Span) error {
	cond := models.WaitCondition{EventType: evt.EventType, EventKey: evt.EventKey}
	waiting, err := h.jobs.FindWaitingForEvent(ctx, cond)
	if err != nil {
		return fmt.Errorf("completion: find waiting jobs: %w", err)
	}

	if len(waiting) == 0 {
		waiting, err = h.bufferEvent(ctx, evt, cond)
		if err != nil {
			return err
		}
		if len(waiting) == 0 {
			log.Info("no job waiting, event buffered")
		}
	}
	span.SetAttributes(attribute.Int("jobs.waiting", len(waiting)))

	resumed := 0
	for _, job := range waiting {
		if err := h.resumeOne(ctx, job.ID, evt, log); err != nil {
			log.Error("failed to resume job", "job_id", job.ID, "error", err)
			continue
		}
		resumed++
	}
	if len(waiting) > 0 {
		log.Info("resumed waiting jobs", "resumed", resumed, "waiting", len(waiting))
	}
	if err := h.inbox.MarkAsProcessed(ctx, messageID, h.family.ConsumerID); err != nil {
		return fmt.Errorf("completion: mark %s processed: %w", messageID, err)
	}
	return nil
}

// bufferEvent stores evt for a job that has not parked yet, then checks once
// more for waiters. A job that parks after this check finds the event when it
// consults the buffer, so no interleaving loses the wakeup.
func (h *Handler) bufferEvent(ctx context.Context, evt Event, cond models.WaitCondition) ([]models.WorkflowJob, error) {
	if err := h.buffer.Store(ctx, eventbuffer.Event{
		EventType:     evt.EventType,
		EventKey:      evt.EventKey,
		TaskID:        evt.TaskID,
		StageName:     evt.StageName,
		CorrelationID: evt.CorrelationID,
		Result:        evt.Result,
	}); err != nil {
		return nil, fmt.Errorf("completion: buffer event: %w", err)
	}
	telemetry.EventsBuffered.WithLabelValues(evt.EventType).Inc()

	waiting, err := h.jobs.FindWaitingForEvent(ctx, cond)
	if err != nil {
		return nil, fmt.Errorf("completion: recheck waiting jobs: %w", err)
	}
	if len(waiting) > 0 {
		if _, _, err := h.buffer.Take(ctx, cond.EventType, cond.EventKey); err != nil {
			h.logger.Warn("failed to drop buffered event after late waiter", "event_type", cond.EventType, "event_key", cond.EventKey, "error", err)
		}
	}
	return waiting, nil
}

func (h *Handler) resumeOne(ctx context.Context, jobID string, evt Event, log *slog.Logger) error {
	job, err := h.jobs.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		log.Warn("waiting job vanished before resume", "job_id", jobID)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = h.resumer.Resume(ctx, job.ID, jobs.ResumeEvent{
		EventType: evt.EventType,
		EventKey:  evt.EventKey,
		TaskID:    evt.TaskID,
		StageName: evt.StageName,
		Reason:    evt.EventType,
		Result:    evt.Result,
	})
	if errors.Is(err, jobs.ErrNotWaiting) {
		log.Info("job already resumed elsewhere", "job_id", jobID)
		return nil
	}
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
