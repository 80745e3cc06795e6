// Package workflows holds the processors registered with the router, one per
// workflow type.
package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"review-orchestrator/internal/broker"
	"review-orchestrator/internal/errclass"
	"review-orchestrator/internal/models"
	"review-orchestrator/internal/router"
	"review-orchestrator/internal/store"
)

// Task request routing keys published to the external workers.
const (
	ASTTaskRequested             = "ast.task.requested"
	ASTTaskCompleted             = "ast.task.completed"
	AnalysisRequested            = "stage.requested.analysis"
	AnalysisCompleted            = "stage.completed.analysis"
	ImplementationCheckRequested = "stage.requested.implementation_check"
	ImplementationCheckCompleted = "stage.completed.implementation_check"
)

// JobLifecycle is the subset of the jobs service processors rely on.
type JobLifecycle interface {
	Get(ctx context.Context, id string) (models.WorkflowJob, error)
	Create(ctx context.Context, p store.CreateJobParams) (models.WorkflowJob, error)
	WaitForEvent(ctx context.Context, jobID string, cond models.WaitCondition, metadata map[string]any) (bool, error)
	Complete(ctx context.Context, jobID string, result map[string]any) (models.WorkflowJob, error)
	Annotate(ctx context.Context, jobID string, metadata map[string]any) (models.WorkflowJob, error)
}

// Locker serializes work on a shared resource across instances.
type Locker interface {
	WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Deps are shared by every processor.
type Deps struct {
	Jobs      JobLifecycle
	Publisher broker.Publisher
	// Exchange receives task requests for the analysis and AST services.
	Exchange string
	Logger   *slog.Logger
}

func (d Deps) logger(workflow models.WorkflowType) *slog.Logger {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "workflow", "workflow_type", workflow)
}

// base implements the hooks every processor shares.
type base struct {
	deps     Deps
	workflow models.WorkflowType
	log      *slog.Logger
}

func newBase(deps Deps, workflow models.WorkflowType) base {
	return base{deps: deps, workflow: workflow, log: deps.logger(workflow)}
}

func (b base) HandleFailure(ctx context.Context, jobID string, cause error) error {
	b.log.Warn("workflow gave up", "job_id", jobID, "error", cause, "classification", errclass.Classify(cause))
	_, err := b.deps.Jobs.Annotate(ctx, jobID, map[string]any{
		"failureHandledAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
	return err
}

func (b base) MarkCompleted(ctx context.Context, jobID string, result map[string]any) error {
	_, err := b.deps.Jobs.Complete(ctx, jobID, result)
	return err
}

// request publishes a task request carrying the job's correlation headers.
func (b base) request(ctx context.Context, job models.WorkflowJob, routingKey string, body map[string]any) error {
	err := b.deps.Publisher.Publish(ctx, b.deps.Exchange, routingKey, body,
		broker.WithMessageID(fmt.Sprintf("%s:%s", body["taskId"], routingKey)),
		broker.WithCorrelationID(job.CorrelationID),
		broker.WithHeader(broker.HeaderJobID, job.ID),
		broker.WithHeader(broker.HeaderWorkflowType, string(job.WorkflowType)),
	)
	if err != nil {
		return errclass.Retryable(fmt.Errorf("request %s for job %s: %w", routingKey, job.ID, err))
	}
	return nil
}

// decodePayload converts a job payload into v. Bad payloads never succeed on retry.
func decodePayload(job models.WorkflowJob, v any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return errclass.Permanent(fmt.Errorf("marshal payload of job %s: %w", job.ID, err))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errclass.Permanent(fmt.Errorf("decode payload of job %s: %w", job.ID, err))
	}
	return nil
}

func stringMeta(job models.WorkflowJob, key string) string {
	s, _ := job.Metadata[key].(string)
	return s
}

// Register binds every implemented workflow type on r. AUTOMATION_EXECUTION
// has no processor and is reported as unknown by the router.
func Register(r *router.Router, deps Deps, locker Locker, lockTTL time.Duration) error {
	procs := map[models.WorkflowType]router.Processor{
		models.WorkflowWebhookProcessing:             NewWebhookProcessor(deps, locker, lockTTL),
		models.WorkflowCodeReview:                    NewCodeReviewProcessor(deps),
		models.WorkflowCheckSuggestionImplementation: NewImplementationCheckProcessor(deps),
	}
	for wt, p := range procs {
		if err := r.Register(wt, p); err != nil {
			return err
		}
	}
	return nil
}
