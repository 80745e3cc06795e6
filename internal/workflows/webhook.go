package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"review-orchestrator/internal/errclass"
	"review-orchestrator/internal/lock"
	"review-orchestrator/internal/models"
	"review-orchestrator/internal/store"
)

// WebhookPayload is the normalized source-control event stored on a
// WEBHOOK_PROCESSING job. Actor is the caller identity; processors read it
// from here rather than from request state.
type WebhookPayload struct {
	Platform       string `json:"platform"`
	Action         string `json:"action"`
	Repository     string `json:"repository"`
	PullRequest    int    `json:"pullRequestNumber"`
	HeadSHA        string `json:"headSha,omitempty"`
	BaseRef        string `json:"baseRef,omitempty"`
	Actor          string `json:"actor,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

// Validate reports missing fields a review cannot start without.
func (p WebhookPayload) Validate() error {
	switch {
	case p.Platform == "":
		return errors.New("platform is required")
	case p.Repository == "":
		return errors.New("repository is required")
	case p.PullRequest <= 0:
		return errors.New("pullRequestNumber must be positive")
	}
	return nil
}

var reviewableActions = map[string]bool{
	"opened":           true,
	"reopened":         true,
	"synchronize":      true,
	"ready_for_review": true,
	"open":             true,
	"reopen":           true,
	"update":           true,
}

// Reviewable reports whether the action should start a review pipeline.
func (p WebhookPayload) Reviewable() bool {
	return reviewableActions[strings.ToLower(p.Action)]
}

// WebhookProcessor turns a webhook into a CODE_REVIEW job.
type WebhookProcessor struct {
	base
	locker  Locker
	lockTTL time.Duration
}

func NewWebhookProcessor(deps Deps, locker Locker, lockTTL time.Duration) *WebhookProcessor {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &WebhookProcessor{base: newBase(deps, models.WorkflowWebhookProcessing), locker: locker, lockTTL: lockTTL}
}

// CodeReviewJobID is the id of the review job started by webhook job webhookJobID.
func CodeReviewJobID(webhookJobID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("code-review/"+webhookJobID)).String()
}

func (p *WebhookProcessor) Process(ctx context.Context, jobID string) error {
	job, err := p.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	var payload WebhookPayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return errclass.Permanent(fmt.Errorf("webhook job %s: %w", jobID, err))
	}
	log := p.log.With("job_id", jobID, "repository", payload.Repository, "pull_request", payload.PullRequest)

	if !payload.Reviewable() {
		log.Info("webhook action does not start a review", "action", payload.Action)
		return p.MarkCompleted(ctx, jobID, map[string]any{
			"skipped": true,
			"reason":  fmt.Sprintf("action %q is not reviewable", payload.Action),
		})
	}

	resource := fmt.Sprintf("review:%s:%s#%d", payload.Platform, payload.Repository, payload.PullRequest)
	err = p.locker.WithLock(ctx, resource, p.lockTTL, func(ctx context.Context) error {
		reviewID := CodeReviewJobID(jobID)
		if _, err := p.deps.Jobs.Get(ctx, reviewID); err == nil {
			log.Info("code review already started for this webhook", "code_review_job_id", reviewID)
		} else if !errors.Is(err, store.ErrJobNotFound) {
			return err
		} else if _, err := p.deps.Jobs.Create(ctx, store.CreateJobParams{
			ID:            reviewID,
			WorkflowType:  models.WorkflowCodeReview,
			CorrelationID: job.CorrelationID,
			Payload: map[string]any{
				"platform":          payload.Platform,
				"repository":        payload.Repository,
				"pullRequestNumber": payload.PullRequest,
				"headSha":           payload.HeadSHA,
				"baseRef":           payload.BaseRef,
				"actor":             payload.Actor,
				"organizationId":    payload.OrganizationID,
				"webhookJobId":      jobID,
			},
		}); err != nil {
			return err
		}
		return p.MarkCompleted(ctx, jobID, map[string]any{"codeReviewJobId": reviewID})
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return errclass.Retryable(fmt.Errorf("review start for %s in progress elsewhere: %w", resource, err))
	}
	return err
}
