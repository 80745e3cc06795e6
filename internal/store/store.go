// Package store defines the persistence contracts for workflow jobs and the
// idempotent inbox, plus the update rules every backend shares.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"review-orchestrator/internal/models"
)

var (
	ErrJobNotFound = errors.New("store: job not found")
	// ErrStatusConflict is returned when an update's ExpectedStatus does not match the stored job.
	ErrStatusConflict = errors.New("store: job status changed concurrently")
	// ErrInvalidUpdate is returned when an update would break the waitingForEvent/status invariant.
	ErrInvalidUpdate = errors.New("store: invalid job update")
	// ErrUpdateContended is returned when a backend gives up after repeated
	// concurrent writes. The update may succeed if tried again.
	ErrUpdateContended = errors.New("store: job update kept losing to concurrent writes")
)

// JobStore persists workflow jobs. It is the sole writer of job records.
type JobStore interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.WorkflowJob, error)
	GetJob(ctx context.Context, id string) (models.WorkflowJob, error)
	// UpdateJob applies u atomically and returns the stored result.
	UpdateJob(ctx context.Context, id string, u JobUpdate) (models.WorkflowJob, error)
	// FindWaitingForEvent returns WAITING_FOR_EVENT jobs whose condition matches exactly.
	FindWaitingForEvent(ctx context.Context, cond models.WaitCondition) ([]models.WorkflowJob, error)
}

// InboxStore is the per-consumer deduplication ledger.
type InboxStore interface {
	// Claim inserts a CLAIMED record and reports false when one is already
	// CLAIMED or PROCESSED for (consumerID, messageID).
	Claim(ctx context.Context, messageID, consumerID, instanceID string) (bool, error)
	FindByConsumerAndMessageID(ctx context.Context, consumerID, messageID string) (*models.InboxMessage, error)
	MarkAsProcessed(ctx context.Context, messageID, consumerID string) error
	ReleaseLock(ctx context.Context, messageID, consumerID, reason string) error
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID            string
	WorkflowType  models.WorkflowType
	CorrelationID string
	Payload       map[string]any
	Metadata      map[string]any
}

// JobUpdate is a partial update. Nil fields are left untouched; Metadata is
// merged key by key into the stored map.
type JobUpdate struct {
	// ExpectedStatus turns the update into a compare-and-update.
	ExpectedStatus      *models.JobStatus
	// ExpectedWait additionally requires the job to be parked on exactly this condition.
	ExpectedWait        *models.WaitCondition
	Status              *models.JobStatus
	WaitingForEvent     *models.WaitCondition
	Metadata            map[string]any
	ErrorClassification *models.ErrorClassification
	LastError           *string
}

// Status is a convenience for building JobUpdate pointers.
func Status(s models.JobStatus) *models.JobStatus { return &s }

// Classification is a convenience for building JobUpdate pointers.
func Classification(c models.ErrorClassification) *models.ErrorClassification { return &c }

// Validate checks the waitingForEvent iff WAITING_FOR_EVENT invariant on the update itself.
func (u JobUpdate) Validate() error {
	if u.Status == nil {
		if u.WaitingForEvent != nil {
			return fmt.Errorf("%w: wait condition without status change", ErrInvalidUpdate)
		}
		return nil
	}
	switch *u.Status {
	case models.StatusWaitingForEvent:
		if u.WaitingForEvent == nil || u.WaitingForEvent.EventType == "" || u.WaitingForEvent.EventKey == "" {
			return fmt.Errorf("%w: WAITING_FOR_EVENT requires eventType and eventKey", ErrInvalidUpdate)
		}
	case models.StatusPending, models.StatusCompleted, models.StatusFailed:
		if u.WaitingForEvent != nil {
			return fmt.Errorf("%w: wait condition only allowed with WAITING_FOR_EVENT", ErrInvalidUpdate)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, *u.Status)
	}
	return nil
}

// NewJob builds the initial record for p. Backends persist the result as-is.
func NewJob(p CreateJobParams, now time.Time) models.WorkflowJob {
	payload := p.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	metadata := maps.Clone(p.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	return models.WorkflowJob{
		ID:            p.ID,
		WorkflowType:  p.WorkflowType,
		CorrelationID: p.CorrelationID,
		Status:        models.StatusPending,
		Payload:       payload,
		Metadata:      metadata,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ApplyUpdate returns job with u applied. Backends load the current record,
// call ApplyUpdate, and write the result back under a row lock or version check.
func ApplyUpdate(job models.WorkflowJob, u JobUpdate, now time.Time) (models.WorkflowJob, error) {
	if err := u.Validate(); err != nil {
		return job, err
	}
	if u.ExpectedStatus != nil && job.Status != *u.ExpectedStatus {
		return job, fmt.Errorf("%w: job %s is %s, expected %s", ErrStatusConflict, job.ID, job.Status, *u.ExpectedStatus)
	}
	if u.ExpectedWait != nil && (job.WaitingForEvent == nil || *job.WaitingForEvent != *u.ExpectedWait) {
		return job, fmt.Errorf("%w: job %s is not waiting for %s/%s", ErrStatusConflict, job.ID, u.ExpectedWait.EventType, u.ExpectedWait.EventKey)
	}

	next := job
	next.Metadata = maps.Clone(job.Metadata)
	if next.Metadata == nil {
		next.Metadata = map[string]any{}
	}
	maps.Copy(next.Metadata, u.Metadata)

	if u.Status != nil {
		next.Status = *u.Status
		if next.Status == models.StatusWaitingForEvent {
			cond := *u.WaitingForEvent
			next.WaitingForEvent = &cond
		} else {
			next.WaitingForEvent = nil
		}
		switch next.Status {
		case models.StatusCompleted:
			next.CompletedAt = &now
		case models.StatusFailed:
			next.FailedAt = &now
		case models.StatusPending:
			next.ErrorClassification = nil
			next.LastError = nil
		}
	}
	if u.ErrorClassification != nil {
		c := *u.ErrorClassification
		next.ErrorClassification = &c
	}
	if u.LastError != nil {
		msg := *u.LastError
		next.LastError = &msg
	}
	next.Version = job.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// ClaimExpired reports whether an outstanding claim is old enough to be taken over.
// A zero ttl never expires claims.
func ClaimExpired(msg models.InboxMessage, ttl time.Duration, now time.Time) bool {
	return msg.Status == models.InboxClaimed && ttl > 0 && now.Sub(msg.ClaimedAt) > ttl
}
