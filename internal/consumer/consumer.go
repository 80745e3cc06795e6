// Package consumer turns workflow.jobs.* messages into router invocations.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"review-orchestrator/internal/broker"
	"review-orchestrator/internal/errclass"
	"review-orchestrator/internal/jobs"
	"review-orchestrator/internal/models"
	"review-orchestrator/internal/store"
	"review-orchestrator/internal/telemetry"
)

// ConsumerID scopes inbox records for job dispatch messages.
const ConsumerID = "workflow-job-consumer"

// ErrInboxContended means another instance is processing the same message.
var ErrInboxContended = errors.New("consumer: message claimed by another instance")

// JobRouter is the part of the router the consumer drives.
type JobRouter interface {
	Process(ctx context.Context, jobID string) error
	HandleFailure(ctx context.Context, jobID string, cause error) error
}

type Consumer struct {
	router     JobRouter
	inbox      store.InboxStore
	instanceID string
	logger     *slog.Logger
}

func New(router JobRouter, inbox store.InboxStore, instanceID string, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		router:     router,
		inbox:      inbox,
		instanceID: instanceID,
		logger:     logger.With("component", "consumer", "consumer_id", ConsumerID),
	}
}

// Handle is a broker.Handler. PERMANENT failures are rejected to the
// dead-letter path; RETRYABLE ones are returned for backoff.
func (c *Consumer) Handle(ctx context.Context, d broker.Delivery) error {
	var msg jobs.DispatchMessage
	if err := d.Decode(&msg); err != nil {
		return err
	}
	if msg.JobID == "" {
		return broker.Reject(fmt.Errorf("consumer: %s message without jobId", d.RoutingKey))
	}
	messageID := d.MessageID()
	if messageID == "" {
		messageID = d.ID
	}
	log := c.logger.With("job_id", msg.JobID, "message_id", messageID, "routing_key", d.RoutingKey,
		"correlation_id", d.Header(broker.HeaderCorrelationID), "attempt", d.Attempt)

	claimed, err := c.inbox.Claim(ctx, messageID, ConsumerID, c.instanceID)
	if err != nil {
		return fmt.Errorf("consumer: claim %s: %w", messageID, err)
	}
	if !claimed {
		rec, err := c.inbox.FindByConsumerAndMessageID(ctx, ConsumerID, messageID)
		if err != nil {
			return fmt.Errorf("consumer: inspect inbox for %s: %w", messageID, err)
		}
		if rec != nil && rec.Status == models.InboxProcessed {
			telemetry.InboxDuplicates.WithLabelValues(ConsumerID, "processed").Inc()
			log.Debug("duplicate dispatch, already processed")
			return nil
		}
		telemetry.InboxDuplicates.WithLabelValues(ConsumerID, "contended").Inc()
		log.Warn("dispatch claimed by another instance, leaving it for redelivery")
		return fmt.Errorf("%w: %s", ErrInboxContended, messageID)
	}

	perr := c.router.Process(ctx, msg.JobID)
	if errors.Is(perr, store.ErrJobNotFound) {
		log.Warn("dispatch refers to unknown job, skipping", "error", perr)
		perr = nil
	}
	if perr == nil {
		if err := c.inbox.MarkAsProcessed(ctx, messageID, ConsumerID); err != nil {
			log.Warn("job processed but inbox not updated", "error", err)
		}
		return nil
	}

	if err := c.inbox.ReleaseLock(context.WithoutCancel(ctx), messageID, ConsumerID, perr.Error()); err != nil {
		log.Error("failed to release inbox claim", "error", err)
	}

	classification := errclass.Classify(perr)
	final := classification == models.ErrorPermanent || d.FinalAttempt()
	if final {
		if err := c.router.HandleFailure(ctx, msg.JobID, perr); err != nil {
			log.Error("failure hook failed", "error", err)
		}
	}
	if classification == models.ErrorPermanent {
		log.Error("job failed permanently", "error", perr)
		return broker.Reject(perr)
	}
	log.Warn("job failed, broker will retry", "error", perr, "final_attempt", final)
	return perr
}
