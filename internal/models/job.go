package models

import (
	"time"
)

// WorkflowType selects the processor that drives a job's lifecycle.
type WorkflowType string

const (
	WorkflowWebhookProcessing             WorkflowType = "WEBHOOK_PROCESSING"
	WorkflowCodeReview                    WorkflowType = "CODE_REVIEW"
	WorkflowCheckSuggestionImplementation WorkflowType = "CHECK_SUGGESTION_IMPLEMENTATION"
	WorkflowAutomationExecution           WorkflowType = "AUTOMATION_EXECUTION"
)

// JobStatus enumerates lifecycle states persisted by the job store.
type JobStatus string

const (
	StatusPending         JobStatus = "PENDING"
	StatusWaitingForEvent JobStatus = "WAITING_FOR_EVENT"
	StatusCompleted       JobStatus = "COMPLETED"
	StatusFailed          JobStatus = "FAILED"
)

// Terminal reports whether no further processing is expected for the status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorClassification tells the consumer whether a failure is worth retrying.
type ErrorClassification string

const (
	ErrorRetryable ErrorClassification = "RETRYABLE"
	ErrorPermanent ErrorClassification = "PERMANENT"
)

// WaitCondition identifies the completion event a paused job is waiting for.
type WaitCondition struct {
	EventType string `json:"eventType" bson:"event_type"`
	EventKey  string `json:"eventKey" bson:"event_key"`
}

// WorkflowJob is one persisted unit of orchestrated work.
type WorkflowJob struct {
	ID                  string               `json:"id"`
	WorkflowType        WorkflowType         `json:"workflowType"`
	CorrelationID       string               `json:"correlationId"`
	Status              JobStatus            `json:"status"`
	Payload             map[string]any       `json:"payload"`
	WaitingForEvent     *WaitCondition       `json:"waitingForEvent,omitempty"`
	Metadata            map[string]any       `json:"metadata"`
	ErrorClassification *ErrorClassification `json:"errorClassification,omitempty"`
	LastError           *string              `json:"lastError,omitempty"`
	Version             int64                `json:"version"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
	CompletedAt         *time.Time           `json:"completedAt,omitempty"`
	FailedAt            *time.Time           `json:"failedAt,omitempty"`
}

// InboxStatus tracks an inbox record for one consumer.
type InboxStatus string

const (
	InboxClaimed   InboxStatus = "CLAIMED"
	InboxProcessed InboxStatus = "PROCESSED"
	// InboxReleased marks a claim given back after a failure; the message may be claimed again.
	InboxReleased InboxStatus = "RELEASED"
)

// InboxMessage is the deduplication record for (ConsumerID, MessageID).
type InboxMessage struct {
	ConsumerID  string      `json:"consumerId"`
	MessageID   string      `json:"messageId"`
	Status      InboxStatus `json:"status"`
	InstanceID  string      `json:"instanceId"`
	ClaimedAt   time.Time   `json:"claimedAt"`
	ProcessedAt *time.Time  `json:"processedAt,omitempty"`
	LastError   *string     `json:"lastError,omitempty"`
}
