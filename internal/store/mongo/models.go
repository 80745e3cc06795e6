package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"review-orchestrator/internal/models"
)

type jobModel struct {
	ID                  string                `bson:"_id"`
	WorkflowType        string                `bson:"workflow_type"`
	CorrelationID       string                `bson:"correlation_id"`
	Status              string                `bson:"status"`
	Payload             bson.M                `bson:"payload"`
	WaitingForEvent     *models.WaitCondition `bson:"waiting_for_event,omitempty"`
	Metadata            bson.M                `bson:"metadata"`
	ErrorClassification *string               `bson:"error_classification,omitempty"`
	LastError           *string               `bson:"last_error,omitempty"`
	Version             int64                 `bson:"version"`
	CreatedAt           time.Time             `bson:"created_at"`
	UpdatedAt           time.Time             `bson:"updated_at"`
	CompletedAt         *time.Time            `bson:"completed_at,omitempty"`
	FailedAt            *time.Time            `bson:"failed_at,omitempty"`
}

type inboxModel struct {
	ID          string     `bson:"_id"`
	ConsumerID  string     `bson:"consumer_id"`
	MessageID   string     `bson:"message_id"`
	Status      string     `bson:"status"`
	InstanceID  string     `bson:"instance_id"`
	ClaimedAt   time.Time  `bson:"claimed_at"`
	ProcessedAt *time.Time `bson:"processed_at,omitempty"`
	LastError   *string    `bson:"last_error,omitempty"`
}

func toJobModel(j models.WorkflowJob) jobModel {
	m := jobModel{
		ID:              j.ID,
		WorkflowType:    string(j.WorkflowType),
		CorrelationID:   j.CorrelationID,
		Status:          string(j.Status),
		Payload:         bson.M(j.Payload),
		WaitingForEvent: j.WaitingForEvent,
		Metadata:        bson.M(j.Metadata),
		LastError:       j.LastError,
		Version:         j.Version,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		CompletedAt:     j.CompletedAt,
		FailedAt:        j.FailedAt,
	}
	if j.ErrorClassification != nil {
		c := string(*j.ErrorClassification)
		m.ErrorClassification = &c
	}
	return m
}

func fromJobModel(m jobModel) models.WorkflowJob {
	j := models.WorkflowJob{
		ID:              m.ID,
		WorkflowType:    models.WorkflowType(m.WorkflowType),
		CorrelationID:   m.CorrelationID,
		Status:          models.JobStatus(m.Status),
		Payload:         normalizeDoc(m.Payload),
		WaitingForEvent: m.WaitingForEvent,
		Metadata:        normalizeDoc(m.Metadata),
		LastError:       m.LastError,
		Version:         m.Version,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
		CompletedAt:     m.CompletedAt,
		FailedAt:        m.FailedAt,
	}
	if m.ErrorClassification != nil {
		c := models.ErrorClassification(*m.ErrorClassification)
		j.ErrorClassification = &c
	}
	return j
}

func fromInboxModel(m inboxModel) models.InboxMessage {
	return models.InboxMessage{
		ConsumerID:  m.ConsumerID,
		MessageID:   m.MessageID,
		Status:      models.InboxStatus(m.Status),
		InstanceID:  m.InstanceID,
		ClaimedAt:   m.ClaimedAt.UTC(),
		ProcessedAt: m.ProcessedAt,
		LastError:   m.LastError,
	}
}

// normalizeDoc turns decoded BSON documents and arrays back into the plain
// map/slice shapes the rest of the system passes around.
func normalizeDoc(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return normalizeDoc(t)
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
