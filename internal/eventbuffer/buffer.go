// Package eventbuffer holds completion events that arrived before any job was
// waiting for them, so a job that registers late can still pick them up.
package eventbuffer

import (
	"context"
	"time"
)

// Event is a buffered completion event.
type Event struct {
	EventType     string         `json:"eventType"`
	EventKey      string         `json:"eventKey"`
	TaskID        string         `json:"taskId,omitempty"`
	StageName     string         `json:"stageName,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	ReceivedAt    time.Time      `json:"receivedAt"`
}

// Buffer stores events for a short TTL keyed by (EventType, EventKey).
type Buffer interface {
	Store(ctx context.Context, evt Event) error
	// Take removes and returns the buffered event, if any.
	Take(ctx context.Context, eventType, eventKey string) (Event, bool, error)
}
