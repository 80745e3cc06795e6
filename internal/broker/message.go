// Package broker is the message gateway: topic exchanges routed to durable
// queues, delayed delivery, bounded retries and a dead-letter path, all on Redis.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Delivery header keys.
const (
	HeaderCorrelationID      = "x-correlation-id"
	HeaderWorkflowType       = "x-workflow-type"
	HeaderJobID              = "x-job-id"
	HeaderResumeReason       = "x-resume-reason"
	HeaderStageName          = "x-stage-name"
	HeaderDeathReason        = "x-death-reason"
	HeaderOriginalQueue      = "x-original-queue"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderDeliveryID         = "x-delivery-id"
)

var (
	// ErrNoRoute is returned for mandatory publishes that match no binding.
	ErrNoRoute = errors.New("broker: no queue bound for routing key")
	// ErrDeliveryNotFound is returned when a dead-lettered delivery cannot be found.
	ErrDeliveryNotFound = errors.New("broker: delivery not found")
)

// Envelope is the wire format of every message body.
type Envelope struct {
	EventName    string          `json:"event_name"`
	EventVersion int             `json:"event_version"`
	OccurredOn   time.Time       `json:"occurred_on"`
	Payload      json.RawMessage `json:"payload"`
	MessageID    string          `json:"messageId"`
}

// Properties travel next to the envelope, like AMQP basic properties.
type Properties struct {
	MessageID     string            `json:"messageId"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Persistent    bool              `json:"persistent"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Delivery is one copy of a message routed to one queue.
type Delivery struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Exchange    string     `json:"exchange"`
	RoutingKey  string     `json:"routing_key"`
	Envelope    Envelope   `json:"envelope"`
	Properties  Properties `json:"properties"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	DeadAt      *time.Time `json:"dead_at,omitempty"`
}

// Decode unmarshals the envelope payload into v.
func (d Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Envelope.Payload, v); err != nil {
		return Reject(fmt.Errorf("decode %s payload: %w", d.Envelope.EventName, err))
	}
	return nil
}

// Header returns a delivery header or "".
func (d Delivery) Header(key string) string {
	return d.Properties.Headers[key]
}

// MessageID prefers the delivery property and falls back to the envelope.
func (d Delivery) MessageID() string {
	if d.Properties.MessageID != "" {
		return d.Properties.MessageID
	}
	return d.Envelope.MessageID
}

// FinalAttempt reports whether a failure now exhausts the retry budget.
func (d Delivery) FinalAttempt() bool {
	return d.MaxAttempts > 0 && d.Attempt >= d.MaxAttempts
}

// Handler consumes one delivery. A nil return acknowledges it.
type Handler func(ctx context.Context, d Delivery) error

// Publisher publishes a payload to an exchange under a routing key.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload any, opts ...PublishOption) error
}

// PublishOptions is the resolved form of a set of PublishOption.
type PublishOptions struct {
	EventName     string
	EventVersion  int
	MessageID     string
	CorrelationID string
	Headers       map[string]string
	Delay         time.Duration
	Mandatory     bool
}

type PublishOption func(*PublishOptions)

func WithEventName(name string) PublishOption {
	return func(o *PublishOptions) { o.EventName = name }
}

func WithEventVersion(v int) PublishOption {
	return func(o *PublishOptions) { o.EventVersion = v }
}

func WithMessageID(id string) PublishOption {
	return func(o *PublishOptions) { o.MessageID = id }
}

// WithCorrelationID sets the correlation property and the x-correlation-id header.
func WithCorrelationID(id string) PublishOption {
	return func(o *PublishOptions) {
		o.CorrelationID = id
		if id != "" {
			o.setHeader(HeaderCorrelationID, id)
		}
	}
}

func WithHeader(key, value string) PublishOption {
	return func(o *PublishOptions) { o.setHeader(key, value) }
}

func WithHeaders(h map[string]string) PublishOption {
	return func(o *PublishOptions) {
		for k, v := range h {
			o.setHeader(k, v)
		}
	}
}

// WithDelay parks the message until d has elapsed.
func WithDelay(d time.Duration) PublishOption {
	return func(o *PublishOptions) { o.Delay = d }
}

// Mandatory makes Publish fail with ErrNoRoute instead of dropping unroutable messages.
func Mandatory() PublishOption {
	return func(o *PublishOptions) { o.Mandatory = true }
}

func (o *PublishOptions) setHeader(k, v string) {
	if o.Headers == nil {
		o.Headers = make(map[string]string)
	}
	o.Headers[k] = v
}

// NewPublishOptions applies opts over the defaults for routingKey.
func NewPublishOptions(routingKey string, opts ...PublishOption) PublishOptions {
	o := PublishOptions{EventName: routingKey, EventVersion: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MessageID == "" {
		o.MessageID = uuid.NewString()
	}
	o.Headers = maps.Clone(o.Headers)
	return o
}

// NewEnvelope marshals payload into an envelope described by o.
func NewEnvelope(payload any, o PublishOptions, now time.Time) (Envelope, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return Envelope{}, fmt.Errorf("broker: marshal payload: %w", err)
		}
	}
	return Envelope{
		EventName:    o.EventName,
		EventVersion: o.EventVersion,
		OccurredOn:   now.UTC(),
		Payload:      raw,
		MessageID:    o.MessageID,
	}, nil
}

type rejectError struct{ err error }

func (e *rejectError) Error() string { return e.err.Error() }
func (e *rejectError) Unwrap() error { return e.err }

// Reject marks a handler error as not worth retrying; the delivery goes
// straight to the dead-letter path.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejectError{err: err}
}

// IsRejected reports whether err was produced by Reject.
func IsRejected(err error) bool {
	var r *rejectError
	return errors.As(err, &r)
}
