// Package brokertest provides an in-memory broker.Publisher for tests.
package brokertest

import (
	"context"
	"encoding/json"
	"sync"

	"review-orchestrator/internal/broker"
)

// Message is one recorded publish.
type Message struct {
	Exchange   string
	RoutingKey string
	Payload    json.RawMessage
	Options    broker.PublishOptions
}

// Decode unmarshals the recorded payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Recorder records publishes. Hook, when set, can fail a publish; failed
// publishes are not recorded.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Hook     func(Message) error
}

var _ broker.Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, exchange, routingKey string, payload any, opts ...broker.PublishOption) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := Message{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Payload:    raw,
		Options:    broker.NewPublishOptions(routingKey, opts...),
	}
	r.mu.Lock()
	hook := r.Hook
	r.mu.Unlock()
	if hook != nil {
		if err := hook(msg); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	return nil
}

// Messages returns a copy of everything published so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// ByRoutingKey returns the recorded messages published under key.
func (r *Recorder) ByRoutingKey(key string) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.RoutingKey == key {
			out = append(out, m)
		}
	}
	return out
}

// SetHook replaces Hook under the recorder's lock.
func (r *Recorder) SetHook(h func(Message) error) {
	r.mu.Lock()
	r.Hook = h
	r.mu.Unlock()
}
