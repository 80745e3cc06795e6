package eventbuffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBuffer keeps one JSON value per (eventType, eventKey) with a TTL.
type RedisBuffer struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

var _ Buffer = (*RedisBuffer)(nil)

// NewRedisBuffer builds a buffer whose entries expire after ttl.
func NewRedisBuffer(client redis.Cmdable, ttl time.Duration) *RedisBuffer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisBuffer{client: client, ttl: ttl, prefix: "eventbuffer:"}
}

func (b *RedisBuffer) key(eventType, eventKey string) string {
	return b.prefix + eventType + ":" + eventKey
}

// Store writes evt, replacing an earlier event for the same key and resetting the TTL.
func (b *RedisBuffer) Store(ctx context.Context, evt Event) error {
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal buffered event: %w", err)
	}
	if err := b.client.Set(ctx, b.key(evt.EventType, evt.EventKey), raw, b.ttl).Err(); err != nil {
		return fmt.Errorf("store buffered event: %w", err)
	}
	return nil
}

// Take atomically reads and deletes the entry so only one waiter consumes it.
func (b *RedisBuffer) Take(ctx context.Context, eventType, eventKey string) (Event, bool, error) {
	raw, err := b.client.GetDel(ctx, b.key(eventType, eventKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("take buffered event: %w", err)
	}
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, false, fmt.Errorf("unmarshal buffered event: %w", err)
	}
	return evt, true, nil
}
