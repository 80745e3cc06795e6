package eventbuffer

import (
	"context"
	"sync"
	"time"
)

// MemoryBuffer is an in-process Buffer for tests and single-node development.
type MemoryBuffer struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[[2]string]Event
}

var _ Buffer = (*MemoryBuffer)(nil)

// NewMemoryBuffer builds a buffer whose entries expire after ttl.
func NewMemoryBuffer(ttl time.Duration) *MemoryBuffer {
	return &MemoryBuffer{ttl: ttl, now: time.Now, entries: make(map[[2]string]Event)}
}

func (b *MemoryBuffer) Store(_ context.Context, evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = b.now().UTC()
	}
	b.entries[[2]string{evt.EventType, evt.EventKey}] = evt
	return nil
}

func (b *MemoryBuffer) Take(_ context.Context, eventType, eventKey string) (Event, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := [2]string{eventType, eventKey}
	evt, ok := b.entries[key]
	if !ok {
		return Event{}, false, nil
	}
	delete(b.entries, key)
	if b.ttl > 0 && b.now().Sub(evt.ReceivedAt) > b.ttl {
		return Event{}, false, nil
	}
	return evt, true, nil
}

// Len reports how many entries are held, expired or not.
func (b *MemoryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
