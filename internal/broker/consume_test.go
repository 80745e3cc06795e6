package broker

import (
	"testing"
	"time"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff not capped for attempt 10: %s", b10)
	}

	if got := backoffWithJitter(base, max, 0); got != base {
		t.Fatalf("attempt 0 should use base, got %s", got)
	}
	if got := backoffWithJitter(time.Nanosecond, time.Nanosecond, 4); got != time.Nanosecond {
		t.Fatalf("tiny waits skip jitter, got %s", got)
	}
}
