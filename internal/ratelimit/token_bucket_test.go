package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)
	now := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return now }

	allowed, _, err := bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	assert.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	assert.False(t, allowed, "third token should be rejected")

	// The script takes time from the caller, so refill is driven by the clock field.
	now = now.Add(1500 * time.Millisecond)
	allowed, _, err = bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, allowed, "token should refill after a second")
}

func TestBucketsAreIndependentPerRepository(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 1, 0.001)

	allowed, _, err := bucket.Allow(ctx, WebhookKey("GitHub", "Acme/API"))
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, WebhookKey("github", "acme/api"))
	assert.False(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, WebhookKey("github", "acme/web"))
	assert.True(t, allowed)

	assert.True(t, mr.Exists("ratelimit:webhook:github:acme/api"))
}
