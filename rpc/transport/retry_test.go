package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffIsBounded(t *testing.T) {
	assert.InDelta(t, float64(initialBackoff), float64(Backoff(0)), float64(initialBackoff)/10)
	for attempt := 0; attempt < 20; attempt++ {
		assert.LessOrEqual(t, Backoff(attempt), maxBackoff+maxBackoff/10)
	}
}

func TestAttemptTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, AttemptTimeout(context.Background(), 5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	got := AttemptTimeout(ctx, 5*time.Second)
	assert.Greater(t, got, 5*time.Second)
	assert.LessOrEqual(t, got, time.Minute)

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	assert.Equal(t, time.Millisecond, AttemptTimeout(expired, 5*time.Second))
}
