package transport

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

var (
	// ErrNoConnection is returned when no connection to any endpoint is available
	ErrNoConnection = errors.New("no active connections available")
	// ErrTimeout is returned when a response did not arrive within the configured timeout
	ErrTimeout = errors.New("request timed out")
)

// Backoff returns the delay before retry attempt (0 based): exponential from 50ms,
// capped at 2s, with a small random jitter (+-10%)
func Backoff(attempt int) time.Duration {
	d := initialBackoff
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	d = min(d, maxBackoff)
	return time.Duration(float64(d) * (0.9 + 0.2*rand.Float64()))
}

// AttemptTimeout returns the time a request may take. A deadline of ctx replaces the
// configured timeout, so callers can give long running requests (migrations) more time.
func AttemptTimeout(ctx context.Context, configured time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return max(time.Until(deadline), time.Millisecond)
	}
	return configured
}

// Sleep waits for d or until ctx ends and returns ctx.Err() in the latter case
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
