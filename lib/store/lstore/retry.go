package lstore

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/VictoriaMetrics/metrics"
)

// RetryOptions bounds the retry loop around transient engine faults
type RetryOptions struct {
	MaxAttempts int           // Total attempts including the first one
	BaseBackoff time.Duration // Wait after the first failed attempt
	MaxBackoff  time.Duration // Upper bound for a single wait
}

// DefaultRetryOptions returns the default retry policy (5 attempts, 10ms doubling up to 1s)
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts: 5,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

var (
	retriesTotal   = metrics.GetOrCreateCounter(`rkv_store_retries_total`)
	exhaustedTotal = metrics.GetOrCreateCounter(`rkv_store_retries_exhausted_total`)
)

// retry runs fn until it succeeds, fails permanently, the attempts are used up or ctx ends.
// Permanent faults are returned as RetCInternalError, exhaustion as RetCRetriesExhausted and
// cancellation as RetCCanceled. The original engine error stays reachable through errors.Is.
func (r RetryOptions) retry(ctx context.Context, what string, fn func() error) error {
	if r.MaxAttempts < 1 {
		r.MaxAttempts = 1
	}
	backoff := r.BaseBackoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", store.Errorf(store.RetCCanceled, "%s canceled after %d attempts", what, attempt-1), err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !db.IsTransient(err) {
			return fmt.Errorf("%w: %w", store.Errorf(store.RetCInternalError, "%s failed", what), err)
		}
		if attempt >= r.MaxAttempts {
			exhaustedTotal.Inc()
			return fmt.Errorf("%w: %w", store.Errorf(store.RetCRetriesExhausted, "%s failed after %d attempts", what, attempt), err)
		}

		retriesTotal.Inc()
		Logger.Debugf("%s attempt %d failed with transient fault: %v", what, attempt, err)

		// exponential backoff with a small random jitter (+-10%)
		jitter := time.Duration(float64(backoff) * (0.9 + 0.2*rand.Float64()))
		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", store.Errorf(store.RetCCanceled, "%s canceled after %d attempts", what, attempt), ctx.Err())
		case <-timer.C:
		}

		backoff *= 2
		if r.MaxBackoff > 0 && backoff > r.MaxBackoff {
			backoff = r.MaxBackoff
		}
	}
}
