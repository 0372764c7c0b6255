package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const DefaultMax = 3 * time.Second

// Exponential returns the wait before retry number attempt (zero based):
// 2^attempt seconds plus up to 250ms of jitter, capped at max.
func Exponential(attempt int, max time.Duration) time.Duration {
	if max <= 0 {
		max = DefaultMax
	}
	jitter := float64(rand.Int63n(250))
	ms := math.Min(math.Pow(2, float64(attempt))*1000+jitter, float64(max.Milliseconds()))
	return time.Duration(ms) * time.Millisecond
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
