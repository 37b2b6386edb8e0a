// internal/llm/retry.go
package llm

import (
	"context"
	"math/rand"
	"time"
)

// BackoffPolicy is the exponential-backoff-with-jitter schedule shared by
// provider HTTP retries and the Classifier's schema-retry loop.
type BackoffPolicy struct {
	Base       time.Duration
	Cap        time.Duration
	JitterMax  time.Duration
	MaxRetries int
}

// DefaultBackoff is base 500ms, cap 8s, jitter 0-250ms, max 5 retries.
var DefaultBackoff = BackoffPolicy{
	Base:       500 * time.Millisecond,
	Cap:        8 * time.Second,
	JitterMax:  250 * time.Millisecond,
	MaxRetries: 5,
}

// Delay returns the backoff duration before retry attempt n (0-indexed:
// n=0 is the delay before the first retry, after the initial attempt
// failed).
func (p BackoffPolicy) Delay(n int) time.Duration {
	d := p.Base << n
	if d > p.Cap || d <= 0 { // overflow guard: shifting far enough wraps negative
		d = p.Cap
	}
	if p.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(p.JitterMax) + 1))
	}
	return d
}

// Retry runs fn, retrying per p's schedule while shouldRetry(err) is true,
// up to p.MaxRetries additional attempts. If ctx is cancelled while it
// waits between attempts, it stops and returns the last error fn returned.
func Retry(ctx context.Context, p BackoffPolicy, shouldRetry func(error) bool, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !shouldRetry(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(p.Delay(attempt)):
		}
	}
}
