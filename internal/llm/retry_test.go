package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	policy := BackoffPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond, JitterMax: 0, MaxRetries: 3}

	err := Retry(context.Background(), policy, func(error) bool { return true }, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsWhenShouldRetryFalse(t *testing.T) {
	attempts := 0
	policy := BackoffPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxRetries: 5}

	err := Retry(context.Background(), policy, func(error) bool { return false }, func(ctx context.Context) error {
		attempts++
		return errors.New("permanent")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsMaxRetries(t *testing.T) {
	attempts := 0
	policy := BackoffPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxRetries: 2}

	err := Retry(context.Background(), policy, func(error) bool { return true }, func(ctx context.Context) error {
		attempts++
		return errors.New("still failing")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := BackoffPolicy{Base: time.Hour, Cap: time.Hour, MaxRetries: 5}

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, policy, func(error) bool { return true }, func(ctx context.Context) error {
			attempts++
			return errors.New("fails")
		})
	}()

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after context cancellation")
	}
	assert.Equal(t, 1, attempts)
}

func TestBackoffDelayRespectsCap(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Cap: 8 * time.Second, JitterMax: 0}
	assert.Equal(t, 8*time.Second, p.Delay(10))
}
