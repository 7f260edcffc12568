package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffConfig_NextDelay(t *testing.T) {
	tests := []struct {
		name    string
		config  BackoffConfig
		attempt int
		rng     float64
		want    time.Duration
	}{
		{
			name:    "first attempt uses initial delay",
			config:  BackoffConfig{Initial: time.Second, Multiplier: 2, Max: 60 * time.Second},
			attempt: 0,
			rng:     0.5,
			want:    time.Second,
		},
		{
			name:    "second attempt doubles",
			config:  BackoffConfig{Initial: time.Second, Multiplier: 2, Max: 60 * time.Second},
			attempt: 1,
			rng:     0.5,
			want:    2 * time.Second,
		},
		{
			name:    "sixth attempt reaches 32s",
			config:  BackoffConfig{Initial: time.Second, Multiplier: 2, Max: 60 * time.Second},
			attempt: 5,
			rng:     0.5,
			want:    32 * time.Second,
		},
		{
			name:    "cap applies",
			config:  BackoffConfig{Initial: time.Second, Multiplier: 2, Max: 60 * time.Second},
			attempt: 10, // 1024s uncapped
			rng:     0.5,
			want:    60 * time.Second,
		},
		{
			name:    "jitter at max increases delay",
			config:  BackoffConfig{Initial: 10 * time.Second, Multiplier: 2, Jitter: 0.2, Max: 5 * time.Minute},
			attempt: 0,
			rng:     1.0,
			want:    12 * time.Second,
		},
		{
			name:    "jitter at min decreases delay",
			config:  BackoffConfig{Initial: 10 * time.Second, Multiplier: 2, Jitter: 0.2, Max: 5 * time.Minute},
			attempt: 0,
			rng:     0.0,
			want:    8 * time.Second,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.config.nextDelay(tc.attempt, tc.rng)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Retry(context.Background(), BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: time.Millisecond}, 5,
		func(err error) bool { return !errors.Is(err, permanent) },
		func() error {
			calls++
			return permanent
		})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: time.Millisecond}, 5, nil,
		func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: time.Millisecond}, 4, nil,
		func() error {
			calls++
			return errors.New("always")
		})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestRetry_ContextCancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, BackoffConfig{Initial: time.Hour, Multiplier: 2, Max: time.Hour}, 3, nil,
		func() error {
			calls++
			return errors.New("transient")
		})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
