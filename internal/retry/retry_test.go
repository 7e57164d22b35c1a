package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earn12345678/data-engineering-project/internal/failure"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

type throttled struct{ wait time.Duration }

func (throttled) Error() string                 { return "429 too many requests" }
func (t throttled) RetryAfter() time.Duration { return t.wait }

func TestDoRetriesRecoverable(t *testing.T) {
	r := New(fastPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return failure.Recoverable("fetch", errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	r := New(fastPolicy(4), nil)

	calls := 0
	err := r.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		return errors.New("503 service unavailable")
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.True(t, failure.IsRecoverable(err))
	assert.Contains(t, err.Error(), "gave up after 4 attempts")
}

func TestDoStopsOnNonRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"fatal", failure.Fatal("fetch", errors.New("401 unauthorized"))},
		{"validation", failure.Validation("decode", errors.New("bad json"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(fastPolicy(5), nil)
			calls := 0
			err := r.Do(context.Background(), "op", func(ctx context.Context) error {
				calls++
				return tt.err
			})
			assert.Equal(t, 1, calls)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDoAttemptTimeout(t *testing.T) {
	p := fastPolicy(2)
	p.AttemptTimeout = 5 * time.Millisecond
	r := New(p, nil)

	calls := 0
	err := r.Do(context.Background(), "slow", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	assert.Equal(t, 2, calls)
	assert.True(t, failure.IsRecoverable(err))
}

func TestDoHonoursCancellation(t *testing.T) {
	r := New(Policy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := r.Do(ctx, "op", func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayUsesRetryAfter(t *testing.T) {
	r := New(Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2}, nil)
	assert.Equal(t, 7*time.Second, r.delay(1, throttled{wait: 7 * time.Second}))
	assert.Equal(t, time.Minute, r.delay(1, throttled{wait: time.Hour}))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}

	assert.Equal(t, 100*time.Millisecond, Backoff(p, 1))
	assert.Equal(t, 200*time.Millisecond, Backoff(p, 2))
	assert.Equal(t, 400*time.Millisecond, Backoff(p, 3))
	assert.Equal(t, time.Second, Backoff(p, 10))

	p.JitterFactor = 0.5
	for i := 0; i < 50; i++ {
		d := Backoff(p, 2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestValue(t *testing.T) {
	r := New(fastPolicy(2), nil)
	got, err := Value(context.Background(), r, "op", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
