package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsFirstTime(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhausted(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())
	boom := errors.New("provider down")

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, boom)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	r := New(fastPolicy(5), zap.NewNop())
	bad := errors.New("dimension mismatch")

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(bad)
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, bad)
	assert.True(t, IsPermanent(err))
}

func TestDoContextCancelledDuringWait(t *testing.T) {
	r := New(Policy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("slow")
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	r := New(Policy{MaxAttempts: 10, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}, nil)

	assert.Equal(t, 10*time.Millisecond, r.delay(1))
	assert.Equal(t, 20*time.Millisecond, r.delay(2))
	assert.Equal(t, 40*time.Millisecond, r.delay(3))
	assert.Equal(t, 50*time.Millisecond, r.delay(4))
	assert.Equal(t, 50*time.Millisecond, r.delay(8))
}

func TestOnRetryCallback(t *testing.T) {
	var attempts []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := New(p, nil)

	_ = r.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, []int{2, 3}, attempts)
}

func TestNewFillsDefaults(t *testing.T) {
	r := New(Policy{}, nil)
	p := r.Policy()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Positive(t, p.InitialDelay)
	assert.Positive(t, p.MaxDelay)
}
