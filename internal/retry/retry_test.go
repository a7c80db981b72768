package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast(attempts int) Policy {
	return Policy{MaxAttempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	out, err := Do(context.Background(), fast(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, out.Attempts)
	assert.True(t, out.OK())
}

func TestDo_Exhausted(t *testing.T) {
	boom := errors.New("boom")
	var waits int
	p := fast(3)
	p.OnRetry = func(int, error, time.Duration) { waits++ }

	out, err := Do(context.Background(), p, func(context.Context) error { return boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 2, waits)
	assert.False(t, out.OK())
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	p := fast(5)
	p.Retryable = func(err error) bool { return !errors.Is(err, fatal) }

	out, err := Do(context.Background(), p, func(context.Context) error { return fatal })
	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, out.Attempts)
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := Do(ctx, fast(3), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, out.Attempts)
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, out, err := DoValue(context.Background(), fast(3), func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("again")
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 2, out.Attempts)
}
