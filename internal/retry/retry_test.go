package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyDelayDoublesAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	require.Equal(t, 100*time.Millisecond, p.Delay(1))
	require.Equal(t, 200*time.Millisecond, p.Delay(2))
	require.Equal(t, 300*time.Millisecond, p.Delay(3))
	require.Equal(t, 300*time.Millisecond, p.Delay(10))
	require.Equal(t, time.Duration(0), p.Delay(0))
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.Equal(t, 3, p.MaxAttempts)
	for attempt := 1; attempt <= 10; attempt++ {
		require.LessOrEqual(t, p.Delay(attempt), time.Duration(float64(p.MaxDelay)*(1+p.Jitter)))
	}
	require.GreaterOrEqual(t, p.Delay(1), 400*time.Millisecond)
}

func TestPolicyDelayJitterStaysInBounds(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	var retries []int
	p.OnRetry = func(attempt int, err error, delay time.Duration) { retries = append(retries, attempt) }

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, retries)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("boom")
	}, nil)

	require.EqualError(t, err, "boom")
	require.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	hard := errors.New("hard")
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return hard
	}, func(err error) bool { return !errors.Is(err, hard) })

	require.ErrorIs(t, err, hard)
	require.Equal(t, 1, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour}

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("wait")
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
