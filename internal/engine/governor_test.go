package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"engagebot/pkg/logx"
)

func newTestGovernor(cfg GovernorConfig) (*Governor, *Counters, *sleepRecorder) {
	rec := &sleepRecorder{}
	c := &Counters{}
	return NewGovernor(cfg, c, logx.Nop(), rec.Sleep), c, rec
}

func TestGovernorServesRateLimitInChunks(t *testing.T) {
	t.Parallel()
	g, c, rec := newTestGovernor(testGovernor())

	calls := 0
	err := g.Invoke(context.Background(), "send", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return RateLimit(errors.New("flood"), 12*time.Second)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// 10s + 2s wait chunks, then base*1.5^0 backoff.
	assert.Equal(t, []time.Duration{10 * time.Second, 2 * time.Second, time.Second}, rec.recorded())

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.RateLimits)
	assert.Equal(t, 12*time.Second, snap.RateLimitWait)
	assert.Zero(t, snap.Errors)
}

func TestGovernorCapsWaitAtCeiling(t *testing.T) {
	t.Parallel()
	cfg := testGovernor()
	cfg.MaxWait = 25 * time.Second
	g, c, rec := newTestGovernor(cfg)

	calls := 0
	err := g.Invoke(context.Background(), "send", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return RateLimit(nil, time.Hour)
		}
		return nil
	})
	require.NoError(t, err)

	var waited time.Duration
	sleeps := rec.recorded()
	for _, d := range sleeps[:len(sleeps)-1] {
		assert.LessOrEqual(t, d, 10*time.Second)
		waited += d
	}
	assert.Equal(t, 25*time.Second, waited)
	assert.Equal(t, time.Hour, c.Snapshot().RateLimitWait, "requested wait is accounted, not the capped one")
}

func TestGovernorBackoffGrowsPerAttempt(t *testing.T) {
	t.Parallel()
	cfg := testGovernor()
	cfg.CheckInterval = time.Hour
	g, _, rec := newTestGovernor(cfg)

	calls := 0
	err := g.Invoke(context.Background(), "send", func(ctx context.Context) error {
		calls++
		if calls <= 3 {
			return RateLimit(nil, time.Second)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{
		time.Second, time.Second, // wait, base*1.5^0
		time.Second, 1500 * time.Millisecond, // wait, base*1.5^1
		time.Second, 2250 * time.Millisecond, // wait, base*1.5^2
	}, rec.recorded())
}

func TestGovernorExhaustsBudget(t *testing.T) {
	t.Parallel()
	g, c, _ := newTestGovernor(testGovernor())

	calls := 0
	err := g.Invoke(context.Background(), "send", func(ctx context.Context) error {
		calls++
		return RateLimit(nil, time.Second)
	})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 5, calls)
	snap := c.Snapshot()
	assert.Equal(t, int64(5), snap.RateLimits)
	assert.Equal(t, int64(1), snap.Errors)
}

func TestGovernorRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	g, c, rec := newTestGovernor(testGovernor())

	calls := 0
	err := g.Invoke(context.Background(), "send", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	for _, d := range rec.recorded() {
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
	assert.Len(t, rec.recorded(), 2)
	assert.Zero(t, c.Snapshot().Errors)
}

func TestGovernorDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()
	g, _, rec := newTestGovernor(testGovernor())

	tests := []error{
		Permanent(errors.New("private")),
		ErrChannelUnavailable,
		ErrNoDiscussion,
		ErrMembershipRequired,
		ErrJoinUnsupported,
	}
	for _, want := range tests {
		calls := 0
		err := g.Invoke(context.Background(), "op", func(ctx context.Context) error {
			calls++
			return want
		})
		assert.ErrorIs(t, err, want)
		assert.Equal(t, 1, calls)
	}
	assert.Empty(t, rec.recorded())
}

func TestGovernorCancelsDuringChunkedWait(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &sleepRecorder{cancelAfter: 2, cancel: cancel}
	g := NewGovernor(testGovernor(), &Counters{}, logx.Nop(), rec.Sleep)

	calls := 0
	err := g.Invoke(ctx, "send", func(ctx context.Context) error {
		calls++
		return RateLimit(nil, time.Minute)
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, calls, "no retry after cancellation")
	assert.Len(t, rec.recorded(), 2)
}

func TestGovernorCancelledBeforeDispatch(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGovernor(testGovernor())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := g.Invoke(ctx, "send", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.False(t, called)
}

func TestGovernorPacingIntervalGrowsAndCaps(t *testing.T) {
	t.Parallel()
	cfg := testGovernor()
	cfg.MinInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond
	g, _, _ := newTestGovernor(cfg)
	assert.Equal(t, time.Millisecond, g.Interval())

	calls := 0
	_ = g.Invoke(context.Background(), "send", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return RateLimit(nil, 0)
		}
		return nil
	})
	assert.Equal(t, 2*time.Millisecond, g.Interval())

	g.SetInterval(time.Hour)
	assert.Equal(t, 2*time.Millisecond, g.Interval())
	g.SetInterval(0)
	assert.Equal(t, time.Millisecond, g.Interval())
}

func TestGovernorReconfigureClampsInterval(t *testing.T) {
	t.Parallel()
	cfg := testGovernor()
	cfg.MinInterval = time.Second
	cfg.MaxInterval = 10 * time.Second
	cfg.RetryBudget = 2
	g, _, _ := newTestGovernor(cfg)
	g.SetInterval(10 * time.Second)

	next := cfg
	next.MaxInterval = 3 * time.Second
	next.RetryBudget = 4
	g.Reconfigure(next)
	assert.Equal(t, 3*time.Second, g.Interval())
	assert.Equal(t, rate.Every(3*time.Second), g.limiter.Limit())
	assert.Equal(t, 4, g.Config().RetryBudget)

	calls := 0
	err := g.Invoke(context.Background(), "send", func(ctx context.Context) error {
		calls++
		return errors.New("flaky")
	})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 4, calls)

	next.MinInterval = 0
	next.MaxInterval = 0
	g.Reconfigure(next)
	assert.Zero(t, g.Interval())
	assert.Equal(t, rate.Inf, g.limiter.Limit())
}

func TestCallReturnsValue(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGovernor(testGovernor())
	v, err := Call(context.Background(), g, "resolve", func(ctx context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestOpContextIsNotCancelled(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGovernor(testGovernor())
	ctx, cancel := context.WithCancel(context.Background())

	err := g.Invoke(ctx, "send", func(opCtx context.Context) error {
		cancel()
		assert.NoError(t, opCtx.Err())
		return nil
	})
	require.NoError(t, err)
}
