package throttle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gatekeep.dev/throttle/pacer"
	"go.gatekeep.dev/throttle/ratelimit"
	"go.gatekeep.dev/throttle/throttle"
)

var epoch = time.Unix(0, 0).UTC()

func at(seconds float64) time.Time {
	return epoch.Add(time.Duration(seconds * float64(time.Second)))
}

func TestAcquire_DeniedByLimiter_ReportsBackoffAsRetryAfter(t *testing.T) {
	lim, err := ratelimit.New[string](
		[]ratelimit.WindowSpec{{Duration: 2 * time.Second, MaxAttempts: 1}},
		ratelimit.WithBackoffMultiplier[string](3),
	)
	require.NoError(t, err)

	c := throttle.New[string](throttle.WithRateLimiter[string](lim))
	ctx := context.Background()

	r1 := c.Acquire(ctx, "u", at(1000))
	assert.True(t, r1.CanProceed)

	r2 := c.Acquire(ctx, "u", at(1000))
	assert.False(t, r2.CanProceed)
	assert.InDelta(t, 2.0, r2.RetryAfter.Seconds(), 0.001)

	c.RecordFailure("u")

	r3 := c.Acquire(ctx, "u", at(1000))
	assert.False(t, r3.CanProceed)
	assert.InDelta(t, 6.0, r3.RetryAfter.Seconds(), 0.001)
}

func TestAcquireWithNoComponentsAlwaysAllows(t *testing.T) {
	c := throttle.New[string]()
	r := c.Acquire(context.Background(), "u", at(0))
	assert.True(t, r.CanProceed)
	assert.Equal(t, time.Duration(0), r.Delay)
	assert.Nil(t, r.Decision)
}

func TestAcquireDelegatesPacingWhenAllowed(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 10}})
	require.NoError(t, err)

	p, err := pacer.New[string](10)
	require.NoError(t, err)

	c := throttle.New[string](throttle.WithRateLimiter[string](lim), throttle.WithPacer[string](p))
	ctx := context.Background()

	r1 := c.Acquire(ctx, "u", at(1000))
	require.True(t, r1.CanProceed)
	assert.Equal(t, time.Duration(0), r1.Delay)

	r2 := c.Acquire(ctx, "u", at(1000))
	require.True(t, r2.CanProceed)
	assert.InDelta(t, 0.1, r2.Delay.Seconds(), 0.001)

	d := lim.CheckLimit(ctx, "u", at(1000))
	assert.Equal(t, 2, d.CurrentAttempts)
}

func TestResetFansOutToBothComponents(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 1}})
	require.NoError(t, err)

	p, err := pacer.New[string](10)
	require.NoError(t, err)

	c := throttle.New[string](throttle.WithRateLimiter[string](lim), throttle.WithPacer[string](p))
	ctx := context.Background()

	c.Acquire(ctx, "u", at(0))
	c.Reset("u")

	assert.Equal(t, int64(0), p.GetRequestCount("u"))

	r := c.Acquire(ctx, "u", at(0))
	assert.True(t, r.CanProceed)
	assert.Equal(t, 0, r.Decision.CurrentAttempts)
}
