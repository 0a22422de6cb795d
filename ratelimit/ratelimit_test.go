package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gatekeep.dev/throttle/ratelimit"
)

var epoch = time.Unix(0, 0).UTC()

func at(seconds float64) time.Time {
	return epoch.Add(time.Duration(seconds * float64(time.Second)))
}

func TestCheckLimit_PrimaryWindowExhausted_Blocks(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 2}})
	require.NoError(t, err)

	ctx := context.Background()

	d := lim.CheckLimit(ctx, "u", at(0))
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.CurrentAttempts)

	lim.RecordAttempt(ctx, "u", at(0))
	lim.RecordAttempt(ctx, "u", at(0))

	d = lim.CheckLimit(ctx, "u", at(0))
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.CurrentAttempts)
	assert.Equal(t, at(60), d.NextAllowedAttempt)
}

func TestCheckLimit_LayeredWindows_BlocksOnPrimaryThenClearsOnRollover(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{
		{Duration: 60 * time.Second, MaxAttempts: 3},
		{Duration: 3600 * time.Second, MaxAttempts: 10},
	})
	require.NoError(t, err)

	ctx := context.Background()

	lim.RecordAttempt(ctx, "u", at(0))
	lim.RecordAttempt(ctx, "u", at(0))
	lim.RecordAttempt(ctx, "u", at(0))

	d := lim.CheckLimit(ctx, "u", at(0))
	assert.False(t, d.Allowed)
	assert.Equal(t, at(60), d.NextAllowedAttempt)

	d = lim.CheckLimit(ctx, "u", at(60))
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.CurrentAttempts)
}

func TestCheckLimit_ConsecutiveFailures_EscalatesBackoffInterval(t *testing.T) {
	lim, err := ratelimit.New[string](
		[]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 1}},
		ratelimit.WithBackoffMultiplier[string](3),
	)
	require.NoError(t, err)

	ctx := context.Background()

	lim.RecordAttempt(ctx, "u", at(0))
	lim.RecordFailure("u")
	lim.RecordFailure("u")

	d := lim.CheckLimit(ctx, "u", at(0))
	assert.False(t, d.Allowed)
	assert.Equal(t, 540*time.Second, d.BackoffInterval)
}

func TestCheckLimit_RecordSuccess_ClearsBackoffButNotWindow(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 2}})
	require.NoError(t, err)

	ctx := context.Background()

	lim.RecordAttempt(ctx, "u", at(0))
	lim.RecordAttempt(ctx, "u", at(0))
	lim.RecordFailure("u")
	lim.RecordSuccess("u")

	d := lim.CheckLimit(ctx, "u", at(0))
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Duration(0), d.BackoffInterval)
}

func TestCheckLimit_CacheOverCapacity_EvictsLeastRecentlyUsed(t *testing.T) {
	lim, err := ratelimit.New[string](
		[]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 5}},
		ratelimit.WithMaxCacheSize[string](2),
	)
	require.NoError(t, err)

	ctx := context.Background()

	lim.CheckLimit(ctx, "k1", at(0))
	lim.CheckLimit(ctx, "k2", at(0))
	lim.CheckLimit(ctx, "k3", at(0)) // evicts k1

	d := lim.CheckLimit(ctx, "k1", at(0))
	assert.Equal(t, 0, d.CurrentAttempts)
}

func TestCheckLimit_RepeatedWithoutRecord_ReturnsIdenticalCurrentAttempts(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 5}})
	require.NoError(t, err)

	ctx := context.Background()
	lim.RecordAttempt(ctx, "u", at(0))

	d1 := lim.CheckLimit(ctx, "u", at(0))
	d2 := lim.CheckLimit(ctx, "u", at(0))
	d3 := lim.CheckLimit(ctx, "u", at(0))

	assert.Equal(t, d1.CurrentAttempts, d2.CurrentAttempts)
	assert.Equal(t, d2.CurrentAttempts, d3.CurrentAttempts)
}

func TestRecordAttempt_WithinWindow_IncrementsCurrentAttemptsByOne(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 10}})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		lim.RecordAttempt(ctx, "u", at(0))
		d := lim.CheckLimit(ctx, "u", at(0))
		assert.Equal(t, i, d.CurrentAttempts)
	}
}

func TestCheckLimit_AfterWindowRollover_ResetsCurrentAttempts(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 2}})
	require.NoError(t, err)

	ctx := context.Background()
	lim.RecordAttempt(ctx, "u", at(0))
	lim.RecordAttempt(ctx, "u", at(0))

	d := lim.CheckLimit(ctx, "u", at(60))
	assert.Equal(t, 0, d.CurrentAttempts)
}

func TestRecordSuccess_AfterFailures_ClearsBackoffInterval(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 10}})
	require.NoError(t, err)

	ctx := context.Background()
	lim.RecordFailure("u")
	lim.RecordFailure("u")
	lim.RecordSuccess("u")

	lim.RecordAttempt(ctx, "u", at(0))
	d := lim.CheckLimit(ctx, "u", at(0))
	assert.Equal(t, time.Duration(0), d.BackoffInterval)
}

func TestCheckLimit_CacheBound_RetainsMostRecentlyAccessedKeys(t *testing.T) {
	lim, err := ratelimit.New[string](
		[]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 5}},
		ratelimit.WithMaxCacheSize[string](3),
	)
	require.NoError(t, err)

	ctx := context.Background()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		lim.RecordAttempt(ctx, k, at(0))
	}

	// c, d, e are the three most-recently-touched keys and must retain
	// their recorded attempt; a and b were evicted and come back fresh.
	assert.Equal(t, 1, lim.CheckLimit(ctx, "c", at(0)).CurrentAttempts)
	assert.Equal(t, 1, lim.CheckLimit(ctx, "d", at(0)).CurrentAttempts)
	assert.Equal(t, 1, lim.CheckLimit(ctx, "e", at(0)).CurrentAttempts)
	assert.Equal(t, 0, lim.CheckLimit(ctx, "a", at(0)).CurrentAttempts)
}

func TestCheckLimit_DifferentKeys_NeverShareState(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 1}})
	require.NoError(t, err)

	ctx := context.Background()
	lim.RecordAttempt(ctx, "k1", at(0))
	lim.RecordFailure("k1")

	d := lim.CheckLimit(ctx, "k2", at(0))
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.CurrentAttempts)
}

func TestMissingKeyRecordsAreNoOps(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 1}})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		lim.RecordFailure("ghost")
		lim.RecordSuccess("ghost")
	})
}

func TestRejectsEmptyWindows(t *testing.T) {
	_, err := ratelimit.New[string](nil)
	require.Error(t, err)

	var cfgErr *ratelimit.InvalidConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
	assert.True(t, errors.Is(err, ratelimit.ErrInvalidConfiguration))
}

func TestRejectsNonPositiveDuration(t *testing.T) {
	_, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: 0, MaxAttempts: 1}})
	require.Error(t, err)
}

func TestRejectsNonPositiveMaxAttempts(t *testing.T) {
	_, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: time.Second, MaxAttempts: 0}})
	require.Error(t, err)
}

func TestRejectsBackoffMultiplierNotGreaterThanOne(t *testing.T) {
	_, err := ratelimit.New[string](
		[]ratelimit.WindowSpec{{Duration: time.Second, MaxAttempts: 1}},
		ratelimit.WithBackoffMultiplier[string](1),
	)
	require.Error(t, err)
}

func TestReset(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 1}})
	require.NoError(t, err)

	ctx := context.Background()
	lim.RecordAttempt(ctx, "u", at(0))
	lim.Reset("u")

	d := lim.CheckLimit(ctx, "u", at(0))
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.CurrentAttempts)
}

func TestBackoffSaturatesInsteadOfOverflowing(t *testing.T) {
	lim, err := ratelimit.New[string](
		[]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 1}},
		ratelimit.WithBackoffMultiplier[string](2),
	)
	require.NoError(t, err)

	ctx := context.Background()
	lim.RecordAttempt(ctx, "u", at(0))
	for i := 0; i < 2000; i++ {
		lim.RecordFailure("u")
	}

	d := lim.CheckLimit(ctx, "u", at(0))
	assert.False(t, d.Allowed)
	assert.Equal(t, 7*24*time.Hour, d.BackoffInterval)
}

func TestMetricsCallbackInvokedAfterDecision(t *testing.T) {
	var gotKey string
	var gotDecision ratelimit.Decision

	lim, err := ratelimit.New[string](
		[]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 1}},
		ratelimit.WithMetricsCallback(func(k string, d ratelimit.Decision) {
			gotKey = k
			gotDecision = d
		}),
	)
	require.NoError(t, err)

	lim.CheckLimit(context.Background(), "u", at(0))

	assert.Equal(t, "u", gotKey)
	assert.True(t, gotDecision.Allowed)
}

func TestMetricsCallbackPanicDoesNotAffectDecision(t *testing.T) {
	lim, err := ratelimit.New[string](
		[]ratelimit.WindowSpec{{Duration: 60 * time.Second, MaxAttempts: 1}},
		ratelimit.WithMetricsCallback(func(string, ratelimit.Decision) {
			panic("boom")
		}),
	)
	require.NoError(t, err)

	var d ratelimit.Decision
	assert.NotPanics(t, func() {
		d = lim.CheckLimit(context.Background(), "u", at(0))
	})
	assert.True(t, d.Allowed)
}
