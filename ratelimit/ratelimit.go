// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package ratelimit implements a per-key, multi-window fixed-window rate
// limiter with a consecutive-failure exponential backoff gate, backed by
// a bounded in-memory LRU cache. It holds no persisted state and performs
// no I/O of its own: callers supply the current instant on every call
// (see the clock package) and may attach a metrics sink observing every
// decision.
package ratelimit

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gatekeep.dev/throttle/internal/otelutils"
	"go.gatekeep.dev/throttle/internal/version"
	"go.gatekeep.dev/throttle/log"
	"go.gatekeep.dev/throttle/lrucache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// WindowSpec describes one fixed-window layer: Duration is the window
	// length and MaxAttempts is the number of attempts permitted within
	// it. A configured Limiter holds a non-empty, ascending-by-duration
	// sequence of WindowSpecs; the shortest is the primary window.
	WindowSpec struct {
		Duration    time.Duration
		MaxAttempts int
	}

	// Decision is the outcome of a checkLimit call. NextAllowedAttempt is
	// the zero time.Time when the decision is allowed (there is nothing
	// to wait for). BackoffInterval is zero unless consecutive failures
	// are driving a blocked decision.
	Decision struct {
		Allowed            bool
		CurrentAttempts    int
		RemainingAttempts  int
		NextAllowedAttempt time.Time
		BackoffInterval    time.Duration
	}

	// MetricsCallback observes every decision produced by CheckLimit. It
	// is invoked after the limiter's internal lock has been released, so
	// it may call other methods of the same Limiter; a callback that calls
	// CheckLimit is itself invoked again by that call. Panics raised by
	// the callback do not affect the decision already returned.
	MetricsCallback[K comparable] func(key K, decision Decision)

	// Option configures a Limiter during construction.
	Option[K comparable] func(*Limiter[K])

	// Limiter is a per-key, multi-window fixed-window rate limiter with
	// an exponential consecutive-failure backoff gate.
	Limiter[K comparable] struct {
		mu sync.Mutex

		windows           []WindowSpec
		primaryDuration   time.Duration
		backoffMultiplier float64

		cache *lrucache.Map[K, *perKeyState]

		logger          *log.Logger
		tracer          trace.Tracer
		metricsCallback MetricsCallback[K]

		decisionsTotal  *prometheus.CounterVec
		backoffSeconds  prometheus.Histogram
		cacheKeysGauge  prometheus.Gauge
	}

	perKeyState struct {
		windows             []attemptInfo
		consecutiveFailures int64
		lastTouched         time.Time
	}

	attemptInfo struct {
		windowStart time.Time
		attempts    int
	}
)

const (
	tracerName = "go.gatekeep.dev/throttle/ratelimit"

	// staleSweepSampleSize bounds the amortized stale-entry sweep
	// performed on every CheckLimit call to O(1) amortized work instead
	// of a full linear scan over the cache.
	staleSweepSampleSize = 8

	// maxBackoffInterval caps the exponential backoff computation so
	// that pow(multiplier, consecutiveFailures) cannot overflow into
	// +Inf for pathologically large failure counts.
	maxBackoffInterval = 7 * 24 * time.Hour
)

// WithLogger sets a custom logger for the limiter. Defaults to a
// discarding logger.
func WithLogger[K comparable](l *log.Logger) Option[K] {
	return func(lim *Limiter[K]) {
		lim.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the provided
// tracer provider.
func WithTracerProvider[K comparable](tp trace.TracerProvider) Option[K] {
	return func(lim *Limiter[K]) {
		lim.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for the limiter's
// metrics.
func WithRegisterer[K comparable](r prometheus.Registerer) Option[K] {
	return func(lim *Limiter[K]) {
		lim.registerMetrics(r)
	}
}

// WithMaxCacheSize sets the maximum number of keys tracked at once.
// Defaults to 10000.
func WithMaxCacheSize[K comparable](n int) Option[K] {
	return func(lim *Limiter[K]) {
		lim.cache = lrucache.New[K, *perKeyState](n)
	}
}

// WithBackoffMultiplier sets the exponential backoff base. Defaults to
// 2.0. Construction rejects values <= 1.
func WithBackoffMultiplier[K comparable](b float64) Option[K] {
	return func(lim *Limiter[K]) {
		lim.backoffMultiplier = b
	}
}

// WithMetricsCallback attaches a sink invoked with (key, decision) after
// every checkLimit call.
func WithMetricsCallback[K comparable](cb MetricsCallback[K]) Option[K] {
	return func(lim *Limiter[K]) {
		lim.metricsCallback = cb
	}
}

// New constructs a Limiter over the given windows. windows must be
// non-empty with positive durations and max attempts; it is sorted
// ascending by duration (the shortest becomes the primary window).
// Returns an *InvalidConfigurationError if the configuration is invalid.
func New[K comparable](windows []WindowSpec, options ...Option[K]) (*Limiter[K], error) {
	if len(windows) == 0 {
		return nil, &InvalidConfigurationError{Field: "windows", Value: 0, Reason: "must be non-empty"}
	}

	sorted := make([]WindowSpec, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Duration < sorted[j].Duration })

	for _, w := range sorted {
		if w.Duration <= 0 {
			return nil, &InvalidConfigurationError{Field: "windows.duration", Value: w.Duration, Reason: "must be positive"}
		}
		if w.MaxAttempts <= 0 {
			return nil, &InvalidConfigurationError{Field: "windows.max_attempts", Value: w.MaxAttempts, Reason: "must be positive"}
		}
	}

	lim := &Limiter[K]{
		windows:           sorted,
		primaryDuration:   sorted[0].Duration,
		backoffMultiplier: 2.0,
		cache:             lrucache.New[K, *perKeyState](10000),
		logger:            log.NewLogger(log.WithOutput(io.Discard)),
		tracer:            otel.GetTracerProvider().Tracer(tracerName),
	}

	for _, o := range options {
		o(lim)
	}

	if lim.backoffMultiplier <= 1 {
		return nil, &InvalidConfigurationError{Field: "backoff_multiplier", Value: lim.backoffMultiplier, Reason: "must be > 1"}
	}

	return lim, nil
}

func (lim *Limiter[K]) registerMetrics(r prometheus.Registerer) {
	lim.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions by outcome.",
		},
		[]string{"allowed"},
	)
	if err := r.Register(lim.decisionsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			lim.decisionsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	lim.backoffSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: "ratelimit",
			Name:      "backoff_seconds",
			Help:      "Distribution of backoff intervals applied to blocked decisions.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
	if err := r.Register(lim.backoffSeconds); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			lim.backoffSeconds = are.ExistingCollector.(prometheus.Histogram)
		}
	}

	lim.cacheKeysGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "ratelimit",
			Name:      "cached_keys",
			Help:      "Number of keys currently tracked in the bounded cache.",
		},
	)
	if err := r.Register(lim.cacheKeysGauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			lim.cacheKeysGauge = are.ExistingCollector.(prometheus.Gauge)
		}
	}
}

// CheckLimit evaluates, without consuming, whether a request for k at
// instant t would be allowed. It synthesizes fresh per-window state on
// rollover and applies the consecutive-failure backoff gate, but never
// increments any attempts counter.
func (lim *Limiter[K]) CheckLimit(ctx context.Context, k K, t time.Time) Decision {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = lim.tracer.Start(
			ctx,
			"ratelimit.CheckLimit",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.key", otelutils.ToValidUTF8(fmt.Sprint(k))),
			),
		)
		defer span.End()
	}

	decision := lim.decideAndStore(k, t)

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", decision.Allowed),
			attribute.Int("ratelimit.current_attempts", decision.CurrentAttempts),
			attribute.Int("ratelimit.remaining_attempts", decision.RemainingAttempts),
		)
	}

	lim.recordMetrics(decision)
	lim.invokeMetricsCallback(k, decision)

	return decision
}

func (lim *Limiter[K]) decideAndStore(k K, t time.Time) Decision {
	lim.mu.Lock()
	defer lim.mu.Unlock()

	lim.sweepStaleLocked(t)

	state := lim.loadOrSynthesizeLocked(k, t)

	primary := &state.windows[0]

	if state.consecutiveFailures > 0 && primary.attempts >= lim.windows[0].MaxAttempts {
		decision := Decision{
			Allowed:            false,
			CurrentAttempts:    primary.attempts,
			RemainingAttempts:  0,
			NextAllowedAttempt: primary.windowStart.Add(lim.primaryDuration),
			BackoffInterval:    lim.backoffInterval(state.consecutiveFailures),
		}
		lim.cache.Insert(k, state)
		return decision
	}

	for i, w := range lim.windows {
		ai := &state.windows[i]
		if ai.attempts >= w.MaxAttempts {
			decision := Decision{
				Allowed:            false,
				CurrentAttempts:    primary.attempts,
				RemainingAttempts:  0,
				NextAllowedAttempt: ai.windowStart.Add(w.Duration),
			}
			if state.consecutiveFailures > 0 {
				decision.BackoffInterval = lim.backoffInterval(state.consecutiveFailures)
			}
			lim.cache.Insert(k, state)
			return decision
		}
	}

	decision := Decision{
		Allowed:           true,
		CurrentAttempts:   primary.attempts,
		RemainingAttempts: lim.windows[0].MaxAttempts - primary.attempts,
	}
	lim.cache.Insert(k, state)
	return decision
}

// RecordAttempt increments the attempts counter in every window layer
// for k, lazily creating per-key state if absent.
func (lim *Limiter[K]) RecordAttempt(ctx context.Context, k K, t time.Time) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		_, span = lim.tracer.Start(
			ctx,
			"ratelimit.RecordAttempt",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.key", otelutils.ToValidUTF8(fmt.Sprint(k))),
			),
		)
		defer span.End()
	}

	lim.mu.Lock()
	defer lim.mu.Unlock()

	state := lim.loadOrSynthesizeLocked(k, t)
	for i := range state.windows {
		state.windows[i].attempts++
	}
	state.lastTouched = t
	lim.cache.Insert(k, state)
}

// RecordFailure increments the consecutive-failure counter for k. A
// missing key is a silent no-op.
func (lim *Limiter[K]) RecordFailure(k K) {
	lim.mu.Lock()
	defer lim.mu.Unlock()

	state, ok := lim.cache.Get(k)
	if !ok {
		return
	}

	state.consecutiveFailures++
	lim.cache.Insert(k, state)
}

// RecordSuccess resets the consecutive-failure counter for k to zero. A
// missing key is a silent no-op.
func (lim *Limiter[K]) RecordSuccess(k K) {
	lim.mu.Lock()
	defer lim.mu.Unlock()

	state, ok := lim.cache.Get(k)
	if !ok {
		return
	}

	state.consecutiveFailures = 0
	lim.cache.Insert(k, state)
}

// Reset removes all state for k.
func (lim *Limiter[K]) Reset(k K) {
	lim.mu.Lock()
	defer lim.mu.Unlock()

	lim.cache.Remove(k)
}

// loadOrSynthesizeLocked returns the per-key state for k at t, reusing
// any window record whose window_start still matches t's floor and
// regenerating the rest with attempts=0. The consecutive-failure
// counter lives once per key rather than once per window, so it
// survives rollover of any single window untouched. Caller must hold
// lim.mu.
func (lim *Limiter[K]) loadOrSynthesizeLocked(k K, t time.Time) *perKeyState {
	existing, ok := lim.cache.Get(k)

	state := &perKeyState{
		windows:     make([]attemptInfo, len(lim.windows)),
		lastTouched: t,
	}
	if ok {
		state.consecutiveFailures = existing.consecutiveFailures
	}

	for i, w := range lim.windows {
		windowStart := floorToWindow(t, w.Duration)

		if ok && i < len(existing.windows) && existing.windows[i].windowStart.Equal(windowStart) {
			state.windows[i] = existing.windows[i]
			continue
		}

		state.windows[i] = attemptInfo{windowStart: windowStart, attempts: 0}
	}

	return state
}

// sweepStaleLocked evicts a bounded sample of the cache's least-recently
// used entries whose state has fully expired (last_touched precedes
// t - max window duration). Caller must hold lim.mu.
func (lim *Limiter[K]) sweepStaleLocked(t time.Time) {
	maxDuration := lim.windows[len(lim.windows)-1].Duration
	cutoff := t.Add(-maxDuration)

	lim.cache.EvictStale(staleSweepSampleSize, func(_ K, state *perKeyState) bool {
		return state.lastTouched.Before(cutoff)
	})

	if lim.cacheKeysGauge != nil {
		lim.cacheKeysGauge.Set(float64(lim.cache.Len()))
	}
}

// backoffInterval computes multiplier^consecutiveFailures * primaryDuration,
// saturating at maxBackoffInterval rather than overflowing to +Inf for
// large failure counts.
func (lim *Limiter[K]) backoffInterval(consecutiveFailures int64) time.Duration {
	factor := math.Pow(lim.backoffMultiplier, float64(consecutiveFailures))
	seconds := factor * lim.primaryDuration.Seconds()

	if math.IsInf(seconds, 1) || seconds > maxBackoffInterval.Seconds() {
		return maxBackoffInterval
	}

	return time.Duration(seconds * float64(time.Second))
}

func (lim *Limiter[K]) recordMetrics(d Decision) {
	if lim.decisionsTotal == nil {
		return
	}

	allowedStr := "true"
	if !d.Allowed {
		allowedStr = "false"
	}
	lim.decisionsTotal.WithLabelValues(allowedStr).Inc()

	if d.BackoffInterval > 0 && lim.backoffSeconds != nil {
		lim.backoffSeconds.Observe(d.BackoffInterval.Seconds())
	}
}

// invokeMetricsCallback calls the user-supplied sink outside of any
// internal lock, recovering from panics so a faulty callback can never
// affect the decision already returned to the caller.
func (lim *Limiter[K]) invokeMetricsCallback(k K, d Decision) {
	if lim.metricsCallback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			lim.logger.Error("ratelimit metrics callback panicked", log.Any("recovered", r))
		}
	}()

	lim.metricsCallback(k, d)
}

// floorToWindow returns t aligned down to the nearest multiple of d
// since the Unix epoch: window_start = floor(t/d) * d.
func floorToWindow(t time.Time, d time.Duration) time.Time {
	nanos := t.UnixNano()
	step := d.Nanoseconds()

	floored := (nanos / step) * step
	if nanos < 0 && nanos%step != 0 {
		floored -= step
	}

	return time.Unix(0, floored).UTC()
}
