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

// Package pacer schedules per-key request times to a target rate,
// optionally consulting a rate limiter for a hard cap. It never sleeps:
// callers read the computed delay and wait outside the package.
package pacer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"go.gatekeep.dev/throttle/internal/otelutils"
	"go.gatekeep.dev/throttle/internal/version"
	"go.gatekeep.dev/throttle/log"
	"go.gatekeep.dev/throttle/ratelimit"
)

type (
	// Schedule is the outcome of a scheduleRequest call.
	Schedule struct {
		Allowed       bool
		ScheduledTime time.Time
		Delay         time.Duration

		// Decision is the embedded rate-limit decision when a RateLimiter
		// is configured, nil otherwise.
		Decision *ratelimit.Decision
	}

	// Option configures a Pacer during construction.
	Option[K comparable] func(*Pacer[K])

	// Pacer is a per-key request scheduler enforcing a minimum
	// inter-request spacing of 1/target_rate.
	Pacer[K comparable] struct {
		mu sync.Mutex

		minSpacing   time.Duration
		allowCatchUp bool
		limiter      *ratelimit.Limiter[K]

		state map[K]*pacerState

		logger *log.Logger
		tracer trace.Tracer

		scheduledTotal *prometheus.CounterVec
		delaySeconds   prometheus.Histogram
	}

	pacerState struct {
		lastScheduledTime time.Time
		hasScheduled      bool
		requestCount      int64
	}
)

const tracerName = "go.gatekeep.dev/throttle/pacer"

// WithRateLimiter attaches a RateLimiter consulted on every
// ScheduleRequest call, giving the pacer a hard cap on top of its
// spacing: a request the limiter denies is never scheduled.
func WithRateLimiter[K comparable](l *ratelimit.Limiter[K]) Option[K] {
	return func(p *Pacer[K]) {
		p.limiter = l
	}
}

// WithAllowCatchUp enables catch-up mode: scheduled times snap forward
// to the current instant when the caller is behind schedule, instead of
// queuing deterministically.
func WithAllowCatchUp[K comparable](allow bool) Option[K] {
	return func(p *Pacer[K]) {
		p.allowCatchUp = allow
	}
}

// WithLogger sets a custom logger. Defaults to a discarding logger.
func WithLogger[K comparable](l *log.Logger) Option[K] {
	return func(p *Pacer[K]) {
		p.logger = l.Named("pacer")
	}
}

// WithTracerProvider configures OpenTelemetry tracing.
func WithTracerProvider[K comparable](tp trace.TracerProvider) Option[K] {
	return func(p *Pacer[K]) {
		p.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRegisterer registers the pacer's Prometheus metrics.
func WithRegisterer[K comparable](r prometheus.Registerer) Option[K] {
	return func(p *Pacer[K]) {
		p.registerMetrics(r)
	}
}

// New constructs a Pacer targeting targetRate requests per second.
// Returns an *InvalidConfigurationError if targetRate is not positive.
func New[K comparable](targetRate float64, options ...Option[K]) (*Pacer[K], error) {
	if targetRate <= 0 {
		return nil, &InvalidConfigurationError{Field: "target_rate", Value: targetRate, Reason: "must be > 0"}
	}

	p := &Pacer[K]{
		minSpacing: time.Duration(float64(time.Second) / targetRate),
		state:      make(map[K]*pacerState),
		logger:     log.NewLogger(log.WithOutput(io.Discard)),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
	}

	for _, o := range options {
		o(p)
	}

	return p, nil
}

func (p *Pacer[K]) registerMetrics(r prometheus.Registerer) {
	p.scheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "pacer",
			Name:      "scheduled_total",
			Help:      "Total number of schedule requests by outcome.",
		},
		[]string{"allowed"},
	)
	if err := r.Register(p.scheduledTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			p.scheduledTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	p.delaySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: "pacer",
			Name:      "delay_seconds",
			Help:      "Distribution of computed pacing delays.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	if err := r.Register(p.delaySeconds); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			p.delaySeconds = are.ExistingCollector.(prometheus.Histogram)
		}
	}
}

// ScheduleRequest computes the next permitted scheduled time for k at
// instant t. When a rate limiter is configured, CheckLimit and, on
// allow, RecordAttempt are performed under this pacer's own
// serialization, giving pacer-admitted requests an atomic
// check-then-consume that calling the rate limiter directly does not
// provide.
func (p *Pacer[K]) ScheduleRequest(ctx context.Context, k K, t time.Time) Schedule {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = p.tracer.Start(
			ctx,
			"pacer.ScheduleRequest",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("pacer.key", otelutils.ToValidUTF8(fmt.Sprint(k))),
			),
		)
		defer span.End()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var decision *ratelimit.Decision
	if p.limiter != nil {
		d := p.limiter.CheckLimit(ctx, k, t)
		if !d.Allowed {
			sched := Schedule{Allowed: false, ScheduledTime: t, Delay: 0, Decision: &d}
			p.recordMetrics(sched)
			return sched
		}
		p.limiter.RecordAttempt(ctx, k, t)
		decision = &d
	}

	st, ok := p.state[k]
	if !ok {
		st = &pacerState{}
		p.state[k] = st
	}

	var scheduledTime time.Time
	switch {
	case !st.hasScheduled:
		scheduledTime = t
	case p.allowCatchUp:
		candidate := st.lastScheduledTime.Add(p.minSpacing)
		if t.After(candidate) {
			scheduledTime = t
		} else {
			scheduledTime = candidate
		}
	default:
		scheduledTime = st.lastScheduledTime.Add(p.minSpacing)
	}

	st.lastScheduledTime = scheduledTime
	st.hasScheduled = true
	st.requestCount++

	delay := scheduledTime.Sub(t)
	if delay < 0 {
		delay = 0
	}

	sched := Schedule{Allowed: true, ScheduledTime: scheduledTime, Delay: delay, Decision: decision}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("pacer.allowed", true),
			attribute.Float64("pacer.delay_seconds", delay.Seconds()),
		)
	}

	p.recordMetrics(sched)

	return sched
}

// Reset removes pacer state for k.
func (p *Pacer[K]) Reset(k K) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, k)
}

// ResetAll removes pacer state for every key.
func (p *Pacer[K]) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = make(map[K]*pacerState)
}

// GetRequestCount returns the number of scheduleRequest calls recorded
// for k, or 0 if k has no state.
func (p *Pacer[K]) GetRequestCount(k K) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.state[k]
	if !ok {
		return 0
	}
	return st.requestCount
}

func (p *Pacer[K]) recordMetrics(s Schedule) {
	if p.scheduledTotal == nil {
		return
	}

	allowedStr := "true"
	if !s.Allowed {
		allowedStr = "false"
	}
	p.scheduledTotal.WithLabelValues(allowedStr).Inc()

	if p.delaySeconds != nil {
		p.delaySeconds.Observe(s.Delay.Seconds())
	}
}
