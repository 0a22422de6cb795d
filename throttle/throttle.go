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

// Package throttle composes a rate limiter and a request pacer behind a
// single acquire/record interface.
package throttle

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"go.gatekeep.dev/throttle/internal/version"
	"go.gatekeep.dev/throttle/log"
	"go.gatekeep.dev/throttle/pacer"
	"go.gatekeep.dev/throttle/ratelimit"
)

type (
	// Result is the composite decision returned by acquire.
	Result struct {
		CanProceed bool
		Delay      time.Duration
		RetryAfter time.Duration

		// Decision is the rate limiter's sub-decision, nil if no
		// rate limiter is configured.
		Decision *ratelimit.Decision

		// Schedule is the pacer's sub-decision, nil if no pacer is
		// configured or the rate limiter already denied the request.
		Schedule *pacer.Schedule
	}

	// Option configures a Client during construction.
	Option[K comparable] func(*Client[K])

	// Client composes an optional *ratelimit.Limiter[K] and an optional
	// *pacer.Pacer[K] behind a single acquire/record interface. The
	// pacer passed here should not itself be configured with a rate
	// limiter (via pacer.WithRateLimiter): Client performs the
	// checkLimit/recordAttempt step itself so the same attempt is never
	// consumed twice.
	Client[K comparable] struct {
		limiter *ratelimit.Limiter[K]
		pacer   *pacer.Pacer[K]

		logger *log.Logger
		tracer trace.Tracer
	}
)

const tracerName = "go.gatekeep.dev/throttle"

// WithRateLimiter attaches the RateLimiter consulted on every acquire.
func WithRateLimiter[K comparable](l *ratelimit.Limiter[K]) Option[K] {
	return func(c *Client[K]) {
		c.limiter = l
	}
}

// WithPacer attaches the RequestPacer consulted on every acquire once
// the rate limiter (if any) has allowed the request.
func WithPacer[K comparable](p *pacer.Pacer[K]) Option[K] {
	return func(c *Client[K]) {
		c.pacer = p
	}
}

// WithLogger sets a custom logger. Defaults to a discarding logger.
func WithLogger[K comparable](l *log.Logger) Option[K] {
	return func(c *Client[K]) {
		c.logger = l.Named("throttle")
	}
}

// WithTracerProvider configures OpenTelemetry tracing.
func WithTracerProvider[K comparable](tp trace.TracerProvider) Option[K] {
	return func(c *Client[K]) {
		c.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// New constructs a Client. A Client with neither a rate limiter nor a
// pacer always allows immediately; this is a valid, if pointless,
// configuration.
func New[K comparable](options ...Option[K]) *Client[K] {
	c := &Client[K]{
		logger: log.NewLogger(log.WithOutput(io.Discard)),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}

	for _, o := range options {
		o(c)
	}

	return c
}

// Acquire checks the configured rate limiter, records the attempt on
// allow, and delegates to the configured pacer for scheduling. With no
// rate limiter and no pacer, Acquire always returns an immediate,
// unconditional allow.
func (c *Client[K]) Acquire(ctx context.Context, k K, t time.Time) Result {
	ctx, span := c.tracer.Start(ctx, "throttle.Acquire", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	var decision *ratelimit.Decision

	if c.limiter != nil {
		d := c.limiter.CheckLimit(ctx, k, t)
		decision = &d

		if !d.Allowed {
			retryAfter := d.BackoffInterval
			if retryAfter == 0 {
				retryAfter = d.NextAllowedAttempt.Sub(t)
			}
			if retryAfter < 0 {
				retryAfter = 0
			}

			return Result{
				CanProceed: false,
				Delay:      0,
				RetryAfter: retryAfter,
				Decision:   decision,
			}
		}

		c.limiter.RecordAttempt(ctx, k, t)
	}

	if c.pacer != nil {
		s := c.pacer.ScheduleRequest(ctx, k, t)
		return Result{
			CanProceed: s.Allowed,
			Delay:      s.Delay,
			RetryAfter: 0,
			Decision:   decision,
			Schedule:   &s,
		}
	}

	return Result{CanProceed: true, Delay: 0, RetryAfter: 0, Decision: decision}
}

// RecordSuccess fans out to the configured rate limiter. The pacer has
// no notion of success or failure of its own.
func (c *Client[K]) RecordSuccess(k K) {
	if c.limiter != nil {
		c.limiter.RecordSuccess(k)
	}
}

// RecordFailure fans out to the configured rate limiter.
func (c *Client[K]) RecordFailure(k K) {
	if c.limiter != nil {
		c.limiter.RecordFailure(k)
	}
}

// Reset fans out to both the configured rate limiter and pacer.
func (c *Client[K]) Reset(k K) {
	if c.limiter != nil {
		c.limiter.Reset(k)
	}
	if c.pacer != nil {
		c.pacer.Reset(k)
	}
}
