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

// Package audit persists blocked rate-limit decisions to PostgreSQL as a
// security audit trail. It is a write-only external collaborator wired
// through ratelimit's metrics_callback contract: the engine never reads
// this data back, and the engine holds no reference to it directly.
package audit

import (
	"context"
	"embed"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prometheus/client_golang/prometheus"

	"go.gatekeep.dev/throttle/internal/version"
	"go.gatekeep.dev/throttle/log"
	"go.gatekeep.dev/throttle/migrator"
	"go.gatekeep.dev/throttle/pg"
	"go.gatekeep.dev/throttle/ratelimit"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type (
	// Option configures a Sink during construction.
	Option func(*Sink)

	// Sink writes blocked rate-limit decisions to PostgreSQL.
	Sink struct {
		pg     *pg.Client
		logger *log.Logger
		tracer trace.Tracer

		writeTimeout time.Duration

		writesTotal  *prometheus.CounterVec
		writeSeconds prometheus.Histogram
	}
)

const tracerName = "go.gatekeep.dev/throttle/audit"

// WithLogger sets a custom logger. Defaults to a discarding logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Sink) {
		s.logger = l.Named("audit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Sink) {
		s.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRegisterer registers the sink's Prometheus metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Sink) {
		s.registerMetrics(r)
	}
}

// WithWriteTimeout bounds how long a single audit write may take.
// Defaults to 2 seconds.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Sink) {
		s.writeTimeout = d
	}
}

// New constructs a Sink backed by pgClient, applying the audit schema
// migration if it has not already run.
func New(ctx context.Context, pgClient *pg.Client, options ...Option) (*Sink, error) {
	s := &Sink{
		pg:           pgClient,
		logger:       log.NewLogger(log.WithOutput(io.Discard)),
		tracer:       otel.GetTracerProvider().Tracer(tracerName),
		writeTimeout: 2 * time.Second,
	}

	for _, o := range options {
		o(s)
	}

	m := migrator.NewMigrator(pgClient, migrationsFS, s.logger)
	if err := m.Run(ctx, "migrations"); err != nil {
		return nil, fmt.Errorf("cannot apply audit schema migrations: %w", err)
	}

	return s, nil
}

func (s *Sink) registerMetrics(r prometheus.Registerer) {
	s.writesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "audit",
			Name:      "writes_total",
			Help:      "Total number of audit log writes by outcome.",
		},
		[]string{"outcome"},
	)
	if err := r.Register(s.writesTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.writesTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	s.writeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: "audit",
			Name:      "write_duration_seconds",
			Help:      "Duration of audit log writes.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	if err := r.Register(s.writeSeconds); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.writeSeconds = are.ExistingCollector.(prometheus.Histogram)
		}
	}
}

// RecordBlocked writes a single blocked-decision entry for key, decided
// at decidedAt.
func (s *Sink) RecordBlocked(ctx context.Context, key string, decidedAt time.Time, currentAttempts int, backoffInterval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	start := time.Now()

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = s.tracer.Start(
			ctx,
			"audit.RecordBlocked",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("audit.key", key)),
		)
		defer span.End()
	}

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO decision_audit_log (key, decided_at, current_attempts, backoff_seconds)
VALUES ($1, $2, $3, $4)
`
		_, err := conn.Exec(ctx, q, key, decidedAt, currentAttempts, backoffInterval.Seconds())
		return err
	})

	s.recordMetrics(err, time.Since(start))

	if err != nil {
		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return fmt.Errorf("cannot write audit entry: %w", err)
	}

	return nil
}

func (s *Sink) recordMetrics(err error, d time.Duration) {
	if s.writesTotal == nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.writesTotal.WithLabelValues(outcome).Inc()

	if s.writeSeconds != nil {
		s.writeSeconds.Observe(d.Seconds())
	}
}

// Callback returns a ratelimit.MetricsCallback that writes every blocked
// decision to the audit log in a fire-and-forget goroutine. Write errors
// are logged, never raised into the limiter's call chain.
func Callback[K comparable](s *Sink) ratelimit.MetricsCallback[K] {
	return func(key K, decision ratelimit.Decision) {
		if !shouldAudit(decision) {
			return
		}

		go func() {
			ctx := context.Background()
			keyStr := fmt.Sprint(key)

			if err := s.RecordBlocked(ctx, keyStr, time.Now().UTC(), decision.CurrentAttempts, decision.BackoffInterval); err != nil {
				s.logger.Error("audit write failed", log.String("key", keyStr), log.Error(err))
				return
			}

			s.logger.Debug(
				"recorded blocked decision",
				log.String("key", keyStr),
				log.Duration("backoff_interval", decision.BackoffInterval),
			)
		}()
	}
}

// shouldAudit reports whether a decision warrants an audit log entry.
// Only blocked decisions are written; allows generate no audit traffic.
func shouldAudit(d ratelimit.Decision) bool {
	return !d.Allowed
}
