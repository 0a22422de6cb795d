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

package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/x/panicf"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.gatekeep.dev/throttle/log"
)

type (
	// TelemetryRoundTripper is an http.RoundTripper that wraps another
	// http.RoundTripper to add telemetry capabilities. It logs requests,
	// measures request latency, and counts requests with Prometheus
	// metrics and OpenTelemetry spans.
	TelemetryRoundTripper struct {
		logger *log.Logger
		tracer trace.Tracer
		next   http.RoundTripper

		requestsTotal   *prometheus.CounterVec
		requestDuration *prometheus.HistogramVec
	}
)

var (
	_ http.RoundTripper = (*TelemetryRoundTripper)(nil)
)

const tracerNameRoundTripper = tracerName + "/roundtripper"

// NewTelemetryRoundTripper creates a new TelemetryRoundTripper wrapping
// next. A nil logger falls back to a discarding logger; a nil
// tracerProvider falls back to the global one; a nil registerer skips
// metrics registration.
func NewTelemetryRoundTripper(next http.RoundTripper, logger *log.Logger, tracerProvider trace.TracerProvider, registerer prometheus.Registerer) *TelemetryRoundTripper {
	if logger == nil {
		logger = log.NewLogger(log.WithOutput(io.Discard))
	}
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}

	rt := &TelemetryRoundTripper{
		next:   next,
		logger: logger.Named("http.client.roundtripper"),
		tracer: tracerProvider.Tracer(tracerNameRoundTripper),
	}

	if registerer != nil {
		rt.registerMetrics(registerer)
	}

	return rt
}

func (rt *TelemetryRoundTripper) registerMetrics(r prometheus.Registerer) {
	rt.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests by method and status code.",
		},
		[]string{"method", "status_code"},
	)
	if err := r.Register(rt.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			rt.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	rt.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	if err := r.Register(rt.requestDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			rt.requestDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
}

// RoundTrip executes a single HTTP transaction and records telemetry
// data including metrics and traces. It sanitizes URLs to exclude
// query parameters and user info for logging and tracing.
func (rt *TelemetryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()
	newReq := req.Clone(ctx)

	reqURL := sanitizeURL(newReq.URL)

	ctx, span := rt.tracer.Start(
		ctx,
		"http.client.round_trip",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", newReq.Method),
			attribute.String("http.url", reqURL.String()),
			attribute.String("http.host", newReq.Host),
		),
	)
	defer span.End()

	requestID := newReq.Header.Get("x-request-id")
	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			panicf.Panic("cannot generate UUID: %w", err)
		}
		requestID = id.String()
	}
	newReq.Header.Set("x-request-id", requestID)

	logger := rt.logger.With(
		log.String("http_request_method", newReq.Method),
		log.String("http_request_host", reqURL.Host),
		log.String("http_request_path", reqURL.Path),
		log.String("http_request_id", requestID),
	)

	resp, err := rt.next.RoundTrip(newReq)
	if err != nil {
		logger.ErrorCtx(ctx, "cannot execute http transaction", log.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}

	duration := time.Since(start)

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if rt.requestsTotal != nil {
		rt.requestsTotal.WithLabelValues(newReq.Method, fmt.Sprint(resp.StatusCode)).Inc()
	}
	if rt.requestDuration != nil {
		rt.requestDuration.WithLabelValues(newReq.Method).Observe(duration.Seconds())
	}

	level := log.LevelInfo
	if resp.StatusCode >= http.StatusInternalServerError {
		level = log.LevelError
	}
	logger.Log(ctx, level,
		fmt.Sprintf("%s %s %d %s", newReq.Method, reqURL.String(), resp.StatusCode, duration),
		log.Int("http_response_status_code", resp.StatusCode),
	)

	return resp, nil
}

func sanitizeURL(u *url.URL) *url.URL {
	u2 := *u
	u2.RawQuery = ""
	u2.RawFragment = ""
	u2.User = nil

	return &u2
}
