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

// Package httpguard wires a throttle.Client into a chi middleware chain
// to guard HTTP handlers such as login endpoints. It never appears in
// the core module graph; ratelimit, pacer and throttle know nothing
// about HTTP.
package httpguard

import (
	"errors"
	"net/http"
	"time"

	"go.gatekeep.dev/throttle/clock"
	"go.gatekeep.dev/throttle/httpserver"
	"go.gatekeep.dev/throttle/throttle"
)

type (
	// KeyFunc extracts the throttling key from an inbound request, for
	// example the client IP address or an authenticated account id
	// pulled from a parsed request body.
	KeyFunc[K comparable] func(*http.Request) (K, error)

	// Option configures a Middleware during construction.
	Option[K comparable] func(*Middleware[K])

	// Middleware guards next with a throttle.Client, denying requests
	// the client reports as unable to proceed and optionally sleeping
	// out a reported pacing delay before calling through.
	Middleware[K comparable] struct {
		client  *throttle.Client[K]
		keyFunc KeyFunc[K]
		clock   clock.Clock
		wait    bool
	}
)

// WithClock overrides the clock used to timestamp each request.
// Defaults to the system clock.
func WithClock[K comparable](c clock.Clock) Option[K] {
	return func(m *Middleware[K]) {
		m.clock = c
	}
}

// WithWaitOnDelay makes the middleware block for the client's reported
// pacing delay before calling through to next, instead of responding
// 429 with that delay as Retry-After. Disabled by default: an HTTP
// handler usually prefers to fail fast and let the caller retry.
func WithWaitOnDelay[K comparable](wait bool) Option[K] {
	return func(m *Middleware[K]) {
		m.wait = wait
	}
}

// New builds a Middleware guarding requests with client, deriving the
// throttling key from each request with keyFunc.
func New[K comparable](client *throttle.Client[K], keyFunc KeyFunc[K], options ...Option[K]) *Middleware[K] {
	m := &Middleware[K]{
		client:  client,
		keyFunc: keyFunc,
		clock:   clock.System{},
	}

	for _, o := range options {
		o(m)
	}

	return m
}

// ErrKeyExtraction wraps an error returned by a KeyFunc. The wrapped
// handler responds with 400 rather than silently falling back to an
// arbitrary key.
var ErrKeyExtraction = errors.New("httpguard: cannot extract throttling key")

// Handler returns a chi-compatible middleware enforcing client's
// decision around next.
func (m *Middleware[K]) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := m.keyFunc(r)
		if err != nil {
			httpserver.RenderError(w, http.StatusBadRequest, errors.Join(ErrKeyExtraction, err))
			return
		}

		result := m.client.Acquire(r.Context(), key, m.clock.Now())

		if !result.CanProceed {
			httpserver.RenderThrottled(w, errTooManyAttempts, result.RetryAfter)
			return
		}

		if result.Delay > 0 {
			if !m.wait {
				httpserver.RenderThrottled(w, errTooManyAttempts, result.Delay)
				return
			}

			timer := time.NewTimer(result.Delay)
			select {
			case <-r.Context().Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		next.ServeHTTP(w, r)
	})
}

var errTooManyAttempts = errors.New("too many attempts")

// ReportOutcome fans the outcome of a guarded request back into
// client's rate limiter, so that repeated failures (invalid
// credentials, for example) escalate backoff. Call it from within the
// guarded handler once the handler's own result is known.
func ReportOutcome[K comparable](client *throttle.Client[K], key K, success bool) {
	if success {
		client.RecordSuccess(key)
		return
	}

	client.RecordFailure(key)
}
