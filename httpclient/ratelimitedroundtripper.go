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
	"net/http"
	"time"

	"go.gatekeep.dev/throttle/clock"
	"go.gatekeep.dev/throttle/throttle"
)

type (
	// KeyFunc extracts the throttling key for an outbound request, for
	// example the target host or a tenant identifier carried on the
	// request context.
	KeyFunc[K comparable] func(*http.Request) K

	// RateLimitedRoundTripper wraps next with a throttle.Client: it
	// acquires a slot for the request's key, sleeps the reported delay,
	// performs the request, and reports success or failure back to the
	// client — the outbound data flow end to end.
	RateLimitedRoundTripper[K comparable] struct {
		next    http.RoundTripper
		client  *throttle.Client[K]
		keyFunc KeyFunc[K]
		clock   clock.Clock
	}
)

var _ http.RoundTripper = (*RateLimitedRoundTripper[string])(nil)

// NewRateLimitedRoundTripper wraps next so that every request is
// acquired from client before being sent. A nil clock defaults to the
// system clock.
func NewRateLimitedRoundTripper[K comparable](next http.RoundTripper, client *throttle.Client[K], keyFunc KeyFunc[K], c clock.Clock) *RateLimitedRoundTripper[K] {
	if c == nil {
		c = clock.System{}
	}

	return &RateLimitedRoundTripper[K]{
		next:    next,
		client:  client,
		keyFunc: keyFunc,
		clock:   c,
	}
}

// RoundTrip implements the acquire → sleep → perform → report data flow:
// it acquires a schedule for the request's key, blocks for the reported
// delay or returns a synthetic 429 response if throttled outright,
// performs the underlying round trip, and reports success or failure
// back to the composed throttle.Client.
func (rt *RateLimitedRoundTripper[K]) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := rt.keyFunc(req)

	result := rt.client.Acquire(ctx, key, rt.clock.Now())

	if !result.CanProceed {
		return tooManyRequestsResponse(req, result.RetryAfter), nil
	}

	if result.Delay > 0 {
		timer := time.NewTimer(result.Delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	resp, err := rt.next.RoundTrip(req)
	if err != nil {
		rt.client.RecordFailure(key)
		return resp, err
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		rt.client.RecordFailure(key)
	} else {
		rt.client.RecordSuccess(key)
	}

	return resp, nil
}

func tooManyRequestsResponse(req *http.Request, retryAfter time.Duration) *http.Response {
	header := make(http.Header)
	header.Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))

	return &http.Response{
		Status:     http.StatusText(http.StatusTooManyRequests),
		StatusCode: http.StatusTooManyRequests,
		Proto:      req.Proto,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
		Header:     header,
		Body:       http.NoBody,
		Request:    req,
	}
}
