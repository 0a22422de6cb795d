package httpguard

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gatekeep.dev/throttle/clock"
	"go.gatekeep.dev/throttle/ratelimit"
	"go.gatekeep.dev/throttle/throttle"
)

func byRemoteAddr(r *http.Request) (string, error) {
	return r.RemoteAddr, nil
}

func newGuardedHandler(t *testing.T, lim *ratelimit.Limiter[string], opts ...Option[string]) (http.Handler, *clock.Mock) {
	t.Helper()

	c := throttle.New[string](throttle.WithRateLimiter[string](lim))
	mockClock := clock.NewMock(time.Unix(0, 0))

	opts = append([]Option[string]{WithClock[string](mockClock)}, opts...)
	mw := New[string](c, byRemoteAddr, opts...)

	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	return handler, mockClock
}

func TestMiddlewareAllowsWithinLimit(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: time.Minute, MaxAttempts: 3}})
	require.NoError(t, err)

	handler, _ := newGuardedHandler(t, lim)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareDeniesOverLimit(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: time.Minute, MaxAttempts: 1}})
	require.NoError(t, err)

	handler, _ := newGuardedHandler(t, lim)

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	assert.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.NotEmpty(t, rec2.Header().Get("Retry-After"))
}

func TestMiddlewareIsolatesByKey(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: time.Minute, MaxAttempts: 1}})
	require.NoError(t, err)

	handler, _ := newGuardedHandler(t, lim)

	reqA := httptest.NewRequest(http.MethodPost, "/login", nil)
	reqA.RemoteAddr = "10.0.0.1:1234"
	recA := httptest.NewRecorder()
	handler.ServeHTTP(recA, reqA)
	assert.Equal(t, http.StatusOK, recA.Code)

	reqB := httptest.NewRequest(http.MethodPost, "/login", nil)
	reqB.RemoteAddr = "10.0.0.2:5678"
	recB := httptest.NewRecorder()
	handler.ServeHTTP(recB, reqB)
	assert.Equal(t, http.StatusOK, recB.Code)
}

func TestMiddlewareRejectsKeyExtractionError(t *testing.T) {
	lim, err := ratelimit.New[string]([]ratelimit.WindowSpec{{Duration: time.Minute, MaxAttempts: 1}})
	require.NoError(t, err)

	c := throttle.New[string](throttle.WithRateLimiter[string](lim))
	failingKeyFunc := func(r *http.Request) (string, error) {
		return "", errors.New("missing header")
	}

	mw := New[string](c, failingKeyFunc)
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportOutcomeEscalatesBackoff(t *testing.T) {
	lim, err := ratelimit.New[string](
		[]ratelimit.WindowSpec{{Duration: time.Minute, MaxAttempts: 1}},
		ratelimit.WithBackoffMultiplier[string](2),
	)
	require.NoError(t, err)

	c := throttle.New[string](throttle.WithRateLimiter[string](lim))

	at := time.Unix(0, 0)
	result := c.Acquire(req(t).Context(), "10.0.0.1", at)
	require.True(t, result.CanProceed)

	ReportOutcome[string](c, "10.0.0.1", false)

	// The primary window is now exhausted by the recorded attempt, and
	// the reported failure arms the backoff gate on the next check.
	d := lim.CheckLimit(req(t).Context(), "10.0.0.1", at)
	assert.False(t, d.Allowed)
	assert.True(t, d.BackoffInterval > 0)
}

func TestClientIPKey(t *testing.T) {
	r := req(t)
	r.RemoteAddr = "192.0.2.1:4242"

	key, err := ClientIPKey(r)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:4242", key)
}

func req(t *testing.T) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodGet, "/", nil)
}
