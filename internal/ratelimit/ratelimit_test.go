package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// okHandler answers 200 so denials are unambiguous in assertions.
func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// brokenLimiter always errors, to exercise the fail-open path.
type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("limiter backend down")
}

func (brokenLimiter) Close() error { return nil }

func doRequest(t *testing.T, h http.Handler, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/decide", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAllowsThenLimits(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 2) // burst 2
	defer func() { _ = limiter.Close() }()

	h := ratelimit.Middleware(limiter, ratelimit.IPKey(false), discardLogger())(okHandler())

	for i := 0; i < 2; i++ {
		rec := doRequest(t, h, "10.0.0.1:4000", nil)
		assert.Equal(t, http.StatusOK, rec.Code, "request %d within burst", i+1)
	}

	rec := doRequest(t, h, "10.0.0.1:4000", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)
}

func TestMiddlewareKeysByClientIP(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1) // burst 1
	defer func() { _ = limiter.Close() }()

	h := ratelimit.Middleware(limiter, ratelimit.IPKey(false), discardLogger())(okHandler())

	rec := doRequest(t, h, "10.0.0.1:4000", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h, "10.0.0.1:4001", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "same IP, different port shares the bucket")

	rec = doRequest(t, h, "10.0.0.2:4000", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "different IP gets its own bucket")
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	h := ratelimit.Middleware(brokenLimiter{}, ratelimit.IPKey(false), discardLogger())(okHandler())

	for i := 0; i < 5; i++ {
		rec := doRequest(t, h, "10.0.0.1:4000", nil)
		assert.Equal(t, http.StatusOK, rec.Code, "limiter errors must not drop traffic")
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	h := ratelimit.Middleware(nil, ratelimit.IPKey(false), discardLogger())(okHandler())

	rec := doRequest(t, h, "10.0.0.1:4000", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareEmptyKeySkipsLimiting(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	defer func() { _ = limiter.Close() }()

	always := func(r *http.Request) string { return "" }
	h := ratelimit.Middleware(limiter, always, discardLogger())(okHandler())

	for i := 0; i < 5; i++ {
		rec := doRequest(t, h, "10.0.0.1:4000", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestIPKey(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		remoteAddr string
		xff        string
		want       string
	}{
		{
			name:       "remote addr host",
			remoteAddr: "10.0.0.1:4000",
			want:       "10.0.0.1",
		},
		{
			name:       "xff ignored without trust",
			remoteAddr: "10.0.0.1:4000",
			xff:        "203.0.113.7",
			want:       "10.0.0.1",
		},
		{
			name:       "xff honored with trust",
			trustProxy: true,
			remoteAddr: "10.0.0.1:4000",
			xff:        "203.0.113.7",
			want:       "203.0.113.7",
		},
		{
			name:       "xff first hop wins",
			trustProxy: true,
			remoteAddr: "10.0.0.1:4000",
			xff:        "203.0.113.7, 198.51.100.2",
			want:       "203.0.113.7",
		},
		{
			name:       "trusted but no xff falls back",
			trustProxy: true,
			remoteAddr: "10.0.0.9:4000",
			want:       "10.0.0.9",
		},
		{
			name:       "unparseable remote addr used verbatim",
			remoteAddr: "not-a-hostport",
			want:       "not-a-hostport",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			got := ratelimit.IPKey(tt.trustProxy)(req)
			assert.Equal(t, tt.want, got)
		})
	}
}
