package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/ratelimit"
	"github.com/shisetsu-ai/bunki/internal/server"
)

// newVariantServer builds a server over the shared dependency stack with
// one config mutation applied, for behaviors the shared instance cannot
// show (disabled admin surface, a live rate limiter).
func newVariantServer(t *testing.T, mutate func(*server.ServerConfig)) *httptest.Server {
	t.Helper()
	cfg := server.ServerConfig{
		DB:                  deps.db,
		JWTMgr:              deps.jwtMgr,
		DecisionSvc:         deps.decisionSvc,
		Dispatcher:          deps.dispatcher,
		Registry:            deps.reg,
		Runner:              deps.runner,
		Logger:              deps.logger,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
		CompileTimeout:      10 * time.Second,
		AdminKeyHash:        deps.adminKeyHash,
	}
	mutate(&cfg)

	ts := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestAdminSurfaceDisabledWithoutKey(t *testing.T) {
	ts := newVariantServer(t, func(cfg *server.ServerConfig) {
		cfg.AdminKeyHash = ""
	})

	// Token issuance is off even with the right key.
	resp, err := postJSON(ts.URL+"/auth/token", model.AuthTokenRequest{APIKey: "test-admin-key"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var apiErr model.APIError
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &apiErr))
	assert.Equal(t, model.ErrCodeServiceUnavailable, apiErr.Error.Code)

	// A previously issued token does not reopen the surface.
	resp2, err := authedRequest("POST", ts.URL+"/admin/train", adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)

	// The open surface is unaffected.
	resp3, err := http.Get(ts.URL + "/list")
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestOpenSurfaceRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	t.Cleanup(func() { _ = limiter.Close() })

	ts := newVariantServer(t, func(cfg *server.ServerConfig) {
		cfg.RateLimiter = limiter
	})

	// Burst of two passes, the third trips the bucket.
	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.URL + "/list")
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d within burst", i+1)
	}

	resp, err := http.Get(ts.URL + "/list")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	var apiErr model.APIError
	data, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(data, &apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)

	// Health is never rate limited.
	healthResp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = healthResp.Body.Close() }()
	assert.Equal(t, http.StatusOK, healthResp.StatusCode)
}
