package bunki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockServer creates an httptest server that mimics the Bunki API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	// Always register auth endpoint.
	if _, ok := handlers["POST /auth/token"]; !ok {
		mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		})
	}

	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

// ---------------------------------------------------------------------------
// Open surface: Decide, Run, ListFunctions
// ---------------------------------------------------------------------------

func TestDecideRoutesQuestion(t *testing.T) {
	op := "average"

	var receivedBody map[string]any
	var receivedAuth string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /decide": func(w http.ResponseWriter, r *http.Request) {
			receivedAuth = r.Header.Get("Authorization")
			if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": map[string]any{"code": "INVALID_INPUT", "message": err.Error()},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": Decision{
					Question:         "average temperature last week",
					PerformAnalytics: true,
					Analytics:        &op,
					Confidence:       0.91,
					Candidates: []Candidate{
						{Analytics: "average", Confidence: 0.91, Description: "Arithmetic mean per series"},
						{Analytics: "minmax", Confidence: 0.05},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	decision, err := client.Decide(context.Background(), "average temperature last week", 3)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if !decision.PerformAnalytics {
		t.Error("expected perform_analytics to be true")
	}
	if decision.Analytics == nil || *decision.Analytics != "average" {
		t.Errorf("expected analytics 'average', got %v", decision.Analytics)
	}
	if decision.Confidence != 0.91 {
		t.Errorf("expected confidence 0.91, got %f", decision.Confidence)
	}
	if len(decision.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(decision.Candidates))
	}
	if decision.Candidates[0].Analytics != "average" {
		t.Errorf("expected first candidate 'average', got %q", decision.Candidates[0].Analytics)
	}

	// Verify the request body.
	if receivedBody["question"] != "average temperature last week" {
		t.Errorf("expected question in body, got %v", receivedBody["question"])
	}
	if receivedBody["top_n"] != float64(3) {
		t.Errorf("expected top_n 3, got %v", receivedBody["top_n"])
	}

	// Decide is an open endpoint: no token even when an APIKey is configured.
	if receivedAuth != "" {
		t.Errorf("expected no Authorization header, got %q", receivedAuth)
	}
}

func TestRunBuildsWireBody(t *testing.T) {
	var receivedBody map[string]any
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /run": func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": map[string]any{"code": "INVALID_INPUT", "message": err.Error()},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": ResultEnvelope{
					Operation:         "average",
					Status:            StatusOK,
					Metrics:           map[string]map[string]any{"SensorA": {"average": 21.5}},
					Warnings:          []string{},
					ParametersApplied: map[string]any{"window": "24h"},
					GeneratedAt:       "2026-03-01T10:00:00Z",
					ExecutionMS:       2,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result, err := client.Run(context.Background(), RunRequest{
		Operation: "average",
		Series: map[string][]Reading{
			"SensorA": {
				{Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), Value: 21.0},
				{Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), Value: 22.0},
			},
		},
		Params: map[string]any{"window": "24h"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != StatusOK {
		t.Errorf("expected status 'ok', got %q", result.Status)
	}
	if result.Metrics["SensorA"]["average"] != 21.5 {
		t.Errorf("expected SensorA average 21.5, got %v", result.Metrics["SensorA"]["average"])
	}

	// The wire body is flat: operation, series, and control parameters all
	// at the top level.
	if receivedBody["analysis_type"] != "average" {
		t.Errorf("expected analysis_type 'average', got %v", receivedBody["analysis_type"])
	}
	if receivedBody["window"] != "24h" {
		t.Errorf("expected window '24h' at top level, got %v", receivedBody["window"])
	}
	readings, ok := receivedBody["SensorA"].([]any)
	if !ok {
		t.Fatalf("expected SensorA to be an array, got %T", receivedBody["SensorA"])
	}
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	first, ok := readings[0].(map[string]any)
	if !ok {
		t.Fatalf("expected reading object, got %T", readings[0])
	}
	if first["reading_value"] != 21.0 {
		t.Errorf("expected reading_value 21.0, got %v", first["reading_value"])
	}
	if _, ok := first["timestamp"].(string); !ok {
		t.Errorf("expected timestamp string, got %v", first["timestamp"])
	}
}

func TestRunErrorEnvelopeIsNotAnError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /run": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": ResultEnvelope{
					Operation:         "fourier_transform",
					Status:            StatusError,
					Warnings:          []string{},
					ParametersApplied: map[string]any{},
					GeneratedAt:       "2026-03-01T10:00:00Z",
					ErrorCode:         "UNSUPPORTED_OPERATION",
					Detail:            `operation "fourier_transform" is not registered`,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result, err := client.Run(context.Background(), RunRequest{Operation: "fourier_transform"})
	if err != nil {
		t.Fatalf("Run should not fail on an error envelope: %v", err)
	}
	if result.Status != StatusError {
		t.Errorf("expected status 'error', got %q", result.Status)
	}
	if result.ErrorCode != "UNSUPPORTED_OPERATION" {
		t.Errorf("expected error_code UNSUPPORTED_OPERATION, got %q", result.ErrorCode)
	}
	if !strings.Contains(result.Detail, "fourier_transform") {
		t.Errorf("expected detail to name the operation, got %q", result.Detail)
	}
}

func TestRunRequiresOperation(t *testing.T) {
	client := newTestClient(t, "http://localhost:0")
	_, err := client.Run(context.Background(), RunRequest{})
	if err == nil {
		t.Fatal("expected error for empty operation, got nil")
	}
	if !strings.Contains(err.Error(), "Operation is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestListFunctions(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /list": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]FunctionEntry{
					"average": {
						Patterns:    []string{"average", "mean"},
						Description: "Arithmetic mean of each series",
						Parameters:  []ParameterSpec{{Name: "window", Type: "string"}},
						Added:       now,
					},
					"minmax": {
						Patterns:    []string{"min", "max"},
						Description: "Extremes of each series",
						Parameters:  []ParameterSpec{},
						Added:       now,
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	catalog, err := client.ListFunctions(context.Background())
	if err != nil {
		t.Fatalf("ListFunctions failed: %v", err)
	}
	if len(catalog) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(catalog))
	}
	avg, ok := catalog["average"]
	if !ok {
		t.Fatal("expected 'average' in catalog")
	}
	if avg.Description != "Arithmetic mean of each series" {
		t.Errorf("unexpected description %q", avg.Description)
	}
	if len(avg.Patterns) != 2 || avg.Patterns[1] != "mean" {
		t.Errorf("expected patterns [average, mean], got %v", avg.Patterns)
	}
	if len(avg.Parameters) != 1 || avg.Parameters[0].Name != "window" {
		t.Errorf("expected one 'window' parameter, got %v", avg.Parameters)
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			if auth := r.Header.Get("Authorization"); auth != "" {
				t.Errorf("expected no Authorization header, got %q", auth)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": Health{
					Status:         "healthy",
					Version:        "0.3.0",
					Functions:      9,
					ArtifactLoaded: true,
					Store:          "connected",
					UptimeSeconds:  3600,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", health.Status)
	}
	if health.Functions != 9 {
		t.Errorf("expected 9 functions, got %d", health.Functions)
	}
	if !health.ArtifactLoaded {
		t.Error("expected artifact_loaded to be true")
	}
	if health.Store != "connected" {
		t.Errorf("expected store 'connected', got %q", health.Store)
	}
}

func TestHealthNoAuth(t *testing.T) {
	// Ensure the Health endpoint does NOT call /auth/token.
	var authCalled atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		authCalled.Store(true)
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad key"},
		})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": Health{Status: "healthy", Version: "0.3.0", Store: "connected"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if _, err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if authCalled.Load() {
		t.Error("Health endpoint should not trigger an auth token request")
	}
}

// ---------------------------------------------------------------------------
// Admin surface: AddFunction, Train, jobs, audit
// ---------------------------------------------------------------------------

func TestAddFunctionSendsToken(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	var receivedBody AddFunctionRequest
	var receivedAuth string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /functions": func(w http.ResponseWriter, r *http.Request) {
			receivedAuth = r.Header.Get("Authorization")
			if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": map[string]any{"code": "INVALID_INPUT", "message": err.Error()},
				})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": FunctionCreated{
					Status: "created",
					Function: FunctionDescriptor{
						Name:        receivedBody.Name,
						Description: receivedBody.Description,
						Patterns:    receivedBody.Patterns,
						Added:       now,
						Dynamic:     true,
						Creator:     "admin",
						ContentHash: "sha256:deadbeef",
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	created, err := client.AddFunction(context.Background(), AddFunctionRequest{
		Name:        "median",
		Source:      "package main\n",
		Patterns:    []string{"median"},
		Description: "Median of each series",
	})
	if err != nil {
		t.Fatalf("AddFunction failed: %v", err)
	}
	if created.Status != "created" {
		t.Errorf("expected status 'created', got %q", created.Status)
	}
	if created.Function.Name != "median" {
		t.Errorf("expected function 'median', got %q", created.Function.Name)
	}
	if !created.Function.Dynamic {
		t.Error("expected dynamic to be true")
	}
	if created.Function.ContentHash != "sha256:deadbeef" {
		t.Errorf("unexpected content_hash %q", created.Function.ContentHash)
	}

	// Verify the bearer token and the request body.
	if receivedAuth != "Bearer test-token-xyz" {
		t.Errorf("expected bearer token, got %q", receivedAuth)
	}
	if receivedBody.Name != "median" {
		t.Errorf("expected name 'median' in body, got %q", receivedBody.Name)
	}
	if receivedBody.Source == "" {
		t.Error("expected source in body")
	}
}

func TestTrainAndPollJob(t *testing.T) {
	jobID := "4f9d2c1e-8a3b-4e5f-9c7d-1a2b3c4d5e6f"
	now := time.Now().UTC().Truncate(time.Second)

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /admin/train": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": TrainJob{JobID: jobID, Status: JobPending, EnqueuedAt: now},
			})
		},
		"GET /admin/jobs/" + jobID: func(w http.ResponseWriter, r *http.Request) {
			finished := now.Add(2 * time.Second)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": TrainJob{
					JobID:        jobID,
					Status:       JobSucceeded,
					EnqueuedAt:   now,
					StartedAt:    &now,
					FinishedAt:   &finished,
					ExampleCount: 180,
					Metrics:      map[string]float64{"test_accuracy": 0.97},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	job, err := client.Train(context.Background())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if job.JobID != jobID {
		t.Errorf("expected job ID %s, got %s", jobID, job.JobID)
	}
	if job.Status != JobPending {
		t.Errorf("expected status 'pending', got %q", job.Status)
	}

	polled, err := client.GetTrainJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetTrainJob failed: %v", err)
	}
	if polled.Status != JobSucceeded {
		t.Errorf("expected status 'succeeded', got %q", polled.Status)
	}
	if polled.ExampleCount != 180 {
		t.Errorf("expected example_count 180, got %d", polled.ExampleCount)
	}
	if polled.Metrics["test_accuracy"] != 0.97 {
		t.Errorf("expected test_accuracy 0.97, got %v", polled.Metrics["test_accuracy"])
	}
	if polled.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}
}

func TestListTrainJobs(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /admin/jobs": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("limit") != "5" {
				t.Errorf("expected limit=5, got %q", r.URL.Query().Get("limit"))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []TrainJob{
					{JobID: "job-b", Status: JobRunning, EnqueuedAt: now},
					{JobID: "job-a", Status: JobSucceeded, EnqueuedAt: now.Add(-time.Hour)},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	jobs, err := client.ListTrainJobs(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListTrainJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].JobID != "job-b" {
		t.Errorf("expected newest job first, got %q", jobs[0].JobID)
	}
}

func TestFunctionAuditTrail(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /admin/functions/median/audit": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("limit") != "25" {
				t.Errorf("expected limit=25, got %q", r.URL.Query().Get("limit"))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": FunctionAudit{
					Function: "median",
					Entries: []AuditEntry{
						{ID: 2, FunctionName: "median", Action: "registered", Creator: "admin", ContentHash: "sha256:deadbeef", CreatedAt: now},
						{ID: 1, FunctionName: "median", Action: "rejected", Creator: "admin", Detail: "forbidden import os/exec", CreatedAt: now.Add(-time.Minute)},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	audit, err := client.FunctionAudit(context.Background(), "median", 25)
	if err != nil {
		t.Fatalf("FunctionAudit failed: %v", err)
	}
	if audit.Function != "median" {
		t.Errorf("expected function 'median', got %q", audit.Function)
	}
	if len(audit.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(audit.Entries))
	}
	if audit.Entries[0].Action != "registered" {
		t.Errorf("expected newest entry 'registered', got %q", audit.Entries[0].Action)
	}
	if !strings.Contains(audit.Entries[1].Detail, "os/exec") {
		t.Errorf("expected rejection detail to name the import, got %q", audit.Entries[1].Detail)
	}
}

func TestAdminRequiresAPIKey(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://localhost:0"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := client.AddFunction(context.Background(), AddFunctionRequest{Name: "median"}); err == nil {
		t.Fatal("expected AddFunction to fail without an API key")
	} else if !strings.Contains(err.Error(), "APIKey is required") {
		t.Errorf("unexpected error: %v", err)
	}

	if _, err := client.Train(context.Background()); err == nil {
		t.Fatal("expected Train to fail without an API key")
	} else if !strings.Contains(err.Error(), "APIKey is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Token refresh
// ---------------------------------------------------------------------------

func TestTokenRefreshAfterExpiry(t *testing.T) {
	var authCount atomic.Int32

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			n := authCount.Add(1)
			token := "token-v1"
			if n > 1 {
				token = "token-v2"
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token": token,
					// Short expiry to force refresh.
					"expires_at": time.Now().Add(1 * time.Second).Format(time.RFC3339),
				},
			})
		},
		"POST /admin/train": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": TrainJob{JobID: "job-1", Status: JobPending},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	// First call fetches a token.
	if _, err := client.Train(context.Background()); err != nil {
		t.Fatalf("first train failed: %v", err)
	}
	if authCount.Load() != 1 {
		t.Errorf("expected 1 auth call, got %d", authCount.Load())
	}

	time.Sleep(1100 * time.Millisecond)

	// Second call should trigger a token refresh.
	if _, err := client.Train(context.Background()); err != nil {
		t.Fatalf("second train failed: %v", err)
	}
	if authCount.Load() != 2 {
		t.Errorf("expected 2 auth calls after expiry, got %d", authCount.Load())
	}
}

// ---------------------------------------------------------------------------
// Error types
// ---------------------------------------------------------------------------

func TestErrorTypesMapCorrectly(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		code       string
		message    string
		checkFn    func(error) bool
		checkLabel string
	}{
		{
			name: "404", status: http.StatusNotFound,
			code: "NOT_FOUND", message: "job not found",
			checkFn: IsNotFound, checkLabel: "IsNotFound",
		},
		{
			name: "401", status: http.StatusUnauthorized,
			code: "UNAUTHORIZED", message: "invalid token",
			checkFn: IsUnauthorized, checkLabel: "IsUnauthorized",
		},
		{
			name: "409", status: http.StatusConflict,
			code: "CONFLICT", message: "function already exists",
			checkFn: IsConflict, checkLabel: "IsConflict",
		},
		{
			name: "422", status: http.StatusUnprocessableEntity,
			code: "SECURITY_VIOLATION", message: "forbidden import os/exec",
			checkFn: IsRejected, checkLabel: "IsRejected",
		},
		{
			name: "429", status: http.StatusTooManyRequests,
			code: "RATE_LIMITED", message: "too many requests",
			checkFn: IsRateLimited, checkLabel: "IsRateLimited",
		},
		{
			name: "503", status: http.StatusServiceUnavailable,
			code: "SERVICE_UNAVAILABLE", message: "admin surface is disabled",
			checkFn: IsAdminDisabled, checkLabel: "IsAdminDisabled",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"GET /list": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tc.status, map[string]any{
						"error": map[string]any{
							"code":    tc.code,
							"message": tc.message,
						},
					})
				},
			})
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			_, err := client.ListFunctions(context.Background())
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			apiErr, ok := err.(*Error)
			if !ok {
				t.Fatalf("expected *Error, got %T", err)
			}
			if apiErr.StatusCode != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, apiErr.StatusCode)
			}
			if apiErr.Code != tc.code {
				t.Errorf("expected code %q, got %q", tc.code, apiErr.Code)
			}
			if apiErr.Message != tc.message {
				t.Errorf("expected message %q, got %q", tc.message, apiErr.Message)
			}
			if !tc.checkFn(err) {
				t.Errorf("%s should return true", tc.checkLabel)
			}
		})
	}
}

func TestErrorHelpersRejectNonMatches(t *testing.T) {
	if IsNotFound(nil) {
		t.Error("IsNotFound should return false for nil")
	}
	if IsRejected(&Error{StatusCode: 404}) {
		t.Error("IsRejected should return false for 404")
	}
	if IsAdminDisabled(&Error{StatusCode: 429}) {
		t.Error("IsAdminDisabled should return false for 429")
	}
}

// ---------------------------------------------------------------------------
// Construction and transport behavior
// ---------------------------------------------------------------------------

func TestNewClientValidation(t *testing.T) {
	c, err := NewClient(Config{})
	if err == nil {
		t.Fatal("expected error for empty BaseURL, got nil")
	}
	if c != nil {
		t.Error("expected nil client on error")
	}
	if !strings.Contains(err.Error(), "BaseURL is required") {
		t.Errorf("error %q does not mention BaseURL", err.Error())
	}

	// An API key is optional: the open surface works without one.
	c, err = NewClient(Config{BaseURL: "http://localhost:8080/"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if c == nil {
		t.Fatal("expected non-nil client")
	}
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("expected trailing slash trimmed, got %q", c.baseURL)
	}
	if c.tokenMgr != nil {
		t.Error("expected no token manager without an API key")
	}
}

func TestUserAgentOnAllRequests(t *testing.T) {
	var decideUA, listUA string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /decide": func(w http.ResponseWriter, r *http.Request) {
			decideUA = r.Header.Get("User-Agent")
			writeJSON(w, http.StatusOK, map[string]any{"data": Decision{}})
		},
		"GET /list": func(w http.ResponseWriter, r *http.Request) {
			listUA = r.Header.Get("User-Agent")
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]FunctionEntry{}})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, _ = client.Decide(context.Background(), "test", 0)
	_, _ = client.ListFunctions(context.Background())

	if decideUA != "bunki-go/0.1.0" {
		t.Errorf("Decide: expected User-Agent 'bunki-go/0.1.0', got %q", decideUA)
	}
	if listUA != "bunki-go/0.1.0" {
		t.Errorf("ListFunctions: expected User-Agent 'bunki-go/0.1.0', got %q", listUA)
	}
}

func TestTimeoutHandling(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /decide": func(w http.ResponseWriter, r *http.Request) {
			// Simulate a slow server.
			time.Sleep(2 * time.Second)
			writeJSON(w, http.StatusOK, map[string]any{"data": Decision{}})
		},
	})
	defer srv.Close()

	client, cErr := NewClient(Config{
		BaseURL: srv.URL,
		Timeout: 100 * time.Millisecond, // Very short timeout.
	})
	if cErr != nil {
		t.Fatalf("NewClient failed: %v", cErr)
	}

	_, err := client.Decide(context.Background(), "test", 0)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}
