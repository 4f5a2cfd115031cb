package model

import (
	"time"
)

// Field length limits for request bodies. These keep a single request from
// flooding the classifier tokenizer or the dispatcher with caller-controlled
// garbage; the HTTP layer additionally caps the raw body size.
const (
	MaxQuestionRunes = 1000
	MaxTopN          = 10
	DefaultTopN      = 3
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeSyntaxError        = "SYNTAX_ERROR"
	ErrCodeSecurityViolation  = "SECURITY_VIOLATION"
	ErrCodeInsufficientData   = "INSUFFICIENT_DATA"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// DecideRequest is the request body for POST /decide.
type DecideRequest struct {
	Question string `json:"question"`
	TopN     int    `json:"top_n,omitempty"`
}

// AddFunctionRequest is the request body for POST /functions.
type AddFunctionRequest struct {
	Name        string          `json:"name"`
	Source      string          `json:"source"`
	Patterns    []string        `json:"patterns"`
	Description string          `json:"description"`
	Parameters  []ParameterSpec `json:"parameters,omitempty"`
}

// FunctionCreatedResponse is the response for an accepted POST /functions.
// Rejections travel as APIError with details{status:"rejected", reason}.
type FunctionCreatedResponse struct {
	Status   string             `json:"status"` // always "created"
	Function FunctionDescriptor `json:"function"`
}

// FunctionListEntry is the per-function value in the GET /list response map.
type FunctionListEntry struct {
	Patterns    []string        `json:"patterns"`
	Description string          `json:"description"`
	Parameters  []ParameterSpec `json:"parameters"`
	Deprecated  bool            `json:"deprecated"`
	Added       time.Time       `json:"added"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TrainJobResponse is the response for POST /admin/train and
// GET /admin/jobs/{id}.
type TrainJobResponse struct {
	JobID        string             `json:"job_id"`
	Status       string             `json:"status"`
	EnqueuedAt   time.Time          `json:"enqueued_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
	ExampleCount int                `json:"example_count,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Functions      int    `json:"functions"`
	ArtifactLoaded bool   `json:"artifact_loaded"`
	Degraded       bool   `json:"degraded"`
	Store          string `json:"store"`
	Uptime         int64  `json:"uptime_seconds"`
}
