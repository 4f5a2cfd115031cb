package bunki

import "time"

// Decision is the routing verdict for one question.
type Decision struct {
	Question         string      `json:"question"`
	PerformAnalytics bool        `json:"perform_analytics"`
	Analytics        *string     `json:"analytics"`
	Confidence       float64     `json:"confidence"`
	Candidates       []Candidate `json:"candidates"`
	Degraded         bool        `json:"degraded"`
}

// Candidate is one ranked alternative operation for a question.
type Candidate struct {
	Analytics   string  `json:"analytics"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// Reading is one timestamped sensor observation.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Value     any       `json:"reading_value"`
}

// RunRequest describes one analytics execution. Series maps sensor names
// to readings; Params carries control parameters (window, aggregation,
// unit, precision, limit, timezone, start_time, end_time) placed at the
// top level of the wire body alongside the series.
type RunRequest struct {
	Operation string
	Series    map[string][]Reading
	Params    map[string]any
}

// ResultEnvelope is the uniform analytics execution result. Operation
// failures arrive here with Status "error" rather than as an HTTP error.
type ResultEnvelope struct {
	Operation         string                    `json:"operation"`
	Status            string                    `json:"status"`
	Metrics           map[string]map[string]any `json:"metrics,omitempty"`
	Warnings          []string                  `json:"warnings"`
	ParametersApplied map[string]any            `json:"parameters_applied"`
	GeneratedAt       string                    `json:"generated_at"`
	ExecutionMS       int64                     `json:"execution_ms"`
	ErrorCode         string                    `json:"error_code,omitempty"`
	Detail            string                    `json:"detail,omitempty"`
}

// Envelope statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
)

// ParameterSpec describes one declared keyword parameter of an operation.
type ParameterSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// FunctionEntry is one operation in the GET /list catalog.
type FunctionEntry struct {
	Patterns    []string        `json:"patterns"`
	Description string          `json:"description"`
	Parameters  []ParameterSpec `json:"parameters"`
	Deprecated  bool            `json:"deprecated"`
	Added       time.Time       `json:"added"`
}

// AddFunctionRequest registers a dynamic analytics function.
type AddFunctionRequest struct {
	Name        string          `json:"name"`
	Source      string          `json:"source"`
	Patterns    []string        `json:"patterns"`
	Description string          `json:"description"`
	Parameters  []ParameterSpec `json:"parameters,omitempty"`
}

// FunctionDescriptor is the stored registry record for one operation.
type FunctionDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Patterns    []string        `json:"patterns"`
	Parameters  []ParameterSpec `json:"parameters,omitempty"`
	Deprecated  bool            `json:"deprecated"`
	Added       time.Time       `json:"added"`
	Dynamic     bool            `json:"dynamic,omitempty"`
	Creator     string          `json:"creator,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
}

// FunctionCreated is the acceptance response for AddFunction.
type FunctionCreated struct {
	Status   string             `json:"status"`
	Function FunctionDescriptor `json:"function"`
}

// TrainJob is the state of one classifier training job.
type TrainJob struct {
	JobID        string             `json:"job_id"`
	Status       string             `json:"status"`
	EnqueuedAt   time.Time          `json:"enqueued_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
	ExampleCount int                `json:"example_count,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Training job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// AuditEntry is one row of a function's registry audit trail.
type AuditEntry struct {
	ID           int64     `json:"id"`
	FunctionName string    `json:"function_name"`
	Action       string    `json:"action"`
	Creator      string    `json:"creator,omitempty"`
	ContentHash  string    `json:"content_hash,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// FunctionAudit is the audit history for one function name.
type FunctionAudit struct {
	Function string       `json:"function"`
	Entries  []AuditEntry `json:"entries"`
}

// Health is the GET /health report.
type Health struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Functions      int    `json:"functions"`
	ArtifactLoaded bool   `json:"artifact_loaded"`
	Degraded       bool   `json:"degraded"`
	Store          string `json:"store"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}
