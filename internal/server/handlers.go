package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shisetsu-ai/bunki/internal/auth"
	"github.com/shisetsu-ai/bunki/internal/ctxutil"
	"github.com/shisetsu-ai/bunki/internal/dispatch"
	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/registry"
	"github.com/shisetsu-ai/bunki/internal/service/decision"
	"github.com/shisetsu-ai/bunki/internal/storage"
	"github.com/shisetsu-ai/bunki/internal/training"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db          *storage.DB
	jwtMgr      *auth.JWTManager
	decisionSvc *decision.Service
	dispatcher  *dispatch.Dispatcher
	registry    *registry.Registry
	runner      *training.Runner
	logger      *slog.Logger
	startedAt   time.Time
	version     string

	maxRequestBodyBytes int64
	compileTimeout      time.Duration
	openapiSpec         []byte

	// adminKeyHash is the Argon2id encoding of the configured admin API
	// key. Empty disables the admin surface entirely.
	adminKeyHash string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Runner, OpenAPISpec.
type HandlersDeps struct {
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	DecisionSvc *decision.Service
	Dispatcher  *dispatch.Dispatcher
	Registry    *registry.Registry
	Runner      *training.Runner
	Logger      *slog.Logger
	Version     string

	MaxRequestBodyBytes int64
	CompileTimeout      time.Duration
	AdminKeyHash        string
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		decisionSvc:         d.DecisionSvc,
		dispatcher:          d.Dispatcher,
		registry:            d.Registry,
		runner:              d.Runner,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		compileTimeout:      d.CompileTimeout,
		openapiSpec:         d.OpenAPISpec,
		adminKeyHash:        d.AdminKeyHash,
	}
}

// HandleDecide handles POST /decide.
func (h *Handlers) HandleDecide(w http.ResponseWriter, r *http.Request) {
	var req model.DecideRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TopN < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "top_n must not be negative")
		return
	}

	dec, err := h.decisionSvc.Decide(r.Context(), req.Question, req.TopN)
	if err != nil {
		h.writeKindError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dec)
}

// HandleRun handles POST /run. The dispatcher owns the outcome: once it
// produced an envelope the HTTP status is 200 and success or failure
// travels inside the envelope, never at the HTTP level.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	// Numbers stay json.Number end to end so readings keep the caller's
	// exact representation through normalization.
	decoder.UseNumber()

	var body any
	if err := decoder.Decode(&body); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	obj, ok := body.(map[string]any)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"request body must be a JSON object with an analysis_type field")
		return
	}

	rawOp, present := obj["analysis_type"]
	if !present {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "analysis_type is required")
		return
	}
	operation, ok := rawOp.(string)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "analysis_type must be a string")
		return
	}

	env := h.dispatcher.Dispatch(r.Context(), operation, obj)
	writeJSON(w, r, http.StatusOK, env)
}

// HandleList handles GET /list. The response maps every registered
// function name to its catalog entry; patterns and parameters are always
// arrays, never null.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	descs := h.registry.List()
	out := make(map[string]model.FunctionListEntry, len(descs))
	for _, d := range descs {
		patterns := d.Patterns
		if patterns == nil {
			patterns = []string{}
		}
		params := d.Parameters
		if params == nil {
			params = []model.ParameterSpec{}
		}
		out[d.Name] = model.FunctionListEntry{
			Patterns:    patterns,
			Description: d.Description,
			Parameters:  params,
			Deprecated:  d.Deprecated,
			Added:       d.Added,
		}
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleAuthToken handles POST /auth/token. The submitted key is checked
// against the configured admin key hash; when no admin key is configured
// a dummy hash comparison runs anyway so the two paths take comparable
// time.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	if h.adminKeyHash == "" {
		auth.DummyVerify()
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
			"admin surface is disabled: no admin API key is configured")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, h.adminKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueAdminToken()
	if err != nil {
		h.writeKindError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health. A reachable store with no loaded
// artifact is degraded, not unhealthy: the keyword fallback still
// answers /decide.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpCode := http.StatusOK

	if err := h.db.Ping(); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	artifactLoaded := h.decisionSvc.Artifact() != nil
	if !artifactLoaded && status == "healthy" {
		status = "degraded"
	}

	writeJSON(w, r, httpCode, model.HealthResponse{
		Status:         status,
		Version:        h.version,
		Functions:      h.registry.Count(),
		ArtifactLoaded: artifactLoaded,
		Degraded:       !artifactLoaded,
		Store:          storeStatus,
		Uptime:         int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeKindError maps a classified error onto the wire. Internal faults
// are logged and masked; every other kind's detail was authored for the
// caller and is written as-is.
func (h *Handlers) writeKindError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status, code := httpStatus(kind)
	if kind == model.KindInternal {
		h.logger.Error("request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", ctxutil.RequestID(r.Context()),
		)
		writeError(w, r, status, code, "internal server error")
		return
	}
	writeError(w, r, status, code, model.DetailOf(err))
}
