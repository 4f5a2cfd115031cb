package bunki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// userAgent identifies this SDK version on every request.
const userAgent = "bunki-go/0.1.0"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Bunki server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is the operator secret exchanged for an admin JWT. Optional:
	// only the admin methods (AddFunction, Train, jobs, audit) need it.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Bunki analytics dispatch API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("bunki: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL: baseURL,
		client:  httpClient,
	}
	if cfg.APIKey != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.APIKey, httpClient)
	}
	return c, nil
}

// Decide routes a natural-language question to a registered analytics
// operation. topN caps the candidate list; zero uses the server default.
func (c *Client) Decide(ctx context.Context, question string, topN int) (*Decision, error) {
	body := map[string]any{"question": question}
	if topN > 0 {
		body["top_n"] = topN
	}
	var resp Decision
	if err := c.post(ctx, "/decide", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Run executes one analytics operation over the request's series. The
// returned envelope carries the outcome either way: an unsupported
// operation or a failed execution arrives with Status "error", not as a
// Go error.
func (c *Client) Run(ctx context.Context, req RunRequest) (*ResultEnvelope, error) {
	if req.Operation == "" {
		return nil, fmt.Errorf("bunki: Operation is required")
	}
	var resp ResultEnvelope
	if err := c.post(ctx, "/run", buildRunBody(req), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListFunctions retrieves the live operation catalog.
func (c *Client) ListFunctions(ctx context.Context) (map[string]FunctionEntry, error) {
	var resp map[string]FunctionEntry
	if err := c.get(ctx, "/list", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and works without an API key configured.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddFunction submits Go source through the admission gate and registers
// it as a callable operation. Requires an API key.
func (c *Client) AddFunction(ctx context.Context, req AddFunctionRequest) (*FunctionCreated, error) {
	var resp FunctionCreated
	if err := c.postAdmin(ctx, "/functions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Train enqueues a classifier training job. Poll the returned job with
// GetTrainJob until its status is JobSucceeded or JobFailed. Requires an
// API key.
func (c *Client) Train(ctx context.Context) (*TrainJob, error) {
	var resp TrainJob
	if err := c.postAdmin(ctx, "/admin/train", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTrainJob retrieves one training job by ID. Requires an API key.
func (c *Client) GetTrainJob(ctx context.Context, id string) (*TrainJob, error) {
	var resp TrainJob
	if err := c.getAdmin(ctx, "/admin/jobs/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTrainJobs retrieves training job history, newest first. A limit of
// zero uses the server default. Requires an API key.
func (c *Client) ListTrainJobs(ctx context.Context, limit int) ([]TrainJob, error) {
	path := "/admin/jobs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []TrainJob
	if err := c.getAdmin(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// FunctionAudit retrieves the registry audit trail for a function name,
// rejected submissions included. Requires an API key.
func (c *Client) FunctionAudit(ctx context.Context, name string, limit int) (*FunctionAudit, error) {
	path := "/admin/functions/" + url.PathEscape(name) + "/audit"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp FunctionAudit
	if err := c.getAdmin(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// buildRunBody flattens a RunRequest into the wire shape: analysis_type
// plus each series under its own top-level key, control parameters last.
func buildRunBody(req RunRequest) map[string]any {
	body := make(map[string]any, len(req.Series)+len(req.Params)+1)
	body["analysis_type"] = req.Operation
	for name, readings := range req.Series {
		body[name] = readings
	}
	for key, value := range req.Params {
		body[key] = value
	}
	return body
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return c.do(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, dest)
}

func (c *Client) postAdmin(ctx context.Context, path string, body any, dest any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	return c.do(req, dest)
}

func (c *Client) getAdmin(ctx context.Context, path string, dest any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	return c.do(req, dest)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("bunki: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("bunki: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokenMgr == nil {
		return fmt.Errorf("bunki: APIKey is required for admin operations")
	}
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bunki: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bunki: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("bunki: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
