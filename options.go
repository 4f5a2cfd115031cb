package bunki

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port         int
	dbPath       string
	artifactPath string
	logger       *slog.Logger
	version      string
	functions    []customFunction
}

// customFunction pairs a public spec with its handler until New bridges
// them into the registry.
type customFunction struct {
	spec    FunctionSpec
	handler FunctionHandler
}

// WithPort overrides the TCP port from config (BUNKI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDBPath overrides the SQLite database path from config (BUNKI_DB_PATH env var).
// Use ":memory:" for an ephemeral store in tests.
func WithDBPath(path string) Option {
	return func(o *resolvedOptions) { o.dbPath = path }
}

// WithArtifactPath overrides the classifier artifact path from config
// (BUNKI_ARTIFACT_PATH env var).
func WithArtifactPath(path string) Option {
	return func(o *resolvedOptions) { o.artifactPath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithFunction registers an additional compiled-in operation alongside the
// built-ins. It joins the catalog before persisted dynamic functions are
// restored and before any boot-time training, so its name wins collisions
// with stored dynamic functions and its patterns reach the corpus. A
// malformed spec, a missing handler, or a name conflict fails New.
func WithFunction(spec FunctionSpec, handler FunctionHandler) Option {
	return func(o *resolvedOptions) {
		o.functions = append(o.functions, customFunction{spec: spec, handler: handler})
	}
}
