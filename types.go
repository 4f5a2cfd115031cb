package bunki

import (
	"context"
	"time"
)

// Reading is one timestamped sensor observation as embedder-supplied
// handlers receive it. It is a curated view of the internal canonical
// payload with no internal package imports, safe to use from outside the
// module. Values keep their decoded JSON types (numbers arrive as
// json.Number); numeric coercion is the handler's call.
type Reading struct {
	Timestamp time.Time
	Value     any
}

// ParameterSpec declares one keyword parameter accepted by a registered
// function. Declared names are the binding contract: handlers only ever
// see parameters whose names appear here.
type ParameterSpec struct {
	Name        string
	Type        string // string, number, integer, boolean
	Default     any
	Description string
	Required    bool
}

// FunctionSpec describes a compiled-in operation registered through
// WithFunction. Name and Description are required. Patterns seed the
// keyword fallback and the synthesized training corpus, so the classifier
// learns to route questions to the function after the next training run.
type FunctionSpec struct {
	Name        string
	Description string
	Patterns    []string
	Parameters  []ParameterSpec
}

// FunctionResult is a successful execution: per-series metric values plus
// any warnings raised while computing them. A warning downgrades the
// response envelope from ok to partial.
type FunctionResult struct {
	Metrics  map[string]map[string]any
	Warnings []string
}

// FunctionHandler executes one operation against the normalized payload.
// series maps sensor names to time-ordered, duplicate-free readings; params
// holds only the bound declared parameters. Returned errors and panics both
// surface inside the response envelope and never fail the HTTP request.
// Handlers must not retain series or params past the call.
type FunctionHandler func(ctx context.Context, series map[string][]Reading, params map[string]any) (*FunctionResult, error)
