package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/shisetsu-ai/bunki/internal/model"
)

func (s *Server) registerTools() {
	// bunki_decide — route a question to an analytics operation.
	s.mcpServer.AddTool(
		mcplib.NewTool("bunki_decide",
			mcplib.WithDescription(`Decide whether a building-management question needs analytics, and which operation answers it.

WHEN TO USE: BEFORE running any analytics. This is the routing step —
it tells you whether the question is answerable from sensor data at all,
and if so, which registered operation to call.

WHAT YOU GET BACK:
- perform_analytics: whether the question calls for an analytics run
- analytics: the top-ranked operation name (null when perform_analytics is false)
- confidence: the classifier's probability on its answer
- candidates: ranked alternatives with confidence and catalog descriptions
- degraded: true when the keyword fallback answered instead of the trained model

EXAMPLE: For "what was the average temperature last night?" the decision
names analytics="average"; feed that into bunki_run_analytics along with
the readings to analyze.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("question",
				mcplib.Description("The natural-language question to route. Plain text, at most 1000 characters."),
				mcplib.Required(),
			),
			mcplib.WithNumber("top_n",
				mcplib.Description("How many ranked candidates to return"),
				mcplib.Min(1),
				mcplib.Max(float64(model.MaxTopN)),
				mcplib.DefaultNumber(float64(model.DefaultTopN)),
			),
		),
		s.handleDecide,
	)

	// bunki_run_analytics — execute one registered operation over readings.
	s.mcpServer.AddTool(
		mcplib.NewTool("bunki_run_analytics",
			mcplib.WithDescription(`Execute one registered analytics operation over sensor readings.

WHEN TO USE: After bunki_decide named an operation, or whenever you
already know which computation you want. The readings travel in the
request — nothing is fetched from a store.

PAYLOAD SHAPES (all equivalent after normalization):
- flat: {"SensorA": [{"timestamp": "...", "reading_value": 21.5}, ...]}
- grouped: {"sensors": {"SensorA": {"readings": [...]}, "SensorB": [...]}}
- bare array: [{"timestamp": "...", "reading_value": 21.5}, ...] (series "default")

Control parameters (precision, window, unit, ...) ride along as top-level
payload keys and are applied per the operation's declared parameters.

WHAT YOU GET BACK: a result envelope with status ok/partial/error,
per-series metrics, warnings for anything dropped during normalization,
the parameters applied, and execution timing. A failed operation reports
error_code inside the envelope — the tool call itself still succeeds.

EXAMPLE: analysis_type="average" with two temperature readings of 10 and
20 yields metrics.default.average = 15.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("analysis_type",
				mcplib.Description("Name of the registered operation to execute (see bunki_list_functions for the catalog)"),
				mcplib.Required(),
			),
			mcplib.WithObject("payload",
				mcplib.Description("Readings to analyze plus optional control parameters, in any accepted payload shape"),
				mcplib.Required(),
			),
		),
		s.handleRunAnalytics,
	)

	// bunki_list_functions — the live operation catalog.
	s.mcpServer.AddTool(
		mcplib.NewTool("bunki_list_functions",
			mcplib.WithDescription(`List every analytics operation currently registered, with descriptions and parameters.

WHEN TO USE: To discover what the engine can compute, or to check the
declared parameters of an operation before calling bunki_run_analytics.
The catalog is live — runtime-registered functions appear here the moment
they pass the safety gate.

WHAT YOU GET BACK: a map from operation name to its catalog entry:
trigger patterns, description, declared parameters with types and
defaults, and a deprecation flag.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListFunctions,
	)
}

func (s *Server) handleDecide(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	question := request.GetString("question", "")
	if strings.TrimSpace(question) == "" {
		return errorResult("question is required"), nil
	}
	topN := request.GetInt("top_n", model.DefaultTopN)
	if topN < 0 {
		return errorResult("top_n must not be negative"), nil
	}

	dec, err := s.decisionSvc.Decide(ctx, question, topN)
	if err != nil {
		return errorResult(fmt.Sprintf("decide failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(dec, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleRunAnalytics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	operation := request.GetString("analysis_type", "")
	if operation == "" {
		return errorResult("analysis_type is required"), nil
	}

	raw, ok := request.GetArguments()["payload"]
	if !ok || raw == nil {
		return errorResult("payload is required"), nil
	}

	// Stringified payloads are tolerated: some MCP clients serialize
	// object arguments before sending.
	if text, isString := raw.(string); isString {
		decoder := json.NewDecoder(strings.NewReader(text))
		decoder.UseNumber()
		var decoded any
		if err := decoder.Decode(&decoded); err != nil {
			return errorResult(fmt.Sprintf("payload is not valid JSON: %v", err)), nil
		}
		raw = decoded
	}

	// Mirror the HTTP body shape: analysis_type rides inside the object
	// so normalization treats it as the same reserved control key.
	var body any
	switch p := raw.(type) {
	case map[string]any:
		obj := make(map[string]any, len(p)+1)
		for k, v := range p {
			obj[k] = v
		}
		obj["analysis_type"] = operation
		body = obj
	case []any:
		body = p
	default:
		return errorResult("payload must be a JSON object or array"), nil
	}

	env := s.dispatcher.Dispatch(ctx, operation, body)

	resultData, _ := json.MarshalIndent(env, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleListFunctions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	catalog := s.catalogEntries()

	resultData, _ := json.MarshalIndent(catalog, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

// catalogEntries renders the registry in the same shape GET /list returns,
// so agents see one catalog regardless of transport.
func (s *Server) catalogEntries() map[string]model.FunctionListEntry {
	descs := s.registry.List()
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
	return out
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
