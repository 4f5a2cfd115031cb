package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// bunki://functions — the live operation catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"bunki://functions",
			"Function Catalog",
			mcplib.WithResourceDescription("Every registered analytics operation with patterns, parameters, and descriptions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleFunctionsResource,
	)

	// bunki://classifier/metrics — evaluation metrics of the loaded artifact.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"bunki://classifier/metrics",
			"Classifier Metrics",
			mcplib.WithResourceDescription("Held-out evaluation metrics of the currently loaded classifier artifact"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleClassifierMetrics,
	)
}

func (s *Server) handleFunctionsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.catalogEntries(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal catalog: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "bunki://functions",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleClassifierMetrics(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	var body any
	if art := s.decisionSvc.Artifact(); art != nil {
		body = map[string]any{
			"degraded":   false,
			"version":    art.Version,
			"trained_at": art.TrainedAt,
			"operations": art.OperationModel.Classes,
			"metrics":    art.Metrics,
		}
	} else {
		body = map[string]any{
			"degraded": true,
			"reason":   "no classifier artifact loaded; decisions answer from the keyword table",
		}
	}

	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal metrics: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "bunki://classifier/metrics",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
