// Package mcp implements the Model Context Protocol server for Bunki.
//
// The MCP server exposes the same capabilities as the HTTP API through
// MCP tools and resources, letting MCP-compatible AI agents route
// questions and execute analytics without speaking the REST surface.
// Tools delegate to the same services as the HTTP handlers, so a
// decision or an analytics run behaves identically on either transport.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/shisetsu-ai/bunki/internal/dispatch"
	"github.com/shisetsu-ai/bunki/internal/registry"
	"github.com/shisetsu-ai/bunki/internal/service/decision"
)

// Server wraps the MCP server with Bunki's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	decisionSvc *decision.Service
	dispatcher  *dispatch.Dispatcher
	registry    *registry.Registry
	logger      *slog.Logger
}

// New creates and configures a new MCP server with all tools and
// resources registered.
func New(decisionSvc *decision.Service, dispatcher *dispatch.Dispatcher, reg *registry.Registry, logger *slog.Logger, version string) *Server {
	s := &Server{
		decisionSvc: decisionSvc,
		dispatcher:  dispatcher,
		registry:    reg,
		logger:      logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"bunki",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
