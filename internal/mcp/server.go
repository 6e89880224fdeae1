// Package mcp implements the MCP server for project memory.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/spetr/mcp-recall/internal/config"
	"github.com/spetr/mcp-recall/internal/engine"
)

// Server implements the MCP server.
type Server struct {
	mcpServer *server.MCPServer
	config    *config.Config
	engine    *engine.Engine
}

// Config contains server configuration.
type Config struct {
	Config *config.Config
	Engine *engine.Engine
}

// New creates a new MCP server.
func New(cfg Config) (*Server, error) {
	s := &Server{
		config: cfg.Config,
		engine: cfg.Engine,
	}

	mcpServer := server.NewMCPServer(
		"mcp-recall",
		"0.1.0",
		server.WithLogging(),
	)

	s.registerTools(mcpServer)

	s.mcpServer = mcpServer
	return s, nil
}

// ServeStdio starts the MCP server using stdio transport.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}
