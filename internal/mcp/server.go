package mcpserver

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"ledgersync/internal/logger"
	"ledgersync/internal/service"
)

// Server is the MCP server for ledgersync.
// It exposes tools, resources, and prompts so AI agents can inspect and run sync jobs.
type Server struct {
	mcp  *server.MCPServer
	sync *service.SyncService
	log  *zap.Logger
}

// New creates and configures a new MCP server with all tools and resources.
func New(svc *service.SyncService, version string) *Server {
	s := &Server{
		sync: svc,
		log:  logger.WithModule("mcp"),
	}

	s.mcp = server.NewMCPServer(
		"ledgersync",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
	)

	s.registerSyncTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.log.Info("starting stdio server")
	return server.ServeStdio(s.mcp)
}

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(data)), nil
}

// jsonResource wraps v as a single JSON resource content.
func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// requireJob returns the job argument or an error if it is missing.
func requireJob(req mcp.CallToolRequest) (string, error) {
	job := req.GetString("job", "")
	if job == "" {
		return "", fmt.Errorf("job is required")
	}
	return job, nil
}

func boolPtr(v bool) *bool { return &v }

func (s *Server) logCall(tool string, fields ...zap.Field) {
	s.log.Debug("tool call", append([]zap.Field{zap.String("tool", tool)}, fields...)...)
}
