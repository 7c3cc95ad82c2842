package app

import (
	mcpserver "ledgersync/internal/mcp"
)

// ServeMCP runs ledgersync as an MCP server on stdin/stdout until the
// client disconnects. Logs go to stderr so stdout carries only protocol
// messages.
func (a *App) ServeMCP(version string) error {
	a.log.Info("starting standalone stdio MCP server")
	return mcpserver.New(a.sync, version).ServeStdio()
}
