package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("diagnose_job",
		mcp.WithPromptDescription("Investigate why a sync job is failing or not picking up new records"),
		mcp.WithArgument("job",
			mcp.ArgumentDescription("Name of the sync job"),
			mcp.RequiredArgument(),
		),
	), s.handleDiagnosePrompt)
}

func (s *Server) handleDiagnosePrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	job := req.Params.Arguments["job"]
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Diagnose sync job %s", job),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Diagnose the sync job "%s". Follow these steps:

1. Use list_runs with job "%s" to find recent failures and their error messages
2. Use cache_stats to see how many rows are cached and the current watermark
3. Use preview to see what the next cycle would fetch; records at or below the watermark are never re-fetched
4. Check the skipped list in preview for malformed records (missing id or time)

Summarize the cause and whether running run_sync again is likely to help.`, job, job),
				},
			},
		},
	}, nil
}
