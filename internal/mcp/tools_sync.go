package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"ledgersync/internal/config"
	"ledgersync/internal/service"
)

const (
	defaultReadLimit = 100
	maxReadLimit     = 1000
)

func (s *Server) registerSyncTools() {
	s.mcp.AddTool(mcp.NewTool("list_jobs",
		mcp.WithDescription("List configured sync jobs with their cache table, source type, trigger and schema"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListJobs)

	s.mcp.AddTool(mcp.NewTool("list_sources",
		mcp.WithDescription("List available source types with their configuration keys"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListSources)

	s.mcp.AddTool(mcp.NewTool("run_sync",
		mcp.WithDescription("Run one sync cycle for a job: fetch new remote records and append them to the local cache. Existing cached rows are never modified."),
		mcp.WithString("job", mcp.Description("Job name (see list_jobs)"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(false), IdempotentHint: boolPtr(true)}),
	), s.handleRunSync)

	s.mcp.AddTool(mcp.NewTool("read_cache",
		mcp.WithDescription("Read cached rows of a job in insertion order"),
		mcp.WithString("job", mcp.Description("Job name"), mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return (default 100, max 1000)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleReadCache)

	s.mcp.AddTool(mcp.NewTool("cache_stats",
		mcp.WithDescription("Row count and current watermark of a job's cache table"),
		mcp.WithString("job", mcp.Description("Job name"), mcp.Required()),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleCacheStats)

	s.mcp.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("Recent sync runs, newest first"),
		mcp.WithString("job", mcp.Description("Job name (optional, all jobs when empty)")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 20)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListRuns)

	s.mcp.AddTool(mcp.NewTool("preview",
		mcp.WithDescription("Fetch and coerce what the next sync cycle would insert, without writing anything"),
		mcp.WithString("job", mcp.Description("Job name"), mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return (default 100)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handlePreview)
}

// jobSummary is the agent-facing view of a configured job.
type jobSummary struct {
	Name          string `json:"name"`
	Table         string `json:"table"`
	SourceType    string `json:"sourceType"`
	Trigger       string `json:"trigger"`
	TriggerConfig string `json:"triggerConfig,omitempty"`
	IdentityKey   string `json:"identityKey"`
	OrderingField string `json:"orderingField"`
	Columns       any    `json:"columns"`
}

func summarizeJob(j config.JobConfig) jobSummary {
	schema := j.Schema()
	return jobSummary{
		Name:          j.Name,
		Table:         j.Table,
		SourceType:    j.Source.Type,
		Trigger:       j.Trigger(),
		TriggerConfig: j.TriggerConfig,
		IdentityKey:   schema.IdentityKey,
		OrderingField: schema.OrderingField,
		Columns:       schema.Columns,
	}
}

func (s *Server) jobSummaries() []jobSummary {
	jobs := s.sync.Jobs()
	out := make([]jobSummary, len(jobs))
	for i, j := range jobs {
		out[i] = summarizeJob(j)
	}
	return out
}

func (s *Server) handleListJobs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.jobSummaries())
}

func (s *Server) handleListSources(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.sync.ListSources())
}

func (s *Server) handleRunSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	job, err := requireJob(req)
	if err != nil {
		return nil, err
	}
	s.logCall("run_sync", zap.String("job", job))

	report, err := s.sync.RunJob(ctx, job)
	if errors.Is(err, service.ErrJobRunning) {
		return textResult(fmt.Sprintf("Job %s is already running; try again later", job)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("run sync: %w", err)
	}

	// The full row set can be large; agents read it with read_cache.
	return jsonResult(map[string]any{
		"job":       job,
		"mode":      report.Mode,
		"watermark": report.Watermark,
		"fetched":   report.Fetched,
		"filtered":  report.Filtered,
		"inserted":  report.Inserted,
		"ignored":   report.Ignored,
		"skipped":   report.Skipped,
		"rows":      len(report.Rows),
		"duration":  report.Duration.String(),
	})
}

func (s *Server) handleReadCache(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	job, err := requireJob(req)
	if err != nil {
		return nil, err
	}
	limit := intArg(req.GetArguments(), "limit", defaultReadLimit)
	if limit <= 0 || limit > maxReadLimit {
		limit = maxReadLimit
	}
	rows, err := s.sync.ReadCache(ctx, job, limit)
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	return jsonResult(rows)
}

func (s *Server) handleCacheStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	job, err := requireJob(req)
	if err != nil {
		return nil, err
	}
	stats, err := s.sync.Stats(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	return jsonResult(stats)
}

func (s *Server) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	job := req.GetString("job", "")
	limit := intArg(req.GetArguments(), "limit", 20)
	runs, err := s.sync.ListRuns(job, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return jsonResult(runs)
}

func (s *Server) handlePreview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	job, err := requireJob(req)
	if err != nil {
		return nil, err
	}
	s.logCall("preview", zap.String("job", job))
	limit := intArg(req.GetArguments(), "limit", defaultReadLimit)
	preview, err := s.sync.Preview(ctx, job, limit)
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}
	return jsonResult(preview)
}
