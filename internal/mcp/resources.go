package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	jobsURI        = "ledgersync://jobs"
	cacheURIPrefix = "ledgersync://cache/"
)

func (s *Server) registerResources() {
	// ── ledgersync://jobs ──────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		jobsURI,
		"Configured Sync Jobs",
		mcp.WithMIMEType("application/json"),
	), s.handleJobsResource)

	// ── ledgersync://cache/{job} ───────────────────────
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(
			cacheURIPrefix+"{job}",
			"Cached Rows of a Job",
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleCacheResource,
	)
}

func (s *Server) handleJobsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(jobsURI, s.jobSummaries())
}

func (s *Server) handleCacheResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	job := jobFromCacheURI(uri)
	if job == "" {
		return nil, fmt.Errorf("could not extract job from URI: %s", uri)
	}
	rows, err := s.sync.ReadCache(ctx, job, maxReadLimit)
	if err != nil {
		return nil, err
	}
	return jsonResource(uri, rows)
}

// jobFromCacheURI extracts the job from "ledgersync://cache/{job}".
func jobFromCacheURI(uri string) string {
	job, ok := strings.CutPrefix(uri, cacheURIPrefix)
	if !ok || strings.Contains(job, "/") {
		return ""
	}
	return job
}
