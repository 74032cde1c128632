package api

import (
	"github.com/kandev/devbridge/internal/agent"
	"github.com/kandev/devbridge/internal/jobs"
	"github.com/kandev/devbridge/internal/metadata"
	"github.com/kandev/devbridge/internal/workspace"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string     `json:"status"`
	Service       string     `json:"service"`
	Version       string     `json:"version"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Jobs          HealthJobs `json:"jobs"`
	Bus           string     `json:"event_bus,omitempty"`
}

// HealthJobs is the job summary embedded in HealthResponse.
type HealthJobs struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

type ListJobsResponse struct {
	Jobs  []*jobs.Job `json:"jobs"`
	Total int         `json:"total"`
}

type ListApplicationsResponse struct {
	Applications []*metadata.Application `json:"applications"`
	Total        int                     `json:"total"`
}

type ListWorkspacesResponse struct {
	Workspaces []*workspace.Workspace `json:"workspaces"`
	Total      int                    `json:"total"`
}

// CommandResponse is the outcome of an ad-hoc agent command. A command the
// agent answered but rejected is still a 200 with Success false.
type CommandResponse struct {
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	FilesChanged []string       `json:"files_changed"`
	ViewsOpened  []string       `json:"views_opened"`
	Data         map[string]any `json:"data,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
}

func commandResponseFrom(res *agent.Result) CommandResponse {
	return CommandResponse{
		Success:      res.Success,
		Error:        res.Error,
		FilesChanged: res.FilesChanged,
		ViewsOpened:  res.ViewsOpened,
		Data:         res.Data,
		DurationMs:   res.Duration.Milliseconds(),
	}
}
