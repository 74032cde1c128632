// Package api serves the bridge's local HTTP API.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/devbridge/internal/agent"
	"github.com/kandev/devbridge/internal/common/constants"
	apperrors "github.com/kandev/devbridge/internal/common/errors"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/jobs"
	"github.com/kandev/devbridge/internal/metadata"
	"github.com/kandev/devbridge/internal/workspace"
)

// JobService is the job manager as seen by the API.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, filter jobs.Filter) ([]*jobs.Job, error)
	Cancel(ctx context.Context, id string) (*jobs.Job, error)
	Status() jobs.QueueStatus
}

// CommandExecutor runs ad-hoc agent commands.
type CommandExecutor interface {
	Execute(ctx context.Context, req agent.ExecuteRequest) (*agent.Result, error)
}

// ApplicationReader reads application metadata.
type ApplicationReader interface {
	Get(ctx context.Context, id string) (*metadata.Application, error)
	List(ctx context.Context) ([]*metadata.Application, error)
}

// WorkspaceLister enumerates workspaces on disk.
type WorkspaceLister interface {
	List() []*workspace.Workspace
}

// BusHealth reports event bus connectivity.
type BusHealth interface {
	IsConnected() bool
}

// Dependencies are the collaborators behind the API. Bus is optional.
type Dependencies struct {
	Jobs         JobService
	Commands     CommandExecutor
	Applications ApplicationReader
	Workspaces   WorkspaceLister
	Bus          BusHealth
}

// Handler implements the HTTP endpoints.
type Handler struct {
	deps    Dependencies
	started time.Time
	logger  *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(deps Dependencies, log *logger.Logger) *Handler {
	return &Handler{
		deps:    deps,
		started: time.Now(),
		logger:  log.WithFields(zap.String("component", "api-handlers")),
	}
}

// RegisterRoutes adds every HTTP route to router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.health)

	api := router.Group("/api/v1")
	api.POST("/jobs", h.createJob)
	api.GET("/jobs", h.listJobs)
	api.GET("/jobs/:jobId", h.getJob)
	api.POST("/jobs/:jobId/cancel", h.cancelJob)
	api.POST("/agent/commands", h.executeCommand)
	api.GET("/status", h.status)
	api.GET("/applications", h.listApplications)
	api.GET("/applications/:appId", h.getApplication)
	api.GET("/workspaces", h.listWorkspaces)
}

// GET /health
func (h *Handler) health(c *gin.Context) {
	status := h.deps.Jobs.Status()
	resp := HealthResponse{
		Status:        "ok",
		Service:       "devbridge",
		Version:       constants.Version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Jobs:          HealthJobs{Queued: status.Queued, Running: status.Running},
	}
	if h.deps.Bus != nil {
		resp.Bus = "connected"
		if !h.deps.Bus.IsConnected() {
			resp.Status = "degraded"
			resp.Bus = "disconnected"
		}
	}
	c.JSON(http.StatusOK, resp)
}

// POST /api/v1/jobs
func (h *Handler) createJob(c *gin.Context) {
	var req jobs.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperrors.BadRequest("invalid payload: "+err.Error()))
		return
	}
	job, err := h.deps.Jobs.Submit(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// GET /api/v1/jobs?application_id=&state=&limit=
func (h *Handler) listJobs(c *gin.Context) {
	filter := jobs.Filter{ApplicationID: c.Query("application_id")}
	if s := c.Query("state"); s != "" {
		filter.State = jobs.State(s)
		if !filter.State.Valid() {
			h.writeError(c, apperrors.ValidationError("state", "unknown job state "+strconv.Quote(s)))
			return
		}
	}
	if l := c.Query("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			h.writeError(c, apperrors.ValidationError("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	list, err := h.deps.Jobs.List(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	c.JSON(http.StatusOK, ListJobsResponse{Jobs: list, Total: len(list)})
}

// GET /api/v1/jobs/:jobId
func (h *Handler) getJob(c *gin.Context) {
	job, err := h.deps.Jobs.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// POST /api/v1/jobs/:jobId/cancel
func (h *Handler) cancelJob(c *gin.Context) {
	job, err := h.deps.Jobs.Cancel(c.Request.Context(), c.Param("jobId"))
	if job != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// the agent is still being stopped
		c.JSON(http.StatusAccepted, job)
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// POST /api/v1/agent/commands
func (h *Handler) executeCommand(c *gin.Context) {
	var req agent.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperrors.BadRequest("invalid payload: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		h.writeError(c, apperrors.ValidationError("command", "command is required"))
		return
	}

	res, err := h.deps.Commands.Execute(c.Request.Context(), req)
	var cmdErr *agent.CommandError
	if errors.As(err, &cmdErr) && !cmdErr.Unreachable() {
		resp := commandResponseFrom(cmdErr.Result)
		if resp.Error == "" {
			resp.Error = cmdErr.Detail
		}
		c.JSON(http.StatusOK, resp)
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, commandResponseFrom(res))
}

// GET /api/v1/status
func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Jobs.Status())
}

// GET /api/v1/applications
func (h *Handler) listApplications(c *gin.Context) {
	apps, err := h.deps.Applications.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if apps == nil {
		apps = []*metadata.Application{}
	}
	c.JSON(http.StatusOK, ListApplicationsResponse{Applications: apps, Total: len(apps)})
}

// GET /api/v1/applications/:appId
func (h *Handler) getApplication(c *gin.Context) {
	app, err := h.deps.Applications.Get(c.Request.Context(), c.Param("appId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

// GET /api/v1/workspaces
func (h *Handler) listWorkspaces(c *gin.Context) {
	list := h.deps.Workspaces.List()
	if list == nil {
		list = []*workspace.Workspace{}
	}
	c.JSON(http.StatusOK, ListWorkspacesResponse{Workspaces: list, Total: len(list)})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	appErr := toAppError(c, err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.WithContext(c.Request.Context()).WithError(err).Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", appErr.Code))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// toAppError maps domain errors onto API error codes.
func toAppError(c *gin.Context, err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	var transition *jobs.TransitionError
	var cmdErr *agent.CommandError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, jobs.ErrJobNotFound):
		return apperrors.NotFound("job", c.Param("jobId"))
	case errors.Is(err, metadata.ErrApplicationNotFound):
		return apperrors.NotFound("application", c.Param("appId"))
	case errors.Is(err, agent.ErrSessionNotFound):
		return &apperrors.AppError{Code: apperrors.ErrCodeNotFound, Message: err.Error(), HTTPStatus: http.StatusNotFound}
	case errors.As(err, &transition):
		return apperrors.Conflict(transition.Error())
	case errors.Is(err, jobs.ErrInvalidRequest):
		return apperrors.BadRequest(err.Error())
	case errors.Is(err, jobs.ErrQueueFull):
		return apperrors.ServiceUnavailable("job queue")
	case errors.Is(err, jobs.ErrManagerStopped), errors.Is(err, agent.ErrProxyClosed):
		return apperrors.ServiceUnavailable("bridge")
	case errors.As(err, &cmdErr):
		return apperrors.AgentFailure(cmdErr.Error(), err)
	default:
		return apperrors.Wrap(err, "request failed")
	}
}
