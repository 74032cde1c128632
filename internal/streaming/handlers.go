package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/kandev/devbridge/internal/common/errors"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/jobs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Listener is loopback only
		return true
	},
}

// JobLookup resolves the current snapshot of a job.
type JobLookup interface {
	Get(ctx context.Context, id string) (*jobs.Job, error)
}

// WSHandler handles websocket connections
type WSHandler struct {
	hub    *Hub
	jobs   JobLookup
	logger *logger.Logger
}

// NewWSHandler creates a new websocket handler
func NewWSHandler(hub *Hub, lookup JobLookup, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		jobs:   lookup,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamJob streams one job, starting with its current snapshot.
// GET /api/v1/jobs/:jobId/stream
func (h *WSHandler) StreamJob(c *gin.Context) {
	jobID := c.Param("jobId")
	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to load job")
		if errors.Is(err, jobs.ErrJobNotFound) {
			appErr = apperrors.NotFound("job", jobID)
		}
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger, jobID)
	// queued ahead of registration so no event can overtake the snapshot
	h.sendSnapshot(client, jobID, job)
	if !h.register(client) {
		return
	}
	// events published before registration completed were missed; catch up
	if latest, err := h.jobs.Get(c.Request.Context(), jobID); err == nil && changed(job, latest) {
		h.sendSnapshot(client, jobID, latest)
	}
	h.start(client, zap.String("job_id", jobID))
}

func (h *WSHandler) sendSnapshot(client *Client, jobID string, job *jobs.Job) {
	if data, err := json.Marshal(ServerMessage{Type: TypeSnapshot, JobID: jobID, Job: job}); err == nil {
		client.trySend(data)
	}
}

func changed(before, after *jobs.Job) bool {
	return before.State != after.State || before.Progress.Sequence != after.Progress.Sequence
}

// StreamAll opens a stream whose subscriptions are driven by client messages.
// GET /api/v1/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}
	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	if h.register(client) {
		h.start(client)
	}
}

// register hands the client to the hub; once it returns true every later
// broadcast reaches the client. On failure the connection is closed.
func (h *WSHandler) register(client *Client) bool {
	if err := h.hub.Register(client); err != nil {
		_ = client.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down"))
		_ = client.conn.Close()
		return false
	}
	return true
}

func (h *WSHandler) start(client *Client, fields ...zap.Field) {
	h.logger.Info("WebSocket connection established", append(fields, zap.String("client_id", client.ID))...)
	go client.WritePump()
	go client.ReadPump()
}

// SetupRoutes adds the websocket routes to the router
func SetupRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/stream", handler.StreamAll)
	router.GET("/jobs/:jobId/stream", handler.StreamJob)
}
