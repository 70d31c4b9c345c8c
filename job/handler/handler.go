// Package handler exposes job submission and status lookups over HTTP.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/net/resp"
	"github.com/ncobase/jobwatch/query"
	"github.com/ncobase/jobwatch/queue"
	"github.com/ncobase/jobwatch/status"
	"github.com/ncobase/jobwatch/validator"
)

// Submitter accepts new jobs.
type Submitter interface {
	Submit(ctx context.Context, name string, payload json.RawMessage) (*queue.Job, error)
}

// Querier answers status lookups.
type Querier interface {
	GetStatus(ctx context.Context, id string) (status.JobStatus, error)
	GetProgress(ctx context.Context, id string) (status.Progress, error)
	GetLogs(ctx context.Context, id string) ([]string, error)
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	Name    string          `json:"name" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// Accepted is the body of a successful submission.
type Accepted struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

// ProgressResponse is the body of GET /jobs/:jobId/progress.
type ProgressResponse struct {
	JobID    string          `json:"jobId"`
	Progress status.Progress `json:"progress"`
}

// LogsResponse is the body of GET /jobs/:jobId/logs.
type LogsResponse struct {
	JobID string   `json:"jobId"`
	Logs  []string `json:"logs"`
}

// Handler serves the /jobs routes.
type Handler struct {
	jobs    Submitter
	queries Querier
	log     *logger.Logger
}

// New creates a Handler.
func New(jobs Submitter, queries Querier, log *logger.Logger) *Handler {
	return &Handler{jobs: jobs, queries: queries, log: log}
}

// RegisterRoutes mounts the job routes on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	jobs := r.Group("/jobs")
	{
		jobs.POST("", h.Submit)
		jobs.GET("/:jobId", h.Status)
		jobs.GET("/:jobId/progress", h.Progress)
		jobs.GET("/:jobId/logs", h.Logs)
	}
}

// Submit handles POST /jobs.
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil || isNull(req.Payload) {
		e := resp.BadRequest("Missing job name or payload")
		e.Errors = validator.FieldErrors(err, &req)
		resp.Fail(c.Writer, e)
		return
	}

	job, err := h.jobs.Submit(c.Request.Context(), req.Name, req.Payload)
	if err != nil {
		h.log.Error(c.Request.Context(), "Failed to add job", "name", req.Name, "error", err)
		resp.Fail(c.Writer, resp.InternalServer("Failed to add job", err))
		return
	}

	resp.WithStatusCode(c.Writer, http.StatusAccepted, Accepted{Message: "Job accepted", JobID: job.ID})
}

// Status handles GET /jobs/:jobId.
func (h *Handler) Status(c *gin.Context) {
	id := c.Param("jobId")
	st, err := h.queries.GetStatus(c.Request.Context(), id)
	if err != nil {
		h.fail(c, id, err)
		return
	}
	resp.Success(c.Writer, st)
}

// Progress handles GET /jobs/:jobId/progress.
func (h *Handler) Progress(c *gin.Context) {
	id := c.Param("jobId")
	p, err := h.queries.GetProgress(c.Request.Context(), id)
	if err != nil {
		h.fail(c, id, err)
		return
	}
	resp.Success(c.Writer, ProgressResponse{JobID: id, Progress: p})
}

// Logs handles GET /jobs/:jobId/logs.
func (h *Handler) Logs(c *gin.Context) {
	id := c.Param("jobId")
	logs, err := h.queries.GetLogs(c.Request.Context(), id)
	if err != nil {
		h.fail(c, id, err)
		return
	}
	resp.Success(c.Writer, LogsResponse{JobID: id, Logs: logs})
}

func (h *Handler) fail(c *gin.Context, id string, err error) {
	if errors.Is(err, query.ErrNotFound) {
		resp.Fail(c.Writer, resp.NotFound("Job not found"))
		return
	}
	h.log.Error(c.Request.Context(), "Failed to get job status", "job_id", id, "error", err)
	resp.Fail(c.Writer, resp.InternalServer("Failed to get job status", err))
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
