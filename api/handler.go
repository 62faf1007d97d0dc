package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mediaconv/config"
	"mediaconv/job"
	"mediaconv/resource"

	"github.com/gin-gonic/gin"
)

// SystemInfo reports host resource usage.
type SystemInfo interface {
	Snapshot(ctx context.Context) (resource.Snapshot, error)
}

// EventStats reports notification delivery counters.
type EventStats interface {
	Dropped() int
}

type Handler struct {
	jobs   *job.Manager
	system SystemInfo
	events EventStats
	cfg    *config.Config
	logger *slog.Logger
}

// NewHandler builds the API handler. system and events may be nil.
func NewHandler(jobs *job.Manager, system SystemInfo, events EventStats, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		jobs:   jobs,
		system: system,
		events: events,
		cfg:    cfg,
		logger: logger.With("component", "api"),
	}
}

type SubmitRequest struct {
	MediaSource  string `json:"mediaSource" binding:"required"`
	MediaType    string `json:"mediaType"`
	OutputFormat string `json:"outputFormat" binding:"required"`
	KeepOriginal bool   `json:"keepOriginal"`
}

// JobResponse is the wire form of a job. Unset timestamps are omitted.
type JobResponse struct {
	ID             string     `json:"id"`
	MediaSource    string     `json:"mediaSource"`
	SourceKind     string     `json:"sourceKind"`
	MediaType      string     `json:"mediaType"`
	OutputFormat   string     `json:"outputFormat"`
	KeepOriginal   bool       `json:"keepOriginal"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	ElapsedSeconds float64    `json:"elapsedSeconds"`
	OutputFile     string     `json:"outputFile,omitempty"`
	DownloadURL    string     `json:"downloadUrl,omitempty"`
	Error          string     `json:"error,omitempty"`
	OutputLog      []string   `json:"outputLog,omitempty"`
	Progress       float64    `json:"progress"`
	RetryCount     int        `json:"retryCount"`
	RetryOf        string     `json:"retryOf,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (h *Handler) toResponse(c *gin.Context, j job.Job, withLog bool) JobResponse {
	r := JobResponse{
		ID:             j.ID,
		MediaSource:    j.MediaSource,
		SourceKind:     string(j.SourceKind),
		MediaType:      string(j.MediaType),
		OutputFormat:   j.OutputFormat,
		KeepOriginal:   j.KeepOriginal,
		Status:         string(j.Status),
		CreatedAt:      j.CreatedAt,
		StartedAt:      optionalTime(j.StartedAt),
		FinishedAt:     optionalTime(j.FinishedAt),
		ElapsedSeconds: j.Elapsed(time.Now()).Seconds(),
		OutputFile:     j.OutputFile,
		Error:          j.Error,
		Progress:       j.Progress,
		RetryCount:     j.RetryCount,
		RetryOf:        j.RetryOf,
	}
	if withLog {
		r.OutputLog = j.OutputLog
	}
	if j.Status == job.StatusCompleted && j.OutputFile != "" {
		r.DownloadURL = h.downloadURL(c, j.ID)
	}
	return r
}

// downloadURL builds the absolute URL of a completed job's file.
func (h *Handler) downloadURL(c *gin.Context, id string) string {
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return fmt.Sprintf("%s/api/v1/jobs/%s/file", baseURL, id)
}

// writeError maps manager errors onto HTTP status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	var verr *job.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": verr.Field})
	case errors.Is(err, job.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, job.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, job.ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, job.ErrInsufficientDiskSpace):
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": err.Error()})
	case errors.Is(err, job.ErrManagerStopped), errors.Is(err, job.ErrPersistence):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error", "details": err.Error()})
	}
}

func (h *Handler) handleSubmitJob(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j, err := h.jobs.Submit(c.Request.Context(), job.SubmitRequest{
		MediaSource:  req.MediaSource,
		MediaType:    req.MediaType,
		OutputFormat: req.OutputFormat,
		KeepOriginal: req.KeepOriginal,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": j.ID})
}

// handleListJobs accepts ?status=pending,running and ?limit=N.
func (h *Handler) handleListJobs(c *gin.Context) {
	f := job.Filter{OmitLog: true}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := job.ParseStatus(part)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", part)})
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}

	jobs, err := h.jobs.List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, h.toResponse(c, j, false))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) handleGetJob(c *gin.Context) {
	j, err := h.jobs.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(c, j, true))
}

func (h *Handler) handleCancelJob(c *gin.Context) {
	accepted, err := h.jobs.Cancel(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

func (h *Handler) handleRetryJob(c *gin.Context) {
	j, err := h.jobs.Retry(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": j.ID})
}

// handleGetFile serves the output of a completed job.
func (h *Handler) handleGetFile(c *gin.Context) {
	j, err := h.jobs.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if j.Status != job.StatusCompleted || j.OutputFile == "" {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("job is %s, no file to serve", j.Status)})
		return
	}
	c.FileAttachment(j.OutputFile, filepath.Base(j.OutputFile))
}

func (h *Handler) handleMaintenance(c *gin.Context) {
	res, err := h.jobs.RunMaintenance(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobsCleaned":    res.JobsCleaned,
		"elapsedSeconds": res.Elapsed.Seconds(),
	})
}

func (h *Handler) handleSystem(c *gin.Context) {
	if h.system == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "resource monitoring disabled"})
		return
	}
	snap, err := h.system.Snapshot(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) handleHealth(c *gin.Context) {
	hl := h.jobs.Health(c.Request.Context())
	status, code := "ok", http.StatusOK
	if hl.Degraded {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	body := gin.H{
		"status":    status,
		"running":   hl.Running,
		"pending":   hl.Pending,
		"lastError": hl.LastError,
		"jobs":      hl.Stored,
	}
	if h.events != nil {
		body["eventsDropped"] = h.events.Dropped()
	}
	c.JSON(code, body)
}
